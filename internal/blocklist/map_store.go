package blocklist

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
	"golang.org/x/sys/unix"

	"execfence/internal/digest"
)

// present is the value stored for every key; the kernel only checks existence.
const present uint8 = 1

// MapStore is a Store backed by a BPF hash map (u64 key, u8 value) that the
// kernel program reads.
type MapStore struct {
	m *ebpf.Map
}

// NewMapStore wraps m. The map must be a hash map with 8-byte keys and 1-byte
// values.
func NewMapStore(m *ebpf.Map) (*MapStore, error) {
	if m == nil {
		return nil, errors.New("nil blocklist map")
	}
	if m.KeySize() != 8 || m.ValueSize() != 1 {
		return nil, fmt.Errorf("blocklist map has key/value size %d/%d, want 8/1", m.KeySize(), m.ValueSize())
	}
	return &MapStore{m: m}, nil
}

// Insert implements Store.
func (s *MapStore) Insert(d digest.Digest) error {
	key := uint64(d)
	if err := s.m.Update(&key, present, ebpf.UpdateAny); err != nil {
		if errors.Is(err, unix.E2BIG) {
			return ErrCapacityExceeded
		}
		return fmt.Errorf("update blocklist map: %w", err)
	}
	return nil
}

// Delete implements Store.
func (s *MapStore) Delete(d digest.Digest) error {
	key := uint64(d)
	if err := s.m.Delete(&key); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
		return fmt.Errorf("delete from blocklist map: %w", err)
	}
	return nil
}

// Contains implements Store.
func (s *MapStore) Contains(d digest.Digest) bool {
	key := uint64(d)
	var v uint8
	return s.m.Lookup(&key, &v) == nil
}

// Len implements Store. It walks the map, which is bounded by Capacity.
func (s *MapStore) Len() int {
	var (
		key uint64
		val uint8
		n   int
	)
	it := s.m.Iterate()
	for it.Next(&key, &val) {
		n++
	}
	return n
}

// Capacity implements Store.
func (s *MapStore) Capacity() int {
	return int(s.m.MaxEntries())
}
