// Package digest implements the 64-bit FNV-1a hash shared by the kernel
// program and the control plane.
//
// The C side lives in bpf/execfence.bpf.c. Both implementations must agree on
// the constants, the byte order of accumulation and the window handling below;
// any drift turns blocklisted binaries into silent misses.
package digest

import "fmt"

const (
	// OffsetBasis is the FNV-1a 64-bit offset basis.
	OffsetBasis uint64 = 0xcbf29ce484222325
	// Prime is the FNV-1a 64-bit prime.
	Prime uint64 = 0x100000001b3

	// HashWindow is the number of leading path bytes that contribute to a
	// digest. Paths that share their first HashWindow bytes collide.
	HashWindow = 256
)

// Digest is a presence key, not a content identity.
type Digest uint64

// String renders the digest as fixed-width hex.
func (d Digest) String() string {
	return fmt.Sprintf("%016x", uint64(d))
}

// Sum hashes b up to the first NUL byte or maxLen bytes, whichever is first.
func Sum(b []byte, maxLen int) Digest {
	n := len(b)
	if maxLen < n {
		n = maxLen
	}
	h := OffsetBasis
	for i := 0; i < n; i++ {
		c := b[i]
		if c == 0 {
			break
		}
		h ^= uint64(c)
		h *= Prime
	}
	return Digest(h)
}

// SumString hashes s over HashWindow bytes without converting it to a slice.
func SumString(s string) Digest {
	n := len(s)
	if n > HashWindow {
		n = HashWindow
	}
	h := OffsetBasis
	for i := 0; i < n; i++ {
		c := s[i]
		if c == 0 {
			break
		}
		h ^= uint64(c)
		h *= Prime
	}
	return Digest(h)
}
