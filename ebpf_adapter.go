package main

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"

	"execfence/internal/blocklist"
	"execfence/internal/probe"
)

// ProviderOptions configures program loading.
type ProviderOptions struct {
	// ObjectPath is the compiled bpf/execfence.bpf.c object.
	ObjectPath string
	// Capacity becomes the blocklist map's max_entries.
	Capacity int
	// FailPolicy is baked into the program as a load-time constant.
	FailPolicy probe.FailPolicy
}

// bpfObjects mirrors the sections of execfence.bpf.o.
type bpfObjects struct {
	GuardBprmCheck *ebpf.Program `ebpf:"guard_bprm_check"`
	Blocklist      *ebpf.Map     `ebpf:"blocklist"`
	Traces         *ebpf.Map     `ebpf:"traces"`
	ScratchRing    *ebpf.Map     `ebpf:"scratch_ring"`
}

func (o *bpfObjects) Close() error {
	var errs []error
	if o.GuardBprmCheck != nil {
		errs = append(errs, o.GuardBprmCheck.Close())
	}
	for _, m := range []*ebpf.Map{o.Blocklist, o.Traces, o.ScratchRing} {
		if m != nil {
			errs = append(errs, m.Close())
		}
	}
	return errors.Join(errs...)
}

// RealEBPFProvider is the production implementation of EBPFProvider
type RealEBPFProvider struct {
	mu      sync.Mutex
	objs    *bpfObjects
	store   *blocklist.MapStore
	reader  *ringbuf.Reader
	lsmLink link.Link
}

// NewRealEBPFProvider loads the enforcement program and its maps without
// attaching it.
func NewRealEBPFProvider(opts ProviderOptions) (*RealEBPFProvider, error) {
	if err := checkLSMEnvironment(); err != nil {
		return nil, err
	}
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("remove memlock rlimit: %w", err)
	}

	spec, err := ebpf.LoadCollectionSpec(opts.ObjectPath)
	if err != nil {
		return nil, fmt.Errorf("load collection spec %s: %w", opts.ObjectPath, err)
	}

	ms, ok := spec.Maps["blocklist"]
	if !ok {
		return nil, fmt.Errorf("object %s has no blocklist map", opts.ObjectPath)
	}
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = blocklist.DefaultCapacity
	}
	ms.MaxEntries = uint32(capacity)

	if opts.FailPolicy == probe.FailClosed {
		v, ok := spec.Variables["fail_closed"]
		if !ok {
			return nil, fmt.Errorf("object %s has no fail_closed constant", opts.ObjectPath)
		}
		if err := v.Set(uint8(1)); err != nil {
			return nil, fmt.Errorf("set fail_closed: %w", err)
		}
	}

	provider := &RealEBPFProvider{objs: &bpfObjects{}}
	if err := spec.LoadAndAssign(provider.objs, nil); err != nil {
		var ve *ebpf.VerifierError
		if errors.As(err, &ve) {
			slog.Error("program rejected by verifier", "log", fmt.Sprintf("%+v", ve))
		}
		return nil, fmt.Errorf("load bpf objects: %w", err)
	}

	store, err := blocklist.NewMapStore(provider.objs.Blocklist)
	if err != nil {
		provider.Close()
		return nil, err
	}
	provider.store = store

	reader, err := ringbuf.NewReader(provider.objs.Traces)
	if err != nil {
		provider.Close()
		return nil, fmt.Errorf("open ring buffer: %w", err)
	}
	provider.reader = reader

	return provider, nil
}

// Store returns the kernel blocklist map.
func (p *RealEBPFProvider) Store() blocklist.Store {
	return p.store
}

// Attach attaches the LSM program to bprm_check_security.
func (p *RealEBPFProvider) Attach() error {
	if p.lsmLink != nil {
		return nil
	}
	l, err := link.AttachLSM(link.LSMOptions{Program: p.objs.GuardBprmCheck})
	if err != nil {
		return fmt.Errorf("attach LSM hook: %w", err)
	}
	p.lsmLink = l
	slog.Info("attached LSM hook", "hook", "bprm_check_security")
	return nil
}

// Detach closes the LSM link.
func (p *RealEBPFProvider) Detach() error {
	if p.lsmLink == nil {
		return nil
	}
	if err := p.lsmLink.Close(); err != nil {
		return fmt.Errorf("close lsm link: %w", err)
	}
	p.lsmLink = nil
	slog.Info("detached LSM hook", "hook", "bprm_check_security")
	return nil
}

// ReadTrace reads the next record from the ring buffer
func (p *RealEBPFProvider) ReadTrace() (*TraceRecord, error) {
	p.mu.Lock()
	reader := p.reader
	p.mu.Unlock()
	if reader == nil {
		return nil, ErrProviderClosed
	}

	record, err := reader.Read()
	if err != nil {
		if errors.Is(err, ringbuf.ErrClosed) {
			return nil, fmt.Errorf("ring buffer closed: %w", ErrProviderClosed)
		}
		return nil, fmt.Errorf("reading from ring buffer: %w", err)
	}

	var rec TraceRecord
	if err := binary.Read(bytes.NewReader(record.RawSample), binary.LittleEndian, &rec); err != nil {
		return nil, fmt.Errorf("parsing trace: %w", err)
	}

	return &rec, nil
}

// StopTraces closes the ring buffer reader, unblocking a pending ReadTrace.
// The program stays attached.
func (p *RealEBPFProvider) StopTraces() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopTracesLocked()
}

func (p *RealEBPFProvider) stopTracesLocked() error {
	if p.reader == nil {
		return nil
	}
	err := p.reader.Close()
	p.reader = nil
	if err != nil {
		return fmt.Errorf("close reader: %w", err)
	}
	return nil
}

// Close cleans up all resources
func (p *RealEBPFProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error

	if err := p.stopTracesLocked(); err != nil {
		errs = append(errs, err)
	}

	if err := p.Detach(); err != nil {
		errs = append(errs, err)
	}

	if p.objs != nil {
		if err := p.objs.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close bpf objects: %w", err))
		}
		p.objs = nil
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing provider: %v", errs)
	}

	return nil
}

// checkLSMEnvironment fails unless the BPF LSM is active.
func checkLSMEnvironment() error {
	data, err := os.ReadFile("/sys/kernel/security/lsm")
	if err != nil {
		return fmt.Errorf("cannot read /sys/kernel/security/lsm: %w (is securityfs mounted?)", err)
	}
	lsms := strings.TrimSpace(string(data))
	for _, name := range strings.Split(lsms, ",") {
		if name == "bpf" {
			return nil
		}
	}
	return fmt.Errorf("BPF LSM not active (active: %q); add bpf to the lsm= boot parameter", lsms)
}
