package main

import (
	"context"
	"sync"

	"execfence/internal/blocklist"
	"execfence/internal/canon"
	"execfence/internal/digest"
	"execfence/internal/probe"
)

// SimEBPFProvider runs the enforcement decision in user space over an
// in-memory blocklist. It backs dry runs and tests.
type SimEBPFProvider struct {
	mu        sync.Mutex
	store     *blocklist.MemStore
	probe     *probe.Probe
	decisions chan probe.Trace
	records   chan *TraceRecord
	attached  bool
	attachErr error
	detachErr error
	closed    bool
	done      chan struct{}
	ctx       context.Context
}

// NewSimEBPFProvider creates a simulated provider with the given blocklist
// capacity and failure policy.
func NewSimEBPFProvider(ctx context.Context, capacity int, fail probe.FailPolicy) *SimEBPFProvider {
	store := blocklist.NewMemStore(capacity)
	decisions := make(chan probe.Trace, 1)
	return &SimEBPFProvider{
		store:     store,
		probe:     probe.New(store, probe.WithFailPolicy(fail), probe.WithTraces(decisions)),
		decisions: decisions,
		records:   make(chan *TraceRecord, 256),
		done:      make(chan struct{}),
		ctx:       ctx,
	}
}

// Store returns the in-memory blocklist.
func (s *SimEBPFProvider) Store() blocklist.Store {
	return s.store
}

// FailAttach makes the next Attach calls fail with err, as a verifier
// rejection would.
func (s *SimEBPFProvider) FailAttach(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attachErr = err
}

// FailDetach makes the next Detach calls fail with err.
func (s *SimEBPFProvider) FailDetach(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detachErr = err
}

// Attach starts routing Exec calls through the probe.
func (s *SimEBPFProvider) Attach() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrProviderClosed
	}
	if s.attachErr != nil {
		return s.attachErr
	}
	s.attached = true
	return nil
}

// Detach stops routing Exec calls through the probe.
func (s *SimEBPFProvider) Detach() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detachErr != nil {
		return s.detachErr
	}
	s.attached = false
	return nil
}

// IsAttached reports whether the probe is hooked in.
func (s *SimEBPFProvider) IsAttached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached
}

// Exec simulates an execution attempt by pid. Without an attached probe
// every attempt proceeds.
func (s *SimEBPFProvider) Exec(pid uint32, ec canon.ExecutionContext) probe.Verdict {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.attached || s.closed {
		return probe.Allow
	}
	v := s.probe.OnExecutionAttempt(ec)

	select {
	case t := <-s.decisions:
		rec := &TraceRecord{
			Digest:  uint64(t.Digest),
			Pid:     pid,
			Verdict: uint32(t.Verdict),
			PathLen: uint32(t.PathLen),
		}
		copy(rec.Path[:], t.Path[:t.PathLen])
		select {
		case s.records <- rec:
		default:
		}
	default:
	}
	return v
}

// Push queues a prepared record for ReadTrace, as if the kernel had emitted
// it. It reports false when the queue is full.
func (s *SimEBPFProvider) Push(rec *TraceRecord) bool {
	select {
	case s.records <- rec:
		return true
	default:
		return false
	}
}

// ReadTrace returns the next simulated trace record.
func (s *SimEBPFProvider) ReadTrace() (*TraceRecord, error) {
	select {
	case rec := <-s.records:
		return rec, nil
	case <-s.done:
		return nil, ErrProviderClosed
	case <-s.ctx.Done():
		return nil, context.Canceled
	}
}

// Close cleans up resources
func (s *SimEBPFProvider) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.attached = false
	close(s.done)
	return nil
}

// CreateMockTrace builds a kernel-shaped trace record for path, with the
// digest the kernel would compute.
func CreateMockTrace(pid uint32, path string, verdict probe.Verdict) *TraceRecord {
	rec := &TraceRecord{
		Digest:  uint64(digest.SumString(path)),
		Pid:     pid,
		Verdict: uint32(verdict),
	}
	rec.PathLen = uint32(copy(rec.Path[:], path))
	return rec
}
