// Package probe is the user-space rendition of the kernel enforcement program.
// It makes the same allow/deny decision over the same hasher and store
// contract, and backs dry runs and tests.
package probe

import (
	"sync"

	"golang.org/x/sys/unix"

	"execfence/internal/canon"
	"execfence/internal/digest"
)

// Verdict is the outcome of one execution attempt.
type Verdict uint32

// Values match the verdict field of kernel trace records.
const (
	Allow Verdict = 0
	Deny  Verdict = 1
)

func (v Verdict) String() string {
	switch v {
	case Allow:
		return "ALLOW"
	case Deny:
		return "DENY"
	default:
		return "UNKNOWN"
	}
}

// Errno is the error the execution syscall fails with, or 0 when it proceeds.
func (v Verdict) Errno() unix.Errno {
	if v == Deny {
		return unix.EACCES
	}
	return 0
}

// FailPolicy selects the verdict used when the decision cannot be made.
type FailPolicy uint8

const (
	// FailOpen allows execution when the path cannot be determined.
	FailOpen FailPolicy = iota
	// FailClosed denies execution when the path cannot be determined.
	FailClosed
)

func (f FailPolicy) String() string {
	if f == FailClosed {
		return "closed"
	}
	return "open"
}

// Lookup is the read side of a blocklist.
type Lookup interface {
	Contains(d digest.Digest) bool
}

// Trace is a diagnostic record of one decision. It is passed by value so that
// emitting it never allocates.
type Trace struct {
	Digest   digest.Digest
	Verdict  Verdict
	Degraded bool
	PathLen  int
	Path     [digest.HashWindow]byte
}

// PathString returns the recorded path prefix.
func (t *Trace) PathString() string {
	n := t.PathLen
	if n > len(t.Path) {
		n = len(t.Path)
	}
	return string(t.Path[:n])
}

// Probe decides execution attempts against a blocklist.
type Probe struct {
	store   Lookup
	policy  FailPolicy
	traces  chan<- Trace
	scratch sync.Pool
}

// Option configures a Probe.
type Option func(*Probe)

// WithFailPolicy sets the verdict used for undeterminable paths.
func WithFailPolicy(f FailPolicy) Option {
	return func(p *Probe) { p.policy = f }
}

// WithTraces sets the channel decisions are reported on. Sends never block;
// records are dropped when the channel is full.
func WithTraces(ch chan<- Trace) Option {
	return func(p *Probe) { p.traces = ch }
}

// New creates a Probe reading from store.
func New(store Lookup, opts ...Option) *Probe {
	p := &Probe{store: store}
	p.scratch.New = func() any { return new(canon.Scratch) }
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// OnExecutionAttempt returns the verdict for one execution attempt. It keeps
// no per-attempt state, so repeated calls for the same attempt agree.
func (p *Probe) OnExecutionAttempt(ec canon.ExecutionContext) (v Verdict) {
	defer func() {
		if r := recover(); r != nil {
			v = p.degraded()
		}
	}()

	if p.store == nil {
		return p.degraded()
	}

	s := p.scratch.Get().(*canon.Scratch)
	defer p.scratch.Put(s)

	path, ok := canon.Canonicalize(ec, s)
	if !ok {
		v = p.degraded()
		p.emit(nil, 0, v, true)
		return v
	}

	d := digest.Sum(path, digest.HashWindow)
	v = Allow
	if p.store.Contains(d) {
		v = Deny
	}
	p.emit(path, d, v, false)
	return v
}

func (p *Probe) degraded() Verdict {
	if p.policy == FailClosed {
		return Deny
	}
	return Allow
}

func (p *Probe) emit(path canon.Path, d digest.Digest, v Verdict, degraded bool) {
	if p.traces == nil {
		return
	}
	t := Trace{Digest: d, Verdict: v, Degraded: degraded}
	t.PathLen = copy(t.Path[:], path)
	select {
	case p.traces <- t:
	default:
	}
}
