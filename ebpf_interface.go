package main

import (
	"errors"

	"execfence/internal/blocklist"
	"execfence/internal/digest"
)

// ErrProviderClosed is returned by ReadTrace once the provider is closed.
var ErrProviderClosed = errors.New("provider closed")

// TraceRecord matches struct trace_record in bpf/execfence.bpf.c.
type TraceRecord struct {
	Digest  uint64
	Pid     uint32
	Verdict uint32
	PathLen uint32
	_       uint32
	Path    [digest.HashWindow]byte
}

// EBPFProvider is the kernel-side enforcement capability: a loaded program
// whose blocklist can be populated before it is attached.
type EBPFProvider interface {
	// Store returns the blocklist the program reads.
	Store() blocklist.Store

	// Attach hooks the program into the execution path.
	Attach() error

	// Detach removes the hook. The blocklist stays loaded.
	Detach() error

	// ReadTrace blocks for the next diagnostic record.
	// Returns ErrProviderClosed after Close.
	ReadTrace() (*TraceRecord, error)

	// Close detaches and releases all resources
	Close() error
}
