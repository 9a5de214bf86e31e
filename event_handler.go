package main

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"execfence/internal/digest"
	"execfence/internal/metrics"
	"execfence/internal/probe"
)

// TraceHandlerConfig holds configuration for the trace handler
type TraceHandlerConfig struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// TraceHandler consumes the enforcement program's diagnostic records. It
// never feeds back into decisions.
type TraceHandler struct {
	provider EBPFProvider
	logger   *slog.Logger
	metrics  *metrics.Metrics

	allowed    atomic.Uint64
	denied     atomic.Uint64
	mismatches atomic.Uint64

	mu         sync.Mutex
	deniedPIDs map[uint32]uint32 // PID -> denied attempts
}

// NewTraceHandler creates a trace handler reading from provider
func NewTraceHandler(provider EBPFProvider, config TraceHandlerConfig) *TraceHandler {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &TraceHandler{
		provider:   provider,
		logger:     config.Logger,
		metrics:    config.Metrics,
		deniedPIDs: make(map[uint32]uint32),
	}
}

// Run processes trace records until ctx is done or the provider is closed.
func (h *TraceHandler) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			rec, err := h.provider.ReadTrace()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, ErrProviderClosed) {
					return nil
				}
				h.logger.Warn("reading trace", "err", err)
				continue
			}
			h.processTrace(rec)
		}
	}
}

// processTrace handles a single record
func (h *TraceHandler) processTrace(rec *TraceRecord) {
	n := int(rec.PathLen)
	if n > len(rec.Path) {
		n = len(rec.Path)
	}
	path := unix.ByteSliceToString(rec.Path[:n])
	verdict := probe.Verdict(rec.Verdict)
	d := digest.Digest(rec.Digest)

	h.metrics.ObserveVerdict(verdict.String())

	// Records without a path come from the fail-policy branch and carry no digest.
	if path != "" {
		if local := digest.Sum(rec.Path[:n], digest.HashWindow); local != d {
			h.mismatches.Add(1)
			h.metrics.IncDigestMismatch()
			h.logger.Error("kernel and user-space digests differ",
				"path", path,
				"kernel_digest", d.String(),
				"user_digest", local.String(),
			)
		}
	}

	if verdict == probe.Deny {
		h.denied.Add(1)
		h.mu.Lock()
		h.deniedPIDs[rec.Pid]++
		h.mu.Unlock()
		h.logger.Warn("execution denied", "pid", rec.Pid, "path", path, "digest", d.String())
		return
	}
	h.allowed.Add(1)
	h.logger.Debug("execution allowed", "pid", rec.Pid, "path", path, "digest", d.String())
}

// DeniedCount returns the number of denied attempts seen
func (h *TraceHandler) DeniedCount() uint64 {
	return h.denied.Load()
}

// AllowedCount returns the number of allowed attempts seen
func (h *TraceHandler) AllowedCount() uint64 {
	return h.allowed.Load()
}

// MismatchCount returns the number of records whose digest disagreed with
// the user-space hasher.
func (h *TraceHandler) MismatchCount() uint64 {
	return h.mismatches.Load()
}

// DeniedCountForPID returns the denied attempts of a specific PID
func (h *TraceHandler) DeniedCountForPID(pid uint32) uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.deniedPIDs[pid]
}

// DeniedPIDs returns every PID with at least one denied attempt
func (h *TraceHandler) DeniedPIDs() []uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	pids := make([]uint32, 0, len(h.deniedPIDs))
	for pid := range h.deniedPIDs {
		pids = append(pids, pid)
	}
	return pids
}
