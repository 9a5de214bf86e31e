// Package controlplane owns the blocklist policy: it resolves identifiers,
// populates the store and drives the enforcement program's lifecycle.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"execfence/internal/blocklist"
	"execfence/internal/canon"
	"execfence/internal/digest"
	"execfence/internal/metrics"
	"execfence/internal/policy"
	"execfence/internal/probe"
	"execfence/internal/resolve"
)

// State is a control-plane lifecycle stage.
type State int

const (
	StateUnconfigured State = iota
	StateResolving
	StatePopulating
	StateReady
	StateActive
	StateShuttingDown
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUnconfigured:
		return "unconfigured"
	case StateResolving:
		return "resolving"
	case StatePopulating:
		return "populating"
	case StateReady:
		return "ready"
	case StateActive:
		return "active"
	case StateShuttingDown:
		return "shutting-down"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Attacher is the program-loader capability: it hooks the enforcement program
// into the execution path and removes it again.
type Attacher interface {
	Attach() error
	Detach() error
}

// Resolver maps a policy identifier to a canonical path.
type Resolver interface {
	Resolve(id string) (string, error)
}

// Entry is one installed blocklist digest and the policy entry behind it.
type Entry struct {
	ID     string
	Path   string
	Digest digest.Digest
}

// Status is a point-in-time view of the controller.
type Status struct {
	State    State
	Entries  []Entry
	Capacity int
}

// Options configures a Controller.
type Options struct {
	Resolver   Resolver
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	FailPolicy probe.FailPolicy
}

// Controller is the sole writer of a blocklist store.
type Controller struct {
	mu       sync.Mutex
	state    State
	attached bool

	store    blocklist.Store
	attacher Attacher
	resolver Resolver
	logger   *slog.Logger
	metrics  *metrics.Metrics
	probe    *probe.Probe

	policy    policy.Policy
	installed []Entry
}

// New creates a controller writing to store and attaching through attacher.
func New(store blocklist.Store, attacher Attacher, opts Options) *Controller {
	if opts.Resolver == nil {
		opts.Resolver = resolve.FromEnv()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Controller{
		store:    store,
		attacher: attacher,
		resolver: opts.Resolver,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		probe:    probe.New(store, probe.WithFailPolicy(opts.FailPolicy)),
	}
}

// State returns the current lifecycle stage.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Configure resolves p and populates the store. Unresolvable identifiers are
// logged and skipped; a full store stops population. Either is reported as a
// *ConfigError, and whatever was installed stays installed.
func (c *Controller) Configure(ctx context.Context, p policy.Policy) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateUnconfigured:
	case StateTerminated:
		return ErrTerminated
	default:
		return ErrAlreadyConfigured
	}

	c.policy = p
	c.state = StateResolving
	want, cerr, err := c.resolve(ctx, p)
	if err != nil {
		c.state = StateUnconfigured
		return err
	}

	c.state = StatePopulating
	c.populate(want, cerr)
	c.state = StateReady

	c.logger.Info("blocklist configured",
		"policy_entries", p.Len(),
		"installed", len(c.installed),
		"capacity", c.store.Capacity(),
	)
	if cerr.empty() {
		return nil
	}
	return cerr
}

// Reload swaps the installed set for p's without detaching. Stale digests are
// removed before new ones are inserted. Lookups racing with a reload may see
// either set.
func (c *Controller) Reload(ctx context.Context, p policy.Policy) (err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer func() { c.metrics.ObserveReload(err) }()

	switch c.state {
	case StateReady, StateActive:
	case StateTerminated:
		return ErrTerminated
	default:
		return ErrNotConfigured
	}

	prev := c.state
	c.state = StateResolving
	want, cerr, err := c.resolve(ctx, p)
	if err != nil {
		c.state = prev
		return err
	}

	c.state = StatePopulating
	keep := make(map[digest.Digest]struct{}, len(want))
	for _, e := range want {
		keep[e.Digest] = struct{}{}
	}
	retained := c.installed[:0:0]
	for _, e := range c.installed {
		if _, ok := keep[e.Digest]; ok {
			retained = append(retained, e)
			continue
		}
		if err := c.store.Delete(e.Digest); err != nil {
			cerr.add(fmt.Errorf("remove %s: %w", e.Path, err))
			retained = append(retained, e)
			continue
		}
		c.logger.Info("unblocked executable", "path", e.Path, "digest", e.Digest.String())
	}
	c.installed = retained
	c.populate(want, cerr)
	c.policy = p
	c.state = prev

	c.logger.Info("blocklist reloaded",
		"policy_entries", p.Len(),
		"installed", len(c.installed),
	)
	if cerr.empty() {
		return nil
	}
	return cerr
}

// Activate attaches the enforcement program. It is a no-op when already
// active.
func (c *Controller) Activate() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateActive:
		return nil
	case StateReady:
	case StateTerminated:
		return &AttachError{Err: ErrTerminated}
	default:
		return &AttachError{Err: ErrNotConfigured}
	}

	if err := c.attacher.Attach(); err != nil {
		return &AttachError{Err: err}
	}
	c.attached = true
	c.state = StateActive
	c.logger.Info("enforcement active", "entries", len(c.installed))
	return nil
}

// Deactivate detaches the enforcement program and releases the installed
// entries. It is a no-op once terminated and may be retried after a failed
// detach.
func (c *Controller) Deactivate() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateTerminated {
		return nil
	}
	prev := c.state
	c.state = StateShuttingDown

	if c.attached {
		if err := c.attacher.Detach(); err != nil {
			c.state = prev
			return fmt.Errorf("detach enforcement program: %w", err)
		}
		c.attached = false
	}

	for _, e := range c.installed {
		if err := c.store.Delete(e.Digest); err != nil {
			c.logger.Warn("release blocklist entry", "path", e.Path, "err", err)
		}
	}
	c.installed = nil
	c.metrics.SetStore(0, c.store.Capacity())
	c.state = StateTerminated
	c.logger.Info("enforcement stopped")
	return nil
}

// Status returns a snapshot of the controller.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := make([]Entry, len(c.installed))
	copy(entries, c.installed)
	return Status{State: c.state, Entries: entries, Capacity: c.store.Capacity()}
}

// Policy returns the policy last applied.
func (c *Controller) Policy() policy.Policy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.policy
}

// Check evaluates an execution of path against the current store, the way
// the enforcement program would.
func (c *Controller) Check(path string) probe.Verdict {
	return c.probe.OnExecutionAttempt(canon.PathContext(path))
}

// resolve maps every identifier of p to an entry, de-duplicating by digest.
// Identifiers that fail to resolve are recorded in the returned ConfigError.
// Only context cancellation is returned as an error.
func (c *Controller) resolve(ctx context.Context, p policy.Policy) ([]Entry, *ConfigError, error) {
	cerr := &ConfigError{}
	seen := make(map[digest.Digest]struct{}, p.Len())
	var want []Entry

	for _, id := range p.Entries() {
		if err := ctx.Err(); err != nil {
			return nil, nil, fmt.Errorf("resolve policy: %w", err)
		}
		path, err := c.resolver.Resolve(id)
		if err != nil {
			c.logger.Warn("skipping unresolvable policy entry", "id", id, "err", err)
			cerr.Unresolved = append(cerr.Unresolved, id)
			cerr.add(fmt.Errorf("resolve %q: %w", id, err))
			continue
		}
		d := digest.SumString(path)
		if _, dup := seen[d]; dup {
			continue
		}
		seen[d] = struct{}{}
		want = append(want, Entry{ID: id, Path: path, Digest: d})
	}
	c.metrics.AddUnresolved(len(cerr.Unresolved))
	return want, cerr, nil
}

// populate inserts the entries of want that are not installed yet. A full
// store rejects the current entry and every one after it.
func (c *Controller) populate(want []Entry, cerr *ConfigError) {
	have := make(map[digest.Digest]struct{}, len(c.installed))
	for _, e := range c.installed {
		have[e.Digest] = struct{}{}
	}

	for i, e := range want {
		if _, ok := have[e.Digest]; ok {
			continue
		}
		err := c.store.Insert(e.Digest)
		if errors.Is(err, blocklist.ErrCapacityExceeded) {
			rejected := 0
			for _, r := range want[i:] {
				if _, ok := have[r.Digest]; ok {
					continue
				}
				cerr.Rejected = append(cerr.Rejected, r.Path)
				rejected++
			}
			c.logger.Error("blocklist full, remaining entries not installed",
				"capacity", c.store.Capacity(),
				"rejected", rejected,
			)
			cerr.add(fmt.Errorf("insert %s: %w", e.Path, err))
			c.metrics.AddCapacityRejected(rejected)
			break
		}
		if err != nil {
			cerr.Rejected = append(cerr.Rejected, e.Path)
			cerr.add(fmt.Errorf("insert %s: %w", e.Path, err))
			continue
		}
		have[e.Digest] = struct{}{}
		c.installed = append(c.installed, e)
		c.logger.Info("blocking executable", "id", e.ID, "path", e.Path, "digest", e.Digest.String())
	}
	c.metrics.SetStore(len(c.installed), c.store.Capacity())
}
