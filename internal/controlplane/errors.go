package controlplane

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"execfence/internal/blocklist"
)

var (
	// ErrNotConfigured is returned when activating before a policy was
	// configured.
	ErrNotConfigured = errors.New("controller not configured")
	// ErrAlreadyConfigured is returned by a second Configure; use Reload.
	ErrAlreadyConfigured = errors.New("controller already configured")
	// ErrTerminated is returned by operations after Deactivate.
	ErrTerminated = errors.New("controller terminated")
)

// ConfigError reports policy entries that did not make it into the
// blocklist. Entries installed before the failure stay in effect.
type ConfigError struct {
	// Unresolved holds identifiers that did not name an executable.
	Unresolved []string
	// Rejected holds resolved paths that were not inserted.
	Rejected []string

	errs *multierror.Error
}

func (e *ConfigError) add(err error) {
	e.errs = multierror.Append(e.errs, err)
}

func (e *ConfigError) empty() bool {
	return e.errs.ErrorOrNil() == nil
}

// CapacityExceeded reports whether population stopped on a full store.
func (e *ConfigError) CapacityExceeded() bool {
	return errors.Is(e, blocklist.ErrCapacityExceeded)
}

func (e *ConfigError) Error() string {
	if e.errs == nil {
		return "configuration error"
	}
	return fmt.Sprintf("configuration error: %d unresolved, %d rejected: %s",
		len(e.Unresolved), len(e.Rejected), e.errs.Error())
}

func (e *ConfigError) Unwrap() error {
	if e.errs == nil {
		return nil
	}
	return e.errs.ErrorOrNil()
}

// AttachError reports that the enforcement program could not be loaded or
// attached. The controller does not enter the active state.
type AttachError struct {
	Err error
}

func (e *AttachError) Error() string {
	return fmt.Sprintf("attach enforcement program: %v", e.Err)
}

func (e *AttachError) Unwrap() error { return e.Err }
