// Package canon stages the path of a binary about to run into caller-owned
// memory.
package canon

import (
	"strconv"

	"golang.org/x/sys/unix"
)

// PathMax is the platform path-length ceiling, terminator included.
const PathMax = 4096

// Scratch is the bounded buffer a path is copied into. It is owned by a single
// decision and must not be retained past it.
type Scratch [PathMax]byte

// ExecutionContext is the opaque handle for a binary about to execute.
type ExecutionContext interface {
	// ReadPath copies the absolute path of the binary into dst and reports
	// how many bytes were written. ok is false when the path cannot be
	// determined.
	ReadPath(dst []byte) (n int, ok bool)
}

// Path is a view into a Scratch buffer, without the terminator.
type Path []byte

// String copies the path out of the scratch buffer.
func (p Path) String() string { return string(p) }

// Canonicalize copies the context's binary path into s and NUL-terminates it.
// It reports false for paths that are missing, empty or not absolute; callers
// decide what that means for the verdict.
func Canonicalize(ec ExecutionContext, s *Scratch) (Path, bool) {
	if ec == nil || s == nil {
		return nil, false
	}
	n, ok := ec.ReadPath(s[:PathMax-1])
	if !ok || n <= 0 {
		return nil, false
	}
	if n > PathMax-1 {
		n = PathMax - 1
	}
	// Stop at an embedded terminator the context may have written.
	for i := 0; i < n; i++ {
		if s[i] == 0 {
			n = i
			break
		}
	}
	if n == 0 || s[0] != '/' {
		return nil, false
	}
	s[n] = 0
	return Path(s[:n]), true
}

// PathContext is an execution context whose binary path is already known and
// canonical.
type PathContext string

// ReadPath implements ExecutionContext.
func (p PathContext) ReadPath(dst []byte) (int, bool) {
	if len(p) == 0 {
		return 0, false
	}
	return copy(dst, p), true
}

// ProcContext resolves the executable of a live process through procfs. The
// kernel has already resolved symlinks for /proc/<pid>/exe.
type ProcContext struct {
	PID int
}

// ReadPath implements ExecutionContext.
func (p ProcContext) ReadPath(dst []byte) (int, bool) {
	if p.PID <= 0 {
		return 0, false
	}
	n, err := unix.Readlink("/proc/"+strconv.Itoa(p.PID)+"/exe", dst)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
