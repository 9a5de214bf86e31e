// Package resolve turns policy identifiers into canonical executable paths.
package resolve

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// ErrNotFound is returned when an identifier does not name an executable.
var ErrNotFound = errors.New("executable not found")

// Resolver looks up bare names the way a shell does and canonicalizes the
// result.
type Resolver struct {
	// SearchPath is the ordered list of directories bare names are looked
	// up in. Empty entries are skipped.
	SearchPath []string
	// WorkDir anchors relative identifiers containing a slash. Defaults to
	// the process working directory.
	WorkDir string
}

// FromEnv returns a Resolver searching $PATH.
func FromEnv() *Resolver {
	return &Resolver{SearchPath: filepath.SplitList(os.Getenv("PATH"))}
}

// Resolve returns the absolute, symlink-resolved path of the executable named
// by id. Bare names are searched in SearchPath; anything containing a slash is
// taken as a path.
func (r *Resolver) Resolve(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("empty identifier: %w", ErrNotFound)
	}

	if strings.ContainsRune(id, '/') {
		p := id
		if !filepath.IsAbs(p) {
			base, err := r.workDir()
			if err != nil {
				return "", err
			}
			p = filepath.Join(base, p)
		}
		return canonical(p)
	}

	for _, dir := range r.SearchPath {
		if dir == "" {
			continue
		}
		if !filepath.IsAbs(dir) {
			base, err := r.workDir()
			if err != nil {
				return "", err
			}
			dir = filepath.Join(base, dir)
		}
		p, err := canonical(filepath.Join(dir, id))
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return "", err
		}
	}
	return "", fmt.Errorf("%q not in search path: %w", id, ErrNotFound)
}

func (r *Resolver) workDir() (string, error) {
	if r.WorkDir != "" {
		return r.WorkDir, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}
	return wd, nil
}

// canonical resolves symlinks in p and checks the target is an executable
// regular file.
func canonical(p string) (string, error) {
	resolved, err := filepath.EvalSymlinks(p)
	if err != nil {
		if missing(err) {
			return "", fmt.Errorf("%q: %w", p, ErrNotFound)
		}
		return "", fmt.Errorf("resolve %q: %w", p, err)
	}
	resolved, err = filepath.Abs(resolved)
	if err != nil {
		return "", fmt.Errorf("absolute path of %q: %w", resolved, err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("%q: %w", resolved, ErrNotFound)
	}
	if !info.Mode().IsRegular() || info.Mode().Perm()&0o111 == 0 {
		return "", fmt.Errorf("%q is not an executable file: %w", resolved, ErrNotFound)
	}
	return resolved, nil
}

// missing reports whether err means p cannot name an executable, as opposed to
// a failure worth surfacing. Search-path entries that are files, loops or
// overlong are skipped the way a shell skips them.
func missing(err error) bool {
	return errors.Is(err, fs.ErrNotExist) ||
		errors.Is(err, fs.ErrPermission) ||
		errors.Is(err, unix.ENOTDIR) ||
		errors.Is(err, unix.ELOOP) ||
		errors.Is(err, unix.ENAMETOOLONG)
}
