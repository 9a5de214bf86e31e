//go:build integration

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"execfence/internal/controlplane"
	"execfence/internal/digest"
	"execfence/internal/policy"
	"execfence/internal/probe"
	"execfence/internal/resolve"
)

// objectPath is the compiled program under test; go generate writes it.
func objectPath() string {
	if p := os.Getenv("EXECFENCE_OBJECT"); p != "" {
		return p
	}
	return filepath.Join("bpf", "execfence.bpf.o")
}

// checkIntegrationTestRequirements checks if we can run integration tests
func checkIntegrationTestRequirements(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("Integration tests require root privileges (run with sudo)")
	}
	if err := checkLSMEnvironment(); err != nil {
		t.Skipf("BPF LSM not available: %v", err)
	}
	if _, err := os.Stat("/sys/kernel/btf/vmlinux"); err != nil {
		t.Skip("Kernel BTF not available (required for CO-RE eBPF)")
	}
	if _, err := os.Stat(objectPath()); err != nil {
		t.Skipf("program object not built: %v", err)
	}
}

// writeExecutable creates a shell script that exits 0.
func writeExecutable(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatalf("Failed to create %s: %v", path, err)
	}
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		t.Fatal(err)
	}
	return resolved
}

func newProvider(t *testing.T, fail probe.FailPolicy) *RealEBPFProvider {
	t.Helper()
	provider, err := NewRealEBPFProvider(ProviderOptions{
		ObjectPath: objectPath(),
		Capacity:   16,
		FailPolicy: fail,
	})
	if err != nil {
		t.Fatalf("Failed to create eBPF provider: %v", err)
	}
	t.Cleanup(func() { provider.Close() })
	return provider
}

func TestIntegration_RealEBPFProvider_LoadAndAttach(t *testing.T) {
	checkIntegrationTestRequirements(t)

	provider := newProvider(t, probe.FailOpen)
	if got := provider.Store().Capacity(); got != 16 {
		t.Errorf("expected capacity 16, got %d", got)
	}
	if err := provider.Attach(); err != nil {
		t.Fatalf("Failed to attach: %v", err)
	}
	if err := provider.Attach(); err != nil {
		t.Errorf("second Attach should be a no-op: %v", err)
	}
	if err := provider.Detach(); err != nil {
		t.Errorf("Failed to detach: %v", err)
	}
}

func TestIntegration_BlockingFunctionality(t *testing.T) {
	checkIntegrationTestRequirements(t)

	dir := t.TempDir()
	blocked := writeExecutable(t, dir, "blocked")
	allowed := writeExecutable(t, dir, "allowed")

	provider := newProvider(t, probe.FailOpen)
	ctrl := controlplane.New(provider.Store(), provider, controlplane.Options{
		Resolver: &resolve.Resolver{SearchPath: []string{dir}},
		Logger:   quietLogger(),
	})

	if err := exec.Command(blocked).Run(); err != nil {
		t.Fatalf("Initial exec failed (should succeed): %v", err)
	}

	if err := ctrl.Configure(context.Background(), policy.New("blocked")); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := ctrl.Activate(); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	err := exec.Command(blocked).Run()
	if !errors.Is(err, unix.EACCES) {
		t.Fatalf("expected EACCES for %s, got %v", blocked, err)
	}
	if err := exec.Command(allowed).Run(); err != nil {
		t.Errorf("allowed executable failed: %v", err)
	}

	// Reload with an empty policy lifts the block without detaching.
	if err := ctrl.Reload(context.Background(), policy.New()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if err := exec.Command(blocked).Run(); err != nil {
		t.Errorf("exec after reload should succeed: %v", err)
	}

	if err := ctrl.Deactivate(); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
}

func TestIntegration_TracesMatchUserSpaceDigest(t *testing.T) {
	checkIntegrationTestRequirements(t)

	dir := t.TempDir()
	blocked := writeExecutable(t, dir, "traced")

	provider := newProvider(t, probe.FailOpen)
	if err := provider.Store().Insert(digest.SumString(blocked)); err != nil {
		t.Fatal(err)
	}
	if err := provider.Attach(); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	handler := NewTraceHandler(provider, TraceHandlerConfig{Logger: quietLogger()})
	done := make(chan error, 1)
	go func() {
		done <- handler.Run(ctx)
	}()

	_ = exec.Command(blocked).Run()

	for handler.DeniedCount() == 0 && ctx.Err() == nil {
		time.Sleep(20 * time.Millisecond)
	}
	if handler.DeniedCount() == 0 {
		t.Fatal("Timeout waiting for a deny trace")
	}
	if handler.MismatchCount() != 0 {
		t.Errorf("kernel digest disagreed with user space %d times", handler.MismatchCount())
	}

	provider.StopTraces()
	<-done
}

func TestIntegration_ConcurrentExecsKeepTheirOwnVerdict(t *testing.T) {
	checkIntegrationTestRequirements(t)

	dir := t.TempDir()
	blocked := writeExecutable(t, dir, "blocked")
	allowed := writeExecutable(t, dir, "allowed")

	provider := newProvider(t, probe.FailOpen)
	if err := provider.Store().Insert(digest.SumString(blocked)); err != nil {
		t.Fatal(err)
	}
	if err := provider.Attach(); err != nil {
		t.Fatal(err)
	}

	const rounds = 200
	errs := make(chan error, 2*rounds)
	var wg sync.WaitGroup
	for i := 0; i < rounds; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := exec.Command(allowed).Run(); err != nil {
				errs <- fmt.Errorf("allowed executable failed: %w", err)
			}
		}()
		go func() {
			defer wg.Done()
			if err := exec.Command(blocked).Run(); !errors.Is(err, unix.EACCES) {
				errs <- fmt.Errorf("blocked executable: expected EACCES, got %v", err)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}
