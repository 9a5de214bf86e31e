package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/sys/unix"

	"execfence/internal/blocklist"
	"execfence/internal/controlplane"
	"execfence/internal/digest"
	"execfence/internal/policy"
	"execfence/internal/probe"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"clean", nil, exitOK},
		{"config", &controlplane.ConfigError{}, exitConfig},
		{"plain", errors.New("boom"), exitConfig},
		{"attach", &controlplane.AttachError{Err: errors.New("verifier")}, exitAttach},
		{"wrapped attach", fmt.Errorf("start: %w", &controlplane.AttachError{Err: errors.New("x")}), exitAttach},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err); got != tt.want {
				t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func resetConfig(t *testing.T) {
	t.Helper()
	viper.Reset()
	setDefaults()
	t.Cleanup(func() {
		viper.Reset()
		setDefaults()
	})
}

func TestLoadConfig_Defaults(t *testing.T) {
	resetConfig(t)

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Capacity != blocklist.DefaultCapacity {
		t.Errorf("expected capacity %d, got %d", blocklist.DefaultCapacity, cfg.Capacity)
	}
	if cfg.Object != defaultObjectPath || cfg.PIDFile != defaultPIDFile {
		t.Errorf("unexpected paths %q %q", cfg.Object, cfg.PIDFile)
	}
	if fail, _ := cfg.failPolicy(); fail != probe.FailOpen {
		t.Errorf("expected fail-open default, got %v", fail)
	}
	if cfg.MetricsAddr != "" || cfg.Strict {
		t.Errorf("metrics and strict should be off by default: %+v", cfg)
	}
}

func TestLoadConfig_File(t *testing.T) {
	resetConfig(t)

	dir := t.TempDir()
	policyFile := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(policyFile, []byte("blocklist:\n  - curl\n  - nc\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfgPath := filepath.Join(dir, "execfence.yaml")
	content := fmt.Sprintf("policy: [nc, wget]\npolicy_file: %s\ncapacity: 8\nfail_policy: closed\nstrict: true\n", policyFile)
	if err := os.WriteFile(cfgPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfgFile = cfgPath
	defer func() { cfgFile = "" }()
	if err := initConfig(); err != nil {
		t.Fatalf("initConfig: %v", err)
	}
	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Capacity != 8 || !cfg.Strict {
		t.Errorf("unexpected config %+v", cfg)
	}
	if fail, _ := cfg.failPolicy(); fail != probe.FailClosed {
		t.Errorf("expected fail-closed, got %v", fail)
	}

	p, err := cfg.loadPolicy()
	if err != nil {
		t.Fatalf("loadPolicy: %v", err)
	}
	want := []string{"nc", "wget", "curl"}
	if got := p.Entries(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("expected entries %v, got %v", want, got)
	}
}

func TestLoadConfig_InvalidFailPolicy(t *testing.T) {
	resetConfig(t)
	viper.Set("fail_policy", "sometimes")

	if _, err := loadConfig(); err == nil {
		t.Fatal("expected error for invalid fail_policy")
	}
}

func TestApplyConfigResult(t *testing.T) {
	logger := quietLogger()
	unresolved := &controlplane.ConfigError{Unresolved: []string{"ghost"}}
	rejected := &controlplane.ConfigError{Rejected: []string{"/usr/bin/nc"}}

	if err := applyConfigResult(nil, true, logger); err != nil {
		t.Errorf("nil should pass, got %v", err)
	}
	if err := applyConfigResult(unresolved, false, logger); err != nil {
		t.Errorf("unresolved entries should only warn, got %v", err)
	}
	if err := applyConfigResult(unresolved, true, logger); err == nil {
		t.Error("unresolved entries should fail in strict mode")
	}
	if err := applyConfigResult(rejected, false, logger); err == nil {
		t.Error("rejected entries should always fail")
	}
	if err := applyConfigResult(context.Canceled, false, logger); !errors.Is(err, context.Canceled) {
		t.Errorf("expected other errors to pass through, got %v", err)
	}
}

func TestPIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "execfence.pid")
	if err := writePIDFile(path); err != nil {
		t.Fatalf("writePIDFile: %v", err)
	}
	pid, err := readPIDFile(path)
	if err != nil {
		t.Fatalf("readPIDFile: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("expected pid %d, got %d", os.Getpid(), pid)
	}

	if err := os.WriteFile(path, []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := readPIDFile(path); err == nil {
		t.Error("expected error for malformed pid file")
	}
}

func TestCheckAndHashCommands(t *testing.T) {
	resetConfig(t)

	dir := t.TempDir()
	blocked := writeScript(t, dir, "blocked")
	allowed := writeScript(t, dir, "allowed")

	cfg, err := loadConfig()
	if err != nil {
		t.Fatal(err)
	}
	cfg.SearchPath = []string{dir}

	var out bytes.Buffer
	checkCmd.SetOut(&out)
	checkCmd.SetContext(context.Background())
	defer checkCmd.SetOut(nil)

	if err := runCheck(checkCmd, cfg, policy.New("blocked"), []string{"blocked", "allowed"}, nil); err != nil {
		t.Fatalf("runCheck: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %q", out.String())
	}
	if !strings.HasPrefix(lines[0], "DENY") || !strings.Contains(lines[0], blocked) {
		t.Errorf("unexpected line %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "ALLOW") || !strings.Contains(lines[1], allowed) {
		t.Errorf("unexpected line %q", lines[1])
	}

	out.Reset()
	if err := runHash(&out, cfg, []string{"blocked"}); err != nil {
		t.Fatalf("runHash: %v", err)
	}
	want := fmt.Sprintf("%s  %s\n", digest.SumString(blocked), blocked)
	if out.String() != want {
		t.Errorf("expected %q, got %q", want, out.String())
	}

	if err := runHash(&out, cfg, []string{"missing"}); err == nil {
		t.Error("expected error for unresolvable executable")
	}
}

func writeScript(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		t.Fatal(err)
	}
	return resolved
}

func TestReloadOnHangup_QueuedBeforeLoop(t *testing.T) {
	hup, stopHangup := notifyHangup()
	defer stopHangup()

	// A reload request arriving before the loop runs must be kept, not fatal.
	if err := unix.Kill(os.Getpid(), unix.SIGHUP); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provider := NewSimEBPFProvider(ctx, 4, probe.FailOpen)
	defer provider.Close()
	ctrl := controlplane.New(provider.Store(), provider, controlplane.Options{Logger: quietLogger()})

	applied := make(chan struct{}, 4)
	done := make(chan error, 1)
	go func() {
		done <- reloadOnHangup(ctx, hup, func(context.Context) error {
			applied <- struct{}{}
			return nil
		}, ctrl, quietLogger())
	}()

	select {
	case <-applied:
	case <-time.After(2 * time.Second):
		t.Fatal("queued SIGHUP was not applied")
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("expected nil after cancel, got %v", err)
	}
}

func TestReloadOnHangup_FailureKeepsRunning(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provider := NewSimEBPFProvider(ctx, 4, probe.FailOpen)
	defer provider.Close()
	ctrl := controlplane.New(provider.Store(), provider, controlplane.Options{Logger: quietLogger()})

	hup := make(chan os.Signal, 1)
	calls := make(chan int, 4)
	n := 0
	done := make(chan error, 1)
	go func() {
		done <- reloadOnHangup(ctx, hup, func(context.Context) error {
			n++
			calls <- n
			if n == 1 {
				return errors.New("bad policy file")
			}
			return nil
		}, ctrl, quietLogger())
	}()

	for want := 1; want <= 2; want++ {
		hup <- unix.SIGHUP
		select {
		case got := <-calls:
			if got != want {
				t.Errorf("expected call %d, got %d", want, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("reload %d not applied", want)
		}
	}
	cancel()
	<-done
}

func TestLoadPolicy_MisspeltKeyIsConfigError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte("blocklst:\n  - nc\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Config{PolicyFile: path}.loadPolicy()
	if err == nil {
		t.Fatal("expected error for misspelt policy key")
	}
	if got := exitCode(err); got != exitConfig {
		t.Errorf("expected exit code %d, got %d", exitConfig, got)
	}
}

func TestDeactivate_LogsDetachFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provider := NewSimEBPFProvider(ctx, 4, probe.FailOpen)
	defer provider.Close()
	ctrl := controlplane.New(provider.Store(), provider, controlplane.Options{Logger: quietLogger()})
	if err := ctrl.Configure(ctx, policy.New()); err != nil {
		t.Fatal(err)
	}
	if err := ctrl.Activate(); err != nil {
		t.Fatal(err)
	}

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	provider.FailDetach(errors.New("link busy"))

	if err := deactivate(ctrl, logger); err == nil {
		t.Fatal("expected detach failure")
	}
	if !strings.Contains(logs.String(), "link busy") {
		t.Errorf("expected failure to be logged, got %q", logs.String())
	}

	provider.FailDetach(nil)
	logs.Reset()
	if err := deactivate(ctrl, logger); err != nil {
		t.Errorf("retry should succeed, got %v", err)
	}
	if ctrl.State() != controlplane.StateTerminated {
		t.Errorf("expected terminated, got %v", ctrl.State())
	}
}
