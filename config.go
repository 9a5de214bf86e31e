package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"execfence/internal/blocklist"
	"execfence/internal/policy"
	"execfence/internal/probe"
	"execfence/internal/resolve"
)

// Config is the resolved daemon configuration.
type Config struct {
	Policy      []string `mapstructure:"policy"`
	PolicyFile  string   `mapstructure:"policy_file"`
	Capacity    int      `mapstructure:"capacity"`
	FailPolicy  string   `mapstructure:"fail_policy"`
	Object      string   `mapstructure:"object"`
	SearchPath  []string `mapstructure:"search_path"`
	PIDFile     string   `mapstructure:"pid_file"`
	MetricsAddr string   `mapstructure:"metrics_addr"`
	LogLevel    string   `mapstructure:"log_level"`
	LogFormat   string   `mapstructure:"log_format"`
	Strict      bool     `mapstructure:"strict"`
}

const (
	defaultObjectPath = "/usr/lib/execfence/execfence.bpf.o"
	defaultPIDFile    = "/run/execfence.pid"
)

func setDefaults() {
	viper.SetDefault("policy", []string{})
	viper.SetDefault("policy_file", "")
	viper.SetDefault("capacity", blocklist.DefaultCapacity)
	viper.SetDefault("fail_policy", "open")
	viper.SetDefault("object", defaultObjectPath)
	viper.SetDefault("search_path", []string{})
	viper.SetDefault("pid_file", defaultPIDFile)
	viper.SetDefault("metrics_addr", "")
	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_format", "text")
	viper.SetDefault("strict", false)
}

// loadConfig decodes and validates the current viper settings.
func loadConfig() (Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = blocklist.DefaultCapacity
	}
	if _, err := cfg.failPolicy(); err != nil {
		return cfg, err
	}
	if cfg.PIDFile == "" {
		cfg.PIDFile = defaultPIDFile
	}
	return cfg, nil
}

func (c Config) failPolicy() (probe.FailPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(c.FailPolicy)) {
	case "", "open":
		return probe.FailOpen, nil
	case "closed":
		return probe.FailClosed, nil
	default:
		return probe.FailOpen, fmt.Errorf("invalid fail_policy %q: want open or closed", c.FailPolicy)
	}
}

// loadPolicy merges inline identifiers with the policy file, inline first.
func (c Config) loadPolicy() (policy.Policy, error) {
	p := policy.New(c.Policy...)
	if c.PolicyFile != "" {
		fromFile, err := policy.Load(c.PolicyFile)
		if err != nil {
			return policy.Policy{}, err
		}
		p = p.Merge(fromFile)
	}
	return p, nil
}

func (c Config) resolver() *resolve.Resolver {
	if len(c.SearchPath) == 0 {
		return resolve.FromEnv()
	}
	return &resolve.Resolver{SearchPath: c.SearchPath}
}

// readPIDFile returns the daemon pid recorded at path.
func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read pid file: %w", err)
	}
	var pid int
	if _, err := fmt.Sscanf(strings.TrimSpace(string(data)), "%d", &pid); err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid file %s", path)
	}
	return pid, nil
}

// writePIDFile records the current process id at path.
func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create pid dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}
