package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "execfence",
	Short: "Block execution of listed binaries with a BPF LSM program",
	Long: `execfence resolves a blocklist of executables, loads their path digests
into a kernel map and denies matching exec attempts with EACCES.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := initConfig(); err != nil {
			return err
		}
		logger, err := newLogger(viper.GetString("log_level"), viper.GetString("log_format"), cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		slog.SetDefault(logger)
		return nil
	},
}

func init() {
	setDefaults()

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (YAML)")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.String("log-format", "text", "log format: text or json")
	flags.StringSlice("policy", nil, "executables to block (names or paths)")
	flags.String("policy-file", "", "YAML file listing executables to block")
	flags.Int("capacity", 0, "maximum number of blocklist entries")
	flags.String("fail-policy", "open", "verdict when a path cannot be determined: open or closed")
	flags.StringSlice("search-path", nil, "directories searched for bare names (default $PATH)")
	flags.String("pid-file", "", "pid file of the running daemon")

	for key, flag := range map[string]string{
		"log_level":   "log-level",
		"log_format":  "log-format",
		"policy":      "policy",
		"policy_file": "policy-file",
		"capacity":    "capacity",
		"fail_policy": "fail-policy",
		"search_path": "search-path",
		"pid_file":    "pid-file",
	} {
		if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}

	rootCmd.AddCommand(startCmd, reloadCmd, stopCmd, checkCmd, hashCmd)
}

// initConfig wires environment variables and the optional config file.
func initConfig() error {
	viper.SetEnvPrefix("EXECFENCE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if cfgFile == "" {
		return nil
	}
	viper.SetConfigFile(cfgFile)
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", cfgFile, err)
	}
	return nil
}

// newLogger builds the process logger.
func newLogger(level, format string, w io.Writer) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}
