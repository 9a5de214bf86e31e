package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"execfence/internal/canon"
	"execfence/internal/controlplane"
	"execfence/internal/digest"
	"execfence/internal/policy"
)

var checkPIDs []int

var checkCmd = &cobra.Command{
	Use:   "check [executable...]",
	Short: "Evaluate executables against the policy without touching the kernel",
	Long: `check runs the configured policy through an in-memory blocklist and
prints the verdict the enforcement program would return for each argument.
With --pid, the executable of a running process is evaluated instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		p, err := cfg.loadPolicy()
		if err != nil {
			return err
		}
		return runCheck(cmd, cfg, p, args, checkPIDs)
	},
}

var hashCmd = &cobra.Command{
	Use:   "hash executable...",
	Short: "Print the blocklist digest of each executable",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runHash(cmd.OutOrStdout(), cfg, args)
	},
}

func init() {
	checkCmd.Flags().IntSliceVar(&checkPIDs, "pid", nil, "evaluate the executable of a running process")
}

func runCheck(cmd *cobra.Command, cfg Config, p policy.Policy, args []string, pids []int) error {
	if len(args) == 0 && len(pids) == 0 {
		return errors.New("check needs at least one executable or --pid")
	}
	fail, err := cfg.failPolicy()
	if err != nil {
		return err
	}

	sim := NewSimEBPFProvider(cmd.Context(), cfg.Capacity, fail)
	defer sim.Close()

	logger := slog.Default()
	ctrl := controlplane.New(sim.Store(), sim, controlplane.Options{
		Resolver:   cfg.resolver(),
		Logger:     logger,
		FailPolicy: fail,
	})
	if err := applyConfigResult(ctrl.Configure(cmd.Context(), p), cfg.Strict, logger); err != nil {
		return err
	}
	if err := ctrl.Activate(); err != nil {
		return err
	}
	defer deactivate(ctrl, logger)

	out := cmd.OutOrStdout()
	pid := uint32(os.Getpid())
	var failed int
	res := cfg.resolver()
	for _, arg := range args {
		path, err := res.Resolve(arg)
		if err != nil {
			fmt.Fprintf(out, "%-5s %s: %v\n", "ERROR", arg, err)
			failed++
			continue
		}
		v := sim.Exec(pid, canon.PathContext(path))
		fmt.Fprintf(out, "%-5s %s %s\n", v, path, digest.SumString(path))
	}
	for _, target := range pids {
		v := sim.Exec(uint32(target), canon.ProcContext{PID: target})
		fmt.Fprintf(out, "%-5s pid %d\n", v, target)
	}

	if failed > 0 {
		return fmt.Errorf("%d executables could not be resolved", failed)
	}
	return nil
}

func runHash(w io.Writer, cfg Config, args []string) error {
	res := cfg.resolver()
	var failed int
	for _, arg := range args {
		path, err := res.Resolve(arg)
		if err != nil {
			fmt.Fprintf(w, "%s: %v\n", arg, err)
			failed++
			continue
		}
		fmt.Fprintf(w, "%s  %s\n", digest.SumString(path), path)
	}
	if failed > 0 {
		return fmt.Errorf("%d executables could not be resolved", failed)
	}
	return nil
}
