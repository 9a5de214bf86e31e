package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"execfence/internal/controlplane"
	"execfence/internal/metrics"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Load the blocklist and enforce it until stopped",
	Long: `start resolves the configured policy, loads the enforcement program,
populates the kernel blocklist and attaches to bprm_check_security.
SIGHUP reloads the policy; SIGINT and SIGTERM detach and exit.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runDaemon(cmd.Context(), cfg, slog.Default())
	},
}

func init() {
	flags := startCmd.Flags()
	flags.String("object", defaultObjectPath, "compiled enforcement program")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address")
	flags.Bool("strict", false, "treat unresolvable policy entries as fatal")

	for key, flag := range map[string]string{
		"object":       "object",
		"metrics_addr": "metrics-addr",
		"strict":       "strict",
	} {
		if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}
}

func runDaemon(parent context.Context, cfg Config, logger *slog.Logger) error {
	if parent == nil {
		parent = context.Background()
	}
	fail, err := cfg.failPolicy()
	if err != nil {
		return err
	}
	p, err := cfg.loadPolicy()
	if err != nil {
		return err
	}

	provider, err := NewRealEBPFProvider(ProviderOptions{
		ObjectPath: cfg.Object,
		Capacity:   cfg.Capacity,
		FailPolicy: fail,
	})
	if err != nil {
		return &controlplane.AttachError{Err: err}
	}
	defer func() {
		if err := provider.Close(); err != nil {
			logger.Warn("close provider", "err", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	ctrl := controlplane.New(provider.Store(), provider, controlplane.Options{
		Resolver:   cfg.resolver(),
		Logger:     logger,
		Metrics:    m,
		FailPolicy: fail,
	})

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Registered before the pid file exists so an early reload is queued
	// instead of terminating the process.
	hup, stopHangup := notifyHangup()
	defer stopHangup()

	if err := applyConfigResult(ctrl.Configure(ctx, p), cfg.Strict, logger); err != nil {
		return err
	}
	if err := ctrl.Activate(); err != nil {
		return err
	}
	defer deactivate(ctrl, logger)

	if err := writePIDFile(cfg.PIDFile); err != nil {
		logger.Warn("pid file not written; reload and stop need the pid", "err", err)
	} else {
		defer os.Remove(cfg.PIDFile)
	}

	logger.Info("execfence running",
		"pid", os.Getpid(),
		"entries", len(ctrl.Status().Entries),
		"fail_policy", fail.String(),
	)

	g, gctx := errgroup.WithContext(ctx)

	handler := NewTraceHandler(provider, TraceHandlerConfig{Logger: logger, Metrics: m})
	g.Go(func() error {
		return handler.Run(gctx)
	})

	// ReadTrace blocks in the kernel reader; closing it unblocks Run.
	g.Go(func() error {
		<-gctx.Done()
		return provider.StopTraces()
	})

	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux(reg), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			logger.Info("serving metrics", "addr", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		return reloadOnHangup(gctx, hup, func(ctx context.Context) error {
			return reload(ctx, ctrl, logger)
		}, ctrl, logger)
	})

	err = g.Wait()
	logger.Info("shutting down", "denied", handler.DeniedCount(), "allowed", handler.AllowedCount())
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// deactivate detaches enforcement, logging a failure since callers are on
// their way out.
func deactivate(ctrl *controlplane.Controller, logger *slog.Logger) error {
	err := ctrl.Deactivate()
	if err != nil {
		logger.Error("deactivate", "err", err)
	}
	return err
}

// applyConfigResult decides which configuration problems stop the daemon.
// A full blocklist always does; unresolved entries only in strict mode.
func applyConfigResult(err error, strict bool, logger *slog.Logger) error {
	if err == nil {
		return nil
	}
	var cerr *controlplane.ConfigError
	if !errors.As(err, &cerr) {
		return err
	}
	if cerr.CapacityExceeded() || len(cerr.Rejected) > 0 {
		return cerr
	}
	if strict && len(cerr.Unresolved) > 0 {
		return cerr
	}
	logger.Warn("policy entries skipped", "unresolved", cerr.Unresolved)
	return nil
}

// notifyHangup starts queueing SIGHUP. Until it is called the default action
// of SIGHUP terminates the process.
func notifyHangup() (<-chan os.Signal, func()) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	return hup, func() { signal.Stop(hup) }
}

// reloadOnHangup calls apply for every signal received on hup until ctx is
// done. A failed reload keeps the previous blocklist.
func reloadOnHangup(ctx context.Context, hup <-chan os.Signal, apply func(context.Context) error, ctrl *controlplane.Controller, logger *slog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			if err := apply(ctx); err != nil {
				logger.Error("reload failed", "err", err)
				continue
			}
			logger.Info("reload complete", "entries", len(ctrl.Status().Entries))
		}
	}
}

func reload(ctx context.Context, ctrl *controlplane.Controller, logger *slog.Logger) error {
	if err := initConfig(); err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	p, err := cfg.loadPolicy()
	if err != nil {
		return err
	}
	return applyConfigResult(ctrl.Reload(ctx, p), cfg.Strict, logger)
}

func metricsMux(reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}
