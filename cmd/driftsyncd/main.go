// Command driftsyncd is the sync engine's standalone daemon: it opens
// an embedding application's database, starts the background sync
// loops, and serves the Prometheus metrics endpoint, until it receives
// an interrupt or termination signal.
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

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/driftsync/engine/internal/config"
	"github.com/driftsync/engine/internal/engine"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "driftsyncd",
		Short:         "Run the embedded sync engine as a standalone daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runDaemon,
	}

	cmd.PersistentFlags().String("config", "", "path to a driftsyncd config file")
	cmd.PersistentFlags().String("data-dir", "", "directory holding the SQLite database and sync state (required)")
	cmd.PersistentFlags().String("listen", ":9090", "address to serve /metrics on")
	cmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")
	cmd.PersistentFlags().String("log-format", "", "log format: json or text (defaults to text on a terminal, json otherwise)")
	cmd.PersistentFlags().String("project-id", "", "project id sent on every request to the sync server")
	cmd.PersistentFlags().String("user-id", "", "user id sent on every request to the sync server, if applicable")
	cmd.PersistentFlags().String("auth-token", "", "bearer token for the sync server")

	cmd.AddCommand(newResetCmd())
	return cmd
}

// newResetCmd exposes the Schema Manager's version-gated reset as an
// operator action, for recovering a device whose tracked tables have
// drifted from the current plugin version without waiting for the
// embedding application to do it at its own next startup.
func newResetCmd() *cobra.Command {
	var version string
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Force a schema reset to the given plugin version",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd)
			if err != nil {
				return err
			}
			setupLogging(cfg.Process.LogLevel, resolveLogFormat(cfg.Process.LogFormat))

			e, err := engine.Open(cfg)
			if err != nil {
				return fmt.Errorf("open engine: %w", err)
			}
			defer e.Stop()

			if version == "" {
				return errors.New("reset: --version is required")
			}
			if err := e.Reset(version); err != nil {
				return fmt.Errorf("reset: %w", err)
			}
			slog.Info("driftsyncd: schema reset complete", "version", version)
			return nil
		},
	}
	cmd.Flags().StringVar(&version, "version", "", "plugin version to reset to")
	return cmd
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cmd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	setupLogging(cfg.Process.LogLevel, resolveLogFormat(cfg.Process.LogFormat))
	slog.Info("driftsyncd: starting", "device_id", cfg.DeviceID, "data_dir", cfg.Process.DataDir, "server_url", cfg.Sync.ServerURL)

	e, err := engine.Open(cfg)
	if err != nil {
		return fmt.Errorf("open engine: %w", err)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	e.Start(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", e.MetricsHandler())
	httpSrv := &http.Server{Addr: cfg.Process.ListenAddr, Handler: mux}

	serveErrs := make(chan error, 1)
	go func() {
		slog.Info("driftsyncd: serving metrics", "addr", cfg.Process.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrs <- err
		}
	}()

	sigCtx, sigStop := notifyShutdownSignal()
	defer sigStop()

	select {
	case <-sigCtx.Done():
		slog.Info("driftsyncd: shutdown signal received")
	case err := <-serveErrs:
		slog.Error("driftsyncd: metrics server failed", "err", err)
	}

	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("driftsyncd: metrics server shutdown error", "err", err)
	}
	if err := e.Stop(); err != nil {
		slog.Warn("driftsyncd: engine shutdown error", "err", err)
	}
	slog.Info("driftsyncd: stopped")
	return nil
}

// resolveLogFormat defaults to text on an interactive terminal and json
// otherwise.
func resolveLogFormat(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		return "text"
	}
	return "json"
}

// notifyShutdownSignal installs the interrupt/termination shutdown
// trigger.
func notifyShutdownSignal() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func setupLogging(level, format string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
