package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"cdr.dev/slog"
	"cdr.dev/slog/sloggers/sloghuman"
	"cdr.dev/slog/sloggers/slogjson"
	"github.com/spf13/cobra"

	"github.com/browserfairy/browserfairy-go/internal/config"
	"github.com/browserfairy/browserfairy-go/internal/engine"
	"github.com/browserfairy/browserfairy-go/internal/sourcemap"
	"github.com/browserfairy/browserfairy-go/internal/state"
	"github.com/browserfairy/browserfairy-go/internal/statusserver"
)

// shutdownGrace bounds how long shutdown may take once requested (§5:
// "shutdown must complete within a bounded grace period").
const shutdownGrace = 10 * time.Second

func newRunCmd(cfgPath *string) *cobra.Command {
	var endpoint string
	var host string
	var port int
	var sessionsDir string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Attach to a running browser and monitor every page target",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("host") && cfg.Endpoint.Host != "" {
				host = cfg.Endpoint.Host
			}
			if !cmd.Flags().Changed("port") && cfg.Endpoint.Port != 0 {
				port = cfg.Endpoint.Port
			}

			log, closeLog, err := buildLogger(cfg)
			if err != nil {
				return fmt.Errorf("building logger: %w", err)
			}
			defer closeLog()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			resolveEndpoint := endpointResolver(endpoint, host, port)
			log.Info(ctx, "browserfairy: connecting to browser debug endpoint",
				slog.F("host", host), slog.F("port", port))

			root := sessionsDir
			if root == "" {
				root, err = resolveSessionsRoot(cfg)
				if err != nil {
					return err
				}
			}
			sessionDir, err := newSessionDir(root)
			if err != nil {
				return fmt.Errorf("creating session directory: %w", err)
			}
			log.Info(ctx, "browserfairy: writing telemetry", slog.F("session_dir", sessionDir))

			eng, err := engine.New(ctx, log, cfg, sessionDir, resolveEndpoint, sourcemap.NoOp{})
			if err != nil {
				return fmt.Errorf("starting engine: %w", err)
			}
			log.Info(ctx, "browserfairy: connected to browser debug endpoint")

			var status *statusserver.Server
			if cfg.Status.Enabled {
				status = statusserver.NewServer(cfg.Status.Address, eng)
				if err := status.Start(); err != nil {
					log.Warn(ctx, "browserfairy: status server did not start", slog.Error(err))
					status = nil
				} else {
					log.Info(ctx, "browserfairy: status server listening", slog.F("address", cfg.Status.Address))
				}
			}

			if err := eng.Start(ctx); err != nil {
				return fmt.Errorf("starting target discovery: %w", err)
			}

			<-ctx.Done()
			log.Info(context.Background(), "browserfairy: shutting down")

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer shutdownCancel()

			if status != nil {
				_ = status.Stop(shutdownCtx)
			}
			eng.Shutdown(shutdownCtx)

			printOverviewSummary(cmd, eng)
			return nil
		},
	}

	cmd.Flags().StringVar(&endpoint, "endpoint", "", "browser debug WebSocket endpoint (ws://...); overrides --host/--port discovery")
	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "browser debug HTTP host, used to discover --endpoint")
	cmd.Flags().IntVar(&port, "port", 9222, "browser debug HTTP port, used to discover --endpoint")
	cmd.Flags().StringVar(&sessionsDir, "sessions-dir", "", "root directory for this run's session_YYYY-MM-DD_HHMMSS directory (default: state dir)")
	return cmd
}

func loadConfig(cfgPath string) (*config.Config, error) {
	if cfgPath == "" {
		var err error
		cfgPath, err = state.ConfigFile()
		if err != nil {
			return nil, fmt.Errorf("resolving default config path: %w", err)
		}
	}
	cfg, err := config.LoadOrCreateAt(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config %s: %w", cfgPath, err)
	}
	return cfg, nil
}

func resolveSessionsRoot(cfg *config.Config) (string, error) {
	if cfg.Writer.SessionsDir != "" {
		return cfg.Writer.SessionsDir, nil
	}
	return state.SessionsDir()
}

// newSessionDir creates session_YYYY-MM-DD_HHMMSS/ under root, per §3/§6.
func newSessionDir(root string) (string, error) {
	name := "session_" + time.Now().Format("2006-01-02_150405")
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// buildLogger assembles the structured logger from cfg.Logging: human-
// readable output to stderr, plus an optional NDJSON sink to a log file.
func buildLogger(cfg *config.Config) (slog.Logger, func(), error) {
	sinks := []slog.Sink{sloghuman.Sink(os.Stderr)}
	closers := []func() error{}

	logFile := cfg.Logging.File
	if logFile == "" {
		var err error
		logFile, err = state.DefaultLogFile()
		if err != nil {
			return slog.Logger{}, func() {}, err
		}
	}
	if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
		return slog.Logger{}, func() {}, err
	}
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return slog.Logger{}, func() {}, err
	}
	sinks = append(sinks, slogjson.Sink(f))
	closers = append(closers, f.Close)

	level := slog.LevelInfo
	if cfg.Logging.Level == "debug" {
		level = slog.LevelDebug
	}

	closeAll := func() {
		for _, c := range closers {
			_ = c()
		}
	}
	return slog.Make(sinks...).Leveled(level), closeAll, nil
}

func printOverviewSummary(cmd *cobra.Command, eng *engine.Engine) {
	out := cmd.OutOrStdout()
	overviews := eng.Overview()
	fmt.Fprintf(out, "browserfairy: monitored %d host(s)\n", len(overviews))
	for _, ov := range overviews {
		var total, dropped int64
		for _, n := range ov.RecordCounts {
			total += n
		}
		for _, n := range ov.DropCounts {
			dropped += n
		}
		fmt.Fprintf(out, "  %-30s records=%-6d dropped=%d\n", ov.Host, total, dropped)
	}
}
