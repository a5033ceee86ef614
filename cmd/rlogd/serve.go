package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgnsrekt/rlog-relay/internal/admin"
	"github.com/dgnsrekt/rlog-relay/internal/config"
	"github.com/dgnsrekt/rlog-relay/internal/cycle"
	"github.com/dgnsrekt/rlog-relay/internal/record"
	"github.com/dgnsrekt/rlog-relay/internal/relay"
	"github.com/dgnsrekt/rlog-relay/internal/replay"
	"github.com/dgnsrekt/rlog-relay/internal/rlog"
)

func serveCmd() *cobra.Command {
	var (
		addr       string
		replayPath string
		replayMode string
		recordDir  string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay, the producer and the admin API",
		Long: `Run the relay server on the configured port and feed it from a producer.

The producer publishes Go runtime statistics by default, or replays a recorded
session (.jsonl or .jsonl.zst) when --replay is given.

Examples:
  # Live runtime telemetry on :5800
  rlogd serve

  # Replay a session in a loop
  rlogd serve --replay sessions/session.jsonl.zst --replay-mode rotation

  # Record what is broadcast
  rlogd serve --record sessions`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if replayPath != "" {
				cfg.Producer.Source = "replay"
				cfg.Producer.ReplayPath = replayPath
			}
			if replayMode != "" {
				cfg.Producer.ReplayMode = replayMode
			}
			if recordDir != "" {
				cfg.Record.Enabled = true
				cfg.Record.Directory = recordDir
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, logger)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "relay listen address (overrides server.addr)")
	cmd.Flags().StringVar(&replayPath, "replay", "", "replay a recorded session instead of runtime stats")
	cmd.Flags().StringVar(&replayMode, "replay-mode", "", "replay mode: exhaust or rotation")
	cmd.Flags().StringVar(&recordDir, "record", "", "record broadcast tables into this directory")

	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	var console *cycle.Console
	if cfg.Logging.Capture {
		console = cycle.NewConsole(cycle.DefaultConsoleLimit)
		logger = captureConsole(logger, console)
	}

	logger.Info("configuration loaded",
		zap.String("addr", cfg.Server.Addr),
		zap.Int("queueCapacity", cfg.Server.QueueCapacity),
		zap.Duration("tickInterval", cfg.Server.TickInterval),
		zap.Duration("heartbeatTimeout", cfg.Server.HeartbeatTimeout),
		zap.String("source", cfg.Producer.Source),
		zap.Bool("adminEnabled", cfg.Admin.Enabled),
		zap.Bool("recordEnabled", cfg.Record.Enabled),
	)

	enc, err := rlog.NewEncoder()
	if err != nil {
		return err
	}
	defer enc.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	hub := admin.NewEventHub(logger)
	srv, err := relay.New(cfg.Server.RelayConfig(), enc, logger,
		relay.WithRegisterer(reg),
		relay.WithObserver(hub.Publish),
	)
	if err != nil {
		return fmt.Errorf("creating relay: %w", err)
	}

	var (
		source    cycle.Source
		replaySrc *replay.Source
	)
	switch cfg.Producer.Source {
	case "replay":
		mode, err := replay.ParseMode(cfg.Producer.ReplayMode)
		if err != nil {
			return err
		}
		replaySrc, err = replay.Open(cfg.Producer.ReplayPath, mode, logger)
		if err != nil {
			return err
		}
		source = replaySrc
	default:
		source = cycle.NewRuntimeSource()
	}

	driver, err := cycle.NewDriver(cfg.Producer.Interval, source, logger)
	if err != nil {
		return err
	}
	if err := driver.AddReceiver(srv); err != nil {
		return err
	}
	if cfg.Record.Enabled {
		rec, err := record.New(record.Config{Dir: cfg.Record.Directory, Compress: cfg.Record.Compress}, logger)
		if err != nil {
			return err
		}
		if err := driver.AddReceiver(rec); err != nil {
			return err
		}
	}
	if console != nil {
		if err := driver.SetConsole(console); err != nil {
			return err
		}
	}
	for k, v := range cfg.Metadata {
		if err := driver.AddMetadata(k, v); err != nil {
			return err
		}
	}

	if cfg.Admin.Enabled {
		deps := admin.Deps{Relay: srv, Events: hub, Gatherer: reg}
		if replaySrc != nil {
			deps.Replay = replaySrc
		}
		adminSrv := admin.NewServer(cfg.Admin.Addr, admin.NewRouter(deps, logger), logger)
		if err := adminSrv.Start(); err != nil {
			return err
		}
		defer func() {
			// SSE streams never go idle on their own.
			hub.Close()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := adminSrv.Shutdown(shutdownCtx); err != nil {
				logger.Error("admin shutdown error", zap.Error(err))
			}
		}()
	}

	if err := driver.Run(ctx); err != nil {
		return err
	}

	if console != nil && console.Dropped() > 0 {
		logger.Warn("console lines dropped", zap.Uint64("writes", console.Dropped()))
	}
	logger.Info("relay stopped", zap.Uint64("cycles", driver.Cycles()))
	return nil
}
