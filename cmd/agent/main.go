package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Chichichkin/timberlogs/internal/client"
	"github.com/Chichichkin/timberlogs/internal/config"
	"github.com/Chichichkin/timberlogs/internal/daemon"
	"github.com/Chichichkin/timberlogs/internal/logging"
	"github.com/Chichichkin/timberlogs/internal/logging/file"
	"github.com/Chichichkin/timberlogs/internal/logging/httpsink"
	"github.com/Chichichkin/timberlogs/internal/logging/loki"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "agent",
		Short:        "Tail log files and ship them through the timberlogs client",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "path to a YAML, JSON or TOML config file")
	root.AddCommand(newRunCmd(), newConfigCmd())
	return root
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the agent until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			if cfg.Sink.HTTP.APIKey != "" {
				cfg.Sink.HTTP.APIKey = "***"
			}
			out, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return err
		},
	}
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(lvl).
		With().
		Timestamp().
		Logger()
}

// buildSink returns the configured sink and a function releasing it.
func buildSink(cfg config.SinkConfig, logger zerolog.Logger) (logging.Sink, func() error, error) {
	noop := func() error { return nil }
	sinkLogger := logger.With().Str("sink", cfg.Kind).Logger()

	switch cfg.Kind {
	case config.SinkLoki:
		sink := loki.NewSink(cfg.Loki.URL,
			loki.WithTenant(cfg.Loki.Tenant),
			loki.WithLabels(cfg.Loki.Labels),
			loki.WithDataLabels(cfg.Loki.DataLabels...),
			loki.WithLogger(sinkLogger),
		)
		return sink, noop, nil
	case config.SinkHTTP:
		sink, err := httpsink.New(cfg.HTTP.Endpoint, cfg.HTTP.APIKey, httpsink.WithLogger(sinkLogger))
		if err != nil {
			return nil, nil, err
		}
		return sink, noop, nil
	case config.SinkFile:
		sink, err := file.NewSink(cfg.File)
		if err != nil {
			return nil, nil, err
		}
		return sink, sink.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown sink kind %q", cfg.Kind)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := newLogger(cfg.LogLevel)

	clientCfg, err := cfg.Client.Logging()
	if err != nil {
		return err
	}
	sink, closeSink, err := buildSink(cfg.Sink, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeSink(); err != nil {
			logger.Warn().Err(err).Msg("failed to close sink")
		}
	}()

	c, err := client.New(clientCfg,
		client.WithLogger(logger.With().Str("component", "client").Logger()),
		client.WithOnDrop(func(ev client.DropEvent) {
			logger.Error().Err(ev.Err).Int("entries", len(ev.Entries)).Int("attempts", ev.Attempts).Msg("batch dropped")
		}),
	)
	if err != nil {
		return err
	}
	if err := c.Connect(sink); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		svc := daemon.NewService(gctx, cfg.Daemon, c,
			daemon.WithLogger(logger.With().Str("component", "daemon").Logger()))
		if err := svc.Start(); err != nil {
			return err
		}
		<-gctx.Done()
		svc.Stop()
		return nil
	})

	g.Go(func() error {
		reportClientStats(gctx, c, cfg.Daemon.ReportInterval, logger)
		return nil
	})

	logger.Info().Str("sink", cfg.Sink.Kind).Str("source", clientCfg.Source).Msg("agent running")
	runErr := g.Wait()
	logger.Info().Msg("shutting down")

	closeErr := c.Close()
	if closeErr != nil {
		logger.Warn().Err(closeErr).Msg("final flush failed")
	}
	return errors.Join(runErr, closeErr)
}

func reportClientStats(ctx context.Context, c *client.Client, interval time.Duration, logger zerolog.Logger) {
	if interval <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats := c.Stats()
			logger.Info().
				Int64("admitted", stats.Admitted).
				Int64("filtered", stats.Filtered).
				Int64("delivered", stats.EntriesDelivered).
				Int64("retries", stats.Retries).
				Int64("dropped", stats.EntriesDropped).
				Int("buffered", stats.Buffered).
				Msg("client stats")
		case <-ctx.Done():
			return
		}
	}
}
