package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/life-stream-dev/life-stream-go-ws-gateway/internal/auth"
	"github.com/life-stream-dev/life-stream-go-ws-gateway/internal/config"
	"github.com/life-stream-dev/life-stream-go-ws-gateway/internal/connection"
	"github.com/life-stream-dev/life-stream-go-ws-gateway/internal/event"
	"github.com/life-stream-dev/life-stream-go-ws-gateway/internal/heartbeat"
	"github.com/life-stream-dev/life-stream-go-ws-gateway/internal/journal"
	"github.com/life-stream-dev/life-stream-go-ws-gateway/internal/logger"
	"github.com/life-stream-dev/life-stream-go-ws-gateway/internal/metrics"
	"github.com/life-stream-dev/life-stream-go-ws-gateway/internal/ratelimit"
	"github.com/life-stream-dev/life-stream-go-ws-gateway/internal/server"
	"github.com/life-stream-dev/life-stream-go-ws-gateway/internal/session"
	"github.com/life-stream-dev/life-stream-go-ws-gateway/internal/utils"
	"github.com/spf13/cobra"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the WebSocket gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Server.ListenAddr = listen
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "override server.listen_addr")
	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.ReadConfig(path)
	if errors.Is(err, config.ErrConfigCreated) {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err != nil {
		return nil, fmt.Errorf("error occured while reading config: %w", err)
	}
	return cfg, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	loggerCallback := logger.Init(logger.Options{Debug: cfg.DebugMode, Dir: cfg.LogDir})
	logger.Debug("Application initializing...")
	cleaner := event.NewCleaner(loggerCallback)
	defer func() { _ = cleaner.Clean() }()

	store, closeStore, err := openServeStore(ctx, cfg)
	if err != nil {
		logger.ErrorF("Error occured while initializing journal, details: %v", err)
		return err
	}
	var recorder *journal.Recorder
	if store != nil {
		recorder = journal.NewRecorder(store, cfg.Journal.QueueSize)
	}

	m := metrics.New()
	orch := buildOrchestrator(cfg, recorder, m)
	logger.InfoF("Rate limit %d requests per %s (shared=%v), heartbeat every %s with %s pong timeout",
		cfg.RateLimit.MaxRequests, utils.FormatDuration(cfg.RateLimit.WindowDuration()), cfg.RateLimit.ShareAcrossConnections,
		utils.FormatDuration(cfg.Heartbeat.IntervalDuration()), utils.FormatDuration(cfg.Heartbeat.PongTimeoutDuration()))
	srv := server.New(cfg, orch, auth.HeaderAuthenticator{}, m)

	// Hooks run in order: drain sessions, flush the journal, then disconnect storage.
	cleaner.Add(srv)
	if recorder != nil {
		cleaner.Add(recorder)
	}
	if closeStore != nil {
		cleaner.Add(event.CallableFunc(closeStore))
	}

	return srv.Run(ctx)
}

func buildOrchestrator(cfg *config.Config, recorder *journal.Recorder, m *metrics.Metrics) *session.Orchestrator {
	return session.NewOrchestrator(session.Deps{
		Registry: connection.NewRegistry(cfg.Session.SingleSessionPerUser),
		Limiter: ratelimit.New(ratelimit.Config{
			MaxRequests: cfg.RateLimit.MaxRequests,
			Window:      cfg.RateLimit.WindowDuration(),
			ShareLimit:  cfg.RateLimit.ShareAcrossConnections,
		}),
		Recorder: recorder,
		Metrics:  m,
	}, session.Options{
		Heartbeat: heartbeat.Config{
			Interval:       cfg.Heartbeat.IntervalDuration(),
			PongTimeout:    cfg.Heartbeat.PongTimeoutDuration(),
			MaxMissedPongs: cfg.Heartbeat.MaxMissedPongs,
		},
		CallbackTimeout: cfg.Session.CallbackTimeoutDuration(),
		WriteTimeout:    cfg.Server.WriteTimeoutDuration(),
		QueryQueueSize:  cfg.Session.QueryQueueSize,
	})
}

// openServeStore returns the journal store for the serving process; nil when disabled.
func openServeStore(ctx context.Context, cfg *config.Config) (journal.Store, func(context.Context) error, error) {
	switch cfg.Journal.Driver {
	case config.JournalMemory:
		return journal.NewMemoryStore(cfg.Journal.Capacity), nil, nil
	case config.JournalMongo:
		ms, err := journal.ConnectMongo(ctx, cfg.Journal.Database, cfg.AppName)
		if err != nil {
			return nil, nil, err
		}
		return ms, ms.Invoke, nil
	default:
		logger.Info("Connection journal disabled")
		return nil, nil, nil
	}
}
