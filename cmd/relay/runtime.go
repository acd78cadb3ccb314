package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	cmdpkg "github.com/stupiduntilnot/chatrelay/internal/commander"
	"github.com/stupiduntilnot/chatrelay/internal/config"
	"github.com/stupiduntilnot/chatrelay/internal/control"
	"github.com/stupiduntilnot/chatrelay/internal/db"
	"github.com/stupiduntilnot/chatrelay/internal/dummy"
	modelpkg "github.com/stupiduntilnot/chatrelay/internal/model"
	"github.com/stupiduntilnot/chatrelay/internal/openai"
	"github.com/stupiduntilnot/chatrelay/internal/relay"
	"github.com/stupiduntilnot/chatrelay/internal/sweeper"
	"github.com/stupiduntilnot/chatrelay/internal/telegram"
)

const shutdownTimeout = 10 * time.Second

// platform is both ends of the chat platform: updates in, messages out.
type platform interface {
	cmdpkg.Sink
	cmdpkg.Source
}

// runtime is everything serve and poll share.
type runtime struct {
	cfg      config.RelayConfig
	logger   *slog.Logger
	platform platform
	registry *prometheus.Registry
	database *sql.DB
	events   *db.EventLog
	service  *relay.Service
	sweeper  *sweeper.Sweeper
}

func newRuntime(cfg config.RelayConfig, mode string) (*runtime, error) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	p, err := newPlatform(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to init commander: %w", err)
	}
	transport, err := newTransport(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to init model provider: %w", err)
	}

	rt := &runtime{cfg: cfg, logger: logger, platform: p}

	if cfg.DBPath != "" {
		database, err := db.OpenDB(cfg.DBPath)
		if err != nil {
			return nil, err
		}
		if err := db.InitSchema(database); err != nil {
			database.Close()
			return nil, fmt.Errorf("failed to init schema: %w", err)
		}
		rt.database = database
		rt.events = db.NewEventLog(database)
		if _, err := rt.events.Start(map[string]any{
			"role":     "relay",
			"mode":     mode,
			"pid":      os.Getpid(),
			"provider": cfg.ModelProvider,
			"source":   cfg.Commander,
			"model":    cfg.OpenAIModel,
		}); err != nil {
			logger.Warn("failed to log process.started", "error", err)
		}
	}

	rt.registry = prometheus.NewRegistry()
	rt.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	rt.service = relay.New(relayConfig(cfg), p, transport,
		relay.WithLogger(logger),
		relay.WithMetrics(relay.NewMetrics(rt.registry)),
		relay.WithEventLog(rt.events),
	)
	rt.sweeper = &sweeper.Sweeper{
		Limiter:  rt.service.Limiter(),
		Store:    rt.service.Store(),
		Interval: cfg.SweepInterval,
		IdleTTL:  cfg.HistoryIdle,
		Events:   rt.events,
		Logger:   logger,
	}

	logger.Info("relay configured",
		"mode", mode,
		"model", cfg.OpenAIModel,
		"provider", cfg.ModelProvider,
		"source", cfg.Commander,
		"stream", cfg.Stream,
		"audit", cfg.DBPath != "",
	)
	return rt, nil
}

// shutdown waits for in-flight turns, then closes the audit log.
func (rt *runtime) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := rt.service.Shutdown(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		rt.logger.Warn("in-flight turns aborted at shutdown", "timeout", shutdownTimeout)
		err = nil
	}
	rt.events.Log(0, db.EventProcessStopped, map[string]any{"pid": os.Getpid()})
	if rt.database != nil {
		if cerr := rt.database.Close(); cerr != nil {
			rt.logger.Warn("failed to close db", "error", cerr)
		}
	}
	return err
}

func relayConfig(cfg config.RelayConfig) relay.Config {
	return relay.Config{
		SystemPrompt:    cfg.SystemPrompt,
		Stream:          cfg.Stream,
		UpstreamTimeout: cfg.UpstreamTimeout,
		EditInterval:    cfg.StreamEditInterval,
		MaxMessageChars: cfg.MaxMessageChars,
		SupersedeGrace:  cfg.SupersedeGrace,
		HistoryLimit:    cfg.HistoryLimit,
		Policy: control.Policy{
			Daily: control.WindowPolicy{MaxRequests: cfg.DailyLimit, Window: cfg.DailyWindow},
			Burst: control.WindowPolicy{MaxRequests: cfg.BurstLimit, Window: cfg.BurstWindow},
		},
	}
}

func newPlatform(cfg config.RelayConfig) (platform, error) {
	switch cfg.Commander {
	case "telegram":
		return telegram.NewClient(cfg.TelegramAPIBase, cfg.RequestTimeout), nil
	case "dummy":
		return dummy.NewCommander(cfg.DummyCommanderScript, cfg.DummySendScript)
	default:
		return nil, fmt.Errorf("unsupported commander: %s", cfg.Commander)
	}
}

func newTransport(cfg config.RelayConfig) (modelpkg.Transport, error) {
	switch cfg.ModelProvider {
	case "openai":
		return openai.NewClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel), nil
	case "dummy":
		return dummy.NewProvider(cfg.OpenAIModel, cfg.DummyProviderScript)
	default:
		return nil, fmt.Errorf("unsupported model provider: %s", cfg.ModelProvider)
	}
}
