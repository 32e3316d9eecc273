package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/stupiduntilnot/paimon/internal/config"
	ctxpkg "github.com/stupiduntilnot/paimon/internal/context"
	"github.com/stupiduntilnot/paimon/internal/control"
	"github.com/stupiduntilnot/paimon/internal/db"
	"github.com/stupiduntilnot/paimon/internal/discord"
	"github.com/stupiduntilnot/paimon/internal/dummy"
	"github.com/stupiduntilnot/paimon/internal/gateway"
	"github.com/stupiduntilnot/paimon/internal/gemini"
	modelpkg "github.com/stupiduntilnot/paimon/internal/model"
	"github.com/stupiduntilnot/paimon/internal/relay"
	"github.com/stupiduntilnot/paimon/internal/store"
	"github.com/stupiduntilnot/paimon/internal/telegram"
)

const (
	exitOK      = 0
	exitRuntime = 1
)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "[bot] %v\n", err)
	}
	os.Exit(code)
}

func run() (int, error) {
	cfg, err := config.Load()
	if err != nil {
		return exitRuntime, fmt.Errorf("config: %w", err)
	}

	logger, err := setupLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return exitRuntime, fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	persister, closer, err := store.Open(cfg.HistoryBackend, cfg.HistoryPath, logger)
	if err != nil {
		return exitRuntime, err
	}
	defer closer.Close()

	contexts := ctxpkg.NewManager(persister,
		ctxpkg.WithPersonaText(cfg.Persona),
		ctxpkg.WithMaxTurns(cfg.MaxHistoryTurns),
		ctxpkg.WithLogger(logger.Named("context")),
	)
	if err := contexts.LoadAll(); err != nil {
		logger.Warn("history load failed, starting empty", zap.String("path", cfg.HistoryPath), zap.Error(err))
	} else {
		logger.Info("history loaded", zap.Int("sessions", contexts.Len()), zap.String("backend", cfg.HistoryBackend))
	}

	provider, closeProvider, err := newModelProvider(ctx, &cfg, logger)
	if err != nil {
		return exitRuntime, err
	}
	defer closeProvider()

	images, err := newImageProvider(&cfg)
	if err != nil {
		return exitRuntime, err
	}

	gw, err := newGateway(&cfg, logger)
	if err != nil {
		return exitRuntime, err
	}

	opts := []relay.Option{
		relay.WithImageProvider(images),
		relay.WithBreaker(control.NewCircuitBreaker(cfg.CircuitThreshold, cfg.CircuitCooldown)),
		relay.WithLogger(logger),
	}
	if cfg.AuditDBPath != "" {
		events, closeEvents, err := openAuditLog(&cfg)
		if err != nil {
			return exitRuntime, err
		}
		defer closeEvents()
		opts = append(opts, relay.WithRecorder(events))
	}

	r := relay.New(relay.Config{
		TargetChannelID: cfg.ChannelID,
		ImagePrefix:     cfg.ImagePrefix,
		MaxReplyChars:   cfg.MaxReplyChars,
		MaxOutputTokens: cfg.MaxOutputTokens,
		ImageTimeout:    cfg.ImageTimeout,
	}, contexts, provider, gw, opts...)

	logger.Info("bot starting",
		zap.String("gateway", cfg.Gateway),
		zap.String("backend", cfg.Backend),
		zap.String("model", cfg.Model),
		zap.String("channel_id", cfg.ChannelID),
	)
	runErr := gw.Run(ctx, r)

	if err := contexts.SaveAll(); err != nil {
		logger.Error("final history flush failed", zap.Error(err))
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Error("gateway stopped", zap.Error(runErr))
		return exitRuntime, runErr
	}
	logger.Info("bot stopped")
	return exitOK, nil
}

func setupLogger(level, format string) (*zap.Logger, error) {
	var zapCfg zap.Config
	if format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
	}

	switch level {
	case "debug":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		zapCfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return zapCfg.Build()
}

func newModelProvider(ctx context.Context, cfg *config.Config, logger *zap.Logger) (modelpkg.Provider, func(), error) {
	switch cfg.Backend {
	case config.BackendGemini:
		c, err := gemini.NewTextClient(ctx, cfg.APIKey, cfg.GeminiBaseURL, cfg.Model, logger)
		if err != nil {
			return nil, nil, err
		}
		return c, func() { _ = c.Close() }, nil
	case config.BackendDummy:
		p, err := dummy.NewProvider(cfg.DummyScript)
		if err != nil {
			return nil, nil, err
		}
		return p, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported backend: %s", cfg.Backend)
	}
}

func newImageProvider(cfg *config.Config) (modelpkg.ImageProvider, error) {
	switch cfg.Backend {
	case config.BackendGemini:
		return gemini.NewImageClient(cfg.APIKey, cfg.GeminiBaseURL, cfg.ImageModel, cfg.ImageTimeout), nil
	case config.BackendDummy:
		return dummy.NewImageProvider("ok")
	default:
		return nil, fmt.Errorf("unsupported backend: %s", cfg.Backend)
	}
}

func newGateway(cfg *config.Config, logger *zap.Logger) (gateway.Gateway, error) {
	switch cfg.Gateway {
	case config.GatewayDiscord:
		return discord.New(cfg.BotToken, logger)
	case config.GatewayTelegram:
		// Request timeout must exceed the 30s long-poll window.
		return telegram.NewGateway(telegram.NewClient(cfg.TelegramAPIBase, 50*time.Second), logger), nil
	case config.GatewayDummy:
		return dummy.NewGateway(cfg.ChannelID, cfg.DummyInbound, logger)
	default:
		return nil, fmt.Errorf("unsupported gateway: %s", cfg.Gateway)
	}
}

func openAuditLog(cfg *config.Config) (*db.EventLog, func(), error) {
	database, err := db.OpenDB(cfg.AuditDBPath)
	if err != nil {
		return nil, nil, err
	}
	if err := db.InitSchema(database); err != nil {
		database.Close()
		return nil, nil, fmt.Errorf("failed to init audit schema: %w", err)
	}
	events, err := db.NewEventLog(database, map[string]any{
		"role":    "bot",
		"pid":     os.Getpid(),
		"gateway": cfg.Gateway,
		"backend": cfg.Backend,
	})
	if err != nil {
		database.Close()
		return nil, nil, fmt.Errorf("failed to log process.started: %w", err)
	}
	return events, func() {
		_ = events.Close()
		_ = database.Close()
	}, nil
}
