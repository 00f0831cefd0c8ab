package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.io/infrasutra/listingrelay/internal/composer"
	"github.io/infrasutra/listingrelay/internal/config"
	"github.io/infrasutra/listingrelay/internal/logger"
	"github.io/infrasutra/listingrelay/internal/pgledger"
	"github.io/infrasutra/listingrelay/internal/pipeline"
	"github.io/infrasutra/listingrelay/internal/publisher"
	"github.io/infrasutra/listingrelay/internal/render"
	"github.io/infrasutra/listingrelay/internal/resolver"
	"github.io/infrasutra/listingrelay/internal/secrets"
	"github.io/infrasutra/listingrelay/internal/sse"
	"github.io/infrasutra/listingrelay/internal/store"
)

// app holds the wired components shared by every command.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    *store.Store
	ledger   pipeline.Ledger
	pool     *pgxpool.Pool
	chrome   *render.Chrome
	hub      *sse.Hub
	pipeline *pipeline.Pipeline
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log, _, err := logger.New(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	if err := cfg.RequireMasterKey(); err != nil {
		return nil, err
	}
	box, err := secrets.NewBox(cfg.Storage.MasterSecretKey)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: log, hub: sse.NewHub()}
	a.store, err = store.Open(ctx, cfg.Storage.DBPath, box)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := a.store.EnsureSchema(ctx); err != nil {
		a.close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	if cfg.Storage.DBPath == "" {
		log.Warn("DB_PATH not set; relay inbox and accounts live in memory")
	}

	a.ledger = a.store
	if cfg.Storage.LedgerDSN != "" {
		a.pool, err = pgledger.NewPool(ctx, cfg.Storage.LedgerDSN)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("connect ledger: %w", err)
		}
		ledger := pgledger.New(a.pool)
		if err := ledger.EnsureSchema(ctx); err != nil {
			a.close()
			return nil, fmt.Errorf("ledger schema: %w", err)
		}
		a.ledger = ledger
		log.Info("posting ledger on postgres")
	}

	var renderer resolver.Renderer
	if cfg.Resolver.Renderer == config.RendererChrome {
		a.chrome = render.NewChrome(render.Options{
			ExecPath:  cfg.Resolver.ChromePath,
			UserAgent: cfg.Resolver.UserAgent,
		}, log.Named("render"))
		renderer = a.chrome
	}
	res := resolver.New(cfg.Site(), resolver.Options{
		PageTimeout:   cfg.Resolver.PageTimeout,
		RenderTimeout: cfg.Resolver.RenderTimeout,
		ImageTimeout:  cfg.Resolver.ImageTimeout,
		Cooldown:      cfg.Resolver.RateLimitCooldown,
		RequestRPS:    cfg.Resolver.RequestRPS,
		UserAgent:     cfg.Resolver.UserAgent,
	}, renderer, log.Named("resolver"))

	a.pipeline = pipeline.New(pipeline.Config{
		Site:                cfg.Site(),
		RequirePhotos:       cfg.Pipeline.RequirePhotos,
		SkipForeignMessages: cfg.Pipeline.SkipForeignMessages,
		MessageWorkers:      cfg.Pipeline.MessageWorkers,
		PublishInterval:     cfg.Pipeline.PublishInterval,
	}, pipeline.Deps{
		Mailbox: pipeline.RelayInbox{Inbox: a.store},
		Composer: composer.NewOpenAI(composer.Options{
			BaseURL: cfg.Composer.BaseURL,
			Model:   cfg.Composer.Model,
			Timeout: cfg.Composer.Timeout,
		}, log.Named("composer")),
		Publisher: publisher.NewTelegram(publisher.Options{
			Endpoint: cfg.Publisher.Endpoint,
			Timeout:  cfg.Publisher.Timeout,
		}, log.Named("publisher")),
		Resolvers: func() pipeline.ListingResolver { return res.NewSession() },
		Ledger:    a.ledger,
		Accounts:  a.store,
		Notifier:  a.hub,
	}, log.Named("pipeline"))
	return a, nil
}

func (a *app) close() {
	if a.chrome != nil {
		a.chrome.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Error("close database", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}
