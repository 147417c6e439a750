package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/candlevault/candlevault/internal/backfill"
	"github.com/candlevault/candlevault/internal/cache"
	"github.com/candlevault/candlevault/internal/config"
	"github.com/candlevault/candlevault/internal/gaps"
	"github.com/candlevault/candlevault/internal/persistence"
	"github.com/candlevault/candlevault/internal/persistence/postgres"
	"github.com/candlevault/candlevault/internal/providers"
	"github.com/candlevault/candlevault/internal/providers/alpaca"
	"github.com/candlevault/candlevault/internal/providers/polygon"
	"github.com/candlevault/candlevault/internal/validate"
)

// app holds the wired dependency graph shared by the subcommands.
type app struct {
	cfg *config.Config
	db  *sqlx.DB

	candles persistence.CandleRepo
	symbols persistence.SymbolRepo
	jobs    persistence.JobRepo
	execs   persistence.ExecutionRepo
	keys    *postgres.KeyRepo

	scorer      *validate.Scorer
	router      *providers.Router
	worker      *backfill.Worker
	repairer    *gaps.Repairer
	revalidator *gaps.Revalidator
	cache       cache.Cache
}

// newApp loads config, connects storage, applies migrations, and wires
// the ingestion pipeline.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	applyLogLevel(cfg.LogLevel)

	if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	db, err := postgres.Connect(ctx, postgres.DefaultPoolConfig(cfg.DatabaseURL))
	if err != nil {
		return nil, err
	}

	queryTimeout := 30 * time.Second
	a := &app{
		cfg:     cfg,
		db:      db,
		candles: postgres.NewCandleRepo(db, queryTimeout),
		symbols: postgres.NewSymbolRepo(db, queryTimeout),
		jobs:    postgres.NewJobRepo(db, queryTimeout),
		execs:   postgres.NewExecutionRepo(db, queryTimeout),
		keys:    postgres.NewKeyRepo(db, queryTimeout),
		cache:   cache.New(cfg.RedisAddr),
	}

	a.scorer = validate.NewScorer(validate.Config{Threshold: cfg.QualityThreshold})

	clients := []providers.Client{polygon.New(polygon.Config{
		APIKey:  cfg.PolygonAPIKey,
		BaseURL: cfg.PolygonBaseURL,
		REST:    providers.RESTConfig{Timeout: cfg.RequestTimeout},
	})}
	if cfg.EnableFallback {
		clients = append(clients, alpaca.New(alpaca.Config{
			KeyID:     cfg.AlpacaAPIKey,
			SecretKey: cfg.AlpacaSecret,
			BaseURL:   cfg.AlpacaBaseURL,
			REST:      providers.RESTConfig{Timeout: cfg.RequestTimeout},
		}))
	}
	a.router = providers.NewRouter(providers.RouterConfig{
		QualityThreshold: cfg.QualityThreshold,
	}, a.scorer, clients...)

	a.worker = backfill.NewWorker(backfill.Config{}, a.jobs, a.symbols, a.candles, a.router, a.scorer)
	a.repairer = gaps.NewRepairer(gaps.NewDetector(a.candles), a.router, a.scorer, a.candles)
	a.revalidator = gaps.NewRevalidator(a.candles, a.symbols, a.scorer)

	return a, nil
}

func (a *app) Close() {
	if a.db != nil {
		a.db.Close()
	}
}
