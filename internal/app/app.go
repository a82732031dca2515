// Package app assembles the service from configuration: store, guard,
// fetchers, discovery, extraction, coordinator, and the operator API.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dmaraist/newsgather/internal/api"
	"github.com/dmaraist/newsgather/internal/config"
	"github.com/dmaraist/newsgather/internal/coordinator"
	"github.com/dmaraist/newsgather/internal/discovery"
	"github.com/dmaraist/newsgather/internal/extract"
	"github.com/dmaraist/newsgather/internal/fetch"
	"github.com/dmaraist/newsgather/internal/guard"
	"github.com/dmaraist/newsgather/internal/logging"
	"github.com/dmaraist/newsgather/internal/metrics"
	"github.com/dmaraist/newsgather/internal/pipeline"
	"github.com/dmaraist/newsgather/internal/store"
	"github.com/dmaraist/newsgather/internal/store/memory"
	"github.com/dmaraist/newsgather/internal/store/postgres"
)

// App holds every wired component for the lifetime of the process.
type App struct {
	Cfg         config.Config
	Logger      *zap.Logger
	Store       store.Store
	Guard       *guard.Guard
	Client      *fetch.Client
	Renderer    *fetch.Renderer
	Engine      *discovery.Engine
	Chain       *extract.Chain
	Coordinator *coordinator.Coordinator
	Server      *api.Server
}

// New builds the application. With an empty db.dsn the in-memory store
// is used, which suits one-shot local runs.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	metrics.Init()

	var st store.Store
	if cfg.DB.DSN != "" {
		st, err = postgres.New(ctx, postgres.Config{
			DSN:             cfg.DB.DSN,
			MaxConns:        cfg.DB.MaxConns,
			MinConns:        cfg.DB.MinConns,
			MaxConnLifetime: time.Duration(cfg.DB.LifetimeMins) * time.Minute,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
	} else {
		logger.Warn("db.dsn not set, using in-memory store")
		st = memory.New()
	}

	g := guard.New(guard.Config{
		DefaultRPS:       cfg.Guard.DefaultRPS,
		DefaultBurst:     cfg.Guard.DefaultBurst,
		UserAgents:       cfg.Guard.UserAgents,
		RotatePerRequest: cfg.Guard.RotatePerRequest,
		BreakerThreshold: cfg.Guard.BreakerThreshold,
		Cooldown:         time.Duration(cfg.Guard.CooldownSeconds) * time.Second,
	}, logger)

	client := fetch.NewClient(fetch.Config{Timeout: cfg.RequestTimeout()}, g, logger)

	var renderer *fetch.Renderer
	r, err := fetch.NewRenderer(fetch.RendererConfig{
		Enabled:    cfg.Headless.Enabled,
		NavTimeout: time.Duration(cfg.Headless.NavTimeoutSec) * time.Second,
		MaxScrolls: cfg.Headless.MaxScrolls,
	}, g, logger)
	switch {
	case err == nil:
		renderer = r
	case errors.Is(err, fetch.ErrRendererDisabled):
	default:
		return nil, fmt.Errorf("failed to start renderer: %w", err)
	}

	var discoveryRenderer discovery.Renderer
	var coordRenderer coordinator.Renderer
	if renderer != nil {
		discoveryRenderer = renderer
		coordRenderer = renderer
	}

	engine := discovery.New(discovery.Config{
		Methods:          discoveryMethods(cfg.Discovery.Methods),
		MaxCategoryPages: cfg.Discovery.MaxCategoryPages,
		MaxSitemapDepth:  cfg.Discovery.MaxSitemapDepth,
	}, client, discoveryRenderer, logger)

	chain := extract.NewChain(client, buildStrategies(cfg), logger)

	retry := pipeline.NewRetryPolicy(cfg.HTTP.MaxRetries, cfg.BackoffBase(), cfg.BackoffMax())
	coord := coordinator.New(coordinator.Config{
		Workers:         cfg.Coordinator.Workers,
		CheckpointEvery: cfg.Coordinator.CheckpointEvery,
		RevisitPolicy:   pipeline.RevisitPolicy(cfg.Coordinator.RevisitPolicy),
	}, st, engine, chain, client, coordRenderer, g, retry, logger)

	return &App{
		Cfg:         cfg,
		Logger:      logger,
		Store:       st,
		Guard:       g,
		Client:      client,
		Renderer:    renderer,
		Engine:      engine,
		Chain:       chain,
		Coordinator: coord,
		Server:      api.NewServer(st, logger),
	}, nil
}

// Close releases the store, the renderer's browser, and log buffers.
func (a *App) Close() {
	if a.Renderer != nil {
		a.Renderer.Close()
	}
	if a.Store != nil {
		a.Store.Close()
	}
	if a.Logger != nil {
		_ = a.Logger.Sync()
	}
}

func discoveryMethods(names []string) []pipeline.DiscoveryMethod {
	out := make([]pipeline.DiscoveryMethod, 0, len(names))
	for _, n := range names {
		out = append(out, pipeline.DiscoveryMethod(n))
	}
	return out
}

func buildStrategies(cfg config.Config) []extract.Strategy {
	schemas := make(map[string]extract.Schema, len(cfg.Schemas))
	for host, s := range cfg.Schemas {
		schemas[host] = extract.Schema{
			Title:      s.Title,
			Author:     s.Author,
			Date:       s.Date,
			Body:       s.Body,
			Image:      s.Image,
			Categories: s.Categories,
		}
	}

	var out []extract.Strategy
	for _, name := range cfg.Extraction.Strategies {
		switch name {
		case "structural":
			out = append(out, extract.NewStructural(schemas))
		case "similarity":
			out = append(out, extract.NewSimilarity())
		case "generative":
			if cfg.Extraction.AnthropicKey == "" {
				continue
			}
			out = append(out, extract.NewGenerative(cfg.Extraction.AnthropicKey, cfg.Extraction.AnthropicModel))
		}
	}
	return out
}
