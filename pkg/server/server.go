// Package server provides the public entry point for initializing the
// Headroom governance server.
//
// This package exists in pkg/ (not internal/) so that deployments with
// custom collaborator adapters (real Service Quotas bridges, ticketing
// integrations, approval systems) can compose the server themselves
// instead of relying on the env-configured HTTP adapters.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/headroomhq/headroom/internal/api"
	"github.com/headroomhq/headroom/internal/api/handlers"
	"github.com/headroomhq/headroom/internal/capacitypool"
	"github.com/headroomhq/headroom/internal/config"
	"github.com/headroomhq/headroom/internal/coordinator"
	"github.com/headroomhq/headroom/internal/engine"
	"github.com/headroomhq/headroom/internal/forecast"
	"github.com/headroomhq/headroom/internal/notify"
	"github.com/headroomhq/headroom/internal/policy"
	"github.com/headroomhq/headroom/internal/providers"
	"github.com/headroomhq/headroom/internal/snapshot"
	"github.com/headroomhq/headroom/internal/store"
	"github.com/headroomhq/headroom/internal/telemetry"
	"github.com/headroomhq/headroom/internal/trend"
	"github.com/headroomhq/headroom/pkg/contracts"
	"github.com/headroomhq/headroom/pkg/models"
)

// Collaborators are the external systems the engine acts through. Any nil
// field is filled from the configured HTTP bridge, or its local fallback
// when no bridge URL is set.
type Collaborators struct {
	Querier   contracts.CapacityQuerier
	Increaser contracts.CapacityIncreaser
	Tickets   contracts.TicketCreator
	Approvals contracts.ApprovalStarter
	Costs     contracts.CostModel
}

// Server holds the initialized Headroom governance plane.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the backing data store.
	Store store.Store

	// Engine is the governance loop; call Run to start cycling.
	Engine *engine.Engine

	// Pools is the cross-region capacity pool manager; call RunSweeper to
	// start reclaiming expired reservations.
	Pools *capacitypool.Manager

	// Config is the resolved configuration.
	Config *config.Config

	// ShutdownFunc flushes telemetry on graceful shutdown.
	ShutdownFunc func(context.Context) error
}

// New initializes the server from environment configuration with the
// default collaborator adapters.
func New(ctx context.Context) (*Server, error) {
	return NewWithCollaborators(ctx, config.Load(), Collaborators{})
}

// NewWithCollaborators initializes the server with explicit collaborator
// implementations. Nil fields fall back to the configured defaults.
func NewWithCollaborators(ctx context.Context, cfg *config.Config, collab Collaborators) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore, err := buildStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	fillCollaborators(&collab, cfg)

	var ledger capacitypool.Ledger
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rl := capacitypool.NewRedisLedger(client)
		if err := rl.Ping(ctx); err != nil {
			return nil, fmt.Errorf("redis ledger: %w", err)
		}
		ledger = rl
		log.Info().Str("addr", cfg.Redis.Addr).Msg("Redis reservation ledger connected")
	}

	pools := capacitypool.NewManager(dataStore, ledger, cfg.Pool.ReservationTTL)
	notifier := notify.NewService(dataStore)

	coord := coordinator.New(dataStore, collab.Increaser, collab.Tickets, collab.Approvals, notifier,
		coordinator.WithApprovalExpiry(cfg.Engine.ApprovalExpiry),
		coordinator.WithRetry(cfg.Engine.RetryAttempts, cfg.Engine.RetryBase),
	)

	eng := engine.New(cfg.Engine, dataStore,
		snapshot.NewProvider(collab.Querier, dataStore, cfg.Engine.FetchTimeout),
		trend.NewAnalyzer(cfg.Engine.MinSamples, cfg.Engine.SpikeWindow),
		forecast.NewPredictor(cfg.Engine.Horizon, cfg.Engine.FallbackGrowth),
		policy.NewEvaluator(collab.Costs),
		coord,
	)

	h := handlers.New(dataStore, coord, pools, notifier, eng)
	router := api.NewRouter(cfg, h)

	return &Server{
		Handler:      router,
		Store:        dataStore,
		Engine:       eng,
		Pools:        pools,
		Config:       cfg,
		ShutdownFunc: shutdown,
	}, nil
}

func buildStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Database.URL == "" {
		log.Info().Msg("In-memory store initialized (set DATABASE_URL for PostgreSQL)")
		return store.NewMemoryStore(), nil
	}

	pg, err := store.NewPostgresStore(ctx, cfg.Database.URL, cfg.Database.MaxConnections)
	if err != nil {
		return nil, fmt.Errorf("postgres store: %w", err)
	}
	return pg, nil
}

func fillCollaborators(c *Collaborators, cfg *config.Config) {
	client := providers.NewClient(cfg.Providers.Token)

	if c.Querier == nil {
		if cfg.Providers.QueryURL != "" {
			c.Querier = providers.NewHTTPQuerier(client, cfg.Providers.QueryURL)
		} else {
			c.Querier = providers.UnconfiguredQuerier{}
			log.Warn().Msg("No capacity query bridge configured; handles will not be governed")
		}
	}
	if c.Increaser == nil {
		if cfg.Providers.IncreaseURL != "" {
			c.Increaser = providers.NewHTTPIncreaser(client, cfg.Providers.IncreaseURL)
		} else {
			c.Increaser = providers.UnconfiguredIncreaser{}
		}
	}
	if c.Tickets == nil {
		if cfg.Providers.TicketURL != "" {
			c.Tickets = providers.NewHTTPTicketCreator(client, cfg.Providers.TicketURL)
		} else {
			c.Tickets = providers.LogTicketCreator{}
		}
	}
	if c.Approvals == nil {
		if cfg.Providers.ApprovalURL != "" {
			c.Approvals = providers.NewHTTPApprovalStarter(client, cfg.Providers.ApprovalURL)
		} else {
			c.Approvals = providers.CallbackApprovalStarter{}
		}
	}
	if c.Costs == nil {
		c.Costs = defaultCostModel()
	}
}

// defaultCostModel carries rough per-unit monthly rates so the cost gate
// works out of the box. Deployments with real pricing inject their own
// CostModel through NewWithCollaborators.
func defaultCostModel() contracts.CostModel {
	return &contracts.StaticCostModel{Rates: map[string]decimal.Decimal{
		string(models.KindInstances):   decimal.NewFromFloat(70),
		string(models.KindVCPUs):       decimal.NewFromFloat(18),
		string(models.KindAddresses):   decimal.NewFromFloat(3.6),
		string(models.KindConnections): decimal.NewFromFloat(0.05),
		string(models.KindStorageGB):   decimal.NewFromFloat(0.08),
		string(models.KindThroughput):  decimal.NewFromFloat(0.9),
	}}
}
