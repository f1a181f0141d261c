// Package app wires the core together: config store, provider registry,
// feedback ledger, routing policy, execution engine, and learning scheduler,
// plus a thin operational HTTP listener (health, metrics, diagnostics).
package app

import (
	"context"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jordanhubbard/cognihub/internal/config"
	"github.com/jordanhubbard/cognihub/internal/engine"
	"github.com/jordanhubbard/cognihub/internal/events"
	"github.com/jordanhubbard/cognihub/internal/ledger"
	"github.com/jordanhubbard/cognihub/internal/logging"
	"github.com/jordanhubbard/cognihub/internal/metrics"
	"github.com/jordanhubbard/cognihub/internal/policy"
	"github.com/jordanhubbard/cognihub/internal/registry"
	"github.com/jordanhubbard/cognihub/internal/scheduler"
	"github.com/jordanhubbard/cognihub/internal/store"
	"github.com/jordanhubbard/cognihub/internal/tracing"
)

// Server owns the wired core and the operational HTTP surface.
type Server struct {
	cfg Config

	r *chi.Mux

	bus       *events.Bus
	registry  *registry.Registry
	ledger    *ledger.Ledger
	store     store.Store
	confStore *config.Store
	scheduler *scheduler.Scheduler
	policy    *policy.Router
	engine    *engine.Engine
	metrics   *metrics.Registry
	logger    *slog.Logger

	tracingShutdown func(context.Context) error
	stop            chan struct{}
}

func NewServer(cfg Config) (*Server, error) {
	logger := logging.Setup(cfg.LogLevel)

	shutdown, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.OTelEnabled,
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: "cognihub",
	})
	if err != nil {
		return nil, err
	}

	bus := events.NewBus()

	db, err := store.NewSQLite(cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("database initialized", slog.String("dsn", cfg.DBDSN))

	confStore := config.NewStore(config.Default(),
		config.WithVersionLog(db),
		config.WithEventBus(bus),
		config.WithLogger(logger))
	snap := confStore.Get()

	sched := scheduler.New(schedulerConfig(snap), scheduler.WithEventBus(bus))

	// The ledger drop counter is read lazily so metrics can be constructed
	// before the ledger exists and still observe its outcomes from day one.
	var led *ledger.Ledger
	m := metrics.New(func() int64 {
		if led == nil {
			return 0
		}
		return led.DroppedCount()
	})

	alog, err := ledger.OpenAppendLog(filepath.Join(cfg.DataDir, "ledger"))
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	led = ledger.New(ledgerConfig(snap),
		ledger.WithAppendLog(alog),
		ledger.WithArchiver(db),
		ledger.WithLogger(logger),
		ledger.WithObserver(sched.OnOutcome),
		ledger.WithObserver(m.ObserveOutcome))
	if err := led.Restore(); err != nil {
		logger.Warn("ledger snapshot restore failed", slog.String("error", err.Error()))
	}
	warmLedger(led, db, logger)
	led.Start()

	reg := registry.New(registry.DefaultConfig(), registry.WithEventBus(bus))

	rt := policy.New(reg, led, routingConfig(snap), policy.WithSchedulerView(sched))

	eng := engine.New(reg, led, engineConfig(snap),
		engine.WithSelector(rt),
		engine.WithProfiles(led),
		engine.WithGate(sched),
		engine.WithShadowObserver(rt),
		engine.WithEventBus(bus),
		engine.WithLogger(logger))

	// Runtime config changes flow to the components that consume them; the
	// learning domain requires a restart and has no hook.
	confStore.OnChange("routing", func(s config.Snapshot) { rt.UpdateConfig(routingConfig(s)) })
	confStore.OnChange("budget", func(s config.Snapshot) { eng.UpdateConfig(engineConfig(s)) })
	confStore.OnChange("scheduler", func(s config.Snapshot) { sched.UpdateConfig(schedulerConfig(s)) })

	stop := make(chan struct{})
	sub := bus.Subscribe(256)
	go m.Watch(sub.C, stop)
	go sched.Run(stop, snap.Scheduler.TickInterval)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(tracing.Middleware())

	s := &Server{
		cfg:             cfg,
		r:               r,
		bus:             bus,
		registry:        reg,
		ledger:          led,
		store:           db,
		confStore:       confStore,
		scheduler:       sched,
		policy:          rt,
		engine:          eng,
		metrics:         m,
		logger:          logger,
		tracingShutdown: shutdown,
		stop:            stop,
	}
	s.mountRoutes()
	return s, nil
}

// warmLedger seeds cold rollup profiles from the durable archive so the
// policy has priors after a restart that lost the snapshot.
func warmLedger(led *ledger.Ledger, db store.Store, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rows, err := db.RewardSummary(ctx)
	if err != nil {
		logger.Warn("ledger warm-up query failed", slog.String("error", err.Error()))
		return
	}
	profiles := make([]ledger.Profile, 0, len(rows))
	for _, r := range rows {
		if r.Count == 0 {
			continue
		}
		rate := float64(r.Successes) / float64(r.Count)
		profiles = append(profiles, ledger.Profile{
			Provider:         r.Provider,
			Bucket:           r.Bucket,
			Attempts:         r.Count,
			Successes:        r.Successes,
			RollingSuccess:   rate,
			RollingLatencyMs: r.AvgLatencyMs,
			RollingCostUSD:   r.AvgCostUSD,
			QValue:           rate * (0.7 + 0.3*r.AvgQuality),
		})
	}
	led.Seed(profiles)
}

// Router returns the operational HTTP handler.
func (s *Server) Router() http.Handler { return s.r }

// Engine exposes the execution engine for embedding callers.
func (s *Server) Engine() *engine.Engine { return s.engine }

// Policy exposes the routing policy for embedding callers.
func (s *Server) Policy() *policy.Router { return s.policy }

// Registry exposes the provider registry so callers can register providers
// and their adapters.
func (s *Server) Registry() *registry.Registry { return s.registry }

// Scheduler exposes the learning scheduler for operator control.
func (s *Server) Scheduler() *scheduler.Scheduler { return s.scheduler }

// ConfigStore exposes the versioned runtime configuration.
func (s *Server) ConfigStore() *config.Store { return s.confStore }

// Reload applies the reloadable subset of the process config.
func (s *Server) Reload(cfg Config) {
	logging.SetLevel(cfg.LogLevel)
	s.cfg.LogLevel = cfg.LogLevel
	s.logger.Info("configuration reloaded", slog.String("log_level", cfg.LogLevel))
}

// Close stops background work, drains the ledger, and releases resources.
func (s *Server) Close(ctx context.Context) error {
	close(s.stop)
	var firstErr error
	if err := s.ledger.Close(ctx); err != nil {
		firstErr = err
	}
	if err := s.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if s.tracingShutdown != nil {
		if err := s.tracingShutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func routingConfig(s config.Snapshot) policy.Config {
	return policy.Config{
		MinEpsilon:          s.Routing.MinEpsilon,
		MaxEpsilon:          s.Routing.MaxEpsilon,
		ShadowRate:          s.Routing.ShadowRate,
		RecipeBoost:         s.Routing.RecipeBoost,
		EnableRecipes:       s.Routing.EnableRecipes,
		EnsembleSize:        s.Routing.EnsembleSize,
		MinResponses:        s.Routing.MinResponses,
		EnsembleTimeout:     s.Routing.EnsembleTimeout,
		RecordingSampleRate: s.Routing.RecordingSampleRate,
		ProfileTTL:          s.Routing.ProfileTTL,
		MinSampleThreshold:  s.Learning.MinSampleThreshold,
		TierCapsUSD:         s.Budget.TierCapsUSD,
	}
}

func engineConfig(s config.Snapshot) engine.Config {
	cfg := engine.DefaultConfig()
	cfg.PerCallTimeout = s.Budget.PerCallTimeout
	cfg.ValidationSlack = s.Budget.ValidationSlack
	cfg.MaxRetries = s.Budget.MaxRetries
	return cfg
}

func schedulerConfig(s config.Snapshot) scheduler.Config {
	return scheduler.Config{
		BaseExplorationRate: s.Scheduler.BaseExplorationRate,
		MinEpsilon:          s.Routing.MinEpsilon,
		MaxEpsilon:          s.Routing.MaxEpsilon,
		BaseShadowRate:      s.Routing.ShadowRate,
		MaxBurstDuration:    s.Scheduler.MaxBurstDuration,
		MaxIntensity:        s.Scheduler.MaxIntensity,
		GoalHalfLife:        s.Learning.HalfLifeAttempts,
	}
}

func ledgerConfig(s config.Snapshot) ledger.Config {
	cfg := ledger.DefaultConfig()
	cfg.HalfLifeAttempts = s.Learning.HalfLifeAttempts
	cfg.MinSampleThreshold = s.Learning.MinSampleThreshold
	cfg.QueueSize = s.Learning.QueueSize
	cfg.SnapshotInterval = s.Learning.SnapshotInterval
	return cfg
}
