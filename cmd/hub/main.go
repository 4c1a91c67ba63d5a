// Command hub runs the community-hub coordinator: the orchestrator tick
// loop plus a small gin debug surface (/healthz, /metrics) for operators.
package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"

	"github.com/mbd888/credithub/internal/cacheinvalidator"
	"github.com/mbd888/credithub/internal/clearing"
	"github.com/mbd888/credithub/internal/config"
	"github.com/mbd888/credithub/internal/drift"
	"github.com/mbd888/credithub/internal/eventbus"
	"github.com/mbd888/credithub/internal/health"
	"github.com/mbd888/credithub/internal/inject"
	"github.com/mbd888/credithub/internal/logging"
	"github.com/mbd888/credithub/internal/metrics"
	"github.com/mbd888/credithub/internal/orchestrator"
	"github.com/mbd888/credithub/internal/payment"
	"github.com/mbd888/credithub/internal/router"
	"github.com/mbd888/credithub/internal/store"
	"github.com/mbd888/credithub/internal/traces"
)

// Build info, set by ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")
	logger.Info("starting credithub", "version", Version, "commit", Commit, "build_time", BuildTime)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("configuration loaded", "env", cfg.Env, "uses_postgres", cfg.UsesPostgres())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTraces(context.Background()); err != nil {
			logger.Error("tracing shutdown error", "error", err)
		}
	}()

	var db *sql.DB
	var st store.Store
	if cfg.UsesPostgres() {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to open database", "error", err)
			os.Exit(1)
		}
		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)
		db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
		db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)
		if err := db.PingContext(ctx); err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		st = store.NewPostgresStore(db)
		logger.Info("using postgres store")
	} else {
		st = store.NewMemoryStore()
		logger.Info("using in-memory store")
	}
	defer func() { _ = st.Close() }()

	precisionOf := precisionResolver(st)

	rt, err := router.New(st, 4096)
	if err != nil {
		logger.Error("failed to build router", "error", err)
		os.Exit(1)
	}
	inv := cacheinvalidator.New(rt, nil)
	patch := eventbus.New(precisionOf)
	bus := eventbus.NewBus(cfg.EventBusQueueSize, logger)

	payEng := payment.New(st, rt, inv, patch, precisionOf, cfg.RouterKMax, cfg.RouterHopMax)

	drift.DefaultPolicy = drift.Policy{
		GrowthFactor:         cfg.DriftGrowthFactor,
		GrowthThresholdAtoms: 0,
		LimitMax:             1 << 50,
		DecayFactor:          cfg.DriftDecayFactor,
		IdleAfter:            cfg.DriftIdleThreshold,
		LimitMin:             cfg.DriftLimitMinAtoms,
	}
	driftEng := drift.New(st, inv, patch, map[string]drift.Policy{})
	payEng.SetToucher(driftEng)

	clearEng := clearing.New(st, inv, patch, driftEng, clearing.Config{
		CycleLenOnTick:   cfg.ClearingCycleLenOnTick,
		CycleLenPeriodic: cfg.ClearingCycleLenPeriodic,
		PeriodicEvery:    cfg.ClearingPeriodicEvery,
		MaxCyclesPerRun:  cfg.ClearingMaxCyclesPerRun,
		TimeBudget:       cfg.ClearingTimeBudget,
	}, precisionOf)

	injectExec := inject.New()

	orch := orchestrator.New(st, injectExec, payEng, clearEng, driftEng, inv, patch, bus, logger, orchestrator.Config{
		TickInterval: cfg.TickInterval,
		TickBudget:   cfg.TickBudget,
	})

	healthReg := health.NewRegistry()
	healthReg.Register("store", func(ctx context.Context) health.Status {
		if db == nil {
			return health.Status{Name: "store", Healthy: true, Detail: "in-memory"}
		}
		if err := db.PingContext(ctx); err != nil {
			return health.Status{Name: "store", Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: "store", Healthy: true}
	})

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	go bus.Run(runCtx)
	go orch.Start(runCtx)
	if db != nil {
		go metrics.StartDBStatsCollector(runCtx, db, 15*time.Second)
	}

	gin.SetMode(gin.ReleaseMode)
	if cfg.IsDevelopment() {
		gin.SetMode(gin.DebugMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery(), metrics.Middleware())
	engine.GET("/metrics", metrics.Handler())
	engine.GET("/healthz", func(c *gin.Context) {
		healthy, statuses := healthReg.CheckAll(c.Request.Context())
		code := http.StatusOK
		if !healthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{"healthy": healthy, "checks": statuses})
	})

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           engine,
		ReadTimeout:       cfg.HTTPReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("starting debug http surface", "port", cfg.Port)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		logger.Error("http server error", "error", err)
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	orch.Stop()
	cancelRun()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}

	logger.Info("credithub stopped")
}

// precisionResolver looks Equivalent.Precision up in the store behind the
// func(string) int shape PatchBuilder and PaymentEngine want. Each call
// opens and rolls back its own session (no caching) and falls back to 2
// when the session cannot be opened or the equivalent is unknown.
func precisionResolver(st store.Store) func(string) int {
	return func(equivalent string) int {
		ctx := context.Background()
		sess, err := st.BeginTick(ctx)
		if err != nil {
			return 2
		}
		defer sess.Rollback(ctx)
		eq, ok, err := sess.GetEquivalent(ctx, equivalent)
		if err != nil || !ok {
			return 2
		}
		return eq.Precision
	}
}
