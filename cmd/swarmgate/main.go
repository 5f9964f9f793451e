package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"swarmgate/internal/adapter/filestore"
	"swarmgate/internal/adapter/httpstatus"
	"swarmgate/internal/adapter/natsbus"
	otelx "swarmgate/internal/adapter/otel"
	"swarmgate/internal/adapter/postgres"
	"swarmgate/internal/adapter/ristretto"
	"swarmgate/internal/config"
	"swarmgate/internal/domain/phase"
	"swarmgate/internal/domain/plan"
	"swarmgate/internal/logger"
	"swarmgate/internal/port/auditlog"
	"swarmgate/internal/port/messagebus"
	"swarmgate/internal/service"
)

// Exit codes: 0 the run reached COMPLETE, 1 fatal (config or infrastructure),
// 2 blocked by stalled or terminated terminals, 3 blocked by unresolved tasks
// or contracts, 4 the goal could not be planned.
const (
	exitOK               = 0
	exitFatal            = 1
	exitBlockedTerminals = 2
	exitBlockedWork      = 3
	exitUnplannable      = 4
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "error", err)
		return exitFatal
	}

	log := logger.New(cfg.Logging)
	slog.SetDefault(log)
	log.Info("config loaded",
		"goal", cfg.Run.Goal,
		"phases", cfg.Run.Phases,
		"terminals", len(cfg.Supervisor.Terminals),
		"bus", cfg.Bus.Kind,
		"audit", cfg.Audit.Kind,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Telemetry ---

	shutdown := otelx.InitNoop()
	if cfg.Telemetry.Enabled {
		shutdown, err = otelx.Init(ctx, cfg.Logging.Service, cfg.Telemetry.Endpoint)
		if err != nil {
			log.Error("telemetry init", "error", err)
			return exitFatal
		}
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := shutdown(flushCtx); err != nil {
			log.Warn("telemetry shutdown", "error", err)
		}
	}()

	metrics, err := otelx.NewMetrics()
	if err != nil {
		log.Error("metrics init", "error", err)
		return exitFatal
	}

	// --- Shared surface ---

	order := phase.FromStrings(cfg.Run.Phases)

	cache, err := ristretto.New(cfg.Surface.CacheMB)
	if err != nil {
		log.Error("snapshot cache", "error", err)
		return exitFatal
	}
	store, err := filestore.New(cfg.Surface.Dir, order[0],
		filestore.WithCache(cache),
		filestore.WithRetention(cfg.Bus.Retention),
	)
	if err != nil {
		log.Error("surface store", "error", err)
		return exitFatal
	}
	defer func() { _ = store.Close() }()

	var bus messagebus.Bus = store
	if cfg.Bus.Kind == "nats" {
		nb, err := natsbus.Connect(ctx, cfg.Bus.NATS.URL, cfg.Bus.Retention)
		if err != nil {
			log.Error("nats", "error", err)
			return exitFatal
		}
		defer func() { _ = nb.Close() }()
		bus = nb
		log.Info("nats connected", "url", cfg.Bus.NATS.URL)
	}

	var audit auditlog.Store = filestore.NewAuditLog(store)
	if cfg.Audit.Kind == "postgres" {
		pool, err := postgres.NewPool(ctx, cfg.Audit.Postgres)
		if err != nil {
			log.Error("postgres", "error", err)
			return exitFatal
		}
		defer pool.Close()
		if err := postgres.RunMigrations(ctx, cfg.Audit.Postgres.DSN); err != nil {
			log.Error("migrations", "error", err)
			return exitFatal
		}
		audit = postgres.NewAuditLog(pool)
		log.Info("postgres audit sink ready")
	}

	// --- Services ---

	hub := httpstatus.NewHub(log)
	sup := service.NewSupervisor(cfg.Supervisor, store, audit, metrics, log)
	coord := service.NewCoordinator(*cfg, store, store, store.Contracts(), store, bus, audit, hub, metrics, log)

	runCtx, span := otelx.StartRunSpan(ctx, cfg.Run.Goal, len(cfg.Supervisor.Terminals))
	defer span.End()

	planner := service.NewPlanner(store, audit, hub, log)
	if _, err := planner.Plan(runCtx, cfg.Run.Goal, order); err != nil {
		log.Error("planning failed", "error", err)
		if errors.Is(err, plan.ErrUnplannable) {
			return exitUnplannable
		}
		return exitFatal
	}

	// --- Run ---

	g, gctx := errgroup.WithContext(runCtx)
	// loopCtx ends the drivers and the status server once the coordinator
	// finishes, whether by COMPLETE or by cancellation.
	loopCtx, loopDone := context.WithCancel(gctx)
	defer loopDone()

	g.Go(func() error {
		defer loopDone()
		return ignoreCanceled(coord.Run(loopCtx))
	})

	for _, slot := range cfg.Supervisor.Terminals {
		d := service.NewDriver(slot, sup, store, store, store.Contracts(), store, bus, audit, metrics, *cfg, log)
		g.Go(func() error {
			return ignoreCanceled(d.Run(loopCtx))
		})
	}

	srv := httpstatus.New(store, store, store.Contracts(), store, audit, coord.Report, hub, log)
	g.Go(func() error {
		addr := ":" + cfg.Server.Port
		log.Info("status server listening", "addr", addr)
		return srv.Listen(loopCtx, addr, srv.Routes(cfg.Logging.Service))
	})

	if cfg.Surface.WatchEvents {
		w, err := filestore.NewWatcher(store, hub, log)
		if err != nil {
			log.Warn("surface watcher unavailable", "error", err)
		} else {
			g.Go(func() error {
				return ignoreCanceled(w.Run(loopCtx))
			})
		}
	}

	err = g.Wait()
	stop()

	final := coord.Report()
	cur, curErr := store.Cursor(context.Background())

	switch {
	case curErr == nil && cur.Phase == phase.Complete:
		log.Info("run complete", "goal", cfg.Run.Goal)
		return exitOK
	case final.Has(phase.BlockerStalledTerminal) || final.Has(phase.BlockerTerminatedTerminal):
		log.Error("run blocked by dead terminals", "report", final.Render())
		return exitBlockedTerminals
	case final.Blocked():
		log.Error("run blocked", "report", final.Render())
		return exitBlockedWork
	case err != nil:
		log.Error("run failed", "error", err)
		return exitFatal
	default:
		log.Warn("run interrupted before completion")
		return exitFatal
	}
}

// ignoreCanceled drops context cancellation errors so a signal-triggered
// shutdown does not read as a failure.
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
