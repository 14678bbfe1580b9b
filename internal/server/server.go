// Package server is the construction root: it builds every component (C1–C10)
// once, wires their dependencies, and exposes the handful of long-running
// background processes (retention sweep, governance sweep, vector index refresh,
// Temporal worker) a deployed instance of the coordination fabric runs. The HTTP/CLI
// façade in front of these services is out of scope and lives elsewhere; Server
// only owns what the core needs to operate.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/riftloom/fleetward/internal/cachebus"
	"github.com/riftloom/fleetward/internal/config"
	"github.com/riftloom/fleetward/internal/governance"
	"github.com/riftloom/fleetward/internal/membership"
	"github.com/riftloom/fleetward/internal/orchestrator"
	"github.com/riftloom/fleetward/internal/retention"
	"github.com/riftloom/fleetward/internal/store"
	"github.com/riftloom/fleetward/internal/tasklifecycle"
	"github.com/riftloom/fleetward/internal/tracker"
	"github.com/riftloom/fleetward/internal/vectorhistory"
)

// Server owns every component of the coordination fabric for one process. Tests
// build a Server over a store file in a temporary directory and an embedded bus; a deployed instance
// builds one over a file-backed store and either an embedded or external NATS bus.
type Server struct {
	Config *config.RWMutexManager

	Store *store.Store
	Bus   *cachebus.Bus

	Tasks      *tasklifecycle.Service
	Tracker    *tracker.Tracker
	Vector     *vectorhistory.Index
	Governance *governance.Engine
	Fairness   *governance.FairnessEngine
	GovSweep   *governance.Sweeper
	Membership *membership.Service
	Retention  *retention.Manager

	TaskAdapters     *orchestrator.TaskAdapterRegistry
	DocumentAdapters *orchestrator.DocumentAdapterRegistry

	logger *slog.Logger
}

// Build constructs every component over cfg, opening the store at its configured
// path and starting (or dialing) the cache/bus. Callers own calling Start and,
// eventually, Close.
func Build(cfgMgr *config.RWMutexManager, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := cfgMgr.Get()

	st, err := store.Open(cfg.Store.Path, cfg.Store.ClaimLockTTL.Duration)
	if err != nil {
		return nil, fmt.Errorf("server: open store: %w", err)
	}

	bus, err := cachebus.New(cachebus.Config{
		Embedded: cfg.Bus.Embedded,
		URL:      cfg.Bus.URL,
		CacheTTL: cfg.Bus.CacheTTL.Duration,
		LockTTL:  cfg.Bus.LockTTL.Duration,
	}, logger.With("component", "cachebus"))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("server: start cachebus: %w", err)
	}

	fairness := governance.NewFairnessEngine(cfg.Fairness)

	tasks := tasklifecycle.New(st, bus,
		tasklifecycle.WithCoolingOff(func(team, worker string) bool {
			return fairness.IsCoolingOff(team, worker, time.Now().UTC())
		}),
		tasklifecycle.WithAssignmentRecorder(func(team, worker string, at time.Time) {
			fairness.RecordAssignment(team, worker, at)
		}),
	)

	exec := tracker.New(st, bus, cfg.Tracking)

	vec := vectorhistory.New(st, vectorhistory.Config{
		Dimension: cfg.Vector.Dimension,
		IndexList: cfg.Vector.IndexLists,
	})

	gov := governance.NewEngine(st, &cfg.Governance)
	sweeper := governance.NewSweeper(st, fairness, governance.SweepSchedule{
		DayOfWeek: time.Sunday,
		TimeOfDay: time.Date(0, 1, 1, 3, 0, 0, 0, time.UTC),
	}, logger.With("component", "governance_sweep"))

	mem := membership.New(st)
	ret := retention.New(st, cfg.Retention, logger.With("component", "retention"))

	return &Server{
		Config:           cfgMgr,
		Store:            st,
		Bus:              bus,
		Tasks:            tasks,
		Tracker:          exec,
		Vector:           vec,
		Governance:       gov,
		Fairness:         fairness,
		GovSweep:         sweeper,
		Membership:       mem,
		Retention:        ret,
		TaskAdapters:     orchestrator.NewTaskAdapterRegistry(),
		DocumentAdapters: orchestrator.NewDocumentAdapterRegistry(),
		logger:           logger,
	}, nil
}

// Start launches the background processes: the retention cron, a periodic vector
// index refresh, and a periodic governance sweep check. It returns once they are
// all running; Close (or ctx cancellation) stops them.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Retention.Start(ctx); err != nil {
		return fmt.Errorf("server: start retention: %w", err)
	}

	go s.runVectorRefresh(ctx)
	go s.runGovernanceSweep(ctx)

	s.logger.Info("server started")
	return nil
}

func (s *Server) runVectorRefresh(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Vector.Refresh(ctx); err != nil {
				s.logger.Error("vector index refresh failed", "error", err)
			}
		}
	}
}

func (s *Server) runGovernanceSweep(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			teams, err := s.Store.ListTeamIDs(ctx)
			if err != nil {
				s.logger.Error("governance sweep: list teams failed", "error", err)
				continue
			}
			s.GovSweep.MaybeRun(ctx, time.Now().UTC(), teams)
		}
	}
}

// Close releases every resource Build acquired. Safe to call once after Start.
func (s *Server) Close() {
	s.Retention.Stop()
	if s.Bus != nil {
		s.Bus.Close()
	}
	if s.Store != nil {
		s.Store.Close()
	}
}
