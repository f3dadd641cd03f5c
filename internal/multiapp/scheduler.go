package multiapp

import (
	"context"
	"time"

	"fabrica/internal/config"
	"fabrica/internal/engine"
	"fabrica/internal/instrument"
)

// MultiAppScheduler sweeps workflow timeouts and event retention across all
// cached apps. Webhook retries are not handled here; each app context runs
// its own dispatcher.
type MultiAppScheduler struct {
	manager        *AppManager
	instrConfig    config.InstrumentationConfig
	sweepInterval  time.Duration
	workflowTicker *time.Ticker
	cleanupTicker  *time.Ticker
	done           chan struct{}
}

func NewMultiAppScheduler(manager *AppManager, cfg *config.Config) *MultiAppScheduler {
	interval := time.Duration(cfg.Workflows.SweepIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &MultiAppScheduler{
		manager:       manager,
		instrConfig:   cfg.Instrumentation,
		sweepInterval: interval,
	}
}

// Start begins the background sweeps.
func (s *MultiAppScheduler) Start() {
	s.done = make(chan struct{})
	s.workflowTicker = time.NewTicker(s.sweepInterval)
	if s.instrConfig.Enabled {
		s.cleanupTicker = time.NewTicker(1 * time.Hour)
	}
	go s.run()
	managerLog.Info().Dur("workflow_sweep", s.sweepInterval).Msg("multi-app scheduler started")
}

// Stop halts the background sweeps.
func (s *MultiAppScheduler) Stop() {
	if s.workflowTicker != nil {
		s.workflowTicker.Stop()
	}
	if s.cleanupTicker != nil {
		s.cleanupTicker.Stop()
	}
	if s.done != nil {
		close(s.done)
	}
}

func (s *MultiAppScheduler) run() {
	var cleanupCh <-chan time.Time
	if s.cleanupTicker != nil {
		cleanupCh = s.cleanupTicker.C
	}

	for {
		select {
		case <-s.done:
			return
		case <-s.workflowTicker.C:
			s.processAllWorkflowTimeouts()
		case <-cleanupCh:
			s.processAllEventCleanup()
		}
	}
}

func (s *MultiAppScheduler) processAllWorkflowTimeouts() {
	for _, ac := range s.manager.AllContexts() {
		engine.ProcessWorkflowTimeouts(ac.Store, ac.Registry)
	}
}

func (s *MultiAppScheduler) processAllEventCleanup() {
	ctx := context.Background()
	for _, ac := range s.manager.AllContexts() {
		instrument.CleanupOldEvents(ctx, ac.Store.DB, ac.Store.Dialect, s.instrConfig.RetentionDays)
	}
}
