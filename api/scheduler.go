/*
scheduler.go - Background maintenance scheduler

PURPOSE:
  Periodically calls PolicyEngine.RunScheduledMaintenance so lapsed
  temporary roles revert and the monthly reset runs without an operator
  having to trigger it.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on Start
  - The engine decides what is due; the scheduler only supplies "now"
  - A failed run is logged and retried on the next tick

CONFIGURATION:
  - CheckInterval: How often to run (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewMaintenanceScheduler(eng, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunMaintenance endpoint (manual trigger)
  - engine/engine.go: RunScheduledMaintenance
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/warp/rank-engine/engine"
	"go.uber.org/zap"
)

// MaintenanceRunner is the engine surface the scheduler drives.
type MaintenanceRunner interface {
	RunScheduledMaintenance(ctx context.Context, now time.Time) (engine.MaintenanceReport, error)
}

// MaintenanceScheduler runs scheduled maintenance on a ticker.
type MaintenanceScheduler struct {
	Runner        MaintenanceRunner
	Logger        *zap.Logger
	CheckInterval time.Duration
	Enabled       bool
	Clock         func() time.Time

	// RunTimeout bounds a single run.
	RunTimeout time.Duration

	ticker  *time.Ticker
	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewMaintenanceScheduler creates a new scheduler.
func NewMaintenanceScheduler(runner MaintenanceRunner, logger *zap.Logger) *MaintenanceScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MaintenanceScheduler{
		Runner:        runner,
		Logger:        logger,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		Clock:         time.Now,
		RunTimeout:    5 * time.Minute,
	}
}

// Start begins the scheduler. Calling Start on a running scheduler is a
// no-op.
func (ms *MaintenanceScheduler) Start() {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if !ms.Enabled || ms.CheckInterval <= 0 {
		ms.Logger.Info("maintenance scheduler disabled")
		return
	}
	if ms.running {
		return
	}

	ms.ticker = time.NewTicker(ms.CheckInterval)
	ms.stop = make(chan struct{})
	ms.running = true
	ms.wg.Add(1)

	go ms.run(ms.ticker, ms.stop)

	ms.Logger.Info("maintenance scheduler started", zap.Duration("interval", ms.CheckInterval))
}

// Stop stops the scheduler and waits for an in-flight run to finish.
func (ms *MaintenanceScheduler) Stop() {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if !ms.running {
		return
	}
	ms.ticker.Stop()
	close(ms.stop)
	ms.wg.Wait()
	ms.running = false
	ms.Logger.Info("maintenance scheduler stopped")
}

func (ms *MaintenanceScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer ms.wg.Done()

	// Run immediately on start
	ms.RunNow()

	for {
		select {
		case <-ticker.C:
			ms.RunNow()
		case <-stop:
			return
		}
	}
}

// RunNow performs one maintenance run synchronously.
func (ms *MaintenanceScheduler) RunNow() (engine.MaintenanceReport, error) {
	ctx := context.Background()
	if ms.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ms.RunTimeout)
		defer cancel()
	}

	report, err := ms.Runner.RunScheduledMaintenance(ctx, ms.Clock())
	if err != nil {
		ms.Logger.Error("scheduled maintenance failed", zap.Error(err))
		return report, err
	}
	if len(report.Expired) > 0 || report.MonthlyReset {
		ms.Logger.Info("scheduled maintenance completed",
			zap.Int("expired", len(report.Expired)),
			zap.Bool("monthly_reset", report.MonthlyReset),
			zap.Int("reset_members", report.ResetMembers),
			zap.Int("temporary_demoted", len(report.TemporaryDemoted)),
		)
	}
	return report, nil
}

// NextRunTime returns when the next scheduled run will occur.
func (ms *MaintenanceScheduler) NextRunTime() time.Time {
	return ms.Clock().Add(ms.CheckInterval)
}
