/*
scheduler.go - Automated ledger reconciliation scheduler

PURPOSE:
  Periodically replays every balance of the current year against its ledger
  entries and logs any drift between the cached row and the entries.
  Drift is reported only; repairing it is a human decision.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on Start
  - Keeps the last report for GET /api/admin/reconciliation
  - Concurrent RunNow calls share one sweep (singleflight)

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewReconciliationScheduler(engine, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunReconciliation endpoint (manual sweep)
  - workflow/reconcile.go: the sweep itself
*/
package api

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/warp/leave-engine/workflow"
)

type Reconciler interface {
	Reconcile(ctx context.Context, year int) (workflow.ReconcileReport, error)
}

// ReconciliationScheduler handles automated drift detection.
type ReconciliationScheduler struct {
	Reconciler    Reconciler
	CheckInterval time.Duration
	Enabled       bool
	Now           func() time.Time

	logger *zap.Logger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	// sweeps coalesces the ticker and manual triggers into one sweep.
	sweeps singleflight.Group
	lastMu sync.RWMutex
	last   workflow.ReconcileReport
	hasRun bool
}

func NewReconciliationScheduler(r Reconciler, logger *zap.Logger) *ReconciliationScheduler {
	if logger == nil {
		logger = zap.L()
	}
	return &ReconciliationScheduler{
		Reconciler:    r,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		Now:           time.Now,
		logger:        logger.Named("reconciliation"),
	}
}

// Start begins the scheduler.
func (rs *ReconciliationScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		rs.logger.Info("scheduler disabled, not starting")
		return
	}
	if rs.ticker != nil {
		return
	}

	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.stop = make(chan struct{})
	rs.wg.Add(1)
	go rs.run(rs.ticker, rs.stop)

	rs.logger.Info("scheduler started", zap.Duration("check_interval", rs.CheckInterval))
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (rs *ReconciliationScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker == nil {
		return
	}
	rs.ticker.Stop()
	close(rs.stop)
	rs.wg.Wait()
	rs.ticker = nil
	rs.logger.Info("scheduler stopped")
}

func (rs *ReconciliationScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer rs.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	rs.sweep(ctx)
	for {
		select {
		case <-ticker.C:
			rs.sweep(ctx)
		case <-stop:
			return
		}
	}
}

func (rs *ReconciliationScheduler) sweep(ctx context.Context) {
	if _, err := rs.RunNow(ctx); err != nil && ctx.Err() == nil {
		rs.logger.Error("reconciliation failed", zap.Error(err))
	}
}

// RunNow sweeps the current year synchronously. A caller arriving while a
// sweep of the same year is running waits for it and gets its report.
// The sweep outlives the caller's cancellation since other callers share it.
func (rs *ReconciliationScheduler) RunNow(ctx context.Context) (workflow.ReconcileReport, error) {
	year := rs.Now().Year()
	sweepCtx := context.WithoutCancel(ctx)
	v, err, shared := rs.sweeps.Do(strconv.Itoa(year), func() (any, error) {
		report, err := rs.Reconciler.Reconcile(sweepCtx, year)
		if err != nil {
			return nil, err
		}
		rs.lastMu.Lock()
		rs.last, rs.hasRun = report, true
		rs.lastMu.Unlock()
		return report, nil
	})
	if err != nil {
		return workflow.ReconcileReport{}, err
	}
	if shared {
		rs.logger.Debug("sweep shared between callers", zap.Int("year", year))
	}
	return v.(workflow.ReconcileReport), nil
}

// LastReport returns the most recent successful sweep.
func (rs *ReconciliationScheduler) LastReport() (workflow.ReconcileReport, bool) {
	rs.lastMu.RLock()
	defer rs.lastMu.RUnlock()
	return rs.last, rs.hasRun
}
