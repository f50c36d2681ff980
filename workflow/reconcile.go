package workflow

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/warp/leave-engine/ledger"
	"github.com/warp/leave-engine/uow"
)

// ReconcileReport summarises one drift sweep over a year's balances.
type ReconcileReport struct {
	Year      int
	StartedAt time.Time
	Checked   int
	Drifted   []*ledger.DriftError
}

// Reconcile replays every balance of the year and reports rows whose cache
// disagrees with their entries. Each balance is verified in its own
// transaction; drift is reported, never repaired.
func (e *Engine) Reconcile(ctx context.Context, year int) (ReconcileReport, error) {
	report := ReconcileReport{Year: year, StartedAt: e.now()}

	var keys []ledger.BalanceKey
	err := e.inTx(ctx, "reconcile", func(repos uow.Repos) error {
		var err error
		keys, err = repos.Ledger.BalanceKeys(ctx, year)
		return err
	})
	if err != nil {
		return report, e.failed("reconcile", err, zap.Int("year", year))
	}

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Checked++

		err := e.VerifyBalance(ctx, key)
		var drift *ledger.DriftError
		switch {
		case err == nil:
		case errors.As(err, &drift):
			e.logger.Error("ledger drift detected",
				zap.String("balance_id", string(drift.BalanceID)),
				zap.String("field", drift.Field),
				zap.String("cached", drift.Cached),
				zap.String("replayed", drift.Replayed),
			)
			report.Drifted = append(report.Drifted, drift)
		default:
			return report, e.failed("reconcile", err, zap.String("balance_id", string(key.ID())))
		}
	}

	e.logger.Info("reconcile complete",
		zap.Int("year", year),
		zap.Int("checked", report.Checked),
		zap.Int("drifted", len(report.Drifted)),
	)
	return report, nil
}
