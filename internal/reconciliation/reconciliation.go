// Package reconciliation replays entry history against stored balances
// and counts settlements waiting on an operator.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/marqueehq/marquee/internal/intent"
	"github.com/marqueehq/marquee/internal/ledger"
)

// maxStuckCount caps the stuck-settlement listing per run.
const maxStuckCount = 1000

// BalanceAuditor replays every member's entries against the stored running
// total. *ledger.Ledger satisfies it.
type BalanceAuditor interface {
	ReconcileAll(ctx context.Context) ([]*ledger.ReconciliationResult, error)
}

// StuckLister reports paid top-ups whose settlement never finished.
// *intent.Service satisfies it. Optional.
type StuckLister interface {
	ListStuck(ctx context.Context, olderThan time.Duration, limit int) ([]*intent.Intent, error)
}

// Report holds the outcome of one reconciliation run.
type Report struct {
	Members          int       `json:"members"`
	Mismatched       []string  `json:"mismatched,omitempty"`
	StuckSettlements int       `json:"stuckSettlements"`
	RanAt            time.Time `json:"ranAt"`
}

// Runner performs a full reconciliation pass: balance drift first, then
// the stuck-settlement count.
type Runner struct {
	auditor    BalanceAuditor
	stuck      StuckLister
	stuckGrace time.Duration
	logger     *slog.Logger
}

// NewRunner creates a reconciliation runner. stuck may be nil.
func NewRunner(auditor BalanceAuditor, stuck StuckLister, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		auditor: auditor,
		stuck:   stuck,
		// A settlement inside its webhook retry window is not stuck yet.
		stuckGrace: time.Minute,
		logger:     logger,
	}
}

// SetStuckGrace sets how old a paid settlement must be before it counts
// as stuck.
func (r *Runner) SetStuckGrace(d time.Duration) {
	if d >= 0 {
		r.stuckGrace = d
	}
}

// RunAll replays every member's history and counts stuck settlements.
// A drifted balance means an entry write bypassed the ledger or storage
// corrupted; it is logged at error level and surfaced in the report.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := time.Now()
	defer func() {
		reconcileDuration.Observe(time.Since(start).Seconds())
	}()

	results, err := r.auditor.ReconcileAll(ctx)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("balance replay failed: %w", err)
	}

	report := &Report{Members: len(results), RanAt: start.UTC()}
	for _, res := range results {
		if res.Match {
			continue
		}
		report.Mismatched = append(report.Mismatched, res.Member)
		r.logger.Error("stored balance drifted from entry history",
			"member", res.Member,
			"storedTokens", res.ActualTokens,
			"replayedTokens", res.ReplayTokens,
			"storedTotalIn", res.ActualTotalIn,
			"replayedTotalIn", res.ReplayTotalIn)
	}
	reconcileLedgerMismatches.Set(float64(len(report.Mismatched)))

	if r.stuck != nil {
		stuck, err := r.stuck.ListStuck(ctx, r.stuckGrace, maxStuckCount)
		if err != nil {
			reconcileErrors.Inc()
			r.logger.Warn("stuck settlement count unavailable", "error", err)
		} else {
			report.StuckSettlements = len(stuck)
			reconcileStuckSettlements.Set(float64(len(stuck)))
			if len(stuck) > 0 {
				r.logger.Warn("settlements waiting on an operator",
					"count", len(stuck),
					"oldestIntent", stuck[0].ID)
			}
		}
	}

	return report, nil
}
