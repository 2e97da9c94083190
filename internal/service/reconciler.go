package service

import (
	"context"
	"fmt"
	"time"

	"canteen-settlement/internal/models"
	"canteen-settlement/internal/util"

	"go.uber.org/zap"
)

// sweepBatchSize bounds how many intents one sweep touches
const sweepBatchSize = 100

// Reconciler surfaces settlements that did not finish cleanly: intents left
// pending by a crash or storage failure, and commissions a school was never
// charged.
type Reconciler struct {
	intents    IntentStore
	shortfalls ShortfallStore
	staleAfter time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

// NewReconciler creates a new reconciler. Pending intents older than
// staleAfter are considered orphaned.
func NewReconciler(intents IntentStore, shortfalls ShortfallStore, staleAfter time.Duration) *Reconciler {
	return &Reconciler{
		intents:    intents,
		shortfalls: shortfalls,
		staleAfter: staleAfter,
		now:        time.Now,
		logger:     util.GetLogger(),
	}
}

// SweepIntents marks stale pending intents orphaned so an operator can
// match the balance change against the books. Returns how many were marked.
func (r *Reconciler) SweepIntents(ctx context.Context) (int, error) {
	ctx, span := util.StartSpan(ctx, "Reconciler.SweepIntents")
	defer span.End()

	cutoff := r.now().Add(-r.staleAfter)
	stale, err := r.intents.ListStaleIntents(ctx, cutoff, sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale intents: %w", err)
	}

	marked := 0
	for _, intent := range stale {
		reason := fmt.Sprintf("pending since %s", intent.CreatedAt.UTC().Format(time.RFC3339))
		ok, err := r.intents.MarkIntentOrphaned(ctx, intent.ID, reason)
		if err != nil {
			r.logger.Error("Failed to mark intent orphaned",
				zap.String("intent_id", intent.ID),
				zap.Error(err))
			continue
		}
		if !ok {
			// settled or aborted since it was listed
			continue
		}

		marked++
		util.IntentsOrphanedTotal.Inc()
		r.logger.Error("Settlement intent orphaned, manual reconciliation required",
			zap.String("intent_id", intent.ID),
			zap.String("operation", intent.Operation),
			zap.String("account_kind", string(intent.AccountKind)),
			zap.Int64("account_id", intent.AccountID),
			zap.Int64("school_id", intent.SchoolID),
			zap.String("amount", intent.Amount.String()),
			zap.Time("created_at", intent.CreatedAt))
	}

	return marked, nil
}

// HandleCommissionShortfall records an uncollected commission for manual
// collection. Redelivered events are ignored.
func (r *Reconciler) HandleCommissionShortfall(ctx context.Context, event *models.CommissionShortfallEvent) error {
	ctx, span := util.StartSpan(ctx, "Reconciler.HandleCommissionShortfall")
	defer span.End()

	processed, err := r.shortfalls.IsEventProcessed(ctx, event.EventID)
	if err != nil {
		return fmt.Errorf("failed to check event processed: %w", err)
	}
	if processed {
		r.logger.Info("Event already processed", zap.String("event_id", event.EventID))
		return nil
	}

	shortfall := &models.CommissionShortfall{
		EventID:       event.EventID,
		TransactionID: event.TransactionID,
		SchoolID:      event.SchoolID,
		Amount:        event.Amount,
		Reason:        event.Reason,
	}
	recorded, err := r.shortfalls.RecordCommissionShortfall(ctx, shortfall, event.EventType)
	if err != nil {
		return fmt.Errorf("failed to record commission shortfall: %w", err)
	}
	if !recorded {
		r.logger.Info("Event already processed", zap.String("event_id", event.EventID))
		return nil
	}

	r.logger.Warn("Commission shortfall recorded",
		zap.Int64("transaction_id", event.TransactionID),
		zap.Int64("school_id", event.SchoolID),
		zap.String("amount", event.Amount.String()))
	return nil
}
