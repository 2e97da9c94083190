package worker

import (
	"context"
	"time"

	"canteen-settlement/internal/broker"
	"canteen-settlement/internal/models"
	"canteen-settlement/internal/util"

	"go.uber.org/zap"
)

// MessageSource is a Kafka consumer the worker drains
type MessageSource interface {
	StartConsuming(ctx context.Context, handler broker.MessageHandler) error
	Close() error
}

// ShortfallRecorder persists commission shortfalls
type ShortfallRecorder interface {
	HandleCommissionShortfall(ctx context.Context, event *models.CommissionShortfallEvent) error
}

// ShortfallWorker records commission shortfalls published by the settlement
// service
type ShortfallWorker struct {
	consumer     MessageSource
	eventHandler *broker.EventHandler
	logger       *zap.Logger
}

// NewShortfallWorker creates a new shortfall worker
func NewShortfallWorker(consumer MessageSource, recorder ShortfallRecorder) *ShortfallWorker {
	eventHandler := broker.NewEventHandler()
	eventHandler.OnCommissionShortfall(recorder.HandleCommissionShortfall)

	return &ShortfallWorker{
		consumer:     consumer,
		eventHandler: eventHandler,
		logger:       util.GetLogger(),
	}
}

// Start starts the worker
func (w *ShortfallWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting shortfall worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *ShortfallWorker) Stop() error {
	w.logger.Info("Stopping shortfall worker")
	return w.consumer.Close()
}

// Sweeper finds settlements that never completed
type Sweeper interface {
	SweepIntents(ctx context.Context) (int, error)
}

// IntentSweeper periodically flags orphaned settlement intents
type IntentSweeper struct {
	sweeper  Sweeper
	interval time.Duration
	logger   *zap.Logger
}

// NewIntentSweeper creates a sweeper that runs every interval
func NewIntentSweeper(sweeper Sweeper, interval time.Duration) *IntentSweeper {
	return &IntentSweeper{
		sweeper:  sweeper,
		interval: interval,
		logger:   util.GetLogger(),
	}
}

// Start sweeps once immediately and then on every tick until ctx is done
func (s *IntentSweeper) Start(ctx context.Context) error {
	s.logger.Info("Starting intent sweeper", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.sweep(ctx)

		select {
		case <-ctx.Done():
			s.logger.Info("Stopping intent sweeper")
			return nil
		case <-ticker.C:
		}
	}
}

func (s *IntentSweeper) sweep(ctx context.Context) {
	marked, err := s.sweeper.SweepIntents(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("Intent sweep failed", zap.Error(err))
		}
		return
	}
	if marked > 0 {
		s.logger.Warn("Orphaned settlement intents flagged", zap.Int("count", marked))
	}
}
