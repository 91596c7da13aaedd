package worker

import (
	"context"
	"time"

	"checkout-engine/internal/models"
	"checkout-engine/internal/util"

	"go.uber.org/zap"
)

// Publisher sends one outbox event to the broker
type Publisher interface {
	PublishOutbox(ctx context.Context, event models.OutboxEvent) error
}

// OutboxSource is the part of the store the relay reads and stamps
type OutboxSource interface {
	FetchUnpublishedEvents(ctx context.Context, limit int) ([]models.OutboxEvent, error)
	MarkEventPublished(ctx context.Context, id int64) error
}

// OutboxRelay moves committed outbox events to the broker. Delivery is at
// least once: an event published but not yet stamped goes out again on the
// next pass.
type OutboxRelay struct {
	source    OutboxSource
	publisher Publisher
	interval  time.Duration
	batchSize int
	logger    *zap.Logger
}

// NewOutboxRelay creates a relay polling every interval for up to batchSize events
func NewOutboxRelay(source OutboxSource, publisher Publisher, interval time.Duration, batchSize int) *OutboxRelay {
	if interval <= 0 {
		interval = time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &OutboxRelay{
		source:    source,
		publisher: publisher,
		interval:  interval,
		batchSize: batchSize,
		logger:    util.GetLogger(),
	}
}

// Start polls until ctx is cancelled
func (r *OutboxRelay) Start(ctx context.Context) error {
	r.logger.Info("Starting outbox relay",
		zap.Duration("interval", r.interval),
		zap.Int("batch_size", r.batchSize))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.RelayOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("Outbox relay pass failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			r.logger.Info("Stopping outbox relay")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RelayOnce publishes one batch in id order and returns how many events went
// out. It stops at the first publish failure so per-order ordering holds.
func (r *OutboxRelay) RelayOnce(ctx context.Context) (int, error) {
	events, err := r.source.FetchUnpublishedEvents(ctx, r.batchSize)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, event := range events {
		if err := r.publisher.PublishOutbox(ctx, event); err != nil {
			util.OutboxPublishFailedTotal.Inc()
			r.logger.Warn("Failed to publish outbox event",
				zap.Int64("outbox_id", event.ID),
				zap.String("event_type", event.EventType),
				zap.Error(err))
			return sent, err
		}

		if err := r.source.MarkEventPublished(ctx, event.ID); err != nil {
			return sent, err
		}
		util.OutboxPublishedTotal.Inc()
		sent++
	}
	return sent, nil
}
