package store

import (
	"context"

	"checkout-engine/internal/models"
)

// AddOutboxEvent stores an event in the same transaction as the change it
// describes
func (t *pgTx) AddOutboxEvent(ctx context.Context, event *models.OutboxEvent) error {
	query := `
		INSERT INTO outbox_events (event_id, event_type, aggregate_id, payload)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`

	err := t.tx.QueryRowxContext(ctx, query,
		event.EventID, event.EventType, event.AggregateID, string(event.Payload)).
		Scan(&event.ID, &event.CreatedAt)
	return mapError(ctx, err)
}

// FetchUnpublishedEvents returns the oldest events not yet relayed
func (s *Store) FetchUnpublishedEvents(ctx context.Context, limit int) ([]models.OutboxEvent, error) {
	events := []models.OutboxEvent{}
	err := s.db.SelectContext(ctx, &events,
		"SELECT * FROM outbox_events WHERE published_at IS NULL ORDER BY id LIMIT $1", limit)
	if err != nil {
		return nil, mapError(ctx, err)
	}
	return events, nil
}

// MarkEventPublished stamps an event as relayed
func (s *Store) MarkEventPublished(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE outbox_events SET published_at = NOW() WHERE id = $1 AND published_at IS NULL", id)
	return mapError(ctx, err)
}
