package store

import (
	"context"
	"fmt"
	"time"

	"github.com/scanfleet/scanfleet/models"
)

// RecordWebhookEvent persists an accepted callback before any correlation
// work touches job state.
func (s *Store) RecordWebhookEvent(ctx context.Context, ev *models.WebhookEvent) (int64, error) {
	ev.ReceivedAt = time.Now().UTC()
	id, err := s.db.Insert(ctx, "webhook_events", ev)
	if err != nil {
		return 0, fmt.Errorf("recording webhook event: %w", err)
	}
	ev.ID = id
	return id, nil
}

// WebhookEventsByAnalysisID returns the stored callbacks for one analysis,
// newest first. The dispatcher consults this to pick up a webhook that
// arrived before the submission id was persisted.
func (s *Store) WebhookEventsByAnalysisID(ctx context.Context, analysisID string) ([]models.WebhookEvent, error) {
	var out []models.WebhookEvent
	err := s.db.Select(ctx, &out,
		`SELECT id, analysis_id, component_key, status, payload, orphan, received_at
		   FROM webhook_events WHERE analysis_id = ? ORDER BY id DESC`,
		analysisID)
	return out, err
}
