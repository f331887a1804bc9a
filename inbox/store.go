package inbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// EventStore claims and stamps inbound events. All methods run inside the
// poll cycle's transaction so the SKIP LOCKED claim is the sole
// mutual-exclusion mechanism between workers.
type EventStore struct{}

func NewEventStore() *EventStore {
	return &EventStore{}
}

// ClaimBatch locks up to limit unconsumed events past the watermark, skipping
// rows another worker already holds. Events are returned in (created_at, id)
// order so the consecutive-success watermark rule is well defined.
func (s *EventStore) ClaimBatch(ctx context.Context, tx pgx.Tx, after Watermark, limit int) ([]Event, error) {
	const query = `
SELECT id, message_id, created_at, decision_tracking_id, decision_indicator, payload, decision_applied_at, payload_delivered_at
FROM inbound_events
WHERE (created_at, id) > ($1::timestamptz, $2::bigint)
  AND (decision_applied_at IS NULL
       OR (payload IS NOT NULL AND payload_delivered_at IS NULL))
ORDER BY created_at, id
LIMIT $3
FOR UPDATE SKIP LOCKED
`
	rows, err := tx.Query(ctx, query, after.LastSeenAt, after.LastSeenEventID, limit)
	if err != nil {
		return nil, fmt.Errorf("inbox: claim batch: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, limit)
	for rows.Next() {
		var (
			ev  Event
			raw []byte
		)
		if err := rows.Scan(&ev.ID, &ev.MessageID, &ev.CreatedAt, &ev.DecisionTrackingID,
			&ev.DecisionIndicator, &raw, &ev.DecisionAppliedAt, &ev.PayloadDeliveredAt); err != nil {
			return nil, fmt.Errorf("inbox: scan event: %w", err)
		}
		if len(raw) > 0 {
			var pl EventPayload
			if err := json.Unmarshal(raw, &pl); err != nil {
				return nil, fmt.Errorf("inbox: decode payload of event %d: %w", ev.ID, err)
			}
			ev.Payload = &pl
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("inbox: iterate claimed events: %w", err)
	}
	return events, nil
}

// MarkDecisionApplied stamps the decision-applied completion flag.
func (s *EventStore) MarkDecisionApplied(ctx context.Context, tx pgx.Tx, eventID int64) error {
	if _, err := tx.Exec(ctx, `
UPDATE inbound_events SET decision_applied_at = now() WHERE id = $1 AND decision_applied_at IS NULL
`, eventID); err != nil {
		return fmt.Errorf("inbox: mark decision applied: %w", err)
	}
	return nil
}

// MarkPayloadDelivered stamps the payload-delivered completion flag.
func (s *EventStore) MarkPayloadDelivered(ctx context.Context, tx pgx.Tx, eventID int64) error {
	if _, err := tx.Exec(ctx, `
UPDATE inbound_events SET payload_delivered_at = now() WHERE id = $1 AND payload_delivered_at IS NULL
`, eventID); err != nil {
		return fmt.Errorf("inbox: mark payload delivered: %w", err)
	}
	return nil
}
