package inbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Watermark is the durable cursor into the inbound event stream: the
// timestamp and id of the last event consumed in order.
type Watermark struct {
	LastSeenAt      time.Time
	LastSeenEventID int64
}

// Before reports whether w is strictly behind other in (timestamp, id) order.
func (w Watermark) Before(other Watermark) bool {
	if w.LastSeenAt.Before(other.LastSeenAt) {
		return true
	}
	if w.LastSeenAt.Equal(other.LastSeenAt) {
		return w.LastSeenEventID < other.LastSeenEventID
	}
	return false
}

// Merge returns the greatest of the two watermarks, so concurrent advances
// never move the cursor backward.
func (w Watermark) Merge(other Watermark) Watermark {
	if w.Before(other) {
		return other
	}
	return w
}

// WatermarkStore persists the single watermark row.
type WatermarkStore struct{}

func NewWatermarkStore() *WatermarkStore {
	return &WatermarkStore{}
}

// Get reads the cursor at the start of a poll cycle.
func (s *WatermarkStore) Get(ctx context.Context, tx pgx.Tx) (Watermark, error) {
	var w Watermark
	err := tx.QueryRow(ctx, `SELECT last_seen_at, last_seen_event_id FROM inbox_watermark WHERE id = 1`).
		Scan(&w.LastSeenAt, &w.LastSeenEventID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Watermark{}, fmt.Errorf("inbox: watermark row missing; schema not initialised")
		}
		return Watermark{}, fmt.Errorf("inbox: read watermark: %w", err)
	}
	return w, nil
}

// Advance moves the cursor forward. The guarded update is the SQL form of
// Merge: a concurrent advance that already moved past target leaves the row
// untouched instead of regressing it.
func (s *WatermarkStore) Advance(ctx context.Context, tx pgx.Tx, target Watermark) error {
	_, err := tx.Exec(ctx, `
UPDATE inbox_watermark
SET last_seen_at = $1,
    last_seen_event_id = $2
WHERE id = 1
  AND (last_seen_at, last_seen_event_id) < ($1::timestamptz, $2::bigint)
`, target.LastSeenAt, target.LastSeenEventID)
	if err != nil {
		return fmt.Errorf("inbox: advance watermark: %w", err)
	}
	return nil
}
