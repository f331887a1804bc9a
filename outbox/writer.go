package outbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Record is one append-only outbox row handed to the downstream consumer.
// Rows are created once per successful payload generation and never updated.
type Record struct {
	MessageID          string
	MessageType        string
	DecisionTrackingID string
	Payload            []byte
	AttemptCount       int
	PayloadHash        string
	PayloadVersion     int
	CorrelationID      string
	ResendOfMessageID  *string
	CreatedAt          time.Time
}

// AppendParams enumerates the fields the writer stamps into a new record.
type AppendParams struct {
	MessageType        string
	DecisionTrackingID string
	Payload            []byte
	AttemptCount       int
	PayloadVersion     int
	CorrelationID      string
	ResendOfMessageID  *string
}

type Writer struct{}

func NewWriter() *Writer {
	return &Writer{}
}

// Append inserts the record inside the caller's transaction so the outbox row
// commits or rolls back together with the decision-state change that produced it.
func (w *Writer) Append(ctx context.Context, tx pgx.Tx, params AppendParams) (Record, error) {
	if params.MessageType == "" {
		return Record{}, fmt.Errorf("outbox: missing message type")
	}
	if params.DecisionTrackingID == "" {
		return Record{}, fmt.Errorf("outbox: missing decision tracking id")
	}
	if len(params.Payload) == 0 {
		return Record{}, fmt.Errorf("outbox: empty payload")
	}

	rec := Record{
		MessageID:          uuid.NewString(),
		MessageType:        params.MessageType,
		DecisionTrackingID: params.DecisionTrackingID,
		Payload:            params.Payload,
		AttemptCount:       params.AttemptCount,
		PayloadHash:        HashPayload(params.Payload),
		PayloadVersion:     params.PayloadVersion,
		CorrelationID:      params.CorrelationID,
		ResendOfMessageID:  params.ResendOfMessageID,
	}

	const insertSQL = `
INSERT INTO outbound_records
  (message_id, message_type, decision_tracking_id, payload, attempt_count, payload_hash, payload_version, correlation_id, resend_of_message_id)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
RETURNING created_at
`
	if err := tx.QueryRow(ctx, insertSQL,
		rec.MessageID, rec.MessageType, rec.DecisionTrackingID, rec.Payload,
		rec.AttemptCount, rec.PayloadHash, rec.PayloadVersion, rec.CorrelationID, rec.ResendOfMessageID,
	).Scan(&rec.CreatedAt); err != nil {
		return Record{}, fmt.Errorf("outbox: insert record: %w", err)
	}

	return rec, nil
}

// LatestMessageID returns the most recent message id written for the tracking
// id, used to back-reference the attempt a resend replaces.
func (w *Writer) LatestMessageID(ctx context.Context, tx pgx.Tx, decisionTrackingID string) (*string, error) {
	const query = `
SELECT message_id
FROM outbound_records
WHERE decision_tracking_id = $1
ORDER BY created_at DESC, message_id DESC
LIMIT 1
`
	var id string
	if err := tx.QueryRow(ctx, query, decisionTrackingID).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("outbox: latest message id: %w", err)
	}
	return &id, nil
}

// HashPayload computes the content hash of a canonicalised payload. Payloads
// are marshalled from structs with a fixed field order, so byte equality is
// the canonical form.
func HashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
