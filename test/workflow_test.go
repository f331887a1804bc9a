package test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caseflow/cases"
	"caseflow/decision"
	"caseflow/inbox"
	"caseflow/outbox"
	"caseflow/test/infra"
)

// setupDB provisions a migrated database. Set CASEFLOW_INTEGRATION=1 to run;
// CASEFLOW_TEST_PG_DSN reuses an existing server instead of a container.
func setupDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if os.Getenv("CASEFLOW_INTEGRATION") == "" {
		t.Skip("set CASEFLOW_INTEGRATION=1 to run database tests")
	}

	ctx := context.Background()
	pgc, dsn, err := infra.StartPostgres16(ctx, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgc.Terminate(context.Background()) })

	pool, cleanup, err := infra.ApplyMigrations(ctx, dsn, true)
	require.NoError(t, err)
	t.Cleanup(func() {
		pool.Close()
		_ = cleanup(context.Background())
	})
	return pool
}

func createCase(t *testing.T, pool *pgxpool.Pool, status cases.DetailedStatus) (caseID, correlationKey string) {
	t.Helper()
	correlationKey = uuid.NewString()
	err := pool.QueryRow(context.Background(), `
INSERT INTO cases (external_id, correlation_key, detailed_status)
VALUES ($1, $2, $3)
RETURNING id
`, "PA-"+correlationKey[:8], correlationKey, status).Scan(&caseID)
	require.NoError(t, err)
	return caseID, correlationKey
}

func TestDecisionVersioning_SingleActiveInvariant(t *testing.T) {
	pool := setupDB(t)
	ctx := context.Background()
	caseID, _ := createCase(t, pool, cases.StatusClinicalReview)

	repo := decision.NewRepository()
	svc := decision.NewService(pool, repo, outbox.NewWriter(), 3)

	first, err := svc.ApplyDecision(ctx, decision.ApplyDecisionParams{
		CaseID: caseID, Indicator: "N", Part: decision.PartA, Subtype: decision.SubtypeDirect,
	})
	require.NoError(t, err)

	// Same indicator again: exactly one version, no delta.
	replay, err := svc.ApplyDecision(ctx, decision.ApplyDecisionParams{CaseID: caseID, Indicator: "N"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, replay.ID)

	// A changed outcome supersedes and relinks the chain.
	second, err := svc.ApplyDecision(ctx, decision.ApplyDecisionParams{CaseID: caseID, Indicator: "A"})
	require.NoError(t, err)
	require.NotNil(t, second.Supersedes)
	assert.Equal(t, first.ID, *second.Supersedes)
	assert.Equal(t, decision.PartA, second.Part, "axes copy forward across supersessions")

	tx, err := pool.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	n, err := repo.CountActive(ctx, tx, caseID)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "at most one active version per case")

	var supersededBy *string
	require.NoError(t, tx.QueryRow(ctx,
		`SELECT superseded_by FROM decision_versions WHERE id = $1`, first.ID).Scan(&supersededBy))
	require.NotNil(t, supersededBy)
	assert.Equal(t, second.ID, *supersededBy, "the chain links in both directions")
}

func TestRecordDelivery_OutboxAndRemediationLoop(t *testing.T) {
	pool := setupDB(t)
	ctx := context.Background()
	caseID, correlationKey := createCase(t, pool, cases.StatusValidationPending)

	statuses := cases.NewStatusService(pool)
	svc := decision.NewService(pool, decision.NewRepository(), outbox.NewWriter(), 3)
	handler := decision.NewTrackingHandler(pool, decision.NewRepository(), statuses, nil, nil)

	_, err := svc.ApplyDecision(ctx, decision.ApplyDecisionParams{CaseID: caseID, Indicator: "N"})
	require.NoError(t, err)

	payload1 := []byte(`{"decisionIndicator":"N","attempt":1}`)
	v1, err := svc.RecordDelivery(ctx, decision.DeliveryParams{
		CaseID: caseID, DecisionTrackingID: correlationKey,
		MessageType: "pa_review_decision", Payload: payload1, PayloadVersion: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, v1.AttemptCount)

	// Identical payload while already out: no second outbox row.
	_, err = svc.RecordDelivery(ctx, decision.DeliveryParams{
		CaseID: caseID, DecisionTrackingID: correlationKey,
		MessageType: "pa_review_decision", Payload: payload1, PayloadVersion: 2,
	})
	require.NoError(t, err)

	var outboxRows int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM outbound_records WHERE decision_tracking_id = $1`, correlationKey).Scan(&outboxRows))
	assert.Equal(t, 1, outboxRows)

	// Move the case to where a tracking response lands.
	require.NoError(t, statuses.Transition(ctx, cases.TransitionParams{CaseID: caseID, NextStatus: cases.StatusTrackingPending}))

	// The authority rejects: case loops back for the operator.
	require.NoError(t, handler.HandleFailure(ctx, decision.TrackingFailure{
		CaseID:         caseID,
		FailurePayload: []byte(`{"errors":[{"code":"INVALID_NPI"}]}`),
		Reason:         "invalid rendering NPI",
	}))

	active, err := svc.ActiveVersion(ctx, caseID)
	require.NoError(t, err)
	assert.True(t, active.RequiresFix)
	require.NotNil(t, active.TrackingStatus)
	assert.Equal(t, decision.TrackingStatusFailed, *active.TrackingStatus)

	c, err := statuses.FindByCorrelationKey(ctx, correlationKey)
	require.NoError(t, err)
	assert.Equal(t, cases.StatusValidationPending, c.DetailedStatus)
	assert.Nil(t, c.AssignedTo, "remediation releases the assignment lock")

	// Operator fixed the data; the resend references the original message.
	payload2 := []byte(`{"decisionIndicator":"N","attempt":2}`)
	v2, err := svc.RecordDelivery(ctx, decision.DeliveryParams{
		CaseID: caseID, DecisionTrackingID: correlationKey,
		MessageType: "pa_review_decision", Payload: payload2, PayloadVersion: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, v2.AttemptCount)
	assert.False(t, v2.RequiresFix)

	var resendOf *string
	require.NoError(t, pool.QueryRow(ctx, `
SELECT resend_of_message_id FROM outbound_records
WHERE decision_tracking_id = $1
ORDER BY created_at DESC LIMIT 1
`, correlationKey).Scan(&resendOf))
	require.NotNil(t, resendOf, "a resend must reference the attempt it replaces")

	// This time the authority accepts.
	require.NoError(t, statuses.Transition(ctx, cases.TransitionParams{CaseID: caseID, NextStatus: cases.StatusTrackingPending}))
	require.NoError(t, handler.HandleSuccess(ctx, decision.TrackingSuccess{
		CaseID:         caseID,
		CaseExternalID: "PA-" + correlationKey[:8],
		TrackingNumber: "TRK-998877",
		ReceivedAt:     time.Now(),
	}))

	active, err = svc.ActiveVersion(ctx, caseID)
	require.NoError(t, err)
	require.NotNil(t, active.TrackingNumber)
	assert.Equal(t, "TRK-998877", *active.TrackingNumber)
	assert.False(t, active.RequiresFix)
	assert.Nil(t, active.TrackingFailure)
}

func TestPoller_EndToEndAgainstDatabase(t *testing.T) {
	pool := setupDB(t)
	ctx := context.Background()
	caseID, correlationKey := createCase(t, pool, cases.StatusValidationPending)

	_, err := pool.Exec(ctx, `
INSERT INTO inbound_events (message_id, decision_tracking_id, decision_indicator, payload)
VALUES ($1, $2, 'A', $3)
`, uuid.NewString(), correlationKey, []byte(`{
  "part_type": "A",
  "bill_type": "013",
  "facility_ccn": "450358",
  "decision_date": "2026-05-01T00:00:00Z",
  "procedures": [{"code": "64483", "units": 1}]
}`))
	require.NoError(t, err)

	statuses := cases.NewStatusService(pool)
	svc := decision.NewService(pool, decision.NewRepository(), outbox.NewWriter(), 3)
	p := inbox.NewPoller(pool, inbox.NewEventStore(), inbox.NewWatermarkStore(),
		svc, statuses, statuses, nil, nil, inbox.Options{BatchSize: 10})

	require.NoError(t, p.RunOnce(ctx))

	// Decision applied.
	active, err := svc.ActiveVersion(ctx, caseID)
	require.NoError(t, err)
	assert.Equal(t, decision.ClinicalAffirm, active.Clinical)
	assert.Equal(t, 1, active.AttemptCount, "payload delivered once")

	// Outbox row written.
	var outboxRows int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM outbound_records WHERE decision_tracking_id = $1`, correlationKey).Scan(&outboxRows))
	assert.Equal(t, 1, outboxRows)

	// Event fully stamped, watermark at the event.
	var applied, delivered *time.Time
	var eventID int64
	require.NoError(t, pool.QueryRow(ctx, `
SELECT id, decision_applied_at, payload_delivered_at FROM inbound_events WHERE decision_tracking_id = $1
`, correlationKey).Scan(&eventID, &applied, &delivered))
	assert.NotNil(t, applied)
	assert.NotNil(t, delivered)

	var wmEventID int64
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT last_seen_event_id FROM inbox_watermark WHERE id = 1`).Scan(&wmEventID))
	assert.Equal(t, eventID, wmEventID)

	// Case moved onto the tracking path.
	c, err := statuses.FindByCorrelationKey(ctx, correlationKey)
	require.NoError(t, err)
	assert.Equal(t, cases.StatusTrackingPending, c.DetailedStatus)

	// A second cycle with nothing new is a clean no-op.
	require.NoError(t, p.RunOnce(ctx))
}

func TestWatermarkAdvance_GuardedAgainstRegression(t *testing.T) {
	pool := setupDB(t)
	ctx := context.Background()
	store := inbox.NewWatermarkStore()

	advance := func(target inbox.Watermark) {
		tx, err := pool.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, store.Advance(ctx, tx, target))
		require.NoError(t, tx.Commit(ctx))
	}

	t1 := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	advance(inbox.Watermark{LastSeenAt: t1, LastSeenEventID: 50})

	// A stale advance from a slower worker must not move the cursor back.
	advance(inbox.Watermark{LastSeenAt: t1.Add(-time.Minute), LastSeenEventID: 10})

	tx, err := pool.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	wm, err := store.Get(ctx, tx)
	require.NoError(t, err)
	assert.Equal(t, int64(50), wm.LastSeenEventID)
	assert.True(t, t1.Equal(wm.LastSeenAt))
}
