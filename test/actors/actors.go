package actors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"caseflow/cases"
	"caseflow/decision"
	"caseflow/inbox"
	"caseflow/outbox"
)

// quietLogger keeps the expected retry noise out of the stress output.
func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// EventProducer appends inbound decision events for the seeded cases, mixing
// decision-only events with ones that carry a generator payload.
func EventProducer(ctx context.Context, pool *pgxpool.Pool, correlationKeys []string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		key := correlationKeys[rand.Intn(len(correlationKeys))]
		indicator := "A"
		if rand.Intn(2) == 0 {
			indicator = "N"
		}

		var payload []byte
		if rand.Intn(2) == 0 {
			payload = []byte(`{
  "part_type": "A",
  "bill_type": "013",
  "facility_ccn": "450358",
  "procedures": [{"code": "64483", "units": 1, "review_code": "RC01", "program_code": "PG02"}]
}`)
		}

		_, _ = pool.Exec(ctx, `
INSERT INTO inbound_events (message_id, decision_tracking_id, decision_indicator, payload)
VALUES ($1, $2, $3, $4)`, uuid.NewString(), key, indicator, payload)

		time.Sleep(time.Duration(15+rand.Intn(35)) * time.Millisecond)
	}
}

// PollerWorker drains the inbound stream with the real poll loop. Several of
// these run at once; the SKIP LOCKED claim is the only thing keeping them off
// each other's events.
func PollerWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	statuses := cases.NewStatusService(pool)
	svc := decision.NewService(pool, decision.NewRepository(), outbox.NewWriter(), 3)
	p := inbox.NewPoller(pool, inbox.NewEventStore(), inbox.NewWatermarkStore(),
		svc, statuses, statuses, inbox.NewPoolPressureGauge(pool, 0.8), quietLogger(),
		inbox.Options{BatchSize: 10, InterEventDelay: time.Millisecond})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		// Session failures are expected under chaos; the next cycle retries.
		if err := p.RunOnce(ctx); err != nil && errors.Is(err, context.Canceled) {
			return err
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// TrackingResponder plays the upstream authority: it picks cases whose payload
// is out the door and acknowledges them, rejecting a share to exercise the
// remediation loop.
func TrackingResponder(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	handler := decision.NewTrackingHandler(pool, decision.NewRepository(),
		cases.NewStatusService(pool), nil, quietLogger())

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		var caseID, externalID string
		err := pool.QueryRow(ctx, `
SELECT v.case_id, c.external_id FROM decision_versions v
JOIN cases c ON c.id = v.case_id
WHERE v.is_active AND v.delivery_status = 'SENT' AND c.detailed_status = 'tracking_pending'
ORDER BY random() LIMIT 1`).Scan(&caseID, &externalID)
		if err == nil {
			if rand.Intn(3) == 0 {
				_ = handler.HandleFailure(ctx, decision.TrackingFailure{
					CaseID:         caseID,
					FailurePayload: []byte(`{"errors":[{"code":"DATA_MISMATCH"}]}`),
					Reason:         "submission data mismatch",
				})
			} else {
				_ = handler.HandleSuccess(ctx, decision.TrackingSuccess{
					CaseID:         caseID,
					CaseExternalID: externalID,
					TrackingNumber: fmt.Sprintf("TRK-%d", rand.Int63()),
					ReceivedAt:     time.Now(),
				})
			}
		}
		time.Sleep(time.Duration(40+rand.Intn(60)) * time.Millisecond)
	}
}

// Operator fixes remediation-flagged decisions: resubmit a corrected payload
// and push the case back onto the tracking path.
func Operator(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	statuses := cases.NewStatusService(pool)
	svc := decision.NewService(pool, decision.NewRepository(), outbox.NewWriter(), 3)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		var caseID, key string
		err := pool.QueryRow(ctx, `
SELECT v.case_id, c.correlation_key FROM decision_versions v
JOIN cases c ON c.id = v.case_id
WHERE v.is_active AND v.requires_fix
ORDER BY random() LIMIT 1`).Scan(&caseID, &key)
		if err == nil {
			fixed := []byte(fmt.Sprintf(`{"decisionIndicator":"N","correctedAt":%d}`, time.Now().UnixNano()))
			_, err := svc.RecordDelivery(ctx, decision.DeliveryParams{
				CaseID:             caseID,
				DecisionTrackingID: key,
				MessageType:        "pa_review_decision",
				Payload:            fixed,
				PayloadVersion:     2,
			})
			if err == nil {
				_ = statuses.Transition(ctx, cases.TransitionParams{
					CaseID:     caseID,
					NextStatus: cases.StatusTrackingPending,
				})
			}
		}
		time.Sleep(time.Duration(80+rand.Intn(80)) * time.Millisecond)
	}
}
