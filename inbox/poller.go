package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"caseflow/cases"
	"caseflow/decision"
	"caseflow/payload"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// EventClaimer is satisfied by EventStore.
type EventClaimer interface {
	ClaimBatch(ctx context.Context, tx pgx.Tx, after Watermark, limit int) ([]Event, error)
	MarkDecisionApplied(ctx context.Context, tx pgx.Tx, eventID int64) error
	MarkPayloadDelivered(ctx context.Context, tx pgx.Tx, eventID int64) error
}

// WatermarkAccess is satisfied by WatermarkStore.
type WatermarkAccess interface {
	Get(ctx context.Context, tx pgx.Tx) (Watermark, error)
	Advance(ctx context.Context, tx pgx.Tx, target Watermark) error
}

// DecisionApplier is satisfied by decision.Service.
type DecisionApplier interface {
	ApplyDecision(ctx context.Context, params decision.ApplyDecisionParams) (decision.Version, error)
	ActiveVersion(ctx context.Context, caseID string) (decision.Version, error)
	RecordDelivery(ctx context.Context, params decision.DeliveryParams) (decision.Version, error)
}

// CaseDirectory resolves inbound correlation keys to cases.
type CaseDirectory interface {
	GetByCorrelationKey(ctx context.Context, tx pgx.Tx, key string) (cases.Case, error)
}

// StatusWriter moves the case after a successful outbound write.
type StatusWriter interface {
	Transition(ctx context.Context, params cases.TransitionParams) error
}

// Options tune one poller instance.
type Options struct {
	Interval        time.Duration
	BatchSize       int
	InterEventDelay time.Duration
}

// Poller drains the inbound event stream. It is safe to run on N worker
// processes simultaneously: the SKIP LOCKED claim keeps workers off each
// other's events, and the guarded watermark advance never regresses.
type Poller struct {
	pool      TxBeginner
	events    EventClaimer
	marks     WatermarkAccess
	decisions DecisionApplier
	caseDir   CaseDirectory
	statuses  StatusWriter
	gauge     PressureGauge
	logger    *slog.Logger
	tracer    trace.Tracer
	opts      Options
}

func NewPoller(pool TxBeginner, events EventClaimer, marks WatermarkAccess, decisions DecisionApplier,
	caseDir CaseDirectory, statuses StatusWriter, gauge PressureGauge, logger *slog.Logger, opts Options) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Interval <= 0 {
		opts.Interval = 15 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 25
	}
	return &Poller{
		pool:      pool,
		events:    events,
		marks:     marks,
		decisions: decisions,
		caseDir:   caseDir,
		statuses:  statuses,
		gauge:     gauge,
		logger:    logger,
		tracer:    otel.Tracer("caseflow/inbox"),
		opts:      opts,
	}
}

// Run polls on a fixed interval until the context is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if err := p.RunOnce(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			p.logger.Error("poll cycle failed", "error", err)
		}
	}
}

// RunOnce executes a single poll cycle: claim a batch past the watermark,
// process it sequentially, and advance the watermark to the longest
// consecutively-successful prefix. A failed event is left for the next cycle;
// a session-level failure aborts the remainder of the batch.
func (p *Poller) RunOnce(ctx context.Context) error {
	batch := p.opts.BatchSize
	if p.gauge != nil && p.gauge.Saturated(ctx) {
		p.logger.Warn("resource pressure detected, shrinking batch to 1")
		batch = 1
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("inbox: begin poll tx: %w", err)
	}
	// Rollback on the way out is a no-op after commit; close errors on an
	// already-broken session are swallowed.
	defer tx.Rollback(ctx)

	wm, err := p.marks.Get(ctx, tx)
	if err != nil {
		return err
	}

	events, err := p.events.ClaimBatch(ctx, tx, wm, batch)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return tx.Commit(ctx)
	}

	var (
		advanceTo Watermark
		advanced  bool
		failed    bool
	)
	for i, ev := range events {
		if i > 0 && p.opts.InterEventDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.opts.InterEventDelay):
			}
		}

		evCtx, span := p.tracer.Start(ctx, "ProcessInboundEvent", trace.WithAttributes(
			attribute.Int64("event.id", ev.ID),
			attribute.String("event.message_id", ev.MessageID),
			attribute.String("event.decision_tracking_id", ev.DecisionTrackingID),
			attribute.Bool("event.has_payload", ev.Payload != nil),
		))

		err := p.processEvent(evCtx, tx, ev)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.End()

			if isSessionErr(err) {
				// The session is unusable; drop the rest of the batch and let
				// the deferred rollback close it out.
				return fmt.Errorf("inbox: session failure on event %d, aborting batch: %w", ev.ID, err)
			}

			p.logger.Error("event processing failed, leaving for retry",
				"event_id", ev.ID, "message_id", ev.MessageID, "error", err)
			failed = true
			continue
		}
		span.End()

		if !failed {
			advanceTo = Watermark{LastSeenAt: ev.CreatedAt, LastSeenEventID: ev.ID}
			advanced = true
		}
	}

	if advanced {
		if err := p.marks.Advance(ctx, tx, advanceTo); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("inbox: commit poll cycle: %w", err)
	}
	return nil
}

// processEvent runs both per-event paths: decision application, then payload
// derivation and outbound write. Each path checks its own completion flag so
// replays are no-ops.
func (p *Poller) processEvent(ctx context.Context, tx pgx.Tx, ev Event) error {
	if ev.DecisionIndicator == "" && ev.DecisionAppliedAt == nil {
		// Malformed: no indicator. Rejected, not retried; the unstamped row
		// stays behind for manual inspection while the cursor moves on.
		p.logger.Warn("inbound event missing decision indicator, leaving for manual inspection",
			"event_id", ev.ID, "message_id", ev.MessageID)
		return nil
	}

	c, err := p.caseDir.GetByCorrelationKey(ctx, tx, ev.DecisionTrackingID)
	if err != nil {
		return err
	}

	if ev.DecisionAppliedAt == nil {
		params := decision.ApplyDecisionParams{
			CaseID:    c.ID,
			Indicator: ev.DecisionIndicator,
		}
		if pl := ev.Payload; pl != nil {
			params.Part = decision.Part(pl.PartType)
			params.Subtype = originOf(pl)
		}
		if _, err := p.decisions.ApplyDecision(ctx, params); err != nil {
			return err
		}
		if err := p.events.MarkDecisionApplied(ctx, tx, ev.ID); err != nil {
			return err
		}
	}

	if ev.Payload != nil && ev.PayloadDeliveredAt == nil {
		if err := p.deliverPayload(ctx, tx, ev, c); err != nil {
			return err
		}
	}

	return nil
}

func (p *Poller) deliverPayload(ctx context.Context, tx pgx.Tx, ev Event, c cases.Case) error {
	ver, err := p.decisions.ActiveVersion(ctx, c.ID)
	if err != nil {
		return err
	}

	in, err := generatorInput(ev, c, ver)
	if err != nil {
		return err
	}

	review, violations, err := payload.Generate(in)
	if err != nil {
		return err
	}
	for _, v := range violations {
		// Contract drift is audited but never blocks delivery.
		p.logger.Warn("payload validation violation", "event_id", ev.ID, "violation", v.String())
	}

	raw, err := json.Marshal(review)
	if err != nil {
		return fmt.Errorf("inbox: marshal review payload: %w", err)
	}

	_, err = p.decisions.RecordDelivery(ctx, decision.DeliveryParams{
		CaseID:             c.ID,
		DecisionTrackingID: ev.DecisionTrackingID,
		MessageType:        payload.MessageType,
		Payload:            raw,
		PayloadVersion:     payload.Version,
	})
	if err != nil {
		if errors.Is(err, decision.ErrMaxResendAttempts) {
			// Terminal for the automated path; the operator remediation flow
			// owns it from here. Stamp the flag so the event stops cycling.
			p.logger.Error("resend cap reached, parking event", "event_id", ev.ID, "case_id", c.ID)
			return p.events.MarkPayloadDelivered(ctx, tx, ev.ID)
		}
		return err
	}

	if err := p.events.MarkPayloadDelivered(ctx, tx, ev.ID); err != nil {
		return err
	}

	if p.statuses != nil {
		err := p.statuses.Transition(ctx, cases.TransitionParams{
			CaseID:     c.ID,
			NextStatus: cases.StatusTrackingPending,
		})
		if err != nil && !errors.Is(err, cases.ErrInvalidTransition) {
			return err
		}
	}
	return nil
}

// generatorInput maps an inbound event and the active decision onto the
// generator's axes. A missing esMD transaction id marks a direct submission.
func generatorInput(ev Event, c cases.Case, ver decision.Version) (payload.Input, error) {
	pl := ev.Payload

	outcome, ok := payload.DeriveOutcome(ver.Kind, ver.Clinical)
	if !ok {
		return payload.Input{}, fmt.Errorf("inbox: decision for case %s has no deliverable outcome", c.ID)
	}

	part := decision.Part(pl.PartType)
	decisionDate := pl.DecisionDate
	if decisionDate.IsZero() {
		decisionDate = ver.CreatedAt
	}

	in := payload.Input{
		DecisionTrackingID: ev.DecisionTrackingID,
		CaseExternalID:     c.ExternalID,
		Origin:             originOf(pl),
		Part:               part,
		Outcome:            outcome,
		DecisionDate:       decisionDate,
		BillType:           pl.BillType,
		FacilityCCN:        pl.FacilityCCN,
		StateCode:          pl.StateCode,
		RenderingNPI:       pl.RenderingNPI,
		RenderingPTAN:      pl.RenderingPTAN,
		EsmdTransactionID:  pl.EsmdTransactionID,
		ContactPhone:       pl.ContactPhone,
	}
	for _, doc := range pl.Documentation {
		in.Documents = append(in.Documents, payload.Document{
			DocumentID: doc.DocumentID,
			Filename:   doc.Filename,
			BlobURL:    doc.BlobURL,
		})
	}
	for _, proc := range pl.Procedures {
		in.Procedures = append(in.Procedures, payload.Procedure{
			Code:           proc.Code,
			DiagnosisCodes: proc.DiagnosisCodes,
			ServiceStart:   proc.ServiceStart,
			ServiceEnd:     proc.ServiceEnd,
			ReviewCode:     proc.ReviewCode,
			ProgramCode:    proc.ProgramCode,
			PlaceOfService: proc.PlaceOfService,
			Units:          proc.Units,
		})
	}
	return in, nil
}

func originOf(pl *EventPayload) decision.Subtype {
	if pl != nil && pl.EsmdTransactionID != "" {
		return decision.SubtypeStandard
	}
	return decision.SubtypeDirect
}

// isSessionErr classifies failures that poison the poll transaction: network
// trouble, cancellation, timeouts, and server-reported SQL errors (after
// which Postgres rejects every statement until rollback).
func isSessionErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return true
	}
	return pgconn.Timeout(err)
}
