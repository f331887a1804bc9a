package decision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"caseflow/cases"
	"caseflow/letter"
)

// StatusWriter is satisfied by cases.StatusService; it keeps every case-status
// write on the single orchestrated path.
type StatusWriter interface {
	TransitionTx(ctx context.Context, tx pgx.Tx, params cases.TransitionParams) error
}

// LetterRenderer is satisfied by letter.Client.
type LetterRenderer interface {
	Render(ctx context.Context, req letter.RenderRequest) (letter.Package, error)
}

// TrackingHandler reacts to late-arriving tracking-number acknowledgements
// from the upstream authority and drives the case forward, or loops it back
// into the operator remediation flow on rejection.
type TrackingHandler struct {
	pool     TxBeginner
	repo     VersionRepository
	statuses StatusWriter
	letters  LetterRenderer
	logger   *slog.Logger
}

func NewTrackingHandler(pool TxBeginner, repo VersionRepository, statuses StatusWriter, letters LetterRenderer, logger *slog.Logger) *TrackingHandler {
	if repo == nil {
		repo = NewRepository()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TrackingHandler{
		pool:     pool,
		repo:     repo,
		statuses: statuses,
		letters:  letters,
		logger:   logger,
	}
}

// TrackingSuccess is a normalised success acknowledgement. CaseExternalID is
// the human-facing identifier the letter is addressed under.
type TrackingSuccess struct {
	CaseID         string
	CaseExternalID string
	TrackingNumber string
	ReceivedAt     time.Time
}

// TrackingFailure is a normalised rejection.
type TrackingFailure struct {
	CaseID         string
	FailurePayload []byte
	Reason         string
}

// HandleSuccess records the issued tracking number and, when the decision
// outcome is already known and no letter exists yet, generates the letter and
// walks the case to its terminal status. A success for a case with no
// decision version is dropped and logged.
func (h *TrackingHandler) HandleSuccess(ctx context.Context, ev TrackingSuccess) error {
	tx, err := h.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("decision: begin tracking success tx: %w", err)
	}
	defer tx.Rollback(ctx)

	active, err := h.repo.GetActiveForUpdate(ctx, tx, ev.CaseID)
	if err != nil {
		if errors.Is(err, ErrNoActiveVersion) {
			h.logger.Warn("tracking success for case without decision, dropping",
				"case_id", ev.CaseID, "tracking_number", ev.TrackingNumber)
			return nil
		}
		return err
	}

	status := TrackingStatusSuccess
	received := ev.ReceivedAt
	if received.IsZero() {
		received = time.Now()
	}

	next, err := h.repo.Supersede(ctx, tx, active, func(v *Version) {
		v.TrackingNumber = &ev.TrackingNumber
		v.TrackingStatus = &status
		v.TrackingReceivedAt = &received
		v.RequiresFix = false
		v.TrackingFailure = nil
		v.RemediationNote = nil
		if v.DeliveryStatus != nil && *v.DeliveryStatus == DeliveryStatusSent {
			acked := DeliveryStatusAcknowledged
			v.DeliveryStatus = &acked
		}
	})
	if err != nil {
		return err
	}

	if err := h.statuses.TransitionTx(ctx, tx, cases.TransitionParams{
		CaseID:     ev.CaseID,
		NextStatus: cases.StatusTrackingReceived,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("decision: commit tracking success: %w", err)
	}

	// Letter generation happens after the commit so the decision row lock is
	// never held across the network call.
	if h.letters != nil && outcomeKnown(next) && next.LetterStatus == nil {
		return h.generateAndSendLetter(ctx, next, ev.CaseExternalID)
	}
	return nil
}

// outcomeKnown reports whether the version carries a deliverable outcome. A
// dismissal is an outcome in its own right; its clinical field stays PENDING.
func outcomeKnown(v Version) bool {
	return v.Kind == KindDismissal || v.Clinical != ClinicalPending
}

func (h *TrackingHandler) generateAndSendLetter(ctx context.Context, v Version, caseExternalID string) error {
	outcome := string(v.Clinical)
	if v.Kind == KindDismissal {
		outcome = string(KindDismissal)
	}

	pkg, err := h.letters.Render(ctx, letter.RenderRequest{
		CaseExternalID: caseExternalID,
		DocumentID:     v.DocumentID,
		DecisionKind:   string(v.Kind),
		Outcome:        outcome,
	})
	if err != nil {
		return fmt.Errorf("decision: render letter: %w", err)
	}

	tx, err := h.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("decision: begin letter tx: %w", err)
	}
	defer tx.Rollback(ctx)

	active, err := h.repo.GetActiveForUpdate(ctx, tx, v.CaseID)
	if err != nil {
		return err
	}
	if active.LetterStatus != nil {
		// Another worker finished the letter while we rendered.
		h.logger.Info("letter already recorded, skipping", "case_id", v.CaseID)
		return nil
	}

	letterStatus := LetterStatusSent
	now := time.Now()
	pkgJSON, err := letterPackageJSON(pkg)
	if err != nil {
		return err
	}

	if _, err := h.repo.Supersede(ctx, tx, active, func(next *Version) {
		next.LetterStatus = &letterStatus
		next.LetterGeneratedAt = &pkg.GeneratedAt
		next.LetterSentAt = &now
		next.LetterPackage = pkgJSON
		next.Operational = CompleteOperational(next.Kind)
	}); err != nil {
		return err
	}

	// Walk the case through the letter stages to its terminal status.
	for _, status := range []cases.DetailedStatus{
		cases.StatusLetterGeneration,
		cases.StatusLetterSent,
		cases.StatusDecisionComplete,
	} {
		if err := h.statuses.TransitionTx(ctx, tx, cases.TransitionParams{
			CaseID:     v.CaseID,
			NextStatus: status,
		}); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("decision: commit letter: %w", err)
	}
	return nil
}

// HandleFailure stores the rejection for operator remediation and loops the
// case status back to validation. This is a designed state, not a system
// error: a human corrects the data and resubmits, which re-derives the
// payload with an incremented attempt counter. The rejection is never
// forwarded to the downstream clinical-review consumer.
func (h *TrackingHandler) HandleFailure(ctx context.Context, ev TrackingFailure) error {
	tx, err := h.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("decision: begin tracking failure tx: %w", err)
	}
	defer tx.Rollback(ctx)

	active, err := h.repo.GetActiveForUpdate(ctx, tx, ev.CaseID)
	if err != nil {
		if errors.Is(err, ErrNoActiveVersion) {
			h.logger.Warn("tracking failure for case without decision, dropping", "case_id", ev.CaseID)
			return nil
		}
		return err
	}

	status := TrackingStatusFailed
	note := remediationNote(ev.Reason)

	if _, err := h.repo.Supersede(ctx, tx, active, func(v *Version) {
		v.TrackingStatus = &status
		v.TrackingFailure = ev.FailurePayload
		v.RequiresFix = true
		v.RemediationNote = &note
	}); err != nil {
		return err
	}

	if err := h.statuses.TransitionTx(ctx, tx, cases.TransitionParams{
		CaseID:      ev.CaseID,
		NextStatus:  cases.StatusValidationPending,
		ReleaseLock: true,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("decision: commit tracking failure: %w", err)
	}

	h.logger.Info("case looped back for remediation", "case_id", ev.CaseID, "reason", ev.Reason)
	return nil
}

func letterPackageJSON(pkg letter.Package) ([]byte, error) {
	b, err := json.Marshal(pkg)
	if err != nil {
		return nil, fmt.Errorf("decision: marshal letter package: %w", err)
	}
	return b, nil
}

func remediationNote(reason string) string {
	if reason == "" {
		return "tracking number issuance rejected; correct the submission data and resubmit"
	}
	return fmt.Sprintf("tracking number issuance rejected: %s; correct the submission data and resubmit", reason)
}
