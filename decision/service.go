package decision

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"caseflow/outbox"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// VersionRepository defines the data access required by the service.
type VersionRepository interface {
	GetActiveForUpdate(ctx context.Context, tx pgx.Tx, caseID string) (Version, error)
	GetActive(ctx context.Context, tx pgx.Tx, caseID string) (Version, error)
	FindByCorrelation(ctx context.Context, tx pgx.Tx, caseID, correlationID string, kind Kind) (Version, error)
	Supersede(ctx context.Context, tx pgx.Tx, prev Version, mutate func(*Version)) (Version, error)
	CreateActive(ctx context.Context, tx pgx.Tx, v Version) (Version, error)
}

// OutboxAppender is satisfied by outbox.Writer.
type OutboxAppender interface {
	Append(ctx context.Context, tx pgx.Tx, params outbox.AppendParams) (outbox.Record, error)
	LatestMessageID(ctx context.Context, tx pgx.Tx, decisionTrackingID string) (*string, error)
}

// Service owns every mutation of the decision audit trail. All writes follow
// the supersede-and-relink pattern inside a single locked transaction, so a
// retry either replays cleanly or surfaces the transient error to the caller.
type Service struct {
	pool           TxBeginner
	repo           VersionRepository
	out            OutboxAppender
	maxResendCount int
}

func NewService(pool TxBeginner, repo VersionRepository, out OutboxAppender, maxResendCount int) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	if maxResendCount <= 0 {
		maxResendCount = 3
	}
	return &Service{
		pool:           pool,
		repo:           repo,
		out:            out,
		maxResendCount: maxResendCount,
	}
}

// ApplyDecisionParams normalises an inbound decision event for the service.
type ApplyDecisionParams struct {
	CaseID     string
	Indicator  string
	Subtype    Subtype
	Part       Part
	DocumentID string
}

// ApplyDecision records the clinical outcome carried by an inbound event.
// Applying the same indicator twice yields exactly one version delta: the
// second call observes the matching outcome under the row lock and returns
// the active version unchanged.
func (s *Service) ApplyDecision(ctx context.Context, params ApplyDecisionParams) (Version, error) {
	if params.CaseID == "" {
		return Version{}, fmt.Errorf("decision: missing case id")
	}
	clinical, ok := ClinicalFromIndicator(params.Indicator)
	if !ok {
		return Version{}, fmt.Errorf("decision: unknown decision indicator %q", params.Indicator)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Version{}, fmt.Errorf("decision: begin apply tx: %w", err)
	}
	defer tx.Rollback(ctx)

	active, err := s.repo.GetActiveForUpdate(ctx, tx, params.CaseID)
	switch {
	case err == nil:
		if active.Clinical == clinical {
			// Idempotent retry: outcome already recorded.
			return active, nil
		}
		next, err := s.repo.Supersede(ctx, tx, active, func(v *Version) {
			v.Clinical = clinical
			if params.Subtype != "" {
				v.Subtype = params.Subtype
			}
			if params.Part != "" {
				v.Part = params.Part
			}
			if params.DocumentID != "" {
				v.DocumentID = params.DocumentID
			}
		})
		if err != nil {
			return Version{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return Version{}, fmt.Errorf("decision: commit apply: %w", err)
		}
		return next, nil

	case errors.Is(err, ErrNoActiveVersion):
		// First decision for the case.
		created, err := s.repo.CreateActive(ctx, tx, Version{
			CaseID:      params.CaseID,
			DocumentID:  params.DocumentID,
			Kind:        KindApprove,
			Operational: OperationalPending,
			Clinical:    clinical,
			Subtype:     params.Subtype,
			Part:        params.Part,
		})
		if err != nil {
			return Version{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return Version{}, fmt.Errorf("decision: commit initial version: %w", err)
		}
		return created, nil

	default:
		return Version{}, err
	}
}

// ActiveVersion returns the authoritative decision version for the case.
func (s *Service) ActiveVersion(ctx context.Context, caseID string) (Version, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Version{}, fmt.Errorf("decision: begin read tx: %w", err)
	}
	defer tx.Rollback(ctx)

	return s.repo.GetActive(ctx, tx, caseID)
}

// CreateParams enumerates the fields for an explicit decision creation request.
type CreateParams struct {
	CaseID        string
	Kind          Kind
	CorrelationID string
	DocumentID    string
	Subtype       Subtype
	Part          Part
}

// CreateDecision inserts a new active version for the case. A replayed request
// (same correlation id and kind) returns the version it created the first
// time instead of inserting a duplicate.
func (s *Service) CreateDecision(ctx context.Context, params CreateParams) (Version, error) {
	if params.CaseID == "" {
		return Version{}, fmt.Errorf("decision: missing case id")
	}
	if params.CorrelationID == "" {
		return Version{}, fmt.Errorf("decision: missing correlation id")
	}
	if params.Kind != KindApprove && params.Kind != KindDismissal {
		return Version{}, fmt.Errorf("decision: unknown kind %q", params.Kind)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Version{}, fmt.Errorf("decision: begin create tx: %w", err)
	}
	defer tx.Rollback(ctx)

	existing, err := s.repo.FindByCorrelation(ctx, tx, params.CaseID, params.CorrelationID, params.Kind)
	switch {
	case err == nil:
		return existing, nil
	case errors.Is(err, ErrVersionNotFound):
		// continue with insert
	default:
		return Version{}, err
	}

	operational := OperationalPending
	if params.Kind == KindDismissal {
		operational = OperationalDismissal
	}

	created, err := s.repo.CreateActive(ctx, tx, Version{
		CaseID:        params.CaseID,
		DocumentID:    params.DocumentID,
		Kind:          params.Kind,
		Operational:   operational,
		Clinical:      ClinicalPending,
		Subtype:       params.Subtype,
		Part:          params.Part,
		CorrelationID: params.CorrelationID,
	})
	if err != nil {
		return Version{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Version{}, fmt.Errorf("decision: commit create: %w", err)
	}
	return created, nil
}

// UpdateOperational moves the active version to the next operational value via
// the usual supersede-and-relink pattern.
func (s *Service) UpdateOperational(ctx context.Context, caseID string, next Operational) (Version, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Version{}, fmt.Errorf("decision: begin operational tx: %w", err)
	}
	defer tx.Rollback(ctx)

	active, err := s.repo.GetActiveForUpdate(ctx, tx, caseID)
	if err != nil {
		return Version{}, err
	}
	if active.Operational == next {
		return active, nil
	}

	updated, err := s.repo.Supersede(ctx, tx, active, func(v *Version) {
		v.Operational = next
	})
	if err != nil {
		return Version{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Version{}, fmt.Errorf("decision: commit operational update: %w", err)
	}
	return updated, nil
}

// DeliveryParams carries a derived outbound payload ready for the outbox.
type DeliveryParams struct {
	CaseID             string
	DecisionTrackingID string
	MessageType        string
	Payload            []byte
	PayloadVersion     int
}

// RecordDelivery marks the payload sent on the decision version and appends
// the outbox record in the same transaction (transactional outbox). Resends
// increment the attempt counter, clear any stored failure, and reference the
// prior message; the counter is capped to stop runaway remediation loops.
// Re-sending an identical payload that is already out is a no-op.
func (s *Service) RecordDelivery(ctx context.Context, params DeliveryParams) (Version, error) {
	if s.out == nil {
		return Version{}, fmt.Errorf("decision: outbox writer not configured")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Version{}, fmt.Errorf("decision: begin delivery tx: %w", err)
	}
	defer tx.Rollback(ctx)

	active, err := s.repo.GetActiveForUpdate(ctx, tx, params.CaseID)
	if err != nil {
		return Version{}, err
	}

	hash := outbox.HashPayload(params.Payload)
	if active.DeliveryStatus != nil && *active.DeliveryStatus != DeliveryStatusPending &&
		!active.RequiresFix && outbox.HashPayload(active.LastPayload) == hash {
		// Identical payload already out the door.
		return active, nil
	}

	if active.AttemptCount >= s.maxResendCount {
		return Version{}, fmt.Errorf("%w: case %s attempt %d", ErrMaxResendAttempts, params.CaseID, active.AttemptCount)
	}

	var resendOf *string
	if active.AttemptCount > 0 {
		resendOf, err = s.out.LatestMessageID(ctx, tx, params.DecisionTrackingID)
		if err != nil {
			return Version{}, err
		}
	}

	sent := DeliveryStatusSent
	next, err := s.repo.Supersede(ctx, tx, active, func(v *Version) {
		v.DeliveryStatus = &sent
		v.LastPayload = params.Payload
		v.AttemptCount = active.AttemptCount + 1
		v.RequiresFix = false
		v.TrackingFailure = nil
		v.RemediationNote = nil
	})
	if err != nil {
		return Version{}, err
	}

	if _, err := s.out.Append(ctx, tx, outbox.AppendParams{
		MessageType:        params.MessageType,
		DecisionTrackingID: params.DecisionTrackingID,
		Payload:            params.Payload,
		AttemptCount:       next.AttemptCount,
		PayloadVersion:     params.PayloadVersion,
		CorrelationID:      active.CorrelationID,
		ResendOfMessageID:  resendOf,
	}); err != nil {
		return Version{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Version{}, fmt.Errorf("decision: commit delivery: %w", err)
	}
	return next, nil
}
