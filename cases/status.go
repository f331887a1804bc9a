package cases

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrCaseNotFound is returned when no case row exists for the identifier.
	ErrCaseNotFound = errors.New("cases: not found")
	// ErrInvalidTransition signals a status change the orchestrator refuses.
	ErrInvalidTransition = errors.New("cases: invalid status transition")
)

// StatusService is the single writer of case status fields. Every transition
// bumps updated_at and optionally releases the assignment lock, so all side
// effects happen uniformly no matter which handler asked for the change.
type StatusService struct {
	pool *pgxpool.Pool
}

func NewStatusService(pool *pgxpool.Pool) *StatusService {
	return &StatusService{pool: pool}
}

type TransitionParams struct {
	CaseID        string
	NextStatus    DetailedStatus
	NextSubstatus *string
	ReleaseLock   bool
}

// Transition applies the status change in its own transaction.
func (s *StatusService) Transition(ctx context.Context, params TransitionParams) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("cases: begin transition tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.TransitionTx(ctx, tx, params); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("cases: commit transition: %w", err)
	}
	return nil
}

// TransitionTx applies the status change inside the caller's transaction so a
// handler can move the case atomically with its own writes.
func (s *StatusService) TransitionTx(ctx context.Context, tx pgx.Tx, params TransitionParams) error {
	if params.CaseID == "" {
		return fmt.Errorf("cases: missing case id")
	}

	var current DetailedStatus
	err := tx.QueryRow(ctx, `SELECT detailed_status FROM cases WHERE id = $1 FOR UPDATE`, params.CaseID).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrCaseNotFound
		}
		return fmt.Errorf("cases: fetch current status: %w", err)
	}

	if !CanTransition(current, params.NextStatus) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, params.NextStatus)
	}

	if params.ReleaseLock {
		_, err = tx.Exec(ctx, `
UPDATE cases
SET detailed_status = $1,
    detailed_substatus = $2,
    assigned_to = NULL,
    updated_at = now()
WHERE id = $3
`, params.NextStatus, params.NextSubstatus, params.CaseID)
	} else {
		_, err = tx.Exec(ctx, `
UPDATE cases
SET detailed_status = $1,
    detailed_substatus = $2,
    updated_at = now()
WHERE id = $3
`, params.NextStatus, params.NextSubstatus, params.CaseID)
	}
	if err != nil {
		return fmt.Errorf("cases: update status: %w", err)
	}

	return nil
}

// FindByCorrelationKey is the pool-backed variant of GetByCorrelationKey for
// callers outside a transaction.
func (s *StatusService) FindByCorrelationKey(ctx context.Context, key string) (Case, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Case{}, fmt.Errorf("cases: begin lookup tx: %w", err)
	}
	defer tx.Rollback(ctx)

	return s.GetByCorrelationKey(ctx, tx, key)
}

// GetByCorrelationKey loads the case tied to an inbound event's tracking id.
func (s *StatusService) GetByCorrelationKey(ctx context.Context, tx pgx.Tx, key string) (Case, error) {
	const query = `
SELECT id, external_id, correlation_key, detailed_status, detailed_substatus, assigned_to, created_at, updated_at
FROM cases
WHERE correlation_key = $1
`
	var c Case
	if err := tx.QueryRow(ctx, query, key).Scan(
		&c.ID, &c.ExternalID, &c.CorrelationKey, &c.DetailedStatus, &c.DetailedSubstatus, &c.AssignedTo, &c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Case{}, ErrCaseNotFound
		}
		return Case{}, fmt.Errorf("cases: get by correlation key: %w", err)
	}
	return c, nil
}
