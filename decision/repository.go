package decision

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var (
	// ErrNoActiveVersion is returned when a case has no active decision row.
	ErrNoActiveVersion = errors.New("decision: no active version")
	// ErrVersionNotFound is returned when a lookup by id misses.
	ErrVersionNotFound = errors.New("decision: version not found")
	// ErrMaxResendAttempts signals the resend counter hit its cap.
	ErrMaxResendAttempts = errors.New("decision: max resend attempts reached")
)

const versionColumns = `
id, case_id, document_id, kind, operational_decision, clinical_decision, subtype, part,
tracking_number, tracking_status, tracking_received_at, tracking_failure, requires_fix, remediation_note,
letter_owner, letter_status, letter_generated_at, letter_sent_at, letter_package,
delivery_status, last_payload, attempt_count,
correlation_id, is_active, supersedes, superseded_by, created_at`

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

func scanVersion(row pgx.Row) (Version, error) {
	var v Version
	err := row.Scan(
		&v.ID, &v.CaseID, &v.DocumentID, &v.Kind, &v.Operational, &v.Clinical, &v.Subtype, &v.Part,
		&v.TrackingNumber, &v.TrackingStatus, &v.TrackingReceivedAt, &v.TrackingFailure, &v.RequiresFix, &v.RemediationNote,
		&v.LetterOwner, &v.LetterStatus, &v.LetterGeneratedAt, &v.LetterSentAt, &v.LetterPackage,
		&v.DeliveryStatus, &v.LastPayload, &v.AttemptCount,
		&v.CorrelationID, &v.IsActive, &v.Supersedes, &v.SupersededBy, &v.CreatedAt,
	)
	return v, err
}

// GetActiveForUpdate locks and returns the case's single active version. The
// row lock serialises concurrent mutators on the same case.
func (r *Repository) GetActiveForUpdate(ctx context.Context, tx pgx.Tx, caseID string) (Version, error) {
	query := `SELECT ` + versionColumns + `
FROM decision_versions
WHERE case_id = $1 AND is_active
FOR UPDATE`

	v, err := scanVersion(tx.QueryRow(ctx, query, caseID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Version{}, ErrNoActiveVersion
		}
		return Version{}, fmt.Errorf("decision: get active version: %w", err)
	}
	return v, nil
}

// GetActive returns the case's active version without taking a lock, for
// read-only callers.
func (r *Repository) GetActive(ctx context.Context, tx pgx.Tx, caseID string) (Version, error) {
	query := `SELECT ` + versionColumns + `
FROM decision_versions
WHERE case_id = $1 AND is_active`

	v, err := scanVersion(tx.QueryRow(ctx, query, caseID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Version{}, ErrNoActiveVersion
		}
		return Version{}, fmt.Errorf("decision: get active version: %w", err)
	}
	return v, nil
}

// FindByCorrelation returns an existing version for the request correlation
// key, used to make createDecision an idempotent replay.
func (r *Repository) FindByCorrelation(ctx context.Context, tx pgx.Tx, caseID, correlationID string, kind Kind) (Version, error) {
	query := `SELECT ` + versionColumns + `
FROM decision_versions
WHERE case_id = $1 AND correlation_id = $2 AND kind = $3
ORDER BY created_at DESC
LIMIT 1`

	v, err := scanVersion(tx.QueryRow(ctx, query, caseID, correlationID, kind))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Version{}, ErrVersionNotFound
		}
		return Version{}, fmt.Errorf("decision: find by correlation: %w", err)
	}
	return v, nil
}

// Insert writes a brand-new version row. The caller decides activity and chain
// linkage; most callers should prefer Supersede or CreateActive.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, v Version) (Version, error) {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}

	query := `INSERT INTO decision_versions (
id, case_id, document_id, kind, operational_decision, clinical_decision, subtype, part,
tracking_number, tracking_status, tracking_received_at, tracking_failure, requires_fix, remediation_note,
letter_owner, letter_status, letter_generated_at, letter_sent_at, letter_package,
delivery_status, last_payload, attempt_count,
correlation_id, is_active, supersedes)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25)
RETURNING ` + versionColumns

	inserted, err := scanVersion(tx.QueryRow(ctx, query,
		v.ID, v.CaseID, v.DocumentID, v.Kind, v.Operational, v.Clinical, v.Subtype, v.Part,
		v.TrackingNumber, v.TrackingStatus, v.TrackingReceivedAt, v.TrackingFailure, v.RequiresFix, v.RemediationNote,
		v.LetterOwner, v.LetterStatus, v.LetterGeneratedAt, v.LetterSentAt, v.LetterPackage,
		v.DeliveryStatus, v.LastPayload, v.AttemptCount,
		v.CorrelationID, v.IsActive, v.Supersedes,
	))
	if err != nil {
		return Version{}, fmt.Errorf("decision: insert version: %w", err)
	}
	return inserted, nil
}

// Supersede creates the next version of prev inside the caller's transaction:
// all fields are copied forward, mutate adjusts the copy, the old row is
// flipped inactive, and the chain is linked in both directions. The caller
// must hold the row lock on prev (GetActiveForUpdate).
func (r *Repository) Supersede(ctx context.Context, tx pgx.Tx, prev Version, mutate func(*Version)) (Version, error) {
	next := prev
	next.ID = uuid.NewString()
	next.Supersedes = &prev.ID
	next.SupersededBy = nil
	next.IsActive = true
	if mutate != nil {
		mutate(&next)
	}

	inserted, err := r.Insert(ctx, tx, next)
	if err != nil {
		return Version{}, err
	}

	tag, err := tx.Exec(ctx, `
UPDATE decision_versions
SET is_active = false,
    superseded_by = $1
WHERE id = $2 AND is_active
`, inserted.ID, prev.ID)
	if err != nil {
		return Version{}, fmt.Errorf("decision: deactivate superseded version: %w", err)
	}
	if tag.RowsAffected() != 1 {
		// The locked row was already flipped: a concurrent writer beat us,
		// which the FOR UPDATE lock is supposed to prevent.
		return Version{}, fmt.Errorf("decision: superseded version %s no longer active", prev.ID)
	}

	return inserted, nil
}

// CreateActive deactivates every currently-active version for the case under
// row locks, inserts the new active version, and links it to the most recent
// prior active row when one exists.
func (r *Repository) CreateActive(ctx context.Context, tx pgx.Tx, v Version) (Version, error) {
	rows, err := tx.Query(ctx, `
SELECT id FROM decision_versions
WHERE case_id = $1 AND is_active
ORDER BY created_at DESC
FOR UPDATE
`, v.CaseID)
	if err != nil {
		return Version{}, fmt.Errorf("decision: lock active versions: %w", err)
	}

	var activeIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return Version{}, fmt.Errorf("decision: scan active version id: %w", err)
		}
		activeIDs = append(activeIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Version{}, fmt.Errorf("decision: iterate active versions: %w", err)
	}

	if len(activeIDs) > 0 {
		v.Supersedes = &activeIDs[0]
	}
	v.IsActive = true

	inserted, err := r.Insert(ctx, tx, v)
	if err != nil {
		return Version{}, err
	}

	for _, id := range activeIDs {
		if _, err := tx.Exec(ctx, `
UPDATE decision_versions
SET is_active = false,
    superseded_by = $1
WHERE id = $2
`, inserted.ID, id); err != nil {
			return Version{}, fmt.Errorf("decision: deactivate prior version %s: %w", id, err)
		}
	}

	return inserted, nil
}

// CountActive exists for invariant checks: at most one row per case may be active.
func (r *Repository) CountActive(ctx context.Context, tx pgx.Tx, caseID string) (int, error) {
	var n int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM decision_versions WHERE case_id = $1 AND is_active`, caseID).Scan(&n); err != nil {
		return 0, fmt.Errorf("decision: count active: %w", err)
	}
	return n, nil
}
