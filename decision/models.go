package decision

import "time"

// Kind is the top-level decision category for a case.
type Kind string

const (
	KindApprove   Kind = "APPROVE"
	KindDismissal Kind = "DISMISSAL"
)

// Operational tracks where the decision sits in its delivery lifecycle.
type Operational string

const (
	OperationalPending           Operational = "PENDING"
	OperationalDismissal         Operational = "DISMISSAL"
	OperationalDismissalComplete Operational = "DISMISSAL_COMPLETE"
	OperationalDecisionComplete  Operational = "DECISION_COMPLETE"
)

// Clinical is the reviewed medical outcome.
type Clinical string

const (
	ClinicalPending   Clinical = "PENDING"
	ClinicalAffirm    Clinical = "AFFIRM"
	ClinicalNonAffirm Clinical = "NON_AFFIRM"
)

// Subtype distinguishes direct submissions from standard ones.
type Subtype string

const (
	SubtypeDirect   Subtype = "DIRECT"
	SubtypeStandard Subtype = "STANDARD"
)

// Part is the coverage part selector.
type Part string

const (
	PartA Part = "A"
	PartB Part = "B"
)

// Tracking-number statuses issued by the upstream authority.
const (
	TrackingStatusPending = "PENDING"
	TrackingStatusSuccess = "SUCCESS"
	TrackingStatusFailed  = "FAILED"
)

// LetterStatusSent records that the determination letter was rendered and
// dispatched; generation and dispatch happen in one step.
const LetterStatusSent = "SENT"

// Outbound delivery statuses for the derived payload.
const (
	DeliveryStatusPending      = "PENDING"
	DeliveryStatusSent         = "SENT"
	DeliveryStatusAcknowledged = "ACKNOWLEDGED"
)

// Version is one immutable row in the audit trail of a case's decision. The
// newest row with IsActive set is authoritative; every change supersedes the
// prior row rather than mutating it in place.
type Version struct {
	ID          string
	CaseID      string
	DocumentID  string
	Kind        Kind
	Operational Operational
	Clinical    Clinical
	Subtype     Subtype
	Part        Part

	TrackingNumber     *string
	TrackingStatus     *string
	TrackingReceivedAt *time.Time
	TrackingFailure    []byte
	RequiresFix        bool
	RemediationNote    *string

	LetterOwner       *string
	LetterStatus      *string
	LetterGeneratedAt *time.Time
	LetterSentAt      *time.Time
	LetterPackage     []byte

	DeliveryStatus *string
	LastPayload    []byte
	AttemptCount   int

	CorrelationID string
	IsActive      bool
	Supersedes    *string
	SupersededBy  *string
	CreatedAt     time.Time
}

// CompleteOperational maps the decision kind to its terminal operational value.
func CompleteOperational(kind Kind) Operational {
	if kind == KindDismissal {
		return OperationalDismissalComplete
	}
	return OperationalDecisionComplete
}

// ClinicalFromIndicator maps the inbound wire indicator to the clinical outcome.
func ClinicalFromIndicator(indicator string) (Clinical, bool) {
	switch indicator {
	case "A":
		return ClinicalAffirm, true
	case "N":
		return ClinicalNonAffirm, true
	default:
		return "", false
	}
}
