package cases

import "time"

// DetailedStatus enumerates the operator-visible case statuses. The list is
// append-only; renaming or removing a value breaks downstream reporting.
type DetailedStatus string

const (
	StatusIntakeReceived    DetailedStatus = "intake_received"
	StatusValidationPending DetailedStatus = "validation_pending"
	StatusValidationFailed  DetailedStatus = "validation_failed"
	StatusClinicalReview    DetailedStatus = "clinical_review"
	StatusTrackingPending   DetailedStatus = "tracking_pending"
	StatusTrackingReceived  DetailedStatus = "tracking_received"
	StatusLetterGeneration  DetailedStatus = "letter_generation"
	StatusLetterSent        DetailedStatus = "letter_sent"
	StatusDecisionComplete  DetailedStatus = "decision_complete"
	StatusDismissed         DetailedStatus = "dismissed"
)

// Case mirrors the cases table columns touched by this engine. Rows are never
// deleted here; status fields are written only through StatusService.
type Case struct {
	ID                string
	ExternalID        string
	CorrelationKey    string
	DetailedStatus    DetailedStatus
	DetailedSubstatus *string
	AssignedTo        *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// allowedTransitions captures the forward path plus the designed backward
// remediation edges from the tracking stages to validation.
var allowedTransitions = map[DetailedStatus][]DetailedStatus{
	StatusIntakeReceived:    {StatusValidationPending, StatusDismissed},
	StatusValidationPending: {StatusValidationFailed, StatusClinicalReview, StatusTrackingPending, StatusDismissed},
	StatusValidationFailed:  {StatusValidationPending, StatusDismissed},
	StatusClinicalReview:    {StatusTrackingPending, StatusDismissed},
	StatusTrackingPending:   {StatusTrackingReceived, StatusValidationPending},
	StatusTrackingReceived:  {StatusLetterGeneration, StatusValidationPending, StatusDecisionComplete, StatusDismissed},
	StatusLetterGeneration:  {StatusLetterSent},
	StatusLetterSent:        {StatusDecisionComplete},
}

// CanTransition reports whether the orchestrator accepts from -> to.
func CanTransition(from, to DetailedStatus) bool {
	if from == to {
		return true
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
