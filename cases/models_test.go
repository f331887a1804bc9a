package cases

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from DetailedStatus
		to   DetailedStatus
		want bool
	}{
		{"forward intake to validation", StatusIntakeReceived, StatusValidationPending, true},
		{"forward to tracking", StatusClinicalReview, StatusTrackingPending, true},
		{"tracking number received", StatusTrackingPending, StatusTrackingReceived, true},
		{"letter pipeline", StatusLetterGeneration, StatusLetterSent, true},
		{"terminal", StatusLetterSent, StatusDecisionComplete, true},
		{"same status is a no-op", StatusClinicalReview, StatusClinicalReview, true},
		{"remediation from tracking_pending", StatusTrackingPending, StatusValidationPending, true},
		{"remediation from tracking_received", StatusTrackingReceived, StatusValidationPending, true},
		{"dismissal from intake", StatusIntakeReceived, StatusDismissed, true},
		{"no skipping to terminal", StatusIntakeReceived, StatusDecisionComplete, false},
		{"no leaving a complete case", StatusDecisionComplete, StatusValidationPending, false},
		{"no reviving a dismissed case", StatusDismissed, StatusValidationPending, false},
		{"no backward from letter stage", StatusLetterGeneration, StatusValidationPending, false},
		{"unknown status has no edges", DetailedStatus("archived"), StatusValidationPending, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}
