package inbox

import "time"

// Event is one externally-appended inbound record. The engine never mutates
// it except to stamp the two independent completion flags.
type Event struct {
	ID                 int64
	MessageID          string
	CreatedAt          time.Time
	DecisionTrackingID string
	DecisionIndicator  string
	Payload            *EventPayload
	DecisionAppliedAt  *time.Time
	PayloadDeliveredAt *time.Time
}

// EventPayload is the optional generated-payload section of an inbound event.
type EventPayload struct {
	PartType          string           `json:"part_type"`
	EsmdTransactionID string           `json:"esmd_transaction_id,omitempty"`
	DecisionDate      time.Time        `json:"decision_date,omitempty"`
	BillType          string           `json:"bill_type,omitempty"`
	FacilityCCN       string           `json:"facility_ccn,omitempty"`
	StateCode         string           `json:"state_code,omitempty"`
	RenderingNPI      string           `json:"rendering_npi,omitempty"`
	RenderingPTAN     string           `json:"rendering_ptan,omitempty"`
	ContactPhone      string           `json:"contact_phone,omitempty"`
	Procedures        []EventProcedure `json:"procedures"`
	Documentation     []EventDocument  `json:"documentation,omitempty"`
}

// EventProcedure is one raw service line on the inbound wire.
type EventProcedure struct {
	Code           string    `json:"code"`
	DiagnosisCodes []string  `json:"diagnosis_codes,omitempty"`
	ServiceStart   time.Time `json:"service_start,omitempty"`
	ServiceEnd     time.Time `json:"service_end,omitempty"`
	ReviewCode     string    `json:"review_code,omitempty"`
	ProgramCode    string    `json:"program_code,omitempty"`
	PlaceOfService string    `json:"place_of_service,omitempty"`
	Units          int       `json:"units,omitempty"`
}

// EventDocument references an attached medical document.
type EventDocument struct {
	DocumentID string `json:"document_id"`
	Filename   string `json:"filename,omitempty"`
	BlobURL    string `json:"blob_url,omitempty"`
}
