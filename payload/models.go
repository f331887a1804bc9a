package payload

import (
	"time"

	"caseflow/decision"
)

// MessageType is the outbox discriminator for generated review payloads.
const MessageType = "pa_review_decision"

// Version is stamped into every outbound record so the downstream consumer
// can gate on schema generation.
const Version = 2

// Outcome is the decision outcome axis of the variant selection.
type Outcome string

const (
	OutcomeAffirm    Outcome = "AFFIRM"
	OutcomeNonAffirm Outcome = "NON_AFFIRM"
	OutcomeDismissal Outcome = "DISMISSAL"
)

// DeriveOutcome collapses the decision kind and clinical result into the
// outcome axis. A dismissal wins regardless of the clinical field.
func DeriveOutcome(kind decision.Kind, clinical decision.Clinical) (Outcome, bool) {
	if kind == decision.KindDismissal {
		return OutcomeDismissal, true
	}
	switch clinical {
	case decision.ClinicalAffirm:
		return OutcomeAffirm, true
	case decision.ClinicalNonAffirm:
		return OutcomeNonAffirm, true
	default:
		return "", false
	}
}

// Input is everything the generator needs: case identity, the decision axes,
// and the raw procedure and document lines from the inbound event.
type Input struct {
	DecisionTrackingID string
	CaseExternalID     string
	Origin             decision.Subtype
	Part               decision.Part
	Outcome            Outcome
	DecisionDate       time.Time

	// Part A institutional fields.
	BillType    string
	FacilityCCN string

	// Part B professional fields.
	StateCode     string
	RenderingNPI  string
	RenderingPTAN string

	EsmdTransactionID string
	ContactPhone      string
	Documents         []Document
	Procedures        []Procedure
}

// Document is an attachment reference carried on direct submissions.
type Document struct {
	DocumentID string `json:"documentId" validate:"required"`
	Filename   string `json:"filename"`
	BlobURL    string `json:"blobUrl"`
}

// Procedure is one raw service line prior to formatting.
type Procedure struct {
	Code           string
	DiagnosisCodes []string
	ServiceStart   time.Time
	ServiceEnd     time.Time
	ReviewCode     string
	ProgramCode    string
	PlaceOfService string
	Units          int
}

// Review is the outbound payload shape. One struct covers all 8 variants;
// which optional fields must be present or absent depends on the axes and is
// enforced by Validate.
type Review struct {
	DecisionTrackingID string `json:"decisionTrackingId" validate:"required"`
	CaseID             string `json:"caseId" validate:"required"`
	PartType           string `json:"partType" validate:"required,oneof=A B"`
	IsDirectPa         bool   `json:"isDirectPa"`
	DecisionIndicator  string `json:"decisionIndicator" validate:"required,oneof=A N"`
	DecisionDate       string `json:"decisionDate" validate:"required"`

	BillType              string `json:"billType,omitempty"`
	FacilityCCN           string `json:"facilityCcn,omitempty"`
	StateCode             string `json:"stateCode,omitempty"`
	RenderingProviderNPI  string `json:"renderingProviderNpi,omitempty"`
	RenderingProviderPTAN string `json:"renderingProviderPtan,omitempty"`

	EsmdTransactionID string `json:"esmdTransactionId,omitempty"`
	// Pointer so a direct submission's empty document list still serializes
	// as an array instead of dropping the key.
	MedicalDocuments *[]Document `json:"medicalDocuments,omitempty"`

	ContactPhone string          `json:"contactPhone,omitempty"`
	Procedures   []ProcedureLine `json:"procedures" validate:"required,min=1,dive"`
}

// ProcedureLine is one formatted service line of the outbound payload.
type ProcedureLine struct {
	ProcedureCode     string   `json:"procedureCode" validate:"required"`
	DecisionIndicator string   `json:"decisionIndicator" validate:"required,oneof=A N"`
	DiagnosisCodes    []string `json:"diagnosisCodes,omitempty"`
	ServiceStart      string   `json:"serviceStart,omitempty"`
	ServiceEnd        string   `json:"serviceEnd,omitempty"`
	ReviewCode        string   `json:"reviewCode,omitempty"`
	ProgramCode       string   `json:"programCode,omitempty"`
	PlaceOfService    string   `json:"placeOfService,omitempty"`
	Units             int      `json:"units,omitempty"`
}

// Violation is one contract rule the generated payload failed. Violations are
// reported for audit but never block delivery.
type Violation struct {
	Field string
	Rule  string
}

func (v Violation) String() string {
	return v.Field + ": " + v.Rule
}
