package payload

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"caseflow/decision"
)

var structValidator = validator.New()

// Validate enforces the per-variant required/forbidden field rules on a
// generated payload and returns every violation found. An empty slice means
// the payload conforms to its variant's shape.
func Validate(r Review, origin decision.Subtype, part decision.Part, outcome Outcome) []Violation {
	var violations []Violation

	if err := structValidator.Struct(r); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			for _, fe := range fieldErrs {
				violations = append(violations, Violation{
					Field: fe.Namespace(),
					Rule:  fmt.Sprintf("failed %q constraint", fe.Tag()),
				})
			}
		} else {
			violations = append(violations, Violation{Field: "payload", Rule: err.Error()})
		}
	}

	switch part {
	case decision.PartA:
		if r.BillType == "" {
			violations = append(violations, Violation{Field: "billType", Rule: "required for Part A"})
		}
		if r.FacilityCCN == "" {
			violations = append(violations, Violation{Field: "facilityCcn", Rule: "required for Part A"})
		}
		if r.StateCode != "" {
			violations = append(violations, Violation{Field: "stateCode", Rule: "forbidden for Part A"})
		}
		if r.RenderingProviderNPI != "" {
			violations = append(violations, Violation{Field: "renderingProviderNpi", Rule: "forbidden for Part A"})
		}
	case decision.PartB:
		if r.StateCode == "" {
			violations = append(violations, Violation{Field: "stateCode", Rule: "required for Part B"})
		}
		if r.RenderingProviderNPI == "" {
			violations = append(violations, Violation{Field: "renderingProviderNpi", Rule: "required for Part B"})
		}
		if r.RenderingProviderPTAN == "" {
			violations = append(violations, Violation{Field: "renderingProviderPtan", Rule: "required for Part B"})
		}
		if r.BillType != "" {
			violations = append(violations, Violation{Field: "billType", Rule: "forbidden for Part B"})
		}
		if r.FacilityCCN != "" {
			violations = append(violations, Violation{Field: "facilityCcn", Rule: "forbidden for Part B"})
		}
	}

	switch origin {
	case decision.SubtypeDirect:
		if r.MedicalDocuments == nil {
			violations = append(violations, Violation{Field: "medicalDocuments", Rule: "required for direct submissions"})
		}
		if r.EsmdTransactionID != "" {
			violations = append(violations, Violation{Field: "esmdTransactionId", Rule: "forbidden for direct submissions"})
		}
	case decision.SubtypeStandard:
		if r.EsmdTransactionID == "" {
			violations = append(violations, Violation{Field: "esmdTransactionId", Rule: "required for standard submissions"})
		}
		if r.MedicalDocuments != nil {
			violations = append(violations, Violation{Field: "medicalDocuments", Rule: "forbidden for standard submissions"})
		}
	}

	for i, line := range r.Procedures {
		if outcome == OutcomeNonAffirm {
			if line.ReviewCode == "" {
				violations = append(violations, Violation{
					Field: fmt.Sprintf("procedures[%d].reviewCode", i),
					Rule:  "required for non-affirmed lines",
				})
			}
			if line.ProgramCode == "" {
				violations = append(violations, Violation{
					Field: fmt.Sprintf("procedures[%d].programCode", i),
					Rule:  "required for non-affirmed lines",
				})
			}
		}
		switch part {
		case decision.PartB:
			if line.PlaceOfService == "" {
				violations = append(violations, Violation{
					Field: fmt.Sprintf("procedures[%d].placeOfService", i),
					Rule:  "required for Part B lines",
				})
			}
		case decision.PartA:
			if line.PlaceOfService != "" {
				violations = append(violations, Violation{
					Field: fmt.Sprintf("procedures[%d].placeOfService", i),
					Rule:  "forbidden for Part A lines",
				})
			}
		}
	}

	return violations
}
