package payload

import (
	"fmt"
	"strings"
	"time"

	"caseflow/decision"
)

// Generate derives the outbound review payload for the given case and
// decision. It is pure: no I/O, no clock reads, no mutation of the input.
// The returned violations enumerate contract drift for audit; callers log
// them as warnings and deliver the payload anyway.
func Generate(in Input) (Review, []Violation, error) {
	if in.Origin != decision.SubtypeDirect && in.Origin != decision.SubtypeStandard {
		return Review{}, nil, fmt.Errorf("payload: unknown origin %q", in.Origin)
	}
	if in.Part != decision.PartA && in.Part != decision.PartB {
		return Review{}, nil, fmt.Errorf("payload: unknown part %q", in.Part)
	}

	code, err := decisionCode(in.Outcome)
	if err != nil {
		return Review{}, nil, err
	}

	review := Review{
		DecisionTrackingID: in.DecisionTrackingID,
		CaseID:             in.CaseExternalID,
		PartType:           string(in.Part),
		IsDirectPa:         in.Origin == decision.SubtypeDirect,
		DecisionIndicator:  code,
		DecisionDate:       formatDate(in.DecisionDate, in.Part),
		ContactPhone:       digitsOnly(in.ContactPhone),
	}

	switch in.Part {
	case decision.PartA:
		review.BillType = in.BillType
		review.FacilityCCN = in.FacilityCCN
	case decision.PartB:
		review.StateCode = in.StateCode
		review.RenderingProviderNPI = in.RenderingNPI
		review.RenderingProviderPTAN = in.RenderingPTAN
	}

	if in.Origin == decision.SubtypeDirect {
		// Direct submissions always carry the documents array, even when empty.
		docs := make([]Document, len(in.Documents))
		copy(docs, in.Documents)
		review.MedicalDocuments = &docs
	} else {
		review.EsmdTransactionID = in.EsmdTransactionID
	}

	review.Procedures = make([]ProcedureLine, 0, len(in.Procedures))
	for _, proc := range in.Procedures {
		line := ProcedureLine{
			ProcedureCode:     strings.TrimSpace(proc.Code),
			DecisionIndicator: code,
			DiagnosisCodes:    stripSeparators(proc.DiagnosisCodes),
			ServiceStart:      formatDate(proc.ServiceStart, in.Part),
			ServiceEnd:        formatDate(proc.ServiceEnd, in.Part),
			Units:             proc.Units,
		}
		if in.Outcome != OutcomeAffirm {
			line.ReviewCode = proc.ReviewCode
			line.ProgramCode = proc.ProgramCode
		}
		if in.Part == decision.PartB {
			line.PlaceOfService = proc.PlaceOfService
		}
		review.Procedures = append(review.Procedures, line)
	}

	violations := Validate(review, in.Origin, in.Part, in.Outcome)
	return review, violations, nil
}

// decisionCode maps the outcome to the wire decision code. Dismissal and
// non-affirm deliberately share the negative code.
func decisionCode(outcome Outcome) (string, error) {
	switch outcome {
	case OutcomeAffirm:
		return "A", nil
	case OutcomeNonAffirm, OutcomeDismissal:
		return "N", nil
	default:
		return "", fmt.Errorf("payload: unknown outcome %q", outcome)
	}
}

// formatDate renders hyphenated dates for Part A and compact for Part B.
func formatDate(t time.Time, part decision.Part) string {
	if t.IsZero() {
		return ""
	}
	if part == decision.PartB {
		return t.Format("20060102")
	}
	return t.Format("2006-01-02")
}

// stripSeparators removes the punctuation free-text diagnosis codes arrive with.
func stripSeparators(codes []string) []string {
	if len(codes) == 0 {
		return nil
	}
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		cleaned := strings.Map(func(r rune) rune {
			switch r {
			case '.', '-', ' ':
				return -1
			}
			return r
		}, c)
		if cleaned != "" {
			out = append(out, cleaned)
		}
	}
	return out
}

// digitsOnly reduces a free-form phone number to its digits.
func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
