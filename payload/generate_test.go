package payload

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caseflow/decision"
)

func sampleInput(origin decision.Subtype, part decision.Part, outcome Outcome) Input {
	decided := time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)
	return Input{
		DecisionTrackingID: "7f6b2a14-9c31-4e1d-b7a2-0d9e8f1c2b3a",
		CaseExternalID:     "PA-2026-000123",
		Origin:             origin,
		Part:               part,
		Outcome:            outcome,
		DecisionDate:       decided,
		BillType:           "013",
		FacilityCCN:        "450358",
		StateCode:          "TX",
		RenderingNPI:       "1234567893",
		RenderingPTAN:      "TX12345",
		EsmdTransactionID:  "esmd-tx-99",
		ContactPhone:       "(512) 555-0133",
		Documents: []Document{
			{DocumentID: "doc-1", Filename: "notes.pdf", BlobURL: "https://blobs/doc-1"},
		},
		Procedures: []Procedure{
			{
				Code:           "64483",
				DiagnosisCodes: []string{"M54.16", "G89-29"},
				ServiceStart:   decided.AddDate(0, 0, 7),
				ServiceEnd:     decided.AddDate(0, 0, 7),
				ReviewCode:     "RC01",
				ProgramCode:    "PG02",
				PlaceOfService: "11",
				Units:          2,
			},
		},
	}
}

func TestGenerate_AllVariantsConform(t *testing.T) {
	origins := []decision.Subtype{decision.SubtypeDirect, decision.SubtypeStandard}
	parts := []decision.Part{decision.PartA, decision.PartB}
	outcomes := []Outcome{OutcomeAffirm, OutcomeNonAffirm, OutcomeDismissal}

	for _, origin := range origins {
		for _, part := range parts {
			for _, outcome := range outcomes {
				name := fmt.Sprintf("%s_%s_%s", origin, part, outcome)
				t.Run(name, func(t *testing.T) {
					review, violations, err := Generate(sampleInput(origin, part, outcome))
					require.NoError(t, err)
					assert.Empty(t, violations, "a fully-populated input must produce a conforming payload")

					assert.Equal(t, string(part), review.PartType)
					assert.Equal(t, origin == decision.SubtypeDirect, review.IsDirectPa)

					wantCode := "A"
					if outcome != OutcomeAffirm {
						wantCode = "N"
					}
					assert.Equal(t, wantCode, review.DecisionIndicator)
					for _, line := range review.Procedures {
						assert.Equal(t, wantCode, line.DecisionIndicator,
							"line indicators always match the payload indicator")
					}

					if part == decision.PartA {
						assert.NotEmpty(t, review.BillType)
						assert.NotEmpty(t, review.FacilityCCN)
						assert.Empty(t, review.StateCode)
						assert.Empty(t, review.RenderingProviderNPI)
					} else {
						assert.NotEmpty(t, review.StateCode)
						assert.NotEmpty(t, review.RenderingProviderNPI)
						assert.NotEmpty(t, review.RenderingProviderPTAN)
						assert.Empty(t, review.BillType)
					}

					if origin == decision.SubtypeDirect {
						assert.NotNil(t, review.MedicalDocuments)
						assert.Empty(t, review.EsmdTransactionID)
					} else {
						assert.Nil(t, review.MedicalDocuments)
						assert.NotEmpty(t, review.EsmdTransactionID)
					}
				})
			}
		}
	}
}

func TestGenerate_DirectPartBNonAffirm(t *testing.T) {
	in := sampleInput(decision.SubtypeDirect, decision.PartB, OutcomeNonAffirm)
	in.EsmdTransactionID = ""

	review, violations, err := Generate(in)
	require.NoError(t, err)
	assert.Empty(t, violations)

	assert.True(t, review.IsDirectPa)
	assert.Equal(t, "B", review.PartType)
	assert.Equal(t, "N", review.DecisionIndicator)
	assert.Empty(t, review.EsmdTransactionID)
	require.NotNil(t, review.MedicalDocuments)
	require.Len(t, review.Procedures, 1)
	assert.Equal(t, "N", review.Procedures[0].DecisionIndicator)
	assert.Equal(t, "RC01", review.Procedures[0].ReviewCode)
	assert.Equal(t, "11", review.Procedures[0].PlaceOfService)
}

func TestGenerate_DirectWithNoDocumentsKeepsEmptyArray(t *testing.T) {
	in := sampleInput(decision.SubtypeDirect, decision.PartA, OutcomeAffirm)
	in.Documents = nil

	review, violations, err := Generate(in)
	require.NoError(t, err)
	assert.Empty(t, violations)
	require.NotNil(t, review.MedicalDocuments)
	assert.Empty(t, *review.MedicalDocuments)
}

func TestGenerate_DocumentsKeySurvivesSerialization(t *testing.T) {
	in := sampleInput(decision.SubtypeDirect, decision.PartA, OutcomeAffirm)
	in.Documents = nil

	review, _, err := Generate(in)
	require.NoError(t, err)

	raw, err := json.Marshal(review)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"medicalDocuments":[]`,
		"direct submissions carry the documents array even when empty")

	std, _, err := Generate(sampleInput(decision.SubtypeStandard, decision.PartA, OutcomeAffirm))
	require.NoError(t, err)
	rawStd, err := json.Marshal(std)
	require.NoError(t, err)
	assert.NotContains(t, string(rawStd), "medicalDocuments",
		"standard submissions never carry the documents key")
}

func TestGenerate_DateFormatsPerPart(t *testing.T) {
	inA := sampleInput(decision.SubtypeStandard, decision.PartA, OutcomeAffirm)
	reviewA, _, err := Generate(inA)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-14", reviewA.DecisionDate)
	assert.Equal(t, "2026-03-21", reviewA.Procedures[0].ServiceStart)

	inB := sampleInput(decision.SubtypeStandard, decision.PartB, OutcomeAffirm)
	reviewB, _, err := Generate(inB)
	require.NoError(t, err)
	assert.Equal(t, "20260314", reviewB.DecisionDate)
	assert.Equal(t, "20260321", reviewB.Procedures[0].ServiceStart)
}

func TestGenerate_NormalisesFreeTextFields(t *testing.T) {
	in := sampleInput(decision.SubtypeStandard, decision.PartA, OutcomeAffirm)

	review, _, err := Generate(in)
	require.NoError(t, err)
	assert.Equal(t, []string{"M5416", "G8929"}, review.Procedures[0].DiagnosisCodes)
	assert.Equal(t, "5125550133", review.ContactPhone)
}

func TestGenerate_AffirmOmitsLineReviewCodes(t *testing.T) {
	in := sampleInput(decision.SubtypeStandard, decision.PartB, OutcomeAffirm)

	review, violations, err := Generate(in)
	require.NoError(t, err)
	assert.Empty(t, violations)
	assert.Empty(t, review.Procedures[0].ReviewCode)
	assert.Empty(t, review.Procedures[0].ProgramCode)
}

func TestGenerate_NonAffirmMissingCodesIsViolation(t *testing.T) {
	in := sampleInput(decision.SubtypeDirect, decision.PartA, OutcomeNonAffirm)
	in.EsmdTransactionID = ""
	in.Procedures[0].ReviewCode = ""
	in.Procedures[0].ProgramCode = ""
	in.Procedures[0].PlaceOfService = ""

	review, violations, err := Generate(in)
	require.NoError(t, err)
	assert.Equal(t, "N", review.DecisionIndicator)

	fields := make([]string, 0, len(violations))
	for _, v := range violations {
		fields = append(fields, v.Field)
	}
	assert.Contains(t, fields, "procedures[0].reviewCode")
	assert.Contains(t, fields, "procedures[0].programCode")
}

func TestGenerate_PlaceOfServiceForbiddenOnPartA(t *testing.T) {
	in := sampleInput(decision.SubtypeStandard, decision.PartA, OutcomeAffirm)

	review, violations, err := Generate(in)
	require.NoError(t, err)
	assert.Empty(t, violations)
	assert.Empty(t, review.Procedures[0].PlaceOfService,
		"generator must drop place of service on Part A lines")
}

func TestGenerate_RejectsUnknownAxes(t *testing.T) {
	in := sampleInput(decision.SubtypeDirect, decision.PartA, OutcomeAffirm)
	in.Origin = "FAX"
	_, _, err := Generate(in)
	assert.Error(t, err)

	in = sampleInput(decision.SubtypeDirect, decision.PartA, OutcomeAffirm)
	in.Part = "C"
	_, _, err = Generate(in)
	assert.Error(t, err)

	in = sampleInput(decision.SubtypeDirect, decision.PartA, OutcomeAffirm)
	in.Outcome = "MAYBE"
	_, _, err = Generate(in)
	assert.Error(t, err)
}

func TestDeriveOutcome(t *testing.T) {
	out, ok := DeriveOutcome(decision.KindDismissal, decision.ClinicalPending)
	require.True(t, ok)
	assert.Equal(t, OutcomeDismissal, out, "dismissal wins regardless of the clinical field")

	out, ok = DeriveOutcome(decision.KindApprove, decision.ClinicalAffirm)
	require.True(t, ok)
	assert.Equal(t, OutcomeAffirm, out)

	out, ok = DeriveOutcome(decision.KindApprove, decision.ClinicalNonAffirm)
	require.True(t, ok)
	assert.Equal(t, OutcomeNonAffirm, out)

	_, ok = DeriveOutcome(decision.KindApprove, decision.ClinicalPending)
	assert.False(t, ok, "a pending clinical outcome is not deliverable")
}
