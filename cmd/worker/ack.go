package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"caseflow/cases"
	"caseflow/decision"
)

type trackingSuccessBody struct {
	DecisionTrackingID string    `json:"decision_tracking_id"`
	TrackingNumber     string    `json:"tracking_number"`
	ReceivedAt         time.Time `json:"received_at"`
}

type trackingFailureBody struct {
	DecisionTrackingID string          `json:"decision_tracking_id"`
	Failure            json.RawMessage `json:"failure"`
	Reason             string          `json:"reason"`
}

// newAckMux exposes the tracking-number acknowledgement interface the
// upstream authority calls back on.
func newAckMux(caseDir *cases.StatusService, handler *decision.TrackingHandler, logger *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /internal/tracking/success", func(w http.ResponseWriter, r *http.Request) {
		var body trackingSuccessBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.DecisionTrackingID == "" || body.TrackingNumber == "" {
			http.Error(w, "invalid acknowledgement body", http.StatusBadRequest)
			return
		}

		c, err := caseDir.FindByCorrelationKey(r.Context(), body.DecisionTrackingID)
		if err != nil {
			writeAckErr(w, logger, "resolve case for success ack", body.DecisionTrackingID, err)
			return
		}

		if err := handler.HandleSuccess(r.Context(), decision.TrackingSuccess{
			CaseID:         c.ID,
			CaseExternalID: c.ExternalID,
			TrackingNumber: body.TrackingNumber,
			ReceivedAt:     body.ReceivedAt,
		}); err != nil {
			writeAckErr(w, logger, "handle success ack", body.DecisionTrackingID, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /internal/tracking/failure", func(w http.ResponseWriter, r *http.Request) {
		var body trackingFailureBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.DecisionTrackingID == "" {
			http.Error(w, "invalid acknowledgement body", http.StatusBadRequest)
			return
		}

		c, err := caseDir.FindByCorrelationKey(r.Context(), body.DecisionTrackingID)
		if err != nil {
			writeAckErr(w, logger, "resolve case for failure ack", body.DecisionTrackingID, err)
			return
		}

		if err := handler.HandleFailure(r.Context(), decision.TrackingFailure{
			CaseID:         c.ID,
			FailurePayload: body.Failure,
			Reason:         body.Reason,
		}); err != nil {
			writeAckErr(w, logger, "handle failure ack", body.DecisionTrackingID, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	return mux
}

func writeAckErr(w http.ResponseWriter, logger *slog.Logger, op, trackingID string, err error) {
	if errors.Is(err, cases.ErrCaseNotFound) {
		http.Error(w, "unknown decision tracking id", http.StatusNotFound)
		return
	}
	logger.Error("tracking acknowledgement failed", "op", op, "decision_tracking_id", trackingID, "error", err)
	http.Error(w, "acknowledgement processing failed", http.StatusInternalServerError)
}
