package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/septivank/lifeline-telemetry/internal/validator"
)

// ErrorResponse is the body of every non-2xx reply
type ErrorResponse struct {
	Detail string `json:"detail"`
	Field  string `json:"field,omitempty"`
}

// IngestResponse is returned for an accepted reading
type IngestResponse struct {
	Status           string `json:"status"`
	RecordID         int64  `json:"record_id"`
	Timestamp        string `json:"timestamp"`
	AccidentDetected bool   `json:"accident_detected"`
	Reason           string `json:"reason"`
}

// HealthResponse reports liveness; degradation is in-band
type HealthResponse struct {
	Status  string            `json:"status"`
	Details map[string]string `json:"details"`
}

// InfoResponse describes the running service
type InfoResponse struct {
	Service string `json:"service"`
	Version string `json:"version"`
}

func respondWithJSON(w http.ResponseWriter, logger *zap.Logger, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Warn("failed to encode JSON response", zap.Error(err))
	}
}

func respondWithError(w http.ResponseWriter, logger *zap.Logger, statusCode int, detail, field string) {
	respondWithJSON(w, logger, statusCode, ErrorResponse{Detail: detail, Field: field})
}

// respondWithFailure maps a pipeline error to a status code. Anything that is
// not the client's fault is logged with its cause and hidden from the body.
func respondWithFailure(w http.ResponseWriter, logger *zap.Logger, err error) {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		respondWithError(w, logger, http.StatusRequestEntityTooLarge, "request body too large", "body")
		return
	}

	var validationErr *validator.ValidationError
	if errors.As(err, &validationErr) {
		status := http.StatusUnprocessableEntity
		if validationErr.Field == "body" {
			status = http.StatusBadRequest
		}
		logger.Info("rejected reading", zap.String("field", validationErr.Field), zap.String("reason", validationErr.Reason))
		respondWithError(w, logger, status, validationErr.Error(), validationErr.Field)
		return
	}

	logger.Error("failed to ingest reading", zap.Error(err))
	respondWithError(w, logger, http.StatusInternalServerError, "internal server error", "")
}
