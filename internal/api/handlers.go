package api

import (
	"context"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/septivank/lifeline-telemetry/internal/db"
	"github.com/septivank/lifeline-telemetry/internal/detector"
	"github.com/septivank/lifeline-telemetry/internal/validator"
)

// MaxBodyBytes caps a sensor-data request body
const MaxBodyBytes = 64 << 10

// Ingester runs one validated reading through the pipeline
type Ingester interface {
	Ingest(ctx context.Context, reading db.Reading, logger *zap.Logger) (db.StoredRecord, detector.Verdict, error)
}

// Prober reports whether the store is reachable
type Prober interface {
	Probe(ctx context.Context) error
}

// Handler serves the HTTP ingress
type Handler struct {
	ingester Ingester
	prober   Prober
	info     InfoResponse
	logger   *zap.Logger
}

// NewHandler creates the HTTP handlers
func NewHandler(ingester Ingester, prober Prober, serviceName, version string, logger *zap.Logger) *Handler {
	return &Handler{
		ingester: ingester,
		prober:   prober,
		info:     InfoResponse{Service: serviceName, Version: version},
		logger:   logger,
	}
}

// SensorData accepts one reading, stores it and returns the verdict
func (h *Handler) SensorData(w http.ResponseWriter, r *http.Request) {
	logger := loggerFromContext(r.Context(), h.logger)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		respondWithFailure(w, logger, err)
		return
	}

	reading, err := validator.ParsePayload(body)
	if err != nil {
		respondWithFailure(w, logger, err)
		return
	}

	record, verdict, err := h.ingester.Ingest(r.Context(), reading, logger.With(zap.String("device_id", reading.DeviceID)))
	if err != nil {
		respondWithFailure(w, logger, err)
		return
	}

	respondWithJSON(w, logger, http.StatusCreated, IngestResponse{
		Status:           "success",
		RecordID:         record.ID,
		Timestamp:        record.Timestamp.UTC().Format(time.RFC3339),
		AccidentDetected: verdict.AccidentDetected,
		Reason:           string(verdict.Reason),
	})
}

// Health always answers 200 and reports store reachability in the body
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	logger := loggerFromContext(r.Context(), h.logger)

	resp := HealthResponse{Status: "ok", Details: map[string]string{"db": "ok"}}
	if err := h.prober.Probe(r.Context()); err != nil {
		logger.Warn("health probe failed", zap.Error(err))
		resp.Status = "degraded"
		resp.Details["db"] = "error: " + err.Error()
	}

	respondWithJSON(w, logger, http.StatusOK, resp)
}

// Info returns the service name and version
func (h *Handler) Info(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, loggerFromContext(r.Context(), h.logger), http.StatusOK, h.info)
}
