package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/septivank/lifeline-telemetry/internal/db"
	"github.com/septivank/lifeline-telemetry/internal/detector"
	"github.com/septivank/lifeline-telemetry/internal/validator"
)

// Store is the persistence the pipeline needs
type Store interface {
	Insert(ctx context.Context, reading db.Reading) (db.StoredRecord, error)
}

// IngestService runs the validate, persist, detect pipeline for both ingress paths
type IngestService struct {
	store    Store
	detector *detector.Detector
	logger   *zap.Logger
}

// NewIngestService creates a new ingestion service
func NewIngestService(store Store, detector *detector.Detector, logger *zap.Logger) *IngestService {
	return &IngestService{
		store:    store,
		detector: detector,
		logger:   logger,
	}
}

// Ingest persists a validated reading and evaluates it. Nothing is evaluated
// when the insert fails.
func (s *IngestService) Ingest(ctx context.Context, reading db.Reading, logger *zap.Logger) (db.StoredRecord, detector.Verdict, error) {
	if logger == nil {
		logger = s.logger
	}

	record, err := s.store.Insert(ctx, reading)
	if err != nil {
		return db.StoredRecord{}, detector.Verdict{}, err
	}

	verdict := s.detector.Evaluate(reading)

	fields := []zap.Field{
		zap.String("device_id", reading.DeviceID),
		zap.Int64("record_id", record.ID),
		zap.Bool("accident_detected", verdict.AccidentDetected),
		zap.String("reason", string(verdict.Reason)),
	}
	if verdict.AccidentDetected {
		logger.Warn("potential accident detected", append(fields,
			zap.Float64("latitude", reading.Latitude),
			zap.Float64("longitude", reading.Longitude),
			zap.Float64("speed", reading.Speed),
		)...)
	} else {
		logger.Debug("reading stored", fields...)
	}

	return record, verdict, nil
}

// ProcessMessage handles one feed message body. The returned error is a
// *validator.ValidationError or a storage failure; the message is never retried.
func (s *IngestService) ProcessMessage(ctx context.Context, body []byte) error {
	reading, err := validator.ParsePayload(body)
	if err != nil {
		return fmt.Errorf("failed to parse message: %w", err)
	}

	msgLogger := s.logger.With(zap.String("device_id", reading.DeviceID))

	record, verdict, err := s.Ingest(ctx, reading, msgLogger)
	if err != nil {
		return fmt.Errorf("failed to store reading: %w", err)
	}

	msgLogger.Info("feed reading processed",
		zap.Int64("record_id", record.ID),
		zap.Bool("accident_detected", verdict.AccidentDetected),
		zap.String("reason", string(verdict.Reason)),
	)
	return nil
}
