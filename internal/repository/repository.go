package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/septivank/lifeline-telemetry/internal/config"
	"github.com/septivank/lifeline-telemetry/internal/db"
)

// ErrNotOpen is returned by operations issued before Open or after Close
var ErrNotOpen = errors.New("store is not open")

// StorageError wraps any failure of the backing database
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s failed: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

const schemaTable = `
	CREATE TABLE IF NOT EXISTS sensor_data (
		id BIGSERIAL PRIMARY KEY,
		device_id TEXT NOT NULL,
		accel_x DOUBLE PRECISION NOT NULL,
		accel_y DOUBLE PRECISION NOT NULL,
		accel_z DOUBLE PRECISION NOT NULL,
		gyro_x DOUBLE PRECISION NOT NULL,
		gyro_y DOUBLE PRECISION NOT NULL,
		gyro_z DOUBLE PRECISION NOT NULL,
		latitude DOUBLE PRECISION NOT NULL,
		longitude DOUBLE PRECISION NOT NULL,
		speed DOUBLE PRECISION NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)
`

const schemaIndex = `
	CREATE INDEX IF NOT EXISTS idx_sensor_data_device_time
	ON sensor_data (device_id, timestamp)
`

// Repository is the durable store for sensor readings
type Repository struct {
	cfg    config.DatabaseConfig
	logger *zap.Logger

	mu     sync.RWMutex
	pool   *pgxpool.Pool
	closed bool
}

// NewRepository creates a repository; the pool is created by Open
func NewRepository(cfg config.DatabaseConfig, logger *zap.Logger) *Repository {
	return &Repository{cfg: cfg, logger: logger}
}

// Open creates the connection pool. Calling it again is a no-op.
func (r *Repository) Open(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return &StorageError{Op: "open", Err: ErrNotOpen}
	}
	if r.pool != nil {
		return nil
	}

	pool, err := db.NewPool(ctx, r.logger, r.cfg)
	if err != nil {
		return &StorageError{Op: "open", Err: err}
	}
	r.pool = pool
	return nil
}

// Close releases the pool once; it is safe when Open never ran.
func (r *Repository) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	if r.pool != nil {
		r.pool.Close()
		r.pool = nil
		r.logger.Info("database connection closed")
	}
}

func (r *Repository) acquire(op string) (*pgxpool.Pool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.pool == nil {
		return nil, &StorageError{Op: op, Err: ErrNotOpen}
	}
	return r.pool, nil
}

func (r *Repository) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.cfg.OpTimeout)
}

// EnsureSchema creates the sensor_data table and its device/time index if absent
func (r *Repository) EnsureSchema(ctx context.Context) error {
	pool, err := r.acquire("ensure schema")
	if err != nil {
		return err
	}

	ctx, cancel := r.opContext(ctx)
	defer cancel()

	tx, err := pool.Begin(ctx)
	if err != nil {
		return &StorageError{Op: "ensure schema", Err: fmt.Errorf("failed to begin transaction: %w", err)}
	}
	defer tx.Rollback(ctx)

	for _, stmt := range []string{schemaTable, schemaIndex} {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return &StorageError{Op: "ensure schema", Err: err}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return &StorageError{Op: "ensure schema", Err: fmt.Errorf("failed to commit transaction: %w", err)}
	}

	r.logger.Info("database schema ensured")
	return nil
}

// Insert appends one reading in a single statement and returns the stored
// record with its server-assigned id and timestamp
func (r *Repository) Insert(ctx context.Context, reading db.Reading) (db.StoredRecord, error) {
	pool, err := r.acquire("insert")
	if err != nil {
		return db.StoredRecord{}, err
	}

	ctx, cancel := r.opContext(ctx)
	defer cancel()

	query := `
		INSERT INTO sensor_data (
			device_id, accel_x, accel_y, accel_z, gyro_x, gyro_y, gyro_z,
			latitude, longitude, speed, timestamp
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, COALESCE($11::timestamptz, NOW()))
		RETURNING id, timestamp
	`

	record := db.StoredRecord{Reading: reading}
	err = pool.QueryRow(ctx, query,
		reading.DeviceID,
		reading.AccelX,
		reading.AccelY,
		reading.AccelZ,
		reading.GyroX,
		reading.GyroY,
		reading.GyroZ,
		reading.Latitude,
		reading.Longitude,
		reading.Speed,
		reading.Timestamp,
	).Scan(&record.ID, &record.Timestamp)
	if err != nil {
		return db.StoredRecord{}, &StorageError{Op: "insert", Err: fmt.Errorf("failed to insert sensor reading: %w", err)}
	}

	record.Timestamp = record.Timestamp.UTC()
	return record, nil
}

// Get reads back one stored record by id
func (r *Repository) Get(ctx context.Context, id int64) (db.StoredRecord, error) {
	pool, err := r.acquire("get")
	if err != nil {
		return db.StoredRecord{}, err
	}

	ctx, cancel := r.opContext(ctx)
	defer cancel()

	query := `
		SELECT id, device_id, accel_x, accel_y, accel_z, gyro_x, gyro_y, gyro_z,
			latitude, longitude, speed, timestamp
		FROM sensor_data
		WHERE id = $1
	`

	var rec db.StoredRecord
	err = pool.QueryRow(ctx, query, id).Scan(
		&rec.ID,
		&rec.DeviceID,
		&rec.AccelX,
		&rec.AccelY,
		&rec.AccelZ,
		&rec.GyroX,
		&rec.GyroY,
		&rec.GyroZ,
		&rec.Latitude,
		&rec.Longitude,
		&rec.Speed,
		&rec.Timestamp,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return db.StoredRecord{}, &StorageError{Op: "get", Err: fmt.Errorf("record %d not found: %w", id, err)}
		}
		return db.StoredRecord{}, &StorageError{Op: "get", Err: fmt.Errorf("failed to query record: %w", err)}
	}

	rec.Timestamp = rec.Timestamp.UTC()
	return rec, nil
}

// Probe issues a trivial round trip; a nil result means healthy
func (r *Repository) Probe(ctx context.Context) error {
	pool, err := r.acquire("probe")
	if err != nil {
		return err
	}

	ctx, cancel := r.opContext(ctx)
	defer cancel()

	var one int
	if err := pool.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return &StorageError{Op: "probe", Err: err}
	}
	return nil
}
