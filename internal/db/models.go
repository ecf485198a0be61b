package db

import (
	"time"
)

// Reading is one validated motion sample from a vehicle-mounted device
type Reading struct {
	DeviceID  string
	AccelX    float64
	AccelY    float64
	AccelZ    float64
	GyroX     float64
	GyroY     float64
	GyroZ     float64
	Latitude  float64
	Longitude float64
	Speed     float64
	// Timestamp is the device clock; nil lets the database assign ingestion time.
	Timestamp *time.Time
}

// StoredRecord is a Reading as persisted in the sensor_data table
type StoredRecord struct {
	Reading
	ID        int64
	Timestamp time.Time
}
