package validator

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/septivank/lifeline-telemetry/internal/db"
	"github.com/septivank/lifeline-telemetry/tools/timeparser"
)

// MaxDeviceIDLength bounds device_id in bytes
const MaxDeviceIDLength = 128

// ValidationError describes why external bytes could not become a Reading
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Payload is the wire shape shared by the HTTP body and feed messages.
// Pointer fields distinguish absent/null values from zero.
type Payload struct {
	DeviceID  *string         `json:"device_id"`
	AccelX    *float64        `json:"accel_x"`
	AccelY    *float64        `json:"accel_y"`
	AccelZ    *float64        `json:"accel_z"`
	GyroX     *float64        `json:"gyro_x"`
	GyroY     *float64        `json:"gyro_y"`
	GyroZ     *float64        `json:"gyro_z"`
	Latitude  *float64        `json:"latitude"`
	Longitude *float64        `json:"longitude"`
	Speed     *float64        `json:"speed"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
}

// ParsePayload decodes a JSON object and validates it into a Reading
func ParsePayload(body []byte) (db.Reading, error) {
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return db.Reading{}, &ValidationError{Field: "body", Reason: fmt.Sprintf("malformed JSON: %v", err)}
	}
	return p.Reading()
}

// Reading validates the payload and builds the immutable Reading
func (p Payload) Reading() (db.Reading, error) {
	if p.DeviceID == nil || strings.TrimSpace(*p.DeviceID) == "" {
		return db.Reading{}, &ValidationError{Field: "device_id", Reason: "must not be empty"}
	}
	if strings.ContainsRune(*p.DeviceID, 0) {
		return db.Reading{}, &ValidationError{Field: "device_id", Reason: "must not contain NUL bytes"}
	}
	if len(*p.DeviceID) > MaxDeviceIDLength {
		return db.Reading{}, &ValidationError{Field: "device_id", Reason: fmt.Sprintf("longer than %d bytes", MaxDeviceIDLength)}
	}

	fields := []struct {
		name  string
		value *float64
	}{
		{"accel_x", p.AccelX},
		{"accel_y", p.AccelY},
		{"accel_z", p.AccelZ},
		{"gyro_x", p.GyroX},
		{"gyro_y", p.GyroY},
		{"gyro_z", p.GyroZ},
		{"latitude", p.Latitude},
		{"longitude", p.Longitude},
		{"speed", p.Speed},
	}
	for _, f := range fields {
		if f.value == nil {
			return db.Reading{}, &ValidationError{Field: f.name, Reason: "is required"}
		}
		if math.IsNaN(*f.value) || math.IsInf(*f.value, 0) {
			return db.Reading{}, &ValidationError{Field: f.name, Reason: "must be finite"}
		}
	}

	if *p.Latitude < -90 || *p.Latitude > 90 {
		return db.Reading{}, &ValidationError{Field: "latitude", Reason: fmt.Sprintf("%v outside [-90, 90]", *p.Latitude)}
	}
	if *p.Longitude < -180 || *p.Longitude > 180 {
		return db.Reading{}, &ValidationError{Field: "longitude", Reason: fmt.Sprintf("%v outside [-180, 180]", *p.Longitude)}
	}
	if *p.Speed < 0 {
		return db.Reading{}, &ValidationError{Field: "speed", Reason: "negative value detected"}
	}

	ts, err := timeparser.ParseJSON(p.Timestamp)
	if err != nil {
		return db.Reading{}, &ValidationError{Field: "timestamp", Reason: err.Error()}
	}

	return db.Reading{
		DeviceID:  *p.DeviceID,
		AccelX:    *p.AccelX,
		AccelY:    *p.AccelY,
		AccelZ:    *p.AccelZ,
		GyroX:     *p.GyroX,
		GyroY:     *p.GyroY,
		GyroZ:     *p.GyroZ,
		Latitude:  *p.Latitude,
		Longitude: *p.Longitude,
		Speed:     *p.Speed,
		Timestamp: ts,
	}, nil
}
