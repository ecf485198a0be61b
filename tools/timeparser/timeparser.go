package timeparser

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Accepted timestamps fall within [MinTime, MaxTime]. Values outside this
// window cannot round-trip through the database timestamp encoding.
var (
	MinTime = time.Unix(0, 0).UTC()
	MaxTime = time.Date(9999, 12, 31, 23, 59, 59, 999999999, time.UTC)
)

// ParseDeviceTimestamp attempts to parse a device timestamp with multiple formats.
// Formats without a zone are read as UTC.
func ParseDeviceTimestamp(dateStr string) (time.Time, error) {
	formats := []string{
		time.RFC3339Nano,      // Standard RFC3339 with optional fraction
		"2006-01-02T15:04:05", // ISO-8601 without zone
		"2006-01-02 15:04:05", // SQL style
	}

	var lastErr error
	for _, format := range formats {
		t, err := time.Parse(format, dateStr)
		if err == nil {
			return checkRange(t.UTC())
		}
		lastErr = err
	}

	return time.Time{}, fmt.Errorf("failed to parse timestamp '%s': %w", dateStr, lastErr)
}

// ParseUnixSeconds converts fractional Unix seconds to a UTC time.
func ParseUnixSeconds(sec float64) (time.Time, error) {
	if math.IsNaN(sec) || math.IsInf(sec, 0) || sec < 0 {
		return time.Time{}, fmt.Errorf("invalid unix timestamp %v", sec)
	}
	// Compare before converting; int64(sec) overflows for huge values.
	if sec > float64(MaxTime.Unix()) {
		return time.Time{}, fmt.Errorf("unix timestamp %v is after %s", sec, MaxTime.Format(time.RFC3339))
	}
	whole, frac := math.Modf(sec)
	return checkRange(time.Unix(int64(whole), int64(frac*1e9)).UTC())
}

func checkRange(t time.Time) (time.Time, error) {
	if t.Before(MinTime) || t.After(MaxTime) {
		return time.Time{}, fmt.Errorf("timestamp %s outside %s..%s",
			t.Format(time.RFC3339Nano), MinTime.Format(time.RFC3339), MaxTime.Format(time.RFC3339))
	}
	return t, nil
}

// ParseJSON accepts a raw JSON timestamp value: a string in one of the
// supported layouts or a number of Unix seconds. A null or absent value yields nil.
func ParseJSON(raw json.RawMessage) (*time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("invalid timestamp string: %w", err)
		}
		t, err := ParseDeviceTimestamp(s)
		if err != nil {
			return nil, err
		}
		return &t, nil
	}

	var sec float64
	if err := json.Unmarshal(raw, &sec); err != nil {
		return nil, fmt.Errorf("timestamp must be a string or a number: %w", err)
	}
	t, err := ParseUnixSeconds(sec)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
