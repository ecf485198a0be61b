package main

import (
	"math/rand"
	"time"
)

// reading is the wire payload a device sends, matching the ingest format
type reading struct {
	DeviceID  string  `json:"device_id"`
	AccelX    float64 `json:"accel_x"`
	AccelY    float64 `json:"accel_y"`
	AccelZ    float64 `json:"accel_z"`
	GyroX     float64 `json:"gyro_x"`
	GyroY     float64 `json:"gyro_y"`
	GyroZ     float64 `json:"gyro_z"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Speed     float64 `json:"speed"`
	Timestamp string  `json:"timestamp"`
}

type sampleKind int

const (
	sampleNormal sampleKind = iota
	sampleImpact
	sampleRollover
)

func (k sampleKind) String() string {
	switch k {
	case sampleImpact:
		return "impact"
	case sampleRollover:
		return "rollover"
	default:
		return "normal"
	}
}

// generator drives one simulated vehicle along a straight-ish path
type generator struct {
	deviceID     string
	accidentProb float64
	rng          *rand.Rand

	lat   float64
	lon   float64
	speed float64
}

func newGenerator(deviceID string, lat, lon, accidentProb float64, rng *rand.Rand) *generator {
	return &generator{
		deviceID:     deviceID,
		accidentProb: accidentProb,
		rng:          rng,
		lat:          lat,
		lon:          lon,
		speed:        40,
	}
}

func (g *generator) next(now time.Time) (reading, sampleKind) {
	kind := sampleNormal
	if g.rng.Float64() < g.accidentProb {
		kind = sampleImpact
		if g.rng.Intn(2) == 1 {
			kind = sampleRollover
		}
	}

	g.lat = clamp(g.lat+g.jitter(0.0005), -90, 90)
	g.lon = clamp(g.lon+g.jitter(0.0005), -180, 180)
	g.speed = clamp(g.speed+g.jitter(3), 0, 140)

	r := reading{
		DeviceID:  g.deviceID,
		AccelX:    g.jitter(2),
		AccelY:    g.jitter(2),
		AccelZ:    9.81 + g.jitter(1),
		GyroX:     g.jitter(20),
		GyroY:     g.jitter(20),
		GyroZ:     g.jitter(20),
		Latitude:  g.lat,
		Longitude: g.lon,
		Speed:     g.speed,
		Timestamp: now.UTC().Format(time.RFC3339),
	}

	switch kind {
	case sampleImpact:
		r.AccelX = 25 + g.rng.Float64()*20
		r.AccelY = 10 + g.rng.Float64()*10
		g.speed = 0
		r.Speed = 0
	case sampleRollover:
		r.GyroX = 150 + g.rng.Float64()*100
		r.GyroY = 100 + g.rng.Float64()*100
	}

	return r, kind
}

func (g *generator) jitter(max float64) float64 {
	return (g.rng.Float64()*2 - 1) * max
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
