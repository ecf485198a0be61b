package main

import (
	"encoding/json"
	"math/rand"
	"testing"
	"time"

	"github.com/septivank/lifeline-telemetry/internal/detector"
	"github.com/septivank/lifeline-telemetry/internal/validator"
)

func TestGenerator_ReadingsPassValidation(t *testing.T) {
	gen := newGenerator("sim-1", 89.9999, 179.9999, 0.3, rand.New(rand.NewSource(1)))
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 200; i++ {
		r, _ := gen.next(now)
		body, err := json.Marshal(r)
		if err != nil {
			t.Fatalf("Marshal failed: %v", err)
		}
		if _, err := validator.ParsePayload(body); err != nil {
			t.Fatalf("Reading %d rejected: %v (%s)", i, err, body)
		}
	}
}

func TestGenerator_KindsMatchDetector(t *testing.T) {
	gen := newGenerator("sim-1", 12.97, 77.59, 0.5, rand.New(rand.NewSource(7)))
	det := detector.NewDetector(30, 200)
	now := time.Now()

	seen := map[sampleKind]int{}
	for i := 0; i < 300; i++ {
		r, kind := gen.next(now)
		body, _ := json.Marshal(r)
		parsed, err := validator.ParsePayload(body)
		if err != nil {
			t.Fatalf("Reading rejected: %v", err)
		}

		verdict := det.Evaluate(parsed)
		want := map[sampleKind]detector.Reason{
			sampleNormal:   detector.ReasonNormal,
			sampleImpact:   detector.ReasonHighImpact,
			sampleRollover: detector.ReasonRollover,
		}[kind]
		if verdict.Reason != want {
			t.Errorf("Sample %d of kind %s evaluated as %s: %+v", i, kind, verdict.Reason, r)
		}
		seen[kind]++
	}

	for _, k := range []sampleKind{sampleNormal, sampleImpact, sampleRollover} {
		if seen[k] == 0 {
			t.Errorf("Expected at least one %s sample", k)
		}
	}
}

func TestGenerator_ZeroProbabilityIsAlwaysNormal(t *testing.T) {
	gen := newGenerator("sim-1", 0, 0, 0, rand.New(rand.NewSource(3)))

	for i := 0; i < 100; i++ {
		if _, kind := gen.next(time.Now()); kind != sampleNormal {
			t.Fatalf("Expected normal sample, got %s", kind)
		}
	}
}
