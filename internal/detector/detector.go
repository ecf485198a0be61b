package detector

import (
	"math"

	"github.com/septivank/lifeline-telemetry/internal/db"
)

// Reason explains a Verdict
type Reason string

const (
	ReasonNormal     Reason = "normal"
	ReasonHighImpact Reason = "high impact"
	ReasonRollover   Reason = "rollover"
)

// Verdict is the accident judgment for a single reading
type Verdict struct {
	AccidentDetected bool
	Reason           Reason
}

// Detector flags accidents with configurable thresholds
type Detector struct {
	impactThreshold float64
	tiltThreshold   float64
}

// NewDetector creates a new accident detector with the specified thresholds
func NewDetector(impactThreshold, tiltThreshold float64) *Detector {
	return &Detector{
		impactThreshold: impactThreshold,
		tiltThreshold:   tiltThreshold,
	}
}

// Evaluate applies the impact check, then the tilt check. Both comparisons
// are inclusive; when both trip the reason is high impact.
func (d *Detector) Evaluate(r db.Reading) Verdict {
	impact := math.Abs(r.AccelX) + math.Abs(r.AccelY) + math.Abs(r.AccelZ)
	if impact >= d.impactThreshold {
		return Verdict{AccidentDetected: true, Reason: ReasonHighImpact}
	}

	tilt := math.Abs(r.GyroX) + math.Abs(r.GyroY)
	if tilt >= d.tiltThreshold {
		return Verdict{AccidentDetected: true, Reason: ReasonRollover}
	}

	return Verdict{AccidentDetected: false, Reason: ReasonNormal}
}
