// Package sample decides whether raw location fixes are trustworthy enough
// to become part of a trajectory.
package sample

import (
	"github.com/OCAP2/livemap/internal/geo"
	"github.com/OCAP2/livemap/pkg/core"
)

// Reason explains the outcome of a validation.
type Reason string

const (
	ReasonAccepted    Reason = "accepted"
	ReasonInaccurate  Reason = "inaccurate"
	ReasonTooFrequent Reason = "too_frequent"
	ReasonTooFast     Reason = "too_fast"
	ReasonJump        Reason = "jump"
)

// Config holds the rejection thresholds.
type Config struct {
	MaxAccuracyMeters    float64
	MinIntervalMillis    int64
	MaxSpeedMetersPerSec float64
	MaxJumpMeters        float64
}

// DefaultConfig returns the thresholds used in the field: 35 m accuracy,
// 1 s between fixes, 40 m/s (~144 km/h) and 150 m jumps.
func DefaultConfig() Config {
	return Config{
		MaxAccuracyMeters:    35,
		MinIntervalMillis:    1000,
		MaxSpeedMetersPerSec: 40,
		MaxJumpMeters:        150,
	}
}

// Decision is the result of Check.
type Decision struct {
	Accepted bool
	Reason   Reason
}

// Check applies the rejection rules in order; the first match wins.
// last is the last accepted sample or nil.
func Check(cfg Config, cur core.LocationSample, last *core.LocationSample) Decision {
	if cur.AccuracyMeters > cfg.MaxAccuracyMeters {
		return Decision{Reason: ReasonInaccurate}
	}
	if last == nil {
		return Decision{Accepted: true, Reason: ReasonAccepted}
	}

	// negative elapsed time (a late, older fix) also lands here
	elapsedMillis := cur.CapturedAtMillis - last.CapturedAtMillis
	if elapsedMillis < cfg.MinIntervalMillis {
		return Decision{Reason: ReasonTooFrequent}
	}

	distance := geo.DistanceMeters(last.Point, cur.Point)
	if elapsedMillis > 0 && distance/(float64(elapsedMillis)/1000) > cfg.MaxSpeedMetersPerSec {
		return Decision{Reason: ReasonTooFast}
	}
	if distance > cfg.MaxJumpMeters {
		return Decision{Reason: ReasonJump}
	}
	return Decision{Accepted: true, Reason: ReasonAccepted}
}

// Validator is the stateful form of Check: it remembers the last accepted
// sample. It is not safe for concurrent use; the orchestrator drives it from
// its serialized context.
type Validator struct {
	cfg  Config
	last *core.LocationSample
}

// NewValidator creates a Validator with the given thresholds.
func NewValidator(cfg Config) *Validator {
	return &Validator{cfg: cfg}
}

// Validate checks s against the last accepted sample and, when accepted,
// makes s the new reference point.
func (v *Validator) Validate(s core.LocationSample) Decision {
	d := Check(v.cfg, s, v.last)
	if d.Accepted {
		accepted := s
		v.last = &accepted
	}
	return d
}

// Last returns the last accepted sample.
func (v *Validator) Last() (core.LocationSample, bool) {
	if v.last == nil {
		return core.LocationSample{}, false
	}
	return *v.last, true
}

// Reset forgets the reference sample, e.g. when a new session starts.
func (v *Validator) Reset() {
	v.last = nil
}
