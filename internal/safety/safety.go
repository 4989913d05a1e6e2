// Package safety checks measured vibration features against hard limits.
// A breach is fatal to the run: the position that produced it must not be
// revisited and the loop aborts rather than continuing to probe near it.
package safety

import (
	"strings"

	"github.com/copyleftdev/ALIGN/internal/errors"
)

// Thresholds are the hard feature limits. Zero values disable a check.
type Thresholds struct {
	TimeRMSMax         float64
	TimeCrestFactorMax float64
}

// Monitor applies Thresholds to feature sets.
type Monitor struct {
	limits Thresholds
}

// NewMonitor returns a Monitor enforcing limits.
func NewMonitor(limits Thresholds) *Monitor {
	return &Monitor{limits: limits}
}

// Check scans features for a threshold breach and returns a
// SafetyThresholdError naming the first offending feature found.
func (m *Monitor) Check(features map[string]float64) error {
	for name, value := range features {
		limit, guarded := m.limitFor(name)
		if !guarded {
			continue
		}
		if value > limit {
			return &errors.SafetyThresholdError{
				Feature: name,
				Value:   value,
				Limit:   limit,
			}
		}
	}
	return nil
}

func (m *Monitor) limitFor(name string) (float64, bool) {
	switch {
	case strings.HasPrefix(name, "Time_rms_"):
		return m.limits.TimeRMSMax, m.limits.TimeRMSMax > 0
	case strings.HasPrefix(name, "Time_crestfactor_"):
		return m.limits.TimeCrestFactorMax, m.limits.TimeCrestFactorMax > 0
	default:
		return 0, false
	}
}
