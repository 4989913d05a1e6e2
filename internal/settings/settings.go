// Package settings holds the dynamically-updatable search parameters:
// start position, per-axis bounds, and minimum step sizes. Updates arrive
// over the config subject and are applied atomically; the optimization
// loop reads a snapshot once per iteration boundary.
package settings

import (
	"fmt"
	"sync"

	"github.com/copyleftdev/ALIGN/internal/errors"
	"github.com/copyleftdev/ALIGN/internal/protocol"
)

// Settings are the controller's search parameters.
type Settings struct {
	Start   protocol.Position
	XMin    float64
	XMax    float64
	YMin    float64
	YMax    float64
	SigXMin float64
	SigYMin float64
}

// Validate checks per-axis bound ordering and step-size floors.
func (s Settings) Validate() error {
	if s.XMin > s.XMax {
		return &errors.InvalidSettingsError{Reason: fmt.Sprintf("x_min %g > x_max %g", s.XMin, s.XMax)}
	}
	if s.YMin > s.YMax {
		return &errors.InvalidSettingsError{Reason: fmt.Sprintf("y_min %g > y_max %g", s.YMin, s.YMax)}
	}
	if s.SigXMin <= 0 {
		return &errors.InvalidSettingsError{Reason: fmt.Sprintf("sig_x_min %g not positive", s.SigXMin)}
	}
	if s.SigYMin <= 0 {
		return &errors.InvalidSettingsError{Reason: fmt.Sprintf("sig_y_min %g not positive", s.SigYMin)}
	}
	return nil
}

// Clamp returns p forced into the configured bounds.
func (s Settings) Clamp(p protocol.Position) protocol.Position {
	if p.X < s.XMin {
		p.X = s.XMin
	}
	if p.X > s.XMax {
		p.X = s.XMax
	}
	if p.Y < s.YMin {
		p.Y = s.YMin
	}
	if p.Y > s.YMax {
		p.Y = s.YMax
	}
	return p
}

// merged returns s with the update's present fields applied.
func (s Settings) merged(u protocol.SettingUpdate) Settings {
	if u.StartX != nil {
		s.Start.X = *u.StartX
	}
	if u.StartY != nil {
		s.Start.Y = *u.StartY
	}
	if u.XMin != nil {
		s.XMin = *u.XMin
	}
	if u.XMax != nil {
		s.XMax = *u.XMax
	}
	if u.YMin != nil {
		s.YMin = *u.YMin
	}
	if u.YMax != nil {
		s.YMax = *u.YMax
	}
	if u.SigXMin != nil {
		s.SigXMin = *u.SigXMin
	}
	if u.SigYMin != nil {
		s.SigYMin = *u.SigYMin
	}
	return s
}

// Store is the mutex-guarded settings holder.
type Store struct {
	mu  sync.RWMutex
	cur Settings
}

// NewStore creates a Store seeded with initial. Initial settings that fail
// validation are rejected outright; the caller must supply a sane default.
func NewStore(initial Settings) (*Store, error) {
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	return &Store{cur: initial}, nil
}

// Snapshot returns a copy of the current settings.
func (st *Store) Snapshot() Settings {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.cur
}

// Apply merges u over the current settings, validates the result, and swaps
// it in atomically. On validation failure the prior settings are retained
// and an InvalidSettingsError is returned.
func (st *Store) Apply(u protocol.SettingUpdate) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	next := st.cur.merged(u)
	if err := next.Validate(); err != nil {
		return err
	}
	st.cur = next
	return nil
}
