package boat

import (
	"encoding/json"
	"sync"
)

// State is the boat's commanded state.
type State struct {
	Counter int64   `json:"counter"`
	Power   float64 `json:"power"`
	Wheel   float64 `json:"wheel"`
}

// Store guards State. Readers get copies.
type Store struct {
	mu    sync.RWMutex
	state State
}

func NewStore() *Store {
	return &Store{}
}

func (s *Store) Get() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Tick advances the status counter and returns the new state.
func (s *Store) Tick() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Counter++
	return s.state
}

// Apply copies numeric power and wheel fields from a captain command.
// It reports whether anything changed.
func (s *Store) Apply(cmd map[string]any) bool {
	power, hasPower := number(cmd["power"])
	wheel, hasWheel := number(cmd["wheel"])
	if !hasPower && !hasWheel {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	before := s.state
	if hasPower {
		s.state.Power = power
	}
	if hasWheel {
		s.state.Wheel = wheel
	}
	return s.state != before
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
