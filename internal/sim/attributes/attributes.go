// Package attributes holds an agent's numeric attributes.
package attributes

import (
	"errors"
	"fmt"
	"sort"
)

const (
	Health       = "Health"
	MaxHealth    = "MaxHealth"
	Energy       = "Energy"
	MaxEnergy    = "MaxEnergy"
	VisionRadius = "VisionRadius"
)

var ErrUnknownAttribute = errors.New("unknown attribute")

// Defaults are the values applied to a new agent.
type Defaults struct {
	Health       float64 `yaml:"health" json:"health"`
	MaxHealth    float64 `yaml:"max_health" json:"max_health"`
	Energy       float64 `yaml:"energy" json:"energy"`
	MaxEnergy    float64 `yaml:"max_energy" json:"max_energy"`
	VisionRadius float64 `yaml:"vision_radius" json:"vision_radius"`
}

// DefaultValues mirrors the stock player attribute set.
func DefaultValues() Defaults {
	return Defaults{Health: 1, MaxHealth: 2, Energy: 100, MaxEnergy: 100, VisionRadius: 500}
}

// Change is emitted whenever an attribute value actually changes.
type Change struct {
	Name string
	Old  float64
	New  float64
}

// Set is the attribute set of one agent. Health is kept in [0, MaxHealth] and
// Energy in [0, MaxEnergy]; lowering a maximum clamps the current value.
type Set struct {
	vals     map[string]float64
	OnChange func(Change)
}

func New(d Defaults) *Set {
	s := &Set{vals: map[string]float64{
		MaxHealth:    d.MaxHealth,
		MaxEnergy:    d.MaxEnergy,
		VisionRadius: d.VisionRadius,
	}}
	s.vals[Health] = clamp(d.Health, 0, d.MaxHealth)
	s.vals[Energy] = clamp(d.Energy, 0, d.MaxEnergy)
	return s
}

func (s *Set) Get(name string) float64 { return s.vals[name] }

// Set assigns a value, clamping as needed. It returns the stored value.
func (s *Set) Set(name string, v float64) (float64, error) {
	if _, ok := s.vals[name]; !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownAttribute, name)
	}
	if v < 0 {
		v = 0
	}
	switch name {
	case Health:
		v = clamp(v, 0, s.vals[MaxHealth])
	case Energy:
		v = clamp(v, 0, s.vals[MaxEnergy])
	}
	s.store(name, v)
	switch name {
	case MaxHealth:
		if s.vals[Health] > v {
			s.store(Health, v)
		}
	case MaxEnergy:
		if s.vals[Energy] > v {
			s.store(Energy, v)
		}
	}
	return s.vals[name], nil
}

// Adjust adds delta to an attribute.
func (s *Set) Adjust(name string, delta float64) (float64, error) {
	cur, ok := s.vals[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownAttribute, name)
	}
	return s.Set(name, cur+delta)
}

func (s *Set) store(name string, v float64) {
	old := s.vals[name]
	if old == v {
		return
	}
	s.vals[name] = v
	if s.OnChange != nil {
		s.OnChange(Change{Name: name, Old: old, New: v})
	}
}

// Snapshot returns a copy of every value.
func (s *Set) Snapshot() map[string]float64 {
	out := make(map[string]float64, len(s.vals))
	for k, v := range s.vals {
		out[k] = v
	}
	return out
}

// Restore replaces values from a snapshot without emitting changes. Unknown
// names are ignored.
func (s *Set) Restore(vals map[string]float64) {
	names := make([]string, 0, len(vals))
	for k := range vals {
		if _, ok := s.vals[k]; ok {
			names = append(names, k)
		}
	}
	// Maxima first so the clamp of current values sees the restored bounds.
	sort.Slice(names, func(i, j int) bool {
		return isMax(names[i]) && !isMax(names[j]) || isMax(names[i]) == isMax(names[j]) && names[i] < names[j]
	})
	cb := s.OnChange
	s.OnChange = nil
	for _, k := range names {
		_, _ = s.Set(k, vals[k])
	}
	s.OnChange = cb
}

func isMax(name string) bool { return name == MaxHealth || name == MaxEnergy }

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
