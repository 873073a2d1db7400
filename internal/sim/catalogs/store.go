package catalogs

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"puppetmaster/internal/sim/tags"
)

// AbilityStore holds ability definitions. It is filled once at startup and
// then sealed; after Seal it is read-only and safe to share between agents.
type AbilityStore struct {
	mu     sync.Mutex
	sealed atomic.Bool

	byID    map[string]*AbilityDef
	byInput map[InputBinding]string
	ids     []string

	registry *tags.Registry
	digest   string
}

func NewAbilityStore() *AbilityStore {
	return &AbilityStore{
		byID:    map[string]*AbilityDef{},
		byInput: map[InputBinding]string{},
	}
}

// Register adds def. The stored copy has its tags normalized and defaults
// applied.
func (s *AbilityStore) Register(def AbilityDef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := def.Normalized()
	if s.sealed.Load() {
		return fmt.Errorf("%w: register %q", ErrStoreSealed, d.ID)
	}
	if err := d.validate(); err != nil {
		return err
	}
	if _, ok := s.byID[d.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateIdentifier, d.ID)
	}
	if d.Input != InputNone {
		if other, ok := s.byInput[d.Input]; ok {
			return fmt.Errorf("%w: %s: input %s already bound to %s", ErrInvalidDefinition, d.ID, d.Input, other)
		}
		s.byInput[d.Input] = d.ID
	}
	s.byID[d.ID] = &d
	s.ids = append(s.ids, d.ID)
	return nil
}

// Seal freezes the store and builds the tag registry from every tag the
// definitions reference. Sealing twice is a no-op.
func (s *AbilityStore) Seal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed.Load() {
		return
	}
	sort.Strings(s.ids)
	var declared []tags.Tag
	for _, id := range s.ids {
		declared = append(declared, s.byID[id].referencedTags()...)
	}
	s.registry = tags.NewRegistry(declared...)
	s.sealed.Store(true)
}

func (s *AbilityStore) Sealed() bool { return s.sealed.Load() }

// Lookup returns the definition registered under id.
func (s *AbilityStore) Lookup(id string) (*AbilityDef, error) {
	if !s.sealed.Load() {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	d, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return d, nil
}

// IDs returns the registered ids sorted.
func (s *AbilityStore) IDs() []string {
	if !s.sealed.Load() {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	out := append([]string(nil), s.ids...)
	sort.Strings(out)
	return out
}

// ByInput returns the id of the ability bound to b, if any.
func (s *AbilityStore) ByInput(b InputBinding) (string, bool) {
	if !s.sealed.Load() {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	id, ok := s.byInput[b]
	return id, ok
}

// AutoActivated returns the sorted ids of abilities activated when an agent joins.
func (s *AbilityStore) AutoActivated() []string {
	var out []string
	for _, id := range s.IDs() {
		if d, _ := s.Lookup(id); d != nil && d.AutoActivate {
			out = append(out, id)
		}
	}
	return out
}

// Registry returns the tag registry built at Seal time (nil before).
func (s *AbilityStore) Registry() *tags.Registry {
	if !s.sealed.Load() {
		return nil
	}
	return s.registry
}

// Digest is the sha256 of the catalog sources, empty for stores built in code.
func (s *AbilityStore) Digest() string { return s.digest }

func (s *AbilityStore) Len() int {
	if !s.sealed.Load() {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	return len(s.byID)
}
