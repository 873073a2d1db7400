package tags

import "sort"

// Registry is the process-wide set of declared tags. It is built once from
// the ability catalog and never mutated afterwards, so it is safe to share
// between agents and goroutines. The registry is open: undeclared tags are
// valid, they are just not listed by Known/Tags.
type Registry struct {
	known map[Tag]struct{}
	list  []Tag
}

// NewRegistry declares the given tags and all of their ancestors.
func NewRegistry(declared ...Tag) *Registry {
	r := &Registry{known: map[Tag]struct{}{}}
	for _, t := range declared {
		if t == "" {
			continue
		}
		r.known[t] = struct{}{}
		for _, p := range t.Parents() {
			r.known[p] = struct{}{}
		}
	}
	r.list = make([]Tag, 0, len(r.known))
	for t := range r.known {
		r.list = append(r.list, t)
	}
	sort.Slice(r.list, func(i, j int) bool { return r.list[i] < r.list[j] })
	return r
}

// Known reports whether t was declared (directly or as an ancestor).
func (r *Registry) Known(t Tag) bool {
	if r == nil {
		return false
	}
	_, ok := r.known[t]
	return ok
}

// Tags returns the declared tags sorted. The slice must not be modified.
func (r *Registry) Tags() []Tag {
	if r == nil {
		return nil
	}
	return r.list
}

// Has reports whether set holds t by the hierarchy rule.
func (r *Registry) Has(set *Set, t Tag) bool { return set.Has(t) }

// Add adds one stack of t to set.
func (r *Registry) Add(set *Set, t Tag) { set.Add(t) }

// Remove removes one stack of t from set.
func (r *Registry) Remove(set *Set, t Tag) { set.Remove(t) }
