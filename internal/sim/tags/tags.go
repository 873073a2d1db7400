// Package tags implements hierarchical gameplay tags.
//
// A tag is a dot separated label such as "State.Stunned.Heavy". Holding a tag
// implies holding every ancestor ("State.Stunned", "State"). Agents keep their
// own counted Set; the Registry is the immutable list of tags declared by the
// ability catalog and carries no agent state.
package tags

import (
	"sort"
	"strings"
)

// Tag is a dot-hierarchical label.
type Tag string

const sep = "."

// Normalize trims surrounding whitespace and empty path segments.
func Normalize(s string) Tag {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if !strings.Contains(s, "..") && !strings.HasPrefix(s, sep) && !strings.HasSuffix(s, sep) {
		return Tag(s)
	}
	parts := strings.Split(s, sep)
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return Tag(strings.Join(out, sep))
}

func (t Tag) String() string { return string(t) }

// Parents returns the strict ancestors of t, nearest first.
// Parents("A.B.C") == ["A.B", "A"].
func (t Tag) Parents() []Tag {
	s := string(t)
	var out []Tag
	for {
		i := strings.LastIndex(s, sep)
		if i <= 0 {
			return out
		}
		s = s[:i]
		out = append(out, Tag(s))
	}
}

// Matches reports whether t is query or a descendant of query.
func (t Tag) Matches(query Tag) bool {
	if query == "" || t == "" {
		return false
	}
	if t == query {
		return true
	}
	return strings.HasPrefix(string(t), string(query)+sep)
}

// Set is a per-agent multiset of tags. Adding the same tag twice stacks it;
// it is held until removed the same number of times.
//
// Not safe for concurrent use. A Set is owned by exactly one agent.
type Set struct {
	explicit map[Tag]int
	// implied counts every held tag and all of its ancestors.
	implied map[Tag]int
}

func NewSet() *Set {
	return &Set{explicit: map[Tag]int{}, implied: map[Tag]int{}}
}

func (s *Set) init() {
	if s.explicit == nil {
		s.explicit = map[Tag]int{}
	}
	if s.implied == nil {
		s.implied = map[Tag]int{}
	}
}

// Has reports whether t or any held descendant of t is in the set.
func (s *Set) Has(t Tag) bool {
	if s == nil || t == "" {
		return false
	}
	return s.implied[t] > 0
}

// Add adds one stack of t.
func (s *Set) Add(t Tag) {
	s.AddN(t, 1)
}

// AddN adds n stacks of t. n <= 0 and a nil set are no-ops.
func (s *Set) AddN(t Tag, n int) {
	if s == nil || t == "" || n <= 0 {
		return
	}
	s.init()
	s.explicit[t] += n
	s.implied[t] += n
	for _, p := range t.Parents() {
		s.implied[p] += n
	}
}

// Remove removes one stack of t. Removing a tag that is not explicitly held
// is a no-op, so ancestors implied by a descendant are never removed directly.
func (s *Set) Remove(t Tag) {
	if s == nil || t == "" || s.explicit[t] <= 0 {
		return
	}
	s.explicit[t]--
	if s.explicit[t] == 0 {
		delete(s.explicit, t)
	}
	s.dec(t)
	for _, p := range t.Parents() {
		s.dec(p)
	}
}

func (s *Set) dec(t Tag) {
	s.implied[t]--
	if s.implied[t] <= 0 {
		delete(s.implied, t)
	}
}

// Count returns the explicit stack count of t.
func (s *Set) Count(t Tag) int {
	if s == nil {
		return 0
	}
	return s.explicit[t]
}

// Len returns the number of distinct explicitly held tags.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.explicit)
}

// HasAll reports whether every tag in want is held.
func (s *Set) HasAll(want []Tag) bool {
	_, ok := s.FirstMissing(want)
	return !ok
}

// HasAny reports whether at least one tag in want is held.
func (s *Set) HasAny(want []Tag) bool {
	_, ok := s.FirstHeld(want)
	return ok
}

// FirstMissing returns the first tag of want (in order) that is not held.
func (s *Set) FirstMissing(want []Tag) (Tag, bool) {
	for _, t := range want {
		if !s.Has(t) {
			return t, true
		}
	}
	return "", false
}

// FirstHeld returns the first tag of want (in order) that is held.
func (s *Set) FirstHeld(want []Tag) (Tag, bool) {
	for _, t := range want {
		if s.Has(t) {
			return t, true
		}
	}
	return "", false
}

// Explicit returns the explicit stack counts sorted by tag.
func (s *Set) Explicit() []Count {
	if s == nil {
		return nil
	}
	out := make([]Count, 0, len(s.explicit))
	for t, n := range s.explicit {
		out = append(out, Count{Tag: t, N: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out
}

// Names returns the explicitly held tags sorted.
func (s *Set) Names() []string {
	ex := s.Explicit()
	out := make([]string, 0, len(ex))
	for _, c := range ex {
		out = append(out, string(c.Tag))
	}
	return out
}

// Count is one explicit entry of a Set.
type Count struct {
	Tag Tag `json:"tag"`
	N   int `json:"n"`
}

// Parse normalizes a list of raw tag strings, dropping empty ones.
func Parse(raw []string) []Tag {
	if len(raw) == 0 {
		return nil
	}
	out := make([]Tag, 0, len(raw))
	for _, r := range raw {
		if t := Normalize(r); t != "" {
			out = append(out, t)
		}
	}
	return out
}
