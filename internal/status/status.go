// Package status holds the per-category seen/unseen record and the
// reconciliation logic that keeps it honest against the live item listing.
package status

import (
	"encoding/json"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
)

// DirectoryStatus tracks which items of one category were already delivered.
// Seen and Unseen are disjoint after every write.
type DirectoryStatus struct {
	Seen   mapset.Set[string]
	Unseen mapset.Set[string]
}

// New returns an empty record.
func New() *DirectoryStatus {
	return &DirectoryStatus{
		Seen:   mapset.NewThreadUnsafeSet[string](),
		Unseen: mapset.NewThreadUnsafeSet[string](),
	}
}

// Seeded returns a record with every item unseen.
func Seeded(items []string) *DirectoryStatus {
	st := New()
	for _, it := range items {
		st.Unseen.Add(it)
	}
	return st
}

func (s *DirectoryStatus) Clone() *DirectoryStatus {
	return &DirectoryStatus{Seen: s.Seen.Clone(), Unseen: s.Unseen.Clone()}
}

// Disjoint reports whether no id is both seen and unseen.
func (s *DirectoryStatus) Disjoint() bool {
	return s.Seen.Intersect(s.Unseen).Cardinality() == 0
}

type Counts struct {
	Seen   int
	Unseen int
}

func (c Counts) Total() int { return c.Seen + c.Unseen }

// Viewed is the seen fraction in [0,1]; 0 for an empty record.
func (c Counts) Viewed() float64 {
	if c.Total() == 0 {
		return 0
	}
	return float64(c.Seen) / float64(c.Total())
}

func (s *DirectoryStatus) Counts() Counts {
	return Counts{Seen: s.Seen.Cardinality(), Unseen: s.Unseen.Cardinality()}
}

// MarkSeen moves id from unseen to seen.
func (s *DirectoryStatus) MarkSeen(id string) {
	s.Unseen.Remove(id)
	s.Seen.Add(id)
}

// Forget drops id from both sets.
func (s *DirectoryStatus) Forget(id string) {
	s.Seen.Remove(id)
	s.Unseen.Remove(id)
}

// UnseenItems returns the unseen ids sorted, so callers indexing into the
// slice with a seeded rng get reproducible picks.
func (s *DirectoryStatus) UnseenItems() []string {
	return sorted(s.Unseen)
}

type wireStatus struct {
	Seen   []string `json:"seen"`
	Unseen []string `json:"unseen"`

	// Records written by older deployments.
	LegacySeen   []string `json:"SeenFiles,omitempty"`
	LegacyUnseen []string `json:"UnseenFiles,omitempty"`
}

func (s *DirectoryStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireStatus{Seen: sorted(s.Seen), Unseen: sorted(s.Unseen)})
}

func (s *DirectoryStatus) UnmarshalJSON(b []byte) error {
	var w wireStatus
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	st := New()
	for _, it := range append(w.Seen, w.LegacySeen...) {
		st.Seen.Add(it)
	}
	for _, it := range append(w.Unseen, w.LegacyUnseen...) {
		// seen wins if a stale record carries both
		if !st.Seen.Contains(it) {
			st.Unseen.Add(it)
		}
	}
	*s = *st
	return nil
}

// Decode parses a stored record.
func Decode(b []byte) (*DirectoryStatus, error) {
	st := New()
	if err := json.Unmarshal(b, st); err != nil {
		return nil, err
	}
	return st, nil
}

// Encode serializes a record for storage.
func Encode(s *DirectoryStatus) ([]byte, error) {
	return json.Marshal(s)
}

func sorted(set mapset.Set[string]) []string {
	out := set.ToSlice()
	sort.Strings(out)
	return out
}
