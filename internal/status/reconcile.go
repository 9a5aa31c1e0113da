package status

import (
	mapset "github.com/deckarep/golang-set/v2"
)

// Patch is the minimal change that brings a record in line with the live listing.
type Patch struct {
	// Seed is set when there was no record: every live item becomes unseen.
	Seed bool

	UnmarkSeen   mapset.Set[string] // seen ids no longer present upstream
	RemoveUnseen mapset.Set[string] // unseen ids no longer present upstream
	AddUnseen    mapset.Set[string] // live ids tracked in neither set
}

// Reconcile diffs the live listing against cur (nil when no record exists).
// Items are only ever removed or added; seen items never go back to unseen.
func Reconcile(live []string, cur *DirectoryStatus) Patch {
	liveSet := mapset.NewThreadUnsafeSet(live...)
	p := Patch{
		UnmarkSeen:   mapset.NewThreadUnsafeSet[string](),
		RemoveUnseen: mapset.NewThreadUnsafeSet[string](),
	}
	if cur == nil {
		p.Seed = true
		p.AddUnseen = liveSet
		return p
	}

	p.UnmarkSeen = cur.Seen.Difference(liveSet)
	p.RemoveUnseen = cur.Unseen.Difference(liveSet)
	p.AddUnseen = liveSet.Difference(cur.Seen).Difference(cur.Unseen)
	return p
}

// Empty reports whether applying the patch would change nothing.
func (p Patch) Empty() bool {
	return !p.Seed && p.Removals() == 0 && p.Additions() == 0
}

func (p Patch) Removals() int {
	return p.UnmarkSeen.Cardinality() + p.RemoveUnseen.Cardinality()
}

func (p Patch) Additions() int {
	if p.AddUnseen == nil {
		return 0
	}
	return p.AddUnseen.Cardinality()
}

// Apply returns the patched record. cur is not modified; nil means "no record".
func (p Patch) Apply(cur *DirectoryStatus) *DirectoryStatus {
	var out *DirectoryStatus
	if cur == nil || p.Seed {
		out = New()
	} else {
		out = cur.Clone()
	}
	out.Seen.RemoveAll(p.UnmarkSeen.ToSlice()...)
	out.Unseen.RemoveAll(p.RemoveUnseen.ToSlice()...)
	if p.AddUnseen != nil {
		for it := range p.AddUnseen.Iter() {
			if !out.Seen.Contains(it) {
				out.Unseen.Add(it)
			}
		}
	}
	return out
}
