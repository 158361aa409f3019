package allocation

import (
	"fmt"

	"github.com/reservoir/reservoir/pkg/engine"
)

// Diff is the change from one allocation set to another.
type Diff struct {
	Kept    []string `json:"kept"`
	Removed []string `json:"removed"`
	Added   []string `json:"added"`
}

// Changed reports whether the diff adds or removes anything.
func (d Diff) Changed() bool {
	return len(d.Removed) > 0 || len(d.Added) > 0
}

// Reallocate moves from the old unit set to desired units drawn from
// candidates, keeping as many old units as possible. Candidates are in
// preference order. An active reservation may only grow.
func Reallocate(old, candidates []string, desired int, active bool) (Diff, error) {
	inCandidates := make(map[string]bool, len(candidates))
	for _, id := range candidates {
		inCandidates[id] = true
	}
	inOld := make(map[string]bool, len(old))
	for _, id := range old {
		inOld[id] = true
	}

	var d Diff
	for _, id := range old {
		if inCandidates[id] && len(d.Kept) < desired {
			d.Kept = append(d.Kept, id)
			continue
		}
		d.Removed = append(d.Removed, id)
	}

	if active && (len(d.Removed) > 0 || desired < len(old)) {
		return Diff{}, engine.NewInvalidStateUpdateError(
			fmt.Sprintf("cannot remove allocated units from an active reservation (have %d, want %d)", len(old), desired))
	}

	for _, id := range candidates {
		if len(d.Kept)+len(d.Added) == desired {
			break
		}
		if !inOld[id] {
			d.Added = append(d.Added, id)
		}
	}

	if len(d.Kept)+len(d.Added) < desired {
		return Diff{}, engine.NewNotEnoughResourcesError("unit", len(d.Kept)+len(d.Added), desired)
	}
	return d, nil
}
