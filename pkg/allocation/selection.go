package allocation

import (
	"sort"
	"time"

	"github.com/reservoir/reservoir/pkg/engine"
)

// SelectCandidates picks between min and max exclusive units matching
// filter that are free for window widened by margin. Units already booked
// at other times come before idle ones so that idle units stay whole.
func SelectCandidates(units []engine.ResourceUnit, filter []Predicate, min, max int, window Period, margin time.Duration, bookings []engine.Booking) ([]engine.ResourceUnit, error) {
	widened := window.Widen(margin)
	byUnit := BookingsByUnit(bookings, nil)

	var touched, idle []engine.ResourceUnit
	for _, u := range units {
		if !u.Reservable || !MatchAll(filter, u.Attributes) {
			continue
		}
		booked := byUnit[u.ID]
		switch {
		case len(booked) == 0:
			idle = append(idle, u)
		case IsFreeFor(booked, widened):
			touched = append(touched, u)
		}
	}

	sortByName(touched)
	sortByName(idle)
	selected := append(touched, idle...)

	if len(selected) < min {
		return nil, engine.NewNotEnoughResourcesError(kindOf(units), len(selected), min)
	}
	if max > 0 && len(selected) > max {
		selected = selected[:max]
	}
	return selected, nil
}

// Affinity controls how the slots of a shared request spread over units.
type Affinity string

const (
	// AffinityNone packs slots wherever they fit.
	AffinityNone Affinity = ""
	// AffinitySame puts every slot on one unit.
	AffinitySame Affinity = "same"
	// AffinitySpread puts every slot on a different unit.
	AffinitySpread Affinity = "spread"
)

// SlotRequest asks for Amount slots of Usage each on capacity-shared units.
type SlotRequest struct {
	Usage    engine.Resources
	Amount   int
	Affinity Affinity
}

type scoredUnit struct {
	unit  engine.ResourceUnit
	used  engine.Resources
	score float64
}

// SelectSharedCandidates places the slots of req on units whose peak usage
// in window leaves room for them. Units are tried most used first. The
// result holds one unit per slot; a unit repeats when it takes several.
func SelectSharedCandidates(units []engine.ResourceUnit, filter []Predicate, req SlotRequest, window Period, bookings []engine.Booking) ([]engine.ResourceUnit, error) {
	if req.Amount <= 0 {
		return nil, nil
	}
	byUnit := BookingsByUnit(bookings, nil)

	var candidates []scoredUnit
	for _, u := range units {
		if !u.Reservable || !MatchAll(filter, u.Attributes) {
			continue
		}
		used := PeakUsage(byUnit[u.ID], window)
		if !used.Add(req.Usage).Fits(u.Capacity) {
			continue
		}
		candidates = append(candidates, scoredUnit{unit: u, used: used, score: utilisation(used, u.Capacity)})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].unit.Name < candidates[j].unit.Name
	})

	var placed []engine.ResourceUnit
	switch req.Affinity {
	case AffinitySame:
		total := req.Usage.Scale(int64(req.Amount))
		for _, c := range candidates {
			if c.used.Add(total).Fits(c.unit.Capacity) {
				for i := 0; i < req.Amount; i++ {
					placed = append(placed, c.unit)
				}
				break
			}
		}
	case AffinitySpread:
		for _, c := range candidates {
			if len(placed) == req.Amount {
				break
			}
			placed = append(placed, c.unit)
		}
	default:
		for _, c := range candidates {
			used := c.used
			for len(placed) < req.Amount && used.Add(req.Usage).Fits(c.unit.Capacity) {
				used = used.Add(req.Usage)
				placed = append(placed, c.unit)
			}
			if len(placed) == req.Amount {
				break
			}
		}
	}

	if len(placed) < req.Amount {
		return nil, engine.NewNotEnoughResourcesError(kindOf(units), len(placed), req.Amount)
	}
	return placed, nil
}

func sortByName(units []engine.ResourceUnit) {
	sort.SliceStable(units, func(i, j int) bool {
		return units[i].Name < units[j].Name
	})
}

func kindOf(units []engine.ResourceUnit) string {
	if len(units) > 0 && units[0].Kind != "" {
		return units[0].Kind
	}
	return "unit"
}
