package allocation

import (
	"github.com/reservoir/reservoir/pkg/engine"
)

// PeakUsage returns the per-class high-water mark of concurrent usage within
// window. Classes peak independently, so the result may combine maxima from
// different instants.
func PeakUsage(bookings []engine.Booking, window Period) engine.Resources {
	edges := make([]edge, 0, 2*len(bookings))
	for _, b := range bookings {
		if len(b.Usage) == 0 {
			continue
		}
		p, ok := clip(b, window)
		if !ok {
			continue
		}
		edges = append(edges,
			edge{at: p.Start, delta: 1, usage: b.Usage},
			edge{at: p.End, delta: -1, usage: b.Usage},
		)
	}
	sortEdges(edges)

	running := make(engine.Resources)
	peak := make(engine.Resources)
	for _, e := range edges {
		for class, amount := range e.usage {
			running[class] += int64(e.delta) * amount
			if running[class] > peak[class] {
				peak[class] = running[class]
			}
		}
	}
	return peak
}

// utilisation sums used/capacity over the classes the unit declares.
func utilisation(used, capacity engine.Resources) float64 {
	var score float64
	for class, limit := range capacity {
		if limit <= 0 {
			continue
		}
		score += float64(used[class]) / float64(limit)
	}
	return score
}
