package allocation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/reservoir/reservoir/pkg/engine"
)

// Period is a half-open time interval [Start, End).
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Duration returns the length of the period.
func (p Period) Duration() time.Duration {
	return p.End.Sub(p.Start)
}

// Overlaps reports whether p and o share any instant.
func (p Period) Overlaps(o Period) bool {
	return p.Start.Before(o.End) && o.Start.Before(p.End)
}

// Widen returns p extended by margin on both sides.
func (p Period) Widen(margin time.Duration) Period {
	return Period{Start: p.Start.Add(-margin), End: p.End.Add(margin)}
}

func (p Period) String() string {
	return fmt.Sprintf("[%s, %s)", p.Start.Format(time.RFC3339), p.End.Format(time.RFC3339))
}

// edge is one boundary of a booking in a sweep.
type edge struct {
	at    time.Time
	delta int
	usage engine.Resources
}

// sortEdges orders edges chronologically with ends before starts at the
// same instant, so back-to-back bookings never count as overlapping.
func sortEdges(edges []edge) {
	sort.SliceStable(edges, func(i, j int) bool {
		if edges[i].at.Equal(edges[j].at) {
			return edges[i].delta < edges[j].delta
		}
		return edges[i].at.Before(edges[j].at)
	})
}

// clip restricts a booking to the window. ok is false when nothing is left.
func clip(b engine.Booking, window Period) (Period, bool) {
	p := Period{Start: b.Start, End: b.End}
	if p.Start.Before(window.Start) {
		p.Start = window.Start
	}
	if p.End.After(window.End) {
		p.End = window.End
	}
	return p, p.Start.Before(p.End)
}

// OccupiedPeriods returns the parts of window in which fewer than quantity
// slots of a unit with the given capacity are free. Every booking holds one
// slot. Occupied periods separated by a gap shorter than duration are
// merged, since nothing of that length fits between them.
func OccupiedPeriods(bookings []engine.Booking, window Period, capacity, quantity int, duration time.Duration) []Period {
	if window.Duration() < duration || quantity > capacity {
		return []Period{window}
	}

	edges := make([]edge, 0, 2*len(bookings))
	for _, b := range bookings {
		p, ok := clip(b, window)
		if !ok {
			continue
		}
		edges = append(edges, edge{at: p.Start, delta: 1}, edge{at: p.End, delta: -1})
	}
	sortEdges(edges)

	var occupied []Period
	running := 0
	var openedAt time.Time
	open := false
	for _, e := range edges {
		running += e.delta
		full := running+quantity > capacity
		switch {
		case full && !open:
			openedAt = e.at
			open = true
		case !full && open:
			if e.at.After(openedAt) {
				occupied = append(occupied, Period{Start: openedAt, End: e.at})
			}
			open = false
		}
	}
	if open && window.End.After(openedAt) {
		occupied = append(occupied, Period{Start: openedAt, End: window.End})
	}

	return mergeShortGaps(occupied, duration)
}

func mergeShortGaps(periods []Period, duration time.Duration) []Period {
	if len(periods) == 0 {
		return nil
	}
	merged := []Period{periods[0]}
	for _, p := range periods[1:] {
		last := &merged[len(merged)-1]
		if !p.Start.After(last.End) || p.Start.Sub(last.End) < duration {
			if p.End.After(last.End) {
				last.End = p.End
			}
			continue
		}
		merged = append(merged, p)
	}
	return merged
}

// FreePeriods returns the complement of OccupiedPeriods within window.
func FreePeriods(bookings []engine.Booking, window Period, capacity, quantity int, duration time.Duration) []Period {
	return complement(window, OccupiedPeriods(bookings, window, capacity, quantity, duration))
}

func complement(window Period, occupied []Period) []Period {
	var free []Period
	cursor := window.Start
	for _, p := range occupied {
		if p.Start.After(cursor) {
			free = append(free, Period{Start: cursor, End: p.Start})
		}
		if p.End.After(cursor) {
			cursor = p.End
		}
	}
	if window.End.After(cursor) {
		free = append(free, Period{Start: cursor, End: window.End})
	}
	return free
}

// IsFreeFor reports whether a single-slot unit has no booking overlapping window.
func IsFreeFor(bookings []engine.Booking, window Period) bool {
	free := FreePeriods(bookings, window, 1, 1, window.Duration())
	return len(free) == 1 && free[0].Start.Equal(window.Start) && free[0].End.Equal(window.End)
}

// BookingSource is the store query behind UnitPeriods.
type BookingSource interface {
	GetBookingsByUnitIDs(ctx context.Context, unitIDs []string, start, end time.Time) ([]engine.Booking, error)
}

// UnitPeriods returns the free and occupied periods of a single-slot unit
// between start and end, for bookings at least duration long.
func UnitPeriods(ctx context.Context, source BookingSource, unitID string, start, end time.Time, duration time.Duration) (free, occupied []Period, err error) {
	bookings, err := source.GetBookingsByUnitIDs(ctx, []string{unitID}, start, end)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load bookings for unit %s: %w", unitID, err)
	}
	window := Period{Start: start, End: end}
	occupied = OccupiedPeriods(bookings, window, 1, 1, duration)
	return complement(window, occupied), occupied, nil
}

// BookingsByUnit groups bookings by unit ID, dropping those that exclude.
func BookingsByUnit(bookings []engine.Booking, exclude func(engine.Booking) bool) map[string][]engine.Booking {
	out := make(map[string][]engine.Booking)
	for _, b := range bookings {
		if exclude != nil && exclude(b) {
			continue
		}
		out[b.UnitID] = append(out[b.UnitID], b)
	}
	return out
}
