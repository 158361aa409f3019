package stores

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/reservoir/reservoir/pkg/engine"
)

// timeLayout is fixed width so stored timestamps compare lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func encodeJSON(v interface{}) (string, error) {
	if v == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(raw) == "null" {
		return "{}", nil
	}
	return string(raw), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// inUse is returned when a unit still has allocations.
func inUse(unitID string) error {
	return engine.NewInvalidStateUpdateError(fmt.Sprintf("unit %s still has allocations", unitID)).
		WithResource(unitID)
}

func alreadyExists(kind, id string) error {
	return engine.NewPermanentError(fmt.Sprintf("%s already exists", kind), nil).
		WithCode(engine.ErrCodeAlreadyExists).
		WithResource(id)
}

// unitsOf returns the distinct units of allocations.
func unitsOf(allocations []engine.Allocation) []string {
	seen := make(map[string]bool, len(allocations))
	var out []string
	for _, a := range allocations {
		if !seen[a.UnitID] {
			seen[a.UnitID] = true
			out = append(out, a.UnitID)
		}
	}
	return out
}

// othersOf drops the bookings of the reservations being written.
func othersOf(existing []engine.Booking, allocations []engine.Allocation) []engine.Booking {
	own := make(map[string]bool)
	for _, a := range allocations {
		own[a.ReservationID] = true
	}
	out := existing[:0]
	for _, b := range existing {
		if !own[b.ReservationID] {
			out = append(out, b)
		}
	}
	return out
}
