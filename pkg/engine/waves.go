package engine

import (
	"fmt"
	"strings"
)

// BuildEventWaves orders a batch of claimed events into waves that run in
// sequence. Events in one wave are independent and may run concurrently.
//
// Leases whose start_lease is not in the batch are wound down first, so
// capacity they release is free before new leases start:
//
//  1. before_end_lease of leases with no start_lease in the batch
//  2. end_lease of leases with no start_lease in the batch
//  3. start_lease
//  4. before_end_lease of leases started in wave 3
//  5. end_lease of leases started in wave 3
//
// Empty waves are dropped. Input order is kept within a wave.
func BuildEventWaves(events []Event) [][]Event {
	starting := make(map[string]bool)
	for _, e := range events {
		if e.EventType == EventTypeStartLease {
			starting[e.LeaseID] = true
		}
	}

	waves := make([][]Event, 5)
	for _, e := range events {
		var idx int
		switch e.EventType {
		case EventTypeBeforeEndLease:
			idx = 0
			if starting[e.LeaseID] {
				idx = 3
			}
		case EventTypeEndLease:
			idx = 1
			if starting[e.LeaseID] {
				idx = 4
			}
		case EventTypeStartLease:
			idx = 2
		default:
			continue
		}
		waves[idx] = append(waves[idx], e)
	}

	out := make([][]Event, 0, len(waves))
	for _, w := range waves {
		if len(w) > 0 {
			out = append(out, w)
		}
	}
	return out
}

// WavesToDOT renders event waves in DOT format for Graphviz. Consecutive
// events of the same lease are linked.
func WavesToDOT(waves [][]Event) string {
	var sb strings.Builder

	sb.WriteString("digraph EventWaves {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for i, wave := range waves {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_wave_%d {\n", i))
		sb.WriteString(fmt.Sprintf("    label=\"Wave %d\";\n", i))
		sb.WriteString("    style=dashed;\n")

		for _, e := range wave {
			label := fmt.Sprintf("%s\\n%s", e.LeaseID, e.EventType)
			sb.WriteString(fmt.Sprintf("    \"%s\" [label=\"%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				e.ID, label, eventTypeColor(e.EventType)))
		}

		sb.WriteString("  }\n\n")
	}

	last := make(map[string]string)
	for _, wave := range waves {
		for _, e := range wave {
			if prev, ok := last[e.LeaseID]; ok {
				sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\";\n", prev, e.ID))
			}
			last[e.LeaseID] = e.ID
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func eventTypeColor(t EventType) string {
	switch t {
	case EventTypeStartLease:
		return "lightgreen"
	case EventTypeBeforeEndLease:
		return "lightblue"
	case EventTypeEndLease:
		return "lightcoral"
	default:
		return "white"
	}
}
