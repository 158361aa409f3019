package allocation

import (
	"strings"
	"testing"

	"github.com/reservoir/reservoir/pkg/engine"
)

func TestReallocate(t *testing.T) {
	tests := []struct {
		name       string
		old        []string
		candidates []string
		desired    int
		active     bool
		kept       string
		removed    string
		added      string
		code       string
	}{
		{
			name: "grow keeps old units", old: []string{"a", "b"}, candidates: []string{"c", "a", "b", "d"},
			desired: 3, kept: "a,b", added: "c",
		},
		{
			name: "pending shrink", old: []string{"a", "b", "c"}, candidates: []string{"a", "b", "c"},
			desired: 1, kept: "a", removed: "b,c",
		},
		{
			name: "active shrink from 3 to 1", old: []string{"a", "b", "c"}, candidates: []string{"a", "b", "c"},
			desired: 1, active: true, code: engine.ErrCodeInvalidStateUpdate,
		},
		{
			name: "active lost unit", old: []string{"a", "b"}, candidates: []string{"a", "c"},
			desired: 2, active: true, code: engine.ErrCodeInvalidStateUpdate,
		},
		{
			name: "pending swap", old: []string{"a", "b"}, candidates: []string{"a", "c"},
			desired: 2, kept: "a", removed: "b", added: "c",
		},
		{
			name: "active grow", old: []string{"a"}, candidates: []string{"b", "a"},
			desired: 2, active: true, kept: "a", added: "b",
		},
		{
			name: "not enough", old: []string{"a"}, candidates: []string{"a"},
			desired: 2, code: engine.ErrCodeNotEnoughResources,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := Reallocate(tt.old, tt.candidates, tt.desired, tt.active)
			if tt.code != "" {
				if !engine.HasCode(err, tt.code) {
					t.Errorf("expected %s, got %v", tt.code, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Reallocate failed: %v", err)
			}
			if got := strings.Join(d.Kept, ","); got != tt.kept {
				t.Errorf("kept = %q, want %q", got, tt.kept)
			}
			if got := strings.Join(d.Removed, ","); got != tt.removed {
				t.Errorf("removed = %q, want %q", got, tt.removed)
			}
			if got := strings.Join(d.Added, ","); got != tt.added {
				t.Errorf("added = %q, want %q", got, tt.added)
			}
		})
	}
}
