package engine

import (
	"encoding/json"
	"testing"
)

func TestEventStatus_TransitionsAllPairs(t *testing.T) {
	allowed := map[EventStatus][]EventStatus{
		EventStatusUndone:     {EventStatusInProgress},
		EventStatusInProgress: {EventStatusDone, EventStatusError},
	}

	for _, from := range AllEventStatuses {
		for _, to := range AllEventStatuses {
			want := containsStatus(allowed[from], to)
			if got := from.IsValidTransition(to); got != want {
				t.Errorf("%s -> %s: got %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestReservationStatus_TransitionsAllPairs(t *testing.T) {
	allowed := map[ReservationStatus][]ReservationStatus{
		ReservationStatusPending: {ReservationStatusActive, ReservationStatusDeleted, ReservationStatusError},
		ReservationStatusActive:  {ReservationStatusDeleted, ReservationStatusError},
		ReservationStatusError:   {ReservationStatusDeleted},
	}

	for _, from := range AllReservationStatuses {
		for _, to := range AllReservationStatuses {
			want := containsStatus(allowed[from], to)
			if got := from.IsValidTransition(to); got != want {
				t.Errorf("%s -> %s: got %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestLeaseStatus_TransitionsAllPairs(t *testing.T) {
	allowed := map[LeaseStatus][]LeaseStatus{
		LeaseStatusCreating:    {LeaseStatusPending, LeaseStatusDeleting, LeaseStatusError},
		LeaseStatusPending:     {LeaseStatusStarting, LeaseStatusUpdating, LeaseStatusDeleting},
		LeaseStatusStarting:    {LeaseStatusActive, LeaseStatusError, LeaseStatusDeleting},
		LeaseStatusActive:      {LeaseStatusTerminating, LeaseStatusUpdating, LeaseStatusDeleting},
		LeaseStatusUpdating:    {LeaseStatusPending, LeaseStatusActive, LeaseStatusError, LeaseStatusDeleting},
		LeaseStatusTerminating: {LeaseStatusTerminated, LeaseStatusError, LeaseStatusDeleting},
		LeaseStatusTerminated:  {LeaseStatusDeleting},
		LeaseStatusDeleting:    {LeaseStatusError},
		LeaseStatusError:       {LeaseStatusTerminating, LeaseStatusDeleting},
	}

	for _, from := range AllLeaseStatuses {
		for _, to := range AllLeaseStatuses {
			want := containsStatus(allowed[from], to)
			if got := from.IsValidTransition(to); got != want {
				t.Errorf("%s -> %s: got %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestLeaseStatus_StableAndTransitional(t *testing.T) {
	for _, s := range AllLeaseStatuses {
		if s.IsStable() == s.IsTransitional() {
			t.Errorf("%s: stable=%v transitional=%v", s, s.IsStable(), s.IsTransitional())
		}
	}
	if !LeaseStatusTerminated.IsTerminal() {
		t.Error("TERMINATED should be terminal")
	}
	if LeaseStatusError.IsTerminal() {
		t.Error("ERROR can still be terminated or deleted")
	}
}

func TestStatus_JSONValidation(t *testing.T) {
	var ls LeaseStatus
	if err := json.Unmarshal([]byte(`"ACTIVE"`), &ls); err != nil || ls != LeaseStatusActive {
		t.Fatalf("Unmarshal ACTIVE: %v %s", err, ls)
	}
	if err := json.Unmarshal([]byte(`"BOGUS"`), &ls); err == nil {
		t.Error("expected error for unknown lease status")
	}
	if _, err := json.Marshal(ReservationStatus("nope")); err == nil {
		t.Error("expected error marshalling unknown reservation status")
	}

	var es EventStatus
	if err := json.Unmarshal([]byte(`"IN_PROGRESS"`), &es); err != nil || es != EventStatusInProgress {
		t.Fatalf("Unmarshal IN_PROGRESS: %v %s", err, es)
	}
}

func TestDeriveStableStatusOf(t *testing.T) {
	tests := []struct {
		name string
		snap LeaseSnapshot
		want LeaseStatus
	}{
		{
			name: "pending",
			snap: LeaseSnapshot{Reservations: []ReservationStatus{ReservationStatusPending}, StartLease: EventStatusUndone, EndLease: EventStatusUndone},
			want: LeaseStatusPending,
		},
		{
			name: "active",
			snap: LeaseSnapshot{Reservations: []ReservationStatus{ReservationStatusActive, ReservationStatusActive}, StartLease: EventStatusDone, EndLease: EventStatusUndone},
			want: LeaseStatusActive,
		},
		{
			name: "active with a pending reservation collapses",
			snap: LeaseSnapshot{Reservations: []ReservationStatus{ReservationStatusActive, ReservationStatusPending}, StartLease: EventStatusDone, EndLease: EventStatusUndone},
			want: LeaseStatusError,
		},
		{
			name: "terminated",
			snap: LeaseSnapshot{Reservations: []ReservationStatus{ReservationStatusDeleted}, StartLease: EventStatusDone, EndLease: EventStatusDone},
			want: LeaseStatusTerminated,
		},
		{
			name: "done done with live reservation",
			snap: LeaseSnapshot{Reservations: []ReservationStatus{ReservationStatusActive}, StartLease: EventStatusDone, EndLease: EventStatusDone},
			want: LeaseStatusError,
		},
		{
			name: "start failed",
			snap: LeaseSnapshot{Reservations: []ReservationStatus{ReservationStatusError}, StartLease: EventStatusError, EndLease: EventStatusUndone},
			want: LeaseStatusError,
		},
		{
			name: "start in progress",
			snap: LeaseSnapshot{Reservations: []ReservationStatus{ReservationStatusPending}, StartLease: EventStatusInProgress, EndLease: EventStatusUndone},
			want: LeaseStatusError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DeriveStableStatusOf(tt.snap)
			if got != tt.want {
				t.Errorf("DeriveStableStatusOf() = %s, want %s", got, tt.want)
			}

			// Idempotent: deriving again from the derived status gives the same answer.
			again := tt.snap
			again.Status = got
			if second := DeriveStableStatusOf(again); second != got {
				t.Errorf("second derivation = %s, want %s", second, got)
			}
		})
	}
}

func TestIsValidCombinationOf(t *testing.T) {
	snap := LeaseSnapshot{
		Reservations: []ReservationStatus{ReservationStatusActive},
		StartLease:   EventStatusDone,
		EndLease:     EventStatusUndone,
	}

	if !IsValidCombinationOf(LeaseStatusActive, snap) {
		t.Error("ACTIVE should accept active reservations with start DONE")
	}
	if IsValidCombinationOf(LeaseStatusPending, snap) {
		t.Error("PENDING should reject a DONE start event")
	}
	if !IsValidCombinationOf(LeaseStatusError, snap) {
		t.Error("ERROR accepts any combination")
	}
	if !IsValidCombinationOf(LeaseStatusDeleting, snap) {
		t.Error("DELETING accepts any combination")
	}
	if IsValidCombinationOf(LeaseStatus("BOGUS"), snap) {
		t.Error("unknown status should never be valid")
	}
}
