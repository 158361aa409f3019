package engine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// LeaseSnapshot is the set of child statuses a lease status is checked against.
type LeaseSnapshot struct {
	Status       LeaseStatus
	Reservations []ReservationStatus
	StartLease   EventStatus
	EndLease     EventStatus
}

// SnapshotOf captures the child statuses of a loaded lease. A missing
// start or end event reads as UNDONE.
func SnapshotOf(lease *Lease) LeaseSnapshot {
	snap := LeaseSnapshot{
		Status:     lease.Status,
		StartLease: EventStatusUndone,
		EndLease:   EventStatusUndone,
	}
	for _, r := range lease.Reservations {
		snap.Reservations = append(snap.Reservations, r.Status)
	}
	if e, ok := lease.EventOfType(EventTypeStartLease); ok {
		snap.StartLease = e.Status
	}
	if e, ok := lease.EventOfType(EventTypeEndLease); ok {
		snap.EndLease = e.Status
	}
	return snap
}

// IsValidCombinationOf reports whether status may coexist with the snapshot's
// child statuses.
func IsValidCombinationOf(status LeaseStatus, snap LeaseSnapshot) bool {
	c, ok := CombinationFor(status)
	if !ok {
		return false
	}
	return c.allows(snap.Reservations, snap.StartLease, snap.EndLease)
}

// DeriveStableStatusOf computes the stable status implied by a snapshot.
// Any inconsistency between the candidate and the child statuses yields ERROR.
func DeriveStableStatusOf(snap LeaseSnapshot) LeaseStatus {
	candidate := StableStatusFor(snap.StartLease, snap.EndLease)
	if !IsValidCombinationOf(candidate, snap) {
		return LeaseStatusError
	}
	return candidate
}

// StatusModel answers lease status questions against the store.
type StatusModel struct {
	store  Store
	logger zerolog.Logger
}

// NewStatusModel creates a status model backed by store.
func NewStatusModel(store Store, logger zerolog.Logger) *StatusModel {
	return &StatusModel{
		store:  store,
		logger: logger.With().Str("component", "status").Logger(),
	}
}

// IsValidTransition checks the transition table and then the combination
// rule for the target status.
func (m *StatusModel) IsValidTransition(ctx context.Context, leaseID string, current, next LeaseStatus) (bool, error) {
	if !current.IsValidTransition(next) {
		return false, nil
	}
	return m.IsValidCombination(ctx, leaseID, next)
}

// IsValidCombination checks status against the lease's current children.
func (m *StatusModel) IsValidCombination(ctx context.Context, leaseID string, status LeaseStatus) (bool, error) {
	lease, err := m.store.GetLease(ctx, leaseID)
	if err != nil {
		return false, err
	}
	return IsValidCombinationOf(status, SnapshotOf(lease)), nil
}

// DeriveStableStatus computes the stable status of a stored lease.
func (m *StatusModel) DeriveStableStatus(ctx context.Context, leaseID string) (LeaseStatus, error) {
	lease, err := m.store.GetLease(ctx, leaseID)
	if err != nil {
		return "", err
	}
	return DeriveStableStatusOf(SnapshotOf(lease)), nil
}

// Reconcile persists the derived stable status when it differs from the
// stored one. Leases held by a lease manager operation (CREATING, UPDATING,
// DELETING) are left alone. A deleted lease is not an error.
func (m *StatusModel) Reconcile(ctx context.Context, leaseID string) (LeaseStatus, error) {
	lease, err := m.store.GetLease(ctx, leaseID)
	if err != nil {
		if IsNotFound(err) {
			return "", nil
		}
		return "", err
	}

	switch lease.Status {
	case LeaseStatusCreating, LeaseStatusUpdating, LeaseStatusDeleting:
		return lease.Status, nil
	}

	derived := DeriveStableStatusOf(SnapshotOf(lease))
	if derived == lease.Status {
		return derived, nil
	}
	moved, err := m.store.UpdateLeaseStatusIf(ctx, leaseID, lease.Status, derived)
	if err != nil {
		if IsNotFound(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to reconcile lease status: %w", err)
	}
	if !moved {
		m.logger.Debug().Str("lease_id", leaseID).Msg("Lease status changed while reconciling")
		return lease.Status, nil
	}
	m.logger.Info().
		Str("lease_id", leaseID).
		Str("from", string(lease.Status)).
		Str("to", string(derived)).
		Msg("Reconciled lease status")
	return derived, nil
}
