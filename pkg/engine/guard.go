package engine

import (
	"context"
	"fmt"
)

// GuardOptions configure a TransitionGuard.
type GuardOptions struct {
	// Target is the transitional status held while the operation runs.
	Target LeaseStatus

	// Acceptable lists the stable statuses Commit may land on.
	Acceptable []LeaseStatus

	// NonFatal selects errors after which Rollback restores the prior status
	// instead of forcing ERROR. Nil means every error is fatal.
	NonFatal func(error) bool

	// Resume lets Begin pick up a lease already held in Target, which happens
	// when a dispatch died before releasing it.
	Resume bool
}

// NonFatalCodes returns a predicate matching errors carrying any of codes.
func NonFatalCodes(codes ...string) func(error) bool {
	return func(err error) bool {
		for _, code := range codes {
			if HasCode(err, code) {
				return true
			}
		}
		return false
	}
}

// TransitionGuard holds a lease in a transitional status for the duration of
// one mutation and settles it afterwards.
//
// Usage:
//
//	g := model.Guard(leaseID, GuardOptions{Target: LeaseStatusStarting, Acceptable: ...})
//	if err := g.Begin(ctx); err != nil { return err }
//	if err := work(); err != nil { return g.Rollback(ctx, err) }
//	_, err := g.Commit(ctx)
type TransitionGuard struct {
	model   *StatusModel
	leaseID string
	opts    GuardOptions

	prior LeaseStatus
	begun bool
}

// Guard creates a transition guard for a lease.
func (m *StatusModel) Guard(leaseID string, opts GuardOptions) *TransitionGuard {
	return &TransitionGuard{
		model:   m,
		leaseID: leaseID,
		opts:    opts,
	}
}

// Prior returns the status the lease held before Begin.
func (g *TransitionGuard) Prior() LeaseStatus {
	return g.prior
}

// Begin moves the lease into the target status. It fails with INVALID_STATUS,
// without touching the lease, if the move is not allowed.
func (g *TransitionGuard) Begin(ctx context.Context) error {
	lease, err := g.model.store.GetLease(ctx, g.leaseID)
	if err != nil {
		return err
	}

	current := lease.Status
	snap := SnapshotOf(lease)

	if current == g.opts.Target && g.opts.Resume {
		g.prior = resumePrior(g.opts.Target, snap)
		g.begun = true
		g.model.logger.Warn().
			Str("lease_id", g.leaseID).
			Str("status", string(current)).
			Msg("Resuming lease held in transitional status")
		return nil
	}

	if !current.IsValidTransition(g.opts.Target) || !IsValidCombinationOf(g.opts.Target, snap) {
		invalid := NewInvalidStatusError(g.leaseID, current, g.opts.Target)
		if current.IsTransitional() {
			// Another operation holds the lease; it may be retried later.
			invalid = invalid.WithClass(ErrorClassConflict)
		}
		return invalid
	}

	moved, err := g.model.store.UpdateLeaseStatusIf(ctx, g.leaseID, current, g.opts.Target)
	if err != nil {
		return fmt.Errorf("failed to set lease status %s: %w", g.opts.Target, err)
	}
	if !moved {
		// Another operation changed the lease after it was read.
		return NewInvalidStatusError(g.leaseID, current, g.opts.Target).WithClass(ErrorClassConflict)
	}

	g.prior = current
	g.begun = true
	return nil
}

// Attach adopts a lease that was created directly in the target status.
func (g *TransitionGuard) Attach(ctx context.Context) error {
	lease, err := g.model.store.GetLease(ctx, g.leaseID)
	if err != nil {
		return err
	}
	if lease.Status != g.opts.Target {
		return NewInvalidStatusError(g.leaseID, lease.Status, g.opts.Target)
	}
	g.prior = lease.Status
	g.begun = true
	return nil
}

// Commit derives the stable status and persists it when acceptable. Otherwise
// the lease is forced to ERROR and INVALID_STATUS is returned.
func (g *TransitionGuard) Commit(ctx context.Context) (LeaseStatus, error) {
	if !g.begun {
		return "", NewPermanentError("transition guard not begun", nil).
			WithCode(ErrCodeInternal).
			WithResource(g.leaseID)
	}
	g.begun = false

	derived, err := g.model.DeriveStableStatus(ctx, g.leaseID)
	if err != nil {
		if IsNotFound(err) {
			return "", nil
		}
		return "", err
	}

	if containsStatus(g.opts.Acceptable, derived) && g.opts.Target.IsValidTransition(derived) {
		if err := g.settle(ctx, derived); err != nil {
			if IsNotFound(err) {
				return "", nil
			}
			return "", err
		}
		return derived, nil
	}

	if err := g.forceError(ctx); err != nil {
		return "", err
	}
	return LeaseStatusError, NewInvalidStatusError(g.leaseID, g.opts.Target, derived)
}

// Rollback settles the lease after a failed operation and returns cause.
// Non-fatal causes restore the prior status; any other cause forces ERROR.
func (g *TransitionGuard) Rollback(ctx context.Context, cause error) error {
	if !g.begun {
		return cause
	}
	g.begun = false

	if _, err := g.model.store.GetLease(ctx, g.leaseID); err != nil {
		if IsNotFound(err) {
			return cause
		}
		g.model.logger.Error().Err(err).Str("lease_id", g.leaseID).Msg("Failed to load lease during rollback")
		return cause
	}

	if g.opts.NonFatal != nil && g.opts.NonFatal(cause) {
		if g.prior != g.opts.Target {
			if err := g.settle(ctx, g.prior); err != nil && !IsNotFound(err) {
				g.model.logger.Error().Err(err).Str("lease_id", g.leaseID).Msg("Failed to restore lease status")
			}
		}
		return cause
	}

	if err := g.forceError(ctx); err != nil {
		g.model.logger.Error().Err(err).Str("lease_id", g.leaseID).Msg("Failed to force lease into ERROR")
	}
	return cause
}

// Run wraps fn between Begin and Commit, rolling back on failure.
func (g *TransitionGuard) Run(ctx context.Context, fn func(ctx context.Context) error) (LeaseStatus, error) {
	if err := g.Begin(ctx); err != nil {
		return "", err
	}
	if err := fn(ctx); err != nil {
		return "", g.Rollback(ctx, err)
	}
	return g.Commit(ctx)
}

func (g *TransitionGuard) forceError(ctx context.Context) error {
	g.model.logger.Warn().
		Str("lease_id", g.leaseID).
		Str("from", string(g.opts.Target)).
		Msg("Forcing lease into ERROR")
	if err := g.settle(ctx, LeaseStatusError); err != nil && !IsNotFound(err) {
		return err
	}
	return nil
}

// settle moves the lease out of the target status. A lease that no longer
// holds the target was taken over by someone else and is left alone.
func (g *TransitionGuard) settle(ctx context.Context, to LeaseStatus) error {
	moved, err := g.model.store.UpdateLeaseStatusIf(ctx, g.leaseID, g.opts.Target, to)
	if err != nil {
		return fmt.Errorf("failed to set lease status %s: %w", to, err)
	}
	if !moved {
		return NewInvalidStatusError(g.leaseID, g.opts.Target, to).WithClass(ErrorClassConflict)
	}
	return nil
}

// resumePrior picks the status to restore for a resumed lease by treating
// the event owned by the transitional status as not yet run.
func resumePrior(target LeaseStatus, snap LeaseSnapshot) LeaseStatus {
	switch target {
	case LeaseStatusStarting:
		return StableStatusFor(EventStatusUndone, snap.EndLease)
	case LeaseStatusTerminating:
		return StableStatusFor(snap.StartLease, EventStatusUndone)
	default:
		return LeaseStatusError
	}
}
