// Package engine provides the core types, status model and scheduling loop of
// the Reservoir lease scheduler.
//
// # Overview
//
// A lease books one or more resource kinds for a time window. Each kind is
// served by a ResourcePlugin that picks concrete units and drives a
// provisioning back end. The engine tracks the lease through its lifecycle:
//
//  1. Create - validate dates, book every reservation (LeaseManager)
//  2. Start - run OnStart at start_lease time (EventScheduler)
//  3. Before end - run the pre-teardown action at before_end_lease time
//  4. End - run OnEnd at end_lease time and release the units
//
// # Status Model
//
// Three status enums nest inside each other:
//
//   - EventStatus: UNDONE, IN_PROGRESS, DONE, ERROR
//   - ReservationStatus: PENDING, ACTIVE, DELETED, ERROR
//   - LeaseStatus: stable (PENDING, ACTIVE, TERMINATED, ERROR) and
//     transitional (CREATING, STARTING, UPDATING, TERMINATING, DELETING)
//
// A lease status must always agree with the statuses of its reservations and
// its start_lease/end_lease events. The combination table in status.go lists
// what each lease status allows. DeriveStableStatusOf computes the stable
// status implied by the children and collapses any inconsistency to ERROR.
//
// # Transition Guard
//
// Every lease mutation runs under a TransitionGuard:
//
//	g := model.Guard(leaseID, GuardOptions{
//	    Target:     LeaseStatusStarting,
//	    Acceptable: []LeaseStatus{LeaseStatusActive},
//	    NonFatal:   IsRetryable,
//	})
//	status, err := g.Run(ctx, func(ctx context.Context) error { ... })
//
// Begin refuses illegal transitions before any work is done. Commit persists
// the derived stable status if it is acceptable and forces ERROR otherwise.
// Rollback restores the prior status for non-fatal errors and forces ERROR for
// the rest.
//
// # Scheduling
//
// EventScheduler sweeps for due events on a ticker. Claimed events are split
// into waves by BuildEventWaves so that leases ending in a batch release their
// units before leases starting in the same batch need them. Events within a
// wave run concurrently on a bounded worker pool. Retryable failures back off
// and are retried until the event deadline; anything else marks the event
// ERROR and the lease status is reconciled.
//
// # Errors
//
// All errors returned by the engine are EngineErrors classified as transient,
// throttled, conflict or permanent, with a code for programmatic handling:
//
//	if HasCode(err, ErrCodeNotEnoughResources) {
//	    // ask for fewer units
//	}
//
// # Plugins
//
// Plugins are registered once in a PluginRegistry. NewDispatchTable turns the
// registry into an explicit (resource type, operation) table and checks at
// start-up that every enabled type provides all operations.
package engine
