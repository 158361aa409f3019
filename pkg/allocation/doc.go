// Package allocation holds the time-interval arithmetic behind reservations:
// free and occupied periods of a unit, peak concurrent usage of a shared
// unit, candidate selection and the diff applied when a reservation is
// re-allocated. Requirement filters over unit attributes are parsed here too.
//
// Everything except UnitPeriods is pure and works on bookings handed in by
// the caller.
package allocation
