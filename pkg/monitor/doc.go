// Package monitor watches resource units and heals reservations away from
// the ones that fail.
//
// A Monitor polls every unit through a Checker. A unit that fails its check
// is made non-reservable and every allocation on it inside the healing
// window is handed to the plugins' HealReservations. The returned flags are
// stored on the reservations and the owning leases are marked degraded.
// A unit that passes again is made reservable.
//
// The monitor is built once with New and shared by the scheduler service
// and the heal command.
package monitor
