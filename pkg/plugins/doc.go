// Package plugins contains the resource plugins registered with the engine:
// exclusive hosts (physical:host), capacity-shared instance slots
// (virtual:instance), floating IPs (virtual:floatingip) and isolated network
// segments (network).
//
// All plugins share one Base. Its lock serializes the check-then-book step
// across kinds, since host and instance reservations draw on the same units.
package plugins
