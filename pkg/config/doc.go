// Package config loads the reservoir service configuration.
//
// Files are CUE (.cue) or YAML (.yaml, .yml). Either is decoded over
// DefaultConfig, so a file only names the settings it changes. CUE files are
// first checked against a closed schema; both formats then go through the
// validator struct tags and the per-section Validate methods, and every
// problem is reported as a ValidationError with its file position when one
// is known.
//
// A minimal CUE file:
//
//	storage: path: "/var/lib/reservoir/reservoir.db"
//	scheduler: {
//		poll_interval: "5s"
//		max_parallel:  4
//	}
//	policy: max_lease_duration: "168h"
//
// The package also hosts the Starlark before-end policy. A script receives
// resource_type and lease and sets action to "default" or "snapshot":
//
//	action = "snapshot" if lease["duration_hours"] >= 24 else "default"
package config
