// Package policy enforces deployment rules on leases with Open Policy Agent.
//
// Every policy is a Rego module whose deny rule produces a set of strings or
// objects:
//
//	deny contains violation if {
//	    input.lease.duration_seconds > 86400
//	    violation := {"message": "lease too long", "severity": "error"}
//	}
//
// Policies see the lease as input.lease (id, name, owner, start_date,
// end_date, duration_seconds, reservations) and the operation as
// input.context.operation ("create" or "update").
//
// # Built-in policies
//
// The engine always loads four policies driven by Limits, which are exposed
// to Rego as data.reservoir.limits:
//
//   - lease-duration: max_lease_duration_seconds
//   - lease-naming: name_pattern
//   - reservation-count: max_reservations
//   - lease-owner: warns about leases without an owner
//
// A zero limit disables its rule.
//
// # Custom policies
//
// Additional policies are read by a Loader, either as bare .rego files or as
// .yaml descriptors that set the name, severity and tags of a module. The
// Engine can watch the policy directory and swap the custom set atomically
// when files change:
//
//	eng, err := policy.NewEngine(logger, policy.Limits{MaxLeaseDuration: 7 * 24 * time.Hour})
//	loader := policy.NewLoader(logger)
//	if err := eng.LoadPolicies(ctx, loader, []string{"/etc/reservoir/policies"}); err != nil {
//	    return err
//	}
//	_ = eng.Watch(ctx, loader, []string{"/etc/reservoir/policies"})
//
// Violations with severity error or critical reject the lease operation
// with a POLICY_VIOLATION engine error; the others are logged as warnings.
package policy
