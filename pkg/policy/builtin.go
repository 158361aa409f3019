package policy

// BuiltinPolicies returns the lease policies that are always loaded. They
// read their thresholds from data.reservoir.limits and stay silent when a
// limit is zero.
func BuiltinPolicies() []Policy {
	return []Policy{
		leaseDurationPolicy(),
		leaseNamingPolicy(),
		reservationCountPolicy(),
		leaseOwnerPolicy(),
	}
}

func leaseDurationPolicy() Policy {
	return Policy{
		Name:        "lease-duration",
		Description: "Rejects leases longer than the configured maximum",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"lease", "quota"},
		Rego: `package reservoir.policies.duration

import rego.v1

deny contains violation if {
	limit := data.reservoir.limits.max_lease_duration_seconds
	limit > 0
	input.lease.duration_seconds > limit
	violation := {
		"message": sprintf("lease %s lasts %d seconds, the maximum is %d", [input.lease.name, input.lease.duration_seconds, limit]),
		"severity": "error",
	}
}
`,
	}
}

func leaseNamingPolicy() Policy {
	return Policy{
		Name:        "lease-naming",
		Description: "Lease names must match the configured pattern",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"lease", "naming"},
		Rego: `package reservoir.policies.naming

import rego.v1

deny contains violation if {
	pattern := data.reservoir.limits.name_pattern
	pattern != ""
	not regex.match(pattern, input.lease.name)
	violation := {
		"message": sprintf("lease name '%s' does not match %s", [input.lease.name, pattern]),
		"severity": "error",
	}
}
`,
	}
}

func reservationCountPolicy() Policy {
	return Policy{
		Name:        "reservation-count",
		Description: "Limits the number of reservations in one lease",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"lease", "quota"},
		Rego: `package reservoir.policies.reservations

import rego.v1

deny contains violation if {
	limit := data.reservoir.limits.max_reservations
	limit > 0
	n := count(input.lease.reservations)
	n > limit
	violation := {
		"message": sprintf("lease %s has %d reservations, the maximum is %d", [input.lease.name, n, limit]),
		"severity": "error",
	}
}
`,
	}
}

func leaseOwnerPolicy() Policy {
	return Policy{
		Name:        "lease-owner",
		Description: "Warns about leases booked without a project",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"lease"},
		Rego: `package reservoir.policies.owner

import rego.v1

deny contains violation if {
	input.lease.owner == ""
	violation := {
		"message": sprintf("lease %s has no owner", [input.lease.name]),
		"severity": "warning",
	}
}
`,
	}
}
