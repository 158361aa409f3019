package policy

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/reservoir/reservoir/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"

	// SeverityError violations block the lease operation.
	SeverityError Severity = "error"

	// SeverityCritical violations block the lease operation.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity rejects the operation.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a Rego module producing a deny set.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	Description string `json:"description"`

	// Rego contains the policy source. Its deny rule yields strings or
	// objects with message and severity.
	Rego string `json:"rego"`

	// Severity applies to deny entries that carry none.
	Severity Severity `json:"severity"`

	Enabled bool     `json:"enabled"`
	Tags    []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from. Empty for built-ins.
	Source string `json:"source,omitempty"`
}

// Violation is one deny entry.
type Violation struct {
	Policy   string                 `json:"policy"`
	Lease    string                 `json:"lease,omitempty"`
	Message  string                 `json:"message"`
	Severity Severity               `json:"severity"`
	Details  map[string]interface{} `json:"details,omitempty"`
}

// Result is the outcome of evaluating every enabled policy.
type Result struct {
	// Allowed is false when any violation is blocking.
	Allowed bool `json:"allowed"`

	Violations []Violation `json:"violations,omitempty"`

	// Warnings are non-blocking violations.
	Warnings []Violation `json:"warnings,omitempty"`

	// Errors lists policies that failed to evaluate.
	Errors []string `json:"errors,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	EvaluatedAt       time.Time     `json:"evaluated_at"`
	Duration          time.Duration `json:"duration"`
}

// Input is the document policies see as input.
type Input struct {
	Lease   *LeaseInput `json:"lease"`
	Context *Context    `json:"context"`
}

// LeaseInput is the policy view of a lease.
type LeaseInput struct {
	ID              string             `json:"id"`
	Name            string             `json:"name"`
	Owner           string             `json:"owner"`
	StartDate       string             `json:"start_date"`
	EndDate         string             `json:"end_date"`
	DurationSeconds int64              `json:"duration_seconds"`
	Reservations    []ReservationInput `json:"reservations"`
}

// ReservationInput is the policy view of a reservation.
type ReservationInput struct {
	ID           string                 `json:"id"`
	ResourceType string                 `json:"resource_type"`
	Values       map[string]interface{} `json:"values,omitempty"`
}

// Context describes the operation being checked.
type Context struct {
	// Operation is "create" or "update".
	Operation string    `json:"operation"`
	Timestamp time.Time `json:"timestamp"`
}

// NewLeaseInput converts a lease for evaluation.
func NewLeaseInput(lease *engine.Lease) *LeaseInput {
	in := &LeaseInput{
		ID:              lease.ID,
		Name:            lease.Name,
		Owner:           lease.Owner,
		StartDate:       lease.StartDate.UTC().Format(time.RFC3339),
		EndDate:         lease.EndDate.UTC().Format(time.RFC3339),
		DurationSeconds: int64(lease.EndDate.Sub(lease.StartDate) / time.Second),
		Reservations:    make([]ReservationInput, 0, len(lease.Reservations)),
	}
	for _, r := range lease.Reservations {
		in.Reservations = append(in.Reservations, ReservationInput{
			ID:           r.ID,
			ResourceType: r.ResourceType,
			Values:       r.Values,
		})
	}
	return in
}

// Limits are the deployment rules enforced by the built-in policies.
// Zero values disable a rule.
type Limits struct {
	MaxLeaseDuration time.Duration `json:"max_lease_duration" yaml:"max_lease_duration"`

	// NamePattern is a regular expression every lease name must match.
	NamePattern string `json:"name_pattern" yaml:"name_pattern"`

	MaxReservations int `json:"max_reservations" yaml:"max_reservations"`
}

// Validate checks that the name pattern compiles.
func (l Limits) Validate() error {
	if l.MaxLeaseDuration < 0 {
		return fmt.Errorf("max lease duration must not be negative")
	}
	if l.MaxReservations < 0 {
		return fmt.Errorf("max reservations must not be negative")
	}
	if l.NamePattern != "" {
		if _, err := regexp.Compile(l.NamePattern); err != nil {
			return fmt.Errorf("invalid name pattern: %w", err)
		}
	}
	return nil
}

// data returns the limits as the data.reservoir.limits document.
func (l Limits) data() (map[string]interface{}, error) {
	raw, err := json.Marshal(map[string]interface{}{
		"max_lease_duration_seconds": int64(l.MaxLeaseDuration / time.Second),
		"name_pattern":               l.NamePattern,
		"max_reservations":           l.MaxReservations,
	})
	if err != nil {
		return nil, err
	}
	var limits map[string]interface{}
	if err := json.Unmarshal(raw, &limits); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"reservoir": map[string]interface{}{"limits": limits},
	}, nil
}
