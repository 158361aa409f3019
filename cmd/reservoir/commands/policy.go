package commands

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/reservoir/reservoir/pkg/policy"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect lease policies",
		Long: `Lease policies are Rego modules evaluated on every lease create and update.
The built-in ones enforce policy.max_lease_duration, policy.name_pattern and
policy.max_reservations; custom .rego and .json policies are loaded from
policy.dir.`,
	}

	cmd.AddCommand(newPolicyListCommand())
	cmd.AddCommand(newPolicyCheckCommand())

	return cmd
}

func newPolicyListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List loaded policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			policies := a.policy.ListPolicies()
			return render(cmd, policies, func(w io.Writer) error {
				rows := make([][]string, 0, len(policies))
				for _, p := range policies {
					source := p.Source
					if source == "" {
						source = "built-in"
					}
					rows = append(rows, []string{p.Name, string(p.Severity), strconv.FormatBool(p.Enabled), source, p.Description})
				}
				return table(w, "NAME\tSEVERITY\tENABLED\tSOURCE\tDESCRIPTION", rows)
			})
		},
	}
}

func newPolicyCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check <lease-id>",
		Short: "Evaluate the policies against an existing lease",
		Long: `Evaluate every enabled policy against a stored lease, as if it were being
updated. Useful after tightening limits or adding a policy.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			lease, err := a.manager.GetLease(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			result, err := a.policy.Evaluate(cmd.Context(), &policy.Input{
				Lease:   policy.NewLeaseInput(lease),
				Context: &policy.Context{Operation: "update", Timestamp: time.Now().UTC()},
			})
			if err != nil {
				return err
			}

			if err := render(cmd, result, func(w io.Writer) error {
				for _, v := range result.Violations {
					fmt.Fprintf(w, "✗ [%s] %s: %s\n", v.Severity, v.Policy, v.Message)
				}
				for _, v := range result.Warnings {
					fmt.Fprintf(w, "! [%s] %s: %s\n", v.Severity, v.Policy, v.Message)
				}
				for _, e := range result.Errors {
					fmt.Fprintf(w, "? %s\n", e)
				}
				if result.Allowed {
					fmt.Fprintf(w, "✓ Lease %s passes %d policies\n", lease.ID, len(result.EvaluatedPolicies))
				}
				return nil
			}); err != nil {
				return err
			}
			if !result.Allowed {
				return fmt.Errorf("lease %s violates %d policies", lease.ID, len(result.Violations))
			}
			return nil
		},
	}
}
