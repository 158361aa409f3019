package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/reservoir/reservoir/pkg/engine"
)

func newLeaseCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lease",
		Short: "Create, inspect, change and delete leases",
		Long: `A lease books one or more reservations for a time window. Each reservation
names a resource type (physical:host, virtual:instance, virtual:floatingip or
network) and the values that plugin understands.`,
	}

	cmd.AddCommand(newLeaseCreateCommand())
	cmd.AddCommand(newLeaseListCommand())
	cmd.AddCommand(newLeaseShowCommand())
	cmd.AddCommand(newLeaseUpdateCommand())
	cmd.AddCommand(newLeaseDeleteCommand())

	return cmd
}

// leaseFile is the on-disk form of a lease request.
type leaseFile struct {
	Name          string                   `yaml:"name"`
	Owner         string                   `yaml:"owner"`
	StartDate     string                   `yaml:"start_date"`
	EndDate       string                   `yaml:"end_date"`
	BeforeEndDate string                   `yaml:"before_end_date"`
	Reservations  []map[string]interface{} `yaml:"reservations"`
}

func readLeaseFile(path string) (*leaseFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read lease file: %w", err)
	}
	var lf leaseFile
	if err := yaml.Unmarshal(data, &lf); err != nil {
		return nil, fmt.Errorf("failed to parse lease file %s: %w", path, err)
	}
	return &lf, nil
}

// parseValues decodes a JSON object given on the command line.
func parseValues(raw string) (map[string]interface{}, error) {
	values := make(map[string]interface{})
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&values); err != nil {
		return nil, fmt.Errorf("invalid reservation %q: %w", raw, err)
	}
	for k, v := range values {
		if n, ok := v.(json.Number); ok {
			if i, err := n.Int64(); err == nil {
				values[k] = i
			} else if f, err := n.Float64(); err == nil {
				values[k] = f
			}
		}
	}
	return values, nil
}

// reservationRequest splits resource_type out of a reservation document.
func reservationRequest(values map[string]interface{}) (engine.ReservationRequest, error) {
	rt, _ := values["resource_type"].(string)
	if rt == "" {
		return engine.ReservationRequest{}, engine.NewMissingParameterError("resource_type")
	}
	rest := make(map[string]interface{}, len(values)-1)
	for k, v := range values {
		if k != "resource_type" {
			rest[k] = v
		}
	}
	return engine.ReservationRequest{ResourceType: rt, Values: rest}, nil
}

func newLeaseCreateCommand() *cobra.Command {
	var (
		file         string
		owner        string
		start        string
		end          string
		beforeEnd    string
		reservations []string
	)

	cmd := &cobra.Command{
		Use:   "create [name]",
		Short: "Create a lease",
		Long: `Create a lease and book its reservations.

Dates use "YYYY-MM-DD HH:MM" in UTC or RFC 3339; the start may be "now".
Reservations are JSON objects with a resource_type key; the lease may also
be read from a YAML or JSON file with --file.`,
		Example: `  # Two hosts in zone a for a day
  reservoir lease create demo --owner project-a --end "2030-01-02 08:00" \
    --reservation '{"resource_type":"physical:host","min":2,"max":2,"hypervisor_properties":"[\"==\", \"$zone\", \"a\"]"}'

  # From a file
  reservoir lease create --file lease.yaml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := engine.LeaseRequest{Owner: owner, StartDate: start, EndDate: end, BeforeEndDate: beforeEnd}
			var docs []map[string]interface{}

			if file != "" {
				lf, err := readLeaseFile(file)
				if err != nil {
					return err
				}
				req = engine.LeaseRequest{
					Name: lf.Name, Owner: lf.Owner,
					StartDate: lf.StartDate, EndDate: lf.EndDate, BeforeEndDate: lf.BeforeEndDate,
				}
				docs = lf.Reservations
			}
			if len(args) == 1 {
				req.Name = args[0]
			}
			if req.StartDate == "" {
				req.StartDate = engine.StartNow
			}
			for _, raw := range reservations {
				values, err := parseValues(raw)
				if err != nil {
					return err
				}
				docs = append(docs, values)
			}
			for _, doc := range docs {
				r, err := reservationRequest(doc)
				if err != nil {
					return err
				}
				req.Reservations = append(req.Reservations, r)
			}

			a, err := newApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			lease, err := a.manager.CreateLease(cmd.Context(), req)
			if err != nil {
				return err
			}
			return render(cmd, lease, func(w io.Writer) error {
				fmt.Fprintf(w, "✓ Created lease %s (%s)\n", lease.Name, lease.ID)
				return printLease(cmd.Context(), w, a, lease)
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "read the lease from a YAML or JSON file")
	cmd.Flags().StringVar(&owner, "owner", "", "owning project")
	cmd.Flags().StringVar(&start, "start", "", `start date or "now" (default "now")`)
	cmd.Flags().StringVar(&end, "end", "", "end date")
	cmd.Flags().StringVar(&beforeEnd, "before-end", "", "date of the before_end_lease event")
	cmd.Flags().StringArrayVarP(&reservations, "reservation", "r", nil, "reservation as a JSON object (repeatable)")

	return cmd
}

func newLeaseListCommand() *cobra.Command {
	var (
		owner  string
		status string
	)

	cmd := &cobra.Command{
		Use:     "list",
		Short:   "List leases",
		Example: `  reservoir lease list --owner project-a --status ACTIVE`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			filter := engine.LeaseFilter{Owner: owner, Status: engine.LeaseStatus(strings.ToUpper(status))}
			if filter.Status != "" {
				if err := filter.Status.Validate(); err != nil {
					return err
				}
			}
			leases, err := a.manager.ListLeases(cmd.Context(), filter)
			if err != nil {
				return err
			}

			return render(cmd, leases, func(w io.Writer) error {
				rows := make([][]string, 0, len(leases))
				for _, l := range leases {
					status := string(l.Status)
					if l.Degraded {
						status += " (degraded)"
					}
					rows = append(rows, []string{l.ID, l.Name, l.Owner, formatTime(l.StartDate), formatTime(l.EndDate), status})
				}
				return table(w, "ID\tNAME\tOWNER\tSTART\tEND\tSTATUS", rows)
			})
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "only leases of this project")
	cmd.Flags().StringVar(&status, "status", "", "only leases in this status")

	return cmd
}

func newLeaseShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <lease-id>",
		Short: "Show a lease with its reservations, allocations and events",
		Args:  cobra.ExactArgs(1),
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
			return render(cmd, lease, func(w io.Writer) error {
				return printLease(cmd.Context(), w, a, lease)
			})
		},
	}
}

func printLease(ctx context.Context, w io.Writer, a *app, lease *engine.Lease) error {
	fmt.Fprintf(w, "Lease:    %s\n", lease.ID)
	fmt.Fprintf(w, "Name:     %s\n", lease.Name)
	fmt.Fprintf(w, "Owner:    %s\n", lease.Owner)
	fmt.Fprintf(w, "Window:   %s - %s\n", formatTime(lease.StartDate), formatTime(lease.EndDate))
	fmt.Fprintf(w, "Status:   %s\n", lease.Status)
	if lease.Degraded {
		fmt.Fprintln(w, "Degraded: yes")
	}

	fmt.Fprintln(w, "\nReservations:")
	rows := make([][]string, 0, len(lease.Reservations))
	for _, r := range lease.Reservations {
		allocs, err := a.store.ListAllocations(ctx, r.ID)
		if err != nil {
			return err
		}
		units := make([]string, 0, len(allocs))
		for _, al := range allocs {
			units = append(units, al.UnitID)
		}
		flags := "-"
		switch {
		case r.MissingResources:
			flags = "missing_resources"
		case r.ResourcesChanged:
			flags = "resources_changed"
		}
		rows = append(rows, []string{r.ID, r.ResourceType, string(r.Status), strings.Join(units, ","), flags})
	}
	if err := table(w, "  ID\tTYPE\tSTATUS\tUNITS\tFLAGS", indent(rows)); err != nil {
		return err
	}

	fmt.Fprintln(w, "\nEvents:")
	rows = rows[:0]
	for _, e := range lease.Events {
		rows = append(rows, []string{e.ID, string(e.EventType), formatTime(e.Time), string(e.Status), e.LastError})
	}
	return table(w, "  ID\tTYPE\tTIME\tSTATUS\tLAST ERROR", indent(rows))
}

func indent(rows [][]string) [][]string {
	for _, row := range rows {
		if len(row) > 0 {
			row[0] = "  " + row[0]
		}
	}
	return rows
}

func newLeaseUpdateCommand() *cobra.Command {
	var (
		upd          engine.LeaseUpdate
		reservations []string
	)

	cmd := &cobra.Command{
		Use:   "update <lease-id>",
		Short: "Change the name, dates or reservations of a lease",
		Long: `Change a lease. Only the given fields change.

--prolong-for and --reduce-by take durations such as 90m, 12h, 1d or 2w.
Reservation changes are JSON objects carrying the reservation id.`,
		Example: `  # Extend by a day
  reservoir lease update 6f1c... --prolong-for 1d

  # Grow a host reservation
  reservoir lease update 6f1c... -r '{"id":"a2b9...","min":3,"max":3}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, raw := range reservations {
				values, err := parseValues(raw)
				if err != nil {
					return err
				}
				id, _ := values["id"].(string)
				if id == "" {
					return engine.NewMissingParameterError("id")
				}
				delete(values, "id")
				upd.Reservations = append(upd.Reservations, engine.ReservationUpdate{ID: id, Values: values})
			}

			a, err := newApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			lease, err := a.manager.UpdateLease(cmd.Context(), args[0], upd)
			if err != nil {
				return err
			}
			return render(cmd, lease, func(w io.Writer) error {
				fmt.Fprintf(w, "✓ Updated lease %s\n", lease.ID)
				return printLease(cmd.Context(), w, a, lease)
			})
		},
	}

	cmd.Flags().StringVar(&upd.Name, "name", "", "new name")
	cmd.Flags().StringVar(&upd.StartDate, "start", "", "new start date (pending leases only)")
	cmd.Flags().StringVar(&upd.EndDate, "end", "", "new end date")
	cmd.Flags().StringVar(&upd.ProlongFor, "prolong-for", "", "extend the end by this duration")
	cmd.Flags().StringVar(&upd.ReduceBy, "reduce-by", "", "pull the end in by this duration")
	cmd.Flags().StringVar(&upd.BeforeEndDate, "before-end", "", "new before_end_lease date")
	cmd.Flags().StringArrayVarP(&reservations, "reservation", "r", nil, "reservation change as a JSON object with an id (repeatable)")

	return cmd
}

func newLeaseDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <lease-id>",
		Short: "Delete a lease, releasing anything it still holds",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.manager.DeleteLease(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Deleted lease %s\n", args[0])
			return nil
		},
	}
}
