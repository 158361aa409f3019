package commands

import (
	"fmt"
	"io"
	"net"
	"strconv"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/reservoir/reservoir/pkg/engine"
	"github.com/reservoir/reservoir/pkg/plugins"
)

func newUnitCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unit",
		Short: "Manage the inventory of reservable units",
		Long: `Units are what reservations allocate: hosts, network segments and
floating IP addresses. Their attributes are matched by requirement filters
such as ["==", "$zone", "a"].`,
	}

	cmd.AddCommand(newUnitAddCommand())
	cmd.AddCommand(newUnitListCommand())
	cmd.AddCommand(newUnitRemoveCommand())

	return cmd
}

// newUnit checks the attributes a kind needs before it is stored.
func newUnit(id, kind, name string, attrs map[string]string, capacity map[string]int64) (*engine.ResourceUnit, error) {
	switch kind {
	case engine.UnitKindHost:
		for _, r := range []string{engine.ResourceVCPUs, engine.ResourceMemoryMB, engine.ResourceDiskGB} {
			if capacity[r] <= 0 {
				return nil, engine.NewMissingParameterError("capacity " + r)
			}
		}
	case engine.UnitKindFloatingIP:
		if attrs[plugins.AttrNetworkID] == "" {
			return nil, engine.NewMissingParameterError(plugins.AttrNetworkID)
		}
		if net.ParseIP(attrs[plugins.AttrAddress]) == nil {
			return nil, engine.NewMalformedParameterError(plugins.AttrAddress,
				fmt.Errorf("%q is not an IP address", attrs[plugins.AttrAddress]))
		}
	case engine.UnitKindNetwork:
		if _, err := strconv.Atoi(attrs["segmentation_id"]); err != nil {
			return nil, engine.NewMalformedParameterError("segmentation_id", err)
		}
	default:
		return nil, engine.NewMalformedParameterError("kind",
			fmt.Errorf("unknown kind %q, expected %s, %s or %s", kind,
				engine.UnitKindHost, engine.UnitKindNetwork, engine.UnitKindFloatingIP))
	}

	if id == "" {
		id = uuid.New().String()
	}
	if name == "" {
		name = id
	}
	u := &engine.ResourceUnit{ID: id, Kind: kind, Name: name, Attributes: attrs, Reservable: true}
	if len(capacity) > 0 {
		u.Capacity = engine.Resources(capacity)
	}
	return u, nil
}

func newUnitAddCommand() *cobra.Command {
	var (
		id       string
		name     string
		attrs    map[string]string
		capacity map[string]int64
	)

	cmd := &cobra.Command{
		Use:   "add <host|network|floatingip>",
		Short: "Add a unit to the inventory",
		Example: `  # A host with capacity for instance reservations
  reservoir unit add host --name compute-1 --attr zone=a \
    --capacity vcpus=32,memory_mb=131072,disk_gb=1000

  # A VLAN segment
  reservoir unit add network --attr physical_network=physnet1,network_type=vlan,segmentation_id=100

  # A floating IP
  reservoir unit add floatingip --attr network_id=public,address=203.0.113.10`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := newUnit(id, args[0], name, attrs, capacity)
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.store.CreateUnit(cmd.Context(), u); err != nil {
				return err
			}
			return render(cmd, u, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "✓ Added %s %s (%s)\n", u.Kind, u.Name, u.ID)
				return err
			})
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "unit id (default: a new UUID)")
	cmd.Flags().StringVar(&name, "name", "", "unit name (default: the id)")
	cmd.Flags().StringToStringVar(&attrs, "attr", nil, "attributes as key=value pairs")
	cmd.Flags().StringToInt64Var(&capacity, "capacity", nil, "host capacity as resource=amount pairs")

	return cmd
}

func newUnitListCommand() *cobra.Command {
	var (
		kind       string
		reservable bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List units",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			units, err := a.store.ListUnits(cmd.Context(), engine.UnitFilter{Kind: kind, ReservableOnly: reservable})
			if err != nil {
				return err
			}
			return render(cmd, units, func(w io.Writer) error {
				rows := make([][]string, 0, len(units))
				for _, u := range units {
					rows = append(rows, []string{
						u.ID, u.Kind, u.Name, strconv.FormatBool(u.Reservable),
						formatMap(u.Attributes), formatMap(u.Capacity),
					})
				}
				return table(w, "ID\tKIND\tNAME\tRESERVABLE\tATTRIBUTES\tCAPACITY", rows)
			})
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "", "only units of this kind")
	cmd.Flags().BoolVar(&reservable, "reservable", false, "only reservable units")

	return cmd
}

func newUnitRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <unit-id>",
		Short: "Remove a unit that no reservation holds",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			allocs, err := a.store.ListAllocationsByUnit(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(allocs) > 0 {
				return engine.NewConflictError(
					fmt.Sprintf("unit %s is held by %d allocation(s)", args[0], len(allocs)), nil).
					WithCode(engine.ErrCodeValidation)
			}
			if err := a.store.DeleteUnit(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Removed unit %s\n", args[0])
			return nil
		},
	}
}
