package commands

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/reservoir/reservoir/pkg/config"
	"github.com/reservoir/reservoir/pkg/engine"
	"github.com/reservoir/reservoir/pkg/monitor"
)

func newHealCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "heal",
		Short: "Report unit failures and recoveries",
		Long: `Failing a unit makes it unreservable and moves the reservations that hold
it, inside the monitor's healing window, to healthy units. Reservations that
cannot be moved are flagged missing_resources and their lease is marked
degraded.`,
	}

	cmd.AddCommand(newHealFailCommand())
	cmd.AddCommand(newHealRecoverCommand())
	cmd.AddCommand(newHealPollCommand())

	return cmd
}

func printFlags(w io.Writer, flags map[string]engine.HealFlags) error {
	if len(flags) == 0 {
		_, err := fmt.Fprintln(w, "No reservations affected")
		return err
	}
	ids := make([]string, 0, len(flags))
	for id := range flags {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	rows := make([][]string, 0, len(ids))
	for _, id := range ids {
		f := flags[id]
		rows = append(rows, []string{id, fmt.Sprint(f.ResourcesChanged), fmt.Sprint(f.MissingResources)})
	}
	return table(w, "RESERVATION\tRESOURCES CHANGED\tMISSING RESOURCES", rows)
}

func newHealFailCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "fail <unit-id>...",
		Short: "Mark units failed and heal their reservations",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			flags, err := a.newMonitor(monitor.NewStaticChecker()).ReportFailure(cmd.Context(), args...)
			if err != nil {
				return err
			}
			return render(cmd, flags, func(w io.Writer) error {
				return printFlags(w, flags)
			})
		},
	}
}

func newHealRecoverCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "recover <unit-id>...",
		Short: "Make failed units reservable again",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.newMonitor(monitor.NewStaticChecker()).ReportRecovery(cmd.Context(), args...); err != nil {
				return err
			}
			for _, id := range args {
				fmt.Fprintf(cmd.OutOrStdout(), "✓ Unit %s recovered\n", id)
			}
			return nil
		},
	}
}

func newHealPollCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "poll",
		Short: "Check every unit once with the ssh checker",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			if a.cfg.Monitor.Checker != config.CheckerSSH {
				return fmt.Errorf("monitor.checker is %q; polling needs the ssh checker", a.cfg.Monitor.Checker)
			}
			result, err := a.newMonitor(monitor.NewSSHChecker(a.cfg.Monitor.SSH)).Poll(cmd.Context())
			if err != nil {
				return err
			}
			return render(cmd, result, func(w io.Writer) error {
				fmt.Fprintf(w, "Checked %d unit(s): %d failed, %d recovered\n",
					result.Checked, len(result.Failed), len(result.Recovered))
				return printFlags(w, result.Flags)
			})
		},
	}
}
