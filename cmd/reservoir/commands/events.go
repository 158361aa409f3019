package commands

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/reservoir/reservoir/pkg/engine"
)

func newEventsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect and run lease events",
	}

	cmd.AddCommand(newEventsListCommand())
	cmd.AddCommand(newEventsWavesCommand())
	cmd.AddCommand(newEventsProcessCommand())

	return cmd
}

func newEventsListCommand() *cobra.Command {
	var (
		leaseID string
		status  string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List lease events",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			leaseIDs := []string{leaseID}
			if leaseID == "" {
				leases, err := a.store.ListLeases(ctx, engine.LeaseFilter{})
				if err != nil {
					return err
				}
				leaseIDs = leaseIDs[:0]
				for _, l := range leases {
					leaseIDs = append(leaseIDs, l.ID)
				}
			}

			want := engine.EventStatus(strings.ToUpper(status))
			var events []engine.Event
			for _, id := range leaseIDs {
				evs, err := a.store.ListEvents(ctx, id)
				if err != nil {
					return err
				}
				for _, e := range evs {
					if want == "" || e.Status == want {
						events = append(events, e)
					}
				}
			}

			return render(cmd, events, func(w io.Writer) error {
				rows := make([][]string, 0, len(events))
				for _, e := range events {
					rows = append(rows, []string{
						e.ID, e.LeaseID, string(e.EventType), formatTime(e.Time),
						string(e.Status), strconv.Itoa(e.Attempts), e.LastError,
					})
				}
				return table(w, "ID\tLEASE\tTYPE\tTIME\tSTATUS\tATTEMPTS\tLAST ERROR", rows)
			})
		},
	}

	cmd.Flags().StringVar(&leaseID, "lease", "", "only events of this lease")
	cmd.Flags().StringVar(&status, "status", "", "only events in this status")

	return cmd
}

func newEventsWavesCommand() *cobra.Command {
	var (
		at  string
		dot bool
	)

	cmd := &cobra.Command{
		Use:   "waves",
		Short: "Show the waves the next sweep would run",
		Long: `Group the events due at a given time into the waves the scheduler runs
them in: leases ending first, then leases starting, then leases that both
start and end in the same sweep.`,
		Example: `  # Render the waves due by noon as a graph
  reservoir events waves --at "2030-01-01 12:00" --dot | dot -Tsvg > waves.svg`,
		RunE: func(cmd *cobra.Command, args []string) error {
			when, err := engine.ParseLeaseDate(at, time.Now())
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			due, err := a.store.ListDueEvents(cmd.Context(), when)
			if err != nil {
				return err
			}
			waves := engine.BuildEventWaves(due)

			if dot {
				_, err := io.WriteString(cmd.OutOrStdout(), engine.WavesToDOT(waves))
				return err
			}
			return render(cmd, waves, func(w io.Writer) error {
				if len(waves) == 0 {
					_, err := fmt.Fprintf(w, "No events due by %s\n", formatTime(when))
					return err
				}
				for i, wave := range waves {
					fmt.Fprintf(w, "Wave %d:\n", i)
					for _, e := range wave {
						fmt.Fprintf(w, "  %s %-16s lease %s at %s\n", e.ID, e.EventType, e.LeaseID, formatTime(e.Time))
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&at, "at", engine.StartNow, `time to evaluate ("now" or a date)`)
	cmd.Flags().BoolVar(&dot, "dot", false, "output in DOT format")

	return cmd
}

func newEventsProcessCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "process",
		Short: "Run one scheduler sweep and exit",
		Long: `Claim and dispatch every due event once, as "reservoir serve" does on each
poll. Useful from cron, or with the local provisioning backend where the
provisioner only lives as long as the process.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			scheduler, err := a.newScheduler()
			if err != nil {
				return err
			}
			result, err := scheduler.ProcessEvents(cmd.Context())
			if err != nil {
				return err
			}
			return render(cmd, result, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "Claimed %d event(s) in %d wave(s): %d succeeded, %d retrying, %d failed\n",
					result.Claimed, result.Waves, result.Succeeded, result.Retrying, result.Failed)
				return err
			})
		},
	}
}
