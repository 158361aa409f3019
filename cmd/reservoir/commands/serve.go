package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/reservoir/reservoir/pkg/config"
	"github.com/reservoir/reservoir/pkg/monitor"
)

func newServeCommand() *cobra.Command {
	var noMonitor bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the event scheduler and the health monitor",
		Long: `Run the lease event scheduler until interrupted.

Every poll interval the scheduler claims due start_lease, before_end_lease
and end_lease events and dispatches them in waves. With the ssh checker the
health monitor checks every host and heals the reservations on the ones
that fail; with the static checker healing is driven by "reservoir heal".

Prometheus metrics are served on telemetry.metrics.listen_address.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, true)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					a.logger.Error().Err(err).Msg("Shutdown failed")
				}
			}()

			scheduler, err := a.newScheduler()
			if err != nil {
				return err
			}

			a.tel.StartMetricsServer()

			if a.cfg.Policy.Watch {
				if err := a.policy.Watch(ctx, a.loader, []string{a.cfg.Policy.Dir}); err != nil {
					return fmt.Errorf("failed to watch policies: %w", err)
				}
			}

			if err := scheduler.Start(ctx); err != nil {
				return err
			}
			defer scheduler.Stop()

			if mon := pollingMonitor(a); mon != nil && !noMonitor {
				if err := mon.Start(ctx); err != nil {
					return err
				}
				defer mon.Stop()
			}

			a.logger.Info().
				Str("store", a.cfg.Storage.Path).
				Strs("resource_types", a.dispatch.Types()).
				Msg("Reservoir is running")

			<-ctx.Done()
			a.logger.Info().Msg("Shutting down")
			return nil
		},
	}

	cmd.Flags().BoolVar(&noMonitor, "no-monitor", false, "do not poll unit health")

	return cmd
}

// pollingMonitor returns nil unless monitoring is enabled with the ssh
// checker. The static checker only knows failures reported in this process,
// so polling with it would undo "reservoir heal fail".
func pollingMonitor(a *app) *monitor.Monitor {
	mc := a.cfg.Monitor
	if !mc.Enabled || mc.Checker != config.CheckerSSH {
		return nil
	}
	return a.newMonitor(monitor.NewSSHChecker(mc.SSH))
}
