package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/reservoir/reservoir/pkg/config"
	"github.com/reservoir/reservoir/pkg/engine"
	"github.com/reservoir/reservoir/pkg/monitor"
	"github.com/reservoir/reservoir/pkg/plugins"
	"github.com/reservoir/reservoir/pkg/policy"
	"github.com/reservoir/reservoir/pkg/provisioning"
	"github.com/reservoir/reservoir/pkg/stores"
	"github.com/reservoir/reservoir/pkg/telemetry"
	"github.com/reservoir/reservoir/pkg/transports/ssh"
)

// app is one wired service instance: store, provisioner, plugins, dispatch
// table, policies and lease manager, all sharing one telemetry bundle.
type app struct {
	cfg      *config.Config
	tel      *telemetry.Telemetry
	logger   zerolog.Logger
	store    stores.Store
	dispatch *engine.DispatchTable
	policy   *policy.Engine
	loader   *policy.Loader
	manager  *engine.LeaseManager

	closers []func() error
}

// loadConfig reads --config, falling back to the built-in defaults.
func loadConfig() (*config.Config, error) {
	if configPath == "" {
		cfg := config.DefaultConfig()
		return cfg, cfg.Validate()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// newApp wires the service. Short-lived commands log warnings only unless
// --verbose is given; serve keeps the configured level.
func newApp(ctx context.Context, service bool) (a *app, err error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Telemetry.ServiceVersion == "" {
		cfg.Telemetry.ServiceVersion = buildVersion
	}
	if !service && !verbose {
		cfg.Telemetry.Logging.Level = "warn"
	}

	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a = &app{cfg: cfg, tel: tel, logger: tel.Logger.Zerolog()}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.store, err = stores.Open(ctx, cfg.Storage.Driver, cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	a.closers = append(a.closers, a.store.Close)

	prov, err := a.newProvisioner(ctx)
	if err != nil {
		return nil, err
	}

	actions, err := cfg.Allocation.ActionPolicy(config.DefaultScriptTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to load before-end script: %w", err)
	}

	base, err := plugins.NewBase(plugins.Options{
		Store:       a.store,
		Provisioner: prov,
		Logger:      a.logger,
		Margin:      cfg.Allocation.Margin,
		Actions:     actions,
	})
	if err != nil {
		return nil, err
	}
	registry, err := engine.NewPluginRegistry(telemetry.InstrumentPlugins(base.All(), tel.Tracer, tel.Metrics)...)
	if err != nil {
		return nil, err
	}
	a.dispatch, err = engine.NewDispatchTable(registry, cfg.Allocation.ResourceTypes...)
	if err != nil {
		return nil, err
	}

	a.policy, err = policy.NewEngine(a.logger, cfg.Policy.Limits)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize policies: %w", err)
	}
	a.loader = policy.NewLoader(a.logger)
	a.closers = append(a.closers, a.loader.StopWatching)
	if cfg.Policy.Dir != "" {
		if err := a.policy.LoadPolicies(ctx, a.loader, []string{cfg.Policy.Dir}); err != nil {
			return nil, err
		}
	}

	a.manager = engine.NewLeaseManager(a.store, a.dispatch, engine.LeaseManagerOptions{
		BeforeEndDelta: cfg.Allocation.BeforeEndDelta,
		StartGrace:     cfg.Allocation.StartGrace,
		Policy:         a.policy,
		Notifier:       tel.Events,
		Metrics:        tel.Metrics,
		Logger:         a.logger,
	})

	a.logger.Debug().
		Str("driver", cfg.Storage.Driver).
		Str("backend", cfg.Provisioning.Backend).
		Strs("resource_types", a.dispatch.Types()).
		Msg("Service wired")
	return a, nil
}

func (a *app) newProvisioner(ctx context.Context) (engine.Provisioner, error) {
	p := a.cfg.Provisioning
	opts := provisioning.SSHOptions{
		HookCommand: p.HookCommand,
		StateDir:    p.StateDir,
		Logger:      a.logger,
	}

	switch p.Backend {
	case config.BackendExec:
		return provisioning.NewSSH(provisioning.LocalRunner{}, opts)
	case config.BackendSSH:
		client, err := ssh.Dial(ctx, &p.SSH)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to provisioning endpoint: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		return provisioning.NewSSH(client, opts)
	default:
		a.logger.Info().Msg("Local provisioning keeps pools in process; use the exec or ssh backend when leases are managed from another process")
		return provisioning.NewMemory(a.logger), nil
	}
}

// newScheduler builds the event scheduler on the lease manager's handlers.
func (a *app) newScheduler() (*engine.EventScheduler, error) {
	sc := a.cfg.Scheduler
	return engine.NewEventScheduler(a.store,
		telemetry.InstrumentHandlers(a.manager.Handlers(), a.tel.Tracer),
		engine.SchedulerOptions{
			PollInterval:  sc.PollInterval,
			MaxParallel:   sc.MaxParallel,
			MaxAttempts:   sc.MaxAttempts,
			RetryWindow:   sc.RetryWindow,
			EventDeadline: sc.EventDeadline,
			Model:         a.manager.StatusModel(),
			Notifier:      a.tel.Events,
			Metrics:       a.tel.Metrics,
			Logger:        a.logger,
		})
}

// newMonitor builds a health monitor that heals through the dispatch table.
func (a *app) newMonitor(checker monitor.Checker) *monitor.Monitor {
	return monitor.New(a.store, a.dispatch, checker, monitor.Options{
		Interval:      a.cfg.Monitor.Interval,
		HealingWindow: a.cfg.Monitor.HealingWindow,
		Notifier:      a.tel.Events,
		Logger:        a.logger,
	})
}

// Close releases everything newApp opened, newest first.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	errs = append(errs, a.tel.Shutdown(ctx))
	return errors.Join(errs...)
}
