package commands

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/reservoir/reservoir/pkg/config"
	"github.com/reservoir/reservoir/pkg/stores"
)

const configHeader = `# Reservoir configuration.
#
# Durations use Go syntax (90s, 10m, 2h). The provisioning backend is one of
# local (in process), exec (hook_command run on this host) or ssh (hook run
# on provisioning.ssh.host).
`

func newInitCommand() *cobra.Command {
	var (
		dataDir string
		driver  string
		force   bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a configuration file and an empty store",
		Long: `Write a configuration file populated with the defaults and create the
store it points at. SQLite stores are migrated to the current schema.`,
		Example: `  # Initialize in the current directory
  reservoir init

  # Use BoltDB under /var/lib/reservoir
  reservoir init --driver bolt --data-dir /var/lib/reservoir --config /etc/reservoir.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if path == "" {
				path = "reservoir.yaml"
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists, use --force to overwrite", path)
			}

			cfg := config.DefaultConfig()
			cfg.Storage.Driver = driver
			cfg.Storage.Path = filepath.Join(dataDir, "reservoir.db")
			if err := cfg.Validate(); err != nil {
				return err
			}

			if err := os.MkdirAll(dataDir, 0o700); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", dataDir, err)
			}
			store, err := stores.Open(cmd.Context(), cfg.Storage.Driver, cfg.Storage.Path)
			if err != nil {
				return fmt.Errorf("failed to initialize store: %w", err)
			}
			if err := store.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Initialized %s store: %s\n", cfg.Storage.Driver, cfg.Storage.Path)

			var buf bytes.Buffer
			buf.WriteString(configHeader)
			enc := yaml.NewEncoder(&buf)
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return fmt.Errorf("failed to encode config: %w", err)
			}
			if err := enc.Close(); err != nil {
				return err
			}
			if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Created config file: %s\n", path)

			log.Debug().Str("config", path).Str("store", cfg.Storage.Path).Msg("Workspace initialized")
			return nil
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", ".", "directory for the store")
	cmd.Flags().StringVar(&driver, "driver", config.DriverSQLite, "store driver (sqlite or bolt)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")

	return cmd
}
