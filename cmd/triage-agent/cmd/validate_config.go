package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"email-triage/internal/config"
)

var validateConfigCmd = &cobra.Command{
	Use:   "validate-config",
	Short: "Validate the configuration file and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.ResolvePath(configFlag, defaultConfigPath)
		cfg, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("config invalid: %w", err)
		}

		fmt.Printf("Config OK: %s\n", path)
		fmt.Printf("  schema_version: %d\n", cfg.SchemaVersion)
		fmt.Printf("  projects: %d, areas: %d, auto_rules: %d, key_contacts: %d\n",
			len(cfg.Projects), len(cfg.Areas), len(cfg.AutoRules), len(cfg.KeyContacts))
		fmt.Printf("  triage interval: %s, lookback: %dh\n",
			cfg.TriageInterval(), cfg.Triage.LookbackHours)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateConfigCmd)
}
