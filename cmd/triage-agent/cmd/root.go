package cmd

import (
	"context"
	"log/slog"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	Version = "1.0.0"

	defaultConfigPath = "triage-config.yaml"
	defaultDBPath     = "triage-agent.db"
)

var (
	configFlag string
	dbFlag     string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "triage-agent",
	Short: "Autonomous email triage agent",
	Long: `Triage Agent v` + Version + `

Watches a mailbox, classifies new mail with an LLM into a folder,
priority, and action type, queues the decisions for review, and
auto-applies the high-confidence ones. Tracks reply obligations and
delivers a daily digest.

Configuration lives in a YAML file (--config, or $ASSISTANT_CONFIG_PATH).
Secrets come from the environment: ASSISTANT_CLIENT_SECRET for the mail
tenant, ANTHROPIC_API_KEY for the model.`,
	SilenceUsage: true,
}

// Execute runs the CLI. Exit codes: 0 on success, 1 on any error.
func Execute() {
	if err := fang.Execute(context.Background(), rootCmd); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "",
		"config file path (default "+defaultConfigPath+")")
	rootCmd.PersistentFlags().StringVar(&dbFlag, "db", "",
		"database file path (default "+defaultDBPath+")")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"enable debug logging")

	viper.SetDefault("db_path", defaultDBPath)
	_ = viper.BindEnv("db_path", "ASSISTANT_DB_PATH")
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
}

func databasePath() string {
	if dbFlag != "" {
		return dbFlag
	}
	return viper.GetString("db_path")
}
