package cmd

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	dryRunDays   int
	dryRunSample int
	dryRunLimit  int
)

var dryRunCmd = &cobra.Command{
	Use:   "dry-run",
	Short: "Classify recent mail without persisting suggestions",
	Long: `Runs one classification pass over recent inbox mail and logs what the
engine would have decided. Nothing is written: no suggestions, no
cursor, no mailbox moves.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(),
			syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		logger := newLogger()
		a, err := buildApp(ctx, logger)
		if err != nil {
			return err
		}
		defer a.close()

		engine := a.newEngine(engineOptions{
			dryRun:        true,
			maxMessages:   dryRunLimit,
			sampleSize:    dryRunSample,
			lookbackHours: dryRunDays * 24,
		})
		return engine.RunCycle(ctx)
	},
}

func init() {
	dryRunCmd.Flags().IntVar(&dryRunDays, "days", 7, "days of mail to consider")
	dryRunCmd.Flags().IntVar(&dryRunSample, "sample", 0, "randomly sample this many messages (0 = all)")
	dryRunCmd.Flags().IntVar(&dryRunLimit, "limit", 0, "cap messages processed (0 = no cap)")

	rootCmd.AddCommand(dryRunCmd)
}
