package cmd

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"email-triage/internal/workers"
)

var (
	triageOnce   bool
	triageDryRun bool
)

var triageCmd = &cobra.Command{
	Use:   "triage",
	Short: "Run the triage engine without the review server",
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

		engine := a.newEngine(engineOptions{dryRun: triageDryRun})

		if triageOnce {
			return engine.RunCycle(ctx)
		}

		scheduler := workers.NewScheduler(engine, a.cfg, logger)
		scheduler.Start(ctx)
		<-ctx.Done()
		scheduler.Stop()
		return nil
	},
}

func init() {
	triageCmd.Flags().BoolVar(&triageOnce, "once", false, "run a single cycle and exit")
	triageCmd.Flags().BoolVar(&triageDryRun, "dry-run", false, "classify without persisting or moving anything")

	rootCmd.AddCommand(triageCmd)
}
