package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"email-triage/internal/server"
	"email-triage/internal/workers"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the review server and the background triage scheduler",
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

		engine := a.newEngine(engineOptions{})
		scheduler := workers.NewScheduler(engine, a.cfg, logger)
		addr := fmt.Sprintf("%s:%d", viper.GetString("host"), viper.GetInt("port"))
		srv := server.New(addr, a.db, a.mail, a.cfg, engine, a.digest, logger)

		// One-shot background maintenance; neither blocks serving.
		go func() {
			if err := a.categories.Run(ctx); err != nil {
				logger.Warn("Category bootstrap failed", "error", err)
			}
			if err := a.migrator.Run(ctx); err != nil {
				logger.Warn("Immutable id migration failed", "error", err)
			}
		}()

		scheduler.Start(ctx)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(srv.ListenAndServe)
		g.Go(func() error {
			<-gctx.Done()
			scheduler.Stop()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})

		logger.Info("Triage agent running", "addr", addr)
		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().String("host", "127.0.0.1", "review server bind address")
	serveCmd.Flags().Int("port", 8585, "review server port")
	_ = viper.BindPFlag("host", serveCmd.Flags().Lookup("host"))
	_ = viper.BindPFlag("port", serveCmd.Flags().Lookup("port"))
	_ = viper.BindEnv("host", "ASSISTANT_HOST")
	_ = viper.BindEnv("port", "ASSISTANT_PORT")

	rootCmd.AddCommand(serveCmd)
}
