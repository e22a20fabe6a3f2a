package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ingest_server/adapter/in/worker"
	"ingest_server/config"
	"ingest_server/internal/bootstrap"
	"ingest_server/pkg/logger"

	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the re-evaluation scheduler",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDeps(cmd.Context(), runServe)
	},
}

func runServe(cfg *config.Config, deps *bootstrap.Dependencies) error {
	app, stopAPI := bootstrap.NewAPI(cfg, deps)
	defer stopAPI()

	if cfg.SchedulerEnabled && deps.Reevaluation != nil {
		scheduler, err := worker.NewReevalScheduler(deps.Reevaluation, &worker.SchedulerConfig{
			Schedule:   cfg.ReevalSchedule,
			RunTimeout: time.Hour,
		})
		if err != nil {
			return err
		}
		scheduler.Start()
		defer scheduler.Stop()
	}

	var consumerDone chan struct{}
	consumerCtx, stopConsumer := context.WithCancel(context.Background())
	defer stopConsumer()
	if cfg.StreamEnabled {
		consumer, err := bootstrap.NewClassifyConsumer(cfg, deps)
		if err != nil {
			return err
		}
		consumerDone = make(chan struct{})
		go func() {
			defer close(consumerDone)
			if err := consumer.Run(consumerCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Classification consumer stopped: %v", err)
			}
		}()
		logger.Info("Consuming classification jobs from %s", cfg.StreamName)
	}

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info("Starting API server on %s", addr)
		errCh <- app.Listen(addr)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errCh:
		return err
	case <-sigChan:
	}

	logger.Info("Shutting down API server (timeout: %v)...", shutdownTimeout)
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		logger.Error("Error shutting down: %v", err)
		return err
	}

	stopConsumer()
	if consumerDone != nil {
		select {
		case <-consumerDone:
		case <-ctx.Done():
			logger.Warn("Classification consumer did not stop in time")
		}
	}
	logger.Info("API server shut down gracefully")
	return nil
}
