package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume backfill jobs from the job stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context())
		},
	}
}

func runWorker(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.stop(shutdownCtx); err != nil {
			a.logger.WithError(err).Error("shutdown finished with errors")
		}
	}()

	if err := a.start(ctx); err != nil {
		return err
	}

	processor := a.processor()
	if err := processor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start job processor: %w", err)
	}
	a.logger.Infof("worker %s consuming %s", cfg.ConsumerName(), cfg.RedisStreamsJobQueue)

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return processor.Stop(stopCtx)
}
