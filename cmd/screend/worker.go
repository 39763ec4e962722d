package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	appLogger "github.com/activescreen/backend/pkg/logger"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run training tasks queued by the API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(viper.New())
		if err != nil {
			return err
		}
		defer a.Close()

		q, err := a.openQueue()
		if err != nil {
			return err
		}

		ctx, stop := signalContext()
		defer stop()

		appLogger.Info("Training worker started",
			zap.String("tasks", a.cfg.Storage.TasksPath),
			zap.Int("concurrency", a.cfg.Tasks.Concurrency),
		)
		a.newWorker(q).Run(ctx)
		appLogger.Info("Training worker stopped")
		return nil
	},
}
