package main

import (
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/activescreen/backend/internal/api"
	"github.com/activescreen/backend/internal/api/handlers"
	appLogger "github.com/activescreen/backend/pkg/logger"
)

var (
	serveWithWorker bool

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		RunE:  runServe,
	}
)

func init() {
	serveCmd.Flags().BoolVar(&serveWithWorker, "worker", true, "also run a training worker in this process")
	serveCmd.Flags().Int("port", 0, "listen port (overrides server.port)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	v := viper.New()
	if cmd.Flags().Changed("port") {
		if err := v.BindPFlag("server.port", cmd.Flags().Lookup("port")); err != nil {
			return err
		}
	}

	a, err := newApp(v)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg := a.cfg

	appLogger.Info("Starting screening API server")

	q, err := a.openQueue()
	if err != nil {
		return err
	}

	env := &handlers.Env{
		Projects:    a.projects,
		Registry:    a.registry,
		Features:    a.features,
		Queue:       q,
		Defaults:    a.defaultSettings(),
		Review:      a.reviewOptions(),
		EditLockTTL: time.Duration(cfg.Server.EditLockTTLSecond) * time.Second,
	}
	server := api.NewServer(env, api.Options{
		ReadTimeout:     time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout:    time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:       cfg.Server.BodyLimit,
		RateLimitPerMin: cfg.Server.RateLimitPerMin,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		IsDevelopment:   cfg.Server.IsDevelopment,
		AccessLog:       true,
	})

	ctx, stop := signalContext()
	defer stop()

	var wg sync.WaitGroup
	if serveWithWorker {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.newWorker(q).Run(ctx)
		}()
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Listen(addr)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		stop()
		wg.Wait()
		return fmt.Errorf("server failed: %w", err)
	}

	appLogger.Info("Server shutting down gracefully...")
	if err := server.Shutdown(); err != nil {
		appLogger.Warn("Server shutdown failed", zap.Error(err))
	}
	wg.Wait()
	appLogger.Info("Server stopped")
	return nil
}
