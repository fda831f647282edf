package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bookwave/convcore/config"
	"github.com/bookwave/convcore/jobs"
	"github.com/bookwave/convcore/jobstore"
	"github.com/bookwave/convcore/logging/logger"
	"github.com/bookwave/convcore/server"
	"github.com/bookwave/convcore/version"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// NewServeCommand runs the job engine and its HTTP API
func NewServeCommand() *cobra.Command {
	var confPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the job engine and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(confPath)
		},
	}
	cmd.Flags().StringVarP(&confPath, "conf", "c", "", "config file path, e.g. ./config.yaml")
	return cmd
}

func serve(confPath string) error {
	cfg, err := config.Load(confPath)
	if err != nil {
		return err
	}

	cleanup, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer cleanup()

	log := logger.StandardLogger()
	log.SetVersion(version.GetVersionInfo().Version)

	cfg.OnReload(func(next *config.Config) {
		log.SetLevel(logrus.Level(next.Logger.Level))
	})
	cfg.Watch()

	store, err := jobstore.New(cfg.Jobs.DataDir)
	if err != nil {
		return err
	}

	manager, err := jobs.NewManager(cfg.Jobs, store)
	if err != nil {
		return err
	}

	srv := server.New(cfg, manager)

	ctx := context.Background()
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		manager.Shutdown(ctx)
		return err
	case sig := <-quit:
		log.Infof(ctx, "received %s, shutting down", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf(ctx, "http shutdown: %v", err)
	}
	manager.Shutdown(shutdownCtx)
	return nil
}
