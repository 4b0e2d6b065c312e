package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"accel-fleet/api/rest/routes"
	"accel-fleet/config"
	"accel-fleet/core/executor"
	"accel-fleet/core/inventory"
	"accel-fleet/core/lifecycle"
	"accel-fleet/core/models"
	"accel-fleet/core/monitoring"
	"accel-fleet/core/queue"
	"accel-fleet/core/repository"
	"accel-fleet/core/resource_manager"
	"accel-fleet/providers/aws"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "accel-fleet",
		Short: "Accelerator fleet orchestrator",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator server and monitor loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
	root.AddCommand(serve)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(level)
	}
	log := logrus.WithField("component", "server")

	store, err := repository.NewStore(cfg.StateDir, cfg.LockPoll, cfg.LockTimeout)
	if err != nil {
		return err
	}
	log.WithField("dir", cfg.StateDir).Info("State store opened")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	awsClient, err := aws.NewClient(ctx, cfg.AWSRegion, cfg.AWSImage, cfg.SSHUser)
	if err != nil {
		return err
	}

	fleet := resource_manager.NewManager(awsClient, resource_manager.Config{
		MountCommand:     cfg.MountCommand,
		SmokeTestCommand: cfg.SmokeTestCommand,
		KillCommand:      cfg.KillCommand,
		ReadyPollEvery:   cfg.ReadyPollEvery,
		ReadyTimeout:     cfg.ReadyTimeout,
		RetryDelay:       cfg.RetryDelay,
		RetryJitter:      cfg.RetryJitter,
	})

	container := executor.NewTmuxClient()
	mirror := inventory.NewMirror(cfg.InventoryCSV)

	jobs := lifecycle.NewManager(store, fleet, container, lifecycle.Config{
		MaxResumeDepth:    cfg.MaxResumeDepth,
		ProvisionRetryFor: cfg.ProvisionRetryFor,
	})
	waiting := queue.NewController(store, jobs)

	// A freed accelerator immediately offers itself to the queue.
	jobs.SetReleaseHook(func(ctx context.Context, resource string, reason models.ReleaseReason, owner string) {
		if _, err := waiting.Release(ctx, resource, reason, owner); err != nil {
			log.WithError(err).WithField("resource", resource).Warn("Queue release failed")
		}
	})

	monitor := monitoring.NewMonitor(store, fleet, jobs, container, mirror, monitoring.Config{
		Interval:          cfg.MonitorInterval,
		TailLines:         cfg.TailLines,
		ProvisionRetryFor: cfg.ProvisionRetryFor,
	})
	go monitor.Start(ctx)

	r := mux.NewRouter()
	routes.SetupRoutes(r, store, jobs, waiting)

	server := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: r,
	}

	go func() {
		log.WithField("port", cfg.ServerPort).Info("Starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("Server failed to start")
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down server...")
	if err := server.Shutdown(context.Background()); err != nil {
		return err
	}
	log.Info("Server exited")
	return nil
}
