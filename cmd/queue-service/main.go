package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/orrn/jobfleet/internal/api"
	"github.com/orrn/jobfleet/internal/api/middleware"
	"github.com/orrn/jobfleet/internal/archive"
	"github.com/orrn/jobfleet/internal/channel"
	"github.com/orrn/jobfleet/internal/config"
	"github.com/orrn/jobfleet/internal/core"
	"github.com/orrn/jobfleet/internal/db"
	"github.com/orrn/jobfleet/internal/logging"
	"github.com/orrn/jobfleet/internal/processor"
	"github.com/orrn/jobfleet/internal/webhook"
	"github.com/orrn/jobfleet/internal/worker"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	hashKey := flag.String("hash-key", "", "print the bcrypt hash of an enrollment key and exit")
	flag.Parse()

	if *hashKey != "" {
		hash, err := middleware.HashEnrollmentKey(*hashKey)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to hash key: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging, os.Stderr)
	if err := run(cfg, logger); err != nil {
		logger.Error("queue service failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := db.Open(db.Config{Path: cfg.Database.Path})
	if err != nil {
		return err
	}
	defer store.Close()

	ch, err := channel.New(ctx, cfg.Channel, logger)
	if err != nil {
		return err
	}
	defer ch.Close()

	sender := webhook.NewSender(store, cfg.Webhook, logger)
	workers := core.NewWorkerService(store, ch, sender, logger, core.WithOrphanGrace(cfg.Scheduler.OrphanGrace))
	jobs := core.NewJobService(store, ch, sender, cfg.Scheduler.DefaultMaxRetries, logger)
	scheduler := core.NewScheduler(store, ch, sender, &cfg.Scheduler, logger)

	archiver, err := archive.NewArchiver(store, cfg.Archive, logger)
	if err != nil {
		return err
	}

	router := api.NewRouter(api.Deps{
		Auth:      cfg.Auth,
		Store:     store,
		Workers:   workers,
		Jobs:      jobs,
		Scheduler: scheduler,
		Webhooks:  sender,
		Archiver:  archiver,
		Settings:  cfg,
		Logger:    logger,
	})
	server := api.NewServer(cfg.Server, router, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error { return scheduler.Run(gctx) })
	g.Go(func() error { return sender.Run(gctx) })
	g.Go(func() error { return archiver.Run(gctx) })

	if cfg.Worker.Embedded > 0 {
		upstream := &worker.LocalUpstream{Workers: workers, Jobs: jobs}
		procs := processor.Default(cfg.Worker.StepDelay, logger)
		for i := 0; i < cfg.Worker.Embedded; i++ {
			wcfg := cfg.Worker
			wcfg.Name = fmt.Sprintf("%s-%d", cfg.Worker.Name, i+1)
			rt := worker.New(wcfg, upstream, ch, procs, logger)
			g.Go(func() error { return rt.Run(gctx) })
		}
		logger.Info("embedded workers enabled", "count", cfg.Worker.Embedded)
	}

	logger.Info("queue service started", "port", cfg.Server.Port, "channel", cfg.Channel.Driver)
	err = g.Wait()
	logger.Info("queue service stopped")
	return err
}
