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

	"github.com/orrn/jobfleet/internal/channel"
	"github.com/orrn/jobfleet/internal/client"
	"github.com/orrn/jobfleet/internal/config"
	"github.com/orrn/jobfleet/internal/logging"
	"github.com/orrn/jobfleet/internal/processor"
	"github.com/orrn/jobfleet/internal/worker"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	name := flag.String("name", "", "worker name, overrides worker.name")
	concurrency := flag.Int("concurrency", 0, "concurrent jobs, overrides worker.concurrency_limit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	cfg.ApplyEnv()
	if *name != "" {
		cfg.Worker.Name = *name
	}
	if *concurrency > 0 {
		cfg.Worker.ConcurrencyLimit = *concurrency
	}
	if err := cfg.Worker.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Logging.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging, os.Stderr).With("worker", cfg.Worker.Name)
	if err := run(cfg, logger); err != nil {
		logger.Error("worker node failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Channel.Driver == "memory" {
		logger.Warn("memory channel is process-local, control messages from the queue service will not arrive; use redis")
	}
	ch, err := channel.New(ctx, cfg.Channel, logger)
	if err != nil {
		return err
	}
	defer ch.Close()

	upstream := client.New(cfg.Worker)
	procs := processor.Default(cfg.Worker.StepDelay, logger)
	rt := worker.New(cfg.Worker, upstream, ch, procs, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.Run(gctx) })

	logger.Info("worker node starting",
		"queue_service", cfg.Worker.QueueServiceURL,
		"channel", cfg.Channel.Driver,
		"processors", procs.Types())
	return g.Wait()
}
