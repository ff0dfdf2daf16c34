package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nishisan-dev/daqfabric/aggregator"
	"github.com/nishisan-dev/daqfabric/internal/clock"
	"github.com/nishisan-dev/daqfabric/internal/config"
	"github.com/nishisan-dev/daqfabric/internal/logging"
)

// tickTimeout bounds how long each reactor tick blocks in epoll_wait,
// which in turn bounds how quickly the aggregator notices ctx cancellation.
const tickTimeout = 1 * time.Second

func main() {
	configPath := flag.String("config", "/etc/daqfabric/aggregator.yaml", "path to aggregator config file")
	flag.Parse()

	cfg, err := config.LoadAggregatorConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, closer := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer closer.Close()

	agg, err := aggregator.New(cfg, clock.System{}, logger)
	if err != nil {
		logger.Error("starting aggregator", "error", err)
		os.Exit(1)
	}
	defer agg.Close()
	agg.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	logger.Info("aggregator listening", "addr", agg.ListenAddr().String())

	for {
		select {
		case <-ctx.Done():
			logger.Info("aggregator stopped")
			return
		default:
		}
		if err := agg.Serve(tickTimeout); err != nil {
			logger.Error("aggregator tick error", "error", err)
		}
	}
}
