// polyepoxided runs a replica daemon: it opens the local store and
// serves Has/Get/Put to peers until interrupted.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	polyepoxide "github.com/polyepoxide/polyepoxide"
	"github.com/polyepoxide/polyepoxide/pkg/logging"
)

func main() {
	var (
		configPath = flag.String("config", "", "YAML config file (flags override it)")
		dataPath   = flag.String("data", "", "data directory (empty runs in memory)")
		listenAddr = flag.String("listen", "0.0.0.0:7771", "QUIC listen address")
		minFreeGB  = flag.Uint("min-free-gb", 0, "refuse to start below this much free disk")
		debug      = flag.Bool("debug", false, "verbose logging")
	)
	flag.Parse()

	logger := logging.New(*debug)

	conf := polyepoxide.Config{
		ListenAddr:    *listenAddr,
		MinimumFreeGB: *minFreeGB,
		Logger:        logger,
	}
	if *configPath != "" {
		loaded, err := polyepoxide.LoadConfig(*configPath)
		if err != nil {
			logger.Error("load config", "err", err)
			os.Exit(1)
		}
		loaded.Logger = logger
		conf = loaded
	}
	if *dataPath != "" {
		conf.Paths = []string{*dataPath}
	}

	db, err := polyepoxide.New(conf)
	if err != nil {
		logger.Error("init", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	}()

	if err := db.Run(ctx); err != nil {
		logger.Error("daemon error", "err", err)
		os.Exit(1)
	}
}
