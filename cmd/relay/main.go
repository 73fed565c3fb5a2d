package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"roomrelay/internal/config"
	"roomrelay/internal/observability"
	"roomrelay/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err.Error())
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatal(err.Error())
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.Run(ctx, cfg, logger); err != nil {
		logger.Fatal("relay stopped", zap.Error(err))
	}
}
