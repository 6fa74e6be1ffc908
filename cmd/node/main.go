package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/uhyunpark/mntex/params"
	"github.com/uhyunpark/mntex/pkg/api"
	"github.com/uhyunpark/mntex/pkg/app/perp"
	"github.com/uhyunpark/mntex/pkg/util"
	"github.com/uhyunpark/mntex/pkg/venue"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("") // "" means load from .env in current directory

	level := cfg.Log.Level
	if cfg.Log.Verbose {
		level = "debug"
	}
	logger, err := util.NewLoggerWithFile(util.LogOptions{Level: level, File: cfg.Log.File})
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	logger.Info("logger_initialized", zap.String("log_file", cfg.Log.File), zap.String("level", level))

	// ---- Venue: simulated liquidity provider ----
	v := venue.NewSimulated(venue.DefaultSimConfig(), logger)

	// ---- Exchange ----
	app, err := perp.New(cfg, v, logger)
	if err != nil {
		logger.Fatal("app_init_failed", zap.Error(err))
	}

	server := api.NewServer(app, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("node_starting",
		zap.String("api_addr", cfg.API.Addr),
		zap.String("data_dir", cfg.Storage.DataDir),
		zap.Float64("usd_mnt", cfg.Market.USDMNT),
		zap.Bool("txgen", cfg.Feed.EnableTxGen))

	runErr := app.Run(ctx, server.Run)
	if err := app.Close(); err != nil {
		logger.Error("shutdown_failed", zap.Error(err))
	}
	if runErr != nil {
		logger.Error("node_stopped", zap.Error(runErr))
		os.Exit(1)
	}
	logger.Info("node_stopped")
}
