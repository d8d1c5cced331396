package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/unblink/unblink/pkg/api"
	"github.com/unblink/unblink/pkg/config"
	"github.com/unblink/unblink/pkg/cv"
	"github.com/unblink/unblink/pkg/database"
	"github.com/unblink/unblink/pkg/logger"
	"github.com/unblink/unblink/pkg/relay"
)

func main() {
	fs := flag.NewFlagSet("relay", flag.ExitOnError)
	logFlags := logger.RegisterFlags(fs)
	envFile := fs.String("env", ".env", "path to env file (optional)")
	retention := fs.Duration("frame-retention", 0, "delete frames older than this (0 disables)")
	fs.Parse(os.Args[1:])

	logCfg, err := logFlags.ToConfig()
	if err != nil {
		logger.Error("invalid logging flags", "error", err)
		os.Exit(1)
	}
	log, err := logger.New(logCfg)
	if err != nil {
		logger.Error("logger init failed", "error", err)
		os.Exit(1)
	}
	defer log.Close()
	logger.SetDefault(log)

	cfg, err := config.Load(*envFile)
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	log.Info("configuration loaded", "relay_port", cfg.RelayPort, "api_port", cfg.APIPort)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	db, err := database.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("database init failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	storage, err := cv.NewStorageManager(cfg.StorageDir, db, log)
	if err != nil {
		log.Error("storage init failed", "error", err)
		os.Exit(1)
	}

	if *retention > 0 {
		go storage.RunRetention(ctx, *retention, time.Hour)
	}

	pipeline := cv.NewPipeline(
		storage,
		cv.NewWorkerRegistry(log),
		cv.NewEventBroadcaster(log),
		db,
		log,
	)

	r := relay.NewRelay(db, pipeline, relay.Options{
		DashboardURL:              cfg.DashboardURL,
		FrameInterval:             cfg.FrameInterval,
		BatchSize:                 cfg.BatchSize,
		AutoRequestRealtimeStream: cfg.AutoRequestRealtimeStream,
	}, log)

	server := api.NewServer(r, db, cfg.JWTSecret, log)
	if err := server.Start(":"+cfg.RelayPort, ":"+cfg.APIPort); err != nil {
		log.Error("server start failed", "error", err)
		os.Exit(1)
	}

	log.Info("relay running")
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		log.Error("server shutdown error", "error", err)
	}
	r.Shutdown()

	log.Info("graceful shutdown complete")
}
