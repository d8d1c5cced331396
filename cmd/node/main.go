package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/unblink/unblink/pkg/logger"
	"github.com/unblink/unblink/pkg/node"
)

func main() {
	args := os.Args[1:]
	cmd := "run"
	if len(args) > 0 && args[0][0] != '-' {
		cmd = args[0]
		args = args[1:]
	}

	fs := flag.NewFlagSet("node "+cmd, flag.ExitOnError)
	logFlags := logger.RegisterFlags(fs)
	configPath := fs.String("config", "", "config file path (default ~/.unblink/config.json)")
	fs.Parse(args)

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

	path := *configPath
	if path == "" {
		path, err = node.DefaultConfigPath()
		if err != nil {
			log.Error("cannot resolve config path", "error", err)
			os.Exit(1)
		}
	}

	cfg, err := node.LoadConfig(path)
	if err != nil {
		log.Error("failed to load config", "path", path, "error", err)
		os.Exit(1)
	}

	switch cmd {
	case "run":
		runAgent(cfg, log)
	case "login":
		// Drop credentials so the next connection re-authorizes
		if err := cfg.ClearCredentials(); err != nil {
			log.Error("failed to clear credentials", "error", err)
			os.Exit(1)
		}
		runAgent(cfg, log)
	case "logout":
		if err := cfg.ClearCredentials(); err != nil {
			log.Error("failed to clear credentials", "error", err)
			os.Exit(1)
		}
		fmt.Println("credentials cleared")
	case "config":
		out, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			log.Error("failed to render config", "error", err)
			os.Exit(1)
		}
		fmt.Println(string(out))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (expected run, login, logout or config)\n", cmd)
		os.Exit(2)
	}
}

func runAgent(cfg *node.Config, log *logger.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	client := node.NewClient(cfg, log)
	if err := client.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("agent stopped", "error", err)
		os.Exit(1)
	}
	log.Info("graceful shutdown complete")
}
