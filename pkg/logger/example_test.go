package logger_test

import (
	"github.com/unblink/unblink/pkg/logger"
)

// Example showing basic logger usage
func ExampleLogger_basic() {
	cfg := logger.NewConfig()
	cfg.Level = logger.LevelInfo
	cfg.Format = logger.FormatText

	log, err := logger.New(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Close()

	log.Info("relay started", "port", "9020")
	log.Warn("node reconnected", "node_id", "n-1")
	log.Error("failed to open bridge", "error", "ack timeout")
}

// Example showing debug category usage
func ExampleLogger_categories() {
	cfg := logger.NewConfig()
	cfg.Level = logger.LevelDebug
	cfg.EnableCategory(logger.DebugProtocol)
	cfg.EnableCategory(logger.DebugBridge)

	log, err := logger.New(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Close()

	// Only logged when the matching category is enabled
	log.DebugEnvelope("recv", "msg-1", "register", "", 0)
	log.DebugBridge("sink full, dropping", "bridge_id", "br-1", "payload_size", 1200)
	log.DebugWebRTC("ice state", "state", "connected")
}

// Example showing per-component loggers
func ExampleLogger_with() {
	log, err := logger.New(logger.NewConfig())
	if err != nil {
		panic(err)
	}
	defer log.Close()

	nodeLog := log.With("component", "node_conn", "node_id", "n-1")
	nodeLog.Info("registered")
	nodeLog.Info("announced services", "count", 2)
}
