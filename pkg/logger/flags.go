package logger

import (
	"flag"
	"fmt"
	"strings"
)

// Flags holds all logging-related command-line flags
type Flags struct {
	LogLevel      string
	LogFormat     string
	LogFile       string
	DebugProtocol bool
	DebugBridge   bool
	DebugWebRTC   bool
	DebugFrames   bool
	DebugWorkers  bool
	DebugAll      bool
}

// RegisterFlags registers logging flags with the given FlagSet
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{}

	fs.StringVar(&f.LogLevel, "log-level", "info",
		"Log level: debug, info, warn, error")
	fs.StringVar(&f.LogLevel, "l", "info",
		"Log level (shorthand)")

	fs.StringVar(&f.LogFormat, "log-format", "text",
		"Log output format: text, json")

	fs.StringVar(&f.LogFile, "log-file", "",
		"Log output file path (default: stdout)")
	fs.StringVar(&f.LogFile, "o", "",
		"Log output file path (shorthand)")

	// Debug category flags
	fs.BoolVar(&f.DebugProtocol, "debug-protocol", false,
		"Enable envelope-level protocol debugging (msg ids, control types, acks)")
	fs.BoolVar(&f.DebugBridge, "debug-bridge", false,
		"Enable bridge data-path debugging (sinks, proxies, drops)")
	fs.BoolVar(&f.DebugWebRTC, "debug-webrtc", false,
		"Enable WebRTC debugging (ICE, SDP, connection state)")
	fs.BoolVar(&f.DebugFrames, "debug-frames", false,
		"Enable frame extraction debugging (NAL units, JPEG batches)")
	fs.BoolVar(&f.DebugWorkers, "debug-workers", false,
		"Enable CV worker registry debugging (registration, fan-out)")
	fs.BoolVar(&f.DebugAll, "debug-all", false,
		"Enable all debug categories")

	return f
}

// ToConfig converts Flags to a logger Config
func (f *Flags) ToConfig() (*Config, error) {
	cfg := NewConfig()

	level, err := ParseLevel(f.LogLevel)
	if err != nil {
		return nil, err
	}
	cfg.Level = level

	format, err := ParseFormat(f.LogFormat)
	if err != nil {
		return nil, err
	}
	cfg.Format = format

	cfg.OutputFile = f.LogFile

	// Any debug category forces debug level
	if f.DebugAll {
		cfg.EnableCategory(DebugAll)
		cfg.Level = LevelDebug
	} else {
		for cat, enabled := range map[DebugCategory]bool{
			DebugProtocol: f.DebugProtocol,
			DebugBridge:   f.DebugBridge,
			DebugWebRTC:   f.DebugWebRTC,
			DebugFrames:   f.DebugFrames,
			DebugWorkers:  f.DebugWorkers,
		} {
			if enabled {
				cfg.EnableCategory(cat)
				cfg.Level = LevelDebug
			}
		}
	}

	return cfg, nil
}

// String returns a string representation of enabled flags
func (f *Flags) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("level=%s", f.LogLevel))
	parts = append(parts, fmt.Sprintf("format=%s", f.LogFormat))

	if f.LogFile != "" {
		parts = append(parts, fmt.Sprintf("output=%s", f.LogFile))
	} else {
		parts = append(parts, "output=stdout")
	}

	var debugCategories []string
	if f.DebugAll {
		debugCategories = append(debugCategories, "all")
	} else {
		if f.DebugProtocol {
			debugCategories = append(debugCategories, "protocol")
		}
		if f.DebugBridge {
			debugCategories = append(debugCategories, "bridge")
		}
		if f.DebugWebRTC {
			debugCategories = append(debugCategories, "webrtc")
		}
		if f.DebugFrames {
			debugCategories = append(debugCategories, "frames")
		}
		if f.DebugWorkers {
			debugCategories = append(debugCategories, "workers")
		}
	}

	if len(debugCategories) > 0 {
		parts = append(parts, fmt.Sprintf("debug=[%s]", strings.Join(debugCategories, ",")))
	}

	return strings.Join(parts, " ")
}
