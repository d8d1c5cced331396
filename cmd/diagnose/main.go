package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"github.com/unblink/unblink/pkg/logger"
	"github.com/unblink/unblink/pkg/node"
	"github.com/unblink/unblink/pkg/protocol"
)

// Diagnostic tool for relay connectivity. It dials the node endpoint,
// runs the register handshake with the local credentials and reports
// each protocol step, to identify where a node-to-relay path breaks.

func main() {
	fs := flag.NewFlagSet("diagnose", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path (default ~/.unblink/config.json)")
	relayURL := fs.String("relay", "", "relay URL override")
	timeout := fs.Duration("timeout", 15*time.Second, "overall timeout")
	fs.Parse(os.Args[1:])

	log, err := logger.New(logger.NewConfig())
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init failed:", err)
		os.Exit(1)
	}
	defer log.Close()

	log.Info("=== Relay Connectivity Diagnostic ===")

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

	url := cfg.RelayURL
	if *relayURL != "" {
		url = *relayURL
	}

	log.Info("step 1: dialing relay", "url", url)
	start := time.Now()
	dialer := websocket.Dialer{HandshakeTimeout: *timeout}
	wsConn, _, err := dialer.Dial(url, nil)
	if err != nil {
		log.Error("dial failed", "error", err)
		os.Exit(1)
	}
	transport := protocol.NewWSTransport(wsConn)
	defer transport.Close()
	log.Info("connected", "elapsed", time.Since(start))

	if cfg.Token == "" {
		log.Warn("no token in config; checking authorization flow only")
		if err := transport.WriteMessage(protocol.NewReqAuthorizationURL(cfg.NodeID)); err != nil {
			log.Error("send req_authorization_url failed", "error", err)
			os.Exit(1)
		}
		msg, err := readControl(transport, *timeout)
		if err != nil {
			log.Error("no authorization response", "error", err)
			os.Exit(1)
		}
		if msg.Control.Type != protocol.MsgTypeResAuthorizationURL {
			log.Error("unexpected response", "type", msg.Control.Type)
			os.Exit(1)
		}
		log.Info("authorization flow OK", "url", msg.Control.AuthURL)
		return
	}

	log.Info("step 2: registering", "node_id", cfg.NodeID)
	if err := transport.WriteMessage(protocol.NewRegister(cfg.NodeID, cfg.Token)); err != nil {
		log.Error("send register failed", "error", err)
		os.Exit(1)
	}

	var gotAck, gotReady bool
	deadline := time.Now().Add(*timeout)
	for time.Now().Before(deadline) && !gotReady {
		msg, err := readControl(transport, time.Until(deadline))
		if err != nil {
			log.Error("read failed", "error", err)
			os.Exit(1)
		}
		switch msg.Control.Type {
		case protocol.MsgTypeAck:
			gotAck = true
			log.Info("register acked", "elapsed", time.Since(start))
		case protocol.MsgTypeConnectionReady:
			gotReady = true
			transport.WriteMessage(protocol.NewAck(msg.MsgID))
			log.Info("connection ready", "node_id", msg.Control.NodeID, "elapsed", time.Since(start))
		case protocol.MsgTypeRegisterError:
			log.Error("registration rejected", "code", msg.Control.Code, "message", msg.Control.Message)
			os.Exit(1)
		}
	}

	if !gotAck || !gotReady {
		log.Error("handshake incomplete", "acked", gotAck, "ready", gotReady)
		os.Exit(1)
	}
	log.Info("diagnostic passed", "total", time.Since(start))
}

func readControl(t protocol.Transport, timeout time.Duration) (*protocol.Message, error) {
	type result struct {
		msg *protocol.Message
		err error
	}
	ch := make(chan result, 1)
	go func() {
		for {
			msg, err := t.ReadMessage()
			if err != nil {
				ch <- result{nil, err}
				return
			}
			if msg.Control != nil {
				ch <- result{msg, nil}
				return
			}
		}
	}()

	select {
	case r := <-ch:
		return r.msg, r.err
	case <-time.After(timeout):
		return nil, fmt.Errorf("timed out after %s", timeout)
	}
}
