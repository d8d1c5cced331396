// Package api exposes the platform over HTTP: the WebSocket endpoints
// nodes and workers dial, and the browser-facing REST/SSE surface.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/unblink/unblink/pkg/cv"
	"github.com/unblink/unblink/pkg/database"
	"github.com/unblink/unblink/pkg/logger"
	"github.com/unblink/unblink/pkg/relay"
	"github.com/unblink/unblink/pkg/timeutil"
)

// Server carries both HTTP listeners: the relay port (node and worker
// WebSockets) and the API port (browser REST + SSE).
type Server struct {
	relay     *relay.Relay
	db        *database.DB
	jwtSecret []byte
	log       *logger.Logger

	wsServer  *http.Server
	apiServer *http.Server

	upgrader websocket.Upgrader
}

// NewServer wires the HTTP surface around a relay.
func NewServer(r *relay.Relay, db *database.DB, jwtSecret string, log *logger.Logger) *Server {
	return &Server{
		relay:     r,
		db:        db,
		jwtSecret: []byte(jwtSecret),
		log:       log.With("component", "api"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Start brings up both listeners. Returns once each has bound or failed.
func (s *Server) Start(relayAddr, apiAddr string) error {
	wsMux := http.NewServeMux()
	wsMux.HandleFunc("GET /node/connect", s.handleNodeConnect)
	wsMux.HandleFunc("GET /worker/connect", s.handleWorkerConnect)

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /frames/{uuid}", s.requireWorker(s.handleGetFrame))
	apiMux.HandleFunc("POST /events", s.requireWorker(s.handlePostEvent))
	apiMux.HandleFunc("GET /nodes", s.requireSession(s.handleListNodes))
	apiMux.HandleFunc("GET /node/{id}/services", s.requireSession(s.handleNodeServices))
	apiMux.HandleFunc("POST /node/{id}/offer", s.requireSession(s.handleNodeOffer))
	apiMux.HandleFunc("GET /node/{id}/events", s.requireSession(s.handleNodeEvents))
	apiMux.HandleFunc("GET /node/{id}/events/history", s.requireSession(s.handleEventHistory))
	apiMux.HandleFunc("PATCH /node/{id}", s.requireSession(s.handleRenameNode))
	apiMux.HandleFunc("DELETE /node/{id}", s.requireSession(s.handleDeleteNode))
	apiMux.HandleFunc("POST /api/authorize", s.requireSession(s.handleAuthorize))

	s.wsServer = &http.Server{
		Addr:    relayAddr,
		Handler: s.withLogging(wsMux),
		// No read/write timeouts: WebSockets are long-lived
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.apiServer = &http.Server{
		Addr:              apiAddr,
		Handler:           s.withCORS(s.withLogging(apiMux)),
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if err := s.serve(s.wsServer, "relay"); err != nil {
		return err
	}
	if err := s.serve(s.apiServer, "api"); err != nil {
		return err
	}
	return nil
}

func (s *Server) serve(srv *http.Server, name string) error {
	s.log.Info("starting HTTP server", "name", name, "address", srv.Addr)

	errChan := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("HTTP server error", "name", name, "error", err)
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Stop gracefully shuts both listeners down.
func (s *Server) Stop(ctx context.Context) error {
	var firstErr error
	for _, srv := range []*http.Server{s.apiServer, s.wsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Server) handleNodeConnect(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("node upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	// The request context dies with the handler; the connection outlives it
	go s.relay.HandleNodeConn(context.Background(), conn)
}

func (s *Server) handleWorkerConnect(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("worker upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	go s.relay.Pipeline().Registry().HandleConn(conn)
}

func (s *Server) handleGetFrame(w http.ResponseWriter, r *http.Request, workerID string) {
	frameID := r.PathValue("uuid")
	jpeg, err := s.relay.Pipeline().Storage().ReadFrame(r.Context(), frameID)
	if err != nil {
		http.Error(w, "frame not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Write(jpeg)
}

func (s *Server) handlePostEvent(w http.ResponseWriter, r *http.Request, workerID string) {
	var evt cv.WorkerEvent
	if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	id, err := s.relay.Pipeline().HandleWorkerEvent(r.Context(), workerID, evt)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

// nodeInfo is one entry of the GET /nodes listing.
type nodeInfo struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Connected  bool      `json:"connected"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request, userID int64) {
	nodes, err := s.db.ListNodesByOwner(r.Context(), userID)
	if err != nil {
		s.log.Error("list nodes failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	infos := make([]nodeInfo, 0, len(nodes))
	for _, n := range nodes {
		infos = append(infos, nodeInfo{
			ID:         n.ID,
			Name:       n.Name,
			Connected:  s.relay.GetNode(n.ID) != nil,
			LastSeenAt: n.LastSeenAt,
		})
	}
	s.writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleNodeServices(w http.ResponseWriter, r *http.Request, userID int64) {
	nodeID := r.PathValue("id")
	if !s.ownedNode(w, r, nodeID, userID) {
		return
	}
	s.writeJSON(w, http.StatusOK, s.relay.Services().ForNode(nodeID))
}

// offerRequest is the browser's WebRTC offer for one service.
type offerRequest struct {
	ServiceID string `json:"serviceId"`
	SDP       string `json:"sdp"`
}

func (s *Server) handleNodeOffer(w http.ResponseWriter, r *http.Request, userID int64) {
	nodeID := r.PathValue("id")
	if !s.ownedNode(w, r, nodeID, userID) {
		return
	}

	var req offerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SDP == "" {
		http.Error(w, "invalid offer", http.StatusBadRequest)
		return
	}

	nc := s.relay.GetNode(nodeID)
	if nc == nil {
		http.Error(w, "node not connected", http.StatusNotFound)
		return
	}
	svc, ok := s.relay.Services().Find(nodeID, req.ServiceID)
	if !ok {
		http.Error(w, "service not announced", http.StatusNotFound)
		return
	}

	sessionID, answerSDP, err := s.relay.Sessions().NewSession(nc, svc, req.SDP)
	if err != nil {
		s.log.Error("webrtc session failed", "node_id", nodeID, "service_id", req.ServiceID, "error", err)
		http.Error(w, "session setup failed", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{
		"session_id": sessionID,
		"type":       "answer",
		"sdp":        answerSDP,
	})
}

func (s *Server) handleNodeEvents(w http.ResponseWriter, r *http.Request, userID int64) {
	nodeID := r.PathValue("id")
	if !s.ownedNode(w, r, nodeID, userID) {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	broadcaster := s.relay.Pipeline().Broadcaster()
	sub := broadcaster.Subscribe(uuid.New().String(), nodeID, r.URL.Query().Get("service_id"))
	defer broadcaster.Unsubscribe(nodeID, sub.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case evt, open := <-sub.C:
			if !open {
				return
			}
			if _, err := w.Write([]byte("data: ")); err != nil {
				return
			}
			if err := enc.Encode(evt); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// historyEvent is one stored event, bucketed for timeline rendering.
type historyEvent struct {
	ID        string          `json:"id"`
	ServiceID string          `json:"service_id"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	Bucket    time.Time       `json:"bucket"`
}

// handleEventHistory lists stored events for a service over a time
// range, bucketed at the granularity the range implies.
func (s *Server) handleEventHistory(w http.ResponseWriter, r *http.Request, userID int64) {
	nodeID := r.PathValue("id")
	if !s.ownedNode(w, r, nodeID, userID) {
		return
	}

	q := r.URL.Query()
	serviceID := q.Get("service_id")
	if serviceID == "" {
		http.Error(w, "service_id required", http.StatusBadRequest)
		return
	}
	from, err := time.Parse(time.RFC3339, q.Get("from"))
	if err != nil {
		http.Error(w, "from must be RFC 3339", http.StatusBadRequest)
		return
	}
	to, err := time.Parse(time.RFC3339, q.Get("to"))
	if err != nil || !to.After(from) {
		http.Error(w, "to must be RFC 3339 and after from", http.StatusBadRequest)
		return
	}

	events, err := s.db.ListEvents(r.Context(), serviceID, from, to)
	if err != nil {
		s.log.Error("list events failed", "service_id", serviceID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	g := timeutil.ForRange(from, to)
	out := make([]historyEvent, 0, len(events))
	for _, evt := range events {
		out = append(out, historyEvent{
			ID:        evt.ID,
			ServiceID: evt.ServiceID,
			Type:      evt.Type,
			Data:      evt.Data,
			CreatedAt: evt.CreatedAt,
			Bucket:    timeutil.Truncate(evt.CreatedAt, g),
		})
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"granularity": g,
		"events":      out,
	})
}

func (s *Server) handleRenameNode(w http.ResponseWriter, r *http.Request, userID int64) {
	nodeID := r.PathValue("id")
	if !s.ownedNode(w, r, nodeID, userID) {
		return
	}

	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		http.Error(w, "name required", http.StatusBadRequest)
		return
	}

	if err := s.db.RenameNode(r.Context(), nodeID, body.Name); err != nil {
		s.log.Error("rename node failed", "node_id", nodeID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteNode(w http.ResponseWriter, r *http.Request, userID int64) {
	nodeID := r.PathValue("id")
	if !s.ownedNode(w, r, nodeID, userID) {
		return
	}

	if err := s.db.DeleteNode(r.Context(), nodeID); err != nil {
		s.log.Error("delete node failed", "node_id", nodeID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.relay.DisconnectNode(nodeID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request, userID int64) {
	var body struct {
		NodeID string `json:"node_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.NodeID == "" {
		http.Error(w, "node_id required", http.StatusBadRequest)
		return
	}

	if _, err := s.relay.AuthorizeNode(r.Context(), body.NodeID, userID); err != nil {
		s.log.Error("authorize failed", "node_id", body.NodeID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"node_id": body.NodeID, "authorized": true})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("response encode failed", "error", err)
	}
}

// withCORS adds CORS headers to responses.
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Worker-Key")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// withLogging adds request logging.
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.log.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE working through the logging wrapper.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack keeps WebSocket upgrades working through the logging wrapper.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}
