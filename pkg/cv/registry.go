package cv

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/unblink/unblink/pkg/logger"
)

const (
	workerSendBuffer = 100
	workerPingPeriod = 30 * time.Second
	workerWriteWait  = 10 * time.Second
)

// ErrInvalidWorkerKey is returned when an HTTP caller presents a key
// that no live worker owns.
var ErrInvalidWorkerKey = errors.New("invalid worker key")

// Envelope is the JSON frame exchanged with CV workers.
type Envelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	CreatedAt time.Time       `json:"created_at"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope builds an envelope around a JSON-marshalable payload.
func NewEnvelope(msgType string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal envelope data: %w", err)
	}
	return Envelope{
		Type:      msgType,
		ID:        uuid.New().String(),
		CreatedAt: time.Now().UTC(),
		Data:      raw,
	}, nil
}

// Worker is one connected CV worker.
type Worker struct {
	ID   string
	Key  string
	conn *websocket.Conn

	sendCh chan Envelope
	done   chan struct{}
	once   sync.Once
}

func (w *Worker) close() {
	w.once.Do(func() {
		close(w.done)
		w.conn.Close()
	})
}

// WorkerRegistry tracks connected CV workers and their access keys.
// A key is valid exactly as long as its worker's socket lives.
type WorkerRegistry struct {
	mu      sync.RWMutex
	workers map[string]*Worker // by worker id
	byKey   map[string]*Worker

	log     *logger.Logger
	dropLog *rate.Limiter
}

// NewWorkerRegistry creates an empty registry.
func NewWorkerRegistry(log *logger.Logger) *WorkerRegistry {
	return &WorkerRegistry{
		workers: make(map[string]*Worker),
		byKey:   make(map[string]*Worker),
		log:     log.With("component", "worker_registry"),
		dropLog: rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

// HandleConn serves one worker WebSocket until it closes. The first
// envelope must be a register; everything after that is keepalive.
func (r *WorkerRegistry) HandleConn(conn *websocket.Conn) {
	var reg Envelope
	if err := conn.ReadJSON(&reg); err != nil {
		conn.Close()
		return
	}
	if reg.Type != "register" {
		r.log.Warn("worker sent non-register first envelope", "type", reg.Type)
		conn.Close()
		return
	}

	key, err := newWorkerKey()
	if err != nil {
		r.log.Error("worker key generation failed", "error", err)
		conn.Close()
		return
	}

	w := &Worker{
		ID:     uuid.New().String(),
		Key:    key,
		conn:   conn,
		sendCh: make(chan Envelope, workerSendBuffer),
		done:   make(chan struct{}),
	}

	registered, err := NewEnvelope("registered", map[string]string{
		"worker_id": w.ID,
		"key":       w.Key,
	})
	if err != nil {
		conn.Close()
		return
	}
	if err := conn.WriteJSON(registered); err != nil {
		conn.Close()
		return
	}

	r.mu.Lock()
	r.workers[w.ID] = w
	r.byKey[w.Key] = w
	r.mu.Unlock()

	r.log.Info("worker registered", "worker_id", w.ID)

	go r.writeLoop(w)
	r.readLoop(w)
	r.remove(w)
}

func (r *WorkerRegistry) readLoop(w *Worker) {
	for {
		// Workers only talk back over HTTP; the read loop exists to
		// detect closure and drain pings
		if _, _, err := w.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (r *WorkerRegistry) writeLoop(w *Worker) {
	ticker := time.NewTicker(workerPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case env := <-w.sendCh:
			w.conn.SetWriteDeadline(time.Now().Add(workerWriteWait))
			if err := w.conn.WriteJSON(env); err != nil {
				w.close()
				return
			}
		case <-ticker.C:
			w.conn.SetWriteDeadline(time.Now().Add(workerWriteWait))
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				w.close()
				return
			}
		case <-w.done:
			return
		}
	}
}

func (r *WorkerRegistry) remove(w *Worker) {
	r.mu.Lock()
	delete(r.workers, w.ID)
	delete(r.byKey, w.Key)
	r.mu.Unlock()

	w.close()
	r.log.Info("worker disconnected", "worker_id", w.ID)
}

// Authenticate resolves a worker key to a live worker id.
func (r *WorkerRegistry) Authenticate(key string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.byKey[key]
	if !ok {
		return "", ErrInvalidWorkerKey
	}
	return w.ID, nil
}

// Broadcast queues an envelope for every live worker. Full queues drop.
func (r *WorkerRegistry) Broadcast(env Envelope) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, w := range r.workers {
		select {
		case w.sendCh <- env:
		default:
			if r.dropLog.Allow() {
				r.log.Warn("worker send queue full, dropping",
					"worker_id", w.ID, "type", env.Type)
			}
		}
	}
}

// Count reports live workers.
func (r *WorkerRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// CloseAll disconnects every worker, invalidating all keys.
func (r *WorkerRegistry) CloseAll() {
	r.mu.Lock()
	workers := make([]*Worker, 0, len(r.workers))
	for _, w := range r.workers {
		workers = append(workers, w)
	}
	r.workers = make(map[string]*Worker)
	r.byKey = make(map[string]*Worker)
	r.mu.Unlock()

	for _, w := range workers {
		w.close()
	}
}

func newWorkerKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
