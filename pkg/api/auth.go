package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/golang-jwt/jwt/v5"

	"github.com/unblink/unblink/pkg/database"
)

const sessionCookie = "unblink_session"

var errNoSession = errors.New("no valid session")

// sessionClaims is the dashboard-issued session token payload.
type sessionClaims struct {
	UserID int64 `json:"user_id"`
	jwt.RegisteredClaims
}

// sessionUserID validates the session cookie (or bearer token) and
// returns the authenticated user id.
func (s *Server) sessionUserID(r *http.Request) (int64, error) {
	tokenStr := ""
	if c, err := r.Cookie(sessionCookie); err == nil {
		tokenStr = c.Value
	}
	if tokenStr == "" {
		if auth := r.Header.Get("Authorization"); len(auth) > 7 && auth[:7] == "Bearer " {
			tokenStr = auth[7:]
		}
	}
	if tokenStr == "" {
		return 0, errNoSession
	}

	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil || !token.Valid || claims.UserID == 0 {
		return 0, errNoSession
	}
	return claims.UserID, nil
}

// requireSession wraps a handler with session authentication.
func (s *Server) requireSession(next func(w http.ResponseWriter, r *http.Request, userID int64)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := s.sessionUserID(r)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r, userID)
	}
}

// requireWorker wraps a handler with X-Worker-Key authentication. The
// key is only valid while its worker socket is alive.
func (s *Server) requireWorker(next func(w http.ResponseWriter, r *http.Request, workerID string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Worker-Key")
		workerID, err := s.relay.Pipeline().Registry().Authenticate(key)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r, workerID)
	}
}

// ownedNode loads a node and enforces ownership.
func (s *Server) ownedNode(w http.ResponseWriter, r *http.Request, nodeID string, userID int64) (nodeOwned bool) {
	node, err := s.db.GetNode(r.Context(), nodeID)
	if errors.Is(err, database.ErrNodeNotFound) {
		http.Error(w, "node not found", http.StatusNotFound)
		return false
	}
	if err != nil {
		s.log.Error("load node failed", "node_id", nodeID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return false
	}
	if node.OwnerID != userID {
		http.Error(w, "forbidden", http.StatusForbidden)
		return false
	}
	return true
}
