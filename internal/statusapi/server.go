// Package statusapi exposes a read-only HTTP view of one dataset session
// for local tooling: connectivity, the mirrored lock table and recent edit
// outcomes. It never mutates coordination state.
package statusapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/h-tendy/datagroom-ui-2026-sub000/internal/gridlock"
)

// SessionView is the slice of a dataset session the server reads.
// *gridlock.DatasetSession satisfies it.
type SessionView interface {
	DatasetID() string
	SessionID() string
	Registry() *gridlock.LockRegistry
	Tracker() *gridlock.EditTracker
	Connectivity() *gridlock.ConnectivityState
	Editor() *gridlock.Editor
}

type ServerConfig struct {
	// Token, when set, requires "Authorization: Bearer <token>" on every
	// route except /health.
	Token string
}

type Server struct {
	session SessionView
	cfg     ServerConfig
	started time.Time
}

func NewServer(session SessionView) *Server {
	return NewServerWithConfig(session, ServerConfig{})
}

func NewServerWithConfig(session SessionView, cfg ServerConfig) *Server {
	cfg.Token = strings.TrimSpace(cfg.Token)
	return &Server{
		session: session,
		cfg:     cfg,
		started: time.Now().UTC(),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET is supported")
		return
	}
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
		return
	}

	switch r.URL.Path {
	case "/v1/status":
		s.handleStatus(w, r)
	case "/v1/locks":
		s.handleLocks(w, r)
	case "/v1/edits":
		s.handleEdits(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return false
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")) == s.cfg.Token
}

type statusResponse struct {
	DatasetID    string                        `json:"datasetId"`
	SessionID    string                        `json:"sessionId"`
	Connectivity gridlock.ConnectivitySnapshot `json:"connectivity"`
	ActiveCells  []gridlock.CellID             `json:"activeCells"`
	LockCount    int                           `json:"lockCount"`
	UptimeSec    int64                         `json:"uptimeSec"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	active := s.session.Editor().ActiveCells()
	if active == nil {
		active = []gridlock.CellID{}
	}
	writeJSON(w, http.StatusOK, statusResponse{
		DatasetID:    s.session.DatasetID(),
		SessionID:    s.session.SessionID(),
		Connectivity: s.session.Connectivity().State(),
		ActiveCells:  active,
		LockCount:    s.session.Registry().Len(),
		UptimeSec:    int64(time.Since(s.started).Seconds()),
	})
}

type lockResponse struct {
	RowID      string    `json:"rowId"`
	Field      string    `json:"field"`
	OwnerID    string    `json:"ownerId,omitempty"`
	Own        bool      `json:"own"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

func (s *Server) handleLocks(w http.ResponseWriter, r *http.Request) {
	sessionID := s.session.SessionID()
	entries := s.session.Registry().Entries()
	locks := make([]lockResponse, 0, len(entries))
	for _, entry := range entries {
		locks = append(locks, lockResponse{
			RowID:      entry.Cell.RowID,
			Field:      entry.Cell.Field,
			OwnerID:    entry.OwnerSessionID,
			Own:        entry.OwnerSessionID != "" && entry.OwnerSessionID == sessionID,
			AcquiredAt: entry.AcquiredAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"locks": locks})
}

func (s *Server) handleEdits(w http.ResponseWriter, r *http.Request) {
	outcomes := s.session.Tracker().Outcomes()
	if outcomes == nil {
		outcomes = []gridlock.EditAttempt{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"edits": outcomes})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}
