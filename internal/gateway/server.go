package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cliff-personal/openclaw/internal/eventbus"
	"github.com/cliff-personal/openclaw/internal/idgen"
	"github.com/cliff-personal/openclaw/internal/sessions"
	"github.com/cliff-personal/openclaw/internal/transcript"
)

// Server exposes the chat gateway over HTTP: a websocket endpoint carrying
// the per-connection request/event flow, plus plain endpoints for health,
// history and one-shot sends. Each websocket connection gets its own Engine
// (and therefore its own run registry); the plain HTTP endpoints share the
// server's local engine.
type Server struct {
	Bus       *eventbus.Bus
	Engine    *Engine
	Config    EngineConfig
	Log       zerolog.Logger
	StartedAt time.Time
}

func NewServer(cfg EngineConfig, bus *eventbus.Bus, log zerolog.Logger) *Server {
	cfg.Bus = bus
	cfg.Log = log
	return &Server{
		Bus:       bus,
		Engine:    NewEngine(cfg),
		Config:    cfg,
		Log:       log,
		StartedAt: time.Now().UTC(),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/chat/send", s.handleChatSend)
	mux.HandleFunc("/api/chat/abort", s.handleChatAbort)
	mux.HandleFunc("/api/chat/history", s.handleChatHistory)
	mux.HandleFunc("/api/chat/transcript", s.handleChatTranscript)
	mux.HandleFunc("/api/chat/ws", s.handleChatWS)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC()})
}

// handleChatSend accepts one chat message and processes it asynchronously;
// the outcome arrives as lifecycle events. Slash commands are rejected here:
// command interpretation happens before dispatch, not inside it.
func (s *Server) handleChatSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req SendRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.SessionKey) == "" || strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, errRequired("sessionKey and message"))
		return
	}
	if IsLikelySlashCommand(req.Message) {
		writeJSON(w, http.StatusOK, map[string]any{"accepted": false, "command": true})
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = idgen.New()
	}

	go func() {
		if err := s.Engine.ChatSend(context.Background(), req); err != nil {
			s.Log.Warn().Str("session_key", req.SessionKey).Err(err).Msg("chat send rejected")
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true, "runId": req.IdempotencyKey})
}

func (s *Server) handleChatAbort(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req struct {
		RunID string `json:"runId"`
	}
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.RunID == "" {
		writeError(w, http.StatusBadRequest, errRequired("runId"))
		return
	}
	aborted := s.Engine.AbortRun(req.RunID)
	writeJSON(w, http.StatusOK, map[string]any{"aborted": aborted})
}

func (s *Server) handleChatHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	sessionKey := r.URL.Query().Get("session")
	if sessionKey == "" {
		writeError(w, http.StatusBadRequest, errRequired("session"))
		return
	}
	limit := parseInt(r.URL.Query().Get("limit"), 200)
	events, err := s.Bus.History(r.Context(), sessionKey, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// handleChatTranscript serves the durable turns of the session currently
// behind a canonical key.
func (s *Server) handleChatTranscript(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	sessionKey := r.URL.Query().Get("session")
	if sessionKey == "" {
		writeError(w, http.StatusBadRequest, errRequired("session"))
		return
	}
	limit := parseInt(r.URL.Query().Get("limit"), 200)

	entry, ok, err := s.loadEntry(sessionKey)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	messages := []transcript.Message{}
	if ok {
		for m := range transcript.ReadRecent(transcript.Path(s.Config.SessionDir, entry.SessionID), limit) {
			messages = append(messages, m)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": entry.SessionID,
		"messages":  messages,
	})
}

func (s *Server) loadEntry(sessionKey string) (sessions.Entry, bool, error) {
	return sessions.LoadEntry(s.Config.StorePath, sessionKey)
}

func decodeJSON(body io.Reader, dest any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitComma(value string) []string {
	parts := strings.Split(value, ",")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

type requiredError struct {
	field string
}

func (e requiredError) Error() string { return e.field + " is required" }

func errRequired(field string) error {
	return requiredError{field: field}
}
