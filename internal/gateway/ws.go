package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/cliff-personal/openclaw/internal/eventbus"
	"github.com/cliff-personal/openclaw/internal/idgen"
)

// wsRequest is one client request on the chat socket.
type wsRequest struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type wsResponse struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

type wsEvent struct {
	Type  string         `json:"type"`
	Event eventbus.Event `json:"event"`
}

type wsWriter interface {
	Write(ctx context.Context, msgType websocket.MessageType, data []byte) error
}

// connWriter serializes writes: the event forwarder and the request loop both
// write to the same socket.
type connWriter struct {
	mu   sync.Mutex
	conn wsWriter
}

func (w *connWriter) writeJSON(ctx context.Context, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.Write(ctx, websocket.MessageText, data)
}

// handleChatWS is one gateway connection: its own engine (and run registry),
// a subscription to the lifecycle broadcast for the requested session keys,
// and a request loop for chat.send / chat.abort.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	sessionKeys := splitComma(r.URL.Query().Get("sessions"))

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closed")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	engine := NewEngine(s.Config)
	writer := &connWriter{conn: conn}

	go func() {
		if err := forwardEvents(ctx, s.Bus, sessionKeys, writer); err != nil && ctx.Err() == nil {
			s.Log.Debug().Err(err).Msg("chat ws event forwarding ended")
			cancel()
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "done")
			return
		}
		var req wsRequest
		if err := json.Unmarshal(data, &req); err != nil {
			_ = writer.writeJSON(ctx, wsResponse{Type: "res", OK: false, Error: "malformed request"})
			continue
		}
		s.handleWSRequest(ctx, engine, writer, req)
	}
}

func (s *Server) handleWSRequest(ctx context.Context, engine *Engine, writer *connWriter, req wsRequest) {
	respond := func(resp wsResponse) {
		resp.Type = "res"
		resp.ID = req.ID
		_ = writer.writeJSON(ctx, resp)
	}

	switch req.Method {
	case "chat.send":
		var params SendRequest
		if err := json.Unmarshal(req.Params, &params); err != nil {
			respond(wsResponse{OK: false, Error: "malformed chat.send params"})
			return
		}
		if IsLikelySlashCommand(params.Message) {
			respond(wsResponse{OK: true, Payload: map[string]any{"command": true}})
			return
		}
		if params.IdempotencyKey == "" {
			params.IdempotencyKey = idgen.New()
		}
		go func() {
			if err := engine.ChatSend(ctx, params); err != nil {
				s.Log.Warn().Str("session_key", params.SessionKey).Err(err).Msg("chat send rejected")
			}
		}()
		respond(wsResponse{OK: true, Payload: map[string]any{"runId": params.IdempotencyKey}})

	case "chat.abort":
		var params struct {
			RunID string `json:"runId"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil || params.RunID == "" {
			respond(wsResponse{OK: false, Error: "malformed chat.abort params"})
			return
		}
		respond(wsResponse{OK: true, Payload: map[string]any{"aborted": engine.AbortRun(params.RunID)}})

	default:
		respond(wsResponse{OK: false, Error: "unknown method " + req.Method})
	}
}

// forwardEvents copies lifecycle events from the bus subscription onto the
// socket until ctx is done.
func forwardEvents(ctx context.Context, bus *eventbus.Bus, sessionKeys []string, writer *connWriter) error {
	sub := bus.Subscribe(ctx, sessionKeys)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-sub:
			if !ok {
				return nil
			}
			if err := writer.writeJSON(ctx, wsEvent{Type: "event", Event: evt}); err != nil {
				return err
			}
		}
	}
}
