package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/cliff-personal/openclaw/internal/eventbus"
	"github.com/cliff-personal/openclaw/internal/testutil"
	"github.com/cliff-personal/openclaw/internal/transcript"
)

func newTestServer(t *testing.T, dispatcher Dispatcher) (*Server, *httptest.Server) {
	t.Helper()
	db, closeFn := testutil.OpenTestDB(t)
	t.Cleanup(closeFn)
	bus := eventbus.NewBus(db)
	dir := t.TempDir()
	cfg := EngineConfig{
		StorePath:    filepath.Join(dir, "sessions.json"),
		SessionDir:   filepath.Join(dir, "sessions"),
		WorkspaceDir: dir,
		Dispatcher:   dispatcher,
	}
	server := NewServer(cfg, bus, zerolog.Nop())
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return server, ts
}

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func TestServerHealth(t *testing.T) {
	_, ts := newTestServer(t, DispatcherFunc(func(_ context.Context, _ DispatchRequest) (transcript.Message, error) {
		return transcript.Message{}, nil
	}))

	resp, err := http.Get(ts.URL + "/api/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", resp.StatusCode)
	}
}

func TestServerChatSendFlow(t *testing.T) {
	server, ts := newTestServer(t, DispatcherFunc(func(_ context.Context, req DispatchRequest) (transcript.Message, error) {
		req.OnDelta("He")
		req.OnDelta("y")
		return transcript.Message{Role: "assistant", Content: "Hey"}, nil
	}))

	resp := postJSON(t, ts.URL+"/api/chat/send", SendRequest{
		SessionKey:     "agent:main:main",
		Message:        "hello there",
		IdempotencyKey: "run-http-1",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("send status %d", resp.StatusCode)
	}

	// The send is asynchronous; poll the durable event log for the final.
	deadline := time.Now().Add(3 * time.Second)
	for {
		events, err := server.Bus.History(context.Background(), "agent:main:main", 50)
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		if len(events) > 0 && events[len(events)-1].State == eventbus.StateFinal {
			if events[len(events)-1].Message.Content != "Hey" {
				t.Fatalf("unexpected final message: %+v", events[len(events)-1])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("final event never arrived; have %d events", len(events))
		}
		time.Sleep(20 * time.Millisecond)
	}

	// History over HTTP returns the same events.
	hresp, err := http.Get(ts.URL + "/api/chat/history?session=agent:main:main")
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	defer hresp.Body.Close()
	var out struct {
		Events []eventbus.Event `json:"events"`
	}
	if err := json.NewDecoder(hresp.Body).Decode(&out); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(out.Events) < 3 {
		t.Fatalf("expected deltas + final in history, got %d", len(out.Events))
	}

	// Transcript endpoint serves the durable turns.
	tresp, err := http.Get(ts.URL + "/api/chat/transcript?session=agent:main:main")
	if err != nil {
		t.Fatalf("get transcript: %v", err)
	}
	defer tresp.Body.Close()
	var tout struct {
		SessionID string               `json:"sessionId"`
		Messages  []transcript.Message `json:"messages"`
	}
	if err := json.NewDecoder(tresp.Body).Decode(&tout); err != nil {
		t.Fatalf("decode transcript: %v", err)
	}
	if tout.SessionID == "" || len(tout.Messages) != 2 {
		t.Fatalf("unexpected transcript response: %+v", tout)
	}
}

func TestServerChatSendRejectsSlashCommand(t *testing.T) {
	_, ts := newTestServer(t, DispatcherFunc(func(_ context.Context, _ DispatchRequest) (transcript.Message, error) {
		t.Errorf("dispatcher must not run for slash commands")
		return transcript.Message{}, nil
	}))

	resp := postJSON(t, ts.URL+"/api/chat/send", SendRequest{SessionKey: "k", Message: "/reset"})
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["command"] != true || out["accepted"] != false {
		t.Fatalf("expected command classification, got %v", out)
	}
}

func TestServerChatSendValidation(t *testing.T) {
	_, ts := newTestServer(t, DispatcherFunc(func(_ context.Context, _ DispatchRequest) (transcript.Message, error) {
		return transcript.Message{}, nil
	}))

	resp := postJSON(t, ts.URL+"/api/chat/send", map[string]any{"sessionKey": "k"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing message, got %d", resp.StatusCode)
	}
}

func TestServerChatAbortUnknownRun(t *testing.T) {
	_, ts := newTestServer(t, DispatcherFunc(func(_ context.Context, _ DispatchRequest) (transcript.Message, error) {
		return transcript.Message{}, nil
	}))

	resp := postJSON(t, ts.URL+"/api/chat/abort", map[string]any{"runId": "ghost"})
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["aborted"] != false {
		t.Fatalf("expected aborted=false, got %v", out)
	}
}
