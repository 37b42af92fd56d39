// Package agent is the HTTP client for the agent dispatch backend. The
// backend is opaque to the gateway: one POST per attempt, partial output
// streamed back as NDJSON lines, failures reported as plain message text
// (which is also how a context-window overflow is recognized upstream).
package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cliff-personal/openclaw/internal/gateway"
	"github.com/cliff-personal/openclaw/internal/transcript"
)

type Client struct {
	URL        string
	HTTPClient *http.Client
}

func NewClient(url string) *Client {
	return &Client{
		URL:        url,
		HTTPClient: &http.Client{},
	}
}

type dispatchPayload struct {
	RunID      string               `json:"runId"`
	SessionKey string               `json:"sessionKey"`
	SessionID  string               `json:"sessionId"`
	Message    string               `json:"message"`
	History    []transcript.Message `json:"history,omitempty"`
}

type streamLine struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	Error string `json:"error,omitempty"`
}

// Dispatch implements gateway.Dispatcher. It blocks for the full duration of
// the backend call, invoking req.OnDelta per streamed chunk, and returns the
// final assistant message. Cancellation of ctx aborts the in-flight request.
func (c *Client) Dispatch(ctx context.Context, req gateway.DispatchRequest) (transcript.Message, error) {
	payload, err := json.Marshal(dispatchPayload{
		RunID:      req.RunID,
		SessionKey: req.SessionKey,
		SessionID:  req.SessionID,
		Message:    req.Message,
		History:    req.History,
	})
	if err != nil {
		return transcript.Message{}, fmt.Errorf("encode dispatch payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(payload))
	if err != nil {
		return transcript.Message{}, fmt.Errorf("build dispatch request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return transcript.Message{}, fmt.Errorf("dispatch request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		// The body carries the backend's rejection text verbatim; overflow
		// classification depends on it surviving untouched.
		text := strings.TrimSpace(string(body))
		if text == "" {
			text = resp.Status
		}
		return transcript.Message{}, errors.New(text)
	}

	var final *transcript.Message
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var evt streamLine
		if err := json.Unmarshal(line, &evt); err != nil {
			return transcript.Message{}, fmt.Errorf("decode stream line: %w", err)
		}
		switch evt.Type {
		case "delta":
			if req.OnDelta != nil {
				req.OnDelta(evt.Text)
			}
		case "final":
			final = &transcript.Message{Role: "assistant", Content: evt.Text, Timestamp: time.Now().UnixMilli()}
		case "error":
			return transcript.Message{}, errors.New(evt.Error)
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return transcript.Message{}, ctx.Err()
		}
		return transcript.Message{}, fmt.Errorf("read dispatch stream: %w", err)
	}
	if final == nil {
		return transcript.Message{}, errors.New("dispatch stream ended without a final message")
	}
	return *final, nil
}
