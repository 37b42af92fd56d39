// Package eventbus persists chat lifecycle events to the gateway's event log
// and fans them out to in-process subscribers. Delivery per subscriber is in
// emission order; slow subscribers drop rather than stall the emitter, and the
// durable log is the recovery path.
package eventbus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/cliff-personal/openclaw/internal/transcript"
)

type Bus struct {
	db *sql.DB

	mu   sync.RWMutex
	subs map[string]*subscriber
}

type subscriber struct {
	sessionKeys map[string]struct{}
	ch          chan Event
}

func NewBus(db *sql.DB) *Bus {
	return &Bus{db: db, subs: map[string]*subscriber{}}
}

// Publish persists the event and broadcasts it to subscribers.
func (b *Bus) Publish(ctx context.Context, input EventInput) (Event, error) {
	if strings.TrimSpace(input.RunID) == "" {
		return Event{}, fmt.Errorf("runId is required")
	}
	if strings.TrimSpace(input.SessionKey) == "" {
		return Event{}, fmt.Errorf("sessionKey is required")
	}
	switch input.State {
	case StateDelta, StateFinal, StateError:
	default:
		return Event{}, fmt.Errorf("unknown event state %q", input.State)
	}

	channel := input.Channel
	if channel == "" {
		channel = ChannelChat
	}

	id := ulid.Make().String()
	createdAt := time.Now().UTC()
	messageJSON, err := encodeMessage(input.Message)
	if err != nil {
		return Event{}, fmt.Errorf("encode message: %w", err)
	}

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO chat_events (id, channel, run_id, session_key, session_id, state, message, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, channel, input.RunID, input.SessionKey, nullString(input.SessionID), string(input.State), messageJSON, nullString(input.ErrorMessage), createdAt.Format(time.RFC3339Nano))
	if err != nil {
		return Event{}, fmt.Errorf("insert event: %w", err)
	}

	event := Event{
		ID:           id,
		Channel:      channel,
		RunID:        input.RunID,
		SessionKey:   input.SessionKey,
		SessionID:    input.SessionID,
		State:        input.State,
		Message:      input.Message,
		ErrorMessage: input.ErrorMessage,
		CreatedAt:    createdAt,
	}

	b.broadcast(event)
	return event, nil
}

// History returns the persisted events for a session key, oldest first.
func (b *Bus) History(ctx context.Context, sessionKey string, limit int) ([]Event, error) {
	if strings.TrimSpace(sessionKey) == "" {
		return nil, fmt.Errorf("sessionKey is required")
	}
	if limit <= 0 {
		limit = 200
	}

	rows, err := b.db.QueryContext(ctx, `
		SELECT id, channel, run_id, session_key, session_id, state, message, error_message, created_at
		FROM chat_events WHERE session_key = ?
		ORDER BY created_at DESC, id DESC LIMIT ?
	`, sessionKey, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var sessionID, messageStr, errorMessage sql.NullString
		var createdAtStr string
		if err := rows.Scan(&e.ID, &e.Channel, &e.RunID, &e.SessionKey, &sessionID, (*string)(&e.State), &messageStr, &errorMessage, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.SessionID = sessionID.String
		e.ErrorMessage = errorMessage.String
		e.Message = decodeMessage(messageStr.String)
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	// Reverse into chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Subscribe returns a channel of events for the given session keys (all keys
// when empty). The subscription ends when ctx is done.
func (b *Bus) Subscribe(ctx context.Context, sessionKeys []string) <-chan Event {
	ch := make(chan Event, 64)
	keySet := map[string]struct{}{}
	for _, k := range sessionKeys {
		if k == "" {
			continue
		}
		keySet[k] = struct{}{}
	}
	id := ulid.Make().String()

	sub := &subscriber{sessionKeys: keySet, ch: ch}
	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		close(ch)
	}()

	return ch
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) broadcast(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if len(sub.sessionKeys) > 0 {
			if _, ok := sub.sessionKeys[event.SessionKey]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- event:
		default:
			// Drop if subscriber is slow.
		}
	}
}

func encodeMessage(msg *transcript.Message) (any, error) {
	if msg == nil {
		return nil, nil
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func decodeMessage(v string) *transcript.Message {
	if v == "" {
		return nil
	}
	var msg transcript.Message
	if err := json.Unmarshal([]byte(v), &msg); err != nil {
		return nil
	}
	return &msg
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
