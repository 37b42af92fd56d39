// Package chatstate is the subscriber side of the chat lifecycle broadcast: a
// pure reducer that folds incoming events into local run/stream state, plus
// the history reconciliation applied on reload. Both the gateway's own
// bookkeeping and remote UI clients apply the same rules, so events from
// unrelated concurrent runs on a session can never corrupt a subscriber's own
// run state.
package chatstate

import (
	"time"

	"github.com/cliff-personal/openclaw/internal/eventbus"
	"github.com/cliff-personal/openclaw/internal/transcript"
)

// Outcome reports what an applied event meant to this subscriber.
type Outcome string

const (
	OutcomeNone  Outcome = ""
	OutcomeFinal Outcome = "final"
	OutcomeError Outcome = "error"
)

// State is one subscriber's view of its session.
type State struct {
	// SessionKey is the canonical key this subscriber tracks; events for
	// other sessions are ignored outright.
	SessionKey string
	// RunID is the subscriber's own in-flight run, empty when idle.
	RunID string
	// Stream accumulates this run's streamed partial output.
	Stream string
	// StreamStartedAt is when the first delta of the run arrived (unix ms).
	StreamStartedAt int64
	Messages        []transcript.Message
	LastError       string
}

// Apply folds one event into the state. Events for a different session key
// are ignored. A final from a different run on the same session (e.g. a
// sub-agent announcing its own result) is reported as an observation without
// touching the tracked run or stream; only events for the subscriber's own
// run mutate state.
func Apply(state *State, event *eventbus.Event) Outcome {
	if state == nil || event == nil {
		return OutcomeNone
	}
	if event.SessionKey != state.SessionKey {
		return OutcomeNone
	}

	if event.RunID != state.RunID {
		if event.State == eventbus.StateFinal {
			return OutcomeFinal
		}
		return OutcomeNone
	}

	switch event.State {
	case eventbus.StateDelta:
		if event.Message != nil && event.Message.Content != "" {
			if state.Stream == "" && state.StreamStartedAt == 0 {
				state.StreamStartedAt = time.Now().UnixMilli()
			}
			state.Stream += event.Message.Content
		}
		return OutcomeNone

	case eventbus.StateFinal:
		state.RunID = ""
		state.Stream = ""
		state.StreamStartedAt = 0
		if event.Message != nil {
			state.Messages = append(state.Messages, *event.Message)
		}
		return OutcomeFinal

	case eventbus.StateError:
		state.RunID = ""
		state.Stream = ""
		state.StreamStartedAt = 0
		state.LastError = event.ErrorMessage
		state.Messages = append(state.Messages, transcript.Message{
			Role:      "error",
			Content:   event.ErrorMessage,
			Timestamp: time.Now().UnixMilli(),
		})
		return OutcomeError
	}
	return OutcomeNone
}

// MergeHistory reconciles a server-returned history with the local view.
// Local messages newer than the most recent server message, sent within the
// staleness window, and not already present in the server result are
// preserved and appended; a just-sent message must not visually disappear
// because the durable read lagged the optimistic update. Presence is judged
// by role, text content and timestamp.
func MergeHistory(local, server []transcript.Message, staleness time.Duration, now time.Time) []transcript.Message {
	merged := make([]transcript.Message, len(server))
	copy(merged, server)

	var newestServer int64
	for _, m := range server {
		if m.Timestamp > newestServer {
			newestServer = m.Timestamp
		}
	}
	cutoff := now.Add(-staleness).UnixMilli()

	for _, m := range local {
		if m.Timestamp <= newestServer {
			continue
		}
		if m.Timestamp < cutoff {
			continue
		}
		if containsMessage(merged, m) {
			continue
		}
		merged = append(merged, m)
	}
	return merged
}

func containsMessage(messages []transcript.Message, m transcript.Message) bool {
	for _, other := range messages {
		if other.Role == m.Role && other.Content == m.Content && other.Timestamp == m.Timestamp {
			return true
		}
	}
	return false
}
