package chatstate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cliff-personal/openclaw/internal/eventbus"
	"github.com/cliff-personal/openclaw/internal/transcript"
)

func newState(overrides func(*State)) *State {
	state := &State{SessionKey: "main"}
	if overrides != nil {
		overrides(state)
	}
	return state
}

func TestApplyNilEvent(t *testing.T) {
	assert.Equal(t, OutcomeNone, Apply(newState(nil), nil))
}

func TestApplyIgnoresOtherSessionKey(t *testing.T) {
	state := newState(func(s *State) {
		s.RunID = "run-1"
		s.Stream = "partial"
	})
	event := &eventbus.Event{
		RunID:      "run-1",
		SessionKey: "other",
		State:      eventbus.StateFinal,
		Message:    &transcript.Message{Role: "assistant", Content: "Done"},
	}
	assert.Equal(t, OutcomeNone, Apply(state, event))
	assert.Equal(t, "run-1", state.RunID)
	assert.Equal(t, "partial", state.Stream)
	assert.Empty(t, state.Messages)
}

func TestApplyDeltaFromAnotherRunIsIgnored(t *testing.T) {
	state := newState(func(s *State) {
		s.RunID = "run-user"
		s.Stream = "Hello"
	})
	event := &eventbus.Event{
		RunID:      "run-announce",
		SessionKey: "main",
		State:      eventbus.StateDelta,
		Message:    &transcript.Message{Role: "assistant", Content: "Done"},
	}
	assert.Equal(t, OutcomeNone, Apply(state, event))
	assert.Equal(t, "run-user", state.RunID)
	assert.Equal(t, "Hello", state.Stream)
}

func TestApplyFinalFromAnotherRunObservedWithoutMutation(t *testing.T) {
	state := newState(func(s *State) {
		s.RunID = "run-user"
		s.Stream = "Working..."
		s.StreamStartedAt = 123
	})
	event := &eventbus.Event{
		RunID:      "run-announce",
		SessionKey: "main",
		State:      eventbus.StateFinal,
		Message:    &transcript.Message{Role: "assistant", Content: "Sub-agent findings"},
	}
	assert.Equal(t, OutcomeFinal, Apply(state, event))
	assert.Equal(t, "run-user", state.RunID)
	assert.Equal(t, "Working...", state.Stream)
	assert.Equal(t, int64(123), state.StreamStartedAt)
	assert.Empty(t, state.Messages)
}

func TestApplyOwnDeltaAccumulates(t *testing.T) {
	state := newState(func(s *State) {
		s.RunID = "run-1"
	})
	first := &eventbus.Event{RunID: "run-1", SessionKey: "main", State: eventbus.StateDelta, Message: &transcript.Message{Role: "assistant", Content: "Hel"}}
	second := &eventbus.Event{RunID: "run-1", SessionKey: "main", State: eventbus.StateDelta, Message: &transcript.Message{Role: "assistant", Content: "lo"}}

	assert.Equal(t, OutcomeNone, Apply(state, first))
	assert.Equal(t, OutcomeNone, Apply(state, second))
	assert.Equal(t, "Hello", state.Stream)
	assert.NotZero(t, state.StreamStartedAt)
}

func TestApplyOwnFinalClearsRunState(t *testing.T) {
	state := newState(func(s *State) {
		s.RunID = "run-1"
		s.Stream = "Reply"
		s.StreamStartedAt = 100
	})
	event := &eventbus.Event{
		RunID:      "run-1",
		SessionKey: "main",
		State:      eventbus.StateFinal,
		Message:    &transcript.Message{Role: "assistant", Content: "Hello", Timestamp: 123},
	}
	assert.Equal(t, OutcomeFinal, Apply(state, event))
	assert.Empty(t, state.RunID)
	assert.Empty(t, state.Stream)
	assert.Zero(t, state.StreamStartedAt)
	require.Len(t, state.Messages, 1)
	assert.Equal(t, "Hello", state.Messages[0].Content)
}

func TestApplyOwnErrorAppendsErrorBubble(t *testing.T) {
	state := newState(func(s *State) {
		s.RunID = "run-1"
		s.Stream = "Working"
	})
	event := &eventbus.Event{
		RunID:        "run-1",
		SessionKey:   "main",
		State:        eventbus.StateError,
		ErrorMessage: "context overflow",
	}
	assert.Equal(t, OutcomeError, Apply(state, event))
	assert.Empty(t, state.RunID)
	assert.Empty(t, state.Stream)
	assert.Equal(t, "context overflow", state.LastError)
	require.Len(t, state.Messages, 1)
	assert.Equal(t, "error", state.Messages[0].Role)
	assert.Equal(t, "context overflow", state.Messages[0].Content)
}

func TestMergeHistoryPreservesFreshLocalTail(t *testing.T) {
	now := time.Now()
	server := []transcript.Message{
		{Role: "assistant", Content: "older", Timestamp: now.Add(-10 * time.Second).UnixMilli()},
		{Role: "user", Content: "previous", Timestamp: now.Add(-9 * time.Second).UnixMilli()},
	}
	local := append(append([]transcript.Message{}, server...), transcript.Message{
		Role: "user", Content: "just sent", Timestamp: now.Add(-250 * time.Millisecond).UnixMilli(),
	})

	merged := MergeHistory(local, server, 30*time.Second, now)

	var texts []string
	for _, m := range merged {
		texts = append(texts, m.Content)
	}
	assert.Contains(t, texts, "just sent")
	require.Len(t, merged, 3)
}

func TestMergeHistoryDoesNotDuplicate(t *testing.T) {
	now := time.Now()
	echo := transcript.Message{Role: "user", Content: "echo", Timestamp: now.Add(-250 * time.Millisecond).UnixMilli()}
	server := []transcript.Message{
		{Role: "assistant", Content: "older", Timestamp: now.Add(-10 * time.Second).UnixMilli()},
		echo,
	}
	local := append([]transcript.Message{}, server...)

	merged := MergeHistory(local, server, 30*time.Second, now)

	var echoes int
	for _, m := range merged {
		if m.Role == "user" && m.Content == "echo" {
			echoes++
		}
	}
	assert.Equal(t, 1, echoes)
}

func TestMergeHistoryDropsStaleLocalMessages(t *testing.T) {
	now := time.Now()
	server := []transcript.Message{
		{Role: "assistant", Content: "older", Timestamp: now.Add(-10 * time.Minute).UnixMilli()},
	}
	local := []transcript.Message{
		{Role: "assistant", Content: "older", Timestamp: now.Add(-10 * time.Minute).UnixMilli()},
		// Newer than anything on the server but far outside the window; the
		// server is authoritative for it by now.
		{Role: "user", Content: "long lost", Timestamp: now.Add(-5 * time.Minute).UnixMilli()},
	}

	merged := MergeHistory(local, server, 30*time.Second, now)
	require.Len(t, merged, 1)
	assert.Equal(t, "older", merged[0].Content)
}
