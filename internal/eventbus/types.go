package eventbus

import (
	"time"

	"github.com/cliff-personal/openclaw/internal/transcript"
)

// RunState is the lifecycle state carried by a chat event.
type RunState string

const (
	StateDelta RunState = "delta"
	StateFinal RunState = "final"
	StateError RunState = "error"
)

// ChannelChat is the broadcast channel for chat run lifecycle events.
const ChannelChat = "chat"

// Event is one immutable chat lifecycle record. Delta events carry a partial
// assistant message; final events carry the completed message; error events
// carry the failure text verbatim.
type Event struct {
	ID           string              `json:"id"`
	Channel      string              `json:"channel"`
	RunID        string              `json:"runId"`
	SessionKey   string              `json:"sessionKey"`
	SessionID    string              `json:"sessionId,omitempty"`
	State        RunState            `json:"state"`
	Message      *transcript.Message `json:"message,omitempty"`
	ErrorMessage string              `json:"errorMessage,omitempty"`
	CreatedAt    time.Time           `json:"createdAt"`
}

// Terminal reports whether the event ends its run.
func (e Event) Terminal() bool {
	return e.State == StateFinal || e.State == StateError
}

// EventInput is the caller-supplied portion of an event; the bus assigns the
// id and timestamp.
type EventInput struct {
	Channel      string
	RunID        string
	SessionKey   string
	SessionID    string
	State        RunState
	Message      *transcript.Message
	ErrorMessage string
}
