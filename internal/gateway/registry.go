package gateway

import (
	"context"
	"strings"
	"sync"
	"time"
)

// AbortHandle tracks the in-flight dispatch for one run. The SessionID field
// is mutated in place when a rollover swaps the session behind the run, so a
// racing abort always targets the currently active call.
type AbortHandle struct {
	SessionID  string
	SessionKey string
	cancel     context.CancelFunc
}

// Registry is the per-connection bookkeeping for in-flight chat runs: abort
// handles, streamed-delta buffers, last-delta timestamps, aborted markers and
// a monotonic run sequence per session key. It is owned by exactly one
// gateway connection and never shared across connections.
type Registry struct {
	mu          sync.Mutex
	aborts      map[string]*AbortHandle
	buffers     map[string]*strings.Builder
	deltaSentAt map[string]time.Time
	aborted     map[string]struct{}
	runSeq      map[string]uint64
}

func NewRegistry() *Registry {
	return &Registry{
		aborts:      map[string]*AbortHandle{},
		buffers:     map[string]*strings.Builder{},
		deltaSentAt: map[string]time.Time{},
		aborted:     map[string]struct{}{},
		runSeq:      map[string]uint64{},
	}
}

// AddChatRun claims a run id. An idempotency key maps to at most one active
// run, so a runID that is already in flight is refused outright and the
// existing run's bookkeeping stays untouched. Returns false on refusal.
func (r *Registry) AddChatRun(runID, sessionID, sessionKey string, cancel context.CancelFunc) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.aborts[runID]; ok {
		return false
	}
	r.aborts[runID] = &AbortHandle{SessionID: sessionID, SessionKey: sessionKey, cancel: cancel}
	r.buffers[runID] = &strings.Builder{}
	delete(r.aborted, runID)
	return true
}

// RepointChatRun swaps the session identity behind an active run after a
// rollover. The abort handle, delta buffer and idempotency key stay; only
// the session association changes, so a racing abort targets the currently
// active call.
func (r *Registry) RepointChatRun(runID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if handle, ok := r.aborts[runID]; ok {
		handle.SessionID = sessionID
	}
}

// RemoveChatRun releases all bookkeeping for a run. The aborted marker is
// dropped too; a new run under the same idempotency key starts clean.
func (r *Registry) RemoveChatRun(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.aborts, runID)
	delete(r.buffers, runID)
	delete(r.deltaSentAt, runID)
	delete(r.aborted, runID)
}

// Abort cancels the currently active dispatch for runID and marks the run
// aborted so no further events are emitted for it. Returns false when the run
// is unknown.
func (r *Registry) Abort(runID string) bool {
	r.mu.Lock()
	handle, ok := r.aborts[runID]
	if ok {
		r.aborted[runID] = struct{}{}
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	if handle.cancel != nil {
		handle.cancel()
	}
	return true
}

func (r *Registry) Aborted(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.aborted[runID]
	return ok
}

// RunSession returns the session identity currently associated with a run.
func (r *Registry) RunSession(runID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	handle, ok := r.aborts[runID]
	if !ok {
		return "", false
	}
	return handle.SessionID, true
}

// AppendDelta folds a streamed chunk into the run's buffer and refreshes the
// last-delta timestamp used for liveness tracking.
func (r *Registry) AppendDelta(runID, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if buf, ok := r.buffers[runID]; ok {
		buf.WriteString(text)
	}
	r.deltaSentAt[runID] = time.Now()
}

// Buffer returns the accumulated streamed text for a run.
func (r *Registry) Buffer(runID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	buf, ok := r.buffers[runID]
	if !ok {
		return ""
	}
	return buf.String()
}

// LastDeltaAt reports when the run last streamed output.
func (r *Registry) LastDeltaAt(runID string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts, ok := r.deltaSentAt[runID]
	return ts, ok
}

// NextSeq advances and returns the session's run sequence number. Each
// chat-send claims a sequence at registration; a stale attempt (superseded by
// a newer send on the same session) can detect it lost the race.
func (r *Registry) NextSeq(sessionKey string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runSeq[sessionKey]++
	return r.runSeq[sessionKey]
}

// IsCurrentSeq reports whether seq is still the session's latest claimed
// sequence.
func (r *Registry) IsCurrentSeq(sessionKey string, seq uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runSeq[sessionKey] == seq
}

// ActiveRuns returns the number of registered runs.
func (r *Registry) ActiveRuns() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.aborts)
}
