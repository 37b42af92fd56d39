package gateway

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cliff-personal/openclaw/internal/eventbus"
	"github.com/cliff-personal/openclaw/internal/idgen"
	"github.com/cliff-personal/openclaw/internal/rollover"
	"github.com/cliff-personal/openclaw/internal/sessions"
	"github.com/cliff-personal/openclaw/internal/transcript"
)

// SendRequest is one inbound chat message. The caller supplies the
// idempotency key; it becomes the run id for the whole attempt including the
// automatic rollover retry.
type SendRequest struct {
	SessionKey     string `json:"sessionKey"`
	Message        string `json:"message"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// DispatchRequest is what the engine hands the agent backend for one attempt.
type DispatchRequest struct {
	RunID       string
	SessionKey  string
	SessionID   string
	SessionFile string
	Message     string
	History     []transcript.Message

	// OnDelta receives each partial output chunk as the backend streams.
	OnDelta func(text string)
}

// Dispatcher is the opaque agent dispatch call. It may stream partial output
// through OnDelta before returning the final assistant message, and it must
// honor ctx cancellation during its (unbounded) suspension.
type Dispatcher interface {
	Dispatch(ctx context.Context, req DispatchRequest) (transcript.Message, error)
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, req DispatchRequest) (transcript.Message, error)

func (f DispatcherFunc) Dispatch(ctx context.Context, req DispatchRequest) (transcript.Message, error) {
	return f(ctx, req)
}

// EngineConfig wires one dispatch engine.
type EngineConfig struct {
	StorePath    string
	SessionDir   string
	WorkspaceDir string
	// HistoryLimit bounds how many recent turns are loaded as context.
	HistoryLimit int
	// MaxCompactions bounds how many rollovers a canonical key may accumulate
	// across its lifetime. Zero means unlimited.
	MaxCompactions int
	Dispatcher     Dispatcher
	Bus            *eventbus.Bus
	// IsOverflow classifies a dispatch rejection as a context-window
	// overflow. Defaults to IsContextOverflow.
	IsOverflow func(error) bool
	Log        zerolog.Logger
}

// Engine orchestrates chat-send requests for one gateway connection: session
// resolution, dispatch, overflow rollover with a single retry, and lifecycle
// event emission.
type Engine struct {
	cfg EngineConfig
	reg *Registry
	log zerolog.Logger
}

func NewEngine(cfg EngineConfig) *Engine {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
	if cfg.IsOverflow == nil {
		cfg.IsOverflow = IsContextOverflow
	}
	return &Engine{cfg: cfg, reg: NewRegistry(), log: cfg.Log}
}

// Registry exposes the engine's run bookkeeping to its owning connection.
func (e *Engine) Registry() *Registry {
	return e.reg
}

// AbortRun cancels the currently active dispatch for runID, whatever session
// identity it targets by now.
func (e *Engine) AbortRun(runID string) bool {
	return e.reg.Abort(runID)
}

// ChatSend processes one chat message to completion: it emits delta events
// while the backend streams and exactly one terminal event on every
// non-aborted path. A context-overflow rejection triggers one session
// rollover and one retry; any other failure, and a second overflow on the
// retry, is terminal. The returned error covers request-level failures that
// occur before a run exists; once the run is registered all failures are
// reported as error events instead.
func (e *Engine) ChatSend(ctx context.Context, req SendRequest) error {
	if strings.TrimSpace(req.SessionKey) == "" {
		return fmt.Errorf("sessionKey is required")
	}
	if strings.TrimSpace(req.Message) == "" {
		return fmt.Errorf("message is required")
	}
	runID := req.IdempotencyKey
	if runID == "" {
		runID = idgen.New()
	}

	entry, err := e.resolveSession(req.SessionKey)
	if err != nil {
		return fmt.Errorf("resolve session: %w", err)
	}
	sessionFile := transcript.Path(e.cfg.SessionDir, entry.SessionID)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !e.reg.AddChatRun(runID, entry.SessionID, req.SessionKey, cancel) {
		return fmt.Errorf("run %s is already in flight", runID)
	}
	defer e.reg.RemoveChatRun(runID)
	seq := e.reg.NextSeq(req.SessionKey)

	history := slices.Collect(transcript.ReadRecent(sessionFile, e.cfg.HistoryLimit))
	userMsg := transcript.Message{Role: "user", Content: req.Message, Timestamp: time.Now().UnixMilli()}
	if err := transcript.AppendMessage(sessionFile, userMsg); err != nil {
		e.emitError(runID, req.SessionKey, entry.SessionID, err.Error())
		return nil
	}

	final, err := e.dispatchOnce(runCtx, runID, req.SessionKey, entry.SessionID, sessionFile, req.Message, history)
	if err == nil {
		e.finish(runID, req.SessionKey, entry.SessionID, sessionFile, final)
		return nil
	}
	if e.reg.Aborted(runID) {
		e.log.Debug().Str("run_id", runID).Msg("run aborted during dispatch")
		return nil
	}
	if !e.cfg.IsOverflow(err) {
		e.emitError(runID, req.SessionKey, entry.SessionID, err.Error())
		return nil
	}

	e.log.Info().
		Str("run_id", runID).
		Str("session_key", req.SessionKey).
		Str("session_id", entry.SessionID).
		Msg("context overflow; rolling over session")

	newSessionID, newSessionFile, rerr := e.rolloverSession(req.SessionKey, entry, sessionFile)
	if rerr != nil {
		e.emitError(runID, req.SessionKey, entry.SessionID, rerr.Error())
		return nil
	}
	e.reg.RepointChatRun(runID, newSessionID)

	// The successor transcript must stand on its own: the handoff entry
	// bridges identities, and the user turn being retried is re-recorded so
	// later history reads still show what the reply answers.
	if err := transcript.AppendMessage(newSessionFile, userMsg); err != nil {
		e.emitError(runID, req.SessionKey, newSessionID, err.Error())
		return nil
	}

	if e.reg.Aborted(runID) || !e.reg.IsCurrentSeq(req.SessionKey, seq) {
		// A cancel (or a newer send) raced the rollover; the store already
		// points at the new identity, but this attempt is stale.
		return nil
	}

	// The prior in-flight context is dropped on purpose; the handoff entry in
	// the new transcript is the only bridge.
	final, err = e.dispatchOnce(runCtx, runID, req.SessionKey, newSessionID, newSessionFile, req.Message, nil)
	if err != nil {
		if e.reg.Aborted(runID) {
			return nil
		}
		// A second overflow is not rolled over again.
		e.emitError(runID, req.SessionKey, newSessionID, err.Error())
		return nil
	}
	e.finish(runID, req.SessionKey, newSessionID, newSessionFile, final)
	return nil
}

// resolveSession loads the store entry for the canonical key, creating the
// entry and its transcript header on first use.
func (e *Engine) resolveSession(sessionKey string) (sessions.Entry, error) {
	entry, ok, err := sessions.LoadEntry(e.cfg.StorePath, sessionKey)
	if err != nil {
		return sessions.Entry{}, err
	}
	if ok && entry.SessionID != "" {
		return entry, nil
	}

	var created sessions.Entry
	err = sessions.Update(e.cfg.StorePath, func(store sessions.Store) error {
		if existing, ok := store[sessionKey]; ok && existing.SessionID != "" {
			created = *existing
			return nil
		}
		sessionID := idgen.NewSessionID()
		if err := transcript.EnsureHeader(transcript.Path(e.cfg.SessionDir, sessionID), sessionID, e.cfg.WorkspaceDir); err != nil {
			return err
		}
		entry := &sessions.Entry{SessionID: sessionID, UpdatedAt: time.Now().UTC()}
		store[sessionKey] = entry
		created = *entry
		return nil
	})
	if err != nil {
		return sessions.Entry{}, err
	}
	return created, nil
}

// rolloverSession performs the ordered pipeline behind an overflow: policy
// check, mint the successor transcript, commit the new identity to the store,
// then write the handoff entry. The store is committed only after the new
// transcript header exists.
func (e *Engine) rolloverSession(sessionKey string, entry sessions.Entry, sessionFile string) (string, string, error) {
	if e.cfg.MaxCompactions > 0 && entry.CompactionCount >= e.cfg.MaxCompactions {
		return "", "", fmt.Errorf("session %s reached its compaction limit (%d)", sessionKey, e.cfg.MaxCompactions)
	}

	res := rollover.Perform(e.log, rollover.Params{
		SessionFile:    sessionFile,
		WorkspaceDir:   e.cfg.WorkspaceDir,
		PriorSessionID: entry.SessionID,
	})
	if !res.OK {
		return "", "", fmt.Errorf("session rollover failed: %s", res.Reason)
	}

	err := sessions.Update(e.cfg.StorePath, func(store sessions.Store) error {
		ent, ok := store[sessionKey]
		if !ok || ent == nil {
			ent = &sessions.Entry{}
			store[sessionKey] = ent
		}
		ent.SessionID = res.NewSessionID
		ent.CompactionCount++
		ent.UpdatedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		return "", "", fmt.Errorf("commit rollover: %w", err)
	}

	if err := transcript.AppendHandoff(res.NewSessionFile, entry.SessionID); err != nil {
		return "", "", fmt.Errorf("append handoff entry: %w", err)
	}
	return res.NewSessionID, res.NewSessionFile, nil
}

func (e *Engine) dispatchOnce(ctx context.Context, runID, sessionKey, sessionID, sessionFile, message string, history []transcript.Message) (transcript.Message, error) {
	return e.cfg.Dispatcher.Dispatch(ctx, DispatchRequest{
		RunID:       runID,
		SessionKey:  sessionKey,
		SessionID:   sessionID,
		SessionFile: sessionFile,
		Message:     message,
		History:     history,
		OnDelta: func(text string) {
			if text == "" || e.reg.Aborted(runID) {
				return
			}
			e.reg.AppendDelta(runID, text)
			e.emit(eventbus.EventInput{
				RunID:      runID,
				SessionKey: sessionKey,
				SessionID:  sessionID,
				State:      eventbus.StateDelta,
				Message:    &transcript.Message{Role: "assistant", Content: text},
			})
		},
	})
}

// finish records the assistant reply in the transcript and broadcasts the
// final event. The event carries the run's current session identity so
// subscribers update their session pointer after a rollover.
func (e *Engine) finish(runID, sessionKey, sessionID, sessionFile string, final transcript.Message) {
	if final.Role == "" {
		final.Role = "assistant"
	}
	if final.Content == "" {
		final.Content = e.reg.Buffer(runID)
	}
	if final.Timestamp == 0 {
		final.Timestamp = time.Now().UnixMilli()
	}
	if err := transcript.AppendMessage(sessionFile, final); err != nil {
		e.log.Warn().Str("run_id", runID).Err(err).Msg("record assistant reply")
	}
	e.emit(eventbus.EventInput{
		RunID:      runID,
		SessionKey: sessionKey,
		SessionID:  sessionID,
		State:      eventbus.StateFinal,
		Message:    &final,
	})
}

func (e *Engine) emitError(runID, sessionKey, sessionID, errorMessage string) {
	e.log.Warn().
		Str("run_id", runID).
		Str("session_key", sessionKey).
		Str("error", errorMessage).
		Msg("chat run failed")
	e.emit(eventbus.EventInput{
		RunID:        runID,
		SessionKey:   sessionKey,
		SessionID:    sessionID,
		State:        eventbus.StateError,
		ErrorMessage: errorMessage,
	})
}

// emit publishes on a background context: terminal events must survive the
// originating request being torn down.
func (e *Engine) emit(input eventbus.EventInput) {
	if _, err := e.cfg.Bus.Publish(context.Background(), input); err != nil {
		e.log.Error().Str("run_id", input.RunID).Err(err).Msg("publish chat event")
	}
}
