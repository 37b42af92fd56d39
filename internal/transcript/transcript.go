// Package transcript manages the append-only JSONL record of a session's
// turns. One file per session identity; continuation across a rollover is
// expressed by a handoff entry in the successor file, never by rewriting
// history in place.
package transcript

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"time"
)

// HandoffMarker is the literal tag written into the synthetic handoff turn of
// a rolled-over session. It is part of the on-disk contract: the new file is
// self-describing without reading its predecessor.
const HandoffMarker = "[Handoff / Continuation]"

const fileExt = ".jsonl"

// Message is one conversational turn.
type Message struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp,omitempty"` // unix milliseconds
}

// record is the envelope for every line in a session file.
type record struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Cwd       string `json:"cwd,omitempty"`
	Role      string `json:"role,omitempty"`
	Content   string `json:"content,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	CreatedAt string `json:"createdAt,omitempty"`
}

const (
	recordTypeSession = "session"
	recordTypeMessage = "message"
)

// Path returns the transcript file path for a session identity.
func Path(sessionDir, sessionID string) string {
	return filepath.Join(sessionDir, sessionID+fileExt)
}

// EnsureHeader creates sessionFile with its header record if it does not
// exist yet. Calling it on an existing file is a no-op; the header is never
// duplicated.
func EnsureHeader(sessionFile, sessionID, cwd string) error {
	if _, err := os.Stat(sessionFile); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat session file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(sessionFile), 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	header := record{
		Type:      recordTypeSession,
		SessionID: sessionID,
		Cwd:       cwd,
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	err := appendRecord(sessionFile, header, os.O_CREATE|os.O_EXCL)
	if errors.Is(err, os.ErrExist) {
		// Lost a creation race; the winner wrote the header.
		return nil
	}
	return err
}

// AppendMessage appends one turn to the session file.
func AppendMessage(sessionFile string, msg Message) error {
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	rec := record{
		Type:      recordTypeMessage,
		Role:      msg.Role,
		Content:   msg.Content,
		Timestamp: msg.Timestamp,
	}
	return appendRecord(sessionFile, rec, os.O_CREATE)
}

// AppendHandoff appends the synthetic system turn that bridges a new session
// identity to its predecessor.
func AppendHandoff(sessionFile, priorSessionID string) error {
	return AppendMessage(sessionFile, Message{
		Role:    "system",
		Content: fmt.Sprintf("%s\nPrevious sessionId: %s", HandoffMarker, priorSessionID),
	})
}

// ReadRecent returns a restartable sequence over the most recent limit turns
// of the session file, oldest first. It never follows a rollover boundary:
// only the given file is read, and the handoff entry is the explicit bridge.
// A missing file yields an empty sequence.
func ReadRecent(sessionFile string, limit int) iter.Seq[Message] {
	return func(yield func(Message) bool) {
		msgs, err := readMessages(sessionFile, limit)
		if err != nil {
			return
		}
		for _, m := range msgs {
			if !yield(m) {
				return
			}
		}
	}
}

func readMessages(sessionFile string, limit int) ([]Message, error) {
	f, err := os.Open(sessionFile)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			// Tolerate a torn or foreign line rather than losing the rest.
			continue
		}
		if rec.Type != recordTypeMessage {
			continue
		}
		out = append(out, Message{Role: rec.Role, Content: rec.Content, Timestamp: rec.Timestamp})
		if limit > 0 && len(out) > limit {
			out = out[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan transcript: %w", err)
	}
	return out, nil
}

func appendRecord(sessionFile string, rec record, createFlags int) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	f, err := os.OpenFile(sessionFile, os.O_WRONLY|os.O_APPEND|createFlags, 0o644)
	if err != nil {
		return fmt.Errorf("open session file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append record: %w", err)
	}
	return nil
}
