// Package rollover mints a fresh session identity when a conversation has
// outgrown its context window. It prepares the successor transcript but never
// touches the session store or writes the handoff entry; committing the new
// identity is the caller's job, so a failed rollover can never leave the
// store pointing at a transcript that does not exist.
package rollover

import (
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/cliff-personal/openclaw/internal/idgen"
	"github.com/cliff-personal/openclaw/internal/transcript"
)

type Params struct {
	// SessionFile is the transcript file of the session being abandoned; the
	// successor is created alongside it.
	SessionFile    string
	WorkspaceDir   string
	PriorSessionID string
}

type Result struct {
	OK             bool
	NewSessionID   string
	NewSessionFile string
	Reason         string
}

// Perform creates the successor session: a new random identity and a
// transcript file with its header in the same directory as the prior one.
func Perform(log zerolog.Logger, params Params) Result {
	sessionDir := filepath.Dir(params.SessionFile)
	newSessionID := idgen.NewSessionID()
	newSessionFile := transcript.Path(sessionDir, newSessionID)

	if err := transcript.EnsureHeader(newSessionFile, newSessionID, params.WorkspaceDir); err != nil {
		log.Error().
			Str("prior_session_id", params.PriorSessionID).
			Err(err).
			Msg("session rollover failed")
		return Result{OK: false, Reason: err.Error()}
	}

	log.Info().
		Str("prior_session_id", params.PriorSessionID).
		Str("new_session_id", newSessionID).
		Msg("rolled over session")

	return Result{
		OK:             true,
		NewSessionID:   newSessionID,
		NewSessionFile: newSessionFile,
	}
}
