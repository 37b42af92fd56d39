package gateway

import (
	"testing"
)

func TestRegistryRepointsSessionInPlace(t *testing.T) {
	reg := NewRegistry()
	aborted := false
	reg.AddChatRun("run-1", "sess-old", "key", func() { aborted = true })

	// Rollover swaps the session identity behind the same run; the abort
	// handle must survive.
	reg.RepointChatRun("run-1", "sess-new")

	sessionID, ok := reg.RunSession("run-1")
	if !ok || sessionID != "sess-new" {
		t.Fatalf("expected repointed session, got %q ok=%v", sessionID, ok)
	}
	if reg.ActiveRuns() != 1 {
		t.Fatalf("repoint must not duplicate the run")
	}

	if !reg.Abort("run-1") {
		t.Fatalf("abort should find the run")
	}
	if !aborted {
		t.Fatalf("original cancel func must still be wired after repoint")
	}
	if !reg.Aborted("run-1") {
		t.Fatalf("run not marked aborted")
	}
}

func TestRegistryRefusesDuplicateRun(t *testing.T) {
	reg := NewRegistry()
	if !reg.AddChatRun("run-1", "sess", "key", nil) {
		t.Fatalf("first claim must succeed")
	}
	reg.AppendDelta("run-1", "partial")

	if reg.AddChatRun("run-1", "sess-other", "other-key", nil) {
		t.Fatalf("active run id must be refused")
	}
	sessionID, ok := reg.RunSession("run-1")
	if !ok || sessionID != "sess" {
		t.Fatalf("refused claim must not touch the active run: %q ok=%v", sessionID, ok)
	}
	if reg.Buffer("run-1") != "partial" {
		t.Fatalf("refused claim must not reset the delta buffer")
	}

	reg.RemoveChatRun("run-1")
	if !reg.AddChatRun("run-1", "sess-2", "key", nil) {
		t.Fatalf("released run id must be claimable again")
	}
}

func TestRegistryRemoveReleasesEverything(t *testing.T) {
	reg := NewRegistry()
	reg.AddChatRun("run-1", "sess", "key", func() {})
	reg.AppendDelta("run-1", "partial")
	reg.Abort("run-1")
	reg.RemoveChatRun("run-1")

	if reg.ActiveRuns() != 0 {
		t.Fatalf("run not removed")
	}
	if reg.Aborted("run-1") {
		t.Fatalf("aborted marker must be released with the run")
	}
	if reg.Buffer("run-1") != "" {
		t.Fatalf("buffer must be released")
	}
	if _, ok := reg.LastDeltaAt("run-1"); ok {
		t.Fatalf("delta timestamp must be released")
	}

	// A new run can reuse the idempotency key cleanly.
	reg.AddChatRun("run-1", "sess-2", "key", func() {})
	if reg.Aborted("run-1") {
		t.Fatalf("new run under reused key must start unaborted")
	}
}

func TestRegistryDeltaBuffering(t *testing.T) {
	reg := NewRegistry()
	reg.AddChatRun("run-1", "sess", "key", nil)
	reg.AppendDelta("run-1", "Hel")
	reg.AppendDelta("run-1", "lo")
	if got := reg.Buffer("run-1"); got != "Hello" {
		t.Fatalf("buffer = %q", got)
	}
	if _, ok := reg.LastDeltaAt("run-1"); !ok {
		t.Fatalf("expected delta timestamp")
	}
}

func TestRegistryRunSequence(t *testing.T) {
	reg := NewRegistry()
	first := reg.NextSeq("key")
	second := reg.NextSeq("key")
	if second <= first {
		t.Fatalf("sequence must be monotonic: %d then %d", first, second)
	}
	if reg.IsCurrentSeq("key", first) {
		t.Fatalf("superseded sequence must not be current")
	}
	if !reg.IsCurrentSeq("key", second) {
		t.Fatalf("latest sequence must be current")
	}
	if reg.NextSeq("other") != 1 {
		t.Fatalf("sequences are per session key")
	}
}

func TestRegistryAbortUnknownRun(t *testing.T) {
	reg := NewRegistry()
	if reg.Abort("nope") {
		t.Fatalf("abort of unknown run must report false")
	}
}
