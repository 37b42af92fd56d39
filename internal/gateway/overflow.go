package gateway

import "regexp"

// The backend reports a context-window overflow only as message text, e.g.
// "400 request (19498 tokens) exceeds the available context size (16384
// tokens)". There is no structured error code, so the classifier matches the
// numeric-count-exceeds-numeric-limit shape and nothing broader.
var overflowPattern = regexp.MustCompile(`(?i)\b\d+\s+tokens\s*\)?\s*exceeds\s+the\s+available\s+context\s+size\s*\(?\s*\d+\s+tokens\b`)

// IsContextOverflow reports whether err is the dispatch backend's
// context-window overflow rejection.
func IsContextOverflow(err error) bool {
	if err == nil {
		return false
	}
	return overflowPattern.MatchString(err.Error())
}
