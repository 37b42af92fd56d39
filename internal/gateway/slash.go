package gateway

import (
	"regexp"
	"strings"
)

var posixRootPaths = map[string]struct{}{
	"/Applications": {},
	"/Library":      {},
	"/System":       {},
	"/Users":        {},
	"/Volumes":      {},
	"/bin":          {},
	"/dev":          {},
	"/etc":          {},
	"/home":         {},
	"/opt":          {},
	"/private":      {},
	"/proc":         {},
	"/sbin":         {},
	"/tmp":          {},
	"/usr":          {},
	"/var":          {},
}

var slashCommandPattern = regexp.MustCompile(`^/[a-z][a-z0-9_-]*$`)

// IsLikelySlashCommand reports whether text looks like a chat slash-command
// (e.g. "/reset", "/think low"). Absolute paths like "/usr/bin/node" are not
// commands; the check stays conservative to avoid misclassifying user text.
func IsLikelySlashCommand(text string) bool {
	token := firstToken(text)
	if !strings.HasPrefix(token, "/") {
		return false
	}
	if looksLikePosixPath(token) {
		return false
	}
	return slashCommandPattern.MatchString(token)
}

func firstToken(text string) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ""
	}
	if idx := strings.IndexFunc(trimmed, func(r rune) bool { return r == ' ' || r == '\t' || r == '\n' || r == '\r' }); idx != -1 {
		return trimmed[:idx]
	}
	return trimmed
}

func looksLikePosixPath(token string) bool {
	if !strings.HasPrefix(token, "/") {
		return false
	}
	if token == "/" {
		return true
	}
	if _, ok := posixRootPaths[token]; ok {
		return true
	}
	// Any additional slash after the leading one strongly suggests a
	// filesystem path.
	return strings.Index(token[1:], "/") != -1
}
