package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsLikelySlashCommand(t *testing.T) {
	commands := []string{"/reset", "/reset now", "/think low", "/stop"}
	for _, text := range commands {
		assert.True(t, IsLikelySlashCommand(text), "expected command: %q", text)
	}

	paths := []string{"/Users/cliff/workspace/openclaw", "/tmp", "/usr/bin/node", "/var/log/system.log"}
	for _, text := range paths {
		assert.False(t, IsLikelySlashCommand(text), "path misclassified as command: %q", text)
	}

	notCommands := []string{"/", "//", "/Foo", "/with.dot", "", "hello", "reset"}
	for _, text := range notCommands {
		assert.False(t, IsLikelySlashCommand(text), "misclassified as command: %q", text)
	}
}
