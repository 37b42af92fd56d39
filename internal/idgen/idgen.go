package idgen

import "github.com/google/uuid"

// New returns a UUIDv7 identifier string.
// If UUIDv7 generation fails, it falls back to a random UUIDv4.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// NewSessionID returns a random UUIDv4 session identity. Session ids name
// transcript files on disk and must be collision-resistant rather than
// sortable, so plain v4 is used here.
func NewSessionID() string {
	return uuid.NewString()
}
