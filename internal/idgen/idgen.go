// Package idgen mints the identifiers used for runs and live connections.
package idgen

import "github.com/google/uuid"

// New returns a time-ordered UUIDv7 string, falling back to a random v4
// when the system clock cannot supply one.
func New() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}
