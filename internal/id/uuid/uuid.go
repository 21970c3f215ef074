// Package uuid generates time-ordered identifiers for queue items and results.
package uuid

import (
	"github.com/google/uuid"

	"github.com/JakeFAU/jobqueue/internal/queue"
)

// Generator issues UUIDv7 strings, which sort by creation time and keep the
// queue_items primary key index append-mostly.
type Generator struct{}

// New returns a Generator.
func New() Generator {
	return Generator{}
}

// NewID returns a UUIDv7, falling back to a random v4 if the v7 source fails.
func (Generator) NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Valid reports whether s parses as a UUID. The CLI uses it to reject
// malformed item ids before opening any backend.
func Valid(s string) bool {
	return uuid.Validate(s) == nil
}

var _ queue.IDGenerator = Generator{}
