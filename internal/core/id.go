package core

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a short random identifier: the first 8 hex characters of a UUIDv4.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
