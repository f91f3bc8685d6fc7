package util

import "github.com/google/uuid"

// NewID returns a random UUIDv4 string used for every persisted entity and request id.
func NewID() string {
	return uuid.NewString()
}
