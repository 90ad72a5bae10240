package models

import "github.com/google/uuid"

// NewID returns a UUIDv7 string. Time-ordered IDs keep primary keys
// append-friendly and double as creation-order cursors.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the entropy source does; fall back to v4.
		return uuid.NewString()
	}
	return id.String()
}
