// Package uuid issues run identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// RunID returns a fresh UUIDv7 string. Version 7 sorts by creation time, so
// log lines from successive runs order naturally.
func RunID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	return id.String(), nil
}

// MustRunID is RunID for callers that cannot recover from entropy failure.
func MustRunID() string {
	id, err := RunID()
	if err != nil {
		panic(err)
	}
	return id
}
