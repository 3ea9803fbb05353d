package keldris

import (
	"errors"
	"fmt"
)

var (
	// Store errors.
	ErrNoStore     = errors.New("keldris: no store configured")
	ErrStoreClosed = errors.New("keldris: store closed")

	// Not found errors.
	ErrJobNotFound      = errors.New("keldris: job not found")
	ErrScheduleNotFound = errors.New("keldris: schedule not found")

	// Conflict errors.
	ErrJobAlreadyExists = errors.New("keldris: job already exists")

	// State errors.
	ErrInvalidStatus = errors.New("keldris: invalid status transition")

	// Payload errors.
	ErrPayloadEncode = errors.New("keldris: payload does not serialize")
)

// ErrJobTerminal rejects mutations of jobs that already reached a terminal
// status (completed, dead_letter, canceled). It wraps ErrJobNotFound so
// callers that only distinguish "mutable" from "gone" can treat both the
// same way with errors.Is(err, ErrJobNotFound).
var ErrJobTerminal = fmt.Errorf("keldris: job already terminal: %w", ErrJobNotFound)
