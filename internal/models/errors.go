package models

import "errors"

// Sentinel errors shared across the engine. Callers match with errors.Is;
// lower layers wrap them with operation context.
var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrForbidden          = errors.New("forbidden")
	ErrServiceUnavailable = errors.New("store unavailable")
	ErrTimeout            = errors.New("timed out")
	ErrValidation         = errors.New("invalid input")
	ErrConflict           = errors.New("conflict")
)

// Error codes recorded on failed jobs.
const (
	ErrCodeTimeout    = "Timeout"
	ErrCodeWorker     = "WorkerError"
	ErrCodeValidation = "ValidationError"
	ErrCodeUnknown    = "Unknown"
)
