package memory

import "errors"

var (
	// ErrProviderUnavailable indicates the classification or embedding
	// capability is down. Callers degrade, they do not fail.
	ErrProviderUnavailable = errors.New("memory provider unavailable")

	// ErrValidationRejected indicates candidate content failed the
	// coherence rules and was discarded before storage.
	ErrValidationRejected = errors.New("memory content rejected by validator")

	// ErrStorageFailure indicates a store read or write failed after
	// bounded retries.
	ErrStorageFailure = errors.New("memory storage failure")

	// ErrQueueFull indicates the background queue rejected a task.
	ErrQueueFull = errors.New("memory task queue full")

	// ErrNotFound indicates the referenced entry does not exist for the
	// user.
	ErrNotFound = errors.New("memory entry not found")
)
