package flowbridge

import "errors"

var (
	// Store errors.
	ErrNoStore = errors.New("flowbridge: no store configured")

	// ErrStorageUnavailable wraps every infrastructure failure of a
	// persistence backend. Not-found conditions never carry it.
	ErrStorageUnavailable = errors.New("flowbridge: storage unavailable")

	// Not found errors.
	ErrJobNotFound   = errors.New("flowbridge: job not found")
	ErrRunNotFound   = errors.New("flowbridge: workflow run not found")
	ErrCronNotFound  = errors.New("flowbridge: recurring entry not found")
	ErrEventNotFound = errors.New("flowbridge: event not found")

	// Conflict errors.
	ErrJobAlreadyExists = errors.New("flowbridge: job already exists")
	ErrDuplicateCron    = errors.New("flowbridge: duplicate recurring entry")

	// Correlation errors.
	ErrInvalidMapping = errors.New("flowbridge: invalid correlation mapping")
	ErrInvalidOutcome = errors.New("flowbridge: invalid outcome")
	ErrOutcomeSealed  = errors.New("flowbridge: terminal outcome already recorded")

	// Execution errors.
	ErrCancelled             = errors.New("flowbridge: operation cancelled")
	ErrJobCancelled          = errors.New("flowbridge: job cancelled")
	ErrCancelUnsupported     = errors.New("flowbridge: workflow engine does not support cancellation")
	ErrWorkflowNotRegistered = errors.New("flowbridge: workflow not registered")

	// State errors.
	ErrInvalidState       = errors.New("flowbridge: invalid state transition")
	ErrMaxRetriesExceeded = errors.New("flowbridge: max retries exceeded")
)
