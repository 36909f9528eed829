// internal/agent/errors.go
package agent

import "errors"

// Sentinel errors shared by the loop, the run manager, and the HTTP layer.
// Callers match them with errors.Is.
var (
	// ErrNotAwaitingUser is returned by Resume when no question is pending,
	// or when a reply has already been delivered for the pending question.
	ErrNotAwaitingUser = errors.New("run is not awaiting a user reply")
	// ErrRunActive is returned when a run is started while another is live.
	ErrRunActive = errors.New("a run is already active")
	// ErrNoActiveRun is returned by operations that need a live run.
	ErrNoActiveRun = errors.New("no active run")
	// ErrRunNotFound is returned when a run ID does not match the current run.
	ErrRunNotFound = errors.New("run not found")
	// ErrInvalidDecision marks oracle output that failed validation.
	ErrInvalidDecision = errors.New("invalid decision")
	// ErrSurfaceUnavailable is returned when the required surface is not configured.
	ErrSurfaceUnavailable = errors.New("surface unavailable")

	errStopped = errors.New("run stopped")
)
