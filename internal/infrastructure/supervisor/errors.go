package supervisor

import "errors"

var (
	// ErrAlreadyStarted is returned when StartAll is called twice or a
	// process is added after start.
	ErrAlreadyStarted = errors.New("supervisor already started")

	// ErrWorkerPanic marks a worker run that ended in a recovered panic.
	ErrWorkerPanic = errors.New("worker panicked")

	// ErrDuplicateProcess is returned when a process name is registered twice.
	ErrDuplicateProcess = errors.New("process already registered")
)
