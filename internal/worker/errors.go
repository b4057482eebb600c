package worker

import "errors"

// ErrUnknownCommandType is returned when no handler is registered for a
// command's command_type.
var ErrUnknownCommandType = errors.New("worker: unknown command type")

// ErrWorkerStopped names a stopped worker. No method in this package
// returns it; Stop returns nothing and in-flight work ends through context
// cancellation.
var ErrWorkerStopped = errors.New("worker: stopped")
