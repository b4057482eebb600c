package tsq

import "errors"

// ErrCommandNotFound is returned by the operator operations when no command
// matches the given (domain, command_id).
var ErrCommandNotFound = errors.New("tsq: command not found")

// ErrInvalidOperation is returned when an operator operation is attempted
// against a command that is not currently IN_TROUBLESHOOTING_QUEUE, or whose
// archived payload can no longer be found for a retry.
var ErrInvalidOperation = errors.New("tsq: invalid operation for current command state")
