package bus

import "errors"

// ErrDuplicateCommand is returned by Send/CreateBatch when a command_id has
// already been submitted in this domain.
var ErrDuplicateCommand = errors.New("bus: duplicate command")

// ErrEmptyBatch is returned by CreateBatch when called with no member
// commands.
var ErrEmptyBatch = errors.New("bus: batch has no commands")

// ErrBatchNotFound is returned by Send when SendOptions.BatchID names a
// batch that does not exist in the target domain.
var ErrBatchNotFound = errors.New("bus: batch not found")
