package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/relaybus/cmdbus/internal/domain"
)

// Handler executes one command's business logic. A nil error and non-nil
// result is a success; the error's classification (see classify.go)
// decides whether the command retries, moves to the troubleshooting queue,
// or fails outright.
type Handler func(ctx context.Context, cmd *domain.Command, data json.RawMessage) (result json.RawMessage, err error)

// Registry maps command_type to the Handler that executes it, one registry
// per domain worker.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry returns an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds or replaces the handler for commandType.
func (r *Registry) Register(commandType string, h Handler) {
	r.handlers[commandType] = h
}

// Get returns the handler for commandType, or ErrUnknownCommandType if none
// is registered.
func (r *Registry) Get(commandType string) (Handler, error) {
	h, ok := r.handlers[commandType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommandType, commandType)
	}
	return h, nil
}
