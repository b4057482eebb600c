package router

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/relaybus/cmdbus/internal/domain"
)

// ProcessManager drives one saga type: the sequence of commands a process
// issues and how each reply advances it.
type ProcessManager interface {
	// InitialState builds a process's starting state from the data it was
	// created with.
	InitialState(data json.RawMessage) (json.RawMessage, error)

	// FirstStep names the step to run immediately after InitialState.
	FirstStep(state json.RawMessage) (step string, err error)

	// BuildCommand builds the command_type and payload to send for step.
	BuildCommand(step string, state json.RawMessage) (commandType string, data json.RawMessage, err error)

	// UpdateState folds a step's reply into state.
	UpdateState(state json.RawMessage, step string, reply domain.ReplyEnvelope) (json.RawMessage, error)

	// NextStep computes the step to run after currentStep's reply. hasNext
	// is false once the process has nothing left to do, at which point the
	// router marks it COMPLETED.
	NextStep(currentStep string, reply domain.ReplyEnvelope, state json.RawMessage) (step string, hasNext bool, err error)
}

// BeforeSendHook is an optional extension a ProcessManager can implement to
// persist step-specific side state in the same transaction that sends the
// step's command.
type BeforeSendHook interface {
	BeforeSendCommand(ctx context.Context, tx pgx.Tx, step string, state json.RawMessage) error
}

// ManagerRegistry maps process_type to its ProcessManager, the saga-side
// counterpart of worker.Registry.
type ManagerRegistry struct {
	managers map[string]ProcessManager
}

// NewManagerRegistry returns an empty ManagerRegistry.
func NewManagerRegistry() *ManagerRegistry {
	return &ManagerRegistry{managers: make(map[string]ProcessManager)}
}

// Register adds or replaces the manager for processType.
func (r *ManagerRegistry) Register(processType string, manager ProcessManager) {
	r.managers[processType] = manager
}

// Get looks up the manager for processType.
func (r *ManagerRegistry) Get(processType string) (ProcessManager, error) {
	m, ok := r.managers[processType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProcessType, processType)
	}
	return m, nil
}
