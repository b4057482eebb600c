package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Process is a long-running saga driven by reply routing, addressed by
// (Domain, ProcessID). The ProcessID doubles as the CorrelationID on every
// command the process issues, so the reply router can find it again.
type Process struct {
	Domain      string
	ProcessID   uuid.UUID
	ProcessType string
	Status      ProcessStatus
	CurrentStep string
	State       json.RawMessage
	ErrorKind   ErrorKind
	ErrorMsg    string
	BatchID     *uuid.UUID
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// ProcessStepAudit is one append-only row in a process's step trail:
// a command sent for a step, and (once received) the reply it produced.
type ProcessStepAudit struct {
	ProcessAuditID int64
	Domain         string
	ProcessID      uuid.UUID
	StepName       string
	CommandID      uuid.UUID
	CommandType    string
	CommandData    json.RawMessage
	SentAt         time.Time
	ReplyOutcome   ReplyOutcome
	ReplyData      json.RawMessage
	ReceivedAt     *time.Time
}
