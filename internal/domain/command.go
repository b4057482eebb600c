package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// LastError is the most recent failure recorded against a Command.
// Non-nil whenever Status is FAILED or IN_TROUBLESHOOTING_QUEUE.
type LastError struct {
	Kind    ErrorKind `json:"kind"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
}

// Command is the durable record of one submitted unit of work, addressed by
// the (Domain, CommandID) pair.
type Command struct {
	Domain        string
	CommandID     uuid.UUID
	CommandType   string
	Status        CommandStatus
	Attempts      int
	MaxAttempts   int
	MsgID         int64
	CorrelationID uuid.UUID
	ReplyTo       string
	LastError     *LastError
	BatchID       *uuid.UUID
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Envelope is the JSON payload written to the "<domain>__commands" queue.
type Envelope struct {
	Domain        string          `json:"domain"`
	CommandType   string          `json:"command_type"`
	CommandID     uuid.UUID       `json:"command_id"`
	CorrelationID uuid.UUID       `json:"correlation_id"`
	Data          json.RawMessage `json:"data"`
	ReplyTo       string          `json:"reply_to,omitempty"`
}

// ReplyEnvelope is the JSON payload written to a reply queue on a terminal
// transition that carries a ReplyTo.
type ReplyEnvelope struct {
	CommandID     uuid.UUID       `json:"command_id"`
	CorrelationID uuid.UUID       `json:"correlation_id,omitempty"`
	Outcome       ReplyOutcome    `json:"outcome"`
	Result        json.RawMessage `json:"result,omitempty"`
	Reason        string          `json:"reason,omitempty"`
}

// AuditEventType enumerates the lifecycle events recorded in the audit log.
type AuditEventType string

const (
	EventSent             AuditEventType = "SENT"
	EventReceived         AuditEventType = "RECEIVED"
	EventCompleted        AuditEventType = "COMPLETED"
	EventFailed           AuditEventType = "FAILED"
	EventBusinessRuleFail AuditEventType = "BUSINESS_RULE_FAILED"
	EventRetryScheduled   AuditEventType = "RETRY_SCHEDULED"
	EventRetryExhausted   AuditEventType = "RETRY_EXHAUSTED"
	EventMovedToTSQ       AuditEventType = "MOVED_TO_TSQ"
	EventOperatorRetry    AuditEventType = "OPERATOR_RETRY"
	EventOperatorCancel   AuditEventType = "OPERATOR_CANCEL"
	EventOperatorComplete AuditEventType = "OPERATOR_COMPLETE"
)

// AuditEvent is one append-only row in the command's lifecycle trail.
type AuditEvent struct {
	AuditID   int64
	Domain    string
	CommandID uuid.UUID
	EventType AuditEventType
	Timestamp time.Time
	Details   json.RawMessage
}

// TSQReason distinguishes why a command moved into the troubleshooting
// queue, carried in the MOVED_TO_TSQ audit details.
type TSQReason string

const (
	TSQReasonPermanent TSQReason = "PERMANENT"
	TSQReasonExhausted TSQReason = "EXHAUSTED"
)
