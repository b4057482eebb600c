package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Batch is an atomic grouping of commands with aggregate counters, addressed
// by (Domain, BatchID).
type Batch struct {
	Domain                 string
	BatchID                uuid.UUID
	Name                   string
	CustomData             json.RawMessage
	Status                 BatchStatus
	TotalCount             int
	CompletedCount         int
	FailedCount            int
	CanceledCount          int
	InTroubleshootingCount int
	OnCompleteReplyTo      string
	CreatedAt              time.Time
	StartedAt              *time.Time
	CompletedAt            *time.Time
}

// IsTerminal reports whether every contained command has reached a terminal
// outcome and none remain in the troubleshooting queue.
func (b *Batch) IsTerminal() bool {
	return b.InTroubleshootingCount == 0 &&
		b.CompletedCount+b.CanceledCount == b.TotalCount
}

// TerminalStatus computes the batch's terminal status: all terminal with no
// cancellations is COMPLETED, any cancellation makes it
// COMPLETED_WITH_FAILURES.
func (b *Batch) TerminalStatus() BatchStatus {
	if b.CanceledCount > 0 {
		return BatchCompletedWithFailures
	}
	return BatchCompleted
}

// BatchCommand is one member of a batch submitted via CreateBatch.
type BatchCommand struct {
	CommandID   uuid.UUID
	CommandType string
	Data        json.RawMessage
	MaxAttempts int
}
