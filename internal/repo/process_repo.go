package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/relaybus/cmdbus/internal/domain"
	"github.com/relaybus/cmdbus/internal/pgqueue"
)

// ProcessRepo persists domain.Process rows and their per-step audit trail,
// backing the reply-routed saga runtime in internal/router.
type ProcessRepo struct{}

// NewProcessRepo returns a stateless ProcessRepo.
func NewProcessRepo() *ProcessRepo {
	return &ProcessRepo{}
}

// Save inserts a new process row.
func (r *ProcessRepo) Save(ctx context.Context, q pgqueue.Querier, p *domain.Process) error {
	_, err := q.Exec(ctx, `
		INSERT INTO command_bus_process
			(domain, process_id, process_type, status, current_step, state, batch_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, p.Domain, p.ProcessID, p.ProcessType, p.Status, nullString(p.CurrentStep), p.State, p.BatchID, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save process: %w", err)
	}
	return nil
}

// Get fetches one process by its identity.
func (r *ProcessRepo) Get(ctx context.Context, q pgqueue.Querier, dom string, processID uuid.UUID) (*domain.Process, error) {
	row := q.QueryRow(ctx, `
		SELECT domain, process_id, process_type, status, current_step, state,
		       error_kind, error_msg, batch_id, created_at, updated_at, completed_at
		FROM command_bus_process
		WHERE domain = $1 AND process_id = $2
	`, dom, processID)
	return scanProcess(row)
}

// GetForUpdate fetches a process with FOR UPDATE, serializing concurrent
// reply deliveries against the same saga instance. Must be called inside a
// transaction.
func (r *ProcessRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, dom string, processID uuid.UUID) (*domain.Process, error) {
	row := tx.QueryRow(ctx, `
		SELECT domain, process_id, process_type, status, current_step, state,
		       error_kind, error_msg, batch_id, created_at, updated_at, completed_at
		FROM command_bus_process
		WHERE domain = $1 AND process_id = $2
		FOR UPDATE
	`, dom, processID)
	return scanProcess(row)
}

// UpdateState advances a process's step/state and, on a terminal status,
// stamps CompletedAt and the failure reason if any.
func (r *ProcessRepo) UpdateState(ctx context.Context, q pgqueue.Querier, p *domain.Process) error {
	var completedAt *time.Time
	if p.Status.IsTerminal() {
		now := time.Now()
		completedAt = &now
	}
	tag, err := q.Exec(ctx, `
		UPDATE command_bus_process
		SET status = $3, current_step = $4, state = $5, error_kind = $6, error_msg = $7,
		    updated_at = now(), completed_at = COALESCE(completed_at, $8)
		WHERE domain = $1 AND process_id = $2
	`, p.Domain, p.ProcessID, p.Status, nullString(p.CurrentStep), p.State,
		nullString(string(p.ErrorKind)), nullString(p.ErrorMsg), completedAt)
	if err != nil {
		return fmt.Errorf("update process state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendStepAudit records a command sent for a saga step.
func (r *ProcessRepo) AppendStepAudit(ctx context.Context, q pgqueue.Querier, a *domain.ProcessStepAudit) error {
	_, err := q.Exec(ctx, `
		INSERT INTO command_bus_process_audit
			(domain, process_id, step_name, command_id, command_type, command_data, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, a.Domain, a.ProcessID, a.StepName, a.CommandID, a.CommandType, a.CommandData, a.SentAt)
	if err != nil {
		return fmt.Errorf("append step audit: %w", err)
	}
	return nil
}

// RecordReply stamps the reply outcome/data/received_at on the most recent
// open step-audit row for commandID, used when the reply router resolves a
// saga step.
func (r *ProcessRepo) RecordReply(ctx context.Context, q pgqueue.Querier, dom string, commandID uuid.UUID, outcome domain.ReplyOutcome, data json.RawMessage) error {
	tag, err := q.Exec(ctx, `
		UPDATE command_bus_process_audit
		SET reply_outcome = $3, reply_data = $4, received_at = now()
		WHERE domain = $1 AND command_id = $2 AND received_at IS NULL
	`, dom, commandID, string(outcome), data)
	if err != nil {
		return fmt.Errorf("record step reply: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetStepTrail returns every step-audit row for a process, oldest first.
func (r *ProcessRepo) GetStepTrail(ctx context.Context, q pgqueue.Querier, dom string, processID uuid.UUID) ([]domain.ProcessStepAudit, error) {
	rows, err := q.Query(ctx, `
		SELECT process_audit_id, domain, process_id, step_name, command_id, command_type,
		       command_data, sent_at, reply_outcome, reply_data, received_at
		FROM command_bus_process_audit
		WHERE domain = $1 AND process_id = $2
		ORDER BY process_audit_id ASC
	`, dom, processID)
	if err != nil {
		return nil, fmt.Errorf("get step trail: %w", err)
	}
	defer rows.Close()

	var out []domain.ProcessStepAudit
	for rows.Next() {
		var a domain.ProcessStepAudit
		var outcome *string
		if err := rows.Scan(&a.ProcessAuditID, &a.Domain, &a.ProcessID, &a.StepName, &a.CommandID,
			&a.CommandType, &a.CommandData, &a.SentAt, &outcome, &a.ReplyData, &a.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scan step audit: %w", err)
		}
		if outcome != nil {
			a.ReplyOutcome = domain.ReplyOutcome(*outcome)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanProcess(row pgx.Row) (*domain.Process, error) {
	var p domain.Process
	var currentStep, errKind, errMsg *string

	err := row.Scan(&p.Domain, &p.ProcessID, &p.ProcessType, &p.Status, &currentStep, &p.State,
		&errKind, &errMsg, &p.BatchID, &p.CreatedAt, &p.UpdatedAt, &p.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan process: %w", err)
	}
	p.CurrentStep = deref(currentStep)
	p.ErrorKind = domain.ErrorKind(deref(errKind))
	p.ErrorMsg = deref(errMsg)
	return &p, nil
}
