package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/relaybus/cmdbus/internal/domain"
	"github.com/relaybus/cmdbus/internal/pgqueue"
)

// BatchRepo persists domain.Batch rows and drives their aggregate counters
// through the sp_update_batch_on_* stored procedures.
type BatchRepo struct{}

// NewBatchRepo returns a stateless BatchRepo.
func NewBatchRepo() *BatchRepo {
	return &BatchRepo{}
}

// Save inserts a new batch row in PENDING status with its total_count
// pre-set to the number of member commands.
func (r *BatchRepo) Save(ctx context.Context, q pgqueue.Querier, b *domain.Batch) error {
	_, err := q.Exec(ctx, `
		INSERT INTO command_bus_batch
			(domain, batch_id, name, custom_data, status, total_count, on_complete_reply_to, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, b.Domain, b.BatchID, nullString(b.Name), b.CustomData, b.Status, b.TotalCount, nullString(b.OnCompleteReplyTo), b.CreatedAt)
	if err != nil {
		return fmt.Errorf("save batch: %w", err)
	}
	return nil
}

// Exists reports whether a batch with this identity has already been
// created, used by CommandBus.Send to validate an attached batch_id before
// enqueueing a member command against it.
func (r *BatchRepo) Exists(ctx context.Context, q pgqueue.Querier, dom string, batchID uuid.UUID) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM command_bus_batch WHERE domain = $1 AND batch_id = $2)
	`, dom, batchID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check batch exists: %w", err)
	}
	return exists, nil
}

// Get fetches one batch by its identity.
func (r *BatchRepo) Get(ctx context.Context, q pgqueue.Querier, dom string, batchID uuid.UUID) (*domain.Batch, error) {
	row := q.QueryRow(ctx, `
		SELECT domain, batch_id, name, custom_data, status, total_count, completed_count,
		       failed_count, canceled_count, in_troubleshooting_count, on_complete_reply_to,
		       created_at, started_at, completed_at
		FROM command_bus_batch
		WHERE domain = $1 AND batch_id = $2
	`, dom, batchID)
	return scanBatch(row)
}

// List returns batches for a domain, newest first, optionally filtered by
// status.
func (r *BatchRepo) List(ctx context.Context, q pgqueue.Querier, dom string, status domain.BatchStatus, limit, offset int) ([]domain.Batch, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.Query(ctx, `
		SELECT domain, batch_id, name, custom_data, status, total_count, completed_count,
		       failed_count, canceled_count, in_troubleshooting_count, on_complete_reply_to,
		       created_at, started_at, completed_at
		FROM command_bus_batch
		WHERE domain = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`, dom, string(status), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	var out []domain.Batch
	for rows.Next() {
		b, err := scanBatchRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// OnReceive marks a PENDING batch IN_PROGRESS on its first command receive.
func (r *BatchRepo) OnReceive(ctx context.Context, q pgqueue.Querier, dom string, batchID uuid.UUID) error {
	if _, err := q.Exec(ctx, `SELECT sp_update_batch_on_receive($1, $2)`, dom, batchID); err != nil {
		return fmt.Errorf("update batch on receive: %w", err)
	}
	return nil
}

// OnTSQMove increments in_troubleshooting_count when a member command moves
// to the troubleshooting queue outside of the fused Finish path (currently
// unused — Finish already folds this transition in, kept for operator
// tooling that moves a command directly).
func (r *BatchRepo) OnTSQMove(ctx context.Context, q pgqueue.Querier, dom string, batchID uuid.UUID) error {
	if _, err := q.Exec(ctx, `SELECT sp_update_batch_on_tsq_move($1, $2)`, dom, batchID); err != nil {
		return fmt.Errorf("update batch on tsq move: %w", err)
	}
	return nil
}

// OnTSQComplete records an operator_complete resolution against the batch,
// returning whether the batch became terminal.
func (r *BatchRepo) OnTSQComplete(ctx context.Context, q pgqueue.Querier, dom string, batchID uuid.UUID) (bool, error) {
	var terminal bool
	if err := q.QueryRow(ctx, `SELECT sp_update_batch_on_tsq_complete($1, $2)`, dom, batchID).Scan(&terminal); err != nil {
		return false, fmt.Errorf("update batch on tsq complete: %w", err)
	}
	return terminal, nil
}

// OnTSQCancel records an operator_cancel resolution against the batch,
// returning whether the batch became terminal. Only operator_cancel
// increments canceled_count.
func (r *BatchRepo) OnTSQCancel(ctx context.Context, q pgqueue.Querier, dom string, batchID uuid.UUID) (bool, error) {
	var terminal bool
	if err := q.QueryRow(ctx, `SELECT sp_update_batch_on_tsq_cancel($1, $2)`, dom, batchID).Scan(&terminal); err != nil {
		return false, fmt.Errorf("update batch on tsq cancel: %w", err)
	}
	return terminal, nil
}

// OnTSQRetry releases a command from the troubleshooting queue back into
// circulation, decrementing in_troubleshooting_count without touching
// completed/canceled counts.
func (r *BatchRepo) OnTSQRetry(ctx context.Context, q pgqueue.Querier, dom string, batchID uuid.UUID) error {
	if _, err := q.Exec(ctx, `SELECT sp_update_batch_on_tsq_retry($1, $2)`, dom, batchID); err != nil {
		return fmt.Errorf("update batch on tsq retry: %w", err)
	}
	return nil
}

func scanBatch(row pgx.Row) (*domain.Batch, error) {
	var b domain.Batch
	var name, replyTo *string
	err := row.Scan(&b.Domain, &b.BatchID, &name, &b.CustomData, &b.Status, &b.TotalCount, &b.CompletedCount,
		&b.FailedCount, &b.CanceledCount, &b.InTroubleshootingCount, &replyTo,
		&b.CreatedAt, &b.StartedAt, &b.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan batch: %w", err)
	}
	fillBatch(&b, name, replyTo)
	return &b, nil
}

func scanBatchRow(rows pgx.Rows) (*domain.Batch, error) {
	var b domain.Batch
	var name, replyTo *string
	err := rows.Scan(&b.Domain, &b.BatchID, &name, &b.CustomData, &b.Status, &b.TotalCount, &b.CompletedCount,
		&b.FailedCount, &b.CanceledCount, &b.InTroubleshootingCount, &replyTo,
		&b.CreatedAt, &b.StartedAt, &b.CompletedAt)
	if err != nil {
		return nil, fmt.Errorf("scan batch: %w", err)
	}
	fillBatch(&b, name, replyTo)
	return &b, nil
}

func fillBatch(b *domain.Batch, name, replyTo *string) {
	b.Name = deref(name)
	b.OnCompleteReplyTo = deref(replyTo)
}
