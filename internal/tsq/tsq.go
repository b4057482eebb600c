package tsq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relaybus/cmdbus/internal/domain"
	"github.com/relaybus/cmdbus/internal/pgqueue"
	"github.com/relaybus/cmdbus/internal/repo"
)

func queueName(dom string) string      { return dom + "__commands" }
func replyQueueName(dom string) string { return dom + "__replies" }

// Entry is one troubleshooting-queue listing row: a command's metadata
// joined with the original payload from the queue archive, so an operator
// can see both without a separate lookup.
type Entry struct {
	Command domain.Command
	Payload json.RawMessage
}

// TSQ implements the operator-facing troubleshooting queue operations:
// list/count stuck commands, and the three resolutions (operator_retry,
// operator_cancel, operator_complete). Like CommandBus, it
// holds no per-request state: every method opens and commits its own
// transaction against the shared pool.
type TSQ struct {
	pool     *pgxpool.Pool
	queue    *pgqueue.Queue
	commands *repo.CommandRepo
	batches  *repo.BatchRepo
	audit    *repo.AuditRepo
	logger   *slog.Logger
}

// New builds a TSQ over pool.
func New(pool *pgxpool.Pool, logger *slog.Logger) *TSQ {
	if logger == nil {
		logger = slog.Default()
	}
	return &TSQ{
		pool:     pool,
		queue:    pgqueue.New(pool),
		commands: repo.NewCommandRepo(),
		batches:  repo.NewBatchRepo(),
		audit:    repo.NewAuditRepo(),
		logger:   logger,
	}
}

// ListFilter narrows List/Count, every field optional.
type ListFilter struct {
	CommandType string
	Limit       int
	Offset      int
}

// List returns commands currently parked IN_TROUBLESHOOTING_QUEUE for a
// domain, newest first, each joined with its original archived payload.
func (t *TSQ) List(ctx context.Context, dom string, f ListFilter) ([]Entry, error) {
	commands, err := t.commands.Query(ctx, t.pool, dom, repo.QueryFilter{
		Status:      domain.CommandInTroubleshootingQueue,
		CommandType: f.CommandType,
		Limit:       f.Limit,
		Offset:      f.Offset,
	})
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, len(commands))
	for i, cmd := range commands {
		entries[i].Command = cmd
		payload, err := t.queue.ArchivedPayload(ctx, t.pool, queueName(dom), cmd.MsgID)
		if err != nil && !errors.Is(err, pgqueue.ErrArchivedPayloadNotFound) {
			return nil, err
		}
		entries[i].Payload = payload
	}
	return entries, nil
}

// Count reports how many commands currently sit IN_TROUBLESHOOTING_QUEUE
// for a domain, matching the same filters as List.
func (t *TSQ) Count(ctx context.Context, dom string, commandType string) (int, error) {
	var n int
	err := t.pool.QueryRow(ctx, `
		SELECT count(*) FROM command_bus_command
		WHERE domain = $1 AND status = $2 AND ($3 = '' OR command_type = $3)
	`, dom, domain.CommandInTroubleshootingQueue, commandType).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count troubleshooting: %w", err)
	}
	return n, nil
}

func (t *TSQ) loadForOperator(ctx context.Context, tx pgx.Tx, dom string, commandID uuid.UUID) (*domain.Command, error) {
	cmd, err := t.commands.Get(ctx, tx, dom, commandID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrCommandNotFound
	}
	if err != nil {
		return nil, err
	}
	if cmd.Status != domain.CommandInTroubleshootingQueue {
		return nil, fmt.Errorf("%w: command is %s, not IN_TROUBLESHOOTING_QUEUE", ErrInvalidOperation, cmd.Status)
	}
	return cmd, nil
}

// OperatorRetry releases a command from the troubleshooting queue, rebuilding
// its original envelope from the queue archive and enqueueing it fresh with
// attempts reset to zero. It fails with
// ErrInvalidOperation if the command is not currently IN_TROUBLESHOOTING_QUEUE
// or its archived payload can no longer be found.
func (t *TSQ) OperatorRetry(ctx context.Context, dom string, commandID uuid.UUID, operator string) error {
	tx, err := t.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin operator-retry transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	cmd, err := t.loadForOperator(ctx, tx, dom, commandID)
	if err != nil {
		return err
	}

	payload, err := t.queue.ArchivedPayload(ctx, tx, queueName(dom), cmd.MsgID)
	if errors.Is(err, pgqueue.ErrArchivedPayloadNotFound) {
		return fmt.Errorf("%w: archived payload missing for msg_id %d", ErrInvalidOperation, cmd.MsgID)
	}
	if err != nil {
		return err
	}

	msgID, err := t.queue.Enqueue(ctx, tx, queueName(dom), payload, 0)
	if err != nil {
		return err
	}

	if err := t.commands.ResetForRetry(ctx, tx, dom, commandID, msgID); err != nil {
		return err
	}

	if cmd.BatchID != nil {
		if err := t.batches.OnTSQRetry(ctx, tx, dom, *cmd.BatchID); err != nil {
			return err
		}
	}

	details, _ := json.Marshal(map[string]any{"operator": operator, "new_msg_id": msgID})
	if err := t.audit.Log(ctx, tx, dom, commandID, domain.EventOperatorRetry, details); err != nil {
		return err
	}

	if err := t.queue.Notify(ctx, tx, queueName(dom)); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit operator-retry transaction: %w", err)
	}

	t.logger.Info("operator retried command", "domain", dom, "command_id", commandID, "msg_id", msgID)
	return nil
}

// OperatorCancel permanently abandons a troubleshooting-queue command,
// transitioning it to CANCELED and, if it carries a reply_to, notifying the
// waiting caller.
func (t *TSQ) OperatorCancel(ctx context.Context, dom string, commandID uuid.UUID, reason, operator string) error {
	return t.resolve(ctx, dom, commandID, domain.CommandCanceled, domain.EventOperatorCancel,
		domain.ReplyOutcomeCanceled, reason, operator, func(tx pgx.Tx, batchID uuid.UUID) (bool, error) {
			return t.batches.OnTSQCancel(ctx, tx, dom, batchID)
		})
}

// OperatorComplete marks a troubleshooting-queue command as resolved
// out-of-band, transitioning it to COMPLETED and, if it carries a reply_to,
// notifying the waiting caller.
func (t *TSQ) OperatorComplete(ctx context.Context, dom string, commandID uuid.UUID, result json.RawMessage, operator string) error {
	return t.resolve(ctx, dom, commandID, domain.CommandCompleted, domain.EventOperatorComplete,
		domain.ReplyOutcomeSuccess, "", operator, func(tx pgx.Tx, batchID uuid.UUID) (bool, error) {
			return t.batches.OnTSQComplete(ctx, tx, dom, batchID)
		}, result)
}

func (t *TSQ) resolve(
	ctx context.Context, dom string, commandID uuid.UUID,
	terminalStatus domain.CommandStatus, eventType domain.AuditEventType,
	outcome domain.ReplyOutcome, reason, operator string,
	onBatch func(tx pgx.Tx, batchID uuid.UUID) (bool, error),
	result ...json.RawMessage,
) error {
	tx, err := t.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin operator-resolve transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	cmd, err := t.loadForOperator(ctx, tx, dom, commandID)
	if err != nil {
		return err
	}

	var resultPayload json.RawMessage
	if len(result) > 0 {
		resultPayload = result[0]
	}

	details, _ := json.Marshal(map[string]any{"operator": operator, "reason": reason})
	if _, err := t.commands.Finish(ctx, tx, repo.FinishParams{
		Domain:         dom,
		CommandID:      commandID,
		TerminalStatus: terminalStatus,
		EventType:      eventType,
		Details:        details,
	}); err != nil {
		return err
	}

	var batchTerminal bool
	if cmd.BatchID != nil {
		batchTerminal, err = onBatch(tx, *cmd.BatchID)
		if err != nil {
			return err
		}
	}

	if cmd.ReplyTo != "" {
		reply := domain.ReplyEnvelope{
			CommandID:     commandID,
			CorrelationID: cmd.CorrelationID,
			Outcome:       outcome,
			Result:        resultPayload,
			Reason:        reason,
		}
		payload, err := json.Marshal(reply)
		if err != nil {
			return fmt.Errorf("marshal reply envelope: %w", err)
		}
		if err := t.queue.Create(ctx, tx, cmd.ReplyTo); err != nil {
			return err
		}
		if _, err := t.queue.Enqueue(ctx, tx, cmd.ReplyTo, payload, 0); err != nil {
			return err
		}
		if err := t.queue.Notify(ctx, tx, cmd.ReplyTo); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit operator-resolve transaction: %w", err)
	}

	t.logger.Info("operator resolved command", "domain", dom, "command_id", commandID,
		"terminal_status", terminalStatus, "event", eventType)

	if batchTerminal && cmd.BatchID != nil {
		t.notifyBatchTerminal(ctx, dom, *cmd.BatchID)
	}
	return nil
}

// notifyBatchTerminal runs after an operator resolution commits and made its
// batch terminal, enqueuing the batch's on_complete_reply_to reply if one was
// configured. Mirrors worker.Worker.notifyBatchTerminal for the operator-driven
// resolution paths (operator_cancel, operator_complete).
func (t *TSQ) notifyBatchTerminal(ctx context.Context, dom string, batchID uuid.UUID) {
	batch, err := t.batches.Get(ctx, t.pool, dom, batchID)
	if err != nil {
		t.logger.Error("load terminal batch failed", "batch_id", batchID, "error", err)
		return
	}
	if batch.OnCompleteReplyTo == "" {
		return
	}

	outcome := domain.ReplyOutcomeSuccess
	if batch.Status == domain.BatchCompletedWithFailures {
		outcome = domain.ReplyOutcomeFailed
	}
	result, _ := json.Marshal(map[string]any{
		"batch_id": batchID, "status": batch.Status,
		"completed_count": batch.CompletedCount, "canceled_count": batch.CanceledCount,
		"total_count": batch.TotalCount,
	})
	reply := domain.ReplyEnvelope{Outcome: outcome, Result: result}
	payload, err := json.Marshal(reply)
	if err != nil {
		t.logger.Error("marshal batch reply failed", "batch_id", batchID, "error", err)
		return
	}

	if err := t.queue.Create(ctx, nil, batch.OnCompleteReplyTo); err != nil {
		t.logger.Error("create batch reply queue failed", "error", err)
		return
	}
	if _, err := t.queue.Enqueue(ctx, nil, batch.OnCompleteReplyTo, payload, 0); err != nil {
		t.logger.Error("enqueue batch reply failed", "error", err)
		return
	}
	if err := t.queue.Notify(ctx, nil, batch.OnCompleteReplyTo); err != nil {
		t.logger.Error("notify batch reply queue failed", "error", err)
	}
}
