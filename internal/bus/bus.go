package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relaybus/cmdbus/internal/domain"
	"github.com/relaybus/cmdbus/internal/pgqueue"
	"github.com/relaybus/cmdbus/internal/repo"
)

// DefaultBatchChunkSize bounds how many commands SendBatch writes per
// transaction, keeping each chunk within one reasonably sized write.
// CreateBatch is not chunked: it writes the whole batch in one transaction.
const DefaultBatchChunkSize = 1000

// SendOptions customizes one Send call; the zero value auto-generates a
// correlation id and uses the bus's default max attempts.
type SendOptions struct {
	CorrelationID uuid.UUID
	ReplyTo       string
	MaxAttempts   int

	// BatchID attaches the command to a batch created by CreateBatch. Send
	// verifies the batch exists before enqueueing, failing with
	// ErrBatchNotFound otherwise.
	BatchID *uuid.UUID
}

// SendResult is returned by Send and holds the identifiers a caller needs
// to track a submitted command.
type SendResult struct {
	CommandID uuid.UUID
	MsgID     int64
}

// CommandBus is the main entry point for submitting commands and inspecting
// their lifecycle. It holds no per-request state: every
// method opens and commits its own transaction against the shared pool.
type CommandBus struct {
	pool               *pgxpool.Pool
	queue              *pgqueue.Queue
	commands           *repo.CommandRepo
	batches            *repo.BatchRepo
	audit              *repo.AuditRepo
	defaultMaxAttempts int
	logger             *slog.Logger
}

// New builds a CommandBus over pool. defaultMaxAttempts is used whenever a
// caller does not set SendOptions.MaxAttempts.
func New(pool *pgxpool.Pool, defaultMaxAttempts int, logger *slog.Logger) *CommandBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandBus{
		pool:               pool,
		queue:              pgqueue.New(pool),
		commands:           repo.NewCommandRepo(),
		batches:            repo.NewBatchRepo(),
		audit:              repo.NewAuditRepo(),
		defaultMaxAttempts: defaultMaxAttempts,
		logger:             logger,
	}
}

func queueName(dom string) string { return dom + "__commands" }

// EnsureQueue idempotently creates the live/archive tables backing a
// domain's command queue. Callers typically call this once per domain at
// startup, mirroring migrate.Up for schema.
func (b *CommandBus) EnsureQueue(ctx context.Context, dom string) error {
	return b.queue.Create(ctx, nil, queueName(dom))
}

// Send submits one command to a domain queue and its metadata atomically.
// A command_id already present in the domain makes this a no-op that
// returns ErrDuplicateCommand, giving callers safe at-least-once retry
// semantics on their own submission path.
func (b *CommandBus) Send(ctx context.Context, dom, commandType string, commandID uuid.UUID, data json.RawMessage, opts SendOptions) (*SendResult, error) {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin send transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	exists, err := b.commands.Exists(ctx, tx, dom, commandID)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrDuplicateCommand
	}

	if opts.BatchID != nil {
		batchExists, err := b.batches.Exists(ctx, tx, dom, *opts.BatchID)
		if err != nil {
			return nil, err
		}
		if !batchExists {
			return nil, ErrBatchNotFound
		}
	}

	correlationID := opts.CorrelationID
	if correlationID == uuid.Nil {
		correlationID = uuid.New()
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = b.defaultMaxAttempts
	}

	envelope := domain.Envelope{
		Domain:        dom,
		CommandType:   commandType,
		CommandID:     commandID,
		CorrelationID: correlationID,
		Data:          data,
		ReplyTo:       opts.ReplyTo,
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	msgID, err := b.queue.Enqueue(ctx, tx, queueName(dom), payload, 0)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	cmd := &domain.Command{
		Domain:        dom,
		CommandID:     commandID,
		CommandType:   commandType,
		Status:        domain.CommandPending,
		MaxAttempts:   maxAttempts,
		MsgID:         msgID,
		CorrelationID: correlationID,
		ReplyTo:       opts.ReplyTo,
		BatchID:       opts.BatchID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := b.commands.Save(ctx, tx, cmd); err != nil {
		return nil, err
	}

	details, _ := json.Marshal(map[string]any{
		"command_type":   commandType,
		"correlation_id": correlationID,
		"reply_to":       opts.ReplyTo,
		"msg_id":         msgID,
	})
	if err := b.audit.Log(ctx, tx, dom, commandID, domain.EventSent, details); err != nil {
		return nil, err
	}

	if err := b.queue.Notify(ctx, tx, queueName(dom)); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit send transaction: %w", err)
	}

	b.logger.Info("sent command", "domain", dom, "command_type", commandType,
		"command_id", commandID, "msg_id", msgID)
	return &SendResult{CommandID: commandID, MsgID: msgID}, nil
}

// SendRequest is one member of a SendBatch call.
type SendRequest struct {
	Domain        string
	CommandType   string
	CommandID     uuid.UUID
	Data          json.RawMessage
	CorrelationID uuid.UUID
	ReplyTo       string
	MaxAttempts   int
}

// SendBatch submits many commands across one or more chunked transactions,
// notifying each domain's queue once per chunk. A duplicate command_id
// anywhere in a chunk aborts that chunk's transaction.
func (b *CommandBus) SendBatch(ctx context.Context, requests []SendRequest) ([]SendResult, error) {
	if len(requests) == 0 {
		return nil, nil
	}

	var results []SendResult
	for start := 0; start < len(requests); start += DefaultBatchChunkSize {
		end := min(start+DefaultBatchChunkSize, len(requests))
		chunkResults, err := b.sendChunk(ctx, requests[start:end])
		if err != nil {
			return nil, err
		}
		results = append(results, chunkResults...)
	}
	return results, nil
}

func (b *CommandBus) sendChunk(ctx context.Context, requests []SendRequest) ([]SendResult, error) {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin send-batch transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	byDomain := make(map[string][]SendRequest)
	for _, r := range requests {
		byDomain[r.Domain] = append(byDomain[r.Domain], r)
	}

	var results []SendResult
	for dom, reqs := range byDomain {
		commandIDs := make([]uuid.UUID, len(reqs))
		for i, r := range reqs {
			commandIDs[i] = r.CommandID
		}
		existing, err := b.commands.ExistsBatch(ctx, tx, dom, commandIDs)
		if err != nil {
			return nil, err
		}
		for _, r := range reqs {
			if existing[r.CommandID] {
				return nil, fmt.Errorf("%w: %s/%s", ErrDuplicateCommand, dom, r.CommandID)
			}
		}

		payloads := make([]json.RawMessage, len(reqs))
		for i, r := range reqs {
			correlationID := r.CorrelationID
			if correlationID == uuid.Nil {
				correlationID = uuid.New()
			}
			envelope := domain.Envelope{
				Domain: dom, CommandType: r.CommandType, CommandID: r.CommandID,
				CorrelationID: correlationID, Data: r.Data, ReplyTo: r.ReplyTo,
			}
			p, err := json.Marshal(envelope)
			if err != nil {
				return nil, fmt.Errorf("marshal envelope: %w", err)
			}
			payloads[i] = p
		}

		msgIDs, err := b.queue.EnqueueBatch(ctx, tx, queueName(dom), payloads)
		if err != nil {
			return nil, err
		}

		now := time.Now()
		cmds := make([]*domain.Command, len(reqs))
		auditDetails := make([]json.RawMessage, len(reqs))
		for i, r := range reqs {
			correlationID := r.CorrelationID
			if correlationID == uuid.Nil {
				correlationID = uuid.New()
			}
			maxAttempts := r.MaxAttempts
			if maxAttempts <= 0 {
				maxAttempts = b.defaultMaxAttempts
			}
			cmds[i] = &domain.Command{
				Domain: dom, CommandID: r.CommandID, CommandType: r.CommandType,
				Status: domain.CommandPending, MaxAttempts: maxAttempts, MsgID: msgIDs[i],
				CorrelationID: correlationID, ReplyTo: r.ReplyTo, CreatedAt: now, UpdatedAt: now,
			}

			details, _ := json.Marshal(map[string]any{
				"command_type": r.CommandType, "correlation_id": correlationID,
				"reply_to": r.ReplyTo, "msg_id": msgIDs[i],
			})
			auditDetails[i] = details

			results = append(results, SendResult{CommandID: r.CommandID, MsgID: msgIDs[i]})
		}
		if err := b.commands.SaveBatch(ctx, tx, cmds); err != nil {
			return nil, err
		}
		if err := b.audit.LogBatch(ctx, tx, dom, commandIDs, domain.EventSent, auditDetails); err != nil {
			return nil, err
		}

		if err := b.queue.Notify(ctx, tx, queueName(dom)); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit send-batch transaction: %w", err)
	}
	return results, nil
}

// CreateBatch submits every member command as an atomic unit and records a
// batch row with total_count pre-set, so the aggregate can track completion
// as members finish.
func (b *CommandBus) CreateBatch(ctx context.Context, dom, name string, customData json.RawMessage, members []domain.BatchCommand, onCompleteReplyTo string) (*domain.Batch, error) {
	if len(members) == 0 {
		return nil, ErrEmptyBatch
	}

	batchID := uuid.New()
	requests := make([]SendRequest, len(members))
	for i, m := range members {
		maxAttempts := m.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = b.defaultMaxAttempts
		}
		requests[i] = SendRequest{
			Domain: dom, CommandType: m.CommandType, CommandID: m.CommandID,
			Data: m.Data, CorrelationID: uuid.New(), MaxAttempts: maxAttempts,
		}
	}

	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin create-batch transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now()
	batch := &domain.Batch{
		Domain: dom, BatchID: batchID, Name: name, CustomData: customData,
		Status: domain.BatchPending, TotalCount: len(members),
		OnCompleteReplyTo: onCompleteReplyTo, CreatedAt: now,
	}
	if err := b.batches.Save(ctx, tx, batch); err != nil {
		return nil, err
	}

	commandIDs := make([]uuid.UUID, len(requests))
	for i, r := range requests {
		commandIDs[i] = r.CommandID
	}
	existing, err := b.commands.ExistsBatch(ctx, tx, dom, commandIDs)
	if err != nil {
		return nil, err
	}
	for _, r := range requests {
		if existing[r.CommandID] {
			return nil, fmt.Errorf("%w: %s/%s", ErrDuplicateCommand, dom, r.CommandID)
		}
	}

	payloads := make([]json.RawMessage, len(requests))
	for i, r := range requests {
		envelope := domain.Envelope{
			Domain: dom, CommandType: r.CommandType, CommandID: r.CommandID,
			CorrelationID: r.CorrelationID, Data: r.Data,
		}
		p, err := json.Marshal(envelope)
		if err != nil {
			return nil, fmt.Errorf("marshal envelope: %w", err)
		}
		payloads[i] = p
	}

	msgIDs, err := b.queue.EnqueueBatch(ctx, tx, queueName(dom), payloads)
	if err != nil {
		return nil, err
	}

	cmds := make([]*domain.Command, len(requests))
	auditDetails := make([]json.RawMessage, len(requests))
	for i, r := range requests {
		cmds[i] = &domain.Command{
			Domain: dom, CommandID: r.CommandID, CommandType: r.CommandType,
			Status: domain.CommandPending, MaxAttempts: r.MaxAttempts, MsgID: msgIDs[i],
			CorrelationID: r.CorrelationID, BatchID: &batchID, CreatedAt: now, UpdatedAt: now,
		}
		details, _ := json.Marshal(map[string]any{
			"command_type": r.CommandType, "correlation_id": r.CorrelationID,
			"batch_id": batchID, "msg_id": msgIDs[i],
		})
		auditDetails[i] = details
	}
	if err := b.commands.SaveBatch(ctx, tx, cmds); err != nil {
		return nil, err
	}
	if err := b.audit.LogBatch(ctx, tx, dom, commandIDs, domain.EventSent, auditDetails); err != nil {
		return nil, err
	}

	if err := b.queue.Notify(ctx, tx, queueName(dom)); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit create-batch transaction: %w", err)
	}

	b.logger.Info("created batch", "domain", dom, "batch_id", batchID, "total_count", len(members))
	return batch, nil
}

// GetCommand fetches one command's current metadata.
func (b *CommandBus) GetCommand(ctx context.Context, dom string, commandID uuid.UUID) (*domain.Command, error) {
	return b.commands.Get(ctx, b.pool, dom, commandID)
}

// CommandExists reports whether command_id has already been submitted in a
// domain.
func (b *CommandBus) CommandExists(ctx context.Context, dom string, commandID uuid.UUID) (bool, error) {
	return b.commands.Exists(ctx, b.pool, dom, commandID)
}

// GetAuditTrail returns the full lifecycle trail for one command, oldest
// event first.
func (b *CommandBus) GetAuditTrail(ctx context.Context, dom string, commandID uuid.UUID) ([]domain.AuditEvent, error) {
	return b.audit.GetTrail(ctx, b.pool, dom, commandID)
}

// QueryCommands lists commands in a domain matching f.
func (b *CommandBus) QueryCommands(ctx context.Context, dom string, f repo.QueryFilter) ([]domain.Command, error) {
	return b.commands.Query(ctx, b.pool, dom, f)
}

// GetBatch fetches one batch's current aggregate state.
func (b *CommandBus) GetBatch(ctx context.Context, dom string, batchID uuid.UUID) (*domain.Batch, error) {
	batch, err := b.batches.Get(ctx, b.pool, dom, batchID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	return batch, err
}

// ListBatches lists batches in a domain, optionally filtered by status.
func (b *CommandBus) ListBatches(ctx context.Context, dom string, status domain.BatchStatus, limit, offset int) ([]domain.Batch, error) {
	return b.batches.List(ctx, b.pool, dom, status, limit, offset)
}
