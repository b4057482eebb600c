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

// CommandRepo persists domain.Command rows and drives their lifecycle
// transitions through the fused stored procedures in migration 00002.
type CommandRepo struct{}

// NewCommandRepo returns a stateless CommandRepo. Every method takes its own
// pgqueue.Querier so the repo never holds a connection or pool itself.
func NewCommandRepo() *CommandRepo {
	return &CommandRepo{}
}

// Exists reports whether a command with this identity has already been
// submitted, used to make CommandBus.Send idempotent.
func (r *CommandRepo) Exists(ctx context.Context, q pgqueue.Querier, dom string, commandID uuid.UUID) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM command_bus_command WHERE domain = $1 AND command_id = $2)
	`, dom, commandID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check command exists: %w", err)
	}
	return exists, nil
}

// Save inserts a new command row in PENDING status.
func (r *CommandRepo) Save(ctx context.Context, q pgqueue.Querier, c *domain.Command) error {
	_, err := q.Exec(ctx, `
		INSERT INTO command_bus_command
			(domain, command_id, queue_name, command_type, status, attempts, max_attempts,
			 correlation_id, reply_to, batch_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		c.Domain, c.CommandID, c.Domain+"__commands", c.CommandType, c.Status, c.Attempts, c.MaxAttempts,
		c.CorrelationID, nullString(c.ReplyTo), c.BatchID, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save command: %w", err)
	}
	return nil
}

// ExistsBatch reports, in one round trip, which of commandIDs already exist
// in dom — the batched counterpart to Exists used by CommandBus.sendChunk
// and CommandBus.CreateBatch to avoid one existence check per command.
func (r *CommandRepo) ExistsBatch(ctx context.Context, q pgqueue.Querier, dom string, commandIDs []uuid.UUID) (map[uuid.UUID]bool, error) {
	if len(commandIDs) == 0 {
		return map[uuid.UUID]bool{}, nil
	}

	rows, err := q.Query(ctx, `
		SELECT command_id FROM command_bus_command
		WHERE domain = $1 AND command_id IN (SELECT unnest($2::uuid[]))
	`, dom, commandIDs)
	if err != nil {
		return nil, fmt.Errorf("check batch command existence: %w", err)
	}
	defer rows.Close()

	existing := make(map[uuid.UUID]bool, len(commandIDs))
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan existing command id: %w", err)
		}
		existing[id] = true
	}
	return existing, rows.Err()
}

// SaveBatch inserts many new command rows in one multi-row statement,
// mirroring pgqueue.Queue.EnqueueBatch's unnest-based insert so a chunked
// send writes its command metadata in a single round trip instead of one
// INSERT per command.
func (r *CommandRepo) SaveBatch(ctx context.Context, q pgqueue.Querier, commands []*domain.Command) error {
	if len(commands) == 0 {
		return nil
	}

	n := len(commands)
	domains := make([]string, n)
	commandIDs := make([]uuid.UUID, n)
	queueNames := make([]string, n)
	commandTypes := make([]string, n)
	statuses := make([]string, n)
	attempts := make([]int, n)
	maxAttempts := make([]int, n)
	correlationIDs := make([]uuid.UUID, n)
	replyTos := make([]*string, n)
	batchIDs := make([]*uuid.UUID, n)
	createdAts := make([]time.Time, n)
	updatedAts := make([]time.Time, n)

	for i, c := range commands {
		domains[i] = c.Domain
		commandIDs[i] = c.CommandID
		queueNames[i] = c.Domain + "__commands"
		commandTypes[i] = c.CommandType
		statuses[i] = string(c.Status)
		attempts[i] = c.Attempts
		maxAttempts[i] = c.MaxAttempts
		correlationIDs[i] = c.CorrelationID
		replyTos[i] = nullString(c.ReplyTo)
		batchIDs[i] = c.BatchID
		createdAts[i] = c.CreatedAt
		updatedAts[i] = c.UpdatedAt
	}

	_, err := q.Exec(ctx, `
		INSERT INTO command_bus_command
			(domain, command_id, queue_name, command_type, status, attempts, max_attempts,
			 correlation_id, reply_to, batch_id, created_at, updated_at)
		SELECT * FROM unnest(
			$1::text[], $2::uuid[], $3::text[], $4::text[], $5::text[], $6::int[], $7::int[],
			$8::uuid[], $9::text[], $10::uuid[], $11::timestamptz[], $12::timestamptz[]
		)
	`,
		domains, commandIDs, queueNames, commandTypes, statuses, attempts, maxAttempts,
		correlationIDs, replyTos, batchIDs, createdAts, updatedAts,
	)
	if err != nil {
		return fmt.Errorf("save command batch: %w", err)
	}
	return nil
}

// Get fetches one command by its identity.
func (r *CommandRepo) Get(ctx context.Context, q pgqueue.Querier, dom string, commandID uuid.UUID) (*domain.Command, error) {
	row := q.QueryRow(ctx, `
		SELECT domain, command_id, command_type, status, attempts, max_attempts, msg_id,
		       correlation_id, reply_to, last_error_kind, last_error_code, last_error_msg,
		       batch_id, created_at, updated_at
		FROM command_bus_command
		WHERE domain = $1 AND command_id = $2
	`, dom, commandID)
	return scanCommand(row)
}

// QueryFilter narrows CommandRepo.Query to a subset of commands, every
// field optional.
type QueryFilter struct {
	Status      domain.CommandStatus
	CommandType string
	BatchID     *uuid.UUID
	Limit       int
	Offset      int
}

// Query lists commands for a domain matching f, newest first.
func (r *CommandRepo) Query(ctx context.Context, q pgqueue.Querier, dom string, f QueryFilter) ([]domain.Command, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	rows, err := q.Query(ctx, `
		SELECT domain, command_id, command_type, status, attempts, max_attempts, msg_id,
		       correlation_id, reply_to, last_error_kind, last_error_code, last_error_msg,
		       batch_id, created_at, updated_at
		FROM command_bus_command
		WHERE domain = $1
		  AND ($2 = '' OR status = $2)
		  AND ($3 = '' OR command_type = $3)
		  AND ($4::uuid IS NULL OR batch_id = $4)
		ORDER BY created_at DESC
		LIMIT $5 OFFSET $6
	`, dom, string(f.Status), f.CommandType, f.BatchID, limit, f.Offset)
	if err != nil {
		return nil, fmt.Errorf("query commands: %w", err)
	}
	defer rows.Close()

	var out []domain.Command
	for rows.Next() {
		c, err := scanCommandRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// ReceiveResult is the row sp_receive_command returns on a successful,
// non-idempotent transition.
type ReceiveResult struct {
	CommandType   string
	Status        domain.CommandStatus
	Attempts      int
	MaxAttempts   int
	CorrelationID uuid.UUID
	ReplyTo       string
	BatchID       *uuid.UUID
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ErrAlreadyTerminal is returned by Receive when the command is already
// COMPLETED/FAILED/CANCELED, signaling the caller to archive the redelivered
// message as a harmless no-op.
var ErrAlreadyTerminal = errors.New("repo: command already terminal")

// Receive atomically transitions a command to targetStatus and bumps its
// attempt counter, returning ErrAlreadyTerminal if a prior delivery already
// finished it. newMaxAttempts nil leaves max_attempts unchanged, which is
// how the worker calls it on every receive; a non-nil value overwrites it.
func (r *CommandRepo) Receive(ctx context.Context, q pgqueue.Querier, dom string, commandID uuid.UUID, targetStatus domain.CommandStatus, msgID int64, newMaxAttempts *int) (*ReceiveResult, error) {
	row := q.QueryRow(ctx, `
		SELECT command_type, status, attempts, max_attempts, correlation_id, reply_to, batch_id, created_at, updated_at
		FROM sp_receive_command($1, $2, $3, $4, $5)
	`, dom, commandID, string(targetStatus), msgID, newMaxAttempts)

	var res ReceiveResult
	var replyTo *string
	err := row.Scan(&res.CommandType, &res.Status, &res.Attempts, &res.MaxAttempts,
		&res.CorrelationID, &replyTo, &res.BatchID, &res.CreatedAt, &res.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAlreadyTerminal
	}
	if err != nil {
		return nil, fmt.Errorf("receive command: %w", err)
	}
	if replyTo != nil {
		res.ReplyTo = *replyTo
	}
	return &res, nil
}

// FinishParams carries every field sp_finish_command needs to close out a
// command in one round trip.
type FinishParams struct {
	Domain         string
	CommandID      uuid.UUID
	TerminalStatus domain.CommandStatus
	EventType      domain.AuditEventType
	Error          *domain.LastError
	Details        json.RawMessage
	BatchID        *uuid.UUID
}

// Finish writes the terminal command row, its audit event, and (when
// BatchID is set) the matching batch counter transition, returning whether
// the batch itself became terminal.
func (r *CommandRepo) Finish(ctx context.Context, q pgqueue.Querier, p FinishParams) (bool, error) {
	var kind, code, msg *string
	if p.Error != nil {
		kind = strPtr(string(p.Error.Kind))
		code = strPtr(p.Error.Code)
		msg = strPtr(p.Error.Message)
	}

	var batchTerminal bool
	err := q.QueryRow(ctx, `
		SELECT sp_finish_command($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, p.Domain, p.CommandID, string(p.TerminalStatus), string(p.EventType), kind, code, msg, p.Details, p.BatchID).
		Scan(&batchTerminal)
	if err != nil {
		return false, fmt.Errorf("finish command: %w", err)
	}
	return batchTerminal, nil
}

// FailParams carries the transient-failure fields sp_fail_command stamps
// without moving the command out of IN_PROGRESS.
type FailParams struct {
	Domain    string
	CommandID uuid.UUID
	Error     domain.LastError
	MsgID     int64
}

// Fail records a transient failure in place, leaving the command eligible
// for redelivery once the queue's visibility timeout elapses.
func (r *CommandRepo) Fail(ctx context.Context, q pgqueue.Querier, p FailParams) error {
	var updated bool
	err := q.QueryRow(ctx, `
		SELECT sp_fail_command($1, $2, $3, $4, $5, $6)
	`, p.Domain, p.CommandID, string(p.Error.Kind), p.Error.Code, p.Error.Message, p.MsgID).Scan(&updated)
	if err != nil {
		return fmt.Errorf("fail command: %w", err)
	}
	if !updated {
		return ErrNotFound
	}
	return nil
}

// UpdateMsgID records the queue message id currently carrying this command.
// Nothing in this module calls it; the worker's Receive call stamps msg_id
// itself.
func (r *CommandRepo) UpdateMsgID(ctx context.Context, q pgqueue.Querier, dom string, commandID uuid.UUID, msgID int64) error {
	tag, err := q.Exec(ctx, `
		UPDATE command_bus_command SET msg_id = $3, updated_at = now() WHERE domain = $1 AND command_id = $2
	`, dom, commandID, msgID)
	if err != nil {
		return fmt.Errorf("update command msg_id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetForRetry releases a command from IN_TROUBLESHOOTING_QUEUE back to
// PENDING against a freshly enqueued message, clearing attempts and the
// last recorded error. It does not check the command's current status; the
// caller is expected to have already verified it under the same
// transaction.
func (r *CommandRepo) ResetForRetry(ctx context.Context, q pgqueue.Querier, dom string, commandID uuid.UUID, msgID int64) error {
	tag, err := q.Exec(ctx, `
		UPDATE command_bus_command
		SET status = $3, attempts = 0, msg_id = $4,
		    last_error_kind = NULL, last_error_code = NULL, last_error_msg = NULL,
		    updated_at = now()
		WHERE domain = $1 AND command_id = $2
	`, dom, commandID, domain.CommandPending, msgID)
	if err != nil {
		return fmt.Errorf("reset command for retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanCommand(row pgx.Row) (*domain.Command, error) {
	var c domain.Command
	var msgID *int64
	var replyTo, errKind, errCode, errMsg *string
	var batchID *uuid.UUID

	err := row.Scan(&c.Domain, &c.CommandID, &c.CommandType, &c.Status, &c.Attempts, &c.MaxAttempts, &msgID,
		&c.CorrelationID, &replyTo, &errKind, &errCode, &errMsg, &batchID, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan command: %w", err)
	}
	fillCommand(&c, msgID, replyTo, errKind, errCode, errMsg, batchID)
	return &c, nil
}

func scanCommandRow(rows pgx.Rows) (*domain.Command, error) {
	var c domain.Command
	var msgID *int64
	var replyTo, errKind, errCode, errMsg *string
	var batchID *uuid.UUID

	err := rows.Scan(&c.Domain, &c.CommandID, &c.CommandType, &c.Status, &c.Attempts, &c.MaxAttempts, &msgID,
		&c.CorrelationID, &replyTo, &errKind, &errCode, &errMsg, &batchID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan command: %w", err)
	}
	fillCommand(&c, msgID, replyTo, errKind, errCode, errMsg, batchID)
	return &c, nil
}

func fillCommand(c *domain.Command, msgID *int64, replyTo, errKind, errCode, errMsg *string, batchID *uuid.UUID) {
	if msgID != nil {
		c.MsgID = *msgID
	}
	if replyTo != nil {
		c.ReplyTo = *replyTo
	}
	if errKind != nil {
		c.LastError = &domain.LastError{
			Kind:    domain.ErrorKind(*errKind),
			Code:    deref(errCode),
			Message: deref(errMsg),
		}
	}
	c.BatchID = batchID
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func strPtr(s string) *string { return &s }

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
