package pgqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier is satisfied by both *pgxpool.Pool and pgx.Tx, letting every
// method below run either standalone or joined into a caller-managed
// transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var queueNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]{0,59}$`)

// ErrInvalidQueueName is returned when a queue name cannot be used to derive
// table/channel identifiers safely.
var ErrInvalidQueueName = errors.New("pgqueue: invalid queue name")

// ErrEmptyBatch is returned by EnqueueBatch when called with no messages.
var ErrEmptyBatch = errors.New("pgqueue: empty batch")

// Message is one entry returned by Read/ReadWithPoll.
type Message struct {
	MsgID      int64
	Payload    json.RawMessage
	ReadCount  int
	EnqueuedAt time.Time
	VT         time.Time
}

// Queue is a thin wrapper over a pair of Postgres tables per named queue
// (a pgmq-style "message queue extension" surface): a live table holding
// pending/in-flight messages and an archive table for delivered or
// discarded ones.
type Queue struct {
	pool *pgxpool.Pool
}

// New creates a Queue bound to pool. LISTEN subscriptions are not opened
// here; NewListener takes its own pool for that.
func New(pool *pgxpool.Pool) *Queue {
	return &Queue{pool: pool}
}

func validateName(name string) error {
	if !queueNameRe.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidQueueName, name)
	}
	return nil
}

func liveTable(name string) string    { return "q_" + name }
func archiveTable(name string) string { return "a_" + name }

func (q *Queue) querier(tx Querier) Querier {
	if tx != nil {
		return tx
	}
	return q.pool
}

// Create idempotently creates the live and archive tables for queueName.
func (q *Queue) Create(ctx context.Context, tx Querier, queueName string) error {
	if err := validateName(queueName); err != nil {
		return err
	}
	db := q.querier(tx)

	live := liveTable(queueName)
	archive := archiveTable(queueName)

	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			msg_id      BIGSERIAL PRIMARY KEY,
			read_ct     INT NOT NULL DEFAULT 0,
			enqueued_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			vt          TIMESTAMPTZ NOT NULL DEFAULT now(),
			message     JSONB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS %s ON %s (vt);

		CREATE TABLE IF NOT EXISTS %s (
			msg_id       BIGINT PRIMARY KEY,
			read_ct      INT NOT NULL,
			enqueued_at  TIMESTAMPTZ NOT NULL,
			archived_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			message      JSONB NOT NULL
		);
	`, live, "idx_"+live+"_vt", live, archive)

	if _, err := db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create queue %q: %w", queueName, err)
	}
	return nil
}

// Enqueue inserts one message, optionally delayed by delaySeconds before it
// becomes visible, and returns its msg_id.
func (q *Queue) Enqueue(ctx context.Context, tx Querier, queueName string, payload json.RawMessage, delaySeconds int) (int64, error) {
	if err := validateName(queueName); err != nil {
		return 0, err
	}
	db := q.querier(tx)

	query := fmt.Sprintf(`
		INSERT INTO %s (vt, message)
		VALUES (now() + ($1 || ' seconds')::interval, $2)
		RETURNING msg_id
	`, liveTable(queueName))

	var msgID int64
	if err := db.QueryRow(ctx, query, delaySeconds, payload).Scan(&msgID); err != nil {
		return 0, fmt.Errorf("enqueue to %q: %w", queueName, err)
	}
	return msgID, nil
}

// EnqueueBatch inserts all payloads in one round trip, preserving order
// between payloads and the returned msg_ids.
func (q *Queue) EnqueueBatch(ctx context.Context, tx Querier, queueName string, payloads []json.RawMessage) ([]int64, error) {
	if err := validateName(queueName); err != nil {
		return nil, err
	}
	if len(payloads) == 0 {
		return nil, ErrEmptyBatch
	}
	db := q.querier(tx)

	query := fmt.Sprintf(`
		INSERT INTO %s (message)
		SELECT * FROM unnest($1::jsonb[])
		RETURNING msg_id
	`, liveTable(queueName))

	rows, err := db.Query(ctx, query, payloads)
	if err != nil {
		return nil, fmt.Errorf("enqueue batch to %q: %w", queueName, err)
	}
	defer rows.Close()

	ids := make([]int64, 0, len(payloads))
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan batch msg_id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

// Notify emits an asynchronous wake-up on the channel named after
// queueName, intended to be called within the same transaction as the
// writes the notification announces so LISTEN-ers only wake on commit.
func (q *Queue) Notify(ctx context.Context, tx Querier, queueName string) error {
	if err := validateName(queueName); err != nil {
		return err
	}
	db := q.querier(tx)
	if _, err := db.Exec(ctx, fmt.Sprintf("NOTIFY %s", queueName)); err != nil {
		return fmt.Errorf("notify %q: %w", queueName, err)
	}
	return nil
}

// Read reads up to batchSize messages, making them invisible to other
// readers for visibilityTimeout. read_ct is incremented for every message
// returned.
func (q *Queue) Read(ctx context.Context, tx Querier, queueName string, visibilityTimeout time.Duration, batchSize int) ([]Message, error) {
	if err := validateName(queueName); err != nil {
		return nil, err
	}
	db := q.querier(tx)
	live := liveTable(queueName)

	query := fmt.Sprintf(`
		WITH next AS (
			SELECT msg_id
			FROM %s
			WHERE vt <= now()
			ORDER BY msg_id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE %s q
		SET vt = now() + ($2 || ' seconds')::interval,
		    read_ct = q.read_ct + 1
		FROM next
		WHERE q.msg_id = next.msg_id
		RETURNING q.msg_id, q.message, q.read_ct, q.enqueued_at, q.vt
	`, live, live)

	rows, err := db.Query(ctx, query, batchSize, int(visibilityTimeout.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("read from %q: %w", queueName, err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.MsgID, &m.Payload, &m.ReadCount, &m.EnqueuedAt, &m.VT); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// ReadWithPoll repeatedly reads until a non-empty batch is returned or
// maxWait elapses, sleeping pollInterval between attempts.
func (q *Queue) ReadWithPoll(ctx context.Context, tx Querier, queueName string, visibilityTimeout time.Duration, batchSize int, pollInterval, maxWait time.Duration) ([]Message, error) {
	deadline := time.Now().Add(maxWait)
	for {
		msgs, err := q.Read(ctx, tx, queueName, visibilityTimeout, batchSize)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 || time.Now().After(deadline) {
			return msgs, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Delete permanently removes a message (success path). Returns false if no
// row matched, which the caller should treat as a harmless race with a
// concurrent archive/delete.
func (q *Queue) Delete(ctx context.Context, tx Querier, queueName string, msgID int64) (bool, error) {
	if err := validateName(queueName); err != nil {
		return false, err
	}
	db := q.querier(tx)
	tag, err := db.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE msg_id = $1", liveTable(queueName)), msgID)
	if err != nil {
		return false, fmt.Errorf("delete from %q: %w", queueName, err)
	}
	return tag.RowsAffected() > 0, nil
}

// Archive moves a message from the live table to the archive table,
// keeping it queryable (used on permanent failure, TSQ move, or operator
// cancel/complete).
func (q *Queue) Archive(ctx context.Context, tx Querier, queueName string, msgID int64) (bool, error) {
	if err := validateName(queueName); err != nil {
		return false, err
	}
	db := q.querier(tx)
	live := liveTable(queueName)
	archive := archiveTable(queueName)

	query := fmt.Sprintf(`
		WITH moved AS (
			DELETE FROM %s WHERE msg_id = $1
			RETURNING msg_id, read_ct, enqueued_at, message
		)
		INSERT INTO %s (msg_id, read_ct, enqueued_at, message)
		SELECT msg_id, read_ct, enqueued_at, message FROM moved
		RETURNING msg_id
	`, live, archive)

	var archived int64
	err := db.QueryRow(ctx, query, msgID).Scan(&archived)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("archive in %q: %w", queueName, err)
	}
	return true, nil
}

// SetVisibility extends or defers redelivery of a message by seconds from
// now, implementing retry backoff for transient failures.
func (q *Queue) SetVisibility(ctx context.Context, tx Querier, queueName string, msgID int64, seconds int) (bool, error) {
	if err := validateName(queueName); err != nil {
		return false, err
	}
	db := q.querier(tx)
	query := fmt.Sprintf(`
		UPDATE %s SET vt = now() + ($2 || ' seconds')::interval WHERE msg_id = $1
	`, liveTable(queueName))
	tag, err := db.Exec(ctx, query, msgID, seconds)
	if err != nil {
		return false, fmt.Errorf("set visibility in %q: %w", queueName, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ArchivedPayload fetches the original payload of a message from the
// archive table, used by the troubleshooting queue to rebuild a fresh
// message on operator_retry.
func (q *Queue) ArchivedPayload(ctx context.Context, tx Querier, queueName string, msgID int64) (json.RawMessage, error) {
	if err := validateName(queueName); err != nil {
		return nil, err
	}
	db := q.querier(tx)
	var payload json.RawMessage
	err := db.QueryRow(ctx, fmt.Sprintf("SELECT message FROM %s WHERE msg_id = $1", archiveTable(queueName)), msgID).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrArchivedPayloadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read archived payload in %q: %w", queueName, err)
	}
	return payload, nil
}

// ErrArchivedPayloadNotFound is returned by ArchivedPayload when the
// message was never archived (or the archive row was purged).
var ErrArchivedPayloadNotFound = errors.New("pgqueue: archived payload not found")
