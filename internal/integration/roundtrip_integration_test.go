//go:build integration

// Package integration exercises the command bus, worker, troubleshooting
// queue, and reply router against a real Postgres instance.
package integration

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/relaybus/cmdbus/internal/bus"
	"github.com/relaybus/cmdbus/internal/domain"
	"github.com/relaybus/cmdbus/internal/migrate"
	"github.com/relaybus/cmdbus/internal/pgqueue"
	"github.com/relaybus/cmdbus/internal/router"
	"github.com/relaybus/cmdbus/internal/tsq"
	"github.com/relaybus/cmdbus/internal/worker"
)

func startPostgres(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test requiring Docker")
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("cmdbus_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	if err := migrate.Up(dsn); err != nil {
		t.Fatalf("migrate up: %v", err)
	}
	return dsn
}

// TestSendAndDispatch_Success verifies the happy path end to end: a
// submitted command is picked up by the worker, the handler succeeds, and
// the command's metadata lands in COMPLETED.
func TestSendAndDispatch_Success(t *testing.T) {
	dsn := startPostgres(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgqueue.NewPool(ctx, dsn, 5)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	defer pool.Close()

	const dom = "orders"
	commandBus := bus.New(pool, 3, nil)
	if err := commandBus.EnsureQueue(ctx, dom); err != nil {
		t.Fatalf("ensure queue: %v", err)
	}

	registry := worker.NewRegistry()
	registry.Register("ship_order", func(_ context.Context, _ *domain.Command, data json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(map[string]string{"status": "shipped"})
	})

	w, err := worker.New(worker.Config{
		Domain: dom, Pool: pool, Registry: registry,
		VisibilityTimeout: 2 * time.Second, PollInterval: 200 * time.Millisecond, Concurrency: 4,
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	w.Start(ctx)
	defer w.Stop(5 * time.Second)

	commandID := uuid.New()
	data, _ := json.Marshal(map[string]string{"order_id": "o-1"})
	if _, err := commandBus.Send(ctx, dom, "ship_order", commandID, data, bus.SendOptions{}); err != nil {
		t.Fatalf("send: %v", err)
	}

	cmd, err := waitForStatus(t, ctx, commandBus, dom, commandID, domain.CommandCompleted)
	if err != nil {
		t.Fatalf("wait for completion: %v", err)
	}
	if cmd.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", cmd.Attempts)
	}
}

// TestSend_BatchNotFound verifies that attaching a SendOptions.BatchID that
// names no existing batch fails the whole Send with ErrBatchNotFound,
// without writing a command row.
func TestSend_BatchNotFound(t *testing.T) {
	dsn := startPostgres(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgqueue.NewPool(ctx, dsn, 5)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	defer pool.Close()

	const dom = "orders"
	commandBus := bus.New(pool, 3, nil)
	if err := commandBus.EnsureQueue(ctx, dom); err != nil {
		t.Fatalf("ensure queue: %v", err)
	}

	commandID := uuid.New()
	missingBatchID := uuid.New()
	data, _ := json.Marshal(map[string]string{"order_id": "o-1"})

	_, err = commandBus.Send(ctx, dom, "ship_order", commandID, data, bus.SendOptions{BatchID: &missingBatchID})
	if !errors.Is(err, bus.ErrBatchNotFound) {
		t.Fatalf("expected ErrBatchNotFound, got %v", err)
	}

	if exists, err := commandBus.CommandExists(ctx, dom, commandID); err != nil {
		t.Fatalf("command exists: %v", err)
	} else if exists {
		t.Error("expected rejected send to leave no command row behind")
	}
}

// TestPermanentFailure_TSQAndOperatorRetry verifies a permanently failing
// handler lands the command in the troubleshooting queue, and that an
// operator retry re-enqueues it fresh with attempts reset to zero.
func TestPermanentFailure_TSQAndOperatorRetry(t *testing.T) {
	dsn := startPostgres(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgqueue.NewPool(ctx, dsn, 5)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	defer pool.Close()

	const dom = "billing"
	commandBus := bus.New(pool, 3, nil)
	if err := commandBus.EnsureQueue(ctx, dom); err != nil {
		t.Fatalf("ensure queue: %v", err)
	}

	var attempts int
	registry := worker.NewRegistry()
	registry.Register("charge_card", func(_ context.Context, _ *domain.Command, _ json.RawMessage) (json.RawMessage, error) {
		attempts++
		return nil, worker.NewPermanentError(errors.New("card declined: invalid CVV"))
	})

	w, err := worker.New(worker.Config{
		Domain: dom, Pool: pool, Registry: registry,
		VisibilityTimeout: 2 * time.Second, PollInterval: 200 * time.Millisecond, Concurrency: 4,
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	w.Start(ctx)
	defer w.Stop(5 * time.Second)

	commandID := uuid.New()
	data, _ := json.Marshal(map[string]string{"amount": "100"})
	if _, err := commandBus.Send(ctx, dom, "charge_card", commandID, data, bus.SendOptions{}); err != nil {
		t.Fatalf("send: %v", err)
	}

	if _, err := waitForStatus(t, ctx, commandBus, dom, commandID, domain.CommandInTroubleshootingQueue); err != nil {
		t.Fatalf("wait for TSQ: %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected exactly 1 attempt before a permanent error moves the command to TSQ, got %d", attempts)
	}

	q := tsq.New(pool, nil)
	entries, err := q.List(ctx, dom, tsq.ListFilter{})
	if err != nil {
		t.Fatalf("list tsq: %v", err)
	}
	if len(entries) != 1 || entries[0].Command.CommandID != commandID {
		t.Fatalf("expected the failed command in the tsq listing, got %+v", entries)
	}
	if len(entries[0].Payload) == 0 {
		t.Error("expected the archived original payload to be joined onto the listing")
	}

	if err := q.OperatorRetry(ctx, dom, commandID, "ops@example.com"); err != nil {
		t.Fatalf("operator retry: %v", err)
	}

	cmd, err := commandBus.GetCommand(ctx, dom, commandID)
	if err != nil {
		t.Fatalf("get command: %v", err)
	}
	if cmd.Status != domain.CommandPending {
		t.Errorf("expected PENDING after retry, got %s", cmd.Status)
	}
	if cmd.Attempts != 0 {
		t.Errorf("expected attempts reset to 0, got %d", cmd.Attempts)
	}
}

// oneStepManager is a single-step saga: it sends one "reserve_inventory"
// command and completes as soon as the reply arrives.
type oneStepManager struct{}

func (oneStepManager) InitialState(data json.RawMessage) (json.RawMessage, error) { return data, nil }
func (oneStepManager) FirstStep(json.RawMessage) (string, error)                  { return "reserve_inventory", nil }

func (oneStepManager) BuildCommand(step string, state json.RawMessage) (string, json.RawMessage, error) {
	return "reserve_inventory", state, nil
}

func (oneStepManager) UpdateState(state json.RawMessage, step string, reply domain.ReplyEnvelope) (json.RawMessage, error) {
	return reply.Result, nil
}

func (oneStepManager) NextStep(currentStep string, reply domain.ReplyEnvelope, state json.RawMessage) (string, bool, error) {
	return "", false, nil
}

// TestRouter_StartProcessAndComplete verifies the reply-routing saga runtime
// end to end: starting a process sends its first command, a worker handles
// that command and replies, and the router folds the reply in and marks the
// process COMPLETED.
func TestRouter_StartProcessAndComplete(t *testing.T) {
	dsn := startPostgres(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgqueue.NewPool(ctx, dsn, 5)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	defer pool.Close()

	const dom = "fulfillment"
	commandBus := bus.New(pool, 3, nil)
	if err := commandBus.EnsureQueue(ctx, dom); err != nil {
		t.Fatalf("ensure command queue: %v", err)
	}

	registry := worker.NewRegistry()
	registry.Register("reserve_inventory", func(_ context.Context, _ *domain.Command, data json.RawMessage) (json.RawMessage, error) {
		return data, nil
	})
	w, err := worker.New(worker.Config{
		Domain: dom, Pool: pool, Registry: registry,
		VisibilityTimeout: 2 * time.Second, PollInterval: 200 * time.Millisecond, Concurrency: 4,
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	w.Start(ctx)
	defer w.Stop(5 * time.Second)

	managers := router.NewManagerRegistry()
	managers.Register("fulfill_order", oneStepManager{})
	rt, err := router.New(router.Config{
		Domain: dom, Pool: pool, Registry: managers,
		PollInterval: 200 * time.Millisecond, Concurrency: 4,
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	if err := rt.EnsureQueue(ctx); err != nil {
		t.Fatalf("ensure reply queue: %v", err)
	}
	rt.Start(ctx)
	defer rt.Stop(5 * time.Second)

	data, _ := json.Marshal(map[string]string{"sku": "widget-1"})
	proc, err := rt.StartProcess(ctx, dom, "fulfill_order", data, nil)
	if err != nil {
		t.Fatalf("start process: %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		got, err := rt.GetProcess(ctx, dom, proc.ProcessID)
		if err != nil {
			t.Fatalf("get process: %v", err)
		}
		if got.Status == domain.ProcessCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for process completion, last status %s", got.Status)
		}
		select {
		case <-ctx.Done():
			t.Fatalf("context done: %v", ctx.Err())
		case <-time.After(100 * time.Millisecond):
		}
	}

	trail, err := rt.GetStepTrail(ctx, dom, proc.ProcessID)
	if err != nil {
		t.Fatalf("get step trail: %v", err)
	}
	if len(trail) != 1 {
		t.Fatalf("expected exactly one step in the trail, got %d", len(trail))
	}
	if trail[0].StepName != "reserve_inventory" || trail[0].ReceivedAt == nil {
		t.Errorf("expected reserve_inventory step with a recorded reply, got %+v", trail[0])
	}
}

func waitForStatus(t *testing.T, ctx context.Context, b *bus.CommandBus, dom string, commandID uuid.UUID, want domain.CommandStatus) (*domain.Command, error) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		cmd, err := b.GetCommand(ctx, dom, commandID)
		if err == nil && cmd.Status == want {
			return cmd, nil
		}
		if time.Now().After(deadline) {
			if err != nil {
				return nil, err
			}
			return nil, errors.New("timed out waiting for status " + string(want))
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}
