package router

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
	"github.com/relaybus/cmdbus/internal/repo"
)

// handleReply unmarshals one reply, loads the process it correlates to, and
// advances (or completes) it via the registered ProcessManager.
func (rt *Router) handleReply(ctx context.Context, msg pgqueue.Message) {
	var reply domain.ReplyEnvelope
	if err := json.Unmarshal(msg.Payload, &reply); err != nil {
		rt.logger.Error("poison reply, archiving", "msg_id", msg.MsgID, "error", err)
		_, _ = rt.queue.Archive(ctx, nil, rt.replyQueue, msg.MsgID)
		return
	}
	if reply.CorrelationID == uuid.Nil {
		rt.logger.Warn("reply missing correlation_id, discarding", "msg_id", msg.MsgID, "command_id", reply.CommandID)
		_, _ = rt.queue.Archive(ctx, nil, rt.replyQueue, msg.MsgID)
		return
	}

	tx, err := rt.pool.Begin(ctx)
	if err != nil {
		rt.logger.Error("begin route-reply transaction failed", "error", err)
		return
	}
	defer tx.Rollback(ctx)

	proc, err := rt.processes.GetForUpdate(ctx, tx, rt.domain, reply.CorrelationID)
	if errors.Is(err, repo.ErrNotFound) {
		rt.logger.Warn("no process for reply correlation_id, discarding", "correlation_id", reply.CorrelationID)
		if _, err := rt.queue.Archive(ctx, tx, rt.replyQueue, msg.MsgID); err != nil {
			rt.logger.Error("archive discarded reply failed", "error", err)
			return
		}
		if err := tx.Commit(ctx); err != nil {
			rt.logger.Error("commit discard-reply transaction failed", "error", err)
		}
		return
	}
	if err != nil {
		rt.logger.Error("load process failed", "correlation_id", reply.CorrelationID, "error", err)
		return
	}

	manager, err := rt.registry.Get(proc.ProcessType)
	if err != nil {
		rt.logger.Warn("no manager for process type, discarding reply",
			"process_type", proc.ProcessType, "process_id", proc.ProcessID)
		if _, err := rt.queue.Archive(ctx, tx, rt.replyQueue, msg.MsgID); err != nil {
			rt.logger.Error("archive discarded reply failed", "error", err)
			return
		}
		if err := tx.Commit(ctx); err != nil {
			rt.logger.Error("commit discard-reply transaction failed", "error", err)
		}
		return
	}

	if err := rt.processes.RecordReply(ctx, tx, rt.domain, reply.CommandID, reply.Outcome, reply.Result); err != nil &&
		!errors.Is(err, repo.ErrNotFound) {
		rt.logger.Error("record step reply failed", "process_id", proc.ProcessID, "error", err)
		return
	}

	newState, err := manager.UpdateState(proc.State, proc.CurrentStep, reply)
	if err != nil {
		rt.logger.Error("update process state failed", "process_id", proc.ProcessID, "error", err)
		return
	}

	nextStep, hasNext, err := manager.NextStep(proc.CurrentStep, reply, newState)
	if err != nil {
		rt.logger.Error("compute next step failed", "process_id", proc.ProcessID, "error", err)
		return
	}
	proc.State = newState

	if hasNext {
		if err := rt.sendStep(ctx, tx, manager, proc, nextStep); err != nil {
			rt.logger.Error("send next step failed", "process_id", proc.ProcessID, "step", nextStep, "error", err)
			return
		}
		proc.CurrentStep = nextStep
		proc.Status = domain.ProcessWaitingForReply
	} else {
		proc.Status = domain.ProcessCompleted
	}

	if err := rt.processes.UpdateState(ctx, tx, proc); err != nil {
		rt.logger.Error("persist process state failed", "process_id", proc.ProcessID, "error", err)
		return
	}

	if _, err := rt.queue.Archive(ctx, tx, rt.replyQueue, msg.MsgID); err != nil {
		rt.logger.Error("archive reply message failed", "error", err)
		return
	}

	if err := tx.Commit(ctx); err != nil {
		rt.logger.Error("commit route-reply transaction failed", "error", err)
		return
	}

	if rt.metrics != nil {
		rt.metrics.RepliesRouted.WithLabelValues(rt.domain, proc.ProcessType, string(reply.Outcome)).Inc()
	}
}

// sendStep builds and enqueues the command for step, records its process
// step-audit row, and invokes the manager's optional before-send hook, all
// against the caller's transaction.
func (rt *Router) sendStep(ctx context.Context, tx pgx.Tx, manager ProcessManager, proc *domain.Process, step string) error {
	commandType, data, err := manager.BuildCommand(step, proc.State)
	if err != nil {
		return fmt.Errorf("build command for step %q: %w", step, err)
	}

	if hook, ok := manager.(BeforeSendHook); ok {
		if err := hook.BeforeSendCommand(ctx, tx, step, proc.State); err != nil {
			return fmt.Errorf("before-send hook for step %q: %w", step, err)
		}
	}

	commandID := uuid.New()
	envelope := domain.Envelope{
		Domain: proc.Domain, CommandType: commandType, CommandID: commandID,
		CorrelationID: proc.ProcessID, Data: data, ReplyTo: rt.replyQueue,
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal step envelope: %w", err)
	}

	if err := rt.queue.Create(ctx, tx, commandQueueName(proc.Domain)); err != nil {
		return err
	}
	msgID, err := rt.queue.Enqueue(ctx, tx, commandQueueName(proc.Domain), payload, 0)
	if err != nil {
		return err
	}

	now := time.Now()
	cmd := &domain.Command{
		Domain: proc.Domain, CommandID: commandID, CommandType: commandType,
		Status: domain.CommandPending, MaxAttempts: rt.defaultMaxAttempts, MsgID: msgID,
		CorrelationID: proc.ProcessID, ReplyTo: rt.replyQueue, BatchID: proc.BatchID,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := rt.commands.Save(ctx, tx, cmd); err != nil {
		return err
	}

	details, _ := json.Marshal(map[string]any{
		"command_type": commandType, "correlation_id": proc.ProcessID, "msg_id": msgID,
	})
	if err := rt.audit.Log(ctx, tx, proc.Domain, commandID, domain.EventSent, details); err != nil {
		return err
	}

	if err := rt.processes.AppendStepAudit(ctx, tx, &domain.ProcessStepAudit{
		Domain: proc.Domain, ProcessID: proc.ProcessID, StepName: step,
		CommandID: commandID, CommandType: commandType, CommandData: data, SentAt: now,
	}); err != nil {
		return err
	}

	return rt.queue.Notify(ctx, tx, commandQueueName(proc.Domain))
}

// StartProcess creates a new saga instance of processType, builds and sends
// its first step's command, and leaves it WAITING_FOR_REPLY. batchID is
// optional, carried through to every step command so the process's work can
// be tracked as part of a larger batch.
func (rt *Router) StartProcess(ctx context.Context, dom, processType string, data json.RawMessage, batchID *uuid.UUID) (*domain.Process, error) {
	rt.mu.Lock()
	stopped := rt.stopped
	rt.mu.Unlock()
	if stopped {
		return nil, ErrRouterStopped
	}

	manager, err := rt.registry.Get(processType)
	if err != nil {
		return nil, err
	}

	state, err := manager.InitialState(data)
	if err != nil {
		return nil, fmt.Errorf("build initial state: %w", err)
	}
	step, err := manager.FirstStep(state)
	if err != nil {
		return nil, fmt.Errorf("compute first step: %w", err)
	}

	tx, err := rt.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin start-process transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now()
	proc := &domain.Process{
		Domain: dom, ProcessID: uuid.New(), ProcessType: processType,
		Status: domain.ProcessInProgress, CurrentStep: step, State: state,
		BatchID: batchID, CreatedAt: now, UpdatedAt: now,
	}
	if err := rt.processes.Save(ctx, tx, proc); err != nil {
		return nil, err
	}

	if err := rt.sendStep(ctx, tx, manager, proc, step); err != nil {
		return nil, err
	}
	proc.Status = domain.ProcessWaitingForReply
	if err := rt.processes.UpdateState(ctx, tx, proc); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit start-process transaction: %w", err)
	}

	rt.logger.Info("started process", "domain", dom, "process_id", proc.ProcessID,
		"process_type", processType, "step", step)
	return proc, nil
}

// GetProcess fetches one process's current state.
func (rt *Router) GetProcess(ctx context.Context, dom string, processID uuid.UUID) (*domain.Process, error) {
	return rt.processes.Get(ctx, rt.pool, dom, processID)
}

// GetStepTrail returns the full step-audit trail for one process, oldest
// first.
func (rt *Router) GetStepTrail(ctx context.Context, dom string, processID uuid.UUID) ([]domain.ProcessStepAudit, error) {
	return rt.processes.GetStepTrail(ctx, rt.pool, dom, processID)
}
