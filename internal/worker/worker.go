package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/semaphore"

	"github.com/relaybus/cmdbus/internal/domain"
	"github.com/relaybus/cmdbus/internal/pgqueue"
	"github.com/relaybus/cmdbus/internal/repo"
	"github.com/relaybus/cmdbus/internal/telemetry"
)

// Default configuration values.
const (
	defaultVisibilityTimeout  = 30 * time.Second
	defaultPollInterval       = 5 * time.Second
	defaultBatchSize          = 20
	defaultConcurrency        = 10
	defaultStatementTimeout   = 25 * time.Second
	defaultShutdownTimeout    = 30 * time.Second
	defaultHealthPollInterval = 10 * time.Second
	stuckThreadMultiplier     = 3
)

// Config configures one domain Worker.
type Config struct {
	Domain   string
	Pool     *pgxpool.Pool
	Registry *Registry

	VisibilityTimeout time.Duration
	PollInterval      time.Duration
	BatchSize         int
	Concurrency       int64
	StatementTimeout  time.Duration
	RetryPolicy       RetryPolicy

	Metrics  *telemetry.Metrics
	Watchdog *Watchdog
	Logger   *slog.Logger
}

// Worker is the bounded-concurrency dispatch engine for one domain's
// command queue. It is stateless across restarts — all
// progress lives in Postgres — and scales horizontally: any number of
// Worker instances may consume the same domain queue.
type Worker struct {
	domain   string
	pool     *pgxpool.Pool
	queue    *pgqueue.Queue
	listener *pgqueue.Listener
	registry *Registry

	commands *repo.CommandRepo
	batches  *repo.BatchRepo
	audit    *repo.AuditRepo

	visibilityTimeout time.Duration
	pollInterval      time.Duration
	batchSize         int
	statementTimeout  time.Duration
	retryPolicy       RetryPolicy

	sem      *semaphore.Weighted
	watchdog *Watchdog
	metrics  *telemetry.Metrics
	logger   *slog.Logger

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
	mu      sync.Mutex
}

// New builds a Worker from cfg, filling in defaults for any zero-valued
// field.
func New(cfg Config) (*Worker, error) {
	if cfg.Domain == "" {
		return nil, errors.New("worker: domain is required")
	}
	if cfg.Pool == nil {
		return nil, errors.New("worker: pool is required")
	}
	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry()
	}

	visibilityTimeout := cfg.VisibilityTimeout
	if visibilityTimeout <= 0 {
		visibilityTimeout = defaultVisibilityTimeout
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	statementTimeout := cfg.StatementTimeout
	if statementTimeout <= 0 {
		statementTimeout = defaultStatementTimeout
	}
	retryPolicy := cfg.RetryPolicy
	if retryPolicy == (RetryPolicy{}) {
		retryPolicy = DefaultRetryPolicy
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = telemetry.WithDomain(logger, cfg.Domain)

	watchdog := cfg.Watchdog
	if watchdog == nil {
		watchdog = NewWatchdog(cfg.Domain, WatchdogConfig{}, logger)
	}

	queue := pgqueue.New(cfg.Pool)
	listener, err := pgqueue.NewListener(cfg.Pool, queueName(cfg.Domain), logger)
	if err != nil {
		return nil, fmt.Errorf("new worker listener: %w", err)
	}

	return &Worker{
		domain:            cfg.Domain,
		pool:              cfg.Pool,
		queue:             queue,
		listener:          listener,
		registry:          registry,
		commands:          repo.NewCommandRepo(),
		batches:           repo.NewBatchRepo(),
		audit:             repo.NewAuditRepo(),
		visibilityTimeout: visibilityTimeout,
		pollInterval:      pollInterval,
		batchSize:         batchSize,
		statementTimeout:  statementTimeout,
		retryPolicy:       retryPolicy,
		sem:               semaphore.NewWeighted(concurrency),
		watchdog:          watchdog,
		metrics:           cfg.Metrics,
		logger:            logger,
	}, nil
}

func queueName(dom string) string { return dom + "__commands" }

func replyQueueName(dom string) string { return dom + "__replies" }

// Start runs the LISTEN subscription and the poll/dispatch loop in
// background goroutines, returning once both are launched.
func (w *Worker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.listener.Run(ctx)
	}()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.loop(ctx)
	}()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.pollHealth(ctx)
	}()

	w.logger.Info("worker started", "visibility_timeout", w.visibilityTimeout,
		"poll_interval", w.pollInterval, "batch_size", w.batchSize)
}

// pollHealth is the supervising loop that checks the watchdog's health
// status on a fixed interval, firing OnCritical through Watchdog.Poll when a
// new CRITICAL detection occurs.
func (w *Worker) pollHealth(ctx context.Context) {
	ticker := time.NewTicker(defaultHealthPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if state := w.watchdog.Poll(); state == HealthCritical {
				w.logger.Warn("worker health critical", "domain", w.domain)
			}
		}
	}
}

// Stop signals the dispatch loop to stop acquiring new work and waits up to
// shutdownTimeout for in-flight handlers to finish. Work that does not
// finish in time is abandoned to the queue's visibility timeout, which will
// redeliver it.
func (w *Worker) Stop(shutdownTimeout time.Duration) {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.mu.Unlock()

	if shutdownTimeout <= 0 {
		shutdownTimeout = defaultShutdownTimeout
	}
	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("worker stopped cleanly")
	case <-time.After(shutdownTimeout):
		w.logger.Warn("worker stop timed out, leaving in-flight work to the visibility timeout")
	}
}

func (w *Worker) loop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		w.drainOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-w.listener.Wake():
		case <-ticker.C:
		}
	}
}

// drainOnce reads and dispatches messages until the queue reports fewer
// than a full batch, meaning it is (momentarily) empty.
func (w *Worker) drainOnce(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		msgs, err := w.queue.Read(ctx, nil, queueName(w.domain), w.visibilityTimeout, w.batchSize)
		if err != nil {
			w.logger.Error("read failed", "error", err)
			w.watchdog.RecordPoolExhaustion()
			return
		}
		if len(msgs) == 0 {
			return
		}

		for _, m := range msgs {
			if err := w.sem.Acquire(ctx, 1); err != nil {
				return
			}
			w.wg.Add(1)
			go func(msg pgqueue.Message) {
				defer w.wg.Done()
				defer w.sem.Release(1)
				if w.metrics != nil {
					w.metrics.InFlight.WithLabelValues(w.domain).Inc()
					defer w.metrics.InFlight.WithLabelValues(w.domain).Dec()
				}
				stuckTimer := time.AfterFunc(stuckThreadMultiplier*w.visibilityTimeout, w.watchdog.RecordStuckThread)
				defer stuckTimer.Stop()
				w.handleMessage(ctx, msg)
			}(m)
		}

		if len(msgs) < w.batchSize {
			return
		}
	}
}

// handleMessage runs the per-message pipeline: receive, dispatch, classify,
// and write back the outcome.
func (w *Worker) handleMessage(ctx context.Context, msg pgqueue.Message) {
	var envelope domain.Envelope
	if err := json.Unmarshal(msg.Payload, &envelope); err != nil || envelope.CommandID == uuid.Nil {
		w.logger.Error("poison message, archiving", "msg_id", msg.MsgID, "error", err)
		_, _ = w.queue.Archive(ctx, nil, queueName(w.domain), msg.MsgID)
		return
	}

	recv, err := w.receive(ctx, envelope, msg.MsgID)
	if err != nil {
		if errors.Is(err, repo.ErrAlreadyTerminal) {
			_, _ = w.queue.Archive(ctx, nil, queueName(w.domain), msg.MsgID)
			return
		}
		w.logger.Error("receive failed", "command_id", envelope.CommandID, "error", err)
		w.watchdog.RecordOutcome(err)
		return
	}

	if w.metrics != nil {
		w.metrics.CommandsReceived.WithLabelValues(w.domain, envelope.CommandType).Inc()
	}

	handler, err := w.registry.Get(envelope.CommandType)
	if err != nil {
		w.watchdog.RecordOutcome(err)
		w.finishTransient(ctx, envelope, msg.MsgID, recv.BatchID, recv.Attempts, recv.MaxAttempts, err)
		return
	}

	dispatchCtx := ctx
	var dispatchCancel context.CancelFunc
	if w.statementTimeout > 0 {
		dispatchCtx, dispatchCancel = context.WithTimeout(ctx, w.statementTimeout)
		defer dispatchCancel()
	}

	cmd := &domain.Command{
		Domain: envelope.Domain, CommandID: envelope.CommandID, CommandType: envelope.CommandType,
		Status: domain.CommandInProgress, Attempts: recv.Attempts, MaxAttempts: recv.MaxAttempts,
		CorrelationID: envelope.CorrelationID, ReplyTo: envelope.ReplyTo, BatchID: recv.BatchID,
	}

	start := time.Now()
	result, handlerErr := handler(dispatchCtx, cmd, envelope.Data)
	if w.metrics != nil {
		w.metrics.HandlerDuration.WithLabelValues(w.domain, envelope.CommandType).Observe(time.Since(start).Seconds())
	}

	w.classifyAndFinish(ctx, envelope, msg.MsgID, recv, result, handlerErr)
}

func (w *Worker) receive(ctx context.Context, envelope domain.Envelope, msgID int64) (*repo.ReceiveResult, error) {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin receive transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	recv, err := w.commands.Receive(ctx, tx, envelope.Domain, envelope.CommandID, domain.CommandInProgress, msgID, nil)
	if err != nil {
		return nil, err
	}

	details, _ := json.Marshal(map[string]any{"attempt": recv.Attempts})
	if err := w.audit.Log(ctx, tx, envelope.Domain, envelope.CommandID, domain.EventReceived, details); err != nil {
		return nil, err
	}

	if recv.BatchID != nil {
		if err := w.batches.OnReceive(ctx, tx, envelope.Domain, *recv.BatchID); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit receive transaction: %w", err)
	}
	return recv, nil
}

// classifyAndFinish maps a handler outcome onto the command state machine
// and records it.
func (w *Worker) classifyAndFinish(ctx context.Context, envelope domain.Envelope, msgID int64, recv *repo.ReceiveResult, result json.RawMessage, handlerErr error) {
	if handlerErr == nil {
		w.watchdog.RecordOutcome(nil)
		w.finishSuccess(ctx, envelope, msgID, recv.BatchID, result)
		return
	}

	kind := Classify(handlerErr)
	switch kind {
	case domain.ErrorKindPermanent:
		w.watchdog.RecordOutcome(handlerErr)
		w.finishPermanent(ctx, envelope, msgID, recv.BatchID, handlerErr)
	case domain.ErrorKindBusinessRule:
		// Business-rule outcomes are expected domain rejections, not worker
		// health signals, so the watchdog never sees them.
		w.finishBusinessRule(ctx, envelope, msgID, recv.BatchID, handlerErr)
	default:
		w.watchdog.RecordOutcome(handlerErr)
		w.finishTransient(ctx, envelope, msgID, recv.BatchID, recv.Attempts, recv.MaxAttempts, handlerErr)
	}
}

func (w *Worker) finishSuccess(ctx context.Context, envelope domain.Envelope, msgID int64, batchID *uuid.UUID, result json.RawMessage) {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		w.logger.Error("begin finish-success transaction failed", "error", err)
		return
	}
	defer tx.Rollback(ctx)

	terminal, err := w.commands.Finish(ctx, tx, repo.FinishParams{
		Domain: envelope.Domain, CommandID: envelope.CommandID,
		TerminalStatus: domain.CommandCompleted, EventType: domain.EventCompleted,
		Details: result, BatchID: batchID,
	})
	if err != nil {
		w.logger.Error("finish success failed", "command_id", envelope.CommandID, "error", err)
		return
	}

	if envelope.ReplyTo != "" {
		if err := w.enqueueReply(ctx, tx, envelope, domain.ReplyOutcomeSuccess, result, ""); err != nil {
			w.logger.Error("enqueue reply failed", "command_id", envelope.CommandID, "error", err)
			return
		}
	}

	if _, err := w.queue.Delete(ctx, tx, queueName(w.domain), msgID); err != nil {
		w.logger.Error("delete success message failed", "error", err)
		return
	}

	if err := tx.Commit(ctx); err != nil {
		w.logger.Error("commit finish-success transaction failed", "error", err)
		return
	}

	if w.metrics != nil {
		w.metrics.CommandsCompleted.WithLabelValues(w.domain, envelope.CommandType).Inc()
	}

	if terminal && batchID != nil {
		w.notifyBatchTerminal(ctx, envelope.Domain, *batchID)
	}
}

// notifyBatchTerminal runs after a command's transaction commits and made
// its batch terminal, enqueuing the batch's on_complete_reply_to reply if
// one was configured.
func (w *Worker) notifyBatchTerminal(ctx context.Context, dom string, batchID uuid.UUID) {
	batch, err := w.batches.Get(ctx, w.pool, dom, batchID)
	if err != nil {
		w.logger.Error("load terminal batch failed", "batch_id", batchID, "error", err)
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
		w.logger.Error("marshal batch reply failed", "batch_id", batchID, "error", err)
		return
	}

	if err := w.queue.Create(ctx, nil, batch.OnCompleteReplyTo); err != nil {
		w.logger.Error("create batch reply queue failed", "error", err)
		return
	}
	if _, err := w.queue.Enqueue(ctx, nil, batch.OnCompleteReplyTo, payload, 0); err != nil {
		w.logger.Error("enqueue batch reply failed", "error", err)
		return
	}
	if err := w.queue.Notify(ctx, nil, batch.OnCompleteReplyTo); err != nil {
		w.logger.Error("notify batch reply queue failed", "error", err)
	}
}

func (w *Worker) finishPermanent(ctx context.Context, envelope domain.Envelope, msgID int64, batchID *uuid.UUID, cause error) {
	errDetail := domain.LastError{Kind: domain.ErrorKindPermanent, Code: "PERMANENT", Message: cause.Error()}
	w.moveToTSQ(ctx, envelope, msgID, batchID, errDetail, domain.TSQReasonPermanent)
}

func (w *Worker) finishBusinessRule(ctx context.Context, envelope domain.Envelope, msgID int64, batchID *uuid.UUID, cause error) {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		w.logger.Error("begin finish-business-rule transaction failed", "error", err)
		return
	}
	defer tx.Rollback(ctx)

	errDetail := domain.LastError{Kind: domain.ErrorKindBusinessRule, Code: "BUSINESS_RULE", Message: cause.Error()}
	terminal, err := w.commands.Finish(ctx, tx, repo.FinishParams{
		Domain: envelope.Domain, CommandID: envelope.CommandID,
		TerminalStatus: domain.CommandFailed, EventType: domain.EventBusinessRuleFail,
		Error: &errDetail, BatchID: batchID,
	})
	if err != nil {
		w.logger.Error("finish business-rule failed", "command_id", envelope.CommandID, "error", err)
		return
	}

	if envelope.ReplyTo != "" {
		if err := w.enqueueReply(ctx, tx, envelope, domain.ReplyOutcomeFailed, nil, cause.Error()); err != nil {
			w.logger.Error("enqueue reply failed", "command_id", envelope.CommandID, "error", err)
			return
		}
	}

	if _, err := w.queue.Archive(ctx, tx, queueName(w.domain), msgID); err != nil {
		w.logger.Error("archive business-rule message failed", "error", err)
		return
	}

	if err := tx.Commit(ctx); err != nil {
		w.logger.Error("commit finish-business-rule transaction failed", "error", err)
		return
	}

	if w.metrics != nil {
		w.metrics.CommandsFailed.WithLabelValues(w.domain, envelope.CommandType, string(domain.ErrorKindBusinessRule)).Inc()
	}

	if terminal && batchID != nil {
		w.notifyBatchTerminal(ctx, envelope.Domain, *batchID)
	}
}

func (w *Worker) finishTransient(ctx context.Context, envelope domain.Envelope, msgID int64, batchID *uuid.UUID, attempts, maxAttempts int, cause error) {
	if attempts < maxAttempts {
		tx, err := w.pool.Begin(ctx)
		if err != nil {
			w.logger.Error("begin retry transaction failed", "error", err)
			return
		}
		defer tx.Rollback(ctx)

		errDetail := domain.LastError{Kind: domain.ErrorKindTransient, Code: "TRANSIENT", Message: cause.Error()}
		if err := w.commands.Fail(ctx, tx, repo.FailParams{
			Domain: envelope.Domain, CommandID: envelope.CommandID, Error: errDetail, MsgID: msgID,
		}); err != nil {
			w.logger.Error("record transient failure failed", "command_id", envelope.CommandID, "error", err)
			return
		}

		backoff := w.retryPolicy.Backoff(attempts)
		if _, err := w.queue.SetVisibility(ctx, tx, queueName(w.domain), msgID, int(backoff.Seconds())); err != nil {
			w.logger.Error("defer visibility failed", "error", err)
			return
		}

		details, _ := json.Marshal(map[string]any{"attempt": attempts, "backoff_seconds": int(backoff.Seconds())})
		if err := w.audit.Log(ctx, tx, envelope.Domain, envelope.CommandID, domain.EventRetryScheduled, details); err != nil {
			w.logger.Error("log retry-scheduled failed", "error", err)
			return
		}

		if err := tx.Commit(ctx); err != nil {
			w.logger.Error("commit retry transaction failed", "error", err)
			return
		}

		if w.metrics != nil {
			w.metrics.CommandsRetried.WithLabelValues(w.domain, envelope.CommandType).Inc()
		}
		return
	}

	// Attempts exhausted: log RETRY_EXHAUSTED first, then move to TSQ.
	if err := w.audit.Log(ctx, w.pool, envelope.Domain, envelope.CommandID, domain.EventRetryExhausted, nil); err != nil {
		w.logger.Error("log retry-exhausted failed", "error", err)
	}
	errDetail := domain.LastError{Kind: domain.ErrorKindTransient, Code: "TRANSIENT", Message: cause.Error()}
	w.moveToTSQ(ctx, envelope, msgID, batchID, errDetail, domain.TSQReasonExhausted)
}

func (w *Worker) moveToTSQ(ctx context.Context, envelope domain.Envelope, msgID int64, batchID *uuid.UUID, errDetail domain.LastError, reason domain.TSQReason) {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		w.logger.Error("begin move-to-tsq transaction failed", "error", err)
		return
	}
	defer tx.Rollback(ctx)

	details, _ := json.Marshal(map[string]any{"reason": reason})
	if _, err := w.commands.Finish(ctx, tx, repo.FinishParams{
		Domain: envelope.Domain, CommandID: envelope.CommandID,
		TerminalStatus: domain.CommandInTroubleshootingQueue, EventType: domain.EventMovedToTSQ,
		Error: &errDetail, Details: details, BatchID: batchID,
	}); err != nil {
		w.logger.Error("finish move-to-tsq failed", "command_id", envelope.CommandID, "error", err)
		return
	}

	if _, err := w.queue.Archive(ctx, tx, queueName(w.domain), msgID); err != nil {
		w.logger.Error("archive tsq message failed", "error", err)
		return
	}

	if err := tx.Commit(ctx); err != nil {
		w.logger.Error("commit move-to-tsq transaction failed", "error", err)
		return
	}

	if w.metrics != nil {
		w.metrics.CommandsTSQ.WithLabelValues(w.domain, envelope.CommandType, string(reason)).Inc()
	}
}

func (w *Worker) enqueueReply(ctx context.Context, tx pgqueue.Querier, envelope domain.Envelope, outcome domain.ReplyOutcome, result json.RawMessage, reason string) error {
	reply := domain.ReplyEnvelope{
		CommandID: envelope.CommandID, CorrelationID: envelope.CorrelationID,
		Outcome: outcome, Result: result, Reason: reason,
	}
	payload, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("marshal reply envelope: %w", err)
	}
	if err := w.queue.Create(ctx, tx, envelope.ReplyTo); err != nil {
		return err
	}
	if _, err := w.queue.Enqueue(ctx, tx, envelope.ReplyTo, payload, 0); err != nil {
		return err
	}
	return w.queue.Notify(ctx, tx, envelope.ReplyTo)
}
