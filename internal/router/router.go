package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/semaphore"

	"github.com/relaybus/cmdbus/internal/pgqueue"
	"github.com/relaybus/cmdbus/internal/repo"
	"github.com/relaybus/cmdbus/internal/telemetry"
)

// Default configuration values, matching worker's own defaults.
const (
	defaultVisibilityTimeout = 30 * time.Second
	defaultPollInterval      = 5 * time.Second
	defaultBatchSize         = 20
	defaultConcurrency       = 10
	defaultStatementTimeout  = 25 * time.Second
	defaultShutdownTimeout   = 30 * time.Second
	defaultMaxAttempts       = 5
)

// Config configures one Router. ReplyQueue defaults to "<domain>__replies";
// callers running a process over a dedicated reply queue set it explicitly.
type Config struct {
	Domain     string
	ReplyQueue string
	Pool       *pgxpool.Pool
	Registry   *ManagerRegistry

	VisibilityTimeout time.Duration
	PollInterval      time.Duration
	BatchSize         int
	Concurrency       int64
	StatementTimeout  time.Duration
	DefaultMaxAttempts int

	Metrics *telemetry.Metrics
	Logger  *slog.Logger
}

// Router is the reply-side counterpart of worker.Worker: it drains a reply
// queue and, for each reply, dispatches to the registered ProcessManager to
// advance (or complete) the saga it belongs to.
type Router struct {
	domain     string
	replyQueue string
	pool       *pgxpool.Pool
	queue      *pgqueue.Queue
	listener   *pgqueue.Listener
	registry   *ManagerRegistry

	processes *repo.ProcessRepo
	commands  *repo.CommandRepo
	audit     *repo.AuditRepo

	visibilityTimeout  time.Duration
	pollInterval       time.Duration
	batchSize          int
	statementTimeout   time.Duration
	defaultMaxAttempts int

	sem     *semaphore.Weighted
	metrics *telemetry.Metrics
	logger  *slog.Logger

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
	mu      sync.Mutex
}

// New builds a Router from cfg, filling in defaults for any zero-valued
// field.
func New(cfg Config) (*Router, error) {
	if cfg.Domain == "" {
		return nil, errors.New("router: domain is required")
	}
	if cfg.Pool == nil {
		return nil, errors.New("router: pool is required")
	}
	registry := cfg.Registry
	if registry == nil {
		registry = NewManagerRegistry()
	}

	replyQueue := cfg.ReplyQueue
	if replyQueue == "" {
		replyQueue = replyQueueName(cfg.Domain)
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
	maxAttempts := cfg.DefaultMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = telemetry.WithDomain(logger, cfg.Domain)

	queue := pgqueue.New(cfg.Pool)
	listener, err := pgqueue.NewListener(cfg.Pool, replyQueue, logger)
	if err != nil {
		return nil, fmt.Errorf("new router listener: %w", err)
	}

	return &Router{
		domain:             cfg.Domain,
		replyQueue:         replyQueue,
		pool:               cfg.Pool,
		queue:              queue,
		listener:           listener,
		registry:           registry,
		processes:          repo.NewProcessRepo(),
		commands:           repo.NewCommandRepo(),
		audit:              repo.NewAuditRepo(),
		visibilityTimeout:  visibilityTimeout,
		pollInterval:       pollInterval,
		batchSize:          batchSize,
		statementTimeout:   statementTimeout,
		defaultMaxAttempts: maxAttempts,
		sem:                semaphore.NewWeighted(concurrency),
		metrics:            cfg.Metrics,
		logger:             logger,
	}, nil
}

func replyQueueName(dom string) string { return dom + "__replies" }
func commandQueueName(dom string) string { return dom + "__commands" }

// EnsureQueue idempotently creates the reply queue's live/archive tables.
func (rt *Router) EnsureQueue(ctx context.Context) error {
	return rt.queue.Create(ctx, nil, rt.replyQueue)
}

// Start runs the LISTEN subscription and the poll/dispatch loop in
// background goroutines, returning once both are launched.
func (rt *Router) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	rt.cancel = cancel

	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		rt.listener.Run(ctx)
	}()

	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		rt.loop(ctx)
	}()

	rt.logger.Info("router started", "reply_queue", rt.replyQueue, "poll_interval", rt.pollInterval)
}

// Stop signals the dispatch loop to stop and waits up to shutdownTimeout for
// in-flight replies to finish routing.
func (rt *Router) Stop(shutdownTimeout time.Duration) {
	rt.mu.Lock()
	if rt.stopped {
		rt.mu.Unlock()
		return
	}
	rt.stopped = true
	rt.mu.Unlock()

	if shutdownTimeout <= 0 {
		shutdownTimeout = defaultShutdownTimeout
	}
	if rt.cancel != nil {
		rt.cancel()
	}

	done := make(chan struct{})
	go func() {
		rt.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		rt.logger.Info("router stopped cleanly")
	case <-time.After(shutdownTimeout):
		rt.logger.Warn("router stop timed out, leaving in-flight replies to the visibility timeout")
	}
}

func (rt *Router) loop(ctx context.Context) {
	ticker := time.NewTicker(rt.pollInterval)
	defer ticker.Stop()

	for {
		rt.drainOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-rt.listener.Wake():
		case <-ticker.C:
		}
	}
}

func (rt *Router) drainOnce(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		msgs, err := rt.queue.Read(ctx, nil, rt.replyQueue, rt.visibilityTimeout, rt.batchSize)
		if err != nil {
			rt.logger.Error("read replies failed", "error", err)
			return
		}
		if len(msgs) == 0 {
			return
		}

		for _, m := range msgs {
			if err := rt.sem.Acquire(ctx, 1); err != nil {
				return
			}
			rt.wg.Add(1)
			go func(msg pgqueue.Message) {
				defer rt.wg.Done()
				defer rt.sem.Release(1)
				rt.handleReply(ctx, msg)
			}(m)
		}

		if len(msgs) < rt.batchSize {
			return
		}
	}
}
