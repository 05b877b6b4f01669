// Package queue bounds concurrent answer generation. Requests enter a
// priority-ordered pending list, a fixed worker pool executes them, and
// finished records stay in a bounded history for status polling.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("docqd.queue")

var (
	// ErrQueueFull means the pending list is at capacity; callers should
	// retry later.
	ErrQueueFull = errors.New("request queue is full")

	// ErrClosed means the queue is shutting down and accepts no new work.
	ErrClosed = errors.New("request queue is closed")
)

// Status of a queued request.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// Request is one unit of queued work. Fields are mutated only under the
// queue lock; callers receive copies.
type Request struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"`
	Priority int    `json:"priority"`
	Status   Status `json:"status"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	Payload any    `json:"-"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`

	// Position is the 1-based place in the pending list. Zero once the
	// request starts processing. Set only on Status snapshots.
	Position int `json:"position,omitempty"`

	done chan struct{}
}

// Handler executes one request and returns its result.
type Handler func(ctx context.Context, req *Request) (any, error)

// Config bounds the queue.
type Config struct {
	// MaxConcurrent is the worker pool size.
	MaxConcurrent int

	// MaxQueueSize bounds the pending list.
	MaxQueueSize int

	// RequestTimeout bounds each handler invocation. A timeout is recorded
	// as a failed result, never a crash.
	RequestTimeout time.Duration

	// HistoryLimit bounds the completed set; oldest entries are evicted.
	HistoryLimit int
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = 3
	}
	if c.MaxQueueSize == 0 {
		c.MaxQueueSize = 100
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 5 * time.Minute
	}
	if c.HistoryLimit == 0 {
		c.HistoryLimit = 100
	}
}

// Queue schedules requests onto a bounded worker pool.
//
// One mutex guards all three collections; every critical section is short
// because handlers run outside the lock. Workers block on a condition
// variable instead of polling.
type Queue struct {
	config  Config
	handler Handler
	logger  *zap.Logger

	mu          sync.Mutex
	cond        *sync.Cond
	pending     []*Request
	active      map[string]*Request
	history     map[string]*Request
	historyFIFO []string
	closed      bool

	workers sync.WaitGroup
}

// New creates a queue. Call Start to launch the workers.
func New(config Config, handler Handler, logger *zap.Logger) (*Queue, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()

	q := &Queue{
		config:  config,
		handler: handler,
		logger:  logger,
		active:  make(map[string]*Request),
		history: make(map[string]*Request),
	}
	q.cond = sync.NewCond(&q.mu)
	return q, nil
}

// Start launches the worker pool. Workers exit when the context is
// canceled or Shutdown is called.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.config.MaxConcurrent; i++ {
		q.workers.Add(1)
		go q.worker(ctx)
	}

	// Wake blocked workers when the context dies.
	go func() {
		<-ctx.Done()
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		q.cond.Broadcast()
	}()

	q.logger.Info("request queue started",
		zap.Int("workers", q.config.MaxConcurrent),
		zap.Int("max_queue_size", q.config.MaxQueueSize),
	)
}

// Shutdown stops accepting work and waits for in-flight requests, up to
// the context deadline. Still-pending requests are cancelled.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	for _, req := range q.pending {
		q.finishLocked(req, StatusCancelled, nil, "queue shut down")
	}
	q.pending = nil
	q.mu.Unlock()
	q.cond.Broadcast()

	done := make(chan struct{})
	go func() {
		q.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit enqueues a request. Higher priority is served first; equal
// priorities keep submission order. Returns ErrQueueFull at capacity.
func (q *Queue) Submit(kind string, payload any, priority int) (string, error) {
	_, span := tracer.Start(context.Background(), "queue.submit")
	defer span.End()
	span.SetAttributes(attribute.String("kind", kind), attribute.Int("priority", priority))

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return "", ErrClosed
	}
	if len(q.pending) >= q.config.MaxQueueSize {
		span.SetAttributes(attribute.Bool("rejected", true))
		return "", ErrQueueFull
	}

	req := &Request{
		ID:        uuid.NewString(),
		Kind:      kind,
		Priority:  priority,
		Status:    StatusPending,
		CreatedAt: time.Now(),
		Payload:   payload,
		done:      make(chan struct{}),
	}

	// Insert after the last entry with priority >= ours: stable order.
	idx := sort.Search(len(q.pending), func(i int) bool {
		return q.pending[i].Priority < priority
	})
	q.pending = append(q.pending, nil)
	copy(q.pending[idx+1:], q.pending[idx:])
	q.pending[idx] = req

	q.cond.Signal()
	q.logger.Debug("request queued",
		zap.String("request_id", req.ID),
		zap.String("kind", kind),
		zap.Int("priority", priority),
	)
	return req.ID, nil
}

// Status returns a snapshot of a request, or nil if the id is unknown or
// already evicted from history.
func (q *Queue) Status(id string) *Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	if req := q.findLocked(id); req != nil {
		snapshot := *req
		for i, pending := range q.pending {
			if pending.ID == id {
				snapshot.Position = i + 1
				break
			}
		}
		return &snapshot
	}
	return nil
}

func (q *Queue) findLocked(id string) *Request {
	if req, ok := q.active[id]; ok {
		return req
	}
	if req, ok := q.history[id]; ok {
		return req
	}
	for _, req := range q.pending {
		if req.ID == id {
			return req
		}
	}
	return nil
}

// Cancel removes a pending request. Requests already processing cannot be
// cancelled; their result is simply discarded by the caller.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, req := range q.pending {
		if req.ID != id {
			continue
		}
		q.pending = append(q.pending[:i], q.pending[i+1:]...)
		q.finishLocked(req, StatusCancelled, nil, "cancelled by caller")
		q.logger.Info("request cancelled", zap.String("request_id", id))
		return true
	}
	return false
}

// Stats describes the queue's current occupancy.
type Stats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Workers    int `json:"workers"`
	Capacity   int `json:"capacity"`

	// AvgProcessingSeconds averages handler runtime over the retained
	// history. Zero when nothing has completed yet.
	AvgProcessingSeconds float64 `json:"avg_processing_seconds"`
}

// QueueStats returns current occupancy counts.
func (q *Queue) QueueStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	var total time.Duration
	var counted int
	for _, req := range q.history {
		if req.StartedAt != nil && req.CompletedAt != nil {
			total += req.CompletedAt.Sub(*req.StartedAt)
			counted++
		}
	}

	stats := Stats{
		Pending:    len(q.pending),
		Processing: len(q.active),
		Completed:  len(q.history),
		Workers:    q.config.MaxConcurrent,
		Capacity:   q.config.MaxQueueSize,
	}
	if counted > 0 {
		stats.AvgProcessingSeconds = total.Seconds() / float64(counted)
	}
	return stats
}

// Await blocks until the request reaches a terminal status or the context
// expires, then returns its snapshot.
func (q *Queue) Await(ctx context.Context, id string) (*Request, error) {
	q.mu.Lock()
	req := q.findLocked(id)
	q.mu.Unlock()
	if req == nil {
		return nil, fmt.Errorf("unknown request %s", id)
	}

	select {
	case <-req.done:
		snapshot := q.Status(id)
		if snapshot == nil {
			return nil, fmt.Errorf("request %s evicted from history", id)
		}
		return snapshot, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *Queue) worker(ctx context.Context) {
	defer q.workers.Done()

	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.closed && len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}

		req := q.pending[0]
		q.pending = q.pending[1:]
		now := time.Now()
		req.Status = StatusProcessing
		req.StartedAt = &now
		q.active[req.ID] = req
		q.mu.Unlock()

		q.run(ctx, req)
	}
}

func (q *Queue) run(ctx context.Context, req *Request) {
	runCtx, cancel := context.WithTimeout(ctx, q.config.RequestTimeout)
	defer cancel()

	result, err := q.invoke(runCtx, req)

	q.mu.Lock()
	delete(q.active, req.ID)
	if err != nil {
		q.finishLocked(req, StatusFailed, nil, err.Error())
	} else {
		q.finishLocked(req, StatusCompleted, result, "")
	}
	q.mu.Unlock()
}

// invoke shields the scheduler from a panicking handler.
func (q *Queue) invoke(ctx context.Context, req *Request) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("handler panicked",
				zap.String("request_id", req.ID), zap.Any("panic", r))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return q.handler(ctx, req)
}

// finishLocked records a terminal status and moves the request into the
// bounded history. Caller holds the lock.
func (q *Queue) finishLocked(req *Request, status Status, result any, errMsg string) {
	now := time.Now()
	req.Status = status
	req.CompletedAt = &now
	req.Result = result
	req.Error = errMsg
	close(req.done)

	q.history[req.ID] = req
	q.historyFIFO = append(q.historyFIFO, req.ID)
	for len(q.historyFIFO) > q.config.HistoryLimit {
		oldest := q.historyFIFO[0]
		q.historyFIFO = q.historyFIFO[1:]
		delete(q.history, oldest)
	}
}
