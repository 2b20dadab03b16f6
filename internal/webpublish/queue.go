package webpublish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/valkey-io/valkey-go"

	"github.com/kingrea/pype/internal/config"
)

// Handler processes one dequeued job. A nil error acknowledges it.
type Handler func(ctx context.Context, job Job) error

// Queue hands jobs from the HTTP server to the worker.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	// Consume blocks delivering jobs to handler until ctx is done.
	Consume(ctx context.Context, handler Handler) error
	Close() error
}

// OpenQueue builds the queue selected by cfg.
func OpenQueue(ctx context.Context, cfg config.QueueConfig, logger *slog.Logger) (Queue, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryQueue(64), nil
	case "valkey":
		return NewValkeyQueue(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("webpublish: unknown queue backend %q", cfg.Backend)
	}
}

// MemoryQueue is a buffered in-process queue.
type MemoryQueue struct {
	jobs chan Job
	done chan struct{}
}

// NewMemoryQueue returns a queue holding up to size pending jobs.
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 1
	}
	return &MemoryQueue{jobs: make(chan Job, size), done: make(chan struct{})}
}

// Enqueue implements Queue.
func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) error {
	select {
	case q.jobs <- job:
		return nil
	case <-q.done:
		return fmt.Errorf("webpublish: queue closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume implements Queue. Failed jobs are not redelivered.
func (q *MemoryQueue) Consume(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-q.done:
			return nil
		case job := <-q.jobs:
			_ = handler(ctx, job)
		}
	}
}

// Close implements Queue.
func (q *MemoryQueue) Close() error {
	select {
	case <-q.done:
	default:
		close(q.done)
	}
	return nil
}

// ValkeyQueue is a stream with a consumer group, so jobs survive restarts
// and a crashed worker's pending jobs are delivered again.
type ValkeyQueue struct {
	client   valkey.Client
	stream   string
	group    string
	consumer string
	logger   *slog.Logger
}

// NewValkeyQueue connects, pings and ensures the consumer group exists.
func NewValkeyQueue(ctx context.Context, cfg config.QueueConfig, logger *slog.Logger) (*ValkeyQueue, error) {
	client, err := valkey.NewClient(valkey.ClientOption{InitAddress: []string{cfg.Addr}})
	if err != nil {
		return nil, fmt.Errorf("create valkey client: %w", err)
	}
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping valkey: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	q := &ValkeyQueue{
		client:   client,
		stream:   cfg.Stream,
		group:    cfg.Group,
		consumer: "webpublisher",
		logger:   logger,
	}
	if err := q.ensureGroup(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return q, nil
}

func (q *ValkeyQueue) ensureGroup(ctx context.Context) error {
	err := q.client.Do(ctx, q.client.B().XgroupCreate().
		Key(q.stream).Group(q.group).Id("0").Mkstream().Build()).Error()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("xgroup create: %w", err)
	}
	return nil
}

// Enqueue implements Queue.
func (q *ValkeyQueue) Enqueue(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	resp := q.client.Do(ctx, q.client.B().Xadd().
		Key(q.stream).Id("*").
		FieldValue().FieldValue("data", string(data)).
		Build())
	if err := resp.Error(); err != nil {
		return fmt.Errorf("xadd job: %w", err)
	}
	return nil
}

const (
	pendingBatch = 16
	readBlockMS  = 5000
	minBackoff   = 100 * time.Millisecond
	maxBackoff   = 5 * time.Second
)

// Consume implements Queue. Every pending entry of this consumer is replayed
// first; a job is acknowledged once handler returns nil. Read errors back
// off before the next attempt.
func (q *ValkeyQueue) Consume(ctx context.Context, handler Handler) error {
	replay := func(cursor string) (string, int, error) {
		return q.read(ctx, cursor, 0, pendingBatch, handler)
	}
	if err := drainPending(ctx, replay); err != nil {
		return nil
	}
	var delay time.Duration
	for ctx.Err() == nil {
		if _, _, err := q.read(ctx, ">", readBlockMS, 1, handler); err != nil {
			delay = nextBackoff(delay)
			if !sleepCtx(ctx, delay) {
				return nil
			}
			continue
		}
		delay = 0
	}
	return nil
}

// drainPending pages through pending entries, advancing the cursor past the
// last entry of each page, until a page comes back empty. It returns a
// non-nil error only when ctx ends.
func drainPending(ctx context.Context, read func(cursor string) (last string, n int, err error)) error {
	cursor := "0"
	var delay time.Duration
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		last, n, err := read(cursor)
		if err != nil {
			delay = nextBackoff(delay)
			if !sleepCtx(ctx, delay) {
				return ctx.Err()
			}
			continue
		}
		delay = 0
		if n == 0 {
			return nil
		}
		cursor = last
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d < minBackoff {
		return minBackoff
	}
	if d *= 2; d > maxBackoff {
		return maxBackoff
	}
	return d
}

// sleepCtx waits d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// read handles one XREADGROUP page and returns the ID of its last entry and
// how many entries it held. A blocking read that times out is not an error.
func (q *ValkeyQueue) read(ctx context.Context, id string, block, count int64, handler Handler) (string, int, error) {
	cmd := q.client.B().Xreadgroup().Group(q.group, q.consumer).Count(count)
	var resp valkey.ValkeyResult
	if block > 0 {
		resp = q.client.Do(ctx, cmd.Block(block).Streams().Key(q.stream).Id(id).Build())
	} else {
		resp = q.client.Do(ctx, cmd.Streams().Key(q.stream).Id(id).Build())
	}
	if err := resp.Error(); err != nil {
		if valkey.IsValkeyNil(err) {
			return id, 0, nil
		}
		if ctx.Err() == nil {
			q.logger.Warn("xreadgroup failed", slog.String("error", err.Error()))
		}
		return id, 0, err
	}
	streams, err := resp.AsXRead()
	if err != nil {
		return id, 0, fmt.Errorf("decode xreadgroup: %w", err)
	}
	last, n := id, 0
	for _, entries := range streams {
		for _, entry := range entries {
			q.process(ctx, entry, handler)
			last = entry.ID
			n++
		}
	}
	return last, n, nil
}

func (q *ValkeyQueue) process(ctx context.Context, entry valkey.XRangeEntry, handler Handler) {
	data, ok := entry.FieldValues["data"]
	if !ok {
		q.logger.Warn("job entry missing data field", slog.String("id", entry.ID))
		q.ack(ctx, entry.ID)
		return
	}
	var job Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		q.logger.Error("unmarshal job", slog.String("error", err.Error()), slog.String("id", entry.ID))
		q.ack(ctx, entry.ID)
		return
	}
	if err := handler(ctx, job); err != nil {
		q.logger.Error("handle job", slog.String("error", err.Error()), slog.String("job", job.ID))
		return
	}
	q.ack(ctx, entry.ID)
}

func (q *ValkeyQueue) ack(ctx context.Context, id string) {
	if err := q.client.Do(ctx, q.client.B().Xack().Key(q.stream).Group(q.group).Id(id).Build()).Error(); err != nil {
		q.logger.Error("xack failed", slog.String("error", err.Error()), slog.String("id", id))
	}
}

// Close implements Queue.
func (q *ValkeyQueue) Close() error {
	q.client.Close()
	return nil
}
