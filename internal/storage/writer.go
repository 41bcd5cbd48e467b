package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

const (
	defaultQueueSize    = 256
	defaultWriteTimeout = 5 * time.Second
)

// WriterOptions configures a Writer
type WriterOptions struct {
	QueueSize    int
	WriteTimeout time.Duration
	Logger       *log.Logger
}

// WriterStats reports persistence outcomes
type WriterStats struct {
	Written int64 `json:"written"`
	Failed  int64 `json:"failed"`
	Dropped int64 `json:"dropped"`
	Pending int   `json:"pending"`
}

type writeOp struct {
	record  Record
	barrier chan struct{}
}

// Writer persists records in the background. Callers never wait for the
// write and never see its error; failures are only logged.
type Writer struct {
	log     MessageLog
	logger  *log.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan writeOp
	done   chan struct{}

	written atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64
}

// NewWriter starts a background writer for messageLog
func NewWriter(messageLog MessageLog, opts WriterOptions) *Writer {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.Logger == nil {
		opts.Logger = log.Default().WithPrefix("storage")
	}

	w := &Writer{
		log:     messageLog,
		logger:  opts.Logger,
		timeout: opts.WriteTimeout,
		queue:   make(chan writeOp, opts.QueueSize),
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

// Enqueue schedules records for persistence without blocking. Records are
// dropped (and logged) when the queue is full or the writer is closed.
func (w *Writer) Enqueue(records ...Record) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	for _, record := range records {
		if w.closed {
			w.dropped.Add(1)
			w.logger.Warn("Dropping message, writer closed", "message_id", record.MessageID)
			continue
		}
		select {
		case w.queue <- writeOp{record: record}:
		default:
			w.dropped.Add(1)
			w.logger.Warn("Dropping message, persistence queue full",
				"message_id", record.MessageID, "thread_id", record.ThreadID)
		}
	}
}

// Flush waits until every record enqueued before the call has been attempted
func (w *Writer) Flush(ctx context.Context) error {
	barrier := make(chan struct{})

	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		return ErrClosed
	}
	select {
	case w.queue <- writeOp{barrier: barrier}:
		w.mu.RUnlock()
	case <-ctx.Done():
		w.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting records and waits for the queue to drain
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot of writer counters
func (w *Writer) Stats() WriterStats {
	return WriterStats{
		Written: w.written.Load(),
		Failed:  w.failed.Load(),
		Dropped: w.dropped.Load(),
		Pending: len(w.queue),
	}
}

func (w *Writer) run() {
	defer close(w.done)

	for op := range w.queue {
		if op.barrier != nil {
			close(op.barrier)
			continue
		}
		w.write(op.record)
	}
}

func (w *Writer) write(record Record) {
	defer func() {
		if r := recover(); r != nil {
			w.failed.Add(1)
			w.logger.Error("Message log panicked", "message_id", record.MessageID, "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	if err := w.log.Create(ctx, record); err != nil {
		w.failed.Add(1)
		w.logger.Warn("Failed to persist message",
			"message_id", record.MessageID, "thread_id", record.ThreadID, "error", err)
		return
	}
	w.written.Add(1)
}
