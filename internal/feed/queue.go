package feed

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/campusx/exchange/internal/metrics"
	"github.com/campusx/exchange/internal/model"
)

var (
	// ErrQueueFull is returned by Queue.Publish when the buffer is full.
	// The trade is dropped from the feed; it is already committed.
	ErrQueueFull = errors.New("feed: queue full")

	// ErrQueueClosed is returned by Queue.Publish after Close.
	ErrQueueClosed = errors.New("feed: queue closed")
)

// Queue moves publishing off the settlement path. Publish only enqueues;
// Run delivers each trade to the wrapped publisher under its own timeout.
type Queue struct {
	next    Publisher
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	trades chan model.Trade
	done   chan struct{}
}

// NewQueue creates a queue holding up to size trades. A nil logger uses
// slog.Default().
func NewQueue(next Publisher, size int, timeout time.Duration, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	if size < 1 {
		size = 1
	}
	return &Queue{
		next:    next,
		timeout: timeout,
		logger:  logger,
		trades:  make(chan model.Trade, size),
		done:    make(chan struct{}),
	}
}

// Publish enqueues t without blocking.
func (q *Queue) Publish(_ context.Context, t model.Trade) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.trades <- t:
		return nil
	default:
		metrics.FeedPublishErrors.WithLabelValues("queue").Inc()
		return ErrQueueFull
	}
}

// Run delivers queued trades until Close has drained the queue or ctx is
// cancelled.
func (q *Queue) Run(ctx context.Context) {
	defer close(q.done)
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-q.trades:
			if !ok {
				return
			}
			q.deliver(ctx, t)
		}
	}
}

func (q *Queue) deliver(ctx context.Context, t model.Trade) {
	if q.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}
	if err := q.next.Publish(ctx, t); err != nil {
		q.logger.Debug("queued trade delivery failed", "trade_id", t.ID, "err", err)
	}
}

// Close stops accepting trades and waits for Run to deliver what is
// already queued, or for ctx to expire.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.trades)
	}
	q.mu.Unlock()

	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
