// Package outbox redelivers messages whose first remote write failed.
package outbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/matheus3301/securechat/internal/metrics"
	"github.com/matheus3301/securechat/internal/model"
	"go.uber.org/zap"
)

const (
	DefaultInterval    = 30 * time.Second
	DefaultMaxAttempts = 5
)

// ErrNotReady is returned by Resend when nothing can be sent yet, for example
// while no identity or key pair is bound. The pass stops without counting an
// attempt.
var ErrNotReady = errors.New("sender not ready")

// Queue is the pending-message store the retrier drains.
type Queue interface {
	// Pending lists queued messages, oldest first.
	Pending() []model.PendingMessage
	// Resend re-runs the send path for p. On success the entry is removed
	// and the message confirmed.
	Resend(ctx context.Context, p model.PendingMessage) error
	// Fail records a failed attempt and returns the new retry count.
	Fail(ctx context.Context, msgID string, cause error) int
	// Drop removes an entry that has exhausted its attempts.
	Drop(ctx context.Context, msgID string, cause error)
}

// Result summarizes one pass over the queue.
type Result struct {
	Attempted int
	Sent      int
	Failed    int
	Dropped   int
	// Skipped is set when another pass was already running or the queue
	// reported ErrNotReady.
	Skipped bool
}

// Retrier periodically resends pending messages. Passes never overlap: a
// manual RunOnce during a scheduled pass is skipped, and vice versa.
type Retrier struct {
	queue       Queue
	interval    time.Duration
	maxAttempts int
	logger      *zap.Logger
	metrics     *metrics.Metrics

	pass   sync.Mutex
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRetrier creates a retrier. Zero interval or maxAttempts use the defaults.
func NewRetrier(q Queue, interval time.Duration, maxAttempts int, m *metrics.Metrics, logger *zap.Logger) *Retrier {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retrier{
		queue:       q,
		interval:    interval,
		maxAttempts: maxAttempts,
		logger:      logger,
		metrics:     m,
	}
}

// Start begins the periodic loop. Calling Start on a running retrier is a no-op.
func (r *Retrier) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go r.loop(ctx, r.done)
	r.logger.Info("retry loop started", zap.Duration("interval", r.interval), zap.Int("max_attempts", r.maxAttempts))
}

// Stop cancels the loop and waits for an in-flight pass to return.
func (r *Retrier) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	r.logger.Info("retry loop stopped")
}

func (r *Retrier) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.RunOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce makes a single pass over the queue.
func (r *Retrier) RunOnce(ctx context.Context) Result {
	if !r.pass.TryLock() {
		return Result{Skipped: true}
	}
	defer r.pass.Unlock()

	start := time.Now()
	var res Result
	for _, p := range r.queue.Pending() {
		if ctx.Err() != nil {
			break
		}
		if p.RetryCount >= r.maxAttempts {
			r.drop(ctx, p, nil)
			res.Dropped++
			continue
		}

		err := r.queue.Resend(ctx, p)
		if errors.Is(err, ErrNotReady) {
			r.logger.Debug("retry pass deferred", zap.Error(err))
			res.Skipped = true
			break
		}
		res.Attempted++
		if err == nil {
			res.Sent++
			r.metrics.Retry("sent")
			r.logger.Info("pending message delivered",
				zap.String("message_id", p.MessageID),
				zap.Int("retry_count", p.RetryCount))
			continue
		}

		res.Failed++
		r.metrics.Retry("failed")
		count := r.queue.Fail(ctx, p.MessageID, err)
		r.logger.Debug("resend failed",
			zap.String("message_id", p.MessageID),
			zap.Int("retry_count", count),
			zap.Error(err))
		if count >= r.maxAttempts {
			r.drop(ctx, p, err)
			res.Dropped++
		}
	}

	r.metrics.RetryPass(time.Since(start))
	r.metrics.Pending(len(r.queue.Pending()))
	return res
}

func (r *Retrier) drop(ctx context.Context, p model.PendingMessage, cause error) {
	r.queue.Drop(ctx, p.MessageID, cause)
	r.metrics.Dropped()
	r.logger.Warn("dropping message after exhausting retries",
		zap.String("message_id", p.MessageID),
		zap.String("chat_id", p.ChatID),
		zap.Int("max_attempts", r.maxAttempts),
		zap.Error(cause))
}
