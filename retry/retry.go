// Package retry re-sends failed messages with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"

	"github.com/GetStream/chat-sync/chat"
	"github.com/GetStream/chat-sync/metrics"
)

// ErrExhausted is returned when every attempt failed. The message stays
// failed until the user resends or deletes it.
var ErrExhausted = errors.New("retry attempts exhausted")

// A Sender submits one attempt of a message to the server.
type Sender interface {
	Send(ctx context.Context, m chat.Message) (chat.ServerMessage, error)
}

// Config bounds the backoff schedule.
type Config struct {
	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration
	// MaxAttempts counts every send, the first one included.
	MaxAttempts int
	// Jitter is the randomization factor applied to each interval.
	Jitter float64
	// AttemptTimeout bounds one send.
	AttemptTimeout time.Duration
}

// DefaultConfig is used for zero fields of a Config.
var DefaultConfig = Config{
	InitialInterval: 500 * time.Millisecond,
	Multiplier:      2,
	MaxInterval:     30 * time.Second,
	MaxAttempts:     5,
	Jitter:          0.2,
	AttemptTimeout:  15 * time.Second,
}

// Controller runs retries for failed messages, at most one per message at a
// time.
type Controller struct {
	Store   *chat.Store
	Sender  Sender
	Config  Config
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	group singleflight.Group

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func (c *Controller) config() Config {
	cfg := c.Config
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = DefaultConfig.InitialInterval
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = DefaultConfig.Multiplier
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = DefaultConfig.MaxInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig.MaxAttempts
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultConfig.AttemptTimeout
	}
	return cfg
}

func (c *Controller) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// InFlight reports whether a retry of the message is running.
func (c *Controller) InFlight(id string) bool {
	m, ok := c.Store.Message(id)
	if !ok {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, running := c.inFlight[m.LocalID]
	return running
}

// Retry resends the failed message id until it is acknowledged, a permanent
// error occurs or the attempts run out. Calls for a message that is already
// being retried wait for and share the running result instead of starting a
// second attempt.
//
// The retry is not bound to ctx: when ctx is done Retry returns its error
// while the attempts carry on for the other callers and the store.
func (c *Controller) Retry(ctx context.Context, id string) (chat.Message, error) {
	m, ok := c.Store.Message(id)
	if !ok || m.Deleted {
		return chat.Message{}, fmt.Errorf("retry %s: %w", id, chat.ErrNotFound)
	}

	key := m.LocalID
	runCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		c.mu.Lock()
		if c.inFlight == nil {
			c.inFlight = make(map[string]struct{})
		}
		c.inFlight[key] = struct{}{}
		c.mu.Unlock()
		defer func() {
			c.mu.Lock()
			delete(c.inFlight, key)
			c.mu.Unlock()
		}()
		return c.run(runCtx, id)
	})

	select {
	case res := <-ch:
		if res.Shared {
			c.logger().Debug("Joined in-flight retry", "local_id", key)
		}
		if res.Err != nil {
			return chat.Message{}, res.Err
		}
		return res.Val.(chat.Message), nil
	case <-ctx.Done():
		c.logger().Info("Caller stopped waiting for retry", "local_id", key)
		return chat.Message{}, fmt.Errorf("retry %s: %w", id, ctx.Err())
	}
}

func (c *Controller) run(ctx context.Context, id string) (chat.Message, error) {
	cfg := c.config()
	log := c.logger().With("id", id)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialInterval
	b.Multiplier = cfg.Multiplier
	b.MaxInterval = cfg.MaxInterval
	b.RandomizationFactor = cfg.Jitter
	b.MaxElapsedTime = 0
	b.Reset()
	schedule := backoff.WithMaxRetries(b, uint64(cfg.MaxAttempts-1))

	attempts := 0
	op := func() error {
		m, err := c.Store.Resend(id)
		if err != nil {
			if cur, ok := c.Store.Message(id); ok && cur.Confirmed() && cur.Status != chat.StatusFailed {
				// A late acknowledgement confirmed it in the meantime.
				return nil
			}
			return backoff.Permanent(err)
		}
		attempts++

		sendCtx, cancel := context.WithTimeout(ctx, cfg.AttemptTimeout)
		sm, err := c.Sender.Send(sendCtx, m)
		cancel()
		if err != nil {
			if cur, ok := c.Store.Message(m.ID); ok && cur.Confirmed() {
				return nil
			}
			c.Store.MarkFailed(m.ID)
			c.Metrics.Send("failed")
			if !chat.Retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		if sm.CorrelationToken == "" {
			sm.CorrelationToken = m.CorrelationToken
		}
		c.Store.ReconcileServerMessage(sm)
		c.Metrics.Send("ok")
		return nil
	}
	notify := func(err error, wait time.Duration) {
		log.Info("Retry attempt failed", "attempt", attempts, "wait", wait, "error", err.Error())
	}

	err := backoff.RetryNotify(op, schedule, notify)
	switch {
	case err == nil:
		c.Metrics.Retry("ok")
	case !chat.Retryable(err) || errors.Is(err, chat.ErrInvalidTransition) || errors.Is(err, chat.ErrNotFound):
		c.Metrics.Retry("permanent")
		return chat.Message{}, fmt.Errorf("retry %s: %w", id, err)
	default:
		c.Metrics.Retry("exhausted")
		log.Warn("Giving up on message", "attempts", attempts, "error", err.Error())
		return chat.Message{}, fmt.Errorf("retry %s: %w after %d attempts: %v", id, ErrExhausted, attempts, err)
	}

	m, _ := c.Store.Message(id)
	return m, nil
}
