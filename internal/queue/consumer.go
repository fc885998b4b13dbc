package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/fielddispatch/internal/retry"
)

// Dead-letter reasons.
const (
	ReasonInvalidJSON     = "InvalidJSON"
	ReasonProcessingError = "ProcessingError"
)

// Handler processes one decoded envelope. A returned error dead-letters it.
type Handler func(ctx context.Context, e Envelope) error

// ConsumerConfig tunes the receive loop. Zero values take defaults.
type ConsumerConfig struct {
	BatchSize int
	Wait      time.Duration
	Idle      time.Duration
	Retry     retry.Policy
}

func (c ConsumerConfig) withDefaults() ConsumerConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.Wait <= 0 {
		c.Wait = 5 * time.Second
	}
	if c.Idle <= 0 {
		c.Idle = 100 * time.Millisecond
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 5
	}
	if c.Retry.Backoff == nil {
		c.Retry.Backoff = retry.Incremental(time.Second, time.Second)
	}
	return c
}

// Consumer pulls batches from a Receiver and settles every delivery:
// handled ones are acked, undecodable or failing ones are dead-lettered.
type Consumer struct {
	recv    Receiver
	handler Handler
	cfg     ConsumerConfig
	logger  *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewConsumer creates a Consumer.
func NewConsumer(recv Receiver, handler Handler, cfg ConsumerConfig) *Consumer {
	return &Consumer{
		recv:    recv,
		handler: handler,
		cfg:     cfg.withDefaults(),
		logger:  slog.Default(),
		stopCh:  make(chan struct{}),
	}
}

// Stop makes Run return after the batch in progress. Safe to call more than once.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Run processes batches until ctx is cancelled or Stop is called, returning
// nil in both cases. It returns an ErrTransport error only when receiving
// keeps failing after the retry policy is exhausted.
func (c *Consumer) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	c.logger.Info("consumer started", "batch_size", c.cfg.BatchSize, "wait", c.cfg.Wait)
	defer c.logger.Info("consumer stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}

		n, err := c.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if n > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.cfg.Idle):
		}
	}
}

// RunOnce receives and settles a single batch, returning how many
// deliveries it handled.
func (c *Consumer) RunOnce(ctx context.Context) (int, error) {
	var batch []Delivery
	err := retry.Do(ctx, c.cfg.Retry, func(ctx context.Context, attempt int) error {
		var err error
		batch, err = c.recv.Receive(ctx, c.cfg.BatchSize, c.cfg.Wait)
		if err != nil && ctx.Err() == nil {
			c.logger.Warn("receive failed", "attempt", attempt, "error", err)
		}
		return err
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return 0, err
		}
		if errors.Is(err, ErrTransport) {
			return 0, fmt.Errorf("receiving batch: %w", err)
		}
		return 0, fmt.Errorf("%w: receiving batch: %w", ErrTransport, err)
	}

	for _, d := range batch {
		c.settle(ctx, d)
	}
	return len(batch), nil
}

func (c *Consumer) settle(ctx context.Context, d Delivery) {
	env, err := Decode(d.Body)
	if err != nil {
		c.logger.Warn("undecodable message", "delivery_id", d.ID, "error", err)
		if dlErr := c.recv.DeadLetter(ctx, d, ReasonInvalidJSON, err.Error()); dlErr != nil {
			c.logger.Error("failed to dead-letter message", "delivery_id", d.ID, "error", dlErr)
		}
		return
	}

	if err := c.handle(ctx, env); err != nil {
		c.logger.Warn("message processing failed",
			"message_id", env.MessageID, "technician_id", env.TechnicianID, "session_id", env.SessionID, "error", err)
		if dlErr := c.recv.DeadLetter(ctx, d, ReasonProcessingError, err.Error()); dlErr != nil {
			c.logger.Error("failed to dead-letter message", "delivery_id", d.ID, "error", dlErr)
		}
		return
	}

	if err := c.recv.Ack(ctx, d); err != nil {
		c.logger.Error("failed to ack message", "delivery_id", d.ID, "error", err)
	}
}

func (c *Consumer) handle(ctx context.Context, env Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return c.handler(ctx, env)
}
