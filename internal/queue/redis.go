package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig names the streams and consumer group used by Redis.
type RedisConfig struct {
	Stream    string
	DLQStream string
	Group     string
	Consumer  string
}

// Redis is a queue on Redis streams with a consumer group. Dead letters are
// appended to a separate stream together with the reason.
type Redis struct {
	client *redis.Client
	cfg    RedisConfig
	logger *slog.Logger
}

// OpenRedis connects to the Redis server at url and makes sure the consumer
// group exists.
func OpenRedis(ctx context.Context, url string, cfg RedisConfig) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: pinging redis: %w", ErrTransport, err)
	}
	q, err := NewRedis(ctx, client, cfg)
	if err != nil {
		client.Close()
		return nil, err
	}
	return q, nil
}

// NewRedis wraps an existing client.
func NewRedis(ctx context.Context, client *redis.Client, cfg RedisConfig) (*Redis, error) {
	if cfg.Group == "" {
		cfg.Group = "fielddispatch"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "worker"
	}
	q := &Redis{client: client, cfg: cfg, logger: slog.Default()}

	// Start from "0" so messages sent before the group existed are not lost.
	err := client.XGroupCreateMkStream(ctx, cfg.Stream, cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("%w: creating consumer group: %w", ErrTransport, err)
	}
	return q, nil
}

// Close closes the client.
func (q *Redis) Close() error {
	return q.client.Close()
}

func envelopeValues(e Envelope) (map[string]any, error) {
	body, err := e.Encode()
	if err != nil {
		return nil, fmt.Errorf("encoding envelope %s: %w", e.MessageID, err)
	}
	return map[string]any{
		"message_id":   e.MessageID,
		"message_type": string(e.Type),
		"body":         string(body),
	}, nil
}

// Send implements Sender.
func (q *Redis) Send(ctx context.Context, e Envelope) error {
	values, err := envelopeValues(e)
	if err != nil {
		return err
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{Stream: q.cfg.Stream, Values: values}).Err(); err != nil {
		return fmt.Errorf("%w: xadd (stream=%s): %w", ErrTransport, q.cfg.Stream, err)
	}
	q.logger.DebugContext(ctx, "envelope sent", "message_id", e.MessageID, "technician_id", e.TechnicianID, "stream", q.cfg.Stream)
	return nil
}

// SendBatch pipelines all envelopes in one round trip.
func (q *Redis) SendBatch(ctx context.Context, es []Envelope) error {
	if len(es) == 0 {
		return nil
	}
	all := make([]map[string]any, 0, len(es))
	for _, e := range es {
		values, err := envelopeValues(e)
		if err != nil {
			return err
		}
		all = append(all, values)
	}
	_, err := q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, values := range all {
			pipe.XAdd(ctx, &redis.XAddArgs{Stream: q.cfg.Stream, Values: values})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: pipelined xadd (stream=%s): %w", ErrTransport, q.cfg.Stream, err)
	}
	return nil
}

// Receive reads up to limit new messages for this consumer, blocking up to wait.
func (q *Redis) Receive(ctx context.Context, limit int, wait time.Duration) ([]Delivery, error) {
	block := wait
	if block <= 0 {
		// A zero BLOCK waits forever; negative omits it.
		block = -1
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.cfg.Group,
		Consumer: q.cfg.Consumer,
		Streams:  []string{q.cfg.Stream, ">"},
		Count:    int64(max(limit, 1)),
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: reading from stream: %w", ErrTransport, err)
	}

	var out []Delivery
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			var body []byte
			if raw, ok := msg.Values["body"]; ok {
				body = []byte(fmt.Sprint(raw))
			}
			out = append(out, Delivery{ID: msg.ID, Body: body})
		}
	}
	return out, nil
}

// Ack acknowledges a message for the consumer group and trims it from the
// stream, so the stream only holds unsettled work.
func (q *Redis) Ack(ctx context.Context, d Delivery) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAck(ctx, q.cfg.Stream, q.cfg.Group, d.ID)
		pipe.XDel(ctx, q.cfg.Stream, d.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: xack (stream=%s): %w", ErrTransport, q.cfg.Stream, err)
	}
	return nil
}

// DeadLetter acknowledges the message and appends it to the DLQ stream.
func (q *Redis) DeadLetter(ctx context.Context, d Delivery, reason, description string) error {
	if err := q.Ack(ctx, d); err != nil {
		return fmt.Errorf("acking message for dlq: %w", err)
	}
	values := map[string]any{
		"original_id": d.ID,
		"body":        string(d.Body),
		"reason":      reason,
		"description": description,
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{Stream: q.cfg.DLQStream, Values: values}).Err(); err != nil {
		return fmt.Errorf("%w: xadd dlq (stream=%s): %w", ErrTransport, q.cfg.DLQStream, err)
	}
	q.logger.ErrorContext(ctx, "message sent to DLQ", "reason", reason, "description", description, "dlq_stream", q.cfg.DLQStream)
	return nil
}

// Stats implements Transport.
func (q *Redis) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	n, err := q.client.XLen(ctx, q.cfg.Stream).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("%w: xlen: %w", ErrTransport, err)
	}

	pending, err := q.client.XPending(ctx, q.cfg.Stream, q.cfg.Group).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Stats{}, fmt.Errorf("%w: xpending: %w", ErrTransport, err)
	}
	if pending != nil {
		s.InFlight = pending.Count
	}
	s.Pending = max(0, n-s.InFlight)

	dead, err := q.client.XLen(ctx, q.cfg.DLQStream).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("%w: xlen dlq: %w", ErrTransport, err)
	}
	s.DeadLetters = dead
	return s, nil
}
