//go:build integration

package queue

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
)

func openTestRedis(t *testing.T) *Redis {
	t.Helper()
	url := os.Getenv("FIELDDISPATCH_TEST_REDIS_URL")
	if url == "" {
		url = "redis://localhost:6379/15"
	}
	suffix := uuid.NewString()[:8]
	q, err := OpenRedis(context.Background(), url, RedisConfig{
		Stream:    "fielddispatch-test-" + suffix,
		DLQStream: "fielddispatch-test-dlq-" + suffix,
	})
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() {
		ctx := context.Background()
		q.client.Del(ctx, q.cfg.Stream, q.cfg.DLQStream)
		q.Close()
	})
	return q
}

func TestRedis_SendReceiveAck(t *testing.T) {
	q := openTestRedis(t)
	ctx := context.Background()

	e := NewVoiceInput("tech-1", "s", "close acme")
	if err := q.Send(ctx, e); err != nil {
		t.Fatalf("Send: %v", err)
	}
	ds, err := q.Receive(ctx, 10, 0)
	if err != nil || len(ds) != 1 {
		t.Fatalf("Receive = %d, %v", len(ds), err)
	}
	got, err := Decode(ds[0].Body)
	if err != nil || got.MessageID != e.MessageID {
		t.Fatalf("Decode = %+v, %v", got, err)
	}
	if err := q.Ack(ctx, ds[0]); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	st, err := q.Stats(ctx)
	if err != nil || st != (Stats{}) {
		t.Errorf("stats = %+v, %v", st, err)
	}
}

func TestRedis_BatchAndDeadLetter(t *testing.T) {
	q := openTestRedis(t)
	ctx := context.Background()

	if err := q.SendBatch(ctx, []Envelope{
		NewVoiceInput("tech-1", "s", "a"),
		NewVoiceInput("tech-1", "s", "b"),
	}); err != nil {
		t.Fatalf("SendBatch: %v", err)
	}
	ds, _ := q.Receive(ctx, 10, 0)
	if len(ds) != 2 {
		t.Fatalf("got %d deliveries", len(ds))
	}
	q.Ack(ctx, ds[0])
	if err := q.DeadLetter(ctx, ds[1], ReasonProcessingError, "boom"); err != nil {
		t.Fatalf("DeadLetter: %v", err)
	}
	st, _ := q.Stats(ctx)
	if st.DeadLetters != 1 || st.Pending != 0 || st.InFlight != 0 {
		t.Errorf("stats = %+v", st)
	}
}
