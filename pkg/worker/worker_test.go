package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/wisbric/brandowl/pkg/queue"
)

func testQueue(t *testing.T) (*queue.Queue, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return queue.New(rdb, slog.New(slog.DiscardHandler), time.Hour), rdb
}

func TestFailMovesJobToFailedAndDeadLetters(t *testing.T) {
	q, rdb := testQueue(t)
	ctx := context.Background()

	if err := q.EnsureGroup(ctx); err != nil {
		t.Fatal(err)
	}
	enq, err := q.Enqueue(ctx, json.RawMessage(`{"broken": true}`))
	if err != nil {
		t.Fatal(err)
	}
	msg, err := q.Read(ctx, "w1")
	if err != nil || msg == nil {
		t.Fatalf("read: %v %v", msg, err)
	}

	pool := NewPool(q, nil, slog.New(slog.DiscardHandler), 1)
	w := &worker{id: "w1", pool: pool}
	// An undecodable payload is the simplest failure path.
	w.process(ctx, &queue.Message{StreamID: msg.StreamID, JobID: enq.JobID, ContentHash: enq.ContentHash, Payload: json.RawMessage(`not json`)})

	status, err := q.Status(ctx, enq.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if status["status"] != queue.StateFailed {
		t.Errorf("status = %q, want failed", status["status"])
	}
	if status["error"] == "" {
		t.Error("failed job should carry a typed error")
	}

	// The failure is preserved on the dead-letter stream with a reason.
	entries, err := rdb.XRange(ctx, queue.DeadStreamName, "-", "+").Result()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("dead letter entries = %d, want 1", len(entries))
	}
	if entries[0].Values["job_id"] != enq.JobID {
		t.Errorf("dead letter job_id = %v", entries[0].Values["job_id"])
	}
	if entries[0].Values["kind"] == "" {
		t.Error("dead letter entry missing reason kind")
	}

	// The delivery was ACKed: no pending messages remain.
	pending, err := rdb.XPending(ctx, queue.StreamName, queue.ConsumerGroup).Result()
	if err != nil {
		t.Fatal(err)
	}
	if pending.Count != 0 {
		t.Errorf("pending = %d, want 0", pending.Count)
	}
}
