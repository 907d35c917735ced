package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/scanfleet/scanfleet/internal/config"
	"github.com/scanfleet/scanfleet/models"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	q, err := New(config.RedisConfig{URL: "redis://" + mr.Addr(), Namespace: "test"})
	if err != nil {
		t.Fatalf("connecting queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func receive(t *testing.T, q *Queue, timeout time.Duration) *Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	d, err := q.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	return d
}

func TestEnqueueReceiveAck(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, Message{JobID: 7, Class: models.PriorityNormal}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	d := receive(t, q, time.Second)
	if d.Message.JobID != 7 {
		t.Fatalf("job id = %d, want 7", d.Message.JobID)
	}
	if err := d.Ack(ctx); err != nil {
		t.Fatalf("ack: %v", err)
	}

	// Nothing left: receive should time out.
	shortCtx, cancel := context.WithTimeout(ctx, 400*time.Millisecond)
	defer cancel()
	if _, err := q.Receive(shortCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline after ack, got %v", err)
	}
}

func TestPriorityOrdering(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, Message{JobID: 1, Class: models.PriorityNormal})
	q.Enqueue(ctx, Message{JobID: 2, Class: models.PriorityRetry})
	q.Enqueue(ctx, Message{JobID: 3, Class: models.PriorityHigh})

	var order []int64
	for i := 0; i < 3; i++ {
		d := receive(t, q, time.Second)
		order = append(order, d.Message.JobID)
		d.Ack(ctx)
	}
	if order[0] != 3 || order[1] != 2 || order[2] != 1 {
		t.Fatalf("priority order wrong: %v", order)
	}
}

func TestNackRedeliversAfterDelay(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, Message{JobID: 5, Class: models.PriorityNormal, Attempt: 1})
	d := receive(t, q, time.Second)

	if err := d.Nack(ctx, 150*time.Millisecond); err != nil {
		t.Fatalf("nack: %v", err)
	}

	// Before the delay elapses the message is invisible.
	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	if _, err := q.Receive(shortCtx); !errors.Is(err, context.DeadlineExceeded) {
		cancel()
		t.Fatalf("message visible before delay, err=%v", err)
	}
	cancel()

	time.Sleep(150 * time.Millisecond)
	d2 := receive(t, q, time.Second)
	if d2.Message.JobID != 5 || d2.Message.Attempt != 1 {
		t.Fatalf("unexpected redelivery: %+v", d2.Message)
	}
	d2.Ack(ctx)
}

func TestReapProcessingRequeuesStuckMessages(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, Message{JobID: 9, Class: models.PriorityRetry})
	_ = receive(t, q, time.Second) // consumer "dies": no ack

	time.Sleep(30 * time.Millisecond)
	n, err := q.ReapProcessing(ctx, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if n != 1 {
		t.Fatalf("reaped = %d, want 1", n)
	}

	d := receive(t, q, time.Second)
	if d.Message.JobID != 9 || d.Message.Class != models.PriorityRetry {
		t.Fatalf("stuck message not redelivered on its class: %+v", d.Message)
	}
	d.Ack(ctx)
}

func TestDeadLetterLandsInDLQ(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, Message{JobID: 11, Class: models.PriorityNormal})
	d := receive(t, q, time.Second)
	if err := d.DeadLetter(ctx); err != nil {
		t.Fatalf("dead letter: %v", err)
	}

	n, err := q.DLQLength(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("dlq length = %d, want 1", n)
	}

	// Dead-lettered work never comes back on its own.
	shortCtx, cancel := context.WithTimeout(ctx, 400*time.Millisecond)
	defer cancel()
	if _, err := q.Receive(shortCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected empty queue after dead letter, got %v", err)
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	base := 100 * time.Millisecond
	limit := time.Second

	prev := time.Duration(0)
	for attempt := 0; attempt < 4; attempt++ {
		d := Backoff(base, limit, 0, attempt)
		if d < prev {
			t.Fatalf("backoff shrank at attempt %d: %v < %v", attempt, d, prev)
		}
		if d > limit {
			t.Fatalf("backoff exceeded cap: %v", d)
		}
		prev = d
	}
	if got := Backoff(base, limit, 0, 20); got != limit {
		t.Fatalf("large attempt should hit cap, got %v", got)
	}

	withJitter := Backoff(base, limit, 0.5, 0)
	if withJitter < base || withJitter > base+base/2 {
		t.Fatalf("jittered backoff out of range: %v", withJitter)
	}
}
