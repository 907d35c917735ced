// Package queue is the broker-backed work queue. Delivery is at-least-once:
// a received message moves to a processing list and is only removed on Ack,
// Nack or DeadLetter; messages stranded in processing (consumer death) are
// swept back to their ready list by the reaper. The queue carries only work
// pointers — job state lives in the store, so a wiped broker loses nothing
// that the reconciler cannot re-enqueue.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/google/uuid"
	"github.com/scanfleet/scanfleet/internal/config"
	"github.com/scanfleet/scanfleet/models"
)

// ErrEmpty reports that no message is available. Receive does not return
// it: when the context ends with no work, Receive returns the context's error.
var ErrEmpty = errors.New("queue: no message available")

// classes in consumption order: high drains before retry, retry before normal.
var classes = []string{models.PriorityHigh, models.PriorityRetry, models.PriorityNormal}

// pollInterval is the sleep between empty polls across the ready lists.
const pollInterval = 250 * time.Millisecond

// Message is the work pointer carried by the broker.
type Message struct {
	// Nonce makes each enqueued payload unique so list removals target
	// exactly one delivery.
	Nonce      string    `json:"nonce"`
	JobID      int64     `json:"job_id"`
	Class      string    `json:"class"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Delivery is one received message plus its acknowledgement handle.
type Delivery struct {
	Message Message
	raw     string
	q       *Queue
}

// Queue is a Redis-backed priority queue with delayed redelivery.
type Queue struct {
	client *goredis.Client
	ns     string
}

// New connects to the broker. The URL format follows go-redis:
// redis://[:password@]host:port[/db].
func New(cfg config.RedisConfig) (*Queue, error) {
	if cfg.URL == "" {
		return nil, errors.New("queue requires a redis URL")
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("queue: invalid redis URL: %w", err)
	}
	ns := cfg.Namespace
	if ns == "" {
		ns = "scanfleet"
	}
	return &Queue{client: goredis.NewClient(opts), ns: ns}, nil
}

// Close releases the broker connection.
func (q *Queue) Close() error { return q.client.Close() }

// Ping verifies broker reachability.
func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *Queue) readyKey(class string) string   { return q.ns + ":ready:" + class }
func (q *Queue) delayedKey(class string) string { return q.ns + ":delayed:" + class }
func (q *Queue) processingKey() string          { return q.ns + ":processing" }
func (q *Queue) processingMetaKey() string      { return q.ns + ":processing_meta" }
func (q *Queue) dlqKey() string                 { return q.ns + ":dlq" }

// Enqueue makes a job immediately available on its priority class.
func (q *Queue) Enqueue(ctx context.Context, msg Message) error {
	raw, err := encode(msg)
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.readyKey(msg.Class), raw).Err(); err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}
	return nil
}

// EnqueueDelayed parks a job until the delay elapses; Promote moves it to
// the ready list when due.
func (q *Queue) EnqueueDelayed(ctx context.Context, msg Message, delay time.Duration) error {
	raw, err := encode(msg)
	if err != nil {
		return err
	}
	due := float64(time.Now().Add(delay).UnixMilli())
	if err := q.client.ZAdd(ctx, q.delayedKey(msg.Class), goredis.Z{Score: due, Member: raw}).Err(); err != nil {
		return fmt.Errorf("queue: enqueue delayed: %w", err)
	}
	return nil
}

// Promote moves every due delayed message onto its ready list. Invoked by
// consumers before each poll.
func (q *Queue) Promote(ctx context.Context) error {
	nowScore := fmt.Sprintf("%d", time.Now().UnixMilli())
	for _, class := range classes {
		due, err := q.client.ZRangeByScore(ctx, q.delayedKey(class), &goredis.ZRangeBy{
			Min: "-inf", Max: nowScore,
		}).Result()
		if err != nil {
			return fmt.Errorf("queue: promote: %w", err)
		}
		for _, raw := range due {
			// ZRem first: whichever racing promoter removes the member owns
			// the push, so a message is promoted once.
			removed, err := q.client.ZRem(ctx, q.delayedKey(class), raw).Result()
			if err != nil {
				return err
			}
			if removed == 0 {
				continue
			}
			if err := q.client.LPush(ctx, q.readyKey(class), raw).Err(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Receive blocks until a message is available or the context ends. Higher
// priority classes always drain first.
func (q *Queue) Receive(ctx context.Context) (*Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := q.Promote(ctx); err != nil {
			return nil, err
		}

		for _, class := range classes {
			raw, err := q.client.LMove(ctx, q.readyKey(class), q.processingKey(), "RIGHT", "LEFT").Result()
			if errors.Is(err, goredis.Nil) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("queue: receive: %w", err)
			}
			taken := float64(time.Now().UnixMilli())
			if err := q.client.ZAdd(ctx, q.processingMetaKey(), goredis.Z{Score: taken, Member: raw}).Err(); err != nil {
				return nil, err
			}

			var msg Message
			if err := json.Unmarshal([]byte(raw), &msg); err != nil {
				// Unparseable payload: drop it to the DLQ rather than loop on it.
				q.client.LRem(ctx, q.processingKey(), 1, raw)
				q.client.ZRem(ctx, q.processingMetaKey(), raw)
				q.client.RPush(ctx, q.dlqKey(), raw)
				return nil, fmt.Errorf("queue: malformed message: %w", err)
			}
			return &Delivery{Message: msg, raw: raw, q: q}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Ack removes the message for good. After an ack, recovery of the job
// rests on the store and the reconciler sweep, not on the broker.
func (d *Delivery) Ack(ctx context.Context) error {
	return d.q.forget(ctx, d.raw)
}

// Nack returns the message to its class after the visibility delay.
func (d *Delivery) Nack(ctx context.Context, delay time.Duration) error {
	if err := d.q.forget(ctx, d.raw); err != nil {
		return err
	}
	msg := d.Message
	msg.Nonce = uuid.NewString()
	return d.q.EnqueueDelayed(ctx, msg, delay)
}

// DeadLetter pushes the message to the DLQ sink and acknowledges it. The
// durable dead-letter record is the FailedCommit row; this list is the
// broker-side artifact for ops tooling.
func (d *Delivery) DeadLetter(ctx context.Context) error {
	if err := d.q.forget(ctx, d.raw); err != nil {
		return err
	}
	return d.q.client.RPush(ctx, d.q.dlqKey(), d.raw).Err()
}

// forget drops the message from the processing bookkeeping.
func (q *Queue) forget(ctx context.Context, raw string) error {
	if err := q.client.LRem(ctx, q.processingKey(), 1, raw).Err(); err != nil {
		return fmt.Errorf("queue: ack: %w", err)
	}
	return q.client.ZRem(ctx, q.processingMetaKey(), raw).Err()
}

// ReapProcessing returns messages stuck in processing longer than
// visibility to their ready lists: the redelivery path for consumers that
// died without acknowledging.
func (q *Queue) ReapProcessing(ctx context.Context, visibility time.Duration) (int, error) {
	cutoff := fmt.Sprintf("%d", time.Now().Add(-visibility).UnixMilli())
	stuck, err := q.client.ZRangeByScore(ctx, q.processingMetaKey(), &goredis.ZRangeBy{
		Min: "-inf", Max: cutoff,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: reap processing: %w", err)
	}

	reaped := 0
	for _, raw := range stuck {
		removed, err := q.client.ZRem(ctx, q.processingMetaKey(), raw).Result()
		if err != nil {
			return reaped, err
		}
		if removed == 0 {
			continue
		}
		q.client.LRem(ctx, q.processingKey(), 1, raw)

		var msg Message
		class := models.PriorityNormal
		if err := json.Unmarshal([]byte(raw), &msg); err == nil && msg.Class != "" {
			class = msg.Class
		}
		if err := q.client.LPush(ctx, q.readyKey(class), raw).Err(); err != nil {
			return reaped, err
		}
		reaped++
	}
	return reaped, nil
}

// DLQLength reports the broker-side dead letter count.
func (q *Queue) DLQLength(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.dlqKey()).Result()
}

func encode(msg Message) (string, error) {
	if msg.Nonce == "" {
		msg.Nonce = uuid.NewString()
	}
	if msg.Class == "" {
		msg.Class = models.PriorityNormal
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now().UTC()
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("queue: marshal message: %w", err)
	}
	return string(b), nil
}

// Backoff computes the re-enqueue delay for a failed attempt:
// min(base·2^attempt, cap) plus proportional jitter.
func Backoff(base, cap time.Duration, jitterRatio float64, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	d := base << uint(attempt)
	if cap > 0 && (d > cap || d <= 0) {
		d = cap
	}
	if jitterRatio > 0 {
		jitter := time.Duration(rand.Int63n(int64(float64(d)*jitterRatio) + 1))
		d += jitter
	}
	return d
}
