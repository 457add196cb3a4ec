// Package redis implements assetvault.Queue on a Redis server. Jobs
// move between a waiting list, a delayed sorted set scored by the
// moment they come due, and an active sorted set scored by the lease
// deadline. Job state lives in a per-job hash so any worker can
// promote delayed jobs and reclaim expired leases.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/assetvault/assetvault/pkg/assetvault"
)

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("queue closed")

const promoteBatch = 64

// Config options for the Redis queue.
type Config struct {
	// KeyPrefix namespaces every key the queue touches. Defaults to
	// "assetvault:queue".
	KeyPrefix string

	// LeaseTimeout bounds how long a leased job may go unacknowledged
	// before any worker may reclaim it. Defaults to 30s.
	LeaseTimeout time.Duration

	// PollInterval is how often blocked Lease calls re-check the
	// waiting list. Defaults to 100ms.
	PollInterval time.Duration

	// Retention is how long terminal job hashes stay readable for
	// status queries. Defaults to 24h.
	Retention time.Duration
}

// Queue is a Redis-backed assetvault.Queue. The client is borrowed,
// not owned: Close stops the queue but leaves the client open.
type Queue struct {
	client *redis.Client

	prefix       string
	leaseTimeout time.Duration
	pollInterval time.Duration
	retention    time.Duration

	closed chan struct{}
	once   sync.Once
}

// New creates a queue on top of an existing Redis client.
func New(client *redis.Client, config Config) *Queue {
	if config.KeyPrefix == "" {
		config.KeyPrefix = "assetvault:queue"
	}
	if config.LeaseTimeout <= 0 {
		config.LeaseTimeout = 30 * time.Second
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 100 * time.Millisecond
	}
	if config.Retention <= 0 {
		config.Retention = 24 * time.Hour
	}
	return &Queue{
		client:       client,
		prefix:       config.KeyPrefix,
		leaseTimeout: config.LeaseTimeout,
		pollInterval: config.PollInterval,
		retention:    config.Retention,
		closed:       make(chan struct{}),
	}
}

func (q *Queue) waitingKey() string   { return q.prefix + ":waiting" }
func (q *Queue) delayedKey() string   { return q.prefix + ":delayed" }
func (q *Queue) activeKey() string    { return q.prefix + ":active" }
func (q *Queue) completedKey() string { return q.prefix + ":completed" }
func (q *Queue) failedKey() string    { return q.prefix + ":failed" }
func (q *Queue) jobKey(jobID string) string {
	return q.prefix + ":job:" + jobID
}

// Enqueue accepts a job. The first write of the job hash wins; a job
// ID Redis has already seen is a no-op.
func (q *Queue) Enqueue(ctx context.Context, payload assetvault.JobPayload, policy assetvault.RetryPolicy) error {
	if q.isClosed() {
		return ErrClosed
	}

	jobID := payload.JobID.String()

	created, err := q.client.HSetNX(ctx, q.jobKey(jobID), "state", string(assetvault.QueueStateWaiting)).Result()
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", jobID, err)
	}
	if !created {
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("enqueue %s: encode payload: %w", jobID, err)
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.jobKey(jobID),
			"payload", body,
			"attempts", 0,
			"max_attempts", policy.MaxAttempts,
			"initial_delay_ms", policy.InitialDelay.Milliseconds(),
			"max_delay_ms", policy.MaxDelay.Milliseconds(),
			"last_error", "",
			"enqueued_at", time.Now().UTC().Format(time.RFC3339Nano),
		)
		pipe.RPush(ctx, q.waitingKey(), jobID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", jobID, err)
	}
	return nil
}

// Lease blocks until a job is available, the context is done, or the
// queue is closed.
func (q *Queue) Lease(ctx context.Context) (assetvault.Lease, error) {
	for {
		if q.isClosed() {
			return nil, ErrClosed
		}
		if err := q.promote(ctx); err != nil {
			return nil, err
		}

		jobID, err := q.client.LPop(ctx, q.waitingKey()).Result()
		switch {
		case err == redis.Nil:
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-q.closed:
				return nil, ErrClosed
			case <-time.After(q.pollInterval):
			}
			continue
		case err != nil:
			return nil, fmt.Errorf("lease: %w", err)
		}

		return q.claim(ctx, jobID)
	}
}

func (q *Queue) claim(ctx context.Context, jobID string) (assetvault.Lease, error) {
	attempts, err := q.client.HIncrBy(ctx, q.jobKey(jobID), "attempts", 1).Result()
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", jobID, err)
	}

	deadline := time.Now().Add(q.leaseTimeout)
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.jobKey(jobID), "state", string(assetvault.QueueStateActive))
		pipe.ZAdd(ctx, q.activeKey(), redis.Z{Score: float64(deadline.UnixMilli()), Member: jobID})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", jobID, err)
	}

	fields, err := q.client.HMGet(ctx, q.jobKey(jobID), "payload", "max_attempts", "initial_delay_ms", "max_delay_ms").Result()
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", jobID, err)
	}

	var payload assetvault.JobPayload
	raw, _ := fields[0].(string)
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("claim %s: decode payload: %w", jobID, err)
	}

	policy := assetvault.RetryPolicy{
		MaxAttempts:  fieldInt(fields[1]),
		InitialDelay: time.Duration(fieldInt(fields[2])) * time.Millisecond,
		MaxDelay:     time.Duration(fieldInt(fields[3])) * time.Millisecond,
	}

	return &lease{
		queue:   q,
		jobID:   jobID,
		payload: payload,
		policy:  policy,
		attempt: int(attempts),
	}, nil
}

// promote moves due delayed jobs back to waiting and reclaims leases
// whose deadline passed. ZRem is the claim: only the worker that
// removes the member acts on it.
func (q *Queue) promote(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)

	due, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: promoteBatch,
	}).Result()
	if err != nil {
		return fmt.Errorf("promote delayed: %w", err)
	}
	for _, jobID := range due {
		removed, err := q.client.ZRem(ctx, q.delayedKey(), jobID).Result()
		if err != nil {
			return fmt.Errorf("promote delayed %s: %w", jobID, err)
		}
		if removed == 0 {
			continue
		}
		_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, q.jobKey(jobID), "state", string(assetvault.QueueStateWaiting))
			pipe.RPush(ctx, q.waitingKey(), jobID)
			return nil
		})
		if err != nil {
			return fmt.Errorf("promote delayed %s: %w", jobID, err)
		}
	}

	expired, err := q.client.ZRangeByScore(ctx, q.activeKey(), &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: promoteBatch,
	}).Result()
	if err != nil {
		return fmt.Errorf("reclaim leases: %w", err)
	}
	for _, jobID := range expired {
		removed, err := q.client.ZRem(ctx, q.activeKey(), jobID).Result()
		if err != nil {
			return fmt.Errorf("reclaim lease %s: %w", jobID, err)
		}
		if removed == 0 {
			continue
		}

		fields, err := q.client.HMGet(ctx, q.jobKey(jobID), "attempts", "max_attempts").Result()
		if err != nil {
			return fmt.Errorf("reclaim lease %s: %w", jobID, err)
		}
		if fieldInt(fields[0]) >= fieldInt(fields[1]) {
			if err := q.finalize(ctx, jobID, assetvault.QueueStateFailed, "lease expired with no attempts remaining"); err != nil {
				return err
			}
			continue
		}
		_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, q.jobKey(jobID), "state", string(assetvault.QueueStateWaiting))
			pipe.RPush(ctx, q.waitingKey(), jobID)
			return nil
		})
		if err != nil {
			return fmt.Errorf("reclaim lease %s: %w", jobID, err)
		}
	}
	return nil
}

func (q *Queue) finalize(ctx context.Context, jobID string, state assetvault.QueueState, lastError string) error {
	counter := q.completedKey()
	if state == assetvault.QueueStateFailed {
		counter = q.failedKey()
	}
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.jobKey(jobID), "state", string(state), "last_error", lastError)
		pipe.HDel(ctx, q.jobKey(jobID), "payload")
		pipe.Incr(ctx, counter)
		pipe.Expire(ctx, q.jobKey(jobID), q.retention)
		return nil
	})
	if err != nil {
		return fmt.Errorf("finalize %s: %w", jobID, err)
	}
	return nil
}

// Status returns the queue's view of a job. Terminal jobs age out
// after the retention window and report as not found.
func (q *Queue) Status(ctx context.Context, jobID uuid.UUID) (*assetvault.JobSnapshot, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(jobID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("status %s: %w", jobID, err)
	}
	if len(fields) == 0 {
		return nil, assetvault.ErrJobNotFound
	}

	attempts, _ := strconv.Atoi(fields["attempts"])
	enqueuedAt, _ := time.Parse(time.RFC3339Nano, fields["enqueued_at"])

	return &assetvault.JobSnapshot{
		JobID:     jobID,
		State:     assetvault.QueueState(fields["state"]),
		Attempts:  attempts,
		LastError: fields["last_error"],
		EnqueueAt: enqueuedAt,
	}, nil
}

// Stats reports queue depth by state. Delayed jobs count as waiting.
func (q *Queue) Stats(ctx context.Context) (assetvault.QueueStats, error) {
	var stats assetvault.QueueStats

	waiting, err := q.client.LLen(ctx, q.waitingKey()).Result()
	if err != nil {
		return stats, fmt.Errorf("stats: %w", err)
	}
	delayed, err := q.client.ZCard(ctx, q.delayedKey()).Result()
	if err != nil {
		return stats, fmt.Errorf("stats: %w", err)
	}
	active, err := q.client.ZCard(ctx, q.activeKey()).Result()
	if err != nil {
		return stats, fmt.Errorf("stats: %w", err)
	}
	completed, err := counterValue(ctx, q.client, q.completedKey())
	if err != nil {
		return stats, fmt.Errorf("stats: %w", err)
	}
	failed, err := counterValue(ctx, q.client, q.failedKey())
	if err != nil {
		return stats, fmt.Errorf("stats: %w", err)
	}

	stats.Waiting = int(waiting + delayed)
	stats.Active = int(active)
	stats.Completed = completed
	stats.Failed = failed
	return stats, nil
}

// Close unblocks pending Lease calls. The Redis client stays open.
func (q *Queue) Close() error {
	q.once.Do(func() { close(q.closed) })
	return nil
}

func (q *Queue) isClosed() bool {
	select {
	case <-q.closed:
		return true
	default:
		return false
	}
}

func counterValue(ctx context.Context, client *redis.Client, key string) (int, error) {
	value, err := client.Get(ctx, key).Int()
	if err == redis.Nil {
		return 0, nil
	}
	return value, err
}

func fieldInt(field any) int {
	raw, _ := field.(string)
	value, _ := strconv.Atoi(raw)
	return value
}

// lease is one worker's claim on a job. Membership in the active
// sorted set is the claim: Ack and Nack act only when they are the
// one to remove it.
type lease struct {
	queue   *Queue
	jobID   string
	payload assetvault.JobPayload
	policy  assetvault.RetryPolicy
	attempt int
}

func (l *lease) Payload() assetvault.JobPayload { return l.payload }

func (l *lease) Attempt() int { return l.attempt }

func (l *lease) Ack(ctx context.Context) error {
	removed, err := l.queue.client.ZRem(ctx, l.queue.activeKey(), l.jobID).Result()
	if err != nil {
		return fmt.Errorf("ack %s: %w", l.jobID, err)
	}
	if removed == 0 {
		// Lease expired and the job was reclaimed; the new owner decides.
		return nil
	}
	return l.queue.finalize(ctx, l.jobID, assetvault.QueueStateCompleted, "")
}

func (l *lease) Nack(ctx context.Context, cause error) (bool, error) {
	removed, err := l.queue.client.ZRem(ctx, l.queue.activeKey(), l.jobID).Result()
	if err != nil {
		return false, fmt.Errorf("nack %s: %w", l.jobID, err)
	}
	if removed == 0 {
		return false, nil
	}

	message := ""
	if cause != nil {
		message = cause.Error()
	}

	if l.attempt >= l.policy.MaxAttempts {
		if err := l.queue.finalize(ctx, l.jobID, assetvault.QueueStateFailed, message); err != nil {
			return false, err
		}
		return false, nil
	}

	readyAt := time.Now().Add(l.policy.Delay(l.attempt))
	_, err = l.queue.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, l.queue.jobKey(l.jobID), "state", string(assetvault.QueueStateDelayed), "last_error", message)
		pipe.ZAdd(ctx, l.queue.delayedKey(), redis.Z{Score: float64(readyAt.UnixMilli()), Member: l.jobID})
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("nack %s: %w", l.jobID, err)
	}
	return true, nil
}
