// Package memory implements assetvault.Queue in process memory: a FIFO
// of upload jobs with lease timeouts, bounded retries, and exponential
// backoff. Durability is the lifetime of the process; the persisted
// UploadJob record in the registry is the durable source of truth.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/assetvault/assetvault/pkg/assetvault"
)

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("queue closed")

// Config options for the in-memory queue.
type Config struct {
	// LeaseTimeout bounds how long a leased job may go unacknowledged
	// before it is redelivered. Defaults to 30s.
	LeaseTimeout time.Duration

	// PollInterval is how often blocked Lease calls re-check for
	// delayed jobs coming due and leases expiring. Defaults to 50ms.
	PollInterval time.Duration
}

type jobRecord struct {
	payload       assetvault.JobPayload
	policy        assetvault.RetryPolicy
	state         assetvault.QueueState
	attempts      int
	lastError     string
	enqueuedAt    time.Time
	readyAt       time.Time // delayed jobs
	leaseDeadline time.Time // active jobs
	leaseToken    uint64
}

// Queue is an in-process assetvault.Queue.
type Queue struct {
	mu     sync.Mutex
	jobs   map[uuid.UUID]*jobRecord
	ready  []uuid.UUID
	notify chan struct{}
	closed chan struct{}
	once   sync.Once

	leaseTimeout time.Duration
	pollInterval time.Duration
	token        uint64
	now          func() time.Time
}

// New creates a new in-memory queue.
func New(config Config) *Queue {
	if config.LeaseTimeout <= 0 {
		config.LeaseTimeout = 30 * time.Second
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 50 * time.Millisecond
	}
	return &Queue{
		jobs:         make(map[uuid.UUID]*jobRecord),
		notify:       make(chan struct{}, 1),
		closed:       make(chan struct{}),
		leaseTimeout: config.LeaseTimeout,
		pollInterval: config.PollInterval,
		now:          time.Now,
	}
}

// Enqueue accepts a job. A job ID the queue has already seen is a
// no-op: the ID is the idempotency key.
func (q *Queue) Enqueue(ctx context.Context, payload assetvault.JobPayload, policy assetvault.RetryPolicy) error {
	select {
	case <-q.closed:
		return ErrClosed
	default:
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.jobs[payload.JobID]; exists {
		return nil
	}

	q.jobs[payload.JobID] = &jobRecord{
		payload:    payload,
		policy:     policy,
		state:      assetvault.QueueStateWaiting,
		enqueuedAt: q.now(),
	}
	q.ready = append(q.ready, payload.JobID)
	q.signal()

	return nil
}

// Lease blocks until a job is available, the context is done, or the
// queue is closed.
func (q *Queue) Lease(ctx context.Context) (assetvault.Lease, error) {
	for {
		q.mu.Lock()
		q.advance()
		if len(q.ready) > 0 {
			id := q.ready[0]
			q.ready = q.ready[1:]
			rec := q.jobs[id]
			rec.state = assetvault.QueueStateActive
			rec.attempts++
			rec.leaseDeadline = q.now().Add(q.leaseTimeout)
			q.token++
			rec.leaseToken = q.token
			claim := &lease{queue: q, jobID: id, token: rec.leaseToken, payload: rec.payload, attempt: rec.attempts}
			q.mu.Unlock()
			return claim, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.closed:
			return nil, ErrClosed
		case <-q.notify:
		case <-time.After(q.pollInterval):
		}
	}
}

// Status returns the queue's view of a job.
func (q *Queue) Status(ctx context.Context, jobID uuid.UUID) (*assetvault.JobSnapshot, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.advance()

	rec, exists := q.jobs[jobID]
	if !exists {
		return nil, assetvault.ErrJobNotFound
	}

	return &assetvault.JobSnapshot{
		JobID:     jobID,
		State:     rec.state,
		Attempts:  rec.attempts,
		LastError: rec.lastError,
		EnqueueAt: rec.enqueuedAt,
	}, nil
}

// Stats reports queue depth by state. Delayed jobs count as waiting.
func (q *Queue) Stats(ctx context.Context) (assetvault.QueueStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.advance()

	var stats assetvault.QueueStats
	for _, rec := range q.jobs {
		switch rec.state {
		case assetvault.QueueStateWaiting, assetvault.QueueStateDelayed:
			stats.Waiting++
		case assetvault.QueueStateActive:
			stats.Active++
		case assetvault.QueueStateCompleted:
			stats.Completed++
		case assetvault.QueueStateFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

// Close unblocks pending Lease calls.
func (q *Queue) Close() error {
	q.once.Do(func() { close(q.closed) })
	return nil
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// advance promotes delayed jobs that are due and redelivers expired
// leases. Callers hold q.mu.
func (q *Queue) advance() {
	now := q.now()
	for id, rec := range q.jobs {
		switch rec.state {
		case assetvault.QueueStateDelayed:
			if !rec.readyAt.After(now) {
				rec.state = assetvault.QueueStateWaiting
				q.ready = append(q.ready, id)
			}
		case assetvault.QueueStateActive:
			if rec.leaseDeadline.Before(now) {
				rec.leaseToken = 0
				if rec.attempts >= rec.policy.MaxAttempts {
					rec.state = assetvault.QueueStateFailed
					rec.lastError = "lease expired with no attempts remaining"
				} else {
					rec.state = assetvault.QueueStateWaiting
					q.ready = append(q.ready, id)
				}
			}
		}
	}
}

// lease is one worker's claim on a job. The token guards against a
// stale Ack/Nack arriving after the lease expired and the job was
// redelivered to another worker.
type lease struct {
	queue   *Queue
	jobID   uuid.UUID
	token   uint64
	payload assetvault.JobPayload
	attempt int
}

func (l *lease) Payload() assetvault.JobPayload { return l.payload }

func (l *lease) Attempt() int { return l.attempt }

func (l *lease) Ack(ctx context.Context) error {
	q := l.queue
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, exists := q.jobs[l.jobID]
	if !exists || rec.leaseToken != l.token || rec.state != assetvault.QueueStateActive {
		// Lease expired and the job moved on; the redelivered run owns it.
		return nil
	}

	rec.state = assetvault.QueueStateCompleted
	rec.leaseToken = 0
	return nil
}

func (l *lease) Nack(ctx context.Context, cause error) (bool, error) {
	q := l.queue
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, exists := q.jobs[l.jobID]
	if !exists || rec.leaseToken != l.token || rec.state != assetvault.QueueStateActive {
		return false, nil
	}

	if cause != nil {
		rec.lastError = cause.Error()
	}
	rec.leaseToken = 0

	if rec.attempts >= rec.policy.MaxAttempts {
		rec.state = assetvault.QueueStateFailed
		return false, nil
	}

	rec.state = assetvault.QueueStateDelayed
	rec.readyAt = q.now().Add(rec.policy.Delay(rec.attempts))
	q.signal()
	return true, nil
}
