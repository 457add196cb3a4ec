package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/assetvault/assetvault/pkg/assetvault"
)

func testQueue(t *testing.T) *Queue {
	t.Helper()
	q := New(Config{LeaseTimeout: time.Second, PollInterval: 5 * time.Millisecond})
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func testPayload() assetvault.JobPayload {
	return assetvault.JobPayload{
		JobID:             uuid.New(),
		TargetSubAssetIDs: []uuid.UUID{uuid.New()},
		Files: []assetvault.UploadFile{
			{OriginalName: "player.png", Bytes: []byte{0x89, 0x50, 0x4e, 0x47}, MimeType: "image/png"},
		},
		UserID: uuid.New(),
	}
}

func TestEnqueueLeaseAck(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t)
	payload := testPayload()

	require.NoError(t, q.Enqueue(ctx, payload, assetvault.DefaultRetryPolicy()))

	lease, err := q.Lease(ctx)
	require.NoError(t, err)
	assert.Equal(t, payload.JobID, lease.Payload().JobID)
	assert.Equal(t, payload.Files[0].Bytes, lease.Payload().Files[0].Bytes)
	assert.Equal(t, 1, lease.Attempt())

	snapshot, err := q.Status(ctx, payload.JobID)
	require.NoError(t, err)
	assert.Equal(t, assetvault.QueueStateActive, snapshot.State)

	require.NoError(t, lease.Ack(ctx))

	snapshot, err = q.Status(ctx, payload.JobID)
	require.NoError(t, err)
	assert.Equal(t, assetvault.QueueStateCompleted, snapshot.State)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, assetvault.QueueStats{Completed: 1}, stats)
}

func TestEnqueueIdempotent(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t)
	payload := testPayload()

	require.NoError(t, q.Enqueue(ctx, payload, assetvault.DefaultRetryPolicy()))
	require.NoError(t, q.Enqueue(ctx, payload, assetvault.DefaultRetryPolicy()))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Waiting)
}

func TestNackReschedulesWithBackoff(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t)
	payload := testPayload()
	policy := assetvault.RetryPolicy{MaxAttempts: 3, InitialDelay: 5 * time.Millisecond, MaxDelay: time.Second}

	require.NoError(t, q.Enqueue(ctx, payload, policy))

	lease, err := q.Lease(ctx)
	require.NoError(t, err)

	rescheduled, err := lease.Nack(ctx, errors.New("registry unavailable"))
	require.NoError(t, err)
	assert.True(t, rescheduled)

	snapshot, err := q.Status(ctx, payload.JobID)
	require.NoError(t, err)
	assert.Equal(t, "registry unavailable", snapshot.LastError)

	leaseCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	lease, err = q.Lease(leaseCtx)
	require.NoError(t, err)
	assert.Equal(t, payload.JobID, lease.Payload().JobID)
	assert.Equal(t, 2, lease.Attempt())
}

func TestNackExhaustsAttempts(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t)
	payload := testPayload()
	policy := assetvault.RetryPolicy{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Second}

	require.NoError(t, q.Enqueue(ctx, payload, policy))

	lease, err := q.Lease(ctx)
	require.NoError(t, err)

	rescheduled, err := lease.Nack(ctx, errors.New("disk full"))
	require.NoError(t, err)
	assert.False(t, rescheduled)

	snapshot, err := q.Status(ctx, payload.JobID)
	require.NoError(t, err)
	assert.Equal(t, assetvault.QueueStateFailed, snapshot.State)
	assert.Equal(t, "disk full", snapshot.LastError)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
}

func TestLeaseBlocksUntilEnqueue(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t)
	payload := testPayload()

	leased := make(chan assetvault.Lease, 1)
	go func() {
		lease, err := q.Lease(ctx)
		if err != nil {
			return
		}
		leased <- lease
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Enqueue(ctx, payload, assetvault.DefaultRetryPolicy()))

	select {
	case lease := <-leased:
		assert.Equal(t, payload.JobID, lease.Payload().JobID)
	case <-time.After(time.Second):
		t.Fatal("lease did not observe enqueue")
	}
}

func TestLeaseHonorsContext(t *testing.T) {
	q := testQueue(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Lease(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseUnblocksLease(t *testing.T) {
	q := New(Config{LeaseTimeout: time.Second, PollInterval: 5 * time.Millisecond})

	errs := make(chan error, 1)
	go func() {
		_, err := q.Lease(context.Background())
		errs <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Close())

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("lease did not observe close")
	}
}

func TestExpiredLeaseIsRedelivered(t *testing.T) {
	ctx := context.Background()
	q := New(Config{LeaseTimeout: 20 * time.Millisecond, PollInterval: 5 * time.Millisecond})
	t.Cleanup(func() { _ = q.Close() })
	payload := testPayload()

	require.NoError(t, q.Enqueue(ctx, payload, assetvault.DefaultRetryPolicy()))

	first, err := q.Lease(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Attempt())

	// Do not acknowledge; the lease times out and the job comes back.
	leaseCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	second, err := q.Lease(leaseCtx)
	require.NoError(t, err)
	assert.Equal(t, payload.JobID, second.Payload().JobID)
	assert.Equal(t, 2, second.Attempt())

	// The stale lease lost its claim; its Ack must not complete the job.
	require.NoError(t, first.Ack(ctx))
	snapshot, err := q.Status(ctx, payload.JobID)
	require.NoError(t, err)
	assert.Equal(t, assetvault.QueueStateActive, snapshot.State)

	require.NoError(t, second.Ack(ctx))
	snapshot, err = q.Status(ctx, payload.JobID)
	require.NoError(t, err)
	assert.Equal(t, assetvault.QueueStateCompleted, snapshot.State)
}

func TestExpiredLeaseWithNoAttemptsLeftFails(t *testing.T) {
	ctx := context.Background()
	q := New(Config{LeaseTimeout: 20 * time.Millisecond, PollInterval: 5 * time.Millisecond})
	t.Cleanup(func() { _ = q.Close() })
	payload := testPayload()
	policy := assetvault.RetryPolicy{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Second}

	require.NoError(t, q.Enqueue(ctx, payload, policy))

	_, err := q.Lease(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snapshot, err := q.Status(ctx, payload.JobID)
		return err == nil && snapshot.State == assetvault.QueueStateFailed
	}, time.Second, 5*time.Millisecond)
}

func TestStatusUnknownJob(t *testing.T) {
	q := testQueue(t)

	_, err := q.Status(context.Background(), uuid.New())
	assert.ErrorIs(t, err, assetvault.ErrJobNotFound)
}
