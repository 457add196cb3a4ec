package assetvault

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ContentStore defines the interface for byte storage under a fixed root.
//
// Implementations must re-apply traversal sanitation to every relative
// path independently of the path resolver, and verify the resolved
// absolute path is still a descendant of the root. The two checks are
// deliberately separate layers, not a shared routine.
type ContentStore interface {
	// Store writes the full byte buffer, creating parent directories as
	// needed, and returns the relative path, size, and SHA-256 content
	// hash of the bytes written.
	Store(ctx context.Context, data []byte, relativePath string, mimeType string) (*StoredFile, error)

	// Read returns the stored bytes for a relative path.
	Read(ctx context.Context, relativePath string) ([]byte, error)

	// Delete removes the stored file for a relative path.
	Delete(ctx context.Context, relativePath string) error

	// Exists reports whether a relative path holds a stored file.
	Exists(ctx context.Context, relativePath string) (bool, error)
}

// AppendVersionParams describes one revision to commit atomically.
type AppendVersionParams struct {
	SubAssetID uuid.UUID
	Version    int
	ChangeNote string
	FilePath   string
	FileSize   int64
	FileHash   string
}

// UpdateJobStatusParams carries a job status transition. Details,
// ErrorMessage and CompletedAt are applied only when set.
type UpdateJobStatusParams struct {
	JobID        uuid.UUID
	Status       JobStatus
	Details      *JobDetails
	ErrorMessage string
	CompletedAt  *time.Time
}

// Registry defines the interface for the durable asset store: projects,
// asset groups, sub-assets, revision history, and upload job records.
type Registry interface {
	// Project operations
	CreateProject(ctx context.Context, project *Project) error
	GetProject(ctx context.Context, id uuid.UUID) (*Project, error)

	// Asset group operations
	CreateAssetGroup(ctx context.Context, group *AssetGroup) error
	GetAssetGroup(ctx context.Context, id uuid.UUID) (*AssetGroup, error)

	// Sub-asset operations
	CreateSubAsset(ctx context.Context, subAsset *SubAsset) error
	GetSubAsset(ctx context.Context, id uuid.UUID) (*SubAsset, error)
	ListSubAssets(ctx context.Context, groupID uuid.UUID) ([]*SubAsset, error)

	// AppendVersion inserts an AssetHistory row and bumps the sub-asset's
	// CurrentVersion to params.Version in one atomic transaction, and
	// returns the new current version. It fails with ErrVersionConflict
	// when params.Version is already taken or does not equal
	// CurrentVersion+1: the caller must recompute and retry. This
	// transaction is the sole serialization point for concurrent uploads
	// targeting the same sub-asset.
	AppendVersion(ctx context.Context, params AppendVersionParams) (int, error)

	// FindRevisionByNote returns the history row carrying the given
	// change note, or nil when none exists. Change notes written by the
	// processor are unique per (job, file), which makes this the
	// idempotency probe for at-least-once redelivery.
	FindRevisionByNote(ctx context.Context, subAssetID uuid.UUID, changeNote string) (*AssetHistory, error)

	// ListHistory returns all revisions of a sub-asset, newest first.
	ListHistory(ctx context.Context, subAssetID uuid.UUID) ([]*AssetHistory, error)

	// Upload job operations
	CreateUploadJob(ctx context.Context, job *UploadJob) error
	GetUploadJob(ctx context.Context, id uuid.UUID) (*UploadJob, error)

	// UpdateJobStatus applies a job status transition. Transitions out of
	// DONE or ERROR fail with ErrJobTerminal; re-applying the current
	// status is an idempotent overwrite.
	UpdateJobStatus(ctx context.Context, params UpdateJobStatusParams) error
}

// Queue defines the interface for the durable FIFO upload job queue.
// Delivery is at-least-once: a leased job not acknowledged within the
// lease timeout is redelivered, so consumers must be safe to re-run on
// the same job ID.
type Queue interface {
	// Enqueue accepts a job with the given retry policy. The job ID is
	// the idempotency key: enqueueing an ID that is already known must
	// not create a duplicate unit of work.
	Enqueue(ctx context.Context, payload JobPayload, policy RetryPolicy) error

	// Lease blocks until a job is available or ctx is done, and returns
	// a time-bounded claim on it.
	Lease(ctx context.Context) (Lease, error)

	// Status returns the queue's view of a job's execution, or
	// ErrJobNotFound for an unknown ID.
	Status(ctx context.Context, jobID uuid.UUID) (*JobSnapshot, error)

	// Stats reports queue depth by state.
	Stats(ctx context.Context) (QueueStats, error)

	// Close releases queue resources. Blocked Lease calls return.
	Close() error
}

// Lease is a worker's temporary claim on a queued job. Exactly one of
// Ack or Nack must be called; neither is safe to call twice.
type Lease interface {
	// Payload returns the leased job's payload.
	Payload() JobPayload

	// Attempt returns the 1-based delivery attempt for this lease.
	Attempt() int

	// Ack marks the job completed and removes it from the queue.
	Ack(ctx context.Context) error

	// Nack records a failed attempt. It returns true when the job was
	// rescheduled for redelivery after backoff, false when attempts are
	// exhausted and the job is failed for good.
	Nack(ctx context.Context, cause error) (bool, error)
}
