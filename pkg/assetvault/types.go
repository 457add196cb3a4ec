package assetvault

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus is the domain type for upload job lifecycle states.
type JobStatus string

// Job status constants (typed).
const (
	JobStatusQueued     JobStatus = "QUEUED"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusDone       JobStatus = "DONE"
	JobStatusError      JobStatus = "ERROR"
)

// IsTerminal reports whether no further transition may leave the status.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusDone || s == JobStatusError
}

// UploadMode selects how uploaded files are mapped onto target sub-assets.
type UploadMode string

// Upload mode constants (typed).
const (
	// UploadModeSingle applies every uploaded file to the first target
	// sub-asset. With multiple targets the remaining ones are ignored;
	// this mirrors the historical behavior and is intentionally preserved.
	UploadModeSingle UploadMode = "SINGLE"

	// UploadModeSequence pairs targets with files by index. The request
	// must carry exactly one target per file.
	UploadModeSequence UploadMode = "SEQUENCE"
)

// Project represents a game project owning asset groups.
type Project struct {
	ID           uuid.UUID  `json:"id"`
	Name         string     `json:"name"`
	Repo         string     `json:"repo,omitempty"`
	Status       string     `json:"status"`
	LatestSyncAt *time.Time `json:"latest_sync_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// AssetGroup is a named collection of sub-assets within a project
// (e.g. "sprites", "audio"). Key is unique per project.
type AssetGroup struct {
	ID        uuid.UUID `json:"id"`
	ProjectID uuid.UUID `json:"project_id"`
	Key       string    `json:"key"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SubAsset is a named, versioned logical asset slot within an asset group.
//
// CurrentVersion is monotonic and always equals the highest version number
// present in the sub-asset's history. It is mutated only by the upload
// processor inside a single atomic registry transaction.
type SubAsset struct {
	ID             uuid.UUID `json:"id"`
	GroupID        uuid.UUID `json:"group_id"`
	Key            string    `json:"key"`
	Type           string    `json:"type"`
	BasePath       string    `json:"base_path"`
	PathTemplate   string    `json:"path_template,omitempty"`
	CurrentVersion int       `json:"current_version"`
	RulePackKey    string    `json:"rule_pack_key,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// AssetHistory is the immutable record of one stored revision of a
// sub-asset. Version starts at 1 and is unique per sub-asset; rows are
// created by the upload processor and never updated or deleted.
type AssetHistory struct {
	ID         uuid.UUID `json:"id"`
	SubAssetID uuid.UUID `json:"sub_asset_id"`
	Version    int       `json:"version"`
	ChangeNote string    `json:"change_note,omitempty"`
	FilePath   string    `json:"file_path"`
	FileSize   int64     `json:"file_size"`
	FileHash   string    `json:"file_hash"`
	CreatedAt  time.Time `json:"created_at"`
}

// UploadFile is one file carried by an upload job payload.
type UploadFile struct {
	OriginalName string `json:"original_name"`
	Bytes        []byte `json:"bytes"`
	MimeType     string `json:"mime_type"`
}

// FileResult records the outcome of one successfully committed file.
type FileResult struct {
	SubAssetID uuid.UUID `json:"sub_asset_id"`
	Version    int       `json:"version"`
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	Hash       string    `json:"hash"`
}

// JobDetails is the opaque details payload persisted on an upload job:
// the targets and file count at creation, per-file results on completion.
type JobDetails struct {
	TargetSubAssetIDs []uuid.UUID  `json:"target_sub_asset_ids"`
	FileCount         int          `json:"file_count"`
	Results           []FileResult `json:"results,omitempty"`
}

// UploadJob is the persisted record of one upload request. It is created
// QUEUED by the upload service, exclusively mutated by the upload
// processor, and never deleted here (retention is an external concern).
type UploadJob struct {
	ID           uuid.UUID  `json:"id"`
	Status       JobStatus  `json:"status"`
	Mode         UploadMode `json:"mode"`
	CreatedBy    uuid.UUID  `json:"created_by"`
	Details      JobDetails `json:"details"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// StoredFile is what the content store reports back after a write.
type StoredFile struct {
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	Hash     string `json:"hash"`
	MimeType string `json:"mime_type,omitempty"`
}

// JobPayload is the unit of work handed to the job queue. The job ID
// doubles as the idempotency key: re-enqueueing the same ID must not
// create a duplicate unit of work.
type JobPayload struct {
	JobID             uuid.UUID    `json:"job_id"`
	TargetSubAssetIDs []uuid.UUID  `json:"target_sub_asset_ids"`
	Files             []UploadFile `json:"files"`
	UserID            uuid.UUID    `json:"user_id"`
}

// QueueState is the queue's own view of a job's execution, tracked
// separately from the persisted UploadJob status.
type QueueState string

// Queue state constants (typed).
const (
	QueueStateWaiting   QueueState = "waiting"
	QueueStateDelayed   QueueState = "delayed"
	QueueStateActive    QueueState = "active"
	QueueStateCompleted QueueState = "completed"
	QueueStateFailed    QueueState = "failed"
)

// JobSnapshot reports a job's execution state as seen by the queue.
type JobSnapshot struct {
	JobID     uuid.UUID  `json:"job_id"`
	State     QueueState `json:"state"`
	Attempts  int        `json:"attempts"`
	LastError string     `json:"last_error,omitempty"`
	EnqueueAt time.Time  `json:"enqueued_at"`
}

// QueueStats aggregates queue depth by state.
type QueueStats struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// RetryPolicy bounds queue-level redelivery of failing jobs.
type RetryPolicy struct {
	MaxAttempts  int           `json:"max_attempts"`
	InitialDelay time.Duration `json:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay"`
}

// DefaultRetryPolicy mirrors the historical queue defaults: three attempts
// with exponential backoff starting at two seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 2 * time.Second,
		MaxDelay:     time.Minute,
	}
}

// Delay returns the backoff before the given retry attempt (1-based, so
// attempt 1 is the first redelivery after an initial failure).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.InitialDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}
