package assetvault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// CreateUploadRequest describes an upload submission. In SINGLE mode
// every file goes to the first target; in SEQUENCE mode targets pair
// with files by index.
type CreateUploadRequest struct {
	Mode              UploadMode
	TargetSubAssetIDs []uuid.UUID
	Files             []UploadFile
	UserID            uuid.UUID
}

// UploadJobView joins the persisted job record with the queue's view
// of its execution. Queue is nil when the queue no longer remembers
// the job.
type UploadJobView struct {
	Job   *UploadJob   `json:"job"`
	Queue *JobSnapshot `json:"queue,omitempty"`
}

// UploadService accepts upload submissions, persists the job record,
// and hands the work to the queue. The upload processor does the rest.
type UploadService struct {
	registry  Registry
	queue     Queue
	validator *FileValidator
	policy    RetryPolicy
	logger    *slog.Logger
}

// UploadServiceOption configures an UploadService.
type UploadServiceOption func(*UploadService)

// WithRegistry sets the asset registry.
func WithRegistry(registry Registry) UploadServiceOption {
	return func(s *UploadService) { s.registry = registry }
}

// WithQueue sets the job queue.
func WithQueue(queue Queue) UploadServiceOption {
	return func(s *UploadService) { s.queue = queue }
}

// WithFileValidator overrides the default file validator.
func WithFileValidator(validator *FileValidator) UploadServiceOption {
	return func(s *UploadService) { s.validator = validator }
}

// WithRetryPolicy overrides the default retry policy for new jobs.
func WithRetryPolicy(policy RetryPolicy) UploadServiceOption {
	return func(s *UploadService) { s.policy = policy }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) UploadServiceOption {
	return func(s *UploadService) { s.logger = logger }
}

// NewUploadService creates an upload service. Registry and queue are
// required; the validator, retry policy, and logger have defaults.
func NewUploadService(opts ...UploadServiceOption) *UploadService {
	s := &UploadService{
		validator: NewFileValidator(ValidatorConfig{}),
		policy:    DefaultRetryPolicy(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateUpload validates the request, persists a QUEUED job record,
// and enqueues the work. The returned job is the caller's handle for
// polling status.
func (s *UploadService) CreateUpload(ctx context.Context, req CreateUploadRequest) (*UploadJob, error) {
	targets, err := s.resolveTargets(ctx, req)
	if err != nil {
		return nil, err
	}

	files := make([]UploadFile, len(req.Files))
	for i, file := range req.Files {
		mime, err := s.validator.Validate(file)
		if err != nil {
			return nil, err
		}
		file.MimeType = mime
		files[i] = file
	}

	job := &UploadJob{
		ID:        uuid.New(),
		Status:    JobStatusQueued,
		Mode:      req.Mode,
		CreatedBy: req.UserID,
		Details: JobDetails{
			TargetSubAssetIDs: targets,
			FileCount:         len(files),
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := s.registry.CreateUploadJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create upload job: %w", err)
	}

	payload := JobPayload{
		JobID:             job.ID,
		TargetSubAssetIDs: targets,
		Files:             files,
		UserID:            req.UserID,
	}
	if err := s.queue.Enqueue(ctx, payload, s.policy); err != nil {
		s.logger.Error("failed to enqueue upload job", "job_id", job.ID, "error", err)
		s.failJob(ctx, job.ID, fmt.Sprintf("enqueue failed: %v", err))
		return nil, fmt.Errorf("enqueue upload job %s: %w", job.ID, err)
	}

	s.logger.Info("upload job queued",
		"job_id", job.ID,
		"mode", job.Mode,
		"targets", len(targets),
		"files", len(files))
	return job, nil
}

// resolveTargets expands the request's targets to one per file and
// verifies each exists.
func (s *UploadService) resolveTargets(ctx context.Context, req CreateUploadRequest) ([]uuid.UUID, error) {
	if len(req.Files) == 0 {
		return nil, fmt.Errorf("%w: no files", ErrInvalidUpload)
	}
	if len(req.TargetSubAssetIDs) == 0 {
		return nil, fmt.Errorf("%w: no target sub-assets", ErrInvalidUpload)
	}

	targets := make([]uuid.UUID, len(req.Files))
	switch req.Mode {
	case UploadModeSingle:
		for i := range targets {
			targets[i] = req.TargetSubAssetIDs[0]
		}
	case UploadModeSequence:
		if len(req.TargetSubAssetIDs) != len(req.Files) {
			return nil, fmt.Errorf("%w: sequence upload needs one target per file, got %d targets for %d files",
				ErrInvalidUpload, len(req.TargetSubAssetIDs), len(req.Files))
		}
		copy(targets, req.TargetSubAssetIDs)
	default:
		return nil, fmt.Errorf("%w: unknown upload mode %q", ErrInvalidUpload, req.Mode)
	}

	seen := make(map[uuid.UUID]struct{})
	for _, id := range targets {
		if _, done := seen[id]; done {
			continue
		}
		seen[id] = struct{}{}
		if _, err := s.registry.GetSubAsset(ctx, id); err != nil {
			return nil, err
		}
	}
	return targets, nil
}

func (s *UploadService) failJob(ctx context.Context, jobID uuid.UUID, message string) {
	now := time.Now().UTC()
	err := s.registry.UpdateJobStatus(ctx, UpdateJobStatusParams{
		JobID:        jobID,
		Status:       JobStatusError,
		ErrorMessage: message,
		CompletedAt:  &now,
	})
	if err != nil {
		s.logger.Error("failed to mark job as errored", "job_id", jobID, "error", err)
	}
}

// GetUploadJob returns the persisted job record joined with the
// queue's snapshot when available.
func (s *UploadService) GetUploadJob(ctx context.Context, jobID uuid.UUID) (*UploadJobView, error) {
	job, err := s.registry.GetUploadJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	view := &UploadJobView{Job: job}
	snapshot, err := s.queue.Status(ctx, jobID)
	switch {
	case err == nil:
		view.Queue = snapshot
	case errors.Is(err, ErrJobNotFound):
		// The queue aged the job out; the registry record stands alone.
	default:
		return nil, fmt.Errorf("queue status for job %s: %w", jobID, err)
	}
	return view, nil
}

// QueueStats reports queue depth by state.
func (s *UploadService) QueueStats(ctx context.Context) (QueueStats, error) {
	return s.queue.Stats(ctx)
}
