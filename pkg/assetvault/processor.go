package assetvault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/assetvault/assetvault/pkg/assetvault/assetpath"
)

// ProcessorConfig wires an upload processor. Registry, Store and Queue
// are required.
type ProcessorConfig struct {
	Registry Registry
	Store    ContentStore
	Queue    Queue
	Logger   *slog.Logger

	// Workers is the number of concurrent job consumers. Defaults to 2.
	Workers int

	// VersionRetries bounds how many times a file commit re-resolves
	// and re-stores after losing a version race. Defaults to 5.
	VersionRetries int
}

// Processor drains the upload queue: for each leased job it marks the
// job PROCESSING, commits every file (store bytes, append a revision,
// bump the sub-asset version atomically), and finishes the job DONE or
// ERROR. Delivery is at-least-once, so every step is safe to re-run on
// the same job.
type Processor struct {
	registry Registry
	store    ContentStore
	queue    Queue
	logger   *slog.Logger

	workers        int
	versionRetries int

	// subAssetLocks serializes commits per sub-asset within this
	// process. Resolved paths derive from the version number, so two
	// workers racing on the same sub-asset would write the same path
	// before one of them loses the version transaction.
	subAssetLocks sync.Map
}

// NewProcessor creates an upload processor.
func NewProcessor(config ProcessorConfig) *Processor {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Workers <= 0 {
		config.Workers = 2
	}
	if config.VersionRetries <= 0 {
		config.VersionRetries = 5
	}
	return &Processor{
		registry:       config.Registry,
		store:          config.Store,
		queue:          config.Queue,
		logger:         config.Logger,
		workers:        config.Workers,
		versionRetries: config.VersionRetries,
	}
}

// Run consumes jobs until ctx is done or the queue closes. It blocks
// until every worker has drained.
func (p *Processor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			p.consume(ctx, worker)
		}(i)
	}
	wg.Wait()
}

func (p *Processor) consume(ctx context.Context, worker int) {
	logger := p.logger.With("worker", worker)
	for {
		lease, err := p.queue.Lease(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, context.Canceled) {
				logger.Info("queue lease ended", "reason", err)
			}
			return
		}
		p.process(ctx, lease, logger)
	}
}

// process runs one delivery of a job end to end.
func (p *Processor) process(ctx context.Context, lease Lease, logger *slog.Logger) {
	payload := lease.Payload()
	logger = logger.With("job_id", payload.JobID, "attempt", lease.Attempt())

	err := p.registry.UpdateJobStatus(ctx, UpdateJobStatusParams{
		JobID:  payload.JobID,
		Status: JobStatusProcessing,
	})
	switch {
	case errors.Is(err, ErrJobTerminal):
		// A previous delivery finished the job but its Ack was lost.
		logger.Info("job already finished, acknowledging redelivery")
		p.ack(ctx, lease, logger)
		return
	case errors.Is(err, ErrJobNotFound):
		logger.Warn("job record missing, dropping delivery")
		p.ack(ctx, lease, logger)
		return
	case err != nil:
		p.retryOrFail(ctx, lease, &JobError{JobID: payload.JobID, Op: "mark processing", Err: err}, nil, logger)
		return
	}

	results, err := p.commitFiles(ctx, payload, logger)
	if err != nil {
		p.retryOrFail(ctx, lease, err, results, logger)
		return
	}

	now := time.Now().UTC()
	err = p.registry.UpdateJobStatus(ctx, UpdateJobStatusParams{
		JobID:  payload.JobID,
		Status: JobStatusDone,
		Details: &JobDetails{
			TargetSubAssetIDs: payload.TargetSubAssetIDs,
			FileCount:         len(payload.Files),
			Results:           results,
		},
		CompletedAt: &now,
	})
	if err != nil {
		p.retryOrFail(ctx, lease, &JobError{JobID: payload.JobID, Op: "mark done", Err: err}, results, logger)
		return
	}

	logger.Info("upload job done", "files", len(results))
	p.ack(ctx, lease, logger)
}

// commitFiles commits the payload's files in order and stops at the
// first failure. Files already committed stay committed; a later
// delivery of the same job skips them via the change note probe.
func (p *Processor) commitFiles(ctx context.Context, payload JobPayload, logger *slog.Logger) ([]FileResult, error) {
	if len(payload.TargetSubAssetIDs) != len(payload.Files) {
		return nil, &JobError{
			JobID: payload.JobID,
			Op:    "resolve targets",
			Err:   fmt.Errorf("%w: %d targets for %d files", ErrInvalidUpload, len(payload.TargetSubAssetIDs), len(payload.Files)),
		}
	}

	results := make([]FileResult, 0, len(payload.Files))
	for i, file := range payload.Files {
		result, err := p.commitFile(ctx, payload.TargetSubAssetIDs[i], file, changeNote(payload.JobID, i))
		if err != nil {
			return results, &JobError{
				JobID: payload.JobID,
				Op:    fmt.Sprintf("commit file %d (%s)", i+1, file.OriginalName),
				Err:   err,
			}
		}
		logger.Info("file committed",
			"file", file.OriginalName,
			"sub_asset_id", result.SubAssetID,
			"version", result.Version,
			"path", result.Path)
		results = append(results, *result)
	}
	return results, nil
}

// commitFile stores one file and appends its revision. The version is
// computed optimistically; losing the race to a concurrent upload of
// the same sub-asset means re-resolving at the next version and
// re-storing, up to the retry bound. The change note probe runs under
// the sub-asset lock: a redelivery that raced a still-running first
// delivery must observe its commit, not probe around it. Bytes are
// stored before the version transaction commits, so the lock also
// assumes one processor per storage root.
func (p *Processor) commitFile(ctx context.Context, subAssetID uuid.UUID, file UploadFile, note string) (*FileResult, error) {
	lock := p.subAssetLock(subAssetID)
	lock.Lock()
	defer lock.Unlock()

	existing, err := p.registry.FindRevisionByNote(ctx, subAssetID, note)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		// Another delivery of this job already committed the file.
		return &FileResult{
			SubAssetID: subAssetID,
			Version:    existing.Version,
			Path:       existing.FilePath,
			Size:       existing.FileSize,
			Hash:       existing.FileHash,
		}, nil
	}

	sub, err := p.registry.GetSubAsset(ctx, subAssetID)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < p.versionRetries; attempt++ {
		version := sub.CurrentVersion + 1

		template := sub.PathTemplate
		if template == "" {
			template = assetpath.DefaultTemplate
		}
		relPath, err := assetpath.Resolve(template, assetpath.Params{
			Base:    sub.BasePath,
			Key:     sub.Key,
			Version: version,
			Ext:     fileExtension(file.OriginalName),
		})
		if err != nil {
			return nil, err
		}

		stored, err := p.store.Store(ctx, file.Bytes, relPath, file.MimeType)
		if err != nil {
			return nil, err
		}

		committed, err := p.registry.AppendVersion(ctx, AppendVersionParams{
			SubAssetID: subAssetID,
			Version:    version,
			ChangeNote: note,
			FilePath:   stored.Path,
			FileSize:   stored.Size,
			FileHash:   stored.Hash,
		})
		if errors.Is(err, ErrVersionConflict) {
			// A concurrent upload took this version. Drop the orphaned
			// bytes, then check whether the winner was another delivery
			// of this same job before trying the next slot.
			if delErr := p.store.Delete(ctx, stored.Path); delErr != nil {
				p.logger.Warn("failed to remove orphaned file after version race",
					"path", stored.Path, "error", delErr)
			}
			existing, err := p.registry.FindRevisionByNote(ctx, subAssetID, note)
			if err != nil {
				return nil, err
			}
			if existing != nil {
				return &FileResult{
					SubAssetID: subAssetID,
					Version:    existing.Version,
					Path:       existing.FilePath,
					Size:       existing.FileSize,
					Hash:       existing.FileHash,
				}, nil
			}
			sub, err = p.registry.GetSubAsset(ctx, subAssetID)
			if err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}

		return &FileResult{
			SubAssetID: subAssetID,
			Version:    committed,
			Path:       stored.Path,
			Size:       stored.Size,
			Hash:       stored.Hash,
		}, nil
	}

	return nil, fmt.Errorf("%w: gave up after %d attempts on sub-asset %s", ErrVersionConflict, p.versionRetries, subAssetID)
}

// retryOrFail decides a failed delivery's fate. Transient failures go
// back to the queue with backoff; permanent ones (and transient ones
// out of attempts) finish the job as ERROR.
func (p *Processor) retryOrFail(ctx context.Context, lease Lease, cause error, results []FileResult, logger *slog.Logger) {
	payload := lease.Payload()

	if IsTransient(cause) {
		rescheduled, err := lease.Nack(ctx, cause)
		if err != nil {
			logger.Error("failed to nack job", "error", err)
			return
		}
		if rescheduled {
			logger.Warn("transient failure, job rescheduled", "error", cause)
			return
		}
		logger.Error("transient failure with no attempts remaining", "error", cause)
		p.finishWithError(ctx, payload, cause, results, logger)
		return
	}

	logger.Error("permanent failure, job errored", "error", cause)
	p.finishWithError(ctx, payload, cause, results, logger)
	p.ack(ctx, lease, logger)
}

func (p *Processor) finishWithError(ctx context.Context, payload JobPayload, cause error, results []FileResult, logger *slog.Logger) {
	now := time.Now().UTC()
	err := p.registry.UpdateJobStatus(ctx, UpdateJobStatusParams{
		JobID:  payload.JobID,
		Status: JobStatusError,
		Details: &JobDetails{
			TargetSubAssetIDs: payload.TargetSubAssetIDs,
			FileCount:         len(payload.Files),
			Results:           results,
		},
		ErrorMessage: cause.Error(),
		CompletedAt:  &now,
	})
	if err != nil && !errors.Is(err, ErrJobTerminal) {
		logger.Error("failed to mark job as errored", "error", err)
	}
}

func (p *Processor) ack(ctx context.Context, lease Lease, logger *slog.Logger) {
	if err := lease.Ack(ctx); err != nil {
		logger.Error("failed to ack job", "error", err)
	}
}

func (p *Processor) subAssetLock(id uuid.UUID) *sync.Mutex {
	lock, _ := p.subAssetLocks.LoadOrStore(id, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

// changeNote is the deterministic revision note for one file of one
// job. Its uniqueness per (job, file) is what makes redelivery
// idempotent: FindRevisionByNote finds work a crashed delivery already
// committed.
func changeNote(jobID uuid.UUID, fileIndex int) string {
	return fmt.Sprintf("uploaded via job %s (file %d)", jobID, fileIndex+1)
}

func fileExtension(name string) string {
	ext := strings.TrimPrefix(filepath.Ext(name), ".")
	if ext == "" {
		return "bin"
	}
	return ext
}
