package assetvault

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Error types
var (
	// ErrPathTraversal indicates a path escaped the storage root
	ErrPathTraversal = errors.New("path traversal detected")

	// ErrTargetNotFound indicates an unknown target sub-asset
	ErrTargetNotFound = errors.New("target sub-asset not found")

	// ErrVersionConflict indicates a concurrent version increment won the race
	ErrVersionConflict = errors.New("version conflict")

	// ErrStorageIO indicates a filesystem failure in the content store
	ErrStorageIO = errors.New("storage I/O failure")

	// ErrRegistry indicates a registry transaction failure
	ErrRegistry = errors.New("registry transaction failed")

	// ErrJobNotFound indicates an unknown upload job
	ErrJobNotFound = errors.New("upload job not found")

	// ErrProjectNotFound indicates an unknown project
	ErrProjectNotFound = errors.New("project not found")

	// ErrGroupNotFound indicates an unknown asset group
	ErrGroupNotFound = errors.New("asset group not found")

	// ErrFileRejected indicates an uploaded file failed validation
	ErrFileRejected = errors.New("file rejected")

	// ErrInvalidUpload indicates a malformed upload request
	ErrInvalidUpload = errors.New("invalid upload request")

	// ErrJobTerminal indicates an attempted transition out of DONE or ERROR
	ErrJobTerminal = errors.New("job already in terminal state")
)

// JobError represents an error that failed an upload job.
type JobError struct {
	JobID uuid.UUID
	Op    string
	Err   error
}

func (e *JobError) Error() string {
	return fmt.Sprintf("upload job %s failed during %s: %v", e.JobID, e.Op, e.Err)
}

func (e *JobError) Unwrap() error {
	return e.Err
}

// StorageError represents a content store failure for a given path.
type StorageError struct {
	Path string
	Op   string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage operation %s failed for path %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether an error is worth a queue-level retry.
// Path, validation, and lookup failures are permanent: redelivering the
// same payload cannot fix them. I/O and registry availability can.
func IsTransient(err error) bool {
	switch {
	case errors.Is(err, ErrStorageIO), errors.Is(err, ErrRegistry):
		return true
	default:
		return false
	}
}
