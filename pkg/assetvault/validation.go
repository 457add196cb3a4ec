package assetvault

import (
	"fmt"

	"github.com/gabriel-vasile/mimetype"
)

// DefaultMaxFileSize bounds a single uploaded file.
const DefaultMaxFileSize = 10 << 20 // 10 MiB

// defaultAllowedTypes covers the asset formats the pipeline stores.
// application/octet-stream admits engine-specific binary formats that
// content sniffing cannot name.
var defaultAllowedTypes = []string{
	"image/png",
	"image/jpeg",
	"image/gif",
	"image/webp",
	"audio/mpeg",
	"audio/ogg",
	"audio/wav",
	"model/gltf-binary",
	"application/octet-stream",
}

// ValidatorConfig options for FileValidator. Zero values pick the
// defaults above.
type ValidatorConfig struct {
	MaxFileSize  int64
	AllowedTypes []string
}

// FileValidator screens uploaded files before a job is accepted. The
// MIME type is sniffed from the bytes; the client-declared type is
// never trusted.
type FileValidator struct {
	maxFileSize  int64
	allowedTypes []string
}

// NewFileValidator creates a validator.
func NewFileValidator(config ValidatorConfig) *FileValidator {
	if config.MaxFileSize <= 0 {
		config.MaxFileSize = DefaultMaxFileSize
	}
	if len(config.AllowedTypes) == 0 {
		config.AllowedTypes = defaultAllowedTypes
	}
	return &FileValidator{
		maxFileSize:  config.MaxFileSize,
		allowedTypes: config.AllowedTypes,
	}
}

// Validate checks one file and returns its sniffed MIME type.
// Failures wrap ErrFileRejected.
func (v *FileValidator) Validate(file UploadFile) (string, error) {
	if file.OriginalName == "" {
		return "", fmt.Errorf("%w: missing file name", ErrFileRejected)
	}
	if len(file.Bytes) == 0 {
		return "", fmt.Errorf("%w: %s is empty", ErrFileRejected, file.OriginalName)
	}
	if int64(len(file.Bytes)) > v.maxFileSize {
		return "", fmt.Errorf("%w: %s is %d bytes, limit is %d", ErrFileRejected, file.OriginalName, len(file.Bytes), v.maxFileSize)
	}

	detected := mimetype.Detect(file.Bytes)
	for _, allowed := range v.allowedTypes {
		if detected.Is(allowed) {
			return detected.String(), nil
		}
	}
	return "", fmt.Errorf("%w: %s has unsupported type %s", ErrFileRejected, file.OriginalName, detected.String())
}
