package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"

	"github.com/assetvault/assetvault/pkg/assetvault"
)

// maxUploadMemory bounds how much of a multipart body stays in memory
// before spilling to temp files.
const maxUploadMemory = 32 << 20

// UploadsHandler handles HTTP requests for upload jobs
type UploadsHandler struct {
	service *assetvault.UploadService
	logger  *slog.Logger
}

// NewUploadsHandler creates a new uploads handler
func NewUploadsHandler(service *assetvault.UploadService, logger *slog.Logger) *UploadsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &UploadsHandler{service: service, logger: logger}
}

// Routes returns the routes for upload jobs
func (h *UploadsHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.CreateUpload)
	r.Get("/stats", h.GetStats)
	r.Get("/{jobID}", h.GetUpload)

	return r
}

// UploadJobResponse is the response body for a created upload job
type UploadJobResponse struct {
	ID        string                `json:"id"`
	Status    assetvault.JobStatus  `json:"status"`
	Mode      assetvault.UploadMode `json:"mode"`
	FileCount int                   `json:"file_count"`
	CreatedAt time.Time             `json:"created_at"`
}

// CreateUpload accepts a multipart upload submission. Form fields:
// "mode" (SINGLE or SEQUENCE), "target_ids" (comma-separated UUIDs),
// optional "user_id", and one or more "files" parts.
func (h *UploadsHandler) CreateUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		http.Error(w, "invalid multipart form", http.StatusBadRequest)
		return
	}

	mode := assetvault.UploadMode(strings.ToUpper(r.FormValue("mode")))
	if mode == "" {
		mode = assetvault.UploadModeSingle
	}

	targets, err := parseTargetIDs(r.FormValue("target_ids"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var userID uuid.UUID
	if raw := r.FormValue("user_id"); raw != "" {
		userID, err = uuid.Parse(raw)
		if err != nil {
			http.Error(w, "invalid user ID", http.StatusBadRequest)
			return
		}
	}

	var files []assetvault.UploadFile
	if r.MultipartForm != nil {
		for _, header := range r.MultipartForm.File["files"] {
			part, err := header.Open()
			if err != nil {
				http.Error(w, "failed to read uploaded file", http.StatusBadRequest)
				return
			}
			data, err := io.ReadAll(part)
			part.Close()
			if err != nil {
				http.Error(w, "failed to read uploaded file", http.StatusBadRequest)
				return
			}
			files = append(files, assetvault.UploadFile{
				OriginalName: header.Filename,
				Bytes:        data,
				MimeType:     header.Header.Get("Content-Type"),
			})
		}
	}

	job, err := h.service.CreateUpload(r.Context(), assetvault.CreateUploadRequest{
		Mode:              mode,
		TargetSubAssetIDs: targets,
		Files:             files,
		UserID:            userID,
	})
	if err != nil {
		h.renderError(w, r, err)
		return
	}

	resp := UploadJobResponse{
		ID:        job.ID.String(),
		Status:    job.Status,
		Mode:      job.Mode,
		FileCount: job.Details.FileCount,
		CreatedAt: job.CreatedAt,
	}
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, resp)
}

// GetUpload returns the persisted job joined with the queue snapshot
func (h *UploadsHandler) GetUpload(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		http.Error(w, "invalid job ID", http.StatusBadRequest)
		return
	}

	view, err := h.service.GetUploadJob(r.Context(), jobID)
	if err != nil {
		h.renderError(w, r, err)
		return
	}

	render.JSON(w, r, view)
}

// GetStats returns queue depth by state
func (h *UploadsHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.QueueStats(r.Context())
	if err != nil {
		h.renderError(w, r, err)
		return
	}

	render.JSON(w, r, stats)
}

func (h *UploadsHandler) renderError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, assetvault.ErrInvalidUpload), errors.Is(err, assetvault.ErrFileRejected):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, assetvault.ErrTargetNotFound), errors.Is(err, assetvault.ErrJobNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		h.logger.Error("upload request failed", "path", r.URL.Path, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

func parseTargetIDs(raw string) ([]uuid.UUID, error) {
	var targets []uuid.UUID
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := uuid.Parse(part)
		if err != nil {
			return nil, errors.New("invalid target ID: " + part)
		}
		targets = append(targets, id)
	}
	return targets, nil
}
