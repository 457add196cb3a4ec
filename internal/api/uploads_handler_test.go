package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/assetvault/assetvault/pkg/assetvault"
	queuememory "github.com/assetvault/assetvault/pkg/assetvault/queue/memory"
	repomemory "github.com/assetvault/assetvault/pkg/assetvault/repo/memory"
)

var pngBytes = []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a, 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}

type handlerFixture struct {
	registry *repomemory.Repository
	queue    *queuememory.Queue
	router   chi.Router
}

func setupUploadsHandlerTest(t *testing.T) *handlerFixture {
	t.Helper()

	registry := repomemory.New()
	queue := queuememory.New(queuememory.Config{LeaseTimeout: time.Second, PollInterval: 5 * time.Millisecond})
	t.Cleanup(func() { _ = queue.Close() })

	service := assetvault.NewUploadService(
		assetvault.WithRegistry(registry),
		assetvault.WithQueue(queue),
	)

	router := chi.NewRouter()
	router.Mount("/api/v1/uploads", NewUploadsHandler(service, nil).Routes())

	return &handlerFixture{registry: registry, queue: queue, router: router}
}

func (f *handlerFixture) seedSubAsset(t *testing.T) *assetvault.SubAsset {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	project := &assetvault.Project{ID: uuid.New(), Name: "demo-game", Status: "active", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, f.registry.CreateProject(ctx, project))

	group := &assetvault.AssetGroup{ID: uuid.New(), ProjectID: project.ID, Key: "sprites", Type: "image", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, f.registry.CreateAssetGroup(ctx, group))

	sub := &assetvault.SubAsset{
		ID:        uuid.New(),
		GroupID:   group.ID,
		Key:       "player",
		Type:      "image",
		BasePath:  "assets/sprites",
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, f.registry.CreateSubAsset(ctx, sub))
	return sub
}

// multipartUpload builds a multipart request body for the upload endpoint.
func multipartUpload(t *testing.T, mode, targetIDs string, files map[string][]byte) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if mode != "" {
		require.NoError(t, writer.WriteField("mode", mode))
	}
	if targetIDs != "" {
		require.NoError(t, writer.WriteField("target_ids", targetIDs))
	}
	for name, data := range files {
		part, err := writer.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())
	return body, writer.FormDataContentType()
}

func TestCreateUploadAccepted(t *testing.T) {
	f := setupUploadsHandlerTest(t)
	sub := f.seedSubAsset(t)

	body, contentType := multipartUpload(t, "single", sub.ID.String(), map[string][]byte{"player.png": pngBytes})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads/", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	f.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp UploadJobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, assetvault.JobStatusQueued, resp.Status)
	assert.Equal(t, assetvault.UploadModeSingle, resp.Mode)
	assert.Equal(t, 1, resp.FileCount)

	jobID, err := uuid.Parse(resp.ID)
	require.NoError(t, err)
	_, err = f.registry.GetUploadJob(context.Background(), jobID)
	assert.NoError(t, err)
}

func TestCreateUploadUnknownTarget(t *testing.T) {
	f := setupUploadsHandlerTest(t)

	body, contentType := multipartUpload(t, "single", uuid.NewString(), map[string][]byte{"player.png": pngBytes})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads/", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateUploadInvalidTargetID(t *testing.T) {
	f := setupUploadsHandlerTest(t)

	body, contentType := multipartUpload(t, "single", "not-a-uuid", map[string][]byte{"player.png": pngBytes})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads/", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateUploadRejectsFile(t *testing.T) {
	f := setupUploadsHandlerTest(t)
	sub := f.seedSubAsset(t)

	body, contentType := multipartUpload(t, "single", sub.ID.String(), map[string][]byte{"notes.txt": []byte("plain text, not a game asset")})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads/", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "file rejected")
}

func TestCreateUploadWithoutFiles(t *testing.T) {
	f := setupUploadsHandlerTest(t)
	sub := f.seedSubAsset(t)

	body, contentType := multipartUpload(t, "single", sub.ID.String(), nil)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads/", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()

	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetUpload(t *testing.T) {
	f := setupUploadsHandlerTest(t)
	sub := f.seedSubAsset(t)

	body, contentType := multipartUpload(t, "single", sub.ID.String(), map[string][]byte{"player.png": pngBytes})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads/", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var created UploadJobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	req = httptest.NewRequest(http.MethodGet, "/api/v1/uploads/"+created.ID, nil)
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var view assetvault.UploadJobView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, created.ID, view.Job.ID.String())
	require.NotNil(t, view.Queue)
	assert.Equal(t, assetvault.QueueStateWaiting, view.Queue.State)
}

func TestGetUploadNotFound(t *testing.T) {
	f := setupUploadsHandlerTest(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/uploads/"+uuid.NewString(), nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/uploads/not-a-uuid", nil)
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetStats(t *testing.T) {
	f := setupUploadsHandlerTest(t)
	sub := f.seedSubAsset(t)

	body, contentType := multipartUpload(t, "single", sub.ID.String(), map[string][]byte{"player.png": pngBytes})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads/", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/uploads/stats", nil)
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var stats assetvault.QueueStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Waiting)
}
