package assetvault_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/assetvault/assetvault/pkg/assetvault"
	queuememory "github.com/assetvault/assetvault/pkg/assetvault/queue/memory"
	repomemory "github.com/assetvault/assetvault/pkg/assetvault/repo/memory"
	storagememory "github.com/assetvault/assetvault/pkg/assetvault/storage/memory"
)

var pngBytes = []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a, 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}

type fixture struct {
	registry *repomemory.Repository
	queue    *queuememory.Queue
	store    *storagememory.Backend
	service  *assetvault.UploadService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	registry := repomemory.New()
	queue := queuememory.New(queuememory.Config{LeaseTimeout: time.Second, PollInterval: 5 * time.Millisecond})
	t.Cleanup(func() { _ = queue.Close() })
	store := storagememory.New()

	service := assetvault.NewUploadService(
		assetvault.WithRegistry(registry),
		assetvault.WithQueue(queue),
	)
	return &fixture{registry: registry, queue: queue, store: store, service: service}
}

// seedSubAsset creates a project, group, and sub-asset chain.
func (f *fixture) seedSubAsset(t *testing.T, key, basePath string) *assetvault.SubAsset {
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
		Key:       key,
		Type:      "image",
		BasePath:  basePath,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, f.registry.CreateSubAsset(ctx, sub))
	return sub
}

func TestCreateUploadQueuesJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sub := f.seedSubAsset(t, "player", "assets/sprites")

	job, err := f.service.CreateUpload(ctx, assetvault.CreateUploadRequest{
		Mode:              assetvault.UploadModeSingle,
		TargetSubAssetIDs: []uuid.UUID{sub.ID},
		Files: []assetvault.UploadFile{
			{OriginalName: "player.png", Bytes: pngBytes},
			{OriginalName: "player_alt.png", Bytes: pngBytes},
		},
		UserID: uuid.New(),
	})
	require.NoError(t, err)
	assert.Equal(t, assetvault.JobStatusQueued, job.Status)
	assert.Equal(t, 2, job.Details.FileCount)

	persisted, err := f.registry.GetUploadJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, assetvault.JobStatusQueued, persisted.Status)

	lease, err := f.queue.Lease(ctx)
	require.NoError(t, err)
	payload := lease.Payload()
	assert.Equal(t, job.ID, payload.JobID)
	// SINGLE mode fans every file out to the first target.
	assert.Equal(t, []uuid.UUID{sub.ID, sub.ID}, payload.TargetSubAssetIDs)
	assert.Equal(t, "image/png", payload.Files[0].MimeType)
}

func TestCreateUploadSequencePairsTargets(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	first := f.seedSubAsset(t, "player", "assets/sprites")
	second := f.seedSubAsset(t, "enemy", "assets/sprites")

	job, err := f.service.CreateUpload(ctx, assetvault.CreateUploadRequest{
		Mode:              assetvault.UploadModeSequence,
		TargetSubAssetIDs: []uuid.UUID{first.ID, second.ID},
		Files: []assetvault.UploadFile{
			{OriginalName: "player.png", Bytes: pngBytes},
			{OriginalName: "enemy.png", Bytes: pngBytes},
		},
		UserID: uuid.New(),
	})
	require.NoError(t, err)

	lease, err := f.queue.Lease(ctx)
	require.NoError(t, err)
	assert.Equal(t, job.ID, lease.Payload().JobID)
	assert.Equal(t, []uuid.UUID{first.ID, second.ID}, lease.Payload().TargetSubAssetIDs)
}

func TestCreateUploadSequenceTargetMismatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sub := f.seedSubAsset(t, "player", "assets/sprites")

	_, err := f.service.CreateUpload(ctx, assetvault.CreateUploadRequest{
		Mode:              assetvault.UploadModeSequence,
		TargetSubAssetIDs: []uuid.UUID{sub.ID},
		Files: []assetvault.UploadFile{
			{OriginalName: "player.png", Bytes: pngBytes},
			{OriginalName: "enemy.png", Bytes: pngBytes},
		},
	})
	assert.ErrorIs(t, err, assetvault.ErrInvalidUpload)
}

func TestCreateUploadValidatesRequest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sub := f.seedSubAsset(t, "player", "assets/sprites")

	_, err := f.service.CreateUpload(ctx, assetvault.CreateUploadRequest{
		Mode:              assetvault.UploadModeSingle,
		TargetSubAssetIDs: []uuid.UUID{sub.ID},
	})
	assert.ErrorIs(t, err, assetvault.ErrInvalidUpload)

	_, err = f.service.CreateUpload(ctx, assetvault.CreateUploadRequest{
		Mode:  assetvault.UploadModeSingle,
		Files: []assetvault.UploadFile{{OriginalName: "player.png", Bytes: pngBytes}},
	})
	assert.ErrorIs(t, err, assetvault.ErrInvalidUpload)

	_, err = f.service.CreateUpload(ctx, assetvault.CreateUploadRequest{
		Mode:              "BATCH",
		TargetSubAssetIDs: []uuid.UUID{sub.ID},
		Files:             []assetvault.UploadFile{{OriginalName: "player.png", Bytes: pngBytes}},
	})
	assert.ErrorIs(t, err, assetvault.ErrInvalidUpload)
}

func TestCreateUploadUnknownTarget(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.service.CreateUpload(ctx, assetvault.CreateUploadRequest{
		Mode:              assetvault.UploadModeSingle,
		TargetSubAssetIDs: []uuid.UUID{uuid.New()},
		Files:             []assetvault.UploadFile{{OriginalName: "player.png", Bytes: pngBytes}},
	})
	assert.ErrorIs(t, err, assetvault.ErrTargetNotFound)

	stats, err := f.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, assetvault.QueueStats{}, stats)
}

func TestCreateUploadRejectsBadFile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sub := f.seedSubAsset(t, "player", "assets/sprites")

	_, err := f.service.CreateUpload(ctx, assetvault.CreateUploadRequest{
		Mode:              assetvault.UploadModeSingle,
		TargetSubAssetIDs: []uuid.UUID{sub.ID},
		Files:             []assetvault.UploadFile{{OriginalName: "empty.png", Bytes: nil}},
	})
	assert.ErrorIs(t, err, assetvault.ErrFileRejected)

	// Nothing was persisted or enqueued.
	stats, err := f.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, assetvault.QueueStats{}, stats)
}

func TestGetUploadJobJoinsQueueSnapshot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sub := f.seedSubAsset(t, "player", "assets/sprites")

	job, err := f.service.CreateUpload(ctx, assetvault.CreateUploadRequest{
		Mode:              assetvault.UploadModeSingle,
		TargetSubAssetIDs: []uuid.UUID{sub.ID},
		Files:             []assetvault.UploadFile{{OriginalName: "player.png", Bytes: pngBytes}},
	})
	require.NoError(t, err)

	view, err := f.service.GetUploadJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, view.Job.ID)
	require.NotNil(t, view.Queue)
	assert.Equal(t, assetvault.QueueStateWaiting, view.Queue.State)

	_, err = f.service.GetUploadJob(ctx, uuid.New())
	assert.ErrorIs(t, err, assetvault.ErrJobNotFound)
}
