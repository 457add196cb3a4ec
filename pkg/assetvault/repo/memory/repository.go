// Package memory implements assetvault.Registry using in-memory storage.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/assetvault/assetvault/pkg/assetvault"
)

// Repository implements assetvault.Registry with process-local maps.
// All mutating operations run under one mutex, which doubles as the
// transaction mechanism enforcing (sub-asset, version) uniqueness.
type Repository struct {
	mu          sync.RWMutex
	projects    map[uuid.UUID]*assetvault.Project
	groups      map[uuid.UUID]*assetvault.AssetGroup
	subAssets   map[uuid.UUID]*assetvault.SubAsset
	history     map[uuid.UUID][]*assetvault.AssetHistory // sub_asset_id -> revisions
	jobs        map[uuid.UUID]*assetvault.UploadJob
	groupAssets map[uuid.UUID][]uuid.UUID // group_id -> []sub_asset_id
}

// New creates a new in-memory registry.
func New() *Repository {
	return &Repository{
		projects:    make(map[uuid.UUID]*assetvault.Project),
		groups:      make(map[uuid.UUID]*assetvault.AssetGroup),
		subAssets:   make(map[uuid.UUID]*assetvault.SubAsset),
		history:     make(map[uuid.UUID][]*assetvault.AssetHistory),
		jobs:        make(map[uuid.UUID]*assetvault.UploadJob),
		groupAssets: make(map[uuid.UUID][]uuid.UUID),
	}
}

// Project operations

func (r *Repository) CreateProject(ctx context.Context, project *assetvault.Project) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	projectCopy := *project
	r.projects[project.ID] = &projectCopy
	return nil
}

func (r *Repository) GetProject(ctx context.Context, id uuid.UUID) (*assetvault.Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	project, exists := r.projects[id]
	if !exists {
		return nil, assetvault.ErrProjectNotFound
	}
	projectCopy := *project
	return &projectCopy, nil
}

// Asset group operations

func (r *Repository) CreateAssetGroup(ctx context.Context, group *assetvault.AssetGroup) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.projects[group.ProjectID]; !exists {
		return assetvault.ErrProjectNotFound
	}
	groupCopy := *group
	r.groups[group.ID] = &groupCopy
	return nil
}

func (r *Repository) GetAssetGroup(ctx context.Context, id uuid.UUID) (*assetvault.AssetGroup, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	group, exists := r.groups[id]
	if !exists {
		return nil, assetvault.ErrGroupNotFound
	}
	groupCopy := *group
	return &groupCopy, nil
}

// Sub-asset operations

func (r *Repository) CreateSubAsset(ctx context.Context, subAsset *assetvault.SubAsset) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.groups[subAsset.GroupID]; !exists {
		return assetvault.ErrGroupNotFound
	}
	subAssetCopy := *subAsset
	r.subAssets[subAsset.ID] = &subAssetCopy
	r.groupAssets[subAsset.GroupID] = append(r.groupAssets[subAsset.GroupID], subAsset.ID)
	return nil
}

func (r *Repository) GetSubAsset(ctx context.Context, id uuid.UUID) (*assetvault.SubAsset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subAsset, exists := r.subAssets[id]
	if !exists {
		return nil, assetvault.ErrTargetNotFound
	}
	subAssetCopy := *subAsset
	return &subAssetCopy, nil
}

func (r *Repository) ListSubAssets(ctx context.Context, groupID uuid.UUID) ([]*assetvault.SubAsset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*assetvault.SubAsset
	for _, id := range r.groupAssets[groupID] {
		if subAsset, exists := r.subAssets[id]; exists {
			subAssetCopy := *subAsset
			result = append(result, &subAssetCopy)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Key < result[j].Key
	})

	return result, nil
}

// AppendVersion inserts a history row and bumps CurrentVersion in one
// critical section. The mutex serializes concurrent increments; a stale
// requested version surfaces as ErrVersionConflict for the caller to
// recompute and retry.
func (r *Repository) AppendVersion(ctx context.Context, params assetvault.AppendVersionParams) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subAsset, exists := r.subAssets[params.SubAssetID]
	if !exists {
		return 0, assetvault.ErrTargetNotFound
	}

	if params.Version != subAsset.CurrentVersion+1 {
		return 0, assetvault.ErrVersionConflict
	}
	for _, rev := range r.history[params.SubAssetID] {
		if rev.Version == params.Version {
			return 0, assetvault.ErrVersionConflict
		}
	}

	now := time.Now().UTC()
	rev := &assetvault.AssetHistory{
		ID:         uuid.New(),
		SubAssetID: params.SubAssetID,
		Version:    params.Version,
		ChangeNote: params.ChangeNote,
		FilePath:   params.FilePath,
		FileSize:   params.FileSize,
		FileHash:   params.FileHash,
		CreatedAt:  now,
	}
	r.history[params.SubAssetID] = append(r.history[params.SubAssetID], rev)

	subAsset.CurrentVersion = params.Version
	subAsset.UpdatedAt = now

	return subAsset.CurrentVersion, nil
}

func (r *Repository) FindRevisionByNote(ctx context.Context, subAssetID uuid.UUID, changeNote string) (*assetvault.AssetHistory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, rev := range r.history[subAssetID] {
		if rev.ChangeNote == changeNote {
			revCopy := *rev
			return &revCopy, nil
		}
	}
	return nil, nil
}

func (r *Repository) ListHistory(ctx context.Context, subAssetID uuid.UUID) ([]*assetvault.AssetHistory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, exists := r.subAssets[subAssetID]; !exists {
		return nil, assetvault.ErrTargetNotFound
	}

	result := make([]*assetvault.AssetHistory, 0, len(r.history[subAssetID]))
	for _, rev := range r.history[subAssetID] {
		revCopy := *rev
		result = append(result, &revCopy)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Version > result[j].Version
	})

	return result, nil
}

// Upload job operations

func (r *Repository) CreateUploadJob(ctx context.Context, job *assetvault.UploadJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	jobCopy := *job
	r.jobs[job.ID] = &jobCopy
	return nil
}

func (r *Repository) GetUploadJob(ctx context.Context, id uuid.UUID) (*assetvault.UploadJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, exists := r.jobs[id]
	if !exists {
		return nil, assetvault.ErrJobNotFound
	}
	jobCopy := *job
	return &jobCopy, nil
}

func (r *Repository) UpdateJobStatus(ctx context.Context, params assetvault.UpdateJobStatusParams) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, exists := r.jobs[params.JobID]
	if !exists {
		return assetvault.ErrJobNotFound
	}

	// Terminal states are immutable. Re-applying the current terminal
	// status is accepted for idempotency but keeps the first-written
	// details; any other transition out of a terminal state is refused.
	if job.Status.IsTerminal() {
		if job.Status == params.Status {
			return nil
		}
		return assetvault.ErrJobTerminal
	}

	job.Status = params.Status
	if params.Details != nil {
		job.Details = *params.Details
	}
	if params.ErrorMessage != "" {
		job.ErrorMessage = params.ErrorMessage
	}
	if params.CompletedAt != nil {
		completedAt := *params.CompletedAt
		job.CompletedAt = &completedAt
	}

	return nil
}
