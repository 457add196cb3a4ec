// Package postgres implements assetvault.Registry using PostgreSQL.
// The schema lives in schema.sql next to this file.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/assetvault/assetvault/pkg/assetvault"
)

// Repository implements assetvault.Registry backed by a pgx pool.
type Repository struct {
	pool *pgxpool.Pool
}

// New creates a new PostgreSQL registry.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// registryError classifies a database failure. Unique violations on the
// (sub_asset_id, version) constraint surface as ErrVersionConflict; the
// rest wrap ErrRegistry so the processor treats them as transient.
func registryError(operation string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			if strings.Contains(pgErr.ConstraintName, "asset_history") {
				return assetvault.ErrVersionConflict
			}
			return fmt.Errorf("%w: duplicate entry in %s", assetvault.ErrRegistry, operation)
		case "23503": // foreign_key_violation
			return fmt.Errorf("%w: referenced record not found in %s", assetvault.ErrRegistry, operation)
		case "42P01": // undefined_table
			return fmt.Errorf("%w: table does not exist - run schema.sql", assetvault.ErrRegistry)
		}
	}
	return fmt.Errorf("%w: %s: %v", assetvault.ErrRegistry, operation, err)
}

// Project operations

func (r *Repository) CreateProject(ctx context.Context, project *assetvault.Project) error {
	query := `
		INSERT INTO project (id, name, repo, status, latest_sync_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := r.pool.Exec(ctx, query,
		project.ID, project.Name, project.Repo, project.Status,
		project.LatestSyncAt, project.CreatedAt, project.UpdatedAt)
	if err != nil {
		return registryError("create project", err)
	}
	return nil
}

func (r *Repository) GetProject(ctx context.Context, id uuid.UUID) (*assetvault.Project, error) {
	query := `
		SELECT id, name, repo, status, latest_sync_at, created_at, updated_at
		FROM project WHERE id = $1`

	var project assetvault.Project
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&project.ID, &project.Name, &project.Repo, &project.Status,
		&project.LatestSyncAt, &project.CreatedAt, &project.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, assetvault.ErrProjectNotFound
		}
		return nil, registryError("get project", err)
	}
	return &project, nil
}

// Asset group operations

func (r *Repository) CreateAssetGroup(ctx context.Context, group *assetvault.AssetGroup) error {
	query := `
		INSERT INTO asset_group (id, project_id, key, type, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := r.pool.Exec(ctx, query,
		group.ID, group.ProjectID, group.Key, group.Type, group.CreatedAt, group.UpdatedAt)
	if err != nil {
		return registryError("create asset group", err)
	}
	return nil
}

func (r *Repository) GetAssetGroup(ctx context.Context, id uuid.UUID) (*assetvault.AssetGroup, error) {
	query := `
		SELECT id, project_id, key, type, created_at, updated_at
		FROM asset_group WHERE id = $1`

	var group assetvault.AssetGroup
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&group.ID, &group.ProjectID, &group.Key, &group.Type, &group.CreatedAt, &group.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, assetvault.ErrGroupNotFound
		}
		return nil, registryError("get asset group", err)
	}
	return &group, nil
}

// Sub-asset operations

func (r *Repository) CreateSubAsset(ctx context.Context, subAsset *assetvault.SubAsset) error {
	query := `
		INSERT INTO sub_asset (
			id, group_id, key, type, base_path, path_template,
			current_version, rule_pack_key, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := r.pool.Exec(ctx, query,
		subAsset.ID, subAsset.GroupID, subAsset.Key, subAsset.Type,
		subAsset.BasePath, subAsset.PathTemplate, subAsset.CurrentVersion,
		subAsset.RulePackKey, subAsset.CreatedAt, subAsset.UpdatedAt)
	if err != nil {
		return registryError("create sub-asset", err)
	}
	return nil
}

func (r *Repository) GetSubAsset(ctx context.Context, id uuid.UUID) (*assetvault.SubAsset, error) {
	query := `
		SELECT id, group_id, key, type, base_path, path_template,
		       current_version, rule_pack_key, created_at, updated_at
		FROM sub_asset WHERE id = $1`

	var subAsset assetvault.SubAsset
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&subAsset.ID, &subAsset.GroupID, &subAsset.Key, &subAsset.Type,
		&subAsset.BasePath, &subAsset.PathTemplate, &subAsset.CurrentVersion,
		&subAsset.RulePackKey, &subAsset.CreatedAt, &subAsset.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, assetvault.ErrTargetNotFound
		}
		return nil, registryError("get sub-asset", err)
	}
	return &subAsset, nil
}

func (r *Repository) ListSubAssets(ctx context.Context, groupID uuid.UUID) ([]*assetvault.SubAsset, error) {
	query := `
		SELECT id, group_id, key, type, base_path, path_template,
		       current_version, rule_pack_key, created_at, updated_at
		FROM sub_asset WHERE group_id = $1 ORDER BY key`

	rows, err := r.pool.Query(ctx, query, groupID)
	if err != nil {
		return nil, registryError("list sub-assets", err)
	}
	defer rows.Close()

	var result []*assetvault.SubAsset
	for rows.Next() {
		var subAsset assetvault.SubAsset
		if err := rows.Scan(
			&subAsset.ID, &subAsset.GroupID, &subAsset.Key, &subAsset.Type,
			&subAsset.BasePath, &subAsset.PathTemplate, &subAsset.CurrentVersion,
			&subAsset.RulePackKey, &subAsset.CreatedAt, &subAsset.UpdatedAt); err != nil {
			return nil, registryError("list sub-assets", err)
		}
		result = append(result, &subAsset)
	}
	return result, rows.Err()
}

// AppendVersion runs the history insert and the version bump in one
// transaction. The guarded UPDATE (current_version = version-1) and the
// unique (sub_asset_id, version) constraint together make the increment
// a single atomic compare-and-swap; losers see ErrVersionConflict.
func (r *Repository) AppendVersion(ctx context.Context, params assetvault.AppendVersionParams) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, registryError("append version", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE sub_asset SET current_version = $2, updated_at = now()
		WHERE id = $1 AND current_version = $2 - 1`,
		params.SubAssetID, params.Version)
	if err != nil {
		return 0, registryError("append version", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM sub_asset WHERE id = $1)`,
			params.SubAssetID).Scan(&exists); err != nil {
			return 0, registryError("append version", err)
		}
		if !exists {
			return 0, assetvault.ErrTargetNotFound
		}
		return 0, assetvault.ErrVersionConflict
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO asset_history (
			id, sub_asset_id, version, change_note, file_path, file_size, file_hash, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, now())`,
		uuid.New(), params.SubAssetID, params.Version, params.ChangeNote,
		params.FilePath, params.FileSize, params.FileHash)
	if err != nil {
		return 0, registryError("append version", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, registryError("append version", err)
	}
	return params.Version, nil
}

func (r *Repository) FindRevisionByNote(ctx context.Context, subAssetID uuid.UUID, changeNote string) (*assetvault.AssetHistory, error) {
	query := `
		SELECT id, sub_asset_id, version, change_note, file_path, file_size, file_hash, created_at
		FROM asset_history WHERE sub_asset_id = $1 AND change_note = $2`

	var rev assetvault.AssetHistory
	err := r.pool.QueryRow(ctx, query, subAssetID, changeNote).Scan(
		&rev.ID, &rev.SubAssetID, &rev.Version, &rev.ChangeNote,
		&rev.FilePath, &rev.FileSize, &rev.FileHash, &rev.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, registryError("find revision", err)
	}
	return &rev, nil
}

func (r *Repository) ListHistory(ctx context.Context, subAssetID uuid.UUID) ([]*assetvault.AssetHistory, error) {
	query := `
		SELECT id, sub_asset_id, version, change_note, file_path, file_size, file_hash, created_at
		FROM asset_history WHERE sub_asset_id = $1 ORDER BY version DESC`

	rows, err := r.pool.Query(ctx, query, subAssetID)
	if err != nil {
		return nil, registryError("list history", err)
	}
	defer rows.Close()

	var result []*assetvault.AssetHistory
	for rows.Next() {
		var rev assetvault.AssetHistory
		if err := rows.Scan(
			&rev.ID, &rev.SubAssetID, &rev.Version, &rev.ChangeNote,
			&rev.FilePath, &rev.FileSize, &rev.FileHash, &rev.CreatedAt); err != nil {
			return nil, registryError("list history", err)
		}
		result = append(result, &rev)
	}
	return result, rows.Err()
}

// Upload job operations

func (r *Repository) CreateUploadJob(ctx context.Context, job *assetvault.UploadJob) error {
	details, err := json.Marshal(job.Details)
	if err != nil {
		return registryError("create upload job", err)
	}

	query := `
		INSERT INTO upload_job (
			id, status, mode, created_by, details, error_message, created_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err = r.pool.Exec(ctx, query,
		job.ID, job.Status, job.Mode, job.CreatedBy, details,
		job.ErrorMessage, job.CreatedAt, job.CompletedAt)
	if err != nil {
		return registryError("create upload job", err)
	}
	return nil
}

func (r *Repository) GetUploadJob(ctx context.Context, id uuid.UUID) (*assetvault.UploadJob, error) {
	query := `
		SELECT id, status, mode, created_by, details, error_message, created_at, completed_at
		FROM upload_job WHERE id = $1`

	var job assetvault.UploadJob
	var details []byte
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&job.ID, &job.Status, &job.Mode, &job.CreatedBy, &details,
		&job.ErrorMessage, &job.CreatedAt, &job.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, assetvault.ErrJobNotFound
		}
		return nil, registryError("get upload job", err)
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &job.Details); err != nil {
			return nil, registryError("get upload job", err)
		}
	}
	return &job, nil
}

func (r *Repository) UpdateJobStatus(ctx context.Context, params assetvault.UpdateJobStatusParams) error {
	var details []byte
	if params.Details != nil {
		var err error
		details, err = json.Marshal(params.Details)
		if err != nil {
			return registryError("update job status", err)
		}
	}

	// The status guard keeps terminal states terminal. Re-applying the
	// current terminal status is accepted but never rewrites details, so
	// a stale delivery cannot clobber a finished job's results.
	query := `
		UPDATE upload_job SET
			status = $2,
			details = COALESCE($3, details),
			error_message = CASE WHEN $4 <> '' THEN $4 ELSE error_message END,
			completed_at = COALESCE($5, completed_at)
		WHERE id = $1 AND status NOT IN ('DONE', 'ERROR')`

	tag, err := r.pool.Exec(ctx, query,
		params.JobID, params.Status, details, params.ErrorMessage, params.CompletedAt)
	if err != nil {
		return registryError("update job status", err)
	}
	if tag.RowsAffected() == 0 {
		var current string
		err := r.pool.QueryRow(ctx,
			`SELECT status FROM upload_job WHERE id = $1`,
			params.JobID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return assetvault.ErrJobNotFound
		}
		if err != nil {
			return registryError("update job status", err)
		}
		if current == string(params.Status) {
			return nil
		}
		return assetvault.ErrJobTerminal
	}
	return nil
}
