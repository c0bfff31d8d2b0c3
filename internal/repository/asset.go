package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/matchlens/clipsync/internal/model"
)

// AssetRepository wraps all SQL against the media_assets tables. It is both
// the status source the monitor polls and the asset-mutation collaborator
// the queue manager calls.
type AssetRepository struct {
	pool *pgxpool.Pool
}

// NewAssetRepository constructs a repository.
func NewAssetRepository(pool *pgxpool.Pool) *AssetRepository {
	return &AssetRepository{pool: pool}
}

// UpdateAsset applies a partial update to an asset row. Nil patch fields
// leave the stored value untouched.
func (r *AssetRepository) UpdateAsset(ctx context.Context, id string, patch model.AssetPatch) error {
	now := time.Now().UTC()
	tag, err := r.pool.Exec(ctx, `
		UPDATE media_assets
		SET status = COALESCE($1, status),
			storage_path = COALESCE($2, storage_path),
			size_bytes = COALESCE($3, size_bytes),
			mime_type = COALESCE($4, mime_type),
			updated_at = $5
		WHERE id = $6
	`, patch.Status, patch.StoragePath, patch.SizeBytes, patch.MimeType, now, id)
	if err != nil {
		return fmt.Errorf("update asset: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("asset %s not found", id)
	}
	return nil
}

// FetchAssetStatuses returns the status projection for exactly the requested
// asset ids, scoped to the organization.
func (r *AssetRepository) FetchAssetStatuses(ctx context.Context, orgID string, ids []string) ([]model.AssetState, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, status, streaming_ready
		FROM media_assets
		WHERE org_id = $1 AND id = ANY($2)
	`, orgID, ids)
	if err != nil {
		return nil, fmt.Errorf("fetch asset statuses: %w", err)
	}
	defer rows.Close()
	var out []model.AssetState
	for rows.Next() {
		var st model.AssetState
		if err := rows.Scan(&st.ID, &st.Status, &st.StreamingReady); err != nil {
			return nil, fmt.Errorf("scan asset status: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate asset statuses: %w", err)
	}
	return out, nil
}

// ListAssets returns every asset in the organization together with its
// narration count, newest first.
func (r *AssetRepository) ListAssets(ctx context.Context, orgID string) ([]model.MediaAsset, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT a.id, a.org_id, a.file_name, a.storage_path, a.size_bytes,
			COALESCE(a.mime_type, ''), a.duration_seconds, a.status,
			a.streaming_ready, COUNT(n.id), a.created_at, a.updated_at
		FROM media_assets a
		LEFT JOIN narrations n ON n.asset_id = a.id
		WHERE a.org_id = $1
		GROUP BY a.id
		ORDER BY a.created_at DESC
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	defer rows.Close()
	var out []model.MediaAsset
	for rows.Next() {
		var a model.MediaAsset
		if err := rows.Scan(&a.ID, &a.OrgID, &a.FileName, &a.StoragePath, &a.SizeBytes,
			&a.MimeType, &a.DurationSeconds, &a.Status, &a.StreamingReady,
			&a.NarrationCount, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assets: %w", err)
	}
	return out, nil
}

// GetAsset returns one asset by id.
func (r *AssetRepository) GetAsset(ctx context.Context, id string) (*model.MediaAsset, error) {
	var (
		a    model.MediaAsset
		mime sql.NullString
	)
	row := r.pool.QueryRow(ctx, `
		SELECT id, org_id, file_name, storage_path, size_bytes, mime_type,
			duration_seconds, status, streaming_ready, created_at, updated_at
		FROM media_assets WHERE id = $1
	`, id)
	if err := row.Scan(&a.ID, &a.OrgID, &a.FileName, &a.StoragePath, &a.SizeBytes,
		&mime, &a.DurationSeconds, &a.Status, &a.StreamingReady, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("asset not found: %w", err)
		}
		return nil, fmt.Errorf("select asset: %w", err)
	}
	if mime.Valid {
		a.MimeType = mime.String
	}
	return &a, nil
}
