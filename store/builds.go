package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fleetimage/imageforge/ferrors"
	"github.com/fleetimage/imageforge/model"
)

// GetProfile/ListProfiles live in profiles.go; GetBuild/ListBuilds/
// FindSucceededBuildByCacheKey/CreatePendingBuild/MarkBuild* below implement
// buildengine.Store plus the rest of the §4.6 "Required queries" build
// surface.

func scanBuild(row rowScanner) (*model.BuildRecord, error) {
	var b model.BuildRecord
	var startedAt, finishedAt sql.NullTime
	var exitCode sql.NullInt64
	var cacheHit int
	var durationNS int64
	if err := row.Scan(&b.ID, &b.ExternalID, &b.ProfileID, &b.ProfileVersion, &b.ToolchainKey.Release,
		&b.ToolchainKey.Target, &b.ToolchainKey.Subtarget, &b.CanonicalSnapshot, &b.CacheKey,
		&b.Status, &b.RequestedAt, &startedAt, &finishedAt, &b.WorkDir, &b.LogPath,
		&b.ErrorCode, &b.ErrorMessage, &exitCode, &cacheHit, &durationNS); err != nil {
		return nil, err
	}
	if startedAt.Valid {
		b.StartedAt = startedAt.Time
	}
	if finishedAt.Valid {
		b.FinishedAt = finishedAt.Time
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		b.ExitCode = &v
	}
	b.CacheHit = cacheHit != 0
	b.Duration = time.Duration(durationNS)
	return &b, nil
}

const buildColumns = `id, external_id, profile_id, profile_version, toolchain_release, toolchain_target,
	toolchain_subtarget, canonical_snapshot, cache_key, status, requested_at, started_at,
	finished_at, work_dir, log_path, error_code, error_message, exit_code, cache_hit, duration_ns`

// GetBuild returns a build by identifier (spec §4.6 "Build by identifier").
func (s *Store) GetBuild(ctx context.Context, id int64) (*model.BuildRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+buildColumns+` FROM builds WHERE id = ?`, id)
	b, err := scanBuild(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading build %d: %w", id, err)
	}
	return b, nil
}

// ListBuildsByProfile returns builds for a profile, optionally filtered by
// status (spec §4.6 "builds by profile with optional status filter").
func (s *Store) ListBuildsByProfile(ctx context.Context, profileID string, status model.BuildStatus) ([]model.BuildRecord, error) {
	query := `SELECT ` + buildColumns + ` FROM builds WHERE profile_id = ?`
	args := []any{profileID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing builds for profile %s: %w", profileID, err)
	}
	defer rows.Close()

	var out []model.BuildRecord
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning build: %w", err)
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// FindSucceededBuildByCacheKey implements buildengine.Store: the latest
// succeeded build for a cache key (spec §4.6 "latest succeeded build by
// cache_key").
func (s *Store) FindSucceededBuildByCacheKey(ctx context.Context, cacheKey string) (*model.BuildRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+buildColumns+` FROM builds
		WHERE cache_key = ? AND status = 'succeeded'
		ORDER BY id DESC LIMIT 1`, cacheKey)
	b, err := scanBuild(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding succeeded build for cache key %s: %w", cacheKey, err)
	}
	return b, nil
}

// CreatePendingBuild implements buildengine.Store.
func (s *Store) CreatePendingBuild(ctx context.Context, rec *model.BuildRecord) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO builds (external_id, profile_id, profile_version, toolchain_release, toolchain_target,
			toolchain_subtarget, canonical_snapshot, cache_key, status, requested_at, work_dir, log_path)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'pending', ?, ?, ?)`,
		uuid.NewString(), rec.ProfileID, rec.ProfileVersion, rec.ToolchainKey.Release, rec.ToolchainKey.Target,
		rec.ToolchainKey.Subtarget, rec.CanonicalSnapshot, rec.CacheKey, time.Now().UTC(),
		rec.WorkDir, rec.LogPath)
	if err != nil {
		return 0, fmt.Errorf("creating pending build: %w", err)
	}
	return res.LastInsertId()
}

// MarkBuildRunning implements buildengine.Store.
func (s *Store) MarkBuildRunning(ctx context.Context, id int64, startedAt time.Time, workDir, logPath string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE builds SET status = 'running', started_at = ?, work_dir = ?, log_path = ? WHERE id = ?`,
		startedAt, workDir, logPath, id)
	if err != nil {
		return fmt.Errorf("marking build %d running: %w", id, err)
	}
	return nil
}

// MarkBuildSucceeded implements buildengine.Store.
func (s *Store) MarkBuildSucceeded(ctx context.Context, id int64, finishedAt time.Time, exitCode int) (*model.BuildRecord, error) {
	_, err := s.db.ExecContext(ctx, `
		UPDATE builds SET status = 'succeeded', finished_at = ?, exit_code = ?,
			duration_ns = CAST((julianday(?) - julianday(started_at)) * 86400000000000 AS INTEGER)
		WHERE id = ?`, finishedAt, exitCode, finishedAt, id)
	if err != nil {
		return nil, fmt.Errorf("marking build %d succeeded: %w", id, err)
	}
	return s.GetBuild(ctx, id)
}

// MarkBuildFailed implements buildengine.Store.
func (s *Store) MarkBuildFailed(ctx context.Context, id int64, finishedAt time.Time, code ferrors.Code, message string, exitCode *int) (*model.BuildRecord, error) {
	var exitCodeArg any
	if exitCode != nil {
		exitCodeArg = *exitCode
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE builds SET status = 'failed', finished_at = ?, error_code = ?, error_message = ?,
			exit_code = ?
		WHERE id = ?`, finishedAt, string(code), message, exitCodeArg, id)
	if err != nil {
		return nil, fmt.Errorf("marking build %d failed: %w", id, err)
	}
	return s.GetBuild(ctx, id)
}
