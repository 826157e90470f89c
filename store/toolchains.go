package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fleetimage/imageforge/model"
)

// GetToolchain implements toolchain.Store.
func (s *Store) GetToolchain(ctx context.Context, key model.ToolchainKey) (*model.ToolchainInstance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT release, target, subtarget, upstream_url, archive_path, extracted_root,
		       archive_hash, signature_verified, state, first_used_at, last_used_at
		FROM toolchains WHERE release = ? AND target = ? AND subtarget = ?`,
		key.Release, key.Target, key.Subtarget)

	inst, err := scanToolchain(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading toolchain %s: %w", key.String(), err)
	}
	return inst, nil
}

func scanToolchain(row rowScanner) (*model.ToolchainInstance, error) {
	var inst model.ToolchainInstance
	var signatureVerified int
	var firstUsed, lastUsed sql.NullTime
	if err := row.Scan(&inst.Key.Release, &inst.Key.Target, &inst.Key.Subtarget, &inst.UpstreamURL,
		&inst.ArchivePath, &inst.ExtractedRoot, &inst.ArchiveHash, &signatureVerified, &inst.State,
		&firstUsed, &lastUsed); err != nil {
		return nil, err
	}
	inst.SignatureVerified = signatureVerified != 0
	if firstUsed.Valid {
		inst.FirstUsedAt = firstUsed.Time
	}
	if lastUsed.Valid {
		inst.LastUsedAt = lastUsed.Time
	}
	return &inst, nil
}

// PutToolchain implements toolchain.Store: upsert by (release, target, subtarget).
func (s *Store) PutToolchain(ctx context.Context, inst *model.ToolchainInstance) error {
	signatureVerified := 0
	if inst.SignatureVerified {
		signatureVerified = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO toolchains (release, target, subtarget, upstream_url, archive_path,
			extracted_root, archive_hash, signature_verified, state, first_used_at, last_used_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(release, target, subtarget) DO UPDATE SET
			upstream_url=excluded.upstream_url, archive_path=excluded.archive_path,
			extracted_root=excluded.extracted_root, archive_hash=excluded.archive_hash,
			signature_verified=excluded.signature_verified, state=excluded.state,
			first_used_at=COALESCE(toolchains.first_used_at, excluded.first_used_at),
			last_used_at=excluded.last_used_at`,
		inst.Key.Release, inst.Key.Target, inst.Key.Subtarget, inst.UpstreamURL, inst.ArchivePath,
		inst.ExtractedRoot, inst.ArchiveHash, signatureVerified, inst.State,
		nullTime(inst.FirstUsedAt), nullTime(inst.LastUsedAt))
	if err != nil {
		return fmt.Errorf("upserting toolchain %s: %w", inst.Key.String(), err)
	}
	return nil
}

// ListToolchains implements toolchain.Store.
func (s *Store) ListToolchains(ctx context.Context) ([]model.ToolchainInstance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT release, target, subtarget, upstream_url, archive_path, extracted_root,
		       archive_hash, signature_verified, state, first_used_at, last_used_at
		FROM toolchains ORDER BY release, target, subtarget`)
	if err != nil {
		return nil, fmt.Errorf("listing toolchains: %w", err)
	}
	defer rows.Close()

	var out []model.ToolchainInstance
	for rows.Next() {
		inst, err := scanToolchain(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning toolchain: %w", err)
		}
		out = append(out, *inst)
	}
	return out, rows.Err()
}

// TouchToolchainUsed implements toolchain.Store.
func (s *Store) TouchToolchainUsed(ctx context.Context, key model.ToolchainKey, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE toolchains SET last_used_at = ?, first_used_at = COALESCE(first_used_at, ?)
		WHERE release = ? AND target = ? AND subtarget = ?`,
		at, at, key.Release, key.Target, key.Subtarget)
	if err != nil {
		return fmt.Errorf("touching toolchain %s: %w", key.String(), err)
	}
	return nil
}

// ToolchainHasNonTerminalBuild implements toolchain.Store: Prune (spec §12
// "prune dry-run") must never remove an instance with a pending/running
// build still referencing it.
func (s *Store) ToolchainHasNonTerminalBuild(ctx context.Context, key model.ToolchainKey) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM builds
		WHERE toolchain_release = ? AND toolchain_target = ? AND toolchain_subtarget = ?
		  AND status IN ('pending', 'running')`,
		key.Release, key.Target, key.Subtarget).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking in-flight builds for %s: %w", key.String(), err)
	}
	return count > 0, nil
}

// ToolchainInfo aggregates lifecycle-state counts across all cached
// toolchain instances (spec §12 "toolchain info()").
type ToolchainInfo struct {
	Total   int
	Ready   int
	Broken  int
	Pending int
	Other   int
}

func (s *Store) ToolchainInfo(ctx context.Context) (ToolchainInfo, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM toolchains GROUP BY state`)
	if err != nil {
		return ToolchainInfo{}, fmt.Errorf("aggregating toolchain info: %w", err)
	}
	defer rows.Close()

	var info ToolchainInfo
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return ToolchainInfo{}, err
		}
		info.Total += count
		switch model.ToolchainState(state) {
		case model.ToolchainReady:
			info.Ready = count
		case model.ToolchainBroken:
			info.Broken = count
		case model.ToolchainPending:
			info.Pending = count
		default:
			info.Other += count
		}
	}
	return info, rows.Err()
}
