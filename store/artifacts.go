package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/fleetimage/imageforge/model"
)

// SaveArtifacts implements buildengine.Store: replace the artifact set for a
// build (builds write their artifacts exactly once, spec §5 "Artifact files
// are written exactly once by a build").
func (s *Store) SaveArtifacts(ctx context.Context, buildID int64, artifacts []model.Artifact) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM artifacts WHERE build_id = ?`, buildID); err != nil {
			return err
		}
		for _, a := range artifacts {
			labels, err := json.Marshal(a.Labels)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO artifacts (build_id, kind, filename, rel_path, size, sha256, labels)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				buildID, string(a.Kind), a.Filename, a.RelPath, a.Size, a.SHA256, string(labels)); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListArtifacts implements the optional buildengine.go `ListArtifacts`
// interface (spec §4.6 "Artifacts by build").
func (s *Store) ListArtifacts(ctx context.Context, buildID int64) ([]model.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, build_id, kind, filename, rel_path, size, sha256, labels
		FROM artifacts WHERE build_id = ? ORDER BY id`, buildID)
	if err != nil {
		return nil, fmt.Errorf("listing artifacts for build %d: %w", buildID, err)
	}
	defer rows.Close()

	var out []model.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning artifact: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// GetArtifact implements flashengine.Store: artifact by identifier (spec
// §4.6 "artifact by identifier").
func (s *Store) GetArtifact(ctx context.Context, id int64) (*model.Artifact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, build_id, kind, filename, rel_path, size, sha256, labels
		FROM artifacts WHERE id = ?`, id)
	a, err := scanArtifact(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading artifact %d: %w", id, err)
	}
	return a, nil
}

func scanArtifact(row rowScanner) (*model.Artifact, error) {
	var a model.Artifact
	var kind, labels string
	if err := row.Scan(&a.ID, &a.BuildID, &kind, &a.Filename, &a.RelPath, &a.Size, &a.SHA256, &labels); err != nil {
		return nil, err
	}
	a.Kind = model.ArtifactKind(kind)
	if labels != "" {
		if err := json.Unmarshal([]byte(labels), &a.Labels); err != nil {
			return nil, fmt.Errorf("decoding labels: %w", err)
		}
	}
	return &a, nil
}
