package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fleetimage/imageforge/model"
)

// GetProfile returns a profile by identifier, or nil if absent/soft-deleted.
func (s *Store) GetProfile(ctx context.Context, id string) (*model.Profile, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, device_label, tags, release, target, subtarget,
		       builder_profile, packages_add, packages_sub, overlays, overlay_dir,
		       policy, build_defaults, image_builder_options, current_version
		FROM profiles WHERE id = ? AND deleted_at IS NULL`, id)
	p, err := scanProfile(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading profile %s: %w", id, err)
	}
	return p, nil
}

// ListProfiles returns every non-deleted profile matching filter (nil means
// all). Free-text/tag/release/target/subtarget filtering (spec §4.6) is left
// to the caller-supplied predicate; the store itself does no indexing beyond
// the primary key since profile counts in this domain are small.
func (s *Store) ListProfiles(ctx context.Context, filter func(model.Profile) bool) ([]model.Profile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, device_label, tags, release, target, subtarget,
		       builder_profile, packages_add, packages_sub, overlays, overlay_dir,
		       policy, build_defaults, image_builder_options, current_version
		FROM profiles WHERE deleted_at IS NULL ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing profiles: %w", err)
	}
	defer rows.Close()

	var out []model.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning profile: %w", err)
		}
		if filter == nil || filter(*p) {
			out = append(out, *p)
		}
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (*model.Profile, error) {
	var p model.Profile
	var tags, packagesAdd, packagesSub, overlays, policy, buildDefaults, imageBuilderOpts string
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &p.DeviceLabel, &tags, &p.Release,
		&p.Target, &p.Subtarget, &p.BuilderProfile, &packagesAdd, &packagesSub, &overlays,
		&p.OverlayDir, &policy, &buildDefaults, &imageBuilderOpts, &p.Version); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tags), &p.Tags); err != nil {
		return nil, fmt.Errorf("decoding tags: %w", err)
	}
	if err := json.Unmarshal([]byte(packagesAdd), &p.PackagesAdd); err != nil {
		return nil, fmt.Errorf("decoding packages_add: %w", err)
	}
	if err := json.Unmarshal([]byte(packagesSub), &p.PackagesSub); err != nil {
		return nil, fmt.Errorf("decoding packages_sub: %w", err)
	}
	if err := json.Unmarshal([]byte(overlays), &p.Overlays); err != nil {
		return nil, fmt.Errorf("decoding overlays: %w", err)
	}
	if err := json.Unmarshal([]byte(policy), &p.Policy); err != nil {
		return nil, fmt.Errorf("decoding policy: %w", err)
	}
	if err := json.Unmarshal([]byte(buildDefaults), &p.BuildDefaults); err != nil {
		return nil, fmt.Errorf("decoding build_defaults: %w", err)
	}
	if err := json.Unmarshal([]byte(imageBuilderOpts), &p.ImageBuilderOptions); err != nil {
		return nil, fmt.Errorf("decoding image_builder_options: %w", err)
	}
	return &p, nil
}

// UpsertProfile inserts or content-updates a profile. Every call that changes
// content appends a new profile_versions row and bumps current_version; it
// never rewrites history (spec §12 "profile versioning on mutation").
func (s *Store) UpsertProfile(ctx context.Context, p model.Profile) (*model.Profile, error) {
	tags, err := json.Marshal(nonNilStrings(p.Tags))
	if err != nil {
		return nil, err
	}
	packagesAdd, err := json.Marshal(nonNilStrings(p.PackagesAdd))
	if err != nil {
		return nil, err
	}
	packagesSub, err := json.Marshal(nonNilStrings(p.PackagesSub))
	if err != nil {
		return nil, err
	}
	overlays, err := json.Marshal(p.Overlays)
	if err != nil {
		return nil, err
	}
	policy, err := json.Marshal(p.Policy)
	if err != nil {
		return nil, err
	}
	buildDefaults, err := json.Marshal(p.BuildDefaults)
	if err != nil {
		return nil, err
	}
	imageBuilderOpts, err := json.Marshal(p.ImageBuilderOptions)
	if err != nil {
		return nil, err
	}

	var result model.Profile
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var currentVersion int
		err := tx.QueryRowContext(ctx, `SELECT current_version FROM profiles WHERE id = ?`, p.ID).Scan(&currentVersion)
		switch {
		case err == sql.ErrNoRows:
			currentVersion = 0
		case err != nil:
			return err
		}
		newVersion := currentVersion + 1

		_, err = tx.ExecContext(ctx, `
			INSERT INTO profiles (id, name, description, device_label, tags, release, target,
				subtarget, builder_profile, packages_add, packages_sub, overlays, overlay_dir,
				policy, build_defaults, image_builder_options, current_version, deleted_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
			ON CONFLICT(id) DO UPDATE SET
				name=excluded.name, description=excluded.description, device_label=excluded.device_label,
				tags=excluded.tags, release=excluded.release, target=excluded.target,
				subtarget=excluded.subtarget, builder_profile=excluded.builder_profile,
				packages_add=excluded.packages_add, packages_sub=excluded.packages_sub,
				overlays=excluded.overlays, overlay_dir=excluded.overlay_dir, policy=excluded.policy,
				build_defaults=excluded.build_defaults, image_builder_options=excluded.image_builder_options,
				current_version=excluded.current_version, deleted_at=NULL`,
			p.ID, p.Name, p.Description, p.DeviceLabel, string(tags), p.Release, p.Target, p.Subtarget,
			p.BuilderProfile, string(packagesAdd), string(packagesSub), string(overlays), p.OverlayDir,
			string(policy), string(buildDefaults), string(imageBuilderOpts), newVersion)
		if err != nil {
			return err
		}

		snapshot, err := json.Marshal(p)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO profile_versions (profile_id, version, snapshot, created_at) VALUES (?, ?, ?, ?)`,
			p.ID, newVersion, string(snapshot), time.Now().UTC()); err != nil {
			return err
		}

		result = p
		result.Version = newVersion
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("upserting profile %s: %w", p.ID, err)
	}
	return &result, nil
}

// DeleteProfile soft-deletes a profile; profile_versions history is retained.
func (s *Store) DeleteProfile(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE profiles SET deleted_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("deleting profile %s: %w", id, err)
	}
	return nil
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

// ProfileFilter builds the common predicate combinations named in spec §4.6
// ("release/target/subtarget/tag/free-text") for ListProfiles callers.
func ProfileFilter(release, target, subtarget, tag, text string) func(model.Profile) bool {
	return func(p model.Profile) bool {
		if release != "" && p.Release != release {
			return false
		}
		if target != "" && p.Target != target {
			return false
		}
		if subtarget != "" && p.Subtarget != subtarget {
			return false
		}
		if tag != "" {
			found := false
			for _, t := range p.Tags {
				if t == tag {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		if text != "" {
			needle := strings.ToLower(text)
			if !strings.Contains(strings.ToLower(p.Name), needle) &&
				!strings.Contains(strings.ToLower(p.Description), needle) &&
				!strings.Contains(strings.ToLower(p.ID), needle) {
				return false
			}
		}
		return true
	}
}
