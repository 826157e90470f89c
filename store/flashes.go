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

const flashColumns = `id, external_id, artifact_id, resolved_build, device_path, device_model, device_serial,
	status, wiped_before_flash, bytes_written, verify_mode, verify_prefix_len, verify_result,
	dry_run, log_path, error_code, error_message, suspect, requested_at, started_at, finished_at`

func scanFlash(row rowScanner) (*model.FlashRecord, error) {
	var f model.FlashRecord
	var wiped, dryRun, suspect int
	var verifyMode, verifyResult string
	var startedAt, finishedAt sql.NullTime
	if err := row.Scan(&f.ID, &f.ExternalID, &f.ArtifactID, &f.ResolvedBuild, &f.DevicePath, &f.DeviceModel,
		&f.DeviceSerial, &f.Status, &wiped, &f.BytesWritten, &verifyMode, &f.VerifyPrefixLen,
		&verifyResult, &dryRun, &f.LogPath, &f.ErrorCode, &f.ErrorMessage, &suspect,
		&f.RequestedAt, &startedAt, &finishedAt); err != nil {
		return nil, err
	}
	f.WipedBeforeFlash = wiped != 0
	f.DryRun = dryRun != 0
	f.Suspect = suspect != 0
	f.VerifyMode = model.VerifyMode(verifyMode)
	f.VerifyResult = model.VerifyResult(verifyResult)
	if startedAt.Valid {
		f.StartedAt = startedAt.Time
	}
	if finishedAt.Valid {
		f.FinishedAt = finishedAt.Time
	}
	return &f, nil
}

// GetFlash returns a flash record by identifier.
func (s *Store) GetFlash(ctx context.Context, id int64) (*model.FlashRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+flashColumns+` FROM flashes WHERE id = ?`, id)
	f, err := scanFlash(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading flash %d: %w", id, err)
	}
	return f, nil
}

// ListFlashesByStatus implements spec §4.6 "flash records by status".
func (s *Store) ListFlashesByStatus(ctx context.Context, status model.FlashStatus) ([]model.FlashRecord, error) {
	query := `SELECT ` + flashColumns + ` FROM flashes`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing flashes: %w", err)
	}
	defer rows.Close()

	var out []model.FlashRecord
	for rows.Next() {
		f, err := scanFlash(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning flash: %w", err)
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

// ListFlashesByArtifact implements spec §4.6 "flash records by ... artifact".
func (s *Store) ListFlashesByArtifact(ctx context.Context, artifactID int64) ([]model.FlashRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+flashColumns+` FROM flashes WHERE artifact_id = ? ORDER BY id DESC`, artifactID)
	if err != nil {
		return nil, fmt.Errorf("listing flashes for artifact %d: %w", artifactID, err)
	}
	defer rows.Close()

	var out []model.FlashRecord
	for rows.Next() {
		f, err := scanFlash(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning flash: %w", err)
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

// CreatePendingFlash implements flashengine.Store.
func (s *Store) CreatePendingFlash(ctx context.Context, rec *model.FlashRecord) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO flashes (external_id, artifact_id, resolved_build, device_path, device_model, device_serial,
			status, verify_mode, verify_prefix_len, dry_run, wiped_before_flash, requested_at)
		VALUES (?, ?, ?, ?, ?, ?, 'pending', ?, ?, ?, ?, ?)`,
		uuid.NewString(), rec.ArtifactID, rec.ResolvedBuild, rec.DevicePath, rec.DeviceModel, rec.DeviceSerial,
		string(rec.VerifyMode), rec.VerifyPrefixLen, boolToInt(rec.DryRun), boolToInt(rec.WipedBeforeFlash),
		time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("creating pending flash: %w", err)
	}
	return res.LastInsertId()
}

// MarkFlashRunning implements flashengine.Store.
func (s *Store) MarkFlashRunning(ctx context.Context, id int64, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE flashes SET status = 'running', started_at = ? WHERE id = ?`, startedAt, id)
	if err != nil {
		return fmt.Errorf("marking flash %d running: %w", id, err)
	}
	return nil
}

// MarkFlashSucceeded implements flashengine.Store.
func (s *Store) MarkFlashSucceeded(ctx context.Context, id int64, finishedAt time.Time, bytesWritten int64, verifyResult model.VerifyResult) (*model.FlashRecord, error) {
	_, err := s.db.ExecContext(ctx, `
		UPDATE flashes SET status = 'succeeded', finished_at = ?, bytes_written = ?, verify_result = ?
		WHERE id = ?`, finishedAt, bytesWritten, string(verifyResult), id)
	if err != nil {
		return nil, fmt.Errorf("marking flash %d succeeded: %w", id, err)
	}
	return s.GetFlash(ctx, id)
}

// MarkFlashFailed implements flashengine.Store.
func (s *Store) MarkFlashFailed(ctx context.Context, id int64, finishedAt time.Time, code ferrors.Code, message string, suspect bool) (*model.FlashRecord, error) {
	_, err := s.db.ExecContext(ctx, `
		UPDATE flashes SET status = 'failed', finished_at = ?, error_code = ?, error_message = ?, suspect = ?
		WHERE id = ?`, finishedAt, string(code), message, boolToInt(suspect), id)
	if err != nil {
		return nil, fmt.Errorf("marking flash %d failed: %w", id, err)
	}
	return s.GetFlash(ctx, id)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
