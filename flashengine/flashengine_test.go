package flashengine

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fleetimage/imageforge/ferrors"
	"github.com/fleetimage/imageforge/model"
)

type memStore struct {
	mu        sync.Mutex
	artifacts map[int64]model.Artifact
	records   map[int64]*model.FlashRecord
	nextID    int64
}

func newMemStore() *memStore {
	return &memStore{artifacts: map[int64]model.Artifact{}, records: map[int64]*model.FlashRecord{}}
}

func (s *memStore) GetArtifact(ctx context.Context, id int64) (*model.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.artifacts[id]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (s *memStore) CreatePendingFlash(ctx context.Context, rec *model.FlashRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	cp := *rec
	cp.ID = s.nextID
	s.records[s.nextID] = &cp
	return s.nextID, nil
}

func (s *memStore) MarkFlashRunning(ctx context.Context, id int64, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[id].Status = model.FlashRunning
	return nil
}

func (s *memStore) MarkFlashSucceeded(ctx context.Context, id int64, finishedAt time.Time, bytesWritten int64, verifyResult model.VerifyResult) (*model.FlashRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.records[id]
	r.Status = model.FlashSucceeded
	r.BytesWritten = bytesWritten
	r.VerifyResult = verifyResult
	cp := *r
	return &cp, nil
}

func (s *memStore) MarkFlashFailed(ctx context.Context, id int64, finishedAt time.Time, code ferrors.Code, message string, suspect bool) (*model.FlashRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.records[id]
	r.Status = model.FlashFailed
	r.ErrorCode = string(code)
	r.ErrorMessage = message
	r.Suspect = suspect
	cp := *r
	return &cp, nil
}

func TestPartitionSuffixRejectsPartitions(t *testing.T) {
	cases := map[string]bool{
		"/dev/sda":      false,
		"/dev/sda1":     true,
		"/dev/sdb12":    true,
		"/dev/nvme0n1":  false,
		"/dev/nvme0n1p1": true,
		"/dev/mmcblk0":  false,
		"/dev/mmcblk0p1": true,
	}
	for path, wantPartition := range cases {
		got := partitionSuffix.MatchString(path)
		if got != wantPartition {
			t.Errorf("partitionSuffix.MatchString(%q) = %v, want %v", path, got, wantPartition)
		}
	}
}

func TestSameDeviceComparesTrimmed(t *testing.T) {
	if !sameDevice("/dev/sda\n", "/dev/sda") {
		t.Fatalf("expected trimmed devices to be equal")
	}
	if sameDevice("/dev/sda", "/dev/sdb") {
		t.Fatalf("expected different devices to be unequal")
	}
}

func TestFlashRejectsNonBlockDevice(t *testing.T) {
	dir := t.TempDir()
	regular := filepath.Join(dir, "not-a-device")
	if err := os.WriteFile(regular, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	img := filepath.Join(dir, "image.bin")
	if err := os.WriteFile(img, []byte("hello world"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	e := &Engine{Store: newMemStore()}
	rec, err := e.Flash(context.Background(), Source{ImagePath: img}, regular, Options{Force: true})
	if err == nil {
		t.Fatalf("expected error for non-block-device path")
	}
	if rec == nil || rec.Status != model.FlashFailed {
		t.Fatalf("expected failed flash record, got %+v", rec)
	}
}

func TestFlashRequiresForceUnlessDryRun(t *testing.T) {
	dir := t.TempDir()
	// On this host we can't create a real block device, so exercise the
	// force-check by stopping just short of it being reached: use a regular
	// file and confirm the block-device check (which runs first) is what
	// fires, demonstrating preconditions run in order (spec §4.5 step 1
	// before step 3).
	regular := filepath.Join(dir, "not-a-device")
	os.WriteFile(regular, []byte("x"), 0o644)
	img := filepath.Join(dir, "image.bin")
	os.WriteFile(img, []byte("hello"), 0o644)

	e := &Engine{Store: newMemStore()}
	_, err := e.Flash(context.Background(), Source{ImagePath: img}, regular, Options{Force: false})
	if err == nil {
		t.Fatalf("expected precondition error")
	}
	if !ferrors.Is(err, ferrors.CodePrecondition) {
		t.Fatalf("expected CodePrecondition, got %v", err)
	}
}

func TestResolveSourceFromArtifact(t *testing.T) {
	store := newMemStore()
	store.artifacts[1] = model.Artifact{ID: 1, RelPath: "/tmp/img.bin", Size: 42, SHA256: "abc"}

	e := &Engine{Store: store}
	id := int64(1)
	path, size, hash, err := e.resolveSource(context.Background(), Source{ArtifactID: &id})
	if err != nil {
		t.Fatalf("resolveSource: %v", err)
	}
	if path != "/tmp/img.bin" || size != 42 || hash != "abc" {
		t.Fatalf("unexpected resolution: %s %d %s", path, size, hash)
	}
}

func TestResolveSourceMissingArtifactIsNotFound(t *testing.T) {
	e := &Engine{Store: newMemStore()}
	id := int64(99)
	_, _, _, err := e.resolveSource(context.Background(), Source{ArtifactID: &id})
	if !ferrors.Is(err, ferrors.CodeNotFound) {
		t.Fatalf("expected CodeNotFound, got %v", err)
	}
}

func TestResolveSourceRequiresArtifactOrPath(t *testing.T) {
	e := &Engine{Store: newMemStore()}
	_, _, _, err := e.resolveSource(context.Background(), Source{})
	if !ferrors.Is(err, ferrors.CodeValidation) {
		t.Fatalf("expected CodeValidation, got %v", err)
	}
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// TestWriteAndVerifyRoundTrip exercises Engine.write and Engine.verify
// directly against a regular file standing in for the block device (spec
// §8 scenario D): this sandbox has no writable block device node, but
// write/verify themselves never inspect devicePath's file type, so a plain
// file exercises the identical streaming-write and read-back-hash code
// paths that Flash drives in production.
func TestWriteAndVerifyRoundTrip(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "image.bin")
	payload := bytes.Repeat([]byte{0xAB, 0xCD, 0xEF, 0x01}, 1<<20) // 4 MiB, exactly one writeChunkLen chunk
	if err := os.WriteFile(img, payload, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	device := filepath.Join(dir, "device.img")
	if err := os.WriteFile(device, make([]byte, len(payload)), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	e := &Engine{Store: newMemStore()}
	n, err := e.write(context.Background(), img, device, false)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if n != int64(len(payload)) {
		t.Fatalf("write returned %d bytes, want %d", n, len(payload))
	}

	got, err := os.ReadFile(device)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("device contents do not match source image after write")
	}

	result, err := e.verify(context.Background(), device, hashBytes(payload), int64(len(payload)), Options{VerifyMode: model.VerifyFull})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result != model.VerifyMatch {
		t.Fatalf("verify result = %v, want VerifyMatch", result)
	}
}

// TestVerifyFullModeIgnoresTrailingDeviceBytes pins the Comment 4 fix: a
// real block device is almost always larger than the image written to it,
// so full-mode verification must bound its read at imageSize rather than
// reading to device EOF, or trailing device bytes would poison the hash.
func TestVerifyFullModeIgnoresTrailingDeviceBytes(t *testing.T) {
	dir := t.TempDir()
	imagePayload := []byte("the image contents that were actually written")
	device := filepath.Join(dir, "device.img")
	// Simulate a device much larger than the image: imagePayload followed by
	// unrelated trailing bytes never touched by the write.
	deviceContents := append(append([]byte{}, imagePayload...), bytes.Repeat([]byte{0xFF}, 1<<16)...)
	if err := os.WriteFile(device, deviceContents, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	e := &Engine{Store: newMemStore()}
	result, err := e.verify(context.Background(), device, hashBytes(imagePayload), int64(len(imagePayload)), Options{VerifyMode: model.VerifyFull})
	if err != nil {
		t.Fatalf("verify: %v, want success now that the read is bounded by imageSize", err)
	}
	if result != model.VerifyMatch {
		t.Fatalf("verify result = %v, want VerifyMatch", result)
	}
}

// TestVerifyDetectsCorruptedDevice confirms a mismatched device (bit flip
// after write) is reported by verify as VerifyMismatch with a
// CodeFlashHashMismatch error (spec §8 scenario E). It calls verify
// directly; Flash's marking of the record as suspect is not exercised here.
func TestVerifyDetectsCorruptedDevice(t *testing.T) {
	dir := t.TempDir()
	imagePayload := []byte("firmware bytes that must round-trip exactly")
	device := filepath.Join(dir, "device.img")
	corrupted := append([]byte{}, imagePayload...)
	corrupted[len(corrupted)/2] ^= 0xFF
	if err := os.WriteFile(device, corrupted, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	e := &Engine{Store: newMemStore()}
	result, err := e.verify(context.Background(), device, hashBytes(imagePayload), int64(len(imagePayload)), Options{VerifyMode: model.VerifyFull})
	if err == nil {
		t.Fatalf("expected hash mismatch error")
	}
	if !ferrors.Is(err, ferrors.CodeFlashHashMismatch) {
		t.Fatalf("expected CodeFlashHashMismatch, got %v", err)
	}
	if result != model.VerifyMismatch {
		t.Fatalf("verify result = %v, want VerifyMismatch", result)
	}
}

// TestVerifyPrefixModeOnlyHashesDeclaredPrefix confirms prefix-mode
// verification only reads VerifyPrefixLen bytes, matching even when the
// remainder of the device diverges from the image.
func TestVerifyPrefixModeOnlyHashesDeclaredPrefix(t *testing.T) {
	dir := t.TempDir()
	prefix := []byte("bootloader header bytes")
	device := filepath.Join(dir, "device.img")
	deviceContents := append(append([]byte{}, prefix...), []byte("...rest of the image differs entirely...")...)
	if err := os.WriteFile(device, deviceContents, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	e := &Engine{Store: newMemStore()}
	result, err := e.verify(context.Background(), device, hashBytes(prefix), int64(len(deviceContents)), Options{
		VerifyMode:      model.VerifyPrefix,
		VerifyPrefixLen: int64(len(prefix)),
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result != model.VerifyMatch {
		t.Fatalf("verify result = %v, want VerifyMatch", result)
	}
}

// TestFlashDryRunAgainstLoopDevice drives Flash end-to-end, including its
// real block-device precondition checks, against a /dev/loop* node when the
// sandbox happens to grant access to one (spec §8 scenario: dry_run=true
// never requires force and never writes). Most sandboxes have these nodes
// root-owned and 0600, so this skips rather than fails when unavailable.
func TestFlashDryRunAgainstLoopDevice(t *testing.T) {
	const loopDev = "/dev/loop0"
	info, err := os.Stat(loopDev)
	if err != nil || info.Mode()&os.ModeDevice == 0 {
		t.Skipf("no usable loop device in this sandbox: %v", err)
	}
	f, err := os.Open(loopDev)
	if err != nil {
		t.Skipf("insufficient privilege to open %s: %v", loopDev, err)
	}
	f.Close()

	dir := t.TempDir()
	img := filepath.Join(dir, "image.bin")
	payload := []byte("dry run never touches the device")
	if err := os.WriteFile(img, payload, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	e := &Engine{Store: newMemStore()}
	rec, err := e.Flash(context.Background(), Source{ImagePath: img}, loopDev, Options{DryRun: true, VerifyMode: model.VerifyFull})
	if err != nil {
		t.Fatalf("Flash (dry run): %v", err)
	}
	if rec.Status != model.FlashSucceeded {
		t.Fatalf("expected dry-run flash to succeed, got status=%s", rec.Status)
	}
	if rec.VerifyResult != model.VerifySkipped {
		t.Fatalf("expected VerifySkipped for dry run, got %v", rec.VerifyResult)
	}
	if rec.BytesWritten != 0 {
		t.Fatalf("expected 0 bytes written for dry run, got %d", rec.BytesWritten)
	}
}
