package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/fleetimage/imageforge/ferrors"
	"github.com/fleetimage/imageforge/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testProfile(id string) model.Profile {
	return model.Profile{
		ID:             id,
		Name:           "Test " + id,
		Release:        "23.05",
		Target:         "ath79",
		Subtarget:      "generic",
		BuilderProfile: "generic-board",
		Tags:           []string{"lab"},
		PackagesAdd:    []string{"curl"},
	}
}

func TestUpsertProfileThenGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	saved, err := s.UpsertProfile(ctx, testProfile("p1"))
	if err != nil {
		t.Fatalf("UpsertProfile: %v", err)
	}
	if saved.Version != 1 {
		t.Fatalf("expected version 1 on first insert, got %d", saved.Version)
	}

	got, err := s.GetProfile(ctx, "p1")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if got == nil {
		t.Fatalf("expected profile to be found")
	}
	if got.Name != "Test p1" || len(got.Tags) != 1 || got.Tags[0] != "lab" {
		t.Fatalf("unexpected round-tripped profile: %+v", got)
	}
}

func TestUpsertProfileBumpsVersionWithoutRewritingHistory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p := testProfile("p1")
	if _, err := s.UpsertProfile(ctx, p); err != nil {
		t.Fatalf("first UpsertProfile: %v", err)
	}
	p.Description = "changed"
	saved, err := s.UpsertProfile(ctx, p)
	if err != nil {
		t.Fatalf("second UpsertProfile: %v", err)
	}
	if saved.Version != 2 {
		t.Fatalf("expected version 2, got %d", saved.Version)
	}

	var versionCount int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM profile_versions WHERE profile_id = ?`, "p1").Scan(&versionCount); err != nil {
		t.Fatalf("counting profile_versions: %v", err)
	}
	if versionCount != 2 {
		t.Fatalf("expected 2 retained version rows, got %d", versionCount)
	}
}

func TestGetProfileMissingReturnsNilNotError(t *testing.T) {
	s := openTestStore(t)
	got, err := s.GetProfile(context.Background(), "does-not-exist")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing profile, got %+v", got)
	}
}

func TestListProfilesAppliesFilter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if _, err := s.UpsertProfile(ctx, testProfile("a")); err != nil {
		t.Fatalf("UpsertProfile a: %v", err)
	}
	b := testProfile("b")
	b.Target = "x86"
	if _, err := s.UpsertProfile(ctx, b); err != nil {
		t.Fatalf("UpsertProfile b: %v", err)
	}

	out, err := s.ListProfiles(ctx, ProfileFilter("", "x86", "", "", ""))
	if err != nil {
		t.Fatalf("ListProfiles: %v", err)
	}
	if len(out) != 1 || out[0].ID != "b" {
		t.Fatalf("expected only profile b, got %+v", out)
	}
}

func TestDeleteProfileHidesFromGetAndList(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if _, err := s.UpsertProfile(ctx, testProfile("p1")); err != nil {
		t.Fatalf("UpsertProfile: %v", err)
	}
	if err := s.DeleteProfile(ctx, "p1"); err != nil {
		t.Fatalf("DeleteProfile: %v", err)
	}
	got, err := s.GetProfile(ctx, "p1")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if got != nil {
		t.Fatalf("expected deleted profile to be hidden, got %+v", got)
	}
}

func TestBuildLifecycleCacheKeyLookup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := &model.BuildRecord{
		ProfileID:    "p1",
		ToolchainKey: model.ToolchainKey{Release: "23.05", Target: "ath79", Subtarget: "generic"},
		CacheKey:     "deadbeef",
		RequestedAt:  time.Now(),
		WorkDir:      "/tmp/work",
	}
	id, err := s.CreatePendingBuild(ctx, rec)
	if err != nil {
		t.Fatalf("CreatePendingBuild: %v", err)
	}

	if existing, err := s.FindSucceededBuildByCacheKey(ctx, "deadbeef"); err != nil || existing != nil {
		t.Fatalf("expected no succeeded build yet, got %+v err=%v", existing, err)
	}

	if err := s.MarkBuildRunning(ctx, id, time.Now(), "/tmp/work", "/tmp/work/build.log"); err != nil {
		t.Fatalf("MarkBuildRunning: %v", err)
	}
	if _, err := s.MarkBuildSucceeded(ctx, id, time.Now(), 0); err != nil {
		t.Fatalf("MarkBuildSucceeded: %v", err)
	}

	existing, err := s.FindSucceededBuildByCacheKey(ctx, "deadbeef")
	if err != nil {
		t.Fatalf("FindSucceededBuildByCacheKey: %v", err)
	}
	if existing == nil || existing.Status != model.BuildSucceeded {
		t.Fatalf("expected succeeded build, got %+v", existing)
	}
	if existing.ExternalID == "" {
		t.Fatalf("expected a generated external id, got empty string")
	}
}

func TestMarkBuildFailedPersistsErrorCode(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	rec := &model.BuildRecord{ProfileID: "p1", CacheKey: "k1", RequestedAt: time.Now()}
	id, err := s.CreatePendingBuild(ctx, rec)
	if err != nil {
		t.Fatalf("CreatePendingBuild: %v", err)
	}
	exitCode := 7
	failed, err := s.MarkBuildFailed(ctx, id, time.Now(), ferrors.CodeBuildFailed, "boom", &exitCode)
	if err != nil {
		t.Fatalf("MarkBuildFailed: %v", err)
	}
	if failed.ErrorCode != string(ferrors.CodeBuildFailed) || failed.ExitCode == nil || *failed.ExitCode != 7 {
		t.Fatalf("unexpected failed build record: %+v", failed)
	}
}

func TestToolchainHasNonTerminalBuildReflectsStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	key := model.ToolchainKey{Release: "23.05", Target: "ath79", Subtarget: "generic"}

	has, err := s.ToolchainHasNonTerminalBuild(ctx, key)
	if err != nil {
		t.Fatalf("ToolchainHasNonTerminalBuild: %v", err)
	}
	if has {
		t.Fatalf("expected no in-flight builds yet")
	}

	rec := &model.BuildRecord{ProfileID: "p1", ToolchainKey: key, CacheKey: "k1", RequestedAt: time.Now()}
	if _, err := s.CreatePendingBuild(ctx, rec); err != nil {
		t.Fatalf("CreatePendingBuild: %v", err)
	}

	has, err = s.ToolchainHasNonTerminalBuild(ctx, key)
	if err != nil {
		t.Fatalf("ToolchainHasNonTerminalBuild: %v", err)
	}
	if !has {
		t.Fatalf("expected a pending build to count as non-terminal")
	}
}

func TestPutToolchainThenGetRoundTrips(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	key := model.ToolchainKey{Release: "23.05", Target: "ath79", Subtarget: "generic"}
	now := time.Now().Round(time.Second).UTC()
	err := s.PutToolchain(ctx, &model.ToolchainInstance{
		Key: key, State: model.ToolchainReady, ArchiveHash: "sha256:abc",
		FirstUsedAt: now, LastUsedAt: now,
	})
	if err != nil {
		t.Fatalf("PutToolchain: %v", err)
	}

	got, err := s.GetToolchain(ctx, key)
	if err != nil {
		t.Fatalf("GetToolchain: %v", err)
	}
	if got == nil || got.State != model.ToolchainReady || got.ArchiveHash != "sha256:abc" {
		t.Fatalf("unexpected toolchain round-trip: %+v", got)
	}
}

func TestArtifactsSaveReplacesPreviousSet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	rec := &model.BuildRecord{ProfileID: "p1", CacheKey: "k1", RequestedAt: time.Now()}
	buildID, err := s.CreatePendingBuild(ctx, rec)
	if err != nil {
		t.Fatalf("CreatePendingBuild: %v", err)
	}

	if err := s.SaveArtifacts(ctx, buildID, []model.Artifact{
		{Kind: model.ArtifactSysupgrade, Filename: "a.bin", RelPath: "a.bin", Size: 10, SHA256: "x"},
	}); err != nil {
		t.Fatalf("SaveArtifacts: %v", err)
	}
	if err := s.SaveArtifacts(ctx, buildID, []model.Artifact{
		{Kind: model.ArtifactFactory, Filename: "b.bin", RelPath: "b.bin", Size: 20, SHA256: "y"},
	}); err != nil {
		t.Fatalf("second SaveArtifacts: %v", err)
	}

	list, err := s.ListArtifacts(ctx, buildID)
	if err != nil {
		t.Fatalf("ListArtifacts: %v", err)
	}
	if len(list) != 1 || list[0].Filename != "b.bin" {
		t.Fatalf("expected artifact set to be replaced, got %+v", list)
	}

	got, err := s.GetArtifact(ctx, list[0].ID)
	if err != nil {
		t.Fatalf("GetArtifact: %v", err)
	}
	if got == nil || got.Kind != model.ArtifactFactory {
		t.Fatalf("unexpected artifact: %+v", got)
	}
}

func TestFlashLifecycleAndListByStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := &model.FlashRecord{DevicePath: "/dev/sda", VerifyMode: model.VerifyFull, RequestedAt: time.Now()}
	id, err := s.CreatePendingFlash(ctx, rec)
	if err != nil {
		t.Fatalf("CreatePendingFlash: %v", err)
	}

	pending, err := s.ListFlashesByStatus(ctx, model.FlashPending)
	if err != nil {
		t.Fatalf("ListFlashesByStatus: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending flash, got %d", len(pending))
	}
	if pending[0].ExternalID == "" {
		t.Fatalf("expected a generated external id, got empty string")
	}

	if err := s.MarkFlashRunning(ctx, id, time.Now()); err != nil {
		t.Fatalf("MarkFlashRunning: %v", err)
	}
	if _, err := s.MarkFlashSucceeded(ctx, id, time.Now(), 1<<20, model.VerifyMatch); err != nil {
		t.Fatalf("MarkFlashSucceeded: %v", err)
	}

	succeeded, err := s.ListFlashesByStatus(ctx, model.FlashSucceeded)
	if err != nil {
		t.Fatalf("ListFlashesByStatus succeeded: %v", err)
	}
	if len(succeeded) != 1 || succeeded[0].BytesWritten != 1<<20 {
		t.Fatalf("unexpected succeeded flash list: %+v", succeeded)
	}
}

func TestMarkFlashFailedSetsSuspect(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	rec := &model.FlashRecord{DevicePath: "/dev/sda", RequestedAt: time.Now()}
	id, err := s.CreatePendingFlash(ctx, rec)
	if err != nil {
		t.Fatalf("CreatePendingFlash: %v", err)
	}
	failed, err := s.MarkFlashFailed(ctx, id, time.Now(), ferrors.CodeFlashHashMismatch, "hash mismatch", true)
	if err != nil {
		t.Fatalf("MarkFlashFailed: %v", err)
	}
	if !failed.Suspect || failed.ErrorCode != string(ferrors.CodeFlashHashMismatch) {
		t.Fatalf("unexpected failed flash record: %+v", failed)
	}
}

func TestToolchainInfoAggregatesByState(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.PutToolchain(ctx, &model.ToolchainInstance{
		Key: model.ToolchainKey{Release: "23.05", Target: "ath79", Subtarget: "generic"}, State: model.ToolchainReady,
	}); err != nil {
		t.Fatalf("PutToolchain ready: %v", err)
	}
	if err := s.PutToolchain(ctx, &model.ToolchainInstance{
		Key: model.ToolchainKey{Release: "23.05", Target: "x86", Subtarget: "64"}, State: model.ToolchainBroken,
	}); err != nil {
		t.Fatalf("PutToolchain broken: %v", err)
	}

	info, err := s.ToolchainInfo(ctx)
	if err != nil {
		t.Fatalf("ToolchainInfo: %v", err)
	}
	if info.Total != 2 || info.Ready != 1 || info.Broken != 1 {
		t.Fatalf("unexpected toolchain info: %+v", info)
	}
}

func TestOpenIsIdempotentAcrossReopens(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "state.db")
	s1, err := Open(dbPath)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if _, err := s1.UpsertProfile(context.Background(), testProfile("p1")); err != nil {
		t.Fatalf("UpsertProfile: %v", err)
	}
	s1.Close()

	s2, err := Open(dbPath)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer s2.Close()
	got, err := s2.GetProfile(context.Background(), "p1")
	if err != nil {
		t.Fatalf("GetProfile after reopen: %v", err)
	}
	if got == nil {
		t.Fatalf("expected profile to survive reopen")
	}
}
