// Package buildengine implements the Build Engine (spec §4.4, C4):
// deterministic, cache-aware orchestration of the external image builder
// subprocess, and batch builds across a profile selection.
//
// The lock-then-check-cache-then-run shape is grounded on the same
// Boxer.EnsureImage pattern used by toolchain/, here generalized from
// "is the image present" to "is there already a succeeded build for this
// exact cache key" (spec §4.4 step 5). Subprocess composition and
// lifecycle reuse internal/procrunner, itself grounded on
// ImagesSvc.Build (images.go).
package buildengine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/fleetimage/imageforge/canon"
	"github.com/fleetimage/imageforge/ferrors"
	"github.com/fleetimage/imageforge/internal/logtail"
	"github.com/fleetimage/imageforge/internal/procrunner"
	"github.com/fleetimage/imageforge/model"
	"github.com/fleetimage/imageforge/overlay"
	"github.com/fleetimage/imageforge/toolchain"
)

var tracer = otel.Tracer("github.com/fleetimage/imageforge/buildengine")

// Store is the persistence surface C4 needs from C6.
type Store interface {
	GetProfile(ctx context.Context, id string) (*model.Profile, error)
	ListProfiles(ctx context.Context, filter func(model.Profile) bool) ([]model.Profile, error)
	FindSucceededBuildByCacheKey(ctx context.Context, cacheKey string) (*model.BuildRecord, error)
	CreatePendingBuild(ctx context.Context, rec *model.BuildRecord) (int64, error)
	MarkBuildRunning(ctx context.Context, id int64, startedAt time.Time, workDir, logPath string) error
	MarkBuildSucceeded(ctx context.Context, id int64, finishedAt time.Time, exitCode int) (*model.BuildRecord, error)
	MarkBuildFailed(ctx context.Context, id int64, finishedAt time.Time, code ferrors.Code, message string, exitCode *int) (*model.BuildRecord, error)
	SaveArtifacts(ctx context.Context, buildID int64, artifacts []model.Artifact) error
}

// Options are the per-invocation overrides spec §4.4 names under "options".
type Options struct {
	ExtraPackagesAdd []string
	ExtraPackagesSub []string
	ImageNameSuffix  string
	BinDirOverride   string
	ForceRebuild     bool
	Initramfs        bool
}

// Engine is the Build Engine. It is safe for concurrent use.
type Engine struct {
	Store      Store
	Toolchain  *toolchain.Cache
	Stager     *overlay.Stager
	WorkDir    string // root under which per-build working directories are created
	LogDir     string // root for rotated on-disk build logs
	BuildTimeout time.Duration
	GracePeriod  time.Duration
	Env          []string // subprocess environment; os.Environ() when nil

	locks singleflight.Group
}

// BuildResult is the outcome of BuildOrReuse.
type BuildResult struct {
	Record    model.BuildRecord
	CacheHit  bool
	Artifacts []model.Artifact
}

// BuildOrReuse implements spec §4.4's build_or_reuse.
func (e *Engine) BuildOrReuse(ctx context.Context, profileID string, opts Options) (result *BuildResult, err error) {
	ctx, span := tracer.Start(ctx, "buildengine.BuildOrReuse", trace.WithAttributes(
		attribute.String("profile.id", profileID)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else if result != nil {
			span.SetAttributes(
				attribute.String("build.cache_key", result.Record.CacheKey),
				attribute.Bool("build.cache_hit", result.CacheHit))
		}
		span.End()
	}()

	profile, err := e.Store.GetProfile(ctx, profileID)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.CodeNotFound, err, fmt.Sprintf("profile %q", profileID))
	}
	if profile == nil {
		return nil, ferrors.Newf(ferrors.CodeNotFound, "profile %q not found", profileID)
	}

	toolchainInst, err := e.Toolchain.Ensure(ctx, model.ToolchainKey{Release: profile.Release, Target: profile.Target, Subtarget: profile.Subtarget})
	if err != nil {
		return nil, err
	}

	buildWorkDir, err := os.MkdirTemp(e.WorkDir, "build-*")
	if err != nil {
		return nil, ferrors.Wrap(ferrors.CodePrecondition, err, "creating build work directory")
	}

	stageResult, err := e.Stager.Stage(ctx, *profile, buildWorkDir)
	if err != nil {
		return nil, err
	}

	effectivePackages := composeEffectivePackages(profile.PackagesAdd, opts.ExtraPackagesAdd, profile.PackagesSub, opts.ExtraPackagesSub)

	snapshot := canon.Snapshot{
		SchemaVersion: canon.SchemaVersion,
		Fields: canon.Map{
			"profile_snapshot":       canon.ProfileFields(*profile),
			"toolchain_archive_hash": toolchainInst.ArchiveHash,
			"effective_packages":     toStringListValue(effectivePackages),
			"overlay_tree_hash":      stageResult.TreeHash,
			"image_builder_options": canon.Map{
				"output_dir":         profile.ImageBuilderOptions.OutputDir,
				"extra_image_name":   profile.ImageBuilderOptions.ExtraImageName,
				"disabled_services":  canon.Set(profile.ImageBuilderOptions.DisabledServices),
				"rootfs_partsize_mb": int64(profile.ImageBuilderOptions.RootfsPartSizeMB),
				"add_local_key":      profile.ImageBuilderOptions.AddLocalKey,
			},
			"option_overrides": canon.Map{
				"image_name_suffix": opts.ImageNameSuffix,
				"bin_dir_override":  opts.BinDirOverride,
				"initramfs":         opts.Initramfs,
			},
		},
	}
	canonicalBytes, err := canon.CanonicalBytes(snapshot)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.CodeValidation, err, "computing canonical snapshot")
	}
	cacheKey, err := canon.CacheKey(snapshot)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.CodeValidation, err, "computing cache key")
	}

	// singleflight's shared flag is also true for the caller that executed
	// fn whenever others joined it, so track execution explicitly; fn runs
	// on the executing caller's own goroutine.
	executed := false
	v, err, _ := e.locks.Do(cacheKey, func() (any, error) {
		executed = true
		return e.buildOrReuseLocked(ctx, *profile, toolchainInst, stageResult, effectivePackages, opts, cacheKey, canonicalBytes, buildWorkDir)
	})
	if err != nil {
		return nil, err
	}
	res := v.(*BuildResult)
	if !executed {
		// We joined an in-flight call for this cache key rather than
		// executing it ourselves; report it the same as a store cache hit.
		joined := *res
		joined.CacheHit = true
		return &joined, nil
	}
	return res, nil
}

func (e *Engine) buildOrReuseLocked(ctx context.Context, profile model.Profile, toolchainInst *model.ToolchainInstance, stageResult *overlay.Result, effectivePackages []string, opts Options, cacheKey string, canonicalBytes []byte, buildWorkDir string) (*BuildResult, error) {
	if !opts.ForceRebuild {
		if existing, err := e.Store.FindSucceededBuildByCacheKey(ctx, cacheKey); err == nil && existing != nil {
			artifacts, _ := e.loadArtifacts(ctx, existing.ID)
			return &BuildResult{Record: *existing, CacheHit: true, Artifacts: artifacts}, nil
		}
	}

	now := time.Now()
	rec := &model.BuildRecord{
		ProfileID:         profile.ID,
		ProfileVersion:    profile.Version,
		ToolchainKey:      toolchainInst.Key,
		CanonicalSnapshot: canonicalBytes,
		CacheKey:          cacheKey,
		Status:            model.BuildPending,
		RequestedAt:       now,
		WorkDir:           buildWorkDir,
	}
	id, err := e.Store.CreatePendingBuild(ctx, rec)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.CodePrecondition, err, "creating pending build record")
	}
	rec.ID = id

	outputDir := profile.ImageBuilderOptions.OutputDir
	if opts.BinDirOverride != "" {
		outputDir = opts.BinDirOverride
	}
	if outputDir == "" {
		outputDir = filepath.Join(buildWorkDir, "bin")
	}
	if err := os.MkdirAll(outputDir, 0o750); err != nil {
		return nil, ferrors.Wrap(ferrors.CodePrecondition, err, "creating output directory")
	}

	logPath := filepath.Join(e.LogDir, fmt.Sprintf("build-%d.log", id))
	if err := os.MkdirAll(e.LogDir, 0o750); err != nil {
		return nil, ferrors.Wrap(ferrors.CodePrecondition, err, "creating log directory")
	}

	startedAt := time.Now()
	if err := e.Store.MarkBuildRunning(ctx, id, startedAt, buildWorkDir, logPath); err != nil {
		return nil, ferrors.Wrap(ferrors.CodePrecondition, err, "marking build running")
	}

	fileLog := &lumberjack.Logger{Filename: logPath, MaxSize: 50, MaxBackups: 3}
	defer fileLog.Close()
	tail := logtail.New(logtail.DefaultCapacity)
	out := io.MultiWriter(fileLog, tail)

	args := composeArgs(profile, effectivePackages, stageResult.StagedPath, outputDir, opts)
	slog.InfoContext(ctx, "buildengine.BuildOrReuse", "profile", profile.ID, "cacheKey", cacheKey, "cmd", procrunner.FormatArgs("make", args))

	env := e.Env
	if env == nil {
		env = os.Environ()
	}
	result, err := procrunner.Run(ctx, "make", args, toolchainInst.ExtractedRoot, env, out, e.BuildTimeout, e.GracePeriod)
	if err != nil {
		finished := time.Now()
		msg := err.Error()
		_, _ = e.Store.MarkBuildFailed(ctx, id, finished, ferrors.CodeBuildFailed, msg, nil)
		return nil, ferrors.Wrap(ferrors.CodeBuildFailed, err, "running build subprocess")
	}

	finishedAt := time.Now()
	if result.TimedOut {
		failed, _ := e.Store.MarkBuildFailed(ctx, id, finishedAt, ferrors.CodeBuildTimeout, "build exceeded configured timeout", nil)
		if failed != nil {
			return &BuildResult{Record: *failed}, ferrors.Newf(ferrors.CodeBuildTimeout, "build %d timed out", id)
		}
		return nil, ferrors.Newf(ferrors.CodeBuildTimeout, "build %d timed out", id)
	}

	if result.ExitCode != 0 {
		code := result.ExitCode
		failed, _ := e.Store.MarkBuildFailed(ctx, id, finishedAt, ferrors.CodeBuildFailed, fmt.Sprintf("builder exited with code %d", code), &code)
		if failed != nil {
			return &BuildResult{Record: *failed}, ferrors.Newf(ferrors.CodeBuildFailed, "build %d failed with exit code %d", id, code)
		}
		return nil, ferrors.Newf(ferrors.CodeBuildFailed, "build %d failed with exit code %d", id, code)
	}

	artifacts, err := discoverArtifacts(outputDir, id)
	if err != nil {
		failed, _ := e.Store.MarkBuildFailed(ctx, id, finishedAt, ferrors.CodeCacheConflict, err.Error(), nil)
		if failed != nil {
			return &BuildResult{Record: *failed}, err
		}
		return nil, err
	}
	if err := e.Store.SaveArtifacts(ctx, id, artifacts); err != nil {
		return nil, ferrors.Wrap(ferrors.CodePrecondition, err, "persisting artifacts")
	}

	succeeded, err := e.Store.MarkBuildSucceeded(ctx, id, finishedAt, result.ExitCode)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.CodePrecondition, err, "marking build succeeded")
	}

	return &BuildResult{Record: *succeeded, Artifacts: artifacts}, nil
}

func (e *Engine) loadArtifacts(ctx context.Context, buildID int64) ([]model.Artifact, error) {
	type artifactLister interface {
		ListArtifacts(ctx context.Context, buildID int64) ([]model.Artifact, error)
	}
	if lister, ok := e.Store.(artifactLister); ok {
		return lister.ListArtifacts(ctx, buildID)
	}
	return nil, nil
}

// composeEffectivePackages dedups additive tokens (declared then option,
// first occurrence wins) and appends subtractive tokens prefixed with "-"
// at the end (spec §4.4 step 3).
func composeEffectivePackages(declaredAdd, optionAdd, declaredSub, optionSub []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range append(append([]string{}, declaredAdd...), optionAdd...) {
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	subSeen := make(map[string]bool)
	for _, p := range append(append([]string{}, declaredSub...), optionSub...) {
		if subSeen[p] {
			continue
		}
		subSeen[p] = true
		out = append(out, "-"+p)
	}
	return out
}

func toStringListValue(ss []string) []canon.Value {
	out := make([]canon.Value, 0, len(ss))
	for _, s := range ss {
		out = append(out, s)
	}
	return out
}

func composeArgs(profile model.Profile, effectivePackages []string, filesPath, outputDir string, opts Options) []string {
	args := []string{
		"image",
		"PROFILE=" + profile.BuilderProfile,
		"PACKAGES=" + strings.Join(effectivePackages, " "),
		"FILES=" + filesPath,
		"BIN_DIR=" + outputDir,
	}
	imageName := profile.ImageBuilderOptions.ExtraImageName
	if opts.ImageNameSuffix != "" {
		imageName = imageName + opts.ImageNameSuffix
	}
	if imageName != "" {
		args = append(args, "EXTRA_IMAGE_NAME="+imageName)
	}
	if len(profile.ImageBuilderOptions.DisabledServices) > 0 {
		args = append(args, "DISABLED_SERVICES="+strings.Join(profile.ImageBuilderOptions.DisabledServices, " "))
	}
	if profile.ImageBuilderOptions.RootfsPartSizeMB > 0 {
		args = append(args, "ROOTFS_PARTSIZE="+strconv.Itoa(profile.ImageBuilderOptions.RootfsPartSizeMB))
	}
	if profile.ImageBuilderOptions.AddLocalKey {
		args = append(args, "ADD_LOCAL_KEY=1")
	}
	if opts.Initramfs {
		args = append(args, "CONFIG_TARGET_INITRAMFS=y")
	}
	return args
}

func discoverArtifacts(outputDir string, buildID int64) ([]model.Artifact, error) {
	var artifacts []model.Artifact
	err := filepath.Walk(outputDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(outputDir, path)
		if relErr != nil {
			rel = info.Name()
		}
		hash, hashErr := hashArtifact(path)
		if hashErr != nil {
			return hashErr
		}
		artifacts = append(artifacts, model.Artifact{
			BuildID: buildID,
			Kind:    classifyArtifact(info.Name()),
			Filename: info.Name(),
			RelPath:  rel,
			Size:     info.Size(),
			SHA256:   hash,
		})
		return nil
	})
	if err != nil {
		return nil, ferrors.Wrap(ferrors.CodeCacheConflict, err, "discovering artifacts")
	}
	return artifacts, nil
}

func hashArtifact(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", ferrors.Wrap(ferrors.CodeCacheConflict, err, "opening artifact")
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", ferrors.Wrap(ferrors.CodeCacheConflict, err, "hashing artifact")
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func classifyArtifact(filename string) model.ArtifactKind {
	switch {
	case strings.Contains(filename, "sysupgrade"):
		return model.ArtifactSysupgrade
	case strings.Contains(filename, "factory"):
		return model.ArtifactFactory
	case strings.HasSuffix(filename, ".manifest"):
		return model.ArtifactManifest
	default:
		return model.ArtifactOther
	}
}
