// Package flashengine implements the Flash Engine (spec §4.5, C5): writing
// a specific artifact to an explicit whole-device path with read-back
// verification.
//
// The precondition-then-write-then-verify shape follows the same
// check-before-mutate discipline the teacher applies around container
// lifecycle operations (e.g. Boxer checking sandbox/container state before
// issuing destructive operations), generalized here to the much higher
// stakes of a whole-device write: every precondition in spec §4.5 is
// checked, in order, before a single byte is written.
package flashengine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sys/unix"

	"github.com/fleetimage/imageforge/ferrors"
	"github.com/fleetimage/imageforge/model"
)

var tracer = otel.Tracer("github.com/fleetimage/imageforge/flashengine")

// Store is the persistence surface C5 needs from C6.
type Store interface {
	GetArtifact(ctx context.Context, id int64) (*model.Artifact, error)
	CreatePendingFlash(ctx context.Context, rec *model.FlashRecord) (int64, error)
	MarkFlashRunning(ctx context.Context, id int64, startedAt time.Time) error
	MarkFlashSucceeded(ctx context.Context, id int64, finishedAt time.Time, bytesWritten int64, verifyResult model.VerifyResult) (*model.FlashRecord, error)
	MarkFlashFailed(ctx context.Context, id int64, finishedAt time.Time, code ferrors.Code, message string, suspect bool) (*model.FlashRecord, error)
}

// Source identifies what to flash: either a stored artifact or an explicit
// local image path (spec §4.5: "source is either an artifact identifier
// resolved via C6 or an explicit image file path").
type Source struct {
	ArtifactID *int64
	ImagePath  string
}

// Options are the flash call's {verify_mode, wipe, dry_run, force} options.
type Options struct {
	VerifyMode      model.VerifyMode
	VerifyPrefixLen int64 // used when VerifyMode == model.VerifyPrefix
	Wipe            bool
	DryRun          bool
	Force           bool
}

const (
	minWipeBytes  = 8 * 1024 * 1024
	writeChunkLen = 4 * 1024 * 1024
)

// partitionSuffix matches a trailing partition number on common whole-device
// prefixes (spec §4.5 precondition 1: "terminal digit after a known device
// prefix").
var partitionSuffix = regexp.MustCompile(`^/dev/(sd[a-z]+|vd[a-z]+|hd[a-z]+)[0-9]+$|^/dev/(nvme[0-9]+n[0-9]+)p[0-9]+$|^/dev/(mmcblk[0-9]+)p[0-9]+$`)

// Engine is the Flash Engine. It is safe for concurrent use; writes to
// distinct device paths proceed independently, writes to the same device
// path serialize (spec §5 per-device-path serialization).
type Engine struct {
	Store        Store
	SystemRootDevice func() (string, error) // best-effort; returns "" if unknown

	deviceLocks sync.Map // device path -> *sync.Mutex
}

// Flash implements spec §4.5's flash operation.
func (e *Engine) Flash(ctx context.Context, src Source, devicePath string, opts Options) (result *model.FlashRecord, err error) {
	ctx, span := tracer.Start(ctx, "flashengine.Flash", trace.WithAttributes(
		attribute.String("flash.device_path", devicePath)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else if result != nil {
			span.SetAttributes(attribute.String("flash.verify_result", string(result.VerifyResult)))
		}
		span.End()
	}()

	lock := e.lockFor(devicePath)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now()
	rec := &model.FlashRecord{
		DevicePath:      devicePath,
		DryRun:          opts.DryRun,
		VerifyMode:      opts.VerifyMode,
		VerifyPrefixLen: opts.VerifyPrefixLen,
		WipedBeforeFlash: opts.Wipe,
		RequestedAt:     now,
	}
	if src.ArtifactID != nil {
		rec.ArtifactID = *src.ArtifactID
	}

	id, err := e.Store.CreatePendingFlash(ctx, rec)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.CodePrecondition, err, "creating pending flash record")
	}
	rec.ID = id

	imagePath, expectedSize, expectedHash, err := e.resolveSource(ctx, src)
	if err != nil {
		return e.fail(ctx, id, ferrors.CodeOf(err), err.Error(), false)
	}

	if err := e.checkPreconditions(ctx, devicePath, opts); err != nil {
		return e.fail(ctx, id, ferrors.CodeOf(err), err.Error(), false)
	}

	actualHash, actualSize, err := hashFile(imagePath)
	if err != nil {
		return e.fail(ctx, id, ferrors.CodePrecondition, err.Error(), false)
	}
	if expectedSize > 0 && actualSize != expectedSize {
		return e.fail(ctx, id, ferrors.CodePrecondition, fmt.Sprintf("source size %d does not match recorded artifact size %d", actualSize, expectedSize), false)
	}
	if expectedHash != "" && actualHash != expectedHash {
		return e.fail(ctx, id, ferrors.CodePrecondition, fmt.Sprintf("source hash %s does not match recorded artifact hash %s", actualHash, expectedHash), false)
	}

	if opts.DryRun {
		slog.InfoContext(ctx, "flashengine.Flash dry-run", "device", devicePath, "image", imagePath, "size", actualSize, "wipe", opts.Wipe, "verifyMode", opts.VerifyMode)
		return e.Store.MarkFlashSucceeded(ctx, id, time.Now(), 0, model.VerifySkipped)
	}

	if err := e.Store.MarkFlashRunning(ctx, id, time.Now()); err != nil {
		return nil, ferrors.Wrap(ferrors.CodePrecondition, err, "marking flash running")
	}

	bytesWritten, err := e.write(ctx, imagePath, devicePath, opts.Wipe)
	if err != nil {
		return e.fail(ctx, id, ferrors.CodeOf(err), err.Error(), false)
	}

	verifyHash := actualHash
	if opts.VerifyMode == model.VerifyPrefix && opts.VerifyPrefixLen > 0 && opts.VerifyPrefixLen < actualSize {
		f, oerr := os.Open(imagePath)
		if oerr != nil {
			return e.fail(ctx, id, ferrors.CodePrecondition, oerr.Error(), false)
		}
		h := sha256.New()
		_, cerr := io.Copy(h, io.LimitReader(f, opts.VerifyPrefixLen))
		f.Close()
		if cerr != nil {
			return e.fail(ctx, id, ferrors.CodePrecondition, cerr.Error(), false)
		}
		verifyHash = hex.EncodeToString(h.Sum(nil))
	}

	verifyResult, err := e.verify(ctx, devicePath, verifyHash, actualSize, opts)
	if err != nil {
		return e.fail(ctx, id, ferrors.CodeFlashHashMismatch, err.Error(), true)
	}

	return e.Store.MarkFlashSucceeded(ctx, id, time.Now(), bytesWritten, verifyResult)
}

func (e *Engine) fail(ctx context.Context, id int64, code ferrors.Code, message string, suspect bool) (*model.FlashRecord, error) {
	if code == "" {
		code = ferrors.CodePrecondition
	}
	rec, markErr := e.Store.MarkFlashFailed(ctx, id, time.Now(), code, message, suspect)
	if markErr != nil {
		return nil, ferrors.Wrap(ferrors.CodePrecondition, markErr, "marking flash failed")
	}
	return rec, ferrors.New(code, message)
}

func (e *Engine) lockFor(devicePath string) *sync.Mutex {
	v, _ := e.deviceLocks.LoadOrStore(devicePath, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (e *Engine) resolveSource(ctx context.Context, src Source) (imagePath string, expectedSize int64, expectedHash string, err error) {
	if src.ArtifactID != nil {
		artifact, aerr := e.Store.GetArtifact(ctx, *src.ArtifactID)
		if aerr != nil || artifact == nil {
			return "", 0, "", ferrors.Newf(ferrors.CodeNotFound, "artifact %d not found", *src.ArtifactID)
		}
		return artifact.RelPath, artifact.Size, artifact.SHA256, nil
	}
	if src.ImagePath == "" {
		return "", 0, "", ferrors.New(ferrors.CodeValidation, "flash source requires either an artifact ID or an image path")
	}
	return src.ImagePath, 0, "", nil
}

// checkPreconditions runs spec §4.5's ordered, fatal preconditions 1-3
// (precondition 4, source/hash matching, is checked by the caller once the
// source's actual hash is known).
func (e *Engine) checkPreconditions(ctx context.Context, devicePath string, opts Options) error {
	info, err := os.Stat(devicePath)
	if err != nil {
		return ferrors.Wrap(ferrors.CodePrecondition, err, fmt.Sprintf("device path %q", devicePath))
	}
	if info.Mode()&os.ModeDevice == 0 || info.Mode()&os.ModeCharDevice != 0 {
		return ferrors.Newf(ferrors.CodePrecondition, "%q is not a block device", devicePath)
	}
	if partitionSuffix.MatchString(devicePath) {
		return ferrors.Newf(ferrors.CodePrecondition, "%q refers to a partition, not a whole device", devicePath)
	}

	if e.SystemRootDevice != nil {
		if root, rerr := e.SystemRootDevice(); rerr == nil && root != "" && sameDevice(root, devicePath) {
			return ferrors.Newf(ferrors.CodePrecondition, "refusing to flash %q: it is the system root device", devicePath)
		}
	}

	if !opts.Force && !opts.DryRun {
		return ferrors.New(ferrors.CodePrecondition, "flash requires force=true unless dry_run=true")
	}
	return nil
}

func sameDevice(a, b string) bool {
	return strings.TrimSuffix(a, "\n") == strings.TrimSuffix(b, "\n")
}

// write streams imagePath to devicePath in fixed-size chunks with
// synchronous semantics (spec §4.5 Write protocol). Returns the number of
// bytes actually streamed.
func (e *Engine) write(ctx context.Context, imagePath, devicePath string, wipe bool) (int64, error) {
	src, err := os.Open(imagePath)
	if err != nil {
		return 0, ferrors.Wrap(ferrors.CodePrecondition, err, "opening source image")
	}
	defer src.Close()

	dst, err := os.OpenFile(devicePath, os.O_WRONLY|os.O_SYNC, 0)
	if err != nil {
		return 0, ferrors.Wrap(ferrors.CodePermissionDenied, err, "opening device for writing")
	}
	defer dst.Close()

	if wipe {
		if err := wipeSignatures(dst); err != nil {
			return 0, err
		}
	}

	buf := make([]byte, writeChunkLen)
	var total int64
	for {
		select {
		case <-ctx.Done():
			return total, ferrors.Wrap(ferrors.CodeCancelled, ctx.Err(), "flash write cancelled")
		default:
		}

		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return total, ferrors.Wrap(ferrors.CodePrecondition, werr, "writing to device")
			}
			total += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return total, ferrors.Wrap(ferrors.CodePrecondition, rerr, "reading source image")
		}
	}

	if err := dst.Sync(); err != nil {
		return total, ferrors.Wrap(ferrors.CodePrecondition, err, "flushing device")
	}
	if err := unix.Syncfs(int(dst.Fd())); err != nil && err != unix.ENOTSUP {
		slog.WarnContext(ctx, "flashengine.write syncfs", "error", err)
	}
	return total, nil
}

func wipeSignatures(dst *os.File) error {
	zero := make([]byte, writeChunkLen)
	remaining := int64(minWipeBytes)
	for remaining > 0 {
		n := int64(len(zero))
		if remaining < n {
			n = remaining
		}
		if _, err := dst.Write(zero[:n]); err != nil {
			return ferrors.Wrap(ferrors.CodePrecondition, err, "wiping device signatures")
		}
		remaining -= n
	}
	return dst.Sync()
}

// verify reopens devicePath, drops cached pages (direct-I/O semantics where
// the kernel honors fadvise DONTNEED), reads either the full image length or
// the declared prefix, and compares a freshly computed SHA-256 against
// sourceHash (spec §4.5 Verification). imageSize bounds the full-mode read:
// devicePath is the whole physical device, almost always larger than the
// image, so reading to device EOF would hash trailing device bytes the
// image never covered.
func (e *Engine) verify(ctx context.Context, devicePath, sourceHash string, imageSize int64, opts Options) (model.VerifyResult, error) {
	f, err := os.Open(devicePath)
	if err != nil {
		return model.VerifyMismatch, ferrors.Wrap(ferrors.CodePrecondition, err, "reopening device for verification")
	}
	defer f.Close()

	_ = unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_DONTNEED)

	h := sha256.New()
	toRead := imageSize
	if opts.VerifyMode == model.VerifyPrefix && opts.VerifyPrefixLen > 0 && opts.VerifyPrefixLen < imageSize {
		toRead = opts.VerifyPrefixLen
	}

	var reader io.Reader = f
	if toRead >= 0 {
		reader = io.LimitReader(f, toRead)
	}
	if _, err := io.Copy(h, reader); err != nil {
		return model.VerifyMismatch, ferrors.Wrap(ferrors.CodePrecondition, err, "reading device for verification")
	}

	actual := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(actual, sourceHash) {
		slog.ErrorContext(ctx, "flashengine.verify mismatch", "device", devicePath, "expected", sourceHash, "actual", actual)
		return model.VerifyMismatch, ferrors.Newf(ferrors.CodeFlashHashMismatch, "device %s hash %s does not match source hash %s", devicePath, actual, sourceHash)
	}
	return model.VerifyMatch, nil
}

func hashFile(path string) (hash string, size int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, ferrors.Wrap(ferrors.CodePrecondition, err, "opening source image")
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", 0, ferrors.Wrap(ferrors.CodePrecondition, err, "statting source image")
	}

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", 0, ferrors.Wrap(ferrors.CodePrecondition, err, "hashing source image")
	}
	return hex.EncodeToString(h.Sum(nil)), info.Size(), nil
}
