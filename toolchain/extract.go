package toolchain

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fleetimage/imageforge/ferrors"
)

// extractArchive extracts a gzip-compressed tar archive into destDir,
// refusing any entry with ".." components, an absolute name, or a symlink
// whose target escapes destDir (spec §4.3: "Extraction refuses entries
// with .. components, absolute targets, or symlinks escaping the
// extraction root"). The escape check mirrors isoboot's isoextract
// pattern: resolve the destination, then verify filepath.Rel doesn't
// start with "..".
func extractArchive(archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return ferrors.Wrap(ferrors.CodeSecurity, err, "opening archive")
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return ferrors.Wrap(ferrors.CodeSecurity, err, "reading gzip header")
	}
	defer gz.Close()

	absDest, err := filepath.Abs(destDir)
	if err != nil {
		return ferrors.Wrap(ferrors.CodeSecurity, err, "resolving extraction root")
	}
	if err := os.MkdirAll(absDest, 0o750); err != nil {
		return ferrors.Wrap(ferrors.CodeSecurity, err, "creating extraction root")
	}

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return ferrors.Wrap(ferrors.CodeSecurity, err, "reading tar entry")
		}

		if filepath.IsAbs(hdr.Name) || strings.Contains(hdr.Name, "..") {
			return ferrors.Newf(ferrors.CodeSecurity, "archive entry %q has an unsafe path", hdr.Name)
		}
		target := filepath.Join(absDest, hdr.Name)
		if !withinExtractRoot(absDest, target) {
			return ferrors.Newf(ferrors.CodeSecurity, "archive entry %q escapes extraction root", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o750); err != nil {
				return ferrors.Wrap(ferrors.CodeSecurity, err, "creating directory from archive")
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
				return ferrors.Wrap(ferrors.CodeSecurity, err, "creating parent directory from archive")
			}
			if err := writeRegularFile(tr, target, os.FileMode(hdr.Mode)); err != nil {
				return err
			}
		case tar.TypeSymlink:
			resolved := hdr.Linkname
			if !filepath.IsAbs(resolved) {
				resolved = filepath.Join(filepath.Dir(target), hdr.Linkname)
			}
			if !withinExtractRoot(absDest, resolved) {
				return ferrors.Newf(ferrors.CodeSecurity, "archive symlink %q escapes extraction root", hdr.Name)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
				return ferrors.Wrap(ferrors.CodeSecurity, err, "creating parent directory from archive")
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return ferrors.Wrap(ferrors.CodeSecurity, err, "creating symlink from archive")
			}
		default:
			// skip device nodes, fifos, etc. — not expected in an SDK archive
			continue
		}
	}
}

func writeRegularFile(r io.Reader, path string, mode os.FileMode) error {
	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return ferrors.Wrap(ferrors.CodeSecurity, err, "creating file from archive")
	}
	defer out.Close()
	if _, err := io.Copy(out, r); err != nil {
		return ferrors.Wrap(ferrors.CodeSecurity, err, "writing file from archive")
	}
	return nil
}

func withinExtractRoot(root, candidate string) bool {
	rel, err := filepath.Rel(root, candidate)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}
