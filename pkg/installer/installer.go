// Package installer unpacks release archives into a staging directory.
//
// Entries are processed independently: an entry that cannot be read or
// written is logged and skipped, and the caller decides afterwards whether
// the staging tree is usable (see FindRoot). Size and compression limits
// are enforced through a security.Validator and make the whole archive
// corrupt when exceeded.
package installer

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fly-io/pkgupdate/pkg/errors"
	"github.com/fly-io/pkgupdate/pkg/security"
)

// ProgressFunc receives the number of processed entries and the total, when
// known (zero for streamed tarballs).
type ProgressFunc func(done, total int)

// Result summarizes one unpack.
type Result struct {
	Files   int
	Dirs    int
	Skipped int
}

// Installer unpacks archives and marks launcher entries executable.
type Installer struct {
	validator          *security.Validator
	executableSuffixes []string
}

// New creates an installer. Entry names ending in one of suffixes
// (case-insensitive) are written with mode 0755.
func New(validator *security.Validator, suffixes []string) *Installer {
	lower := make([]string, 0, len(suffixes))
	for _, s := range suffixes {
		if s = strings.TrimSpace(s); s != "" {
			lower = append(lower, strings.ToLower(s))
		}
	}
	return &Installer{validator: validator, executableSuffixes: lower}
}

// Unpack extracts archivePath into destDir, picking the format from the file
// extension (.zip, .tar, .tar.gz, .tgz). Unknown extensions are read as zip.
func (i *Installer) Unpack(archivePath, destDir string, progress ProgressFunc) (*Result, error) {
	slog.Info("unpack_started", "archive", archivePath, "dest", destDir)

	i.validator.Reset()
	if err := os.MkdirAll(destDir, 0755); err != nil {
		slog.Error("unpack_dest_creation_failed", "path", destDir, "error", err)
		return nil, errors.New(errors.KindIO, "create staging dir", err)
	}

	var (
		res *Result
		err error
	)
	lower := strings.ToLower(archivePath)
	switch {
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		res, err = i.unpackTar(archivePath, destDir, true, progress)
	case strings.HasSuffix(lower, ".tar"):
		res, err = i.unpackTar(archivePath, destDir, false, progress)
	default:
		res, err = i.unpackZip(archivePath, destDir, progress)
	}
	if err != nil {
		return nil, err
	}

	fi, err := os.Stat(archivePath)
	if err != nil {
		return nil, errors.New(errors.KindIO, "stat archive", err)
	}
	if err := i.validator.ValidateCompressionRatio(fi.Size(), i.validator.CurrentTotalSize()); err != nil {
		return nil, errors.New(errors.KindCorruptArchive, "unpack", err)
	}

	slog.Info("unpack_complete",
		"archive", archivePath,
		"files", res.Files,
		"dirs", res.Dirs,
		"skipped", res.Skipped,
	)
	return res, nil
}

func (i *Installer) unpackZip(archivePath, destDir string, progress ProgressFunc) (*Result, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		slog.Error("zip_open_failed", "archive", archivePath, "error", err)
		if os.IsNotExist(err) {
			return nil, errors.New(errors.KindIO, "open archive", err)
		}
		return nil, errors.New(errors.KindCorruptArchive, "open archive", err)
	}
	defer zr.Close()

	res := &Result{}
	total := len(zr.File)
	for n, f := range zr.File {
		if isDirName(f.Name) || f.FileInfo().IsDir() {
			if i.makeDir(destDir, f.Name) {
				res.Dirs++
			} else {
				res.Skipped++
			}
		} else {
			if err := i.checkSize(int64(f.UncompressedSize64)); err != nil {
				return nil, errors.New(errors.KindCorruptArchive, f.Name, err)
			}
			ok := i.writeEntry(destDir, f.Name, f.Mode(), func() (io.ReadCloser, error) {
				return f.Open()
			})
			if ok {
				res.Files++
			} else {
				res.Skipped++
			}
		}
		if progress != nil {
			progress(n+1, total)
		}
	}

	return res, nil
}

func (i *Installer) unpackTar(archivePath, destDir string, gzipped bool, progress ProgressFunc) (*Result, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, errors.New(errors.KindIO, "open archive", err)
	}
	defer f.Close()

	var r io.Reader = f
	if gzipped {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, errors.New(errors.KindCorruptArchive, "open gzip stream", err)
		}
		defer gz.Close()
		r = gz
	}

	res := &Result{}
	tr := tar.NewReader(r)
	for n := 1; ; n++ {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			// A broken tar stream cannot be resynchronized past this point.
			slog.Error("tar_read_failed", "archive", archivePath, "error", err)
			return nil, errors.New(errors.KindCorruptArchive, "read tar", err)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if i.makeDir(destDir, header.Name) {
				res.Dirs++
			} else {
				res.Skipped++
			}
		case tar.TypeReg:
			if err := i.checkSize(header.Size); err != nil {
				return nil, errors.New(errors.KindCorruptArchive, header.Name, err)
			}
			ok := i.writeEntry(destDir, header.Name, header.FileInfo().Mode(), func() (io.ReadCloser, error) {
				return io.NopCloser(tr), nil
			})
			if ok {
				res.Files++
			} else {
				res.Skipped++
			}
		default:
			slog.Warn("unpack_entry_skipped", "entry", header.Name, "reason", "unsupported_type", "type", string(header.Typeflag))
			res.Skipped++
		}
		if progress != nil {
			progress(n, 0)
		}
	}

	return res, nil
}

func (i *Installer) checkSize(size int64) error {
	if err := i.validator.ValidateFileSize(size); err != nil {
		return err
	}
	return i.validator.AddExtractedSize(size)
}

// makeDir creates the directory for entry name with mkdir -p semantics.
func (i *Installer) makeDir(destDir, name string) bool {
	target, ok := i.target(destDir, name)
	if !ok {
		return false
	}
	if err := os.MkdirAll(target, 0755); err != nil {
		slog.Warn("unpack_entry_skipped", "entry", name, "reason", "mkdir_failed", "error", err)
		return false
	}
	return true
}

// writeEntry writes one file entry. It never fails the unpack: problems are
// logged and reported as a skipped entry.
func (i *Installer) writeEntry(destDir, name string, mode os.FileMode, open func() (io.ReadCloser, error)) bool {
	target, ok := i.target(destDir, name)
	if !ok {
		return false
	}

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		slog.Warn("unpack_entry_skipped", "entry", name, "reason", "mkdir_failed", "error", err)
		return false
	}

	rc, err := open()
	if err != nil {
		slog.Warn("unpack_entry_skipped", "entry", name, "reason", "open_failed", "error", err)
		return false
	}
	defer rc.Close()

	perm := os.FileMode(0644)
	if i.IsExecutable(name) || mode&0111 != 0 {
		perm = 0755
	}

	// Remove first so a read-only file from an earlier run does not block us.
	_ = os.Remove(target)
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		slog.Warn("unpack_entry_skipped", "entry", name, "reason", "create_failed", "error", err)
		return false
	}

	// Read to EOF: the zip reader verifies the CRC32 only there, and both
	// readers stop at the declared size.
	_, copyErr := io.Copy(out, rc)
	closeErr := out.Close()
	if copyErr != nil || closeErr != nil {
		slog.Warn("unpack_entry_skipped", "entry", name, "reason", "write_failed", "error", firstErr(copyErr, closeErr))
		_ = os.Remove(target)
		return false
	}

	// OpenFile honours the umask; set the mode explicitly for launchers.
	if perm == 0755 {
		if err := os.Chmod(target, perm); err != nil {
			slog.Warn("unpack_chmod_failed", "entry", name, "error", err)
		}
	}

	return true
}

// target resolves an entry name under destDir, rejecting escapes.
func (i *Installer) target(destDir, name string) (string, bool) {
	if err := i.validator.ValidatePath(name); err != nil {
		slog.Warn("unpack_entry_skipped", "entry", name, "reason", "invalid_path", "error", err)
		return "", false
	}
	rel := filepath.FromSlash(strings.ReplaceAll(name, `\`, "/"))
	return filepath.Join(destDir, rel), true
}

// IsExecutable reports whether name carries one of the executable suffixes.
func (i *Installer) IsExecutable(name string) bool {
	lower := strings.ToLower(strings.TrimRight(name, "/"))
	for _, s := range i.executableSuffixes {
		if strings.HasSuffix(lower, s) {
			return true
		}
	}
	return false
}

func isDirName(name string) bool {
	return strings.HasSuffix(name, "/") || strings.HasSuffix(name, `\`)
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// FindRoot returns the directory inside stagingDir that holds launcher: the
// staging root itself, or its only subdirectory when the archive wraps the
// application in a top-level folder.
func FindRoot(stagingDir, launcher string) (string, error) {
	if isRegular(filepath.Join(stagingDir, launcher)) {
		return stagingDir, nil
	}

	entries, err := os.ReadDir(stagingDir)
	if err != nil {
		return "", errors.New(errors.KindIO, "list staging dir", err)
	}
	var dirs []os.DirEntry
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e)
		}
	}
	if len(dirs) == 1 && len(entries) == 1 {
		nested := filepath.Join(stagingDir, dirs[0].Name())
		if isRegular(filepath.Join(nested, launcher)) {
			slog.Info("staging_root_nested", "dir", dirs[0].Name())
			return nested, nil
		}
	}

	return "", errors.Newf(errors.KindCorruptArchive, "validate staging tree", "launcher %q not found in archive", launcher)
}

func isRegular(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}

// MakeExecutable sets mode 0755 on path when it exists.
func MakeExecutable(path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	return os.Chmod(path, 0755)
}
