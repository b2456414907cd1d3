// Package mirror makes a destination directory tree match a source tree.
//
// Every regular file and directory in the source is copied over the
// destination, and every destination entry the source does not contain is
// removed, at every level of the tree. The operation is not atomic: an error
// or crash part way through leaves the destination with a mix of old and new
// content and nothing rolls it back.
package mirror

import (
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/fly-io/pkgupdate/pkg/errors"
)

// Options tunes a mirror run.
type Options struct {
	// Preserve lists destination paths, relative and slash separated, that
	// are never pruned even though the source lacks them.
	Preserve []string
}

// Failure is one entry the mirror could not copy or remove.
type Failure struct {
	Path string
	Op   string
	Err  error
}

// Report summarizes a mirror run.
type Report struct {
	FilesCopied int
	DirsCreated int
	Removed     int
	Failures    []Failure
}

type mirrorer struct {
	preserve map[string]bool
	report   *Report
}

// Mirror copies src onto dst and prunes dst entries src does not contain.
// Per-entry failures are logged and collected in the report; an error is
// returned only when either root directory cannot be listed.
func Mirror(src, dst string, opts Options) (*Report, error) {
	slog.Info("mirror_started", "source", src, "dest", dst)

	if _, err := os.ReadDir(src); err != nil {
		slog.Error("mirror_source_unreadable", "path", src, "error", err)
		return nil, errors.New(errors.KindIO, "list source root", err)
	}
	if err := os.MkdirAll(dst, 0755); err != nil {
		slog.Error("mirror_dest_creation_failed", "path", dst, "error", err)
		return nil, errors.New(errors.KindIO, "create dest root", err)
	}
	if _, err := os.ReadDir(dst); err != nil {
		slog.Error("mirror_dest_unreadable", "path", dst, "error", err)
		return nil, errors.New(errors.KindIO, "list dest root", err)
	}

	m := &mirrorer{preserve: make(map[string]bool), report: &Report{}}
	for _, p := range opts.Preserve {
		p = path.Clean(strings.Trim(filepath.ToSlash(p), "/"))
		if p != "." && p != "" {
			m.preserve[p] = true
		}
	}

	m.syncDir(src, dst, "")

	slog.Info("mirror_complete",
		"source", src,
		"dest", dst,
		"files_copied", m.report.FilesCopied,
		"dirs_created", m.report.DirsCreated,
		"removed", m.report.Removed,
		"failures", len(m.report.Failures),
	)
	return m.report, nil
}

// syncDir applies copy-then-prune to one directory level and recurses into
// subdirectories present in the source.
func (m *mirrorer) syncDir(srcDir, dstDir, rel string) {
	srcEntries, err := os.ReadDir(srcDir)
	if err != nil {
		m.fail(rel, "list_source", err)
		return
	}

	present := make(map[string]bool, len(srcEntries))
	for _, e := range srcEntries {
		name := e.Name()
		srcPath := filepath.Join(srcDir, name)
		dstPath := filepath.Join(dstDir, name)
		entryRel := path.Join(rel, name)

		info, err := os.Lstat(srcPath)
		if err != nil {
			m.fail(entryRel, "stat_source", err)
			continue
		}

		switch {
		case info.IsDir():
			present[name] = true
			if !m.ensureDir(dstPath, entryRel) {
				continue
			}
			m.syncDir(srcPath, dstPath, entryRel)
		case info.Mode().IsRegular():
			present[name] = true
			m.syncFile(srcPath, dstPath, entryRel, info.Mode().Perm())
		default:
			// Symlinks and special files are not mirrored; leave the name
			// marked present so a destination entry of that name survives.
			present[name] = true
			slog.Warn("mirror_entry_unsupported", "path", entryRel, "mode", info.Mode().String())
		}
	}

	m.prune(dstDir, rel, present)
}

// ensureDir makes dstPath a directory, replacing a file of the same name.
func (m *mirrorer) ensureDir(dstPath, rel string) bool {
	info, err := os.Lstat(dstPath)
	if err == nil && info.IsDir() {
		return true
	}
	if err == nil {
		if err := os.Remove(dstPath); err != nil {
			m.fail(rel, "replace_file_with_dir", err)
			return false
		}
	}
	if err := os.MkdirAll(dstPath, 0755); err != nil {
		m.fail(rel, "mkdir", err)
		return false
	}
	m.report.DirsCreated++
	return true
}

func (m *mirrorer) syncFile(srcPath, dstPath, rel string, perm fs.FileMode) {
	if info, err := os.Lstat(dstPath); err == nil && info.IsDir() {
		if err := os.RemoveAll(dstPath); err != nil {
			m.fail(rel, "replace_dir_with_file", err)
			return
		}
	}
	if err := copyFile(srcPath, dstPath, perm); err != nil {
		m.fail(rel, "copy", err)
		return
	}
	m.report.FilesCopied++
}

// prune removes destination entries of dstDir not named in present.
func (m *mirrorer) prune(dstDir, rel string, present map[string]bool) {
	dstEntries, err := os.ReadDir(dstDir)
	if err != nil {
		m.fail(rel, "list_dest", err)
		return
	}

	for _, e := range dstEntries {
		name := e.Name()
		if present[name] {
			continue
		}
		entryRel := path.Join(rel, name)
		dstPath := filepath.Join(dstDir, name)

		if m.preserve[entryRel] {
			slog.Info("mirror_entry_preserved", "path", entryRel)
			continue
		}
		if e.IsDir() && m.holdsPreserved(entryRel) {
			m.prune(dstPath, entryRel, nil)
			continue
		}

		if e.IsDir() {
			err = os.RemoveAll(dstPath)
		} else {
			err = os.Remove(dstPath)
		}
		if err != nil {
			m.fail(entryRel, "remove", err)
			continue
		}
		m.report.Removed++
		slog.Info("mirror_entry_removed", "path", entryRel, "dir", e.IsDir())
	}
}

// holdsPreserved reports whether a preserved path lives below rel.
func (m *mirrorer) holdsPreserved(rel string) bool {
	prefix := rel + "/"
	for p := range m.preserve {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

func (m *mirrorer) fail(rel, op string, err error) {
	slog.Warn("mirror_entry_failed", "path", rel, "op", op, "error", err)
	m.report.Failures = append(m.report.Failures, Failure{Path: rel, Op: op, Err: err})
}

// copyFile writes src to a temporary sibling of dst and renames it into
// place. Renaming replaces a running executable where opening it for
// writing would fail.
func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
