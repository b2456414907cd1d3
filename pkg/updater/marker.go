package updater

import (
	"bufio"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fly-io/pkgupdate/pkg/errors"
)

// ReadMarker returns the first line of the version marker at path, or
// fallback when the file is missing or blank.
func ReadMarker(path, fallback string) string {
	f, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("version_marker_unreadable", "path", path, "error", err)
		}
		return fallback
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if sc.Scan() {
		if v := strings.TrimSpace(sc.Text()); v != "" {
			return v
		}
	}
	return fallback
}

// writeMarker replaces the marker through a synced temp file and syncs the
// parent directory so the rename itself is durable.
func writeMarker(path, version string) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return errors.New(errors.KindIO, "write version marker", err)
	}
	_, werr := f.WriteString(strings.TrimSpace(version) + "\n")
	if werr == nil {
		werr = f.Sync()
	}
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(tmp)
		return errors.New(errors.KindIO, "write version marker", werr)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.New(errors.KindIO, "replace version marker", err)
	}

	syncDir(filepath.Dir(path))
	slog.Info("version_marker_written", "path", path, "version", version)
	return nil
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		slog.Debug("dir_sync_unsupported", "path", dir, "error", err)
	}
}
