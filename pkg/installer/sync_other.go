//go:build !unix

package installer

import (
	"log/slog"
	"runtime"
)

// FlushFilesystem is a no-op where no global sync call exists; the version
// marker is still fsynced individually by its writer.
func FlushFilesystem() {
	slog.Info("filesystem_sync_unavailable", "platform", runtime.GOOS)
}
