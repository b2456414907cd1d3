//go:build unix

package installer

import (
	"log/slog"
	"syscall"
)

// FlushFilesystem asks the kernel to commit all pending writes so a power
// loss right after an update does not leave a half-written install root.
func FlushFilesystem() {
	slog.Info("filesystem_sync")
	syscall.Sync()
}
