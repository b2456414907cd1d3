package main

import (
	"log/slog"
	"os"

	"github.com/fly-io/pkgupdate/cmd/pkgupdate/commands"
)

// Version is the build version, set with -ldflags "-X main.Version=...".
var Version = "0.0.0"

func main() {
	// Text logs until the root command installs the configured handler
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	commands.Execute(Version)
}
