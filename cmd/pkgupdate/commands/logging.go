package commands

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/charmbracelet/log"
)

// setupLogging installs the default slog logger for the requested format.
func setupLogging(w io.Writer, format, level string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q", level)
	}

	handler, err := newHandler(w, format, lvl)
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(handler))
	return nil
}

func newHandler(w io.Writer, format string, lvl slog.Level) (slog.Handler, error) {
	switch strings.ToLower(format) {
	case "", "text":
		return slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}), nil
	case "json":
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}), nil
	case "pretty":
		return log.NewWithOptions(w, log.Options{
			Prefix:          "pkgupdate",
			ReportTimestamp: true,
			Level:           log.Level(lvl),
		}), nil
	}
	return nil, fmt.Errorf("unknown log format %q", format)
}
