package commands

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/fly-io/pkgupdate/pkg/updater"
)

const pollInterval = 200 * time.Millisecond

// flowEngine is the part of the engine a watcher needs.
type flowEngine interface {
	Status() updater.Status
	Busy() bool
	CancelUpdate()
}

// watch polls the engine until the running flow settles, printing every
// phase or progress change. When ctx ends the flow is cancelled and watch
// keeps polling until the worker has exited.
func watch(ctx context.Context, engine flowEngine, out io.Writer) updater.Status {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var last updater.Status
	done := ctx.Done()
	for {
		s := engine.Status()
		if s.State != last.State || s.Progress != last.Progress {
			fmt.Fprintf(out, "  %-12s %3d%%  %s\n", s.State, s.Progress, s.Message)
			last = s
		}
		if !engine.Busy() {
			return engine.Status()
		}

		select {
		case <-done:
			fmt.Fprintln(out, "⏹️  Cancelling...")
			engine.CancelUpdate()
			done = nil
		case <-ticker.C:
		}
	}
}
