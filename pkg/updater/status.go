package updater

import (
	"sync"
	"sync/atomic"
)

const maxErrorMessage = 240

// board publishes Status snapshots. Writers serialize on mu; readers only
// load the pointer.
type board struct {
	mu  sync.Mutex
	cur atomic.Pointer[Status]
}

func (b *board) load() Status {
	if p := b.cur.Load(); p != nil {
		return *p
	}
	return Status{State: StateIdle}
}

// reset starts a new flow: progress may go back to the flow's baseline.
func (b *board) reset(s Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	normalize(&s)
	b.cur.Store(&s)
}

// update applies fn to a copy of the current snapshot and publishes it.
// Progress is clamped so it never decreases.
func (b *board) update(fn func(s *Status)) Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	next := b.load()
	floor := next.Progress
	fn(&next)
	if next.Progress < floor {
		next.Progress = floor
	}
	normalize(&next)
	b.cur.Store(&next)
	return next
}

func normalize(s *Status) {
	if s.Progress < 0 {
		s.Progress = 0
	}
	if s.Progress > progressDone {
		s.Progress = progressDone
	}
	if s.State != StateError {
		s.Error = ""
	} else if s.Error == "" {
		s.Error = "update failed"
	}
}

// errorMessage shortens err for Status.Error.
func errorMessage(err error) string {
	msg := err.Error()
	if len(msg) <= maxErrorMessage {
		return msg
	}
	cut := maxErrorMessage
	for cut > 0 && msg[cut]&0xC0 == 0x80 {
		cut--
	}
	return msg[:cut] + "..."
}

// band maps done/total into [lo, hi]. Unknown totals stay at lo.
func band(lo, hi int, done, total int64) int {
	if total <= 0 || done <= 0 {
		return lo
	}
	if done >= total {
		return hi
	}
	return lo + int(int64(hi-lo)*done/total)
}
