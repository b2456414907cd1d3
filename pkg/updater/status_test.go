package updater

import (
	"fmt"
	"strings"
	"sync"
	"testing"
)

func TestBoard_ProgressNeverDecreases(t *testing.T) {
	var b board
	b.reset(Status{State: StateDownloading})

	b.update(func(s *Status) { s.Progress = 40 })
	got := b.update(func(s *Status) { s.Progress = 10 })
	if got.Progress != 40 {
		t.Errorf("progress = %d, want 40", got.Progress)
	}

	got = b.update(func(s *Status) { s.Progress = 250 })
	if got.Progress != 100 {
		t.Errorf("progress = %d, want clamp to 100", got.Progress)
	}

	b.reset(Status{State: StateChecking})
	if p := b.load().Progress; p != 0 {
		t.Errorf("reset should restart progress, got %d", p)
	}
}

func TestBoard_ErrorOnlyInErrorState(t *testing.T) {
	var b board
	got := b.update(func(s *Status) {
		s.State = StateIdle
		s.Error = "leftover"
	})
	if got.Error != "" {
		t.Errorf("error must be empty outside ERROR, got %q", got.Error)
	}

	got = b.update(func(s *Status) { s.State = StateError })
	if got.Error == "" {
		t.Error("ERROR state must carry a message")
	}
}

func TestBoard_ZeroValue(t *testing.T) {
	var b board
	if s := b.load(); s.State != StateIdle {
		t.Errorf("zero board state = %s", s.State)
	}
}

func TestBoard_ConcurrentReaders(t *testing.T) {
	var b board
	b.reset(Status{State: StateDownloading})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			last := 0
			for j := 0; j < 1000; j++ {
				s := b.load()
				if s.Progress < last {
					t.Errorf("reader saw progress go from %d to %d", last, s.Progress)
					return
				}
				last = s.Progress
			}
		}()
	}
	for p := 0; p <= 100; p++ {
		p := p
		b.update(func(s *Status) {
			s.Progress = p
			s.Message = fmt.Sprintf("step %d", p)
		})
	}
	wg.Wait()
}

func TestBand(t *testing.T) {
	tests := []struct {
		lo, hi      int
		done, total int64
		want        int
	}{
		{0, 50, 0, 100, 0},
		{0, 50, 50, 100, 25},
		{0, 50, 100, 100, 50},
		{0, 50, 200, 100, 50},
		{0, 50, 10, -1, 0},
		{50, 75, 2, 4, 62},
	}
	for _, tt := range tests {
		if got := band(tt.lo, tt.hi, tt.done, tt.total); got != tt.want {
			t.Errorf("band(%d, %d, %d, %d) = %d, want %d", tt.lo, tt.hi, tt.done, tt.total, got, tt.want)
		}
	}
}

func TestErrorMessage(t *testing.T) {
	short := fmt.Errorf("probe: network error")
	if got := errorMessage(short); got != short.Error() {
		t.Errorf("short message changed: %q", got)
	}

	long := fmt.Errorf("%s", strings.Repeat("é", 200))
	got := errorMessage(long)
	if len(got) > maxErrorMessage+3 || !strings.HasSuffix(got, "...") {
		t.Errorf("long message not shortened: %d bytes", len(got))
	}
	if !strings.HasPrefix(got, "éé") || strings.ContainsRune(got, '�') {
		t.Errorf("long message split a rune: %q", got[:10])
	}
}

func TestArchiveName(t *testing.T) {
	tests := map[string]string{
		"https://dl.test/v1.4.0/App.zip":        "App.zip",
		"https://dl.test/v1.4.0/App.tar.gz?x=1": "App.tar.gz",
		"s3://releases/v1.4.0/App.zip":          "App.zip",
		"https://dl.test/":                      "release.zip",
	}
	for in, want := range tests {
		if got := archiveName(in); got != want {
			t.Errorf("archiveName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestStatus_Settled(t *testing.T) {
	for _, st := range []State{StateIdle, StateCompleted, StateError} {
		if !(Status{State: st}).Settled() {
			t.Errorf("%s should be settled", st)
		}
	}
	for _, st := range []State{StateChecking, StateDownloading, StateExtracting, StateApplying} {
		if (Status{State: st}).Settled() {
			t.Errorf("%s should not be settled", st)
		}
	}
}
