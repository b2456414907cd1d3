// Package updater implements the self-update engine: a check flow that
// finds out whether a newer release exists and an apply flow that downloads,
// unpacks and mirrors it onto the install root.
//
// Both flows run as superfly/fsm machines on a single background worker.
// Callers never block on a flow; they poll Status, which always returns a
// complete published snapshot. Failures never cross the caller boundary:
// they end the flow in StateError with a short Status.Error.
package updater

import (
	"context"
	stderrors "errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fly-io/pkgupdate/pkg/db"
	"github.com/fly-io/pkgupdate/pkg/errors"
	"github.com/fly-io/pkgupdate/pkg/installer"
	"github.com/fly-io/pkgupdate/pkg/release"
	"github.com/fly-io/pkgupdate/pkg/storage"
	"github.com/oklog/ulid/v2"
	"github.com/superfly/fsm"
)

var (
	// ErrBusy is returned when a flow is already running.
	ErrBusy = stderrors.New("an update flow is already running")
	// ErrNoUpdate is returned by StartUpdate when the last check found nothing newer.
	ErrNoUpdate = stderrors.New("no update available")
	// ErrNotReady is returned before Init and after Shutdown.
	ErrNotReady = stderrors.New("updater is not initialized")
)

// ReleaseSource finds the latest release. *release.Fetcher implements it.
type ReleaseSource interface {
	Probe(ctx context.Context) error
	Fetch(ctx context.Context, repo, workDir string, cancelled func() bool) (*release.Descriptor, error)
}

// Downloader retrieves release assets. *storage.Downloader implements it.
type Downloader interface {
	Download(ctx context.Context, url, localPath string, opts ...storage.Option) (*storage.DownloadResult, error)
}

// Unpacker extracts archives. *installer.Installer implements it.
type Unpacker interface {
	Unpack(archivePath, destDir string, progress installer.ProgressFunc) (*installer.Result, error)
}

// History records flows. *db.Repository implements it.
type History interface {
	Create(f *db.Flow) error
	Finish(f *db.Flow) error
}

// Config holds engine settings.
type Config struct {
	// Repo is the owner/name release source.
	Repo string
	// StateDir holds the fsm database and per-flow work dirs. Empty means
	// DefaultStateDir(installRoot).
	StateDir       string
	DefaultVersion string
	VersionFile    string
	Launcher       string
	// Preserve lists install-root relative paths the mirror never prunes.
	Preserve []string
}

// Engine is the update state machine.
type Engine struct {
	cfg        Config
	source     ReleaseSource
	downloader Downloader
	unpacker   Unpacker
	history    History

	// fixed by Init
	installRoot string
	stateDir    string
	version     string
	preserve    []string

	ctx     context.Context
	cancel  context.CancelFunc
	manager *fsm.Manager

	startCheck fsm.Start[checkRequest, checkResponse]
	startApply fsm.Start[applyRequest, applyResponse]

	status      board
	running     atomic.Bool
	initialized atomic.Bool
	closed      atomic.Bool

	mu      sync.Mutex
	task    *task
	pending *release.Descriptor

	flows sync.Map

	// onLaunch runs on the worker before the flow's first transition.
	onLaunch func()
	// onState runs on the worker as each state is entered.
	onState func(state string)
}

// New creates an engine. history may be nil.
func New(cfg Config, source ReleaseSource, downloader Downloader, unpacker Unpacker, history History) *Engine {
	if cfg.VersionFile == "" {
		cfg.VersionFile = "version.txt"
	}
	if cfg.Launcher == "" {
		cfg.Launcher = "launch.sh"
	}
	if cfg.DefaultVersion == "" {
		cfg.DefaultVersion = "0.0.0"
	}
	return &Engine{
		cfg:        cfg,
		source:     source,
		downloader: downloader,
		unpacker:   unpacker,
		history:    history,
	}
}

// DefaultStateDir is the sibling directory ".<base>-update" of installRoot.
// It lives outside the install root so mirroring never prunes it.
func DefaultStateDir(installRoot string) string {
	clean := filepath.Clean(installRoot)
	return filepath.Join(filepath.Dir(clean), "."+filepath.Base(clean)+"-update")
}

// Init establishes paths, reads the installed version and starts the fsm
// manager. It must be called once before any flow.
func (e *Engine) Init(ctx context.Context, installRoot string) error {
	if e.initialized.Load() || e.closed.Load() {
		return errors.Newf(errors.KindUnknown, "init", "engine already initialized")
	}

	root, err := filepath.Abs(installRoot)
	if err != nil {
		return errors.New(errors.KindIO, "resolve install root", err)
	}
	fi, err := os.Stat(root)
	if err != nil {
		slog.Error("install_root_missing", "path", root, "error", err)
		return errors.New(errors.KindIO, "stat install root", err)
	}
	if !fi.IsDir() {
		return errors.Newf(errors.KindIO, "stat install root", "%s is not a directory", root)
	}

	stateDir := e.cfg.StateDir
	if stateDir == "" {
		stateDir = DefaultStateDir(root)
	}
	if stateDir, err = filepath.Abs(stateDir); err != nil {
		return errors.New(errors.KindIO, "resolve state dir", err)
	}
	for _, dir := range []string{WorkDir(stateDir), filepath.Join(stateDir, "fsm")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			slog.Error("state_dir_creation_failed", "path", dir, "error", err)
			return errors.New(errors.KindIO, "create state dir", err)
		}
	}

	e.installRoot = root
	e.stateDir = stateDir
	e.version = ReadMarker(filepath.Join(root, e.cfg.VersionFile), e.cfg.DefaultVersion)
	e.preserve = append(append([]string{}, e.cfg.Preserve...), filepath.ToSlash(e.cfg.VersionFile))
	if rel, err := filepath.Rel(root, stateDir); err == nil && rel != "." && !strings.HasPrefix(rel, "..") {
		e.preserve = append(e.preserve, filepath.ToSlash(rel))
	}

	manager, err := fsm.New(fsm.Config{DBPath: filepath.Join(stateDir, "fsm")})
	if err != nil {
		return errors.Wrap(err, "FSM manager failed")
	}
	e.manager = manager
	e.ctx, e.cancel = context.WithCancel(context.WithoutCancel(ctx))

	if err := e.register(e.ctx); err != nil {
		manager.Shutdown(10 * time.Second)
		e.cancel()
		return err
	}

	e.status.reset(Status{State: StateIdle, CurrentVersion: e.version, Message: "Ready"})
	e.initialized.Store(true)
	slog.Info("updater_initialized", "install_root", root, "state_dir", stateDir, "version", e.version, "repo", e.cfg.Repo)
	return nil
}

// WorkDir is where per-flow temporary directories are created.
func WorkDir(stateDir string) string {
	return filepath.Join(stateDir, "work")
}

// CheckForUpdate starts a check flow. It returns ErrBusy without side
// effects when a flow is already running.
func (e *Engine) CheckForUpdate() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ready(); err != nil {
		return err
	}
	if !e.running.CompareAndSwap(false, true) {
		slog.Warn("check_rejected", "reason", "busy")
		return ErrBusy
	}

	prev := e.status.load()
	e.status.reset(Status{
		State:          StateChecking,
		CurrentVersion: e.version,
		Message:        "Checking for updates",
	})

	return e.launch(db.KindCheck, nil, func(t *task) func() {
		err := t.outcome(e.runCheck(e.ctx, t))
		return func() { e.settleCheck(t, prev, err) }
	})
}

// StartUpdate starts an apply flow for the release found by the last check.
func (e *Engine) StartUpdate() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ready(); err != nil {
		return err
	}
	if !e.running.CompareAndSwap(false, true) {
		slog.Warn("update_rejected", "reason", "busy")
		return ErrBusy
	}

	target := e.pending
	if target == nil {
		e.running.Store(false)
		slog.Warn("update_rejected", "reason", "no_update_available")
		return ErrNoUpdate
	}

	e.status.reset(Status{
		State:           StateDownloading,
		CurrentVersion:  e.version,
		LatestVersion:   target.TagName,
		UpdateAvailable: true,
		DownloadURL:     target.AssetURL,
		ReleaseNotes:    target.Body,
		ReleaseURL:      target.HTMLURL,
		Message:         "Downloading update",
	})

	return e.launch(db.KindApply, target, func(t *task) func() {
		err := t.outcome(e.runApply(e.ctx, t))
		return func() { e.settleApply(t, err) }
	})
}

// CancelUpdate requests cooperative cancellation of the running flow. It is
// a no-op when nothing runs.
func (e *Engine) CancelUpdate() {
	e.mu.Lock()
	t := e.task
	e.mu.Unlock()
	if t == nil {
		return
	}
	select {
	case <-t.done:
		return
	default:
	}
	if !t.cancelled.Swap(true) {
		slog.Info("cancel_requested", "flow_id", t.id)
	}
}

// Status returns the latest published snapshot.
func (e *Engine) Status() Status {
	return e.status.load()
}

// Version is the installed version read at Init.
func (e *Engine) Version() string {
	return e.version
}

// IsPendingRestart reports whether an update was installed and the
// application should restart to run it.
func (e *Engine) IsPendingRestart() bool {
	return e.status.load().State == StateCompleted
}

// Busy reports whether a flow is running.
func (e *Engine) Busy() bool {
	return e.running.Load()
}

// InstallRoot is the absolute install root fixed at Init.
func (e *Engine) InstallRoot() string {
	return e.installRoot
}

// Shutdown cancels the running flow, waits for the worker to exit and stops
// the fsm manager. If ctx ends first the manager is left running and ctx's
// error is returned.
func (e *Engine) Shutdown(ctx context.Context) error {
	// Flows launch under e.mu, so once closed is set there t is the last
	// task the engine will ever start.
	e.mu.Lock()
	if !e.closed.CompareAndSwap(false, true) {
		e.mu.Unlock()
		return nil
	}
	t := e.task
	e.mu.Unlock()

	e.CancelUpdate()
	if t != nil {
		select {
		case <-t.done:
		case <-ctx.Done():
			slog.Error("shutdown_timeout", "flow_id", t.id, "error", ctx.Err())
			return errors.Wrap(ctx.Err(), "worker did not exit")
		}
	}

	if e.manager != nil {
		e.manager.Shutdown(10 * time.Second)
	}
	if e.cancel != nil {
		e.cancel()
	}
	slog.Info("updater_shutdown")
	return nil
}

func (e *Engine) ready() error {
	if !e.initialized.Load() || e.closed.Load() {
		return ErrNotReady
	}
	return nil
}

// launch starts the worker. run executes the flow and returns the function
// that publishes its terminal status; that function runs after the work dir
// is gone and before the engine accepts a new flow. The caller holds e.mu.
func (e *Engine) launch(kind string, target *release.Descriptor, run func(t *task) func()) error {
	workDir, err := os.MkdirTemp(WorkDir(e.stateDir), kind+"-*")
	if err != nil {
		slog.Error("work_dir_creation_failed", "error", err)
		err = errors.New(errors.KindIO, "create work dir", err)
		e.status.update(func(s *Status) {
			s.State = StateError
			s.Error = errorMessage(err)
			if kind == db.KindCheck {
				s.UpdateAvailable = false
			}
		})
		if kind == db.KindCheck {
			e.pending = nil
		}
		e.running.Store(false)
		return err
	}

	t := newTask(kind+"-"+ulid.Make().String(), kind, workDir, target)
	e.flows.Store(t.id, t)
	e.task = t
	e.recordStart(t)

	slog.Info("flow_started", "flow_id", t.id, "kind", kind, "work_dir", workDir)

	go func() {
		defer close(t.done)
		defer e.running.Store(false)

		settle := e.execute(t, run)

		e.flows.Delete(t.id)
		if err := os.RemoveAll(t.workDir); err != nil {
			slog.Warn("work_dir_cleanup_failed", "path", t.workDir, "error", err)
		}
		settle()
	}()
	return nil
}

// execute runs the flow, turning a panic into a failed flow.
func (e *Engine) execute(t *task, run func(t *task) func()) (settle func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("flow_panicked", "flow_id", t.id, "panic", r)
			err := errors.Newf(errors.KindUnknown, t.kind+" flow", "internal failure: %v", r)
			settle = func() {
				e.status.update(func(s *Status) {
					s.State = StateError
					s.UpdateAvailable = false
					s.Error = errorMessage(err)
				})
				e.recordFinish(t, err)
			}
		}
	}()

	if e.onLaunch != nil {
		e.onLaunch()
	}
	return run(t)
}

func (e *Engine) settleCheck(t *task, prev Status, err error) {
	if desc, _ := t.found(); err == nil && desc == nil {
		err = errors.Newf(errors.KindUnknown, "check flow", "flow ended without a release")
	}

	switch {
	case errors.KindOf(err) == errors.KindCancelled:
		slog.Info("check_cancelled", "flow_id", t.id)
		e.status.update(func(s *Status) {
			s.State = StateIdle
			s.UpdateAvailable = prev.UpdateAvailable
			s.LatestVersion = prev.LatestVersion
			s.DownloadURL = prev.DownloadURL
			s.ReleaseNotes = prev.ReleaseNotes
			s.ReleaseURL = prev.ReleaseURL
			s.Message = "Update check cancelled"
		})

	case err != nil:
		slog.Error("check_failed", "flow_id", t.id, "kind", errors.KindOf(err).String(), "error", err)
		e.setPending(nil)
		e.status.update(func(s *Status) {
			s.State = StateError
			s.UpdateAvailable = false
			s.DownloadURL = ""
			s.Error = errorMessage(err)
			s.Message = "Update check failed"
		})

	default:
		desc, available := t.found()
		if available {
			e.setPending(desc)
		} else {
			e.setPending(nil)
		}
		slog.Info("check_complete", "flow_id", t.id, "latest", desc.TagName, "update_available", available)
		e.status.update(func(s *Status) {
			s.State = StateIdle
			s.Progress = progressDone
			s.UpdateAvailable = available
			s.LatestVersion = desc.TagName
			s.ReleaseNotes = desc.Body
			s.ReleaseURL = desc.HTMLURL
			s.DownloadURL = ""
			s.Message = "Up to date"
			if available {
				s.DownloadURL = desc.AssetURL
				s.Message = "Update available: " + desc.TagName
			}
		})
	}
	e.recordFinish(t, err)
}

func (e *Engine) settleApply(t *task, err error) {
	res := t.applied()
	switch {
	case errors.KindOf(err) == errors.KindCancelled:
		slog.Info("update_cancelled", "flow_id", t.id)
		e.status.update(func(s *Status) {
			s.State = StateIdle
			s.Message = "Update cancelled"
		})

	case err != nil:
		slog.Error("update_failed", "flow_id", t.id, "kind", errors.KindOf(err).String(), "error", err)
		e.status.update(func(s *Status) {
			s.State = StateError
			s.Error = errorMessage(err)
			s.Message = "Update failed"
		})

	default:
		e.setPending(nil)
		msg := "Update installed; restart to finish"
		if res.Failures > 0 {
			msg = "Update installed with skipped entries; restart to finish"
		}
		slog.Info("update_complete", "flow_id", t.id, "version", t.target().TagName,
			"files_copied", res.FilesCopied, "removed", res.Removed, "failures", res.Failures)
		e.status.update(func(s *Status) {
			s.State = StateCompleted
			s.Progress = progressDone
			s.UpdateAvailable = false
			s.Message = msg
		})
	}
	e.recordFinish(t, err)
}

func (e *Engine) setPending(desc *release.Descriptor) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = desc
}

func (e *Engine) recordStart(t *task) {
	if e.history == nil {
		return
	}
	f := &db.Flow{ID: t.id, Kind: t.kind, FromVersion: e.version}
	if target := t.target(); target != nil {
		f.ToVersion = target.TagName
		f.AssetURL = target.AssetURL
	}
	if err := e.history.Create(f); err != nil {
		slog.Warn("history_record_failed", "flow_id", t.id, "error", err)
	}
}

func (e *Engine) recordFinish(t *task, err error) {
	if e.history == nil {
		return
	}
	f := &db.Flow{ID: t.id, State: db.StateCompleted, SHA256: t.applied().SHA256}
	if desc := t.target(); desc != nil {
		f.ToVersion = desc.TagName
		f.AssetURL = desc.AssetURL
	}
	switch {
	case errors.KindOf(err) == errors.KindCancelled:
		f.State = db.StateCancelled
	case err != nil:
		f.State = db.StateFailed
		f.ErrorMessage = errorMessage(err)
	}
	if err := e.history.Finish(f); err != nil {
		slog.Warn("history_record_failed", "flow_id", t.id, "error", err)
	}
}
