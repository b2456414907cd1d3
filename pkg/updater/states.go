package updater

import (
	"context"
	"log/slog"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/fly-io/pkgupdate/pkg/errors"
	"github.com/fly-io/pkgupdate/pkg/installer"
	"github.com/fly-io/pkgupdate/pkg/mirror"
	"github.com/fly-io/pkgupdate/pkg/storage"
	"github.com/fly-io/pkgupdate/pkg/version"
	"github.com/superfly/fsm"
)

// handleProbe checks that the network is reachable at all
func (e *Engine) handleProbe(ctx context.Context, req *fsm.Request[checkRequest, checkResponse]) (*fsm.Response[checkResponse], error) {
	t, err := e.flow(req.Msg.FlowID)
	if err != nil {
		return nil, fsm.Abort(err)
	}
	slog.Info("fsm_state_probe", "flow_id", t.id)

	if err := e.checkpoint(t, stateProbe); err != nil {
		return nil, t.abort(err)
	}
	if err := e.source.Probe(ctx); err != nil {
		slog.Error("probe_failed", "flow_id", t.id, "error", err)
		return nil, t.abort(err)
	}

	e.status.update(func(s *Status) {
		s.Progress = checkProbed
		s.Message = "Fetching release information"
	})
	return fsm.NewResponse(orNew(req.W.Msg)), nil
}

// handleFetch retrieves and parses the latest release document
func (e *Engine) handleFetch(ctx context.Context, req *fsm.Request[checkRequest, checkResponse]) (*fsm.Response[checkResponse], error) {
	t, err := e.flow(req.Msg.FlowID)
	if err != nil {
		return nil, fsm.Abort(err)
	}
	slog.Info("fsm_state_fetch", "flow_id", t.id, "repo", req.Msg.Repo)

	if err := e.checkpoint(t, stateFetch); err != nil {
		return nil, t.abort(err)
	}
	desc, err := e.source.Fetch(ctx, req.Msg.Repo, t.workDir, t.cancelled.Load)
	if err != nil {
		slog.Error("release_lookup_failed", "flow_id", t.id, "repo", req.Msg.Repo, "error", err)
		return nil, t.abort(err)
	}
	t.setRelease(desc, false)

	resp := orNew(req.W.Msg)
	resp.Tag = desc.TagName
	resp.AssetURL = desc.AssetURL

	e.status.update(func(s *Status) {
		s.Progress = checkFetched
		s.Message = "Comparing versions"
	})
	return fsm.NewResponse(resp), nil
}

// handleCompare decides whether the release is newer than the installed version
func (e *Engine) handleCompare(ctx context.Context, req *fsm.Request[checkRequest, checkResponse]) (*fsm.Response[checkResponse], error) {
	t, err := e.flow(req.Msg.FlowID)
	if err != nil {
		return nil, fsm.Abort(err)
	}
	slog.Info("fsm_state_compare", "flow_id", t.id)

	if err := e.checkpoint(t, stateCompare); err != nil {
		return nil, t.abort(err)
	}
	desc, _ := t.found()
	if desc == nil {
		return nil, t.abort(errors.Newf(errors.KindParse, stateCompare, "no release recorded for flow %s", t.id))
	}

	available := version.IsNewer(desc.TagName, e.version)
	t.setRelease(desc, available)
	slog.Info("version_compared", "flow_id", t.id, "current", e.version, "latest", desc.TagName, "update_available", available)

	resp := orNew(req.W.Msg)
	resp.Available = available
	return fsm.NewResponse(resp), nil
}

// handleDownload fetches the release asset into the flow's work dir
func (e *Engine) handleDownload(ctx context.Context, req *fsm.Request[applyRequest, applyResponse]) (*fsm.Response[applyResponse], error) {
	t, err := e.flow(req.Msg.FlowID)
	if err != nil {
		return nil, fsm.Abort(err)
	}
	slog.Info("fsm_state_download", "flow_id", t.id, "tag", req.Msg.Tag)

	if err := e.checkpoint(t, stateDownload); err != nil {
		return nil, t.abort(err)
	}

	localPath := filepath.Join(t.workDir, archiveName(req.Msg.AssetURL))
	result, err := e.downloader.Download(ctx, req.Msg.AssetURL, localPath,
		storage.WithAccept("application/octet-stream"),
		storage.WithCancel(t.cancelled.Load),
		storage.WithProgress(func(written, total int64) {
			e.status.update(func(s *Status) {
				s.Progress = band(0, applyDownloaded, written, total)
			})
		}),
	)
	if err != nil {
		slog.Error("download_failed", "flow_id", t.id, "error", err)
		return nil, t.abort(err)
	}

	t.record(func(r *applyResponse) {
		r.ArchivePath = result.LocalPath
		r.SHA256 = result.SHA256
		r.Size = result.Size
	})
	resp := orNew(req.W.Msg)
	resp.ArchivePath = result.LocalPath
	resp.SHA256 = result.SHA256
	resp.Size = result.Size

	e.status.update(func(s *Status) {
		s.Progress = applyDownloaded
	})
	return fsm.NewResponse(resp), nil
}

// handleExtract unpacks the archive into a staging tree and locates the
// directory holding the launcher
func (e *Engine) handleExtract(ctx context.Context, req *fsm.Request[applyRequest, applyResponse]) (*fsm.Response[applyResponse], error) {
	t, err := e.flow(req.Msg.FlowID)
	if err != nil {
		return nil, fsm.Abort(err)
	}
	slog.Info("fsm_state_extract", "flow_id", t.id)

	if err := e.checkpoint(t, stateExtract); err != nil {
		return nil, t.abort(err)
	}
	e.status.update(func(s *Status) {
		s.State = StateExtracting
		s.Message = "Extracting update"
	})

	staging := filepath.Join(t.workDir, "staging")
	res, err := e.unpacker.Unpack(t.applied().ArchivePath, staging, func(done, total int) {
		e.status.update(func(s *Status) {
			s.Progress = band(applyDownloaded, applyExtracted, int64(done), int64(total))
		})
	})
	if err != nil {
		slog.Error("extraction_failed", "flow_id", t.id, "error", err)
		return nil, t.abort(err)
	}

	root, err := installer.FindRoot(staging, e.cfg.Launcher)
	if err != nil {
		slog.Error("launcher_missing", "flow_id", t.id, "launcher", e.cfg.Launcher, "skipped_entries", res.Skipped)
		return nil, t.abort(err)
	}

	t.record(func(r *applyResponse) { r.SourceRoot = root })
	resp := orNew(req.W.Msg)
	resp.SourceRoot = root

	e.status.update(func(s *Status) {
		s.Progress = applyExtracted
	})
	return fsm.NewResponse(resp), nil
}

// handleApply mirrors the staging tree onto the install root
func (e *Engine) handleApply(ctx context.Context, req *fsm.Request[applyRequest, applyResponse]) (*fsm.Response[applyResponse], error) {
	t, err := e.flow(req.Msg.FlowID)
	if err != nil {
		return nil, fsm.Abort(err)
	}
	slog.Info("fsm_state_apply", "flow_id", t.id, "install_root", e.installRoot)

	if err := e.checkpoint(t, stateApply); err != nil {
		return nil, t.abort(err)
	}
	e.status.update(func(s *Status) {
		s.State = StateApplying
		s.Message = "Installing update"
	})

	report, err := mirror.Mirror(t.applied().SourceRoot, e.installRoot, mirror.Options{Preserve: e.preserve})
	if err != nil {
		slog.Error("mirror_failed", "flow_id", t.id, "error", err)
		return nil, t.abort(err)
	}
	for _, f := range report.Failures {
		slog.Warn("mirror_entry_failed", "flow_id", t.id, "path", f.Path, "op", f.Op, "error", f.Err)
	}

	launcher := filepath.Join(e.installRoot, e.cfg.Launcher)
	if err := installer.MakeExecutable(launcher); err != nil {
		slog.Warn("launcher_chmod_failed", "flow_id", t.id, "path", launcher, "error", err)
	}

	t.record(func(r *applyResponse) {
		r.FilesCopied = report.FilesCopied
		r.Removed = report.Removed
		r.Failures = len(report.Failures)
	})
	resp := orNew(req.W.Msg)
	resp.FilesCopied = report.FilesCopied
	resp.Removed = report.Removed
	resp.Failures = len(report.Failures)

	e.status.update(func(s *Status) {
		s.Progress = applyMirrored
	})
	return fsm.NewResponse(resp), nil
}

// handleFinalize persists the version marker and flushes the filesystem
func (e *Engine) handleFinalize(ctx context.Context, req *fsm.Request[applyRequest, applyResponse]) (*fsm.Response[applyResponse], error) {
	t, err := e.flow(req.Msg.FlowID)
	if err != nil {
		return nil, fsm.Abort(err)
	}
	slog.Info("fsm_state_finalize", "flow_id", t.id, "tag", req.Msg.Tag)

	// The install root already holds the new tree; a cancel this late is
	// ignored so the marker always matches it.
	e.enterState(stateFinalize)

	markerPath := filepath.Join(e.installRoot, e.cfg.VersionFile)
	if err := writeMarker(markerPath, req.Msg.Tag); err != nil {
		slog.Error("version_marker_write_failed", "flow_id", t.id, "path", markerPath, "error", err)
		return nil, t.abort(err)
	}
	installer.FlushFilesystem()

	e.status.update(func(s *Status) {
		s.Progress = progressDone
	})
	return fsm.NewResponse(orNew(req.W.Msg)), nil
}

// archiveName picks the local file name for an asset URL, keeping the
// extension the installer dispatches on.
func archiveName(raw string) string {
	p := raw
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		p = u.Path
	}
	name := path.Base(p)
	if name == "." || name == "/" || name == "" || strings.ContainsAny(name, `\:`) {
		return "release.zip"
	}
	return name
}
