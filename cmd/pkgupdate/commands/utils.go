package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/fly-io/pkgupdate/internal/config"
	"github.com/fly-io/pkgupdate/pkg/db"
	"github.com/fly-io/pkgupdate/pkg/errors"
	"github.com/fly-io/pkgupdate/pkg/installer"
	"github.com/fly-io/pkgupdate/pkg/release"
	"github.com/fly-io/pkgupdate/pkg/security"
	"github.com/fly-io/pkgupdate/pkg/storage"
	"github.com/fly-io/pkgupdate/pkg/updater"
)

const userAgent = "pkgupdate"

// resolvePaths returns the absolute install root and state dir.
func resolvePaths(cfg *config.Config) (installRoot, stateDir string, err error) {
	installRoot, err = filepath.Abs(cfg.InstallRoot)
	if err != nil {
		return "", "", errors.Wrap(err, "failed to resolve install root")
	}
	stateDir = cfg.StateDir
	if stateDir == "" {
		stateDir = updater.DefaultStateDir(installRoot)
	}
	stateDir, err = filepath.Abs(stateDir)
	if err != nil {
		return "", "", errors.Wrap(err, "failed to resolve state dir")
	}
	return installRoot, stateDir, nil
}

// historyPath is the SQLite database recording flows.
func historyPath(stateDir string) string {
	return filepath.Join(stateDir, "history.db")
}

// openHistory opens the history database, creating the state dir.
func openHistory(stateDir string) (*db.Repository, error) {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create state directory")
	}
	repo, err := db.NewRepository(historyPath(stateDir))
	if err != nil {
		return nil, errors.Wrap(err, "db init failed")
	}
	return repo, nil
}

// buildEngine wires the release source, downloader and installer into an
// initialized engine. The caller shuts the engine down and closes the
// returned repository.
func buildEngine(ctx context.Context, cfg *config.Config) (*updater.Engine, *db.Repository, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, errors.Wrap(err, "config invalid")
	}

	installRoot, stateDir, err := resolvePaths(cfg)
	if err != nil {
		return nil, nil, err
	}

	repo, err := openHistory(stateDir)
	if err != nil {
		return nil, nil, err
	}

	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: cfg.HTTPTimeout,
		},
	}
	downloader := storage.NewDownloader(httpClient, userAgent, cfg.S3Region)

	fetcher := release.NewFetcher(release.Config{
		APIBase:     cfg.APIBase,
		Token:       cfg.GitHubToken,
		AssetSuffix: cfg.AssetSuffix,
		AssetMirror: cfg.AssetMirror,
		ProbeHosts:  cfg.ProbeHosts,
		MaxNotes:    cfg.MaxReleaseNotes,
	}, downloader, release.DialProber{Timeout: cfg.ProbeTimeout})

	validator := security.NewValidator(cfg.MaxFileSize, cfg.MaxTotalSize, cfg.MaxCompressionRatio)
	unpacker := installer.New(validator, cfg.ExecutableSuffixes)

	engine := updater.New(updater.Config{
		Repo:           cfg.Repo,
		StateDir:       stateDir,
		DefaultVersion: cfg.DefaultVersion,
		VersionFile:    cfg.VersionFile,
		Launcher:       cfg.Launcher,
		Preserve:       cfg.Preserve,
	}, fetcher, downloader, unpacker, repo)

	if err := engine.Init(ctx, installRoot); err != nil {
		repo.Close()
		return nil, nil, errors.Wrap(err, "updater init failed")
	}
	return engine, repo, nil
}

// closeEngine shuts the engine down and closes the history database.
func closeEngine(engine *updater.Engine, repo *db.Repository) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := engine.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Shutdown: %v\n", err)
	}
	repo.Close()
}
