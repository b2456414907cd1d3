// Package release finds the newest published release of a repository and
// the download URL of its package asset.
//
// The release document is fetched into a temporary file, validated against
// an embedded JSON schema and decoded structurally; no field is extracted by
// text matching.
package release

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/fly-io/pkgupdate/pkg/errors"
	"github.com/fly-io/pkgupdate/pkg/storage"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// maxDocumentBytes bounds the release document read into memory.
const maxDocumentBytes = 10 << 20

//go:embed release.schema.json
var schemaJSON []byte

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

// Descriptor is the part of a release the update flow needs.
type Descriptor struct {
	TagName   string
	Body      string
	AssetURL  string
	AssetName string
	HTMLURL   string
}

type githubRelease struct {
	TagName string        `json:"tag_name"`
	Body    *string       `json:"body"`
	HTMLURL string        `json:"html_url"`
	Assets  []githubAsset `json:"assets"`
}

type githubAsset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
}

// Getter downloads a URL to a local path. *storage.Downloader implements it.
type Getter interface {
	Download(ctx context.Context, url, localPath string, opts ...storage.Option) (*storage.DownloadResult, error)
}

// Config holds the fetcher settings.
type Config struct {
	APIBase     string
	Token       string
	AssetSuffix string
	AssetMirror string
	ProbeHosts  []string
	MaxNotes    int
}

// Fetcher resolves the latest release of a repository.
type Fetcher struct {
	cfg    Config
	getter Getter
	prober Prober
}

// NewFetcher creates a fetcher.
func NewFetcher(cfg Config, getter Getter, prober Prober) *Fetcher {
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.github.com"
	}
	return &Fetcher{cfg: cfg, getter: getter, prober: prober}
}

// Probe checks network reachability against the configured hosts.
func (f *Fetcher) Probe(ctx context.Context) error {
	return ProbeHosts(ctx, f.prober, f.cfg.ProbeHosts)
}

// FetchLatest probes the network and then resolves the latest release.
// workDir receives the temporary release document.
func (f *Fetcher) FetchLatest(ctx context.Context, repo, workDir string) (*Descriptor, error) {
	if err := f.Probe(ctx); err != nil {
		return nil, err
	}
	return f.Fetch(ctx, repo, workDir, nil)
}

// Fetch downloads the latest-release document of repo into workDir, parses
// it and removes it again before returning.
func (f *Fetcher) Fetch(ctx context.Context, repo, workDir string, cancelled func() bool) (*Descriptor, error) {
	if strings.Count(repo, "/") != 1 || strings.HasPrefix(repo, "/") || strings.HasSuffix(repo, "/") {
		return nil, errors.Newf(errors.KindParse, "fetch release", "repository must be owner/name, got %q", repo)
	}

	tmp, err := os.CreateTemp(workDir, "release-*.json")
	if err != nil {
		return nil, errors.New(errors.KindIO, "create release document", err)
	}
	docPath := tmp.Name()
	tmp.Close()
	defer os.Remove(docPath)

	url := fmt.Sprintf("%s/repos/%s/releases/latest", f.cfg.APIBase, repo)
	slog.Info("release_fetch_started", "repo", repo, "url", url)

	opts := []storage.Option{storage.WithAccept("application/vnd.github+json")}
	if f.cfg.Token != "" {
		opts = append(opts, storage.WithBearerToken(f.cfg.Token))
	}
	if cancelled != nil {
		opts = append(opts, storage.WithCancel(cancelled))
	}
	if _, err := f.getter.Download(ctx, url, docPath, opts...); err != nil {
		slog.Error("release_fetch_failed", "repo", repo, "error", err)
		return nil, err
	}

	desc, err := f.ParseFile(docPath)
	if err != nil {
		slog.Error("release_parse_failed", "repo", repo, "error", err)
		return nil, err
	}

	slog.Info("release_fetched", "repo", repo, "tag", desc.TagName, "asset", desc.AssetName)
	return desc, nil
}

// ParseFile reads a release document from disk.
func (f *Fetcher) ParseFile(docPath string) (*Descriptor, error) {
	fh, err := os.Open(docPath)
	if err != nil {
		return nil, errors.New(errors.KindIO, "open release document", err)
	}
	defer fh.Close()

	data, err := io.ReadAll(io.LimitReader(fh, maxDocumentBytes+1))
	if err != nil {
		return nil, errors.New(errors.KindIO, "read release document", err)
	}
	if len(data) > maxDocumentBytes {
		return nil, errors.Newf(errors.KindParse, "read release document", "document exceeds %d bytes", maxDocumentBytes)
	}
	return f.Parse(data)
}

// Parse validates and decodes a release document.
func (f *Fetcher) Parse(data []byte) (*Descriptor, error) {
	sch, err := compiledSchema()
	if err != nil {
		return nil, errors.New(errors.KindParse, "compile release schema", err)
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, errors.New(errors.KindParse, "decode release document", err)
	}
	if err := sch.Validate(inst); err != nil {
		return nil, errors.New(errors.KindParse, "validate release document", err)
	}

	var rel githubRelease
	if err := json.Unmarshal(data, &rel); err != nil {
		return nil, errors.New(errors.KindParse, "decode release document", err)
	}

	tag := strings.TrimSpace(rel.TagName)
	if tag == "" {
		return nil, errors.Newf(errors.KindParse, "decode release document", "tag_name is empty")
	}

	asset, ok := f.selectAsset(rel.Assets)
	if !ok {
		return nil, errors.Newf(errors.KindAssetNotFound, "select asset", "no asset URL ends with %q in release %s", f.cfg.AssetSuffix, tag)
	}

	body := ""
	if rel.Body != nil {
		body = *rel.Body
	}

	desc := &Descriptor{
		TagName:   tag,
		Body:      TruncateNotes(body, f.cfg.MaxNotes),
		AssetURL:  asset.BrowserDownloadURL,
		AssetName: asset.Name,
		HTMLURL:   rel.HTMLURL,
	}
	if desc.AssetName == "" {
		desc.AssetName = path.Base(asset.BrowserDownloadURL)
	}
	if f.cfg.AssetMirror != "" {
		desc.AssetURL = strings.TrimRight(f.cfg.AssetMirror, "/") + "/" + tag + "/" + desc.AssetName
	}
	return desc, nil
}

func (f *Fetcher) selectAsset(assets []githubAsset) (githubAsset, bool) {
	if f.cfg.AssetSuffix == "" {
		return githubAsset{}, false
	}
	for _, a := range assets {
		if a.BrowserDownloadURL != "" && strings.HasSuffix(a.BrowserDownloadURL, f.cfg.AssetSuffix) {
			return a, true
		}
	}
	return githubAsset{}, false
}

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
		if err != nil {
			schemaErr = err
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("release.schema.json", doc); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = c.Compile("release.schema.json")
	})
	return schema, schemaErr
}

// TruncateNotes cuts s to at most max bytes without splitting a UTF-8
// sequence. max <= 0 disables the bound.
func TruncateNotes(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
