// Package storage fetches release documents and artifacts to local files,
// from HTTP(S) endpoints or S3 buckets.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/fly-io/pkgupdate/pkg/errors"
)

const copyChunkSize = 64 * 1024

// ObjectOpener reads objects from a bucket. *Client implements it.
type ObjectOpener interface {
	Open(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error)
}

// DownloadResult contains download metadata
type DownloadResult struct {
	LocalPath string
	SHA256    string
	Size      int64
}

type downloadOptions struct {
	accept    string
	token     string
	cancelled func() bool
	progress  func(written, total int64)
}

// Option configures a single Download call.
type Option func(*downloadOptions)

// WithAccept sets the Accept header on HTTP requests.
func WithAccept(accept string) Option {
	return func(o *downloadOptions) { o.accept = accept }
}

// WithBearerToken authenticates HTTP requests.
func WithBearerToken(token string) Option {
	return func(o *downloadOptions) { o.token = token }
}

// WithCancel installs a cancellation check consulted before the request is
// issued and after every copied chunk.
func WithCancel(cancelled func() bool) Option {
	return func(o *downloadOptions) { o.cancelled = cancelled }
}

// WithProgress reports bytes written and the expected total (-1 if unknown).
func WithProgress(fn func(written, total int64)) Option {
	return func(o *downloadOptions) { o.progress = fn }
}

// Downloader retrieves a URL into a local file. There is no resume and no
// checksum verification; the SHA256 is computed for the record only.
type Downloader struct {
	httpClient *http.Client
	userAgent  string
	s3Region   string

	mu       sync.Mutex
	s3Opener ObjectOpener
}

// NewDownloader creates a downloader. S3 access is set up on first use of an
// s3:// URL unless an opener is injected with WithObjectOpener.
func NewDownloader(httpClient *http.Client, userAgent, s3Region string) *Downloader {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Downloader{
		httpClient: httpClient,
		userAgent:  userAgent,
		s3Region:   s3Region,
	}
}

// WithObjectOpener replaces the lazily created S3 client.
func (d *Downloader) WithObjectOpener(o ObjectOpener) *Downloader {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.s3Opener = o
	return d
}

// Download fetches rawURL into localPath. The parent directory must exist.
func (d *Downloader) Download(ctx context.Context, rawURL, localPath string, opts ...Option) (*DownloadResult, error) {
	var o downloadOptions
	for _, opt := range opts {
		opt(&o)
	}

	if o.cancelled != nil && o.cancelled() {
		slog.Info("download_cancelled_before_request", "url", redact(rawURL))
		return nil, errors.New(errors.KindCancelled, "download", nil)
	}

	slog.Info("download_start", "url", redact(rawURL), "local_path", localPath)

	body, total, err := d.open(ctx, rawURL, &o)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	f, err := os.Create(localPath)
	if err != nil {
		slog.Error("local_file_creation_failed", "path", localPath, "error", err)
		return nil, errors.New(errors.KindIO, "create download file", err)
	}

	result, err := copyWithChecks(f, body, total, &o)
	closeErr := f.Close()
	if err == nil && closeErr != nil {
		err = errors.New(errors.KindIO, "close download file", closeErr)
	}
	if err != nil {
		os.Remove(localPath)
		return nil, err
	}
	result.LocalPath = localPath

	slog.Info("download_complete",
		"url", redact(rawURL),
		"size_kb", result.Size/1024,
		"local_path", localPath,
		"sha256", result.SHA256[:16]+"...",
	)
	return result, nil
}

func (d *Downloader) open(ctx context.Context, rawURL string, o *downloadOptions) (io.ReadCloser, int64, error) {
	if strings.HasPrefix(rawURL, "s3://") {
		bucket, key, err := ParseS3URL(rawURL)
		if err != nil {
			return nil, 0, errors.New(errors.KindNetwork, "download", err)
		}
		opener, err := d.objectOpener(ctx)
		if err != nil {
			return nil, 0, errors.New(errors.KindNetwork, "download", err)
		}
		body, size, err := opener.Open(ctx, bucket, key)
		if err != nil {
			return nil, 0, errors.New(errors.KindNetwork, "download", err)
		}
		return body, size, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, http.NoBody)
	if err != nil {
		return nil, 0, errors.New(errors.KindNetwork, "build request", err)
	}
	if d.userAgent != "" {
		req.Header.Set("User-Agent", d.userAgent)
	}
	if o.accept != "" {
		req.Header.Set("Accept", o.accept)
	}
	if o.token != "" {
		req.Header.Set("Authorization", "Bearer "+o.token)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		slog.Error("http_request_failed", "url", redact(rawURL), "error", err)
		return nil, 0, errors.New(errors.KindNetwork, "download", err)
	}
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		slog.Error("http_unexpected_status", "url", redact(rawURL), "status", resp.StatusCode)
		return nil, 0, errors.Newf(errors.KindNetwork, "download", "status %d from %s: %s",
			resp.StatusCode, redact(rawURL), strings.TrimSpace(string(snippet)))
	}

	return resp.Body, resp.ContentLength, nil
}

func (d *Downloader) objectOpener(ctx context.Context) (ObjectOpener, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.s3Opener != nil {
		return d.s3Opener, nil
	}
	c, err := NewClient(ctx, d.s3Region)
	if err != nil {
		return nil, err
	}
	d.s3Opener = c
	return c, nil
}

// copyWithChecks copies in fixed chunks so cancellation is noticed between
// chunks, hashing as it goes.
func copyWithChecks(dst io.Writer, src io.Reader, total int64, o *downloadOptions) (*DownloadResult, error) {
	hash := sha256.New()
	w := io.MultiWriter(dst, hash)
	buf := make([]byte, copyChunkSize)

	var written int64
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return nil, errors.New(errors.KindIO, "write download file", err)
			}
			written += int64(n)
			if o.progress != nil {
				o.progress(written, total)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, errors.New(errors.KindNetwork, "read response", readErr)
		}
		if o.cancelled != nil && o.cancelled() {
			return nil, errors.New(errors.KindCancelled, "download", nil)
		}
	}

	if total >= 0 && written != total {
		return nil, errors.Newf(errors.KindNetwork, "download", "short body: got %d of %d bytes", written, total)
	}

	return &DownloadResult{
		SHA256: hex.EncodeToString(hash.Sum(nil)),
		Size:   written,
	}, nil
}

// redact drops query strings, which may carry signed credentials.
func redact(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		return raw[:i] + "?" + fmt.Sprintf("<%d bytes redacted>", len(raw)-i-1)
	}
	return raw
}
