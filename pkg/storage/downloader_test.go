package storage

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/fly-io/pkgupdate/pkg/errors"
)

func TestDownload_HTTP(t *testing.T) {
	payload := bytes.Repeat([]byte("pkg"), 100000)
	var gotAccept, gotAuth, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAccept = r.Header.Get("Accept")
		gotAuth = r.Header.Get("Authorization")
		gotUA = r.Header.Get("User-Agent")
		w.Write(payload)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "App.zip")
	var lastWritten int64
	d := NewDownloader(srv.Client(), "pkgupdate/test", "us-east-1")
	res, err := d.Download(context.Background(), srv.URL+"/App.zip", dest,
		WithAccept("application/octet-stream"),
		WithBearerToken("tok"),
		WithProgress(func(written, total int64) { lastWritten = written }),
	)
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}

	if res.Size != int64(len(payload)) || lastWritten != res.Size {
		t.Errorf("size = %d, progress = %d, want %d", res.Size, lastWritten, len(payload))
	}
	if len(res.SHA256) != 64 {
		t.Errorf("unexpected digest %q", res.SHA256)
	}
	data, _ := os.ReadFile(dest)
	if !bytes.Equal(data, payload) {
		t.Error("downloaded content mismatch")
	}
	if gotAccept != "application/octet-stream" || gotAuth != "Bearer tok" || gotUA != "pkgupdate/test" {
		t.Errorf("unexpected headers: accept=%q auth=%q ua=%q", gotAccept, gotAuth, gotUA)
	}
}

func TestDownload_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not here", http.StatusNotFound)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "App.zip")
	_, err := NewDownloader(srv.Client(), "", "").Download(context.Background(), srv.URL, dest)
	if !errors.Is(err, errors.ErrNetwork) {
		t.Errorf("expected network error, got %v", err)
	}
	if _, statErr := os.Stat(dest); !os.IsNotExist(statErr) {
		t.Error("no file should be left behind on failure")
	}
}

func TestDownload_CancelledBeforeRequest(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	_, err := NewDownloader(srv.Client(), "", "").Download(context.Background(), srv.URL,
		filepath.Join(t.TempDir(), "x"), WithCancel(func() bool { return true }))
	if !errors.Is(err, errors.ErrCancelled) {
		t.Errorf("expected cancelled error, got %v", err)
	}
	if atomic.LoadInt32(&hits) != 0 {
		t.Error("request must not be issued after cancellation")
	}
}

func TestDownload_CancelledMidStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(bytes.Repeat([]byte("x"), 4*copyChunkSize))
	}))
	defer srv.Close()

	var cancel atomic.Bool
	dest := filepath.Join(t.TempDir(), "x")
	_, err := NewDownloader(srv.Client(), "", "").Download(context.Background(), srv.URL, dest,
		WithCancel(cancel.Load),
		WithProgress(func(written, total int64) { cancel.Store(true) }),
	)
	if !errors.Is(err, errors.ErrCancelled) {
		t.Errorf("expected cancelled error, got %v", err)
	}
	if _, statErr := os.Stat(dest); !os.IsNotExist(statErr) {
		t.Error("partial download should be removed")
	}
}

type fakeOpener struct {
	bucket, key string
	body        []byte
}

func (f *fakeOpener) Open(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error) {
	f.bucket, f.key = bucket, key
	return io.NopCloser(bytes.NewReader(f.body)), int64(len(f.body)), nil
}

func TestDownload_S3(t *testing.T) {
	opener := &fakeOpener{body: []byte("zipdata")}
	d := NewDownloader(nil, "", "us-east-1").WithObjectOpener(opener)

	dest := filepath.Join(t.TempDir(), "App.zip")
	res, err := d.Download(context.Background(), "s3://releases/v1.2.0/App.zip", dest)
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if opener.bucket != "releases" || opener.key != "v1.2.0/App.zip" {
		t.Errorf("opened %s/%s", opener.bucket, opener.key)
	}
	if res.Size != 7 {
		t.Errorf("size = %d, want 7", res.Size)
	}
}

func TestParseS3URL(t *testing.T) {
	tests := []struct {
		raw       string
		bucket    string
		key       string
		shouldErr bool
	}{
		{"s3://bucket/a/b.zip", "bucket", "a/b.zip", false},
		{"s3://bucket/", "", "", true},
		{"https://bucket/a", "", "", true},
		{"s3:///a", "", "", true},
	}
	for _, tt := range tests {
		bucket, key, err := ParseS3URL(tt.raw)
		if tt.shouldErr {
			if err == nil {
				t.Errorf("expected error for %s", tt.raw)
			}
			continue
		}
		if err != nil || bucket != tt.bucket || key != tt.key {
			t.Errorf("ParseS3URL(%s) = %s, %s, %v", tt.raw, bucket, key, err)
		}
	}
}

func TestRedact(t *testing.T) {
	if got := redact("https://x/y?sig=abc"); got != "https://x/y?<7 bytes redacted>" {
		t.Errorf("redact = %q", got)
	}
	if got := redact("https://x/y"); got != "https://x/y" {
		t.Errorf("redact = %q", got)
	}
}
