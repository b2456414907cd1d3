package installer

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/fly-io/pkgupdate/pkg/errors"
	"github.com/fly-io/pkgupdate/pkg/security"
)

type entry struct {
	name string
	body string
}

func writeZip(t *testing.T, path string, entries []entry) {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		w, err := zw.Create(e.name)
		if err != nil {
			t.Fatalf("failed to add %s: %v", e.name, err)
		}
		if _, err := w.Write([]byte(e.body)); err != nil {
			t.Fatalf("failed to write %s: %v", e.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("failed to close zip: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatalf("failed to write zip: %v", err)
	}
}

func newInstaller() *Installer {
	return New(security.NewValidator(1<<20, 1<<24, 1000), []string{".sh", ".ELF"})
}

func TestUnpackZip(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "App.zip")
	writeZip(t, archive, []entry{
		{"assets/", ""},
		{"assets/icons/", ""},
		{"assets/icons/play.png", "png"},
		{"launch.sh", "#!/bin/sh\nexec ./player.elf\n"},
		{"player.elf", "\x7fELF"},
		{"config/defaults.json", "{}"},
	})

	dest := filepath.Join(dir, "staging")
	var lastDone, lastTotal int
	res, err := newInstaller().Unpack(archive, dest, func(done, total int) {
		lastDone, lastTotal = done, total
	})
	if err != nil {
		t.Fatalf("Unpack failed: %v", err)
	}

	if res.Files != 4 || res.Dirs != 2 || res.Skipped != 0 {
		t.Errorf("unexpected result: %+v", res)
	}
	if lastDone != 6 || lastTotal != 6 {
		t.Errorf("progress ended at %d/%d, want 6/6", lastDone, lastTotal)
	}

	for _, name := range []string{"launch.sh", "player.elf"} {
		fi, err := os.Stat(filepath.Join(dest, name))
		if err != nil {
			t.Fatalf("missing %s: %v", name, err)
		}
		if fi.Mode().Perm()&0111 == 0 {
			t.Errorf("%s should be executable, mode %v", name, fi.Mode())
		}
	}

	fi, err := os.Stat(filepath.Join(dest, "config", "defaults.json"))
	if err != nil {
		t.Fatalf("missing nested file: %v", err)
	}
	if fi.Mode().Perm()&0111 != 0 {
		t.Errorf("defaults.json should not be executable, mode %v", fi.Mode())
	}

	data, _ := os.ReadFile(filepath.Join(dest, "assets", "icons", "play.png"))
	if string(data) != "png" {
		t.Errorf("unexpected content: %q", data)
	}
}

func TestUnpackZip_SkipsTraversal(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "evil.zip")
	writeZip(t, archive, []entry{
		{"../escape.txt", "nope"},
		{"launch.sh", "ok"},
	})

	dest := filepath.Join(dir, "staging")
	res, err := newInstaller().Unpack(archive, dest, nil)
	if err != nil {
		t.Fatalf("Unpack failed: %v", err)
	}
	if res.Skipped != 1 || res.Files != 1 {
		t.Errorf("unexpected result: %+v", res)
	}
	if _, err := os.Stat(filepath.Join(dir, "escape.txt")); !os.IsNotExist(err) {
		t.Error("traversal entry must not be written outside the staging dir")
	}
}

func TestUnpackZip_ExistingDirs(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "App.zip")
	writeZip(t, archive, []entry{{"data/", ""}, {"data/x.txt", "x"}})

	dest := filepath.Join(dir, "staging")
	if err := os.MkdirAll(filepath.Join(dest, "data"), 0755); err != nil {
		t.Fatal(err)
	}

	if _, err := newInstaller().Unpack(archive, dest, nil); err != nil {
		t.Fatalf("Unpack over existing dirs failed: %v", err)
	}
	if _, err := newInstaller().Unpack(archive, dest, nil); err != nil {
		t.Fatalf("second Unpack failed: %v", err)
	}
}

func TestUnpack_CorruptArchive(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "broken.zip")
	if err := os.WriteFile(archive, []byte("this is not a zip file"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := newInstaller().Unpack(archive, filepath.Join(dir, "staging"), nil)
	if !errors.Is(err, errors.ErrCorruptArchive) {
		t.Errorf("expected corrupt archive error, got %v", err)
	}

	_, err = newInstaller().Unpack(filepath.Join(dir, "missing.zip"), filepath.Join(dir, "staging"), nil)
	if !errors.Is(err, errors.ErrIO) {
		t.Errorf("expected io error for missing archive, got %v", err)
	}
}

func TestUnpackZip_SkipsStoredEntryWithBadChecksum(t *testing.T) {
	dir := t.TempDir()
	payload := "#!/bin/sh\necho GOOD\n"

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range []string{"launch.sh", "readme.txt"} {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Store})
		if err != nil {
			t.Fatal(err)
		}
		body := payload
		if name == "readme.txt" {
			body = "plain text\n"
		}
		if _, err := w.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}

	data := buf.Bytes()
	at := bytes.Index(data, []byte("GOOD"))
	if at < 0 {
		t.Fatal("stored payload not found in archive")
	}
	data[at+1] = 'B'

	archive := filepath.Join(dir, "App.zip")
	if err := os.WriteFile(archive, data, 0644); err != nil {
		t.Fatal(err)
	}

	dest := filepath.Join(dir, "staging")
	res, err := newInstaller().Unpack(archive, dest, nil)
	if err != nil {
		t.Fatalf("Unpack failed: %v", err)
	}
	if res.Files != 1 || res.Skipped != 1 {
		t.Errorf("result = %+v, want 1 file and 1 skipped", res)
	}
	if _, err := os.Stat(filepath.Join(dest, "launch.sh")); !os.IsNotExist(err) {
		t.Errorf("corrupt entry left in staging tree: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "readme.txt")); err != nil {
		t.Errorf("intact entry missing: %v", err)
	}
}

func TestUnpack_FileTooLarge(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "big.zip")
	writeZip(t, archive, []entry{{"blob.bin", string(make([]byte, 2048))}})

	inst := New(security.NewValidator(1024, 1<<20, 1000), nil)
	_, err := inst.Unpack(archive, filepath.Join(dir, "staging"), nil)
	if !errors.Is(err, errors.ErrCorruptArchive) {
		t.Errorf("expected corrupt archive error for oversized entry, got %v", err)
	}
}

func TestUnpackTarGz(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "App.tar.gz")

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	files := []struct {
		hdr  tar.Header
		body string
	}{
		{tar.Header{Name: "app/", Typeflag: tar.TypeDir, Mode: 0755}, ""},
		{tar.Header{Name: "app/launch.sh", Typeflag: tar.TypeReg, Mode: 0644}, "#!/bin/sh\n"},
		{tar.Header{Name: "app/link", Typeflag: tar.TypeSymlink, Linkname: "launch.sh"}, ""},
	}
	for _, f := range files {
		hdr := f.hdr
		hdr.Size = int64(len(f.body))
		if err := tw.WriteHeader(&hdr); err != nil {
			t.Fatal(err)
		}
		if f.body != "" {
			if _, err := tw.Write([]byte(f.body)); err != nil {
				t.Fatal(err)
			}
		}
	}
	tw.Close()
	gz.Close()
	if err := os.WriteFile(archive, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}

	dest := filepath.Join(dir, "staging")
	res, err := newInstaller().Unpack(archive, dest, nil)
	if err != nil {
		t.Fatalf("Unpack failed: %v", err)
	}
	if res.Files != 1 || res.Dirs != 1 || res.Skipped != 1 {
		t.Errorf("unexpected result: %+v", res)
	}

	fi, err := os.Stat(filepath.Join(dest, "app", "launch.sh"))
	if err != nil {
		t.Fatalf("missing launcher: %v", err)
	}
	if fi.Mode().Perm()&0111 == 0 {
		t.Errorf("launcher should be executable, mode %v", fi.Mode())
	}
}

func TestFindRoot(t *testing.T) {
	t.Run("flat", func(t *testing.T) {
		dir := t.TempDir()
		os.WriteFile(filepath.Join(dir, "launch.sh"), []byte("x"), 0755)

		root, err := FindRoot(dir, "launch.sh")
		if err != nil || root != dir {
			t.Errorf("FindRoot = %q, %v; want %q", root, err, dir)
		}
	})

	t.Run("nested", func(t *testing.T) {
		dir := t.TempDir()
		nested := filepath.Join(dir, "App")
		os.MkdirAll(nested, 0755)
		os.WriteFile(filepath.Join(nested, "launch.sh"), []byte("x"), 0755)

		root, err := FindRoot(dir, "launch.sh")
		if err != nil || root != nested {
			t.Errorf("FindRoot = %q, %v; want %q", root, err, nested)
		}
	})

	t.Run("missing", func(t *testing.T) {
		dir := t.TempDir()
		os.WriteFile(filepath.Join(dir, "readme.txt"), []byte("x"), 0644)

		_, err := FindRoot(dir, "launch.sh")
		if !errors.Is(err, errors.ErrCorruptArchive) {
			t.Errorf("expected corrupt archive error, got %v", err)
		}
	})
}

func TestIsExecutable(t *testing.T) {
	inst := newInstaller()
	tests := map[string]bool{
		"launch.sh":        true,
		"bin/PLAYER.elf":   true,
		"bin/player.ELF":   true,
		"readme.txt":       false,
		"scripts.sh.d/":    false,
		"scripts/start.sh": true,
	}
	for name, want := range tests {
		if got := inst.IsExecutable(name); got != want {
			t.Errorf("IsExecutable(%q) = %v, want %v", name, got, want)
		}
	}
}
