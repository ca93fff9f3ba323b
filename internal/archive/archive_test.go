package archive

import (
	"archive/zip"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func buildZip(t *testing.T, entries map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bundle.zip")
	out, err := os.Create(path)
	if err != nil {
		t.Fatalf("create zip: %v", err)
	}
	zw := zip.NewWriter(out)
	for name, body := range entries {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip entry: %v", err)
		}
		if _, err := w.Write([]byte(body)); err != nil {
			t.Fatalf("zip write: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	if err := out.Close(); err != nil {
		t.Fatalf("file close: %v", err)
	}
	return path
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func TestExtractFlattensSingleRoot(t *testing.T) {
	zipPath := buildZip(t, map[string]string{
		"sd-master-bin/sd-cli":      "binary",
		"sd-master-bin/lib/ggml.so": "lib",
		"sd-master-bin/README.md":   "docs",
	})
	dest := filepath.Join(t.TempDir(), "cuda")

	res, err := Extract(zipPath, dest)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if !res.Flatten || res.Files != 3 {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := readFile(t, filepath.Join(dest, "sd-cli")); got != "binary" {
		t.Fatalf("unexpected sd-cli content %q", got)
	}
	if got := readFile(t, filepath.Join(dest, "lib", "ggml.so")); got != "lib" {
		t.Fatalf("unexpected lib content %q", got)
	}

	entries, _ := os.ReadDir(dest)
	for _, e := range entries {
		if e.Name() == "sd-master-bin" || strings.HasPrefix(e.Name(), ".extract-") {
			t.Fatalf("unexpected leftover %s", e.Name())
		}
	}
}

func TestExtractFlatArchiveReplacesExisting(t *testing.T) {
	dest := t.TempDir()
	if err := os.WriteFile(filepath.Join(dest, "sd-cli"), []byte("old"), 0o600); err != nil {
		t.Fatalf("seed: %v", err)
	}
	zipPath := buildZip(t, map[string]string{"sd-cli": "new", "ggml.dll": "dll"})

	res, err := Extract(zipPath, dest)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if res.Flatten {
		t.Fatalf("flat archive must not be flattened")
	}
	if got := readFile(t, filepath.Join(dest, "sd-cli")); got != "new" {
		t.Fatalf("expected replaced file, got %q", got)
	}
}

func TestExtractRejectsTraversal(t *testing.T) {
	zipPath := buildZip(t, map[string]string{"../evil.txt": "x"})
	_, err := Extract(zipPath, t.TempDir())
	if !errors.Is(err, ErrUnsafePath) {
		t.Fatalf("expected ErrUnsafePath, got %v", err)
	}
}

func TestSafeJoin(t *testing.T) {
	cases := []struct {
		name string
		ok   bool
	}{
		{"bin/sd-cli", true},
		{"./a/../b", true},
		{"../x", false},
		{"a/../../x", false},
	}
	for _, c := range cases {
		_, err := safeJoin("/dest", c.name)
		if (err == nil) != c.ok {
			t.Fatalf("safeJoin(%q) err=%v want ok=%v", c.name, err, c.ok)
		}
	}
}
