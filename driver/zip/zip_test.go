package zip

import (
	"archive/zip"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gobeaver/storekit"
	"github.com/gobeaver/storekit/storetest"
)

// createTestZip writes files into a new archive. Names ending in "/" are
// stored as directory entries; names starting with "stored:" skip
// compression.
func createTestZip(t *testing.T, zipPath string, files map[string]string) {
	t.Helper()
	f, err := os.Create(zipPath)
	if err != nil {
		t.Fatalf("failed to create zip: %v", err)
	}
	defer f.Close()

	w := zip.NewWriter(f)
	for name, content := range files {
		method := zip.Deflate
		if rest, ok := strings.CutPrefix(name, "stored:"); ok {
			name, method = rest, zip.Store
		}
		hdr := &zip.FileHeader{Name: name, Method: method, Modified: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
		fw, err := w.CreateHeader(hdr)
		if err != nil {
			t.Fatalf("failed to add %s: %v", name, err)
		}
		if _, err := io.WriteString(fw, content); err != nil {
			t.Fatalf("failed to write %s: %v", name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("failed to finish zip: %v", err)
	}
}

func openTestZip(t *testing.T, root string, files map[string]string) *storekit.Operator {
	t.Helper()
	zipPath := filepath.Join(t.TempDir(), "test.zip")
	createTestZip(t, zipPath, files)

	a, err := Open(Config{Path: zipPath, Root: root})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return storekit.NewOperator(a, nil)
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) *storekit.Operator {
		return openTestZip(t, "", map[string]string{"placeholder.txt": "x"})
	})
}

func TestOpen(t *testing.T) {
	t.Run("fails for non-existent file", func(t *testing.T) {
		_, err := storekit.NewBuilder(Scheme, map[string]string{"path": filepath.Join(t.TempDir(), "nonexistent.zip")})
		if storekit.KindOf(err) != storekit.KindConfigInvalid {
			t.Errorf("expected ConfigInvalid, got %v", err)
		}
	})

	t.Run("fails for a file that is not a zip", func(t *testing.T) {
		p := filepath.Join(t.TempDir(), "plain.zip")
		if err := os.WriteFile(p, []byte("not a zip"), 0o644); err != nil {
			t.Fatal(err)
		}
		_, err := Open(Config{Path: p})
		if storekit.KindOf(err) != storekit.KindConfigInvalid {
			t.Errorf("expected ConfigInvalid, got %v", err)
		}
	})
}

func TestReadOnly(t *testing.T) {
	op := openTestZip(t, "", map[string]string{"file1.txt": "content1"})

	err := op.Write(context.Background(), "new.txt", []byte("x"))
	if !storekit.IsUnsupported(err) {
		t.Errorf("expected Unsupported, got %v", err)
	}
	if err := op.Delete(context.Background(), "file1.txt"); !storekit.IsUnsupported(err) {
		t.Errorf("expected Unsupported, got %v", err)
	}
}

func TestRead(t *testing.T) {
	ctx := context.Background()
	op := openTestZip(t, "", map[string]string{
		"deflated.txt":      "0123456789",
		"stored:stored.txt": "abcdefghij",
	})

	tests := []struct {
		path string
		rng  storekit.Range
		want string
	}{
		{"deflated.txt", storekit.Range{}, "0123456789"},
		{"deflated.txt", storekit.Range{Offset: 3, Length: 4}, "3456"},
		{"deflated.txt", storekit.Range{Offset: 8}, "89"},
		{"stored.txt", storekit.Range{Offset: 2, Length: 3}, "cde"},
		{"stored.txt", storekit.Range{Offset: 9}, "j"},
	}
	for _, tt := range tests {
		data, err := op.ReadRange(ctx, tt.path, tt.rng)
		if err != nil {
			t.Fatalf("read %s %+v: %v", tt.path, tt.rng, err)
		}
		if string(data) != tt.want {
			t.Errorf("read %s %+v = %q, want %q", tt.path, tt.rng, data, tt.want)
		}
	}

	if _, err := op.Read(ctx, "missing.txt"); !storekit.IsNotFound(err) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestStat(t *testing.T) {
	ctx := context.Background()
	op := openTestZip(t, "", map[string]string{
		"docs/readme.md": "# hello",
		"empty/":         "",
	})

	meta, err := op.Stat(ctx, "docs/readme.md")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !meta.IsFile() || meta.SizeOr(0) != 7 {
		t.Errorf("unexpected metadata %+v", meta)
	}
	if meta.ETag == "" {
		t.Error("expected crc32 etag")
	}
	if meta.LastModified == nil || meta.LastModified.Year() != 2024 {
		t.Errorf("unexpected mtime %v", meta.LastModified)
	}

	for _, p := range []string{"docs/", "docs", "empty/", "/"} {
		meta, err := op.Stat(ctx, p)
		if err != nil {
			t.Fatalf("stat %s: %v", p, err)
		}
		if !meta.IsDir() {
			t.Errorf("expected %s to be a directory", p)
		}
	}
}

func TestList(t *testing.T) {
	ctx := context.Background()
	op := openTestZip(t, "", map[string]string{
		"a.txt":         "a",
		"dir/b.txt":     "b",
		"dir/sub/c.txt": "c",
	})

	entries, err := op.ListAll(ctx, "dir/")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := names(entries)
	want := []string{"dir/b.txt", "dir/sub/"}
	if !equal(got, want) {
		t.Errorf("list = %v, want %v", got, want)
	}

	entries, err = op.ScanAll(ctx, "/")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got = names(entries)
	want = []string{"a.txt", "dir/", "dir/b.txt", "dir/sub/", "dir/sub/c.txt"}
	if !equal(got, want) {
		t.Errorf("scan = %v, want %v", got, want)
	}

	if _, err := op.ListAll(ctx, "a.txt"); storekit.KindOf(err) != storekit.KindNotADirectory {
		t.Errorf("expected NotADirectory, got %v", err)
	}
}

func TestRoot(t *testing.T) {
	ctx := context.Background()
	op := openTestZip(t, "/site/", map[string]string{
		"site/index.html": "<html>",
		"other.txt":       "hidden",
	})

	entries, err := op.ListAll(ctx, "/")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := names(entries); !equal(got, []string{"index.html"}) {
		t.Errorf("list = %v", got)
	}
	if _, err := op.Stat(ctx, "other.txt"); !storekit.IsNotFound(err) {
		t.Errorf("expected NotFound outside root, got %v", err)
	}
}

func TestUnsafeNamesAreSkipped(t *testing.T) {
	op := openTestZip(t, "", map[string]string{
		"../escape.txt": "x",
		"ok.txt":        "y",
	})
	entries, err := op.ScanAll(context.Background(), "/")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := names(entries); !equal(got, []string{"ok.txt"}) {
		t.Errorf("scan = %v", got)
	}
}

func names(entries []storekit.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Path
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
