package dataset

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// createTestArchive builds an in-memory zip holding the given name->content
// entries, including one nested path to exercise flattening.
func createTestArchive(t *testing.T, entries map[string]string) []byte {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range entries {
		f, err := w.Create(name)
		if err != nil {
			t.Fatalf("Failed to add %s to archive: %v", name, err)
		}
		if _, err := f.Write([]byte(content)); err != nil {
			t.Fatalf("Failed to write %s: %v", name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Failed to finalize archive: %v", err)
	}
	return buf.Bytes()
}

// newTestCache wires a cache to an httptest server serving the archive and
// records the requested URLs.
func newTestCache(t *testing.T, archive []byte, requests *[]string) *Cache {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests != nil {
			*requests = append(*requests, r.URL.Path)
		}
		w.Write(archive)
	}))
	t.Cleanup(srv.Close)

	c := NewCache(filepath.Join(t.TempDir(), "cache"))
	c.ArchiveURL = srv.URL + "/versions/"
	c.Version = 3
	return c
}

func TestStem(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"template.nii.gz", "template"},
		{"gradients.bval", "gradients"},
		{"study.tar.gz.bak", "study"},
		{"noext", "noext"},
	}
	for _, c := range cases {
		if got := Stem(c.in); got != c.want {
			t.Errorf("Stem(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestFetchUnpacksFlat(t *testing.T) {
	archive := createTestArchive(t, map[string]string{
		"refs/template.nii.gz": "volumedata",
		"table.csv":            "a,b\n1,2\n",
	})

	var requests []string
	c := newTestCache(t, archive, &requests)

	if err := c.Fetch(context.Background()); err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	// Version must be appended to the archive URL.
	if len(requests) != 1 || !strings.HasSuffix(requests[0], "/versions/3") {
		t.Errorf("unexpected request paths: %v", requests)
	}

	// Nested archive entries are flattened into the root.
	for _, name := range []string{"template.nii.gz", "table.csv"} {
		if _, err := os.Stat(filepath.Join(c.Root, name)); err != nil {
			t.Errorf("expected %s in cache root: %v", name, err)
		}
	}

	// The downloaded archive itself must not linger.
	if _, err := os.Stat(filepath.Join(c.Root, archiveName)); !os.IsNotExist(err) {
		t.Error("archive file was not removed after extraction")
	}
}

func TestResolveFetchesOnFirstUse(t *testing.T) {
	archive := createTestArchive(t, map[string]string{
		"template.nii.gz": "x",
		"gradients.csv":   "y",
	})

	var requests []string
	c := newTestCache(t, archive, &requests)

	path, err := c.Resolve(context.Background(), "gradients", ".csv")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if filepath.Base(path) != "gradients.csv" {
		t.Errorf("resolved %s, want gradients.csv", path)
	}
	if len(requests) != 1 {
		t.Fatalf("expected exactly one download, saw %d", len(requests))
	}

	// A second lookup must be served from disk.
	if _, err := c.Resolve(context.Background(), "template", ".nii.gz"); err != nil {
		t.Fatalf("second Resolve failed: %v", err)
	}
	if len(requests) != 1 {
		t.Errorf("second Resolve should not re-download, saw %d requests", len(requests))
	}
}

func TestResolveUnknownNameListsOptions(t *testing.T) {
	archive := createTestArchive(t, map[string]string{"known.csv": "x"})
	c := newTestCache(t, archive, nil)

	_, err := c.Resolve(context.Background(), "missing", ".csv")
	if err == nil {
		t.Fatal("Resolve of an unknown name should fail")
	}
	if !strings.Contains(err.Error(), "known.csv") {
		t.Errorf("error should list available options, got: %v", err)
	}
}

func TestListFiltersByExtension(t *testing.T) {
	archive := createTestArchive(t, map[string]string{
		"a.csv":    "1",
		"b.csv":    "2",
		"c.nii.gz": "3",
	})
	c := newTestCache(t, archive, nil)

	files, err := c.List(context.Background(), ".csv")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("List(.csv) returned %d files, want 2", len(files))
	}
	for _, f := range files {
		if !strings.HasSuffix(f, ".csv") {
			t.Errorf("unexpected file in listing: %s", f)
		}
	}
}
