// Package dataset maintains the local on-disk cache of reference data used
// by the pipeline. The first lookup downloads a versioned archive into the
// cache root and unpacks it; afterwards, lookups resolve logical dataset
// names against the cached files.
package dataset

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/carbocation/pfx"
)

// DefaultArchiveURL is the download endpoint for the reference data bundle.
// The archive version number is appended to it.
const DefaultArchiveURL = "https://figshare.com/ndownloader/articles/16912366/versions/"

// DefaultVersion is the archive version fetched when none is configured.
const DefaultVersion = 2

const archiveName = "neuropipe-data.zip"

// Cache is a flat directory of reference data files.
type Cache struct {
	// Root is the cache directory, created on demand.
	Root string

	// ArchiveURL is the base URL the versioned archive is fetched from.
	ArchiveURL string

	// Version selects which archive version to download.
	Version int

	// Client is the HTTP client used for downloads. Defaults to
	// http.DefaultClient.
	Client *http.Client
}

// DefaultRoot returns ~/.neuropipe, the conventional cache location.
func DefaultRoot() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", pfx.Err(err)
	}
	return filepath.Join(home, ".neuropipe"), nil
}

// NewCache creates a cache rooted at root with default download settings.
func NewCache(root string) *Cache {
	return &Cache{
		Root:       root,
		ArchiveURL: DefaultArchiveURL,
		Version:    DefaultVersion,
	}
}

func (c *Cache) client() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return http.DefaultClient
}

// Fetch downloads the versioned archive and unpacks it flat into the cache
// root, overwriting files already present. The archive itself is removed
// after extraction.
func (c *Cache) Fetch(ctx context.Context) error {
	if err := os.MkdirAll(c.Root, 0755); err != nil {
		return pfx.Err(err)
	}

	url := fmt.Sprintf("%s%d", c.ArchiveURL, c.Version)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return pfx.Err(err)
	}

	resp, err := c.client().Do(req)
	if err != nil {
		return pfx.Err(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetching %s: unexpected status %s", url, resp.Status)
	}

	archivePath := filepath.Join(c.Root, archiveName)
	out, err := os.Create(archivePath)
	if err != nil {
		return pfx.Err(err)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		return pfx.Err(err)
	}
	if err := out.Close(); err != nil {
		return pfx.Err(err)
	}

	if err := c.unpack(archivePath); err != nil {
		return err
	}
	return os.Remove(archivePath)
}

// unpack extracts every regular file in the archive directly into the cache
// root. Directory structure inside the archive is flattened; the cache is a
// flat store keyed by filename.
func (c *Cache) unpack(archivePath string) error {
	rc, err := zip.OpenReader(archivePath)
	if err != nil {
		return pfx.Err(err)
	}
	defer rc.Close()

	for _, f := range rc.File {
		if f.FileInfo().IsDir() {
			continue
		}

		src, err := f.Open()
		if err != nil {
			return pfx.Err(err)
		}

		dst, err := os.Create(filepath.Join(c.Root, filepath.Base(f.Name)))
		if err != nil {
			src.Close()
			return pfx.Err(err)
		}
		if _, err := io.Copy(dst, src); err != nil {
			src.Close()
			dst.Close()
			return pfx.Err(err)
		}
		src.Close()
		if err := dst.Close(); err != nil {
			return pfx.Err(err)
		}
	}
	return nil
}

// List returns the cached files carrying the target extension, fetching the
// archive first when the cache holds none.
func (c *Cache) List(ctx context.Context, ext string) ([]string, error) {
	files, err := c.matching(ext)
	if err != nil {
		return nil, err
	}

	if len(files) == 0 {
		if err := c.Fetch(ctx); err != nil {
			return nil, err
		}
		files, err = c.matching(ext)
		if err != nil {
			return nil, err
		}
	}

	sort.Strings(files)
	return files, nil
}

func (c *Cache) matching(ext string) ([]string, error) {
	entries, err := os.ReadDir(c.Root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, pfx.Err(err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(e.Name(), ext) {
			files = append(files, filepath.Join(c.Root, e.Name()))
		}
	}
	return files, nil
}

// Resolve maps a logical dataset name to a cached file path. The name is
// compared against each cached filename with up to three trailing
// extensions stripped, so "template" matches template.nii.gz as well as
// template.csv when the target extension agrees. The special name "all"
// is not valid here; use List.
func (c *Cache) Resolve(ctx context.Context, name, ext string) (string, error) {
	files, err := c.List(ctx, ext)
	if err != nil {
		return "", err
	}

	for _, path := range files {
		if Stem(filepath.Base(path)) == name {
			return path, nil
		}
	}

	options := make([]string, len(files))
	for i, path := range files {
		options[i] = filepath.Base(path)
	}
	return "", fmt.Errorf("no cached dataset named %q with extension %q; options: %s",
		name, ext, strings.Join(options, ", "))
}

// Stem strips up to three trailing extensions from a filename, so
// "t1.nii.gz" and "gradients.bval" both reduce to their logical names.
func Stem(filename string) string {
	stem := filename
	for i := 0; i < 3; i++ {
		next := strings.TrimSuffix(stem, filepath.Ext(stem))
		if next == stem {
			break
		}
		stem = next
	}
	return stem
}
