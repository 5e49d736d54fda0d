// Package zip serves the entries of a zip archive as a read-only storekit
// backend under the "zip" scheme.
package zip

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/gobeaver/storekit"
)

// Scheme is the registered scheme of the zip backend.
const Scheme storekit.Scheme = "zip"

// Config holds configuration for the zip backend.
type Config struct {
	// Path is the archive on the local filesystem.
	Path string `map:"path" validate:"required,file"`
	// Root selects a directory inside the archive.
	Root string `map:"root"`

	Logger *slog.Logger `map:"-"`
}

// Scheme implements storekit.Builder.
func (c *Config) Scheme() storekit.Scheme { return Scheme }

// Build implements storekit.Builder.
func (c *Config) Build() (storekit.Accessor, error) {
	return Open(*c)
}

// Adapter provides read access to a zip archive. The central directory is
// indexed once when the archive is opened.
type Adapter struct {
	storekit.UnimplementedAccessor

	archive string
	root    string
	reader  *zip.ReadCloser
	entries map[string]*zipEntry
}

// zipEntry is a file or directory of the archive. Directories that only
// exist as path prefixes have no file.
type zipEntry struct {
	file  *zip.File
	isDir bool
}

// Open opens and indexes an existing archive.
func Open(cfg Config) (*Adapter, error) {
	if err := storekit.ValidateConfig(Scheme, &cfg); err != nil {
		return nil, err
	}
	root, err := storekit.NormalizeRoot(cfg.Root)
	if err != nil {
		return nil, storekit.ConfigError(Scheme, fmt.Errorf("root: %w", err))
	}

	// Insecure names are skipped while indexing.
	reader, err := zip.OpenReader(cfg.Path)
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		return nil, storekit.ConfigError(Scheme, fmt.Errorf("open %s: %w", cfg.Path, err))
	}

	a := &Adapter{
		archive: cfg.Path,
		root:    root,
		reader:  reader,
		entries: map[string]*zipEntry{"": {isDir: true}},
	}
	for _, f := range reader.File {
		name, ok := cleanName(f.Name)
		if !ok {
			continue
		}
		isDir := f.FileInfo().IsDir()
		key := name
		if isDir {
			key += "/"
		}
		a.entries[key] = &zipEntry{file: f, isDir: isDir}
		a.addParents(name)
	}

	storekit.BuildLogger(cfg.Logger, Scheme).Debug("zip backend built",
		"archive", cfg.Path, "root", root, "entries", len(reader.File))
	return a, nil
}

// cleanName normalizes an entry name and rejects names that would escape
// the archive.
func cleanName(name string) (string, bool) {
	name = strings.ReplaceAll(name, "\\", "/")
	clean := strings.TrimPrefix(path.Clean("/"+name), "/")
	if clean == "" || clean == "." {
		return "", false
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == ".." {
			return "", false
		}
	}
	return clean, true
}

// addParents records every ancestor directory of name.
func (a *Adapter) addParents(name string) {
	for dir := path.Dir(name); dir != "." && dir != "/"; dir = path.Dir(dir) {
		key := dir + "/"
		if _, ok := a.entries[key]; ok {
			return
		}
		a.entries[key] = &zipEntry{isDir: true}
	}
}

// Close releases the archive.
func (a *Adapter) Close() error {
	return a.reader.Close()
}

// Info implements storekit.Accessor.
func (a *Adapter) Info() storekit.AccessorInfo {
	return storekit.AccessorInfo{
		Scheme: Scheme,
		Root:   a.root,
		Name:   path.Base(a.archive),
		Capability: storekit.Capability{
			Stat:                true,
			Read:                true,
			List:                true,
			Scan:                true,
			StatHasSize:         true,
			StatHasLastModified: true,
			StatHasETag:         true,
			StatHasContentType:  true,
		},
	}
}

func (a *Adapter) key(p string) string {
	return storekit.JoinRoot(a.root, p)
}

func (a *Adapter) lookup(p string) (*zipEntry, string, error) {
	key := a.key(p)
	if e, ok := a.entries[key]; ok {
		return e, key, nil
	}
	if !storekit.IsDirPath(p) {
		if e, ok := a.entries[key+"/"]; ok {
			return e, key + "/", nil
		}
	}
	return nil, "", storekit.NewError(storekit.KindNotFound, "", "", nil)
}

// Stat implements storekit.Accessor
func (a *Adapter) Stat(ctx context.Context, p string) (storekit.Metadata, error) {
	if err := ctx.Err(); err != nil {
		return storekit.Metadata{}, err
	}
	e, _, err := a.lookup(p)
	if err != nil {
		return storekit.Metadata{}, err
	}
	return e.metadata(), nil
}

func (e *zipEntry) metadata() storekit.Metadata {
	if e.isDir {
		m := storekit.DirMetadata()
		if e.file != nil && !e.file.Modified.IsZero() {
			mtime := e.file.Modified.UTC()
			m.LastModified = &mtime
		}
		return m
	}
	m := storekit.FileMetadata(e.file.UncompressedSize64, modified(e.file))
	m.ETag = fmt.Sprintf("%08x", e.file.CRC32)
	m.ContentType = storekit.GuessContentType(e.file.Name, nil)
	return m
}

func modified(f *zip.File) time.Time {
	if !f.Modified.IsZero() {
		return f.Modified
	}
	return f.ModTime()
}

// Read implements storekit.Accessor. Stored entries are read directly at
// the requested offset; compressed entries are inflated up to it.
func (a *Adapter) Read(ctx context.Context, p string, rng storekit.Range) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e, _, err := a.lookup(p)
	if err != nil {
		return nil, err
	}
	if e.isDir {
		return nil, storekit.NewError(storekit.KindIsADirectory, storekit.OpRead, p, nil)
	}
	if rng.IsFull() {
		rc, err := e.file.Open()
		if err != nil {
			return nil, storekit.NewError(storekit.KindUnexpected, "", "", err)
		}
		return rc, nil
	}

	start, end := rng.Bounds(int64(e.file.UncompressedSize64))
	if e.file.Method == zip.Store {
		raw, err := e.file.OpenRaw()
		if err != nil {
			return nil, storekit.NewError(storekit.KindUnexpected, "", "", err)
		}
		if ra, ok := raw.(io.ReaderAt); ok {
			return io.NopCloser(io.NewSectionReader(ra, start, end-start)), nil
		}
	}

	rc, err := e.file.Open()
	if err != nil {
		return nil, storekit.NewError(storekit.KindUnexpected, "", "", err)
	}
	if _, err := io.CopyN(io.Discard, rc, start); err != nil {
		rc.Close()
		return nil, storekit.NewError(storekit.KindUnexpected, "", "", err)
	}
	return &limitedReader{Reader: io.LimitReader(rc, end-start), c: rc}, nil
}

type limitedReader struct {
	io.Reader
	c io.Closer
}

func (l *limitedReader) Close() error { return l.c.Close() }

// List implements storekit.Accessor
func (a *Adapter) List(ctx context.Context, p string, opts storekit.ListOptions) (storekit.Pager, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e, key, err := a.lookup(p)
	if err != nil {
		return nil, err
	}
	if !e.isDir {
		return nil, storekit.NewError(storekit.KindNotADirectory, storekit.OpList, p, nil)
	}

	var entries []storekit.Entry
	for name, child := range a.entries {
		if name == key || !strings.HasPrefix(name, key) {
			continue
		}
		rest := strings.TrimSuffix(name[len(key):], "/")
		if !opts.Recursive && strings.Contains(rest, "/") {
			continue
		}
		entries = append(entries, storekit.Entry{
			Path:     storekit.RelativePath(a.root, name),
			Metadata: child.metadata(),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return storekit.NewSlicePager(entries, opts.Limit), nil
}
