package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/gobeaver/storekit"
)

// Scheme is the registered scheme of the local filesystem backend.
const Scheme storekit.Scheme = "fs"

// tempPrefix marks in-progress atomic writes. Listings skip such files.
const tempPrefix = ".storekit-"

// Config holds configuration for the local filesystem backend.
type Config struct {
	// Root is the directory every path is resolved against.
	Root string `map:"root" validate:"required"`

	// AtomicWrite stages writes in a temporary file renamed into place.
	AtomicWrite bool `map:"atomic_write"`

	// CreateRoot creates Root at build time when it does not exist.
	CreateRoot bool `map:"create_root"`

	Logger *slog.Logger `map:"-"`
}

// Scheme implements storekit.Builder.
func (c *Config) Scheme() storekit.Scheme { return Scheme }

// Build implements storekit.Builder.
func (c *Config) Build() (storekit.Accessor, error) {
	return New(*c)
}

// Adapter provides a local filesystem implementation of storekit.Accessor
type Adapter struct {
	storekit.UnimplementedAccessor

	root   string
	atomic bool
}

// New creates a new local filesystem adapter
func New(cfg Config) (*Adapter, error) {
	if cfg.Root == "" {
		return nil, storekit.ConfigError(Scheme, errors.New("root is required"))
	}
	absRoot, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, storekit.ConfigError(Scheme, fmt.Errorf("root: %w", err))
	}

	if cfg.CreateRoot {
		if err := os.MkdirAll(absRoot, 0o755); err != nil {
			return nil, fmt.Errorf("create root %s: %w", absRoot, err)
		}
	}
	storekit.BuildLogger(cfg.Logger, Scheme).Debug("fs backend built", "root", absRoot, "atomic_write", cfg.AtomicWrite)

	return &Adapter{root: absRoot, atomic: cfg.AtomicWrite}, nil
}

// Info implements storekit.Accessor.
func (a *Adapter) Info() storekit.AccessorInfo {
	return storekit.AccessorInfo{
		Scheme: Scheme,
		Root:   filepath.ToSlash(a.root) + "/",
		Name:   "fs",
		Capability: storekit.Capability{
			Stat:                true,
			Read:                true,
			Write:               true,
			CreateDir:           true,
			Delete:              true,
			Copy:                true,
			Rename:              true,
			List:                true,
			Scan:                true,
			WriteCanRetry:       true,
			CreateDirCanRetry:   true,
			StatHasSize:         true,
			StatHasLastModified: true,
			StatHasContentType:  true,
		},
	}
}

// full resolves a root relative path.
func (a *Adapter) full(p string) (string, error) {
	if p == "/" {
		return a.root, nil
	}
	fullPath := filepath.Join(a.root, filepath.FromSlash(p))
	if !isPathUnderRoot(a.root, fullPath) {
		return "", storekit.ErrPathTraversal
	}
	return fullPath, nil
}

// rel turns an absolute filesystem path back into an entry path.
func (a *Adapter) rel(fullPath string, dir bool) (string, error) {
	r, err := filepath.Rel(a.root, fullPath)
	if err != nil {
		return "", err
	}
	r = filepath.ToSlash(r)
	if dir {
		r += "/"
	}
	return r, nil
}

// Stat implements storekit.Accessor
func (a *Adapter) Stat(ctx context.Context, path string) (storekit.Metadata, error) {
	if err := ctx.Err(); err != nil {
		return storekit.Metadata{}, err
	}
	fullPath, err := a.full(path)
	if err != nil {
		return storekit.Metadata{}, err
	}

	info, err := os.Stat(fullPath)
	if err != nil {
		return storekit.Metadata{}, mapError(err)
	}
	if storekit.IsDirPath(path) && !info.IsDir() {
		return storekit.Metadata{}, storekit.NewError(storekit.KindNotADirectory, storekit.OpStat, path, nil)
	}
	return metadata(fullPath, info), nil
}

func metadata(fullPath string, info fs.FileInfo) storekit.Metadata {
	if info.IsDir() {
		m := storekit.DirMetadata()
		mtime := info.ModTime().UTC()
		m.LastModified = &mtime
		return m
	}
	m := storekit.FileMetadata(uint64(info.Size()), info.ModTime())
	m.ContentType = storekit.GuessContentType(fullPath, nil)
	return m
}

// Read implements storekit.Accessor
func (a *Adapter) Read(ctx context.Context, path string, rng storekit.Range) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fullPath, err := a.full(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(fullPath)
	if err != nil {
		return nil, mapError(err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, mapError(err)
	}
	if info.IsDir() {
		f.Close()
		return nil, storekit.NewError(storekit.KindIsADirectory, storekit.OpRead, path, nil)
	}
	if rng.IsFull() {
		return f, nil
	}

	start, end := rng.Bounds(info.Size())
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	return &limitedFile{Reader: io.LimitReader(f, end-start), f: f}, nil
}

type limitedFile struct {
	io.Reader
	f *os.File
}

func (l *limitedFile) Close() error { return l.f.Close() }

// Write implements storekit.Accessor. Parent directories are created.
func (a *Adapter) Write(ctx context.Context, path string, content io.Reader, _ storekit.WriteOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fullPath, err := a.full(path)
	if err != nil {
		return err
	}
	return a.writeFile(ctx, fullPath, content)
}

func (a *Adapter) writeFile(ctx context.Context, fullPath string, content io.Reader) error {
	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return mapError(err)
	}

	target := fullPath
	if a.atomic {
		target = filepath.Join(dir, tempPrefix+uuid.NewString()+".tmp")
	}

	f, err := os.Create(target)
	if err != nil {
		return mapError(err)
	}
	_, err = io.Copy(f, &ctxReader{ctx: ctx, r: content})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		if a.atomic {
			os.Remove(target)
		}
		return err
	}

	if a.atomic {
		if err := os.Rename(target, fullPath); err != nil {
			os.Remove(target)
			return mapError(err)
		}
	}
	return nil
}

// ctxReader stops a copy once its context ends.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// CreateDir implements storekit.Accessor
func (a *Adapter) CreateDir(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fullPath, err := a.full(path)
	if err != nil {
		return err
	}
	return mapError(os.MkdirAll(fullPath, 0o755))
}

// Delete implements storekit.Accessor. Directories must be empty.
func (a *Adapter) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fullPath, err := a.full(path)
	if err != nil {
		return err
	}
	if fullPath == a.root {
		return nil
	}
	return mapError(os.Remove(fullPath))
}

// Copy implements storekit.Accessor
func (a *Adapter) Copy(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	srcPath, err := a.full(src)
	if err != nil {
		return err
	}
	dstPath, err := a.full(dst)
	if err != nil {
		return err
	}

	srcFile, err := os.Open(srcPath)
	if err != nil {
		return mapError(err)
	}
	defer srcFile.Close()
	if info, err := srcFile.Stat(); err == nil && info.IsDir() {
		return storekit.NewError(storekit.KindIsADirectory, storekit.OpCopy, src, nil)
	}

	return a.writeFile(ctx, dstPath, srcFile)
}

// Rename implements storekit.Accessor
func (a *Adapter) Rename(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	srcPath, err := a.full(src)
	if err != nil {
		return err
	}
	dstPath, err := a.full(dst)
	if err != nil {
		return err
	}

	// Check source exists
	if _, err := os.Stat(srcPath); err != nil {
		return mapError(err)
	}
	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return mapError(err)
	}
	return mapError(os.Rename(srcPath, dstPath))
}

// List implements storekit.Accessor
func (a *Adapter) List(ctx context.Context, path string, opts storekit.ListOptions) (storekit.Pager, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fullPath, err := a.full(path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(fullPath)
	if err != nil {
		return nil, mapError(err)
	}
	if !info.IsDir() {
		return nil, storekit.NewError(storekit.KindNotADirectory, storekit.OpList, path, nil)
	}

	var entries []storekit.Entry
	if opts.Recursive {
		err = filepath.WalkDir(fullPath, func(walkPath string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if walkPath == fullPath {
				return nil
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			e, ok, err := a.entry(walkPath, d)
			if err != nil || !ok {
				return err
			}
			entries = append(entries, e)
			return nil
		})
	} else {
		var dirEntries []fs.DirEntry
		dirEntries, err = os.ReadDir(fullPath)
		for _, d := range dirEntries {
			e, ok, eerr := a.entry(filepath.Join(fullPath, d.Name()), d)
			if eerr != nil {
				err = eerr
				break
			}
			if ok {
				entries = append(entries, e)
			}
		}
	}
	if err != nil {
		return nil, mapError(err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return storekit.NewSlicePager(entries, opts.Limit), nil
}

// entry converts a directory entry. Temporary files of atomic writes and
// entries removed while listing are skipped.
func (a *Adapter) entry(fullPath string, d fs.DirEntry) (storekit.Entry, bool, error) {
	if strings.HasPrefix(d.Name(), tempPrefix) {
		return storekit.Entry{}, false, nil
	}
	info, err := d.Info()
	if errors.Is(err, fs.ErrNotExist) {
		return storekit.Entry{}, false, nil
	}
	if err != nil {
		return storekit.Entry{}, false, err
	}
	p, err := a.rel(fullPath, info.IsDir())
	if err != nil {
		return storekit.Entry{}, false, err
	}
	return storekit.Entry{Path: p, Metadata: metadata(fullPath, info)}, true, nil
}

// isPathUnderRoot checks if a path is under a given root directory
func isPathUnderRoot(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return !filepath.IsAbs(rel) && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// mapError classifies filesystem errors.
func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, fs.ErrNotExist):
		return storekit.NewError(storekit.KindNotFound, "", "", err)
	case errors.Is(err, fs.ErrPermission):
		return storekit.NewError(storekit.KindPermissionDenied, "", "", err)
	case errors.Is(err, fs.ErrExist):
		return storekit.NewError(storekit.KindAlreadyExists, "", "", err)
	case errors.Is(err, syscall.ENOTDIR):
		return storekit.NewError(storekit.KindNotADirectory, "", "", err)
	case errors.Is(err, syscall.EISDIR):
		return storekit.NewError(storekit.KindIsADirectory, "", "", err)
	}
	return err
}
