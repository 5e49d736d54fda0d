// Package kv turns a plain key/value store into a storekit accessor.
//
// Files are stored under their root relative path. Directories are
// implicit: a directory exists when any key starts with its path, or when
// an empty marker key ending in "/" was written by CreateDir.
package kv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/gobeaver/storekit"
)

// ErrKeyNotFound is returned by a Store when Get finds no value.
var ErrKeyNotFound = errors.New("kv: key not found")

var errDirNotEmpty = errors.New("directory not empty")

// Store is the minimal key/value contract. Implementations must be safe
// for concurrent use. Delete of a missing key succeeds.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// Scan returns every key starting with prefix.
	Scan(ctx context.Context, prefix string) ([]string, error)
}

// Adapter serves a Store through the storekit.Accessor contract.
type Adapter struct {
	storekit.UnimplementedAccessor

	store  Store
	scheme storekit.Scheme
	root   string
}

// NewAdapter wraps store. root must already be normalized.
func NewAdapter(scheme storekit.Scheme, root string, store Store) *Adapter {
	return &Adapter{store: store, scheme: scheme, root: root}
}

// Store returns the wrapped store.
func (a *Adapter) Store() Store { return a.store }

// Info implements storekit.Accessor.
func (a *Adapter) Info() storekit.AccessorInfo {
	return storekit.AccessorInfo{
		Scheme: a.scheme,
		Root:   a.root,
		Name:   string(a.scheme),
		Capability: storekit.Capability{
			Stat:               true,
			Read:               true,
			Write:              true,
			CreateDir:          true,
			Delete:             true,
			Copy:               true,
			Rename:             true,
			List:               true,
			Scan:               true,
			WriteCanRetry:      true,
			CreateDirCanRetry:  true,
			StatHasSize:        true,
			StatHasETag:        true,
			StatHasContentType: true,
		},
	}
}

func (a *Adapter) key(p string) string {
	return storekit.JoinRoot(a.root, p)
}

func (a *Adapter) get(ctx context.Context, op storekit.Operation, p string) ([]byte, error) {
	v, err := a.store.Get(ctx, a.key(p))
	if errors.Is(err, ErrKeyNotFound) {
		return nil, storekit.NewError(storekit.KindNotFound, op, p, err)
	}
	return v, err
}

// isDir reports whether dir, a key ending in "/", has a marker or any
// key below it.
func (a *Adapter) isDir(ctx context.Context, dir string) (bool, error) {
	keys, err := a.store.Scan(ctx, dir)
	if err != nil {
		return false, err
	}
	return len(keys) > 0, nil
}

// Stat implements storekit.Accessor.
func (a *Adapter) Stat(ctx context.Context, path string) (storekit.Metadata, error) {
	if path == "/" {
		return storekit.DirMetadata(), nil
	}
	if storekit.IsDirPath(path) {
		ok, err := a.isDir(ctx, a.key(path))
		if err != nil {
			return storekit.Metadata{}, err
		}
		if !ok {
			return storekit.Metadata{}, storekit.NewError(storekit.KindNotFound, storekit.OpStat, path, nil)
		}
		return storekit.DirMetadata(), nil
	}

	v, err := a.get(ctx, storekit.OpStat, path)
	if storekit.IsNotFound(err) {
		if ok, derr := a.isDir(ctx, a.key(path)+"/"); derr == nil && ok {
			return storekit.DirMetadata(), nil
		}
	}
	if err != nil {
		return storekit.Metadata{}, err
	}
	return fileMetadata(path, v), nil
}

func fileMetadata(path string, v []byte) storekit.Metadata {
	m := storekit.Metadata{Mode: storekit.ModeFile}
	size := uint64(len(v))
	m.Size = &size
	m.ETag = storekit.XXHash(v)
	head := v
	if len(head) > storekit.SniffLimit {
		head = head[:storekit.SniffLimit]
	}
	m.ContentType = storekit.GuessContentType(path, head)
	return m
}

// Read implements storekit.Accessor.
func (a *Adapter) Read(ctx context.Context, path string, rng storekit.Range) (io.ReadCloser, error) {
	v, err := a.get(ctx, storekit.OpRead, path)
	if err != nil {
		return nil, err
	}
	start, end := rng.Bounds(int64(len(v)))
	return io.NopCloser(bytes.NewReader(v[start:end])), nil
}

// Write implements storekit.Accessor.
func (a *Adapter) Write(ctx context.Context, path string, r io.Reader, _ storekit.WriteOptions) error {
	v, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	return a.store.Set(ctx, a.key(path), v)
}

// CreateDir implements storekit.Accessor. A marker is written for the
// directory and each of its parents.
func (a *Adapter) CreateDir(ctx context.Context, path string) error {
	dir := strings.TrimSuffix(path, "/")
	if _, err := a.store.Get(ctx, a.key(dir)); err == nil {
		return storekit.NewError(storekit.KindNotADirectory, storekit.OpCreateDir, path, nil)
	}
	parts := strings.Split(dir, "/")
	for i := range parts {
		marker := strings.Join(parts[:i+1], "/") + "/"
		if err := a.store.Set(ctx, a.key(marker), nil); err != nil {
			return err
		}
	}
	return nil
}

// Delete implements storekit.Accessor. A directory must be empty.
func (a *Adapter) Delete(ctx context.Context, path string) error {
	key := a.key(path)
	if storekit.IsDirPath(path) {
		keys, err := a.store.Scan(ctx, key)
		if err != nil {
			return err
		}
		for _, k := range keys {
			if k != key {
				return storekit.NewError(storekit.KindUnexpected, storekit.OpDelete, path, errDirNotEmpty)
			}
		}
	}
	return a.store.Delete(ctx, key)
}

// Copy implements storekit.Accessor.
func (a *Adapter) Copy(ctx context.Context, src, dst string) error {
	v, err := a.get(ctx, storekit.OpCopy, src)
	if err != nil {
		return err
	}
	return a.store.Set(ctx, a.key(dst), v)
}

// Rename implements storekit.Accessor. It is a copy followed by a delete
// and is not atomic.
func (a *Adapter) Rename(ctx context.Context, src, dst string) error {
	if err := a.Copy(ctx, src, dst); err != nil {
		return err
	}
	return a.store.Delete(ctx, a.key(src))
}

// List implements storekit.Accessor. File entries carry their mode only;
// callers stat them for size.
func (a *Adapter) List(ctx context.Context, path string, opts storekit.ListOptions) (storekit.Pager, error) {
	prefix := a.key(path)
	keys, err := a.store.Scan(ctx, prefix)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 && path != "/" {
		return nil, storekit.NewError(storekit.KindNotFound, storekit.OpList, path, nil)
	}

	seen := make(map[string]bool)
	var entries []storekit.Entry
	add := func(key string) {
		if seen[key] || key == prefix {
			return
		}
		seen[key] = true
		meta := storekit.Metadata{Mode: storekit.ModeFile}
		if strings.HasSuffix(key, "/") {
			meta = storekit.DirMetadata()
		}
		entries = append(entries, storekit.Entry{Path: storekit.RelativePath(a.root, key), Metadata: meta})
	}
	for _, key := range keys {
		rest := strings.TrimPrefix(key, prefix)
		if opts.Recursive {
			for i := 0; i < len(rest)-1; i++ {
				if rest[i] == '/' {
					add(prefix + rest[:i+1])
				}
			}
			add(key)
			continue
		}
		if i := strings.Index(rest, "/"); i >= 0 {
			add(prefix + rest[:i+1])
			continue
		}
		add(key)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return storekit.NewSlicePager(entries, opts.Limit), nil
}

// NotFound wraps ErrKeyNotFound with the missing key. Stores return it in
// place of their native not-found error.
func NotFound(key string) error {
	return fmt.Errorf("%w: %s", ErrKeyNotFound, key)
}
