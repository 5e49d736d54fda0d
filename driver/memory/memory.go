package memory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gobeaver/storekit"
)

// Scheme is the registered scheme of the memory backend.
const Scheme storekit.Scheme = "memory"

var errDirNotEmpty = errors.New("directory not empty")

// memoryFile represents a file stored in memory
type memoryFile struct {
	content     []byte
	contentType string
	etag        string
	metadata    map[string]string
	modTime     time.Time
}

// Config holds configuration for the memory adapter
type Config struct {
	// Root prefixes every path. It only matters when several operators
	// share one adapter through Share.
	Root string `map:"root"`

	// MaxSize is the maximum total storage size in bytes (0 = unlimited)
	MaxSize int64 `map:"max_size" validate:"gte=0"`

	Logger *slog.Logger `map:"-"`
}

// Scheme implements storekit.Builder.
func (c *Config) Scheme() storekit.Scheme { return Scheme }

// Build implements storekit.Builder. Every build returns a new, empty
// store.
func (c *Config) Build() (storekit.Accessor, error) {
	return New(*c)
}

// Adapter provides an in-memory implementation of storekit.Accessor.
// Useful for testing and as the reference backend.
type Adapter struct {
	storekit.UnimplementedAccessor

	root  string
	store *store
}

// store is the shared state behind one or more adapters.
type store struct {
	mu      sync.RWMutex
	files   map[string]*memoryFile
	dirs    map[string]time.Time
	maxSize int64 // Maximum total storage size (0 = unlimited)
	size    int64 // Current total size
}

// New creates a new in-memory adapter
func New(cfg Config) (*Adapter, error) {
	root, err := storekit.NormalizeRoot(cfg.Root)
	if err != nil {
		return nil, storekit.ConfigError(Scheme, fmt.Errorf("root: %w", err))
	}
	storekit.BuildLogger(cfg.Logger, Scheme).Debug("memory backend built", "root", root)

	s := &store{
		files:   make(map[string]*memoryFile),
		dirs:    make(map[string]time.Time),
		maxSize: cfg.MaxSize,
	}
	return &Adapter{root: root, store: s}, nil
}

// Share returns an adapter over the same store with a different root.
func (a *Adapter) Share(root string) (*Adapter, error) {
	r, err := storekit.NormalizeRoot(root)
	if err != nil {
		return nil, storekit.ConfigError(Scheme, fmt.Errorf("root: %w", err))
	}
	return &Adapter{root: r, store: a.store}, nil
}

// Info implements storekit.Accessor.
func (a *Adapter) Info() storekit.AccessorInfo {
	return storekit.AccessorInfo{
		Scheme: Scheme,
		Root:   a.root,
		Name:   "memory",
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
			StatHasETag:         true,
			StatHasContentType:  true,
		},
	}
}

func (a *Adapter) abs(p string) string {
	return storekit.JoinRoot(a.root, p)
}

func (a *Adapter) rel(abs string) string {
	return storekit.RelativePath(a.root, abs)
}

// Stat implements storekit.Accessor
func (a *Adapter) Stat(ctx context.Context, path string) (storekit.Metadata, error) {
	if err := ctx.Err(); err != nil {
		return storekit.Metadata{}, err
	}
	key := a.abs(path)

	s := a.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	if storekit.IsDirPath(path) {
		if path == "/" || s.hasDir(key) {
			return storekit.DirMetadata(), nil
		}
		return storekit.Metadata{}, storekit.NewError(storekit.KindNotFound, storekit.OpStat, path, nil)
	}
	if file, exists := s.files[key]; exists {
		return file.meta(), nil
	}
	// A path given without its slash still finds a directory.
	if s.hasDir(key + "/") {
		return storekit.DirMetadata(), nil
	}
	return storekit.Metadata{}, storekit.NewError(storekit.KindNotFound, storekit.OpStat, path, nil)
}

// Read implements storekit.Accessor
func (a *Adapter) Read(ctx context.Context, path string, rng storekit.Range) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := a.abs(path)

	s := a.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	file, exists := s.files[key]
	if !exists {
		if s.hasDir(key + "/") {
			return nil, storekit.NewError(storekit.KindIsADirectory, storekit.OpRead, path, nil)
		}
		return nil, storekit.NewError(storekit.KindNotFound, storekit.OpRead, path, nil)
	}

	// Content slices are never mutated in place, so sharing is safe.
	start, end := rng.Bounds(int64(len(file.content)))
	return io.NopCloser(bytes.NewReader(file.content[start:end])), nil
}

// Write implements storekit.Accessor
func (a *Adapter) Write(ctx context.Context, path string, content io.Reader, opts storekit.WriteOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// Read content into memory
	data, err := io.ReadAll(content)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	key := a.abs(path)

	s := a.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasDir(key + "/") {
		return storekit.NewError(storekit.KindIsADirectory, storekit.OpWrite, path, nil)
	}

	newSize := s.size + int64(len(data))
	if existing, exists := s.files[key]; exists {
		newSize -= int64(len(existing.content))
	}
	if s.maxSize > 0 && newSize > s.maxSize {
		return storekit.NewError(storekit.KindUnexpected, storekit.OpWrite, path,
			fmt.Errorf("store size %d would exceed limit %d", newSize, s.maxSize))
	}

	contentType := opts.ContentType
	if contentType == "" {
		head := data
		if len(head) > storekit.SniffLimit {
			head = head[:storekit.SniffLimit]
		}
		contentType = storekit.GuessContentType(key, head)
	}

	s.ensureParentDirs(key)
	s.files[key] = &memoryFile{
		content:     data,
		contentType: contentType,
		etag:        storekit.XXHash(data),
		metadata:    maps.Clone(opts.Metadata),
		modTime:     time.Now(),
	}
	s.size = newSize
	return nil
}

// CreateDir implements storekit.Accessor. Parents are created as needed.
func (a *Adapter) CreateDir(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := a.abs(path)

	s := a.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.files[strings.TrimSuffix(key, "/")]; exists {
		return storekit.NewError(storekit.KindNotADirectory, storekit.OpCreateDir, path, nil)
	}
	s.ensureParentDirs(key)
	if _, exists := s.dirs[key]; !exists {
		s.dirs[key] = time.Now()
	}
	return nil
}

// Delete implements storekit.Accessor. A directory must be empty.
func (a *Adapter) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := a.abs(path)

	s := a.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if storekit.IsDirPath(path) {
		if _, exists := s.dirs[key]; !exists {
			return storekit.NewError(storekit.KindNotFound, storekit.OpDelete, path, nil)
		}
		if s.hasChildren(key) {
			return storekit.NewError(storekit.KindUnexpected, storekit.OpDelete, path, errDirNotEmpty)
		}
		delete(s.dirs, key)
		return nil
	}

	file, exists := s.files[key]
	if !exists {
		return storekit.NewError(storekit.KindNotFound, storekit.OpDelete, path, nil)
	}
	s.size -= int64(len(file.content))
	delete(s.files, key)
	return nil
}

// Copy implements storekit.Accessor
func (a *Adapter) Copy(ctx context.Context, src, dst string) error {
	return a.transfer(ctx, storekit.OpCopy, src, dst, false)
}

// Rename implements storekit.Accessor
func (a *Adapter) Rename(ctx context.Context, src, dst string) error {
	return a.transfer(ctx, storekit.OpRename, src, dst, true)
}

func (a *Adapter) transfer(ctx context.Context, op storekit.Operation, src, dst string, move bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	srcKey, dstKey := a.abs(src), a.abs(dst)

	s := a.store
	s.mu.Lock()
	defer s.mu.Unlock()

	file, exists := s.files[srcKey]
	if !exists {
		return storekit.NewError(storekit.KindNotFound, op, src, nil)
	}
	if s.hasDir(dstKey + "/") {
		return storekit.NewError(storekit.KindIsADirectory, op, dst, nil)
	}

	newSize := s.size
	if existing, ok := s.files[dstKey]; ok {
		newSize -= int64(len(existing.content))
	}
	if !move {
		newSize += int64(len(file.content))
		if s.maxSize > 0 && newSize > s.maxSize {
			return storekit.NewError(storekit.KindUnexpected, op, src,
				fmt.Errorf("store size %d would exceed limit %d", newSize, s.maxSize))
		}
	}

	cp := *file
	cp.metadata = maps.Clone(file.metadata)
	cp.modTime = time.Now()
	s.ensureParentDirs(dstKey)
	s.files[dstKey] = &cp
	if move {
		delete(s.files, srcKey)
	}
	s.size = newSize
	return nil
}

// List implements storekit.Accessor. Entries come sorted by path, so a
// directory always precedes its content.
func (a *Adapter) List(ctx context.Context, path string, opts storekit.ListOptions) (storekit.Pager, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := a.abs(path)

	s := a.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	if path != "/" && !s.hasDir(prefix) {
		if _, isFile := s.files[strings.TrimSuffix(prefix, "/")]; isFile {
			return nil, storekit.NewError(storekit.KindNotADirectory, storekit.OpList, path, nil)
		}
		return nil, storekit.NewError(storekit.KindNotFound, storekit.OpList, path, nil)
	}

	seen := make(map[string]bool)
	var entries []storekit.Entry
	add := func(key string, meta storekit.Metadata) {
		if seen[key] {
			return
		}
		seen[key] = true
		entries = append(entries, storekit.Entry{Path: a.rel(key), Metadata: meta})
	}
	visit := func(key string, meta storekit.Metadata) {
		if !strings.HasPrefix(key, prefix) || key == prefix {
			return
		}
		rest := key[len(prefix):]
		if opts.Recursive {
			add(key, meta)
			return
		}
		if i := strings.Index(rest, "/"); i >= 0 && i < len(rest)-1 {
			add(prefix+rest[:i+1], storekit.DirMetadata())
			return
		}
		add(key, meta)
	}

	for key, file := range s.files {
		visit(key, file.meta())
	}
	for key := range s.dirs {
		visit(key, storekit.DirMetadata())
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return storekit.NewSlicePager(entries, opts.Limit), nil
}

// Clear removes all files and directories.
func (a *Adapter) Clear() {
	s := a.store
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files = make(map[string]*memoryFile)
	s.dirs = make(map[string]time.Time)
	s.size = 0
}

// Size returns the current total size of stored files
func (a *Adapter) Size() int64 {
	a.store.mu.RLock()
	defer a.store.mu.RUnlock()
	return a.store.size
}

// FileCount returns the number of stored files
func (a *Adapter) FileCount() int {
	a.store.mu.RLock()
	defer a.store.mu.RUnlock()
	return len(a.store.files)
}

// ensureParentDirs records every ancestor directory of key. Callers hold
// the write lock.
func (s *store) ensureParentDirs(key string) {
	trimmed := strings.TrimSuffix(key, "/")
	for i := strings.Index(trimmed, "/"); i >= 0; {
		dir := trimmed[:i+1]
		if _, exists := s.dirs[dir]; !exists {
			s.dirs[dir] = time.Now()
		}
		next := strings.Index(trimmed[i+1:], "/")
		if next < 0 {
			break
		}
		i += next + 1
	}
}

func (s *store) hasDir(key string) bool {
	_, ok := s.dirs[key]
	return ok
}

func (s *store) hasChildren(dir string) bool {
	for key := range s.files {
		if strings.HasPrefix(key, dir) {
			return true
		}
	}
	for key := range s.dirs {
		if key != dir && strings.HasPrefix(key, dir) {
			return true
		}
	}
	return false
}

func (f *memoryFile) meta() storekit.Metadata {
	m := storekit.FileMetadata(uint64(len(f.content)), f.modTime)
	m.ETag = f.etag
	m.ContentType = f.contentType
	return m
}
