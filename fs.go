package storekit

import (
	"context"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"
)

// EntryMode tells files and directories apart.
type EntryMode uint8

const (
	ModeUnknown EntryMode = iota
	ModeFile
	ModeDir
)

func (m EntryMode) String() string {
	switch m {
	case ModeFile:
		return "file"
	case ModeDir:
		return "dir"
	}
	return "unknown"
}

// Metadata is a snapshot of what a backend knows about a path. Absent
// fields are nil pointers or empty strings.
type Metadata struct {
	Mode         EntryMode
	Size         *uint64
	LastModified *time.Time
	ETag         string
	ContentType  string
}

// IsDir reports whether the metadata describes a directory.
func (m Metadata) IsDir() bool { return m.Mode == ModeDir }

// IsFile reports whether the metadata describes a file.
func (m Metadata) IsFile() bool { return m.Mode == ModeFile }

// SizeOr returns the size if known, otherwise def.
func (m Metadata) SizeOr(def uint64) uint64 {
	if m.Size == nil {
		return def
	}
	return *m.Size
}

// FileMetadata builds file metadata with a known size and modification time.
// A zero mtime is left absent.
func FileMetadata(size uint64, mtime time.Time) Metadata {
	m := Metadata{Mode: ModeFile, Size: &size}
	if !mtime.IsZero() {
		t := mtime.UTC()
		m.LastModified = &t
	}
	return m
}

// DirMetadata is the metadata of a directory.
func DirMetadata() Metadata {
	return Metadata{Mode: ModeDir}
}

// Entry is one item yielded by list or scan. Path is relative to the
// operator root; directories end in "/".
type Entry struct {
	Path     string
	Metadata Metadata
}

// Name returns the last element of the entry path, keeping a trailing "/"
// for directories.
func (e Entry) Name() string {
	return baseName(e.Path)
}

// ============================================================================
// Accessor (backend contract)
// ============================================================================

// AccessorInfo describes a built accessor.
type AccessorInfo struct {
	Scheme     Scheme
	Root       string
	Name       string
	Capability Capability
}

// Range selects part of an object. A zero Range reads everything; Length
// < 0 means "to the end".
type Range struct {
	Offset int64
	Length int64
}

// FullRange reads an object from start to end.
var FullRange = Range{Length: -1}

// IsFull reports whether the range covers the whole object.
func (r Range) IsFull() bool {
	return r.Offset == 0 && r.Length <= 0
}

// HTTPHeader renders the range as an HTTP Range header value. It returns
// "" for a full range.
func (r Range) HTTPHeader() string {
	if r.IsFull() {
		return ""
	}
	if r.Length <= 0 || r.Length > math.MaxInt64-r.Offset {
		return "bytes=" + strconv.FormatInt(r.Offset, 10) + "-"
	}
	return "bytes=" + strconv.FormatInt(r.Offset, 10) + "-" + strconv.FormatInt(r.Offset+r.Length-1, 10)
}

// Bounds clamps the range to an object of the given size and returns the
// half-open byte interval it selects.
func (r Range) Bounds(size int64) (start, end int64) {
	start = r.Offset
	if start > size {
		start = size
	}
	end = size
	if r.Length > 0 && r.Length < size-start {
		end = start + r.Length
	}
	return start, end
}

// ListOptions control list and scan.
type ListOptions struct {
	// Recursive walks the whole tree below the path (scan).
	Recursive bool
	// Limit is the page size hint. Zero uses the backend default.
	Limit int
}

// Pager yields pages of entries. Next returns io.EOF once exhausted.
// Pagination cursors stay inside the pager.
type Pager interface {
	Next(ctx context.Context) ([]Entry, error)
	Close() error
}

// PresignMethod is the request a presigned URL authorizes.
type PresignMethod string

const (
	PresignMethodStat  PresignMethod = "stat"
	PresignMethodRead  PresignMethod = "read"
	PresignMethodWrite PresignMethod = "write"
)

// PresignOptions select the method and lifetime of a presigned request.
type PresignOptions struct {
	Method PresignMethod
	Expiry time.Duration
}

// PresignedRequest is everything a third party needs to perform the
// request without credentials.
type PresignedRequest struct {
	Method  string
	URL     string
	Header  http.Header
	Expires time.Time
}

// Accessor is the contract every backend implements. Paths are root
// relative and already normalized; directory paths end in "/". The
// operator never calls an operation the Capability marks unsupported.
//
// Accessors must be safe for concurrent use.
type Accessor interface {
	// Info returns the scheme, root and capability of the backend.
	Info() AccessorInfo

	// Stat returns metadata, or NotFound.
	Stat(ctx context.Context, path string) (Metadata, error)

	// Read opens a stream over the selected range.
	Read(ctx context.Context, path string, rng Range) (io.ReadCloser, error)

	// Write stores the content of r at path, replacing any existing object.
	Write(ctx context.Context, path string, r io.Reader, opts WriteOptions) error

	// CreateDir creates a directory and its parents. It succeeds if the
	// directory already exists.
	CreateDir(ctx context.Context, path string) error

	// Delete removes path. Deleting a missing path succeeds.
	Delete(ctx context.Context, path string) error

	// Copy copies src to dst within the backend.
	Copy(ctx context.Context, src, dst string) error

	// Rename moves src to dst within the backend.
	Rename(ctx context.Context, src, dst string) error

	// List returns a pager over the children of a directory, or over
	// the whole subtree when opts.Recursive is set.
	List(ctx context.Context, path string, opts ListOptions) (Pager, error)

	// Presign creates a request that can be performed without
	// credentials until it expires.
	Presign(ctx context.Context, path string, opts PresignOptions) (PresignedRequest, error)
}

// ============================================================================
// Helpers for accessor implementations
// ============================================================================

// UnimplementedAccessor returns Unsupported for every operation. Backends
// embed it and override what they support.
type UnimplementedAccessor struct{}

func (UnimplementedAccessor) Stat(_ context.Context, p string) (Metadata, error) {
	return Metadata{}, NewError(KindUnsupported, OpStat, p, nil)
}

func (UnimplementedAccessor) Read(_ context.Context, p string, _ Range) (io.ReadCloser, error) {
	return nil, NewError(KindUnsupported, OpRead, p, nil)
}

func (UnimplementedAccessor) Write(_ context.Context, p string, _ io.Reader, _ WriteOptions) error {
	return NewError(KindUnsupported, OpWrite, p, nil)
}

func (UnimplementedAccessor) CreateDir(_ context.Context, p string) error {
	return NewError(KindUnsupported, OpCreateDir, p, nil)
}

func (UnimplementedAccessor) Delete(_ context.Context, p string) error {
	return NewError(KindUnsupported, OpDelete, p, nil)
}

func (UnimplementedAccessor) Copy(_ context.Context, src, _ string) error {
	return NewError(KindUnsupported, OpCopy, src, nil)
}

func (UnimplementedAccessor) Rename(_ context.Context, src, _ string) error {
	return NewError(KindUnsupported, OpRename, src, nil)
}

func (UnimplementedAccessor) List(_ context.Context, p string, _ ListOptions) (Pager, error) {
	return nil, NewError(KindUnsupported, OpList, p, nil)
}

func (UnimplementedAccessor) Presign(_ context.Context, p string, _ PresignOptions) (PresignedRequest, error) {
	return PresignedRequest{}, NewError(KindUnsupported, OpPresign, p, nil)
}

// SlicePager serves pre-computed entries in pages of a fixed size.
type SlicePager struct {
	entries []Entry
	size    int
	pos     int
}

// NewSlicePager pages over entries. A size <= 0 returns everything in one
// page.
func NewSlicePager(entries []Entry, size int) *SlicePager {
	if size <= 0 {
		size = len(entries)
		if size == 0 {
			size = 1
		}
	}
	return &SlicePager{entries: entries, size: size}
}

// Next implements Pager.
func (p *SlicePager) Next(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.pos >= len(p.entries) {
		return nil, io.EOF
	}
	end := p.pos + p.size
	if end > len(p.entries) {
		end = len(p.entries)
	}
	page := p.entries[p.pos:end]
	p.pos = end
	return page, nil
}

// Close implements Pager.
func (p *SlicePager) Close() error { return nil }
