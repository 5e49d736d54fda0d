package storekit

import (
	"bytes"
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"math"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// Operator is the entry point for storage access. It owns a layered
// accessor, normalizes paths, checks every call against the backend
// capability and classifies errors. It holds no per-call state and is safe
// for concurrent use.
type Operator struct {
	acc    Accessor
	info   AccessorInfo
	logger *slog.Logger

	removeAllParallelism int
}

// OperatorOption configures an Operator.
type OperatorOption func(*Operator)

// WithOperatorLogger sets the logger used for operator level events.
func WithOperatorLogger(l *slog.Logger) OperatorOption {
	return func(o *Operator) { o.logger = l }
}

// WithRemoveAllParallelism bounds the number of concurrent deletes issued
// by RemoveAll.
func WithRemoveAllParallelism(n int) OperatorOption {
	return func(o *Operator) {
		if n > 0 {
			o.removeAllParallelism = n
		}
	}
}

// NewOperator stacks layers on acc and returns the operator owning the
// result. Layers are applied in order, so the last one is outermost.
func NewOperator(acc Accessor, layers []Layer, opts ...OperatorOption) *Operator {
	acc = Stack(acc, layers...)
	o := &Operator{
		acc:                  acc,
		info:                 acc.Info(),
		logger:               slog.Default(),
		removeAllParallelism: 8,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Info describes the backend.
func (o *Operator) Info() AccessorInfo { return o.info }

// Capability returns the capability of the layered backend.
func (o *Operator) Capability() Capability { return o.info.Capability }

// Scheme returns the backend scheme.
func (o *Operator) Scheme() Scheme { return o.info.Scheme }

// Async returns the non-blocking façade.
func (o *Operator) Async() *AsyncOperator { return &AsyncOperator{op: o} }

// Blocking returns a blocking façade with its own cancellation scope.
func (o *Operator) Blocking() *BlockingOperator {
	return newBlockingOperator(o.Async(), context.Background())
}

// ============================================================================
// Dispatch gate
// ============================================================================

// gate normalizes path and checks op against the capability. Failures
// never reach the accessor.
func (o *Operator) gate(op Operation, path string) (string, error) {
	p, err := NormalizePath(path)
	if err != nil {
		return "", &Error{Kind: KindPermissionDenied, Op: op, Path: path, Scheme: o.info.Scheme, Err: err}
	}
	if !o.info.Capability.Supports(op) {
		return "", unsupported(op, p, o.info.Scheme)
	}
	return p, nil
}

// finish classifies err for op on path. Errors caused by ctx are reported
// as Cancelled or Timeout whatever the backend wrapped them in.
func (o *Operator) finish(ctx context.Context, err error, op Operation, path string) error {
	if err == nil {
		return nil
	}
	err = wrapError(err, op, path, o.info.Scheme)
	if cerr := ctx.Err(); cerr != nil {
		var se *Error
		if errors.As(err, &se) && se.Kind != KindTimeout && se.Kind != KindCancelled {
			se.Kind = KindOf(cerr)
		}
	}
	return err
}

// ============================================================================
// Metadata
// ============================================================================

// Stat returns the metadata of path. A missing path fails with NotFound.
func (o *Operator) Stat(ctx context.Context, path string) (Metadata, error) {
	p, err := o.gate(OpStat, path)
	if err != nil {
		return Metadata{}, err
	}
	meta, err := o.acc.Stat(ctx, p)
	return meta, o.finish(ctx, err, OpStat, p)
}

// IsExist reports whether path exists.
func (o *Operator) IsExist(ctx context.Context, path string) (bool, error) {
	_, err := o.Stat(ctx, path)
	if err == nil {
		return true, nil
	}
	if IsNotFound(err) {
		return false, nil
	}
	return false, err
}

// ============================================================================
// Read / write
// ============================================================================

// Read returns the whole content of path.
func (o *Operator) Read(ctx context.Context, path string) ([]byte, error) {
	return o.ReadRange(ctx, path, FullRange)
}

// ReadRange returns the bytes of path selected by rng.
func (o *Operator) ReadRange(ctx context.Context, path string, rng Range) ([]byte, error) {
	rc, err := o.Reader(ctx, path, rng)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, o.finish(ctx, err, OpRead, path)
	}
	return data, nil
}

// Reader opens a stream over rng of path. The caller must close it.
func (o *Operator) Reader(ctx context.Context, path string, rng Range) (io.ReadCloser, error) {
	p, err := o.gate(OpRead, path)
	if err != nil {
		return nil, err
	}
	if IsDirPath(p) {
		return nil, &Error{Kind: KindIsADirectory, Op: OpRead, Path: p, Scheme: o.info.Scheme}
	}
	if rng.Offset < 0 {
		return nil, &Error{Kind: KindUnexpected, Op: OpRead, Path: p, Scheme: o.info.Scheme, Err: errors.New("negative range offset")}
	}
	if rng.Length > 0 && rng.Length > math.MaxInt64-rng.Offset {
		return nil, &Error{Kind: KindUnexpected, Op: OpRead, Path: p, Scheme: o.info.Scheme, Err: errors.New("range end overflows int64")}
	}
	rc, err := o.acc.Read(ctx, p, rng)
	if err != nil {
		return nil, o.finish(ctx, err, OpRead, p)
	}
	return rc, nil
}

// Write stores data at path, replacing any existing object.
func (o *Operator) Write(ctx context.Context, path string, data []byte, opts ...WriteOption) error {
	opts = append([]WriteOption{WithSize(int64(len(data)))}, opts...)
	return o.WriteFrom(ctx, path, bytes.NewReader(data), opts...)
}

// WriteFrom stores everything read from r at path. Writes are only
// retried when r is an io.Seeker.
func (o *Operator) WriteFrom(ctx context.Context, path string, r io.Reader, opts ...WriteOption) error {
	p, err := o.gate(OpWrite, path)
	if err != nil {
		return err
	}
	if IsDirPath(p) {
		return &Error{Kind: KindIsADirectory, Op: OpWrite, Path: p, Scheme: o.info.Scheme}
	}
	wo := newWriteOptions(opts)
	err = o.acc.Write(ctx, p, withProgress(r, wo), wo)
	return o.finish(ctx, err, OpWrite, p)
}

// ============================================================================
// Namespace operations
// ============================================================================

// CreateDir creates path and its parents. A missing trailing slash is
// added. Creating an existing directory succeeds.
func (o *Operator) CreateDir(ctx context.Context, path string) error {
	if !strings.HasSuffix(path, "/") {
		path += "/"
	}
	p, err := o.gate(OpCreateDir, path)
	if err != nil {
		return err
	}
	if p == "/" {
		return nil
	}
	return o.finish(ctx, o.acc.CreateDir(ctx, p), OpCreateDir, p)
}

// Delete removes path. Deleting a path that does not exist succeeds.
func (o *Operator) Delete(ctx context.Context, path string) error {
	p, err := o.gate(OpDelete, path)
	if err != nil {
		return err
	}
	err = o.acc.Delete(ctx, p)
	if IsNotFound(err) {
		return nil
	}
	return o.finish(ctx, err, OpDelete, p)
}

// Copy copies the file src to dst.
func (o *Operator) Copy(ctx context.Context, src, dst string) error {
	s, d, err := o.gatePair(OpCopy, src, dst)
	if err != nil {
		return err
	}
	return o.finish(ctx, o.acc.Copy(ctx, s, d), OpCopy, s)
}

// Rename moves the file src to dst.
func (o *Operator) Rename(ctx context.Context, src, dst string) error {
	s, d, err := o.gatePair(OpRename, src, dst)
	if err != nil {
		return err
	}
	if s == d {
		return nil
	}
	return o.finish(ctx, o.acc.Rename(ctx, s, d), OpRename, s)
}

func (o *Operator) gatePair(op Operation, src, dst string) (string, string, error) {
	s, err := o.gate(op, src)
	if err != nil {
		return "", "", err
	}
	d, err := NormalizePath(dst)
	if err != nil {
		return "", "", &Error{Kind: KindPermissionDenied, Op: op, Path: dst, Scheme: o.info.Scheme, Err: err}
	}
	if IsDirPath(s) {
		return "", "", &Error{Kind: KindIsADirectory, Op: op, Path: s, Scheme: o.info.Scheme}
	}
	if IsDirPath(d) {
		return "", "", &Error{Kind: KindIsADirectory, Op: op, Path: d, Scheme: o.info.Scheme}
	}
	return s, d, nil
}

// ============================================================================
// Listing
// ============================================================================

// List yields the direct children of the directory path. The sequence is
// lazy and paginated internally; every range over it lists again from the
// start. Errors are yielded once and end the sequence.
func (o *Operator) List(ctx context.Context, path string) iter.Seq2[Entry, error] {
	return o.lister(ctx, OpList, path)
}

// Scan yields every entry below the directory path, recursively.
func (o *Operator) Scan(ctx context.Context, path string) iter.Seq2[Entry, error] {
	return o.lister(ctx, OpScan, path)
}

// ListAll collects List into a slice.
func (o *Operator) ListAll(ctx context.Context, path string) ([]Entry, error) {
	return collect(o.List(ctx, path))
}

// ScanAll collects Scan into a slice.
func (o *Operator) ScanAll(ctx context.Context, path string) ([]Entry, error) {
	return collect(o.Scan(ctx, path))
}

func collect(seq iter.Seq2[Entry, error]) ([]Entry, error) {
	var out []Entry
	for e, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (o *Operator) lister(ctx context.Context, op Operation, path string) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		p, err := o.listPath(ctx, op, path)
		if err != nil {
			yield(Entry{}, err)
			return
		}
		pager, err := o.acc.List(ctx, p, ListOptions{
			Recursive: op == OpScan,
			Limit:     o.info.Capability.ListLimit,
		})
		if err != nil {
			yield(Entry{}, o.finish(ctx, err, op, p))
			return
		}
		defer pager.Close()
		for {
			page, err := pager.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(Entry{}, o.finish(ctx, err, op, p))
				return
			}
			for _, e := range page {
				// Object stores report the directory marker itself.
				if e.Path == p {
					continue
				}
				if !yield(e, nil) {
					return
				}
			}
		}
	}
}

// listPath gates a list or scan. A path given without a trailing slash is
// checked with stat so that listing a file fails with NotADirectory on
// every backend.
func (o *Operator) listPath(ctx context.Context, op Operation, path string) (string, error) {
	p, err := o.gate(op, path)
	if err != nil {
		return "", err
	}
	if IsDirPath(p) {
		return p, nil
	}
	if o.info.Capability.Stat {
		meta, err := o.acc.Stat(ctx, p)
		switch {
		case err == nil && !meta.IsDir():
			return "", &Error{Kind: KindNotADirectory, Op: op, Path: p, Scheme: o.info.Scheme}
		case err != nil && !IsNotFound(err):
			return "", o.finish(ctx, err, op, p)
		}
	}
	return p + "/", nil
}

// RemoveAll deletes path and, when it is a directory, everything below it.
func (o *Operator) RemoveAll(ctx context.Context, path string) error {
	p, err := o.gate(OpDelete, path)
	if err != nil {
		return err
	}
	if !IsDirPath(p) {
		meta, err := o.Stat(ctx, p)
		if IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if !meta.IsDir() {
			return o.Delete(ctx, p)
		}
		p += "/"
	}
	if !o.info.Capability.Scan {
		return unsupported(OpScan, p, o.info.Scheme)
	}

	var dirs []string
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.removeAllParallelism)
	for e, err := range o.Scan(gctx, p) {
		if err != nil {
			g.Go(func() error { return err })
			break
		}
		if e.Metadata.IsDir() {
			dirs = append(dirs, e.Path)
			continue
		}
		g.Go(func() error { return o.Delete(gctx, e.Path) })
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// Deepest directories first so parents are empty when removed.
	for i := len(dirs) - 1; i >= 0; i-- {
		if err := o.Delete(ctx, dirs[i]); err != nil {
			return err
		}
	}
	if p == "/" {
		return nil
	}
	o.logger.Debug("removed tree", "scheme", o.info.Scheme, "path", p, "dirs", len(dirs))
	return o.Delete(ctx, p)
}

// ============================================================================
// Presign
// ============================================================================

// Presign creates a request for method on path that is valid for expiry.
func (o *Operator) Presign(ctx context.Context, path string, method PresignMethod, expiry time.Duration) (PresignedRequest, error) {
	p, err := o.gate(OpPresign, path)
	if err != nil {
		return PresignedRequest{}, err
	}
	if !o.info.Capability.SupportsPresign(method) {
		return PresignedRequest{}, unsupported(Operation("presign_"+string(method)), p, o.info.Scheme)
	}
	if expiry <= 0 {
		return PresignedRequest{}, &Error{Kind: KindUnexpected, Op: OpPresign, Path: p, Scheme: o.info.Scheme, Err: errors.New("expiry must be positive")}
	}
	req, err := o.acc.Presign(ctx, p, PresignOptions{Method: method, Expiry: expiry})
	return req, o.finish(ctx, err, OpPresign, p)
}

// PresignRead presigns a GET of path.
func (o *Operator) PresignRead(ctx context.Context, path string, expiry time.Duration) (PresignedRequest, error) {
	return o.Presign(ctx, path, PresignMethodRead, expiry)
}

// PresignWrite presigns a PUT of path.
func (o *Operator) PresignWrite(ctx context.Context, path string, expiry time.Duration) (PresignedRequest, error) {
	return o.Presign(ctx, path, PresignMethodWrite, expiry)
}

// PresignStat presigns a HEAD of path.
func (o *Operator) PresignStat(ctx context.Context, path string, expiry time.Duration) (PresignedRequest, error) {
	return o.Presign(ctx, path, PresignMethodStat, expiry)
}
