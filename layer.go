package storekit

import (
	"context"
	"io"
)

// Layer turns an accessor into another accessor with the same contract and
// added behavior. The returned accessor owns inner.
type Layer interface {
	Layer(inner Accessor) Accessor
}

// LayerFunc adapts a function to a Layer.
type LayerFunc func(inner Accessor) Accessor

// Layer implements Layer.
func (f LayerFunc) Layer(inner Accessor) Accessor { return f(inner) }

// Stack applies layers in order: the last layer ends up outermost, closest
// to the caller.
func Stack(acc Accessor, layers ...Layer) Accessor {
	for _, l := range layers {
		if l == nil {
			continue
		}
		acc = l.Layer(acc)
	}
	return acc
}

// ============================================================================
// interceptor: shared plumbing for layers that only observe or gate calls
// ============================================================================

// aroundFunc runs call for op on path. It must call call at most once and
// return its error unchanged unless it rejects the call outright.
type aroundFunc func(ctx context.Context, op Operation, path string, call func(context.Context) error) error

// interceptor routes every accessor method through around. Streams are
// passed to onReader and onPager when set so layers can observe their use.
type interceptor struct {
	inner    Accessor
	around   aroundFunc
	onReader func(ctx context.Context, path string, rc io.ReadCloser) io.ReadCloser
	onWriter func(ctx context.Context, path string, r io.Reader) io.Reader
	onPager  func(ctx context.Context, path string, p Pager) Pager
}

func (a *interceptor) Info() AccessorInfo { return a.inner.Info() }

func (a *interceptor) Stat(ctx context.Context, path string) (meta Metadata, err error) {
	err = a.around(ctx, OpStat, path, func(ctx context.Context) error {
		meta, err = a.inner.Stat(ctx, path)
		return err
	})
	return meta, err
}

func (a *interceptor) Read(ctx context.Context, path string, rng Range) (rc io.ReadCloser, err error) {
	err = a.around(ctx, OpRead, path, func(ctx context.Context) error {
		rc, err = a.inner.Read(ctx, path, rng)
		return err
	})
	if err != nil {
		return nil, err
	}
	if a.onReader != nil {
		rc = a.onReader(ctx, path, rc)
	}
	return rc, nil
}

func (a *interceptor) Write(ctx context.Context, path string, r io.Reader, opts WriteOptions) error {
	if a.onWriter != nil {
		r = a.onWriter(ctx, path, r)
	}
	return a.around(ctx, OpWrite, path, func(ctx context.Context) error {
		return a.inner.Write(ctx, path, r, opts)
	})
}

func (a *interceptor) CreateDir(ctx context.Context, path string) error {
	return a.around(ctx, OpCreateDir, path, func(ctx context.Context) error {
		return a.inner.CreateDir(ctx, path)
	})
}

func (a *interceptor) Delete(ctx context.Context, path string) error {
	return a.around(ctx, OpDelete, path, func(ctx context.Context) error {
		return a.inner.Delete(ctx, path)
	})
}

func (a *interceptor) Copy(ctx context.Context, src, dst string) error {
	return a.around(ctx, OpCopy, src, func(ctx context.Context) error {
		return a.inner.Copy(ctx, src, dst)
	})
}

func (a *interceptor) Rename(ctx context.Context, src, dst string) error {
	return a.around(ctx, OpRename, src, func(ctx context.Context) error {
		return a.inner.Rename(ctx, src, dst)
	})
}

func (a *interceptor) List(ctx context.Context, path string, opts ListOptions) (p Pager, err error) {
	op := OpList
	if opts.Recursive {
		op = OpScan
	}
	err = a.around(ctx, op, path, func(ctx context.Context) error {
		p, err = a.inner.List(ctx, path, opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	if a.onPager != nil {
		p = a.onPager(ctx, path, p)
	}
	return p, nil
}

func (a *interceptor) Presign(ctx context.Context, path string, opts PresignOptions) (req PresignedRequest, err error) {
	err = a.around(ctx, OpPresign, path, func(ctx context.Context) error {
		req, err = a.inner.Presign(ctx, path, opts)
		return err
	})
	return req, err
}

// countingReader counts bytes flowing through a reader.
type countingReader struct {
	io.Reader
	n int64
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.Reader.Read(p)
	r.n += int64(n)
	return n, err
}

// readCloser pairs a reader with a close function.
type readCloser struct {
	io.Reader
	close func() error
}

func (r *readCloser) Close() error { return r.close() }
