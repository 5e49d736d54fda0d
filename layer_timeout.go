package storekit

import (
	"context"
	"fmt"
	"io"
	"time"
)

// TimeoutLayer bounds each call. The call races a timer; if the timer
// wins, the call's context is cancelled and Timeout is returned at once.
// Streams returned by read and list are bounded per I/O call by IOTimeout
// and release their context when closed.
type TimeoutLayer struct {
	// Timeout bounds every non-streaming call. Zero disables it.
	Timeout time.Duration
	// IOTimeout bounds every Read on a stream and every page fetch. Zero
	// disables it.
	IOTimeout time.Duration
}

// NewTimeoutLayer returns a layer with a 60s call timeout and a 10s I/O
// timeout.
func NewTimeoutLayer() *TimeoutLayer {
	return &TimeoutLayer{Timeout: 60 * time.Second, IOTimeout: 10 * time.Second}
}

// Layer implements Layer.
func (l *TimeoutLayer) Layer(inner Accessor) Accessor {
	return &timeoutAccessor{inner: inner, timeout: l.Timeout, ioTimeout: l.IOTimeout}
}

type timeoutAccessor struct {
	inner     Accessor
	timeout   time.Duration
	ioTimeout time.Duration
}

type raceResult[T any] struct {
	val T
	err error
}

// race runs fn against a timer of d. The returned cancel func releases the
// context fn ran under; when keep is false it has already been called.
// A result that arrives after the timer fired is closed if it holds a
// resource.
func race[T any](ctx context.Context, d time.Duration, keep bool, op Operation, path string, fn func(context.Context) (T, error)) (T, context.CancelFunc, error) {
	cctx, cancel := context.WithCancel(ctx)
	if d <= 0 {
		v, err := fn(cctx)
		if !keep || err != nil {
			cancel()
		}
		return v, cancel, err
	}

	ch := make(chan raceResult[T], 1)
	go func() {
		v, err := fn(cctx)
		ch <- raceResult[T]{v, err}
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()

	var zero T
	select {
	case r := <-ch:
		if !keep || r.err != nil {
			cancel()
		}
		return r.val, cancel, r.err
	case <-timer.C:
		cancel()
		go release(ch)
		return zero, cancel, &Error{Kind: KindTimeout, Op: op, Path: path, Err: fmt.Errorf("operation exceeded %s", d)}
	case <-ctx.Done():
		cancel()
		go release(ch)
		return zero, cancel, &Error{Kind: KindOf(ctx.Err()), Op: op, Path: path, Err: ctx.Err()}
	}
}

// release waits for a call that lost its race and frees what it returned.
func release[T any](ch <-chan raceResult[T]) {
	r := <-ch
	if c, ok := any(r.val).(io.Closer); ok && r.err == nil && c != nil {
		_ = c.Close()
	}
}

func (a *timeoutAccessor) Info() AccessorInfo { return a.inner.Info() }

func (a *timeoutAccessor) Stat(ctx context.Context, path string) (Metadata, error) {
	v, _, err := race(ctx, a.timeout, false, OpStat, path, func(ctx context.Context) (Metadata, error) {
		return a.inner.Stat(ctx, path)
	})
	return v, err
}

func (a *timeoutAccessor) Read(ctx context.Context, path string, rng Range) (io.ReadCloser, error) {
	rc, cancel, err := race(ctx, a.timeout, true, OpRead, path, func(ctx context.Context) (io.ReadCloser, error) {
		return a.inner.Read(ctx, path, rng)
	})
	if err != nil {
		return nil, err
	}
	return &timeoutReader{rc: rc, cancel: cancel, d: a.ioTimeout, path: path}, nil
}

func (a *timeoutAccessor) Write(ctx context.Context, path string, r io.Reader, opts WriteOptions) error {
	_, _, err := race(ctx, a.timeout, false, OpWrite, path, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.inner.Write(ctx, path, &ctxReader{ctx: ctx, r: r}, opts)
	})
	return err
}

// ctxReader stops pulling from r once ctx is done, so a write that lost
// its race does not keep consuming the caller's reader.
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

func (a *timeoutAccessor) CreateDir(ctx context.Context, path string) error {
	_, _, err := race(ctx, a.timeout, false, OpCreateDir, path, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.inner.CreateDir(ctx, path)
	})
	return err
}

func (a *timeoutAccessor) Delete(ctx context.Context, path string) error {
	_, _, err := race(ctx, a.timeout, false, OpDelete, path, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.inner.Delete(ctx, path)
	})
	return err
}

func (a *timeoutAccessor) Copy(ctx context.Context, src, dst string) error {
	_, _, err := race(ctx, a.timeout, false, OpCopy, src, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.inner.Copy(ctx, src, dst)
	})
	return err
}

func (a *timeoutAccessor) Rename(ctx context.Context, src, dst string) error {
	_, _, err := race(ctx, a.timeout, false, OpRename, src, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.inner.Rename(ctx, src, dst)
	})
	return err
}

func (a *timeoutAccessor) List(ctx context.Context, path string, opts ListOptions) (Pager, error) {
	op := OpList
	if opts.Recursive {
		op = OpScan
	}
	p, cancel, err := race(ctx, a.timeout, true, op, path, func(ctx context.Context) (Pager, error) {
		return a.inner.List(ctx, path, opts)
	})
	if err != nil {
		return nil, err
	}
	return &timeoutPager{inner: p, cancel: cancel, d: a.ioTimeout, op: op, path: path}, nil
}

func (a *timeoutAccessor) Presign(ctx context.Context, path string, opts PresignOptions) (PresignedRequest, error) {
	v, _, err := race(ctx, a.timeout, false, OpPresign, path, func(ctx context.Context) (PresignedRequest, error) {
		return a.inner.Presign(ctx, path, opts)
	})
	return v, err
}

// timeoutReader bounds each Read. A timed out read cancels the stream; the
// abandoned read fills a private buffer so the caller's slice is never
// written after Read returns.
type timeoutReader struct {
	rc     io.ReadCloser
	cancel context.CancelFunc
	d      time.Duration
	path   string
	broken error
}

func (r *timeoutReader) Read(p []byte) (int, error) {
	if r.broken != nil {
		return 0, r.broken
	}
	if r.d <= 0 {
		return r.rc.Read(p)
	}
	type res struct {
		buf []byte
		n   int
		err error
	}
	ch := make(chan res, 1)
	buf := make([]byte, len(p))
	go func() {
		n, err := r.rc.Read(buf)
		ch <- res{buf, n, err}
	}()
	timer := time.NewTimer(r.d)
	defer timer.Stop()
	select {
	case got := <-ch:
		copy(p, got.buf[:got.n])
		return got.n, got.err
	case <-timer.C:
		r.cancel()
		r.broken = &Error{Kind: KindTimeout, Op: OpRead, Path: r.path, Err: fmt.Errorf("read exceeded %s", r.d)}
		return 0, r.broken
	}
}

func (r *timeoutReader) Close() error {
	err := r.rc.Close()
	r.cancel()
	return err
}

type timeoutPager struct {
	inner  Pager
	cancel context.CancelFunc
	d      time.Duration
	op     Operation
	path   string
}

func (p *timeoutPager) Next(ctx context.Context) ([]Entry, error) {
	page, _, err := race(ctx, p.d, false, p.op, p.path, func(ctx context.Context) ([]Entry, error) {
		return p.inner.Next(ctx)
	})
	return page, err
}

func (p *timeoutPager) Close() error {
	err := p.inner.Close()
	p.cancel()
	return err
}
