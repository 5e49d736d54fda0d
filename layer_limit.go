package storekit

import (
	"context"
	"io"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ConcurrentLimitLayer caps the number of calls in flight. Permits cover
// the call itself; streams it returns do not hold one.
type ConcurrentLimitLayer struct {
	Permits int64
}

// NewConcurrentLimitLayer allows at most permits concurrent calls.
func NewConcurrentLimitLayer(permits int64) *ConcurrentLimitLayer {
	return &ConcurrentLimitLayer{Permits: permits}
}

// Layer implements Layer.
func (l *ConcurrentLimitLayer) Layer(inner Accessor) Accessor {
	sem := semaphore.NewWeighted(l.Permits)
	return &interceptor{
		inner: inner,
		around: func(ctx context.Context, op Operation, path string, call func(context.Context) error) error {
			if err := sem.Acquire(ctx, 1); err != nil {
				return &Error{Kind: KindOf(err), Op: op, Path: path, Err: err}
			}
			defer sem.Release(1)
			return call(ctx)
		},
	}
}

// ThrottleLayer limits the rate of calls and, optionally, the bandwidth
// of writes.
type ThrottleLayer struct {
	// OpsPerSecond and Burst shape the call rate. Zero disables it.
	OpsPerSecond float64
	Burst        int
	// BytesPerSecond limits write bandwidth. Zero disables it.
	BytesPerSecond int
}

// Layer implements Layer.
func (l *ThrottleLayer) Layer(inner Accessor) Accessor {
	var ops, bw *rate.Limiter
	if l.OpsPerSecond > 0 {
		burst := l.Burst
		if burst <= 0 {
			burst = 1
		}
		ops = rate.NewLimiter(rate.Limit(l.OpsPerSecond), burst)
	}
	if l.BytesPerSecond > 0 {
		bw = rate.NewLimiter(rate.Limit(l.BytesPerSecond), l.BytesPerSecond)
	}
	a := &interceptor{
		inner: inner,
		around: func(ctx context.Context, op Operation, path string, call func(context.Context) error) error {
			if ops != nil {
				if err := ops.Wait(ctx); err != nil {
					return &Error{Kind: KindRateLimited, Op: op, Path: path, Err: err}
				}
			}
			return call(ctx)
		},
	}
	if bw != nil {
		a.onWriter = func(ctx context.Context, _ string, r io.Reader) io.Reader {
			return &throttledReader{Reader: r, ctx: ctx, limiter: bw}
		}
	}
	return a
}

type throttledReader struct {
	io.Reader
	ctx     context.Context
	limiter *rate.Limiter
}

func (r *throttledReader) Read(p []byte) (int, error) {
	if burst := r.limiter.Burst(); len(p) > burst {
		p = p[:burst]
	}
	n, err := r.Reader.Read(p)
	if n > 0 {
		if werr := r.limiter.WaitN(r.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

func (r *throttledReader) Seek(offset int64, whence int) (int64, error) {
	s, ok := r.Reader.(io.Seeker)
	if !ok {
		return 0, ErrUnsupported
	}
	return s.Seek(offset, whence)
}
