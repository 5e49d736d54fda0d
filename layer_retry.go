package storekit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryLayer retries transient failures with exponential backoff and
// jitter. Writes and create_dir are retried only when the backend declares
// them safe to repeat; a write is additionally retried only when its body
// can be rewound.
type RetryLayer struct {
	// MaxAttempts bounds the total number of calls, including the first.
	MaxAttempts int
	// MinDelay is the delay before the first retry.
	MinDelay time.Duration
	// MaxDelay caps a single delay.
	MaxDelay time.Duration
	// Factor multiplies the delay after each retry.
	Factor float64
	// Jitter randomizes each delay by up to this fraction.
	Jitter float64
	// MaxElapsed bounds the total time spent retrying. Zero disables it.
	MaxElapsed time.Duration
	// Notify is called before each retry.
	Notify func(op Operation, path string, err error, wait time.Duration)
	// Logger receives a Warn record per retry. Nil disables it.
	Logger *slog.Logger
}

// NewRetryLayer returns a RetryLayer with the usual defaults: 3 attempts,
// 1s to 60s delays doubling each time, 50% jitter.
func NewRetryLayer() *RetryLayer {
	return &RetryLayer{
		MaxAttempts: 3,
		MinDelay:    time.Second,
		MaxDelay:    60 * time.Second,
		Factor:      2,
		Jitter:      0.5,
	}
}

// Layer implements Layer.
func (l *RetryLayer) Layer(inner Accessor) Accessor {
	return &retryAccessor{inner: inner, cfg: *l, cap: inner.Info().Capability}
}

type retryAccessor struct {
	inner Accessor
	cfg   RetryLayer
	cap   Capability
}

func (a *retryAccessor) newBackOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.cfg.MinDelay
	b.MaxInterval = a.cfg.MaxDelay
	b.Multiplier = a.cfg.Factor
	b.RandomizationFactor = a.cfg.Jitter
	b.MaxElapsedTime = a.cfg.MaxElapsed
	var bo backoff.BackOff = b
	if a.cfg.MaxAttempts > 0 {
		bo = backoff.WithMaxRetries(b, uint64(a.cfg.MaxAttempts-1))
	}
	return backoff.WithContext(bo, ctx)
}

// do calls fn until it succeeds, fails permanently or the budget runs
// out. The final error keeps its kind and records the attempt count.
func (a *retryAccessor) do(ctx context.Context, op Operation, path string, fn func() error) error {
	attempts := 0
	call := func() error {
		attempts++
		err := fn()
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		if a.cfg.Logger != nil {
			a.cfg.Logger.Warn("retrying operation",
				"scheme", a.inner.Info().Scheme, "op", op, "path", path, "attempt", attempts, "wait", wait, "error", err)
		}
		if a.cfg.Notify != nil {
			a.cfg.Notify(op, path, err, wait)
		}
	}
	err := backoff.RetryNotify(call, a.newBackOff(ctx), notify)
	if err == nil || attempts <= 1 || errors.Is(err, io.EOF) {
		return err
	}
	return withAttempts(err, attempts)
}

func retryable(err error) bool {
	if IsTransient(err) {
		return true
	}
	var t interface{ Temporary() bool }
	return errors.As(err, &t) && t.Temporary()
}

func withAttempts(err error, attempts int) error {
	var se *Error
	if errors.As(err, &se) {
		cp := *se
		cp.Attempts = attempts
		return &cp
	}
	return &Error{Kind: KindOf(err), Attempts: attempts, Err: err}
}

func (a *retryAccessor) Info() AccessorInfo { return a.inner.Info() }

func (a *retryAccessor) Stat(ctx context.Context, path string) (meta Metadata, err error) {
	err = a.do(ctx, OpStat, path, func() error {
		meta, err = a.inner.Stat(ctx, path)
		return err
	})
	return meta, err
}

func (a *retryAccessor) Read(ctx context.Context, path string, rng Range) (rc io.ReadCloser, err error) {
	err = a.do(ctx, OpRead, path, func() error {
		rc, err = a.inner.Read(ctx, path, rng)
		return err
	})
	return rc, err
}

func (a *retryAccessor) Write(ctx context.Context, path string, r io.Reader, opts WriteOptions) error {
	seeker, ok := r.(io.Seeker)
	if !a.cap.CanRetry(OpWrite) || !ok {
		return a.inner.Write(ctx, path, r, opts)
	}
	start, err := seeker.Seek(0, io.SeekCurrent)
	if err != nil {
		return a.inner.Write(ctx, path, r, opts)
	}
	first := true
	return a.do(ctx, OpWrite, path, func() error {
		if !first {
			if _, err := seeker.Seek(start, io.SeekStart); err != nil {
				return backoff.Permanent(err)
			}
		}
		first = false
		return a.inner.Write(ctx, path, r, opts)
	})
}

func (a *retryAccessor) CreateDir(ctx context.Context, path string) error {
	if !a.cap.CanRetry(OpCreateDir) {
		return a.inner.CreateDir(ctx, path)
	}
	return a.do(ctx, OpCreateDir, path, func() error {
		return a.inner.CreateDir(ctx, path)
	})
}

func (a *retryAccessor) Delete(ctx context.Context, path string) error {
	return a.do(ctx, OpDelete, path, func() error {
		return a.inner.Delete(ctx, path)
	})
}

func (a *retryAccessor) Copy(ctx context.Context, src, dst string) error {
	if !a.cap.CanRetry(OpCopy) {
		return a.inner.Copy(ctx, src, dst)
	}
	return a.do(ctx, OpCopy, src, func() error {
		return a.inner.Copy(ctx, src, dst)
	})
}

func (a *retryAccessor) Rename(ctx context.Context, src, dst string) error {
	return a.inner.Rename(ctx, src, dst)
}

func (a *retryAccessor) List(ctx context.Context, path string, opts ListOptions) (p Pager, err error) {
	op := OpList
	if opts.Recursive {
		op = OpScan
	}
	err = a.do(ctx, op, path, func() error {
		p, err = a.inner.List(ctx, path, opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &retryPager{inner: p, acc: a, op: op, path: path}, nil
}

func (a *retryAccessor) Presign(ctx context.Context, path string, opts PresignOptions) (req PresignedRequest, err error) {
	err = a.do(ctx, OpPresign, path, func() error {
		req, err = a.inner.Presign(ctx, path, opts)
		return err
	})
	return req, err
}

// retryPager retries each page fetch. Pagers keep their cursor on error so
// the same page is requested again.
type retryPager struct {
	inner Pager
	acc   *retryAccessor
	op    Operation
	path  string
}

func (p *retryPager) Next(ctx context.Context) (page []Entry, err error) {
	err = p.acc.do(ctx, p.op, p.path, func() error {
		page, err = p.inner.Next(ctx)
		if errors.Is(err, io.EOF) {
			return backoff.Permanent(err)
		}
		return err
	})
	return page, err
}

func (p *retryPager) Close() error { return p.inner.Close() }
