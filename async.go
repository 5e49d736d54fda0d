package storekit

import (
	"context"
	"io"
	"sync"
	"time"
)

// Future is the pending result of an operation started by AsyncOperator.
type Future[T any] struct {
	done   chan struct{}
	cancel context.CancelFunc
	once   sync.Once

	op   Operation
	path string

	val T
	err error
}

// spawn runs fn on its own goroutine under a cancelable child of ctx.
// When keep is false the child context is released as soon as fn returns;
// streams returned by fn keep it alive until they are closed.
func spawn[T any](ctx context.Context, op Operation, path string, keep bool, fn func(context.Context) (T, error)) *Future[T] {
	cctx, cancel := context.WithCancel(ctx)
	f := &Future[T]{done: make(chan struct{}), cancel: cancel, op: op, path: path}
	go func() {
		defer close(f.done)
		f.val, f.err = fn(cctx)
		if !keep || f.err != nil {
			cancel()
		}
	}()
	return f
}

// Done is closed when the operation has finished.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Cancel aborts the in-flight operation. The future then resolves with a
// Cancelled error unless it had already finished.
func (f *Future[T]) Cancel() {
	f.once.Do(f.cancel)
}

// Result returns the outcome of a finished operation. It must only be
// called after Done is closed.
func (f *Future[T]) Result() (T, error) {
	return f.val, f.err
}

// Await waits for the operation. If ctx ends first the operation is
// aborted, its resources are released, and Await returns Cancelled (or
// Timeout when ctx hit its deadline) instead of the would-be result.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
	}
	f.Cancel()
	<-f.done
	if c, ok := any(f.val).(io.Closer); ok && f.err == nil {
		_ = c.Close()
	}
	var zero T
	return zero, NewError(KindOf(ctx.Err()), f.op, f.path, ctx.Err())
}

// AsyncOperator is the non-blocking façade. Every method starts the
// operation and returns immediately with a Future; the calling goroutine
// is never parked on I/O.
type AsyncOperator struct {
	op *Operator
}

// Operator returns the shared core.
func (a *AsyncOperator) Operator() *Operator { return a.op }

// Capability returns the backend capability.
func (a *AsyncOperator) Capability() Capability { return a.op.Capability() }

// Blocking returns a blocking façade over the same core.
func (a *AsyncOperator) Blocking() *BlockingOperator {
	return newBlockingOperator(a, context.Background())
}

func (a *AsyncOperator) Stat(ctx context.Context, path string) *Future[Metadata] {
	return spawn(ctx, OpStat, path, false, func(ctx context.Context) (Metadata, error) {
		return a.op.Stat(ctx, path)
	})
}

func (a *AsyncOperator) IsExist(ctx context.Context, path string) *Future[bool] {
	return spawn(ctx, OpStat, path, false, func(ctx context.Context) (bool, error) {
		return a.op.IsExist(ctx, path)
	})
}

func (a *AsyncOperator) Read(ctx context.Context, path string) *Future[[]byte] {
	return spawn(ctx, OpRead, path, false, func(ctx context.Context) ([]byte, error) {
		return a.op.Read(ctx, path)
	})
}

func (a *AsyncOperator) ReadRange(ctx context.Context, path string, rng Range) *Future[[]byte] {
	return spawn(ctx, OpRead, path, false, func(ctx context.Context) ([]byte, error) {
		return a.op.ReadRange(ctx, path, rng)
	})
}

// Reader opens a stream. Closing the stream releases the operation.
func (a *AsyncOperator) Reader(ctx context.Context, path string, rng Range) *Future[io.ReadCloser] {
	var f *Future[io.ReadCloser]
	f = spawn(ctx, OpRead, path, true, func(ctx context.Context) (io.ReadCloser, error) {
		rc, err := a.op.Reader(ctx, path, rng)
		if err != nil {
			return nil, err
		}
		return &readCloser{Reader: rc, close: func() error {
			err := rc.Close()
			f.Cancel()
			return err
		}}, nil
	})
	return f
}

func (a *AsyncOperator) Write(ctx context.Context, path string, data []byte, opts ...WriteOption) *Future[struct{}] {
	return spawn(ctx, OpWrite, path, false, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.op.Write(ctx, path, data, opts...)
	})
}

func (a *AsyncOperator) WriteFrom(ctx context.Context, path string, r io.Reader, opts ...WriteOption) *Future[struct{}] {
	return spawn(ctx, OpWrite, path, false, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.op.WriteFrom(ctx, path, r, opts...)
	})
}

func (a *AsyncOperator) CreateDir(ctx context.Context, path string) *Future[struct{}] {
	return spawn(ctx, OpCreateDir, path, false, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.op.CreateDir(ctx, path)
	})
}

func (a *AsyncOperator) Delete(ctx context.Context, path string) *Future[struct{}] {
	return spawn(ctx, OpDelete, path, false, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.op.Delete(ctx, path)
	})
}

func (a *AsyncOperator) RemoveAll(ctx context.Context, path string) *Future[struct{}] {
	return spawn(ctx, OpDelete, path, false, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.op.RemoveAll(ctx, path)
	})
}

func (a *AsyncOperator) Copy(ctx context.Context, src, dst string) *Future[struct{}] {
	return spawn(ctx, OpCopy, src, false, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.op.Copy(ctx, src, dst)
	})
}

func (a *AsyncOperator) Rename(ctx context.Context, src, dst string) *Future[struct{}] {
	return spawn(ctx, OpRename, src, false, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.op.Rename(ctx, src, dst)
	})
}

// List collects the children of path.
func (a *AsyncOperator) List(ctx context.Context, path string) *Future[[]Entry] {
	return spawn(ctx, OpList, path, false, func(ctx context.Context) ([]Entry, error) {
		return a.op.ListAll(ctx, path)
	})
}

// Scan collects every entry below path.
func (a *AsyncOperator) Scan(ctx context.Context, path string) *Future[[]Entry] {
	return spawn(ctx, OpScan, path, false, func(ctx context.Context) ([]Entry, error) {
		return a.op.ScanAll(ctx, path)
	})
}

func (a *AsyncOperator) Presign(ctx context.Context, path string, method PresignMethod, expiry time.Duration) *Future[PresignedRequest] {
	return spawn(ctx, OpPresign, path, false, func(ctx context.Context) (PresignedRequest, error) {
		return a.op.Presign(ctx, path, method, expiry)
	})
}
