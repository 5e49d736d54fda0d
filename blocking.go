package storekit

import (
	"context"
	"io"
	"time"
)

// BlockingOperator is the blocking façade. Each call drives the
// non-blocking path to completion on the calling goroutine inside the
// operator's own cancellation scope. Do not call it from code that the
// async façade is waiting on.
type BlockingOperator struct {
	async  *AsyncOperator
	ctx    context.Context
	cancel context.CancelFunc
}

func newBlockingOperator(a *AsyncOperator, parent context.Context) *BlockingOperator {
	ctx, cancel := context.WithCancel(parent)
	return &BlockingOperator{async: a, ctx: ctx, cancel: cancel}
}

// WithContext returns a blocking operator scoped to ctx. Cancelling ctx,
// or calling Cancel on the result, aborts its in-flight calls.
func (b *BlockingOperator) WithContext(ctx context.Context) *BlockingOperator {
	return newBlockingOperator(b.async, ctx)
}

// Cancel aborts every in-flight call of this operator; they return
// Cancelled. Calls made afterwards fail with Cancelled immediately.
func (b *BlockingOperator) Cancel() { b.cancel() }

// Operator returns the shared core.
func (b *BlockingOperator) Operator() *Operator { return b.async.op }

// Capability returns the backend capability.
func (b *BlockingOperator) Capability() Capability { return b.async.op.Capability() }

func await[T any](b *BlockingOperator, op Operation, path string, f func(ctx context.Context) *Future[T]) (T, error) {
	if err := b.ctx.Err(); err != nil {
		var zero T
		return zero, NewError(KindCancelled, op, path, err)
	}
	return f(b.ctx).Await(b.ctx)
}

func awaitErr(b *BlockingOperator, op Operation, path string, f func(ctx context.Context) *Future[struct{}]) error {
	_, err := await(b, op, path, f)
	return err
}

func (b *BlockingOperator) Stat(path string) (Metadata, error) {
	return await(b, OpStat, path, func(ctx context.Context) *Future[Metadata] { return b.async.Stat(ctx, path) })
}

func (b *BlockingOperator) IsExist(path string) (bool, error) {
	return await(b, OpStat, path, func(ctx context.Context) *Future[bool] { return b.async.IsExist(ctx, path) })
}

func (b *BlockingOperator) Read(path string) ([]byte, error) {
	return await(b, OpRead, path, func(ctx context.Context) *Future[[]byte] { return b.async.Read(ctx, path) })
}

func (b *BlockingOperator) ReadRange(path string, rng Range) ([]byte, error) {
	return await(b, OpRead, path, func(ctx context.Context) *Future[[]byte] { return b.async.ReadRange(ctx, path, rng) })
}

func (b *BlockingOperator) Reader(path string, rng Range) (io.ReadCloser, error) {
	return await(b, OpRead, path, func(ctx context.Context) *Future[io.ReadCloser] { return b.async.Reader(ctx, path, rng) })
}

func (b *BlockingOperator) Write(path string, data []byte, opts ...WriteOption) error {
	return awaitErr(b, OpWrite, path, func(ctx context.Context) *Future[struct{}] { return b.async.Write(ctx, path, data, opts...) })
}

func (b *BlockingOperator) WriteFrom(path string, r io.Reader, opts ...WriteOption) error {
	return awaitErr(b, OpWrite, path, func(ctx context.Context) *Future[struct{}] { return b.async.WriteFrom(ctx, path, r, opts...) })
}

func (b *BlockingOperator) CreateDir(path string) error {
	return awaitErr(b, OpCreateDir, path, func(ctx context.Context) *Future[struct{}] { return b.async.CreateDir(ctx, path) })
}

func (b *BlockingOperator) Delete(path string) error {
	return awaitErr(b, OpDelete, path, func(ctx context.Context) *Future[struct{}] { return b.async.Delete(ctx, path) })
}

func (b *BlockingOperator) RemoveAll(path string) error {
	return awaitErr(b, OpDelete, path, func(ctx context.Context) *Future[struct{}] { return b.async.RemoveAll(ctx, path) })
}

func (b *BlockingOperator) Copy(src, dst string) error {
	return awaitErr(b, OpCopy, src, func(ctx context.Context) *Future[struct{}] { return b.async.Copy(ctx, src, dst) })
}

func (b *BlockingOperator) Rename(src, dst string) error {
	return awaitErr(b, OpRename, src, func(ctx context.Context) *Future[struct{}] { return b.async.Rename(ctx, src, dst) })
}

func (b *BlockingOperator) List(path string) ([]Entry, error) {
	return await(b, OpList, path, func(ctx context.Context) *Future[[]Entry] { return b.async.List(ctx, path) })
}

func (b *BlockingOperator) Scan(path string) ([]Entry, error) {
	return await(b, OpScan, path, func(ctx context.Context) *Future[[]Entry] { return b.async.Scan(ctx, path) })
}

func (b *BlockingOperator) Presign(path string, method PresignMethod, expiry time.Duration) (PresignedRequest, error) {
	return await(b, OpPresign, path, func(ctx context.Context) *Future[PresignedRequest] {
		return b.async.Presign(ctx, path, method, expiry)
	})
}
