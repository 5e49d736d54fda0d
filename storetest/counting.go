// Package storetest provides test helpers for storekit backends: a
// conformance suite every accessor should pass and an accessor wrapper
// that counts, fails and blocks calls on demand.
package storetest

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/gobeaver/storekit"
)

// CountingAccessor wraps an accessor and records every call that reaches
// it. Failures can be scripted per operation and operations can be made
// to block until their context ends.
type CountingAccessor struct {
	inner storekit.Accessor
	info  storekit.AccessorInfo

	mu       sync.Mutex
	calls    map[storekit.Operation]int
	failures map[storekit.Operation][]error
	blocked  map[storekit.Operation]bool

	inFlight atomic.Int64
	released atomic.Int64
}

// NewCountingAccessor wraps inner.
func NewCountingAccessor(inner storekit.Accessor) *CountingAccessor {
	return &CountingAccessor{
		inner:    inner,
		info:     inner.Info(),
		calls:    make(map[storekit.Operation]int),
		failures: make(map[storekit.Operation][]error),
		blocked:  make(map[storekit.Operation]bool),
	}
}

// WithCapability replaces the capability reported by Info.
func (c *CountingAccessor) WithCapability(capability storekit.Capability) *CountingAccessor {
	c.info.Capability = capability
	return c
}

// FailNext makes the next len(errs) calls of op fail with errs, in order,
// without reaching the inner accessor.
func (c *CountingAccessor) FailNext(op storekit.Operation, errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[op] = append(c.failures[op], errs...)
}

// Block makes every call of op wait until its context is done.
func (c *CountingAccessor) Block(op storekit.Operation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocked[op] = true
}

// Calls returns the number of calls of op.
func (c *CountingAccessor) Calls(op storekit.Operation) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

// TotalCalls returns the number of calls across all operations.
func (c *CountingAccessor) TotalCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.calls {
		n += v
	}
	return n
}

// InFlight returns the number of blocked calls still waiting.
func (c *CountingAccessor) InFlight() int64 { return c.inFlight.Load() }

// Released returns the number of blocked calls that have returned.
func (c *CountingAccessor) Released() int64 { return c.released.Load() }

// enter records a call and applies scripted behavior. A non-nil error
// ends the call.
func (c *CountingAccessor) enter(ctx context.Context, op storekit.Operation) error {
	c.mu.Lock()
	c.calls[op]++
	var scripted error
	if q := c.failures[op]; len(q) > 0 {
		scripted = q[0]
		c.failures[op] = q[1:]
	}
	block := c.blocked[op]
	c.mu.Unlock()

	if scripted != nil {
		return scripted
	}
	if block {
		c.inFlight.Add(1)
		<-ctx.Done()
		c.inFlight.Add(-1)
		c.released.Add(1)
		return ctx.Err()
	}
	return nil
}

func (c *CountingAccessor) Info() storekit.AccessorInfo { return c.info }

func (c *CountingAccessor) Stat(ctx context.Context, path string) (storekit.Metadata, error) {
	if err := c.enter(ctx, storekit.OpStat); err != nil {
		return storekit.Metadata{}, err
	}
	return c.inner.Stat(ctx, path)
}

func (c *CountingAccessor) Read(ctx context.Context, path string, rng storekit.Range) (io.ReadCloser, error) {
	if err := c.enter(ctx, storekit.OpRead); err != nil {
		return nil, err
	}
	return c.inner.Read(ctx, path, rng)
}

func (c *CountingAccessor) Write(ctx context.Context, path string, r io.Reader, opts storekit.WriteOptions) error {
	if err := c.enter(ctx, storekit.OpWrite); err != nil {
		return err
	}
	return c.inner.Write(ctx, path, r, opts)
}

func (c *CountingAccessor) CreateDir(ctx context.Context, path string) error {
	if err := c.enter(ctx, storekit.OpCreateDir); err != nil {
		return err
	}
	return c.inner.CreateDir(ctx, path)
}

func (c *CountingAccessor) Delete(ctx context.Context, path string) error {
	if err := c.enter(ctx, storekit.OpDelete); err != nil {
		return err
	}
	return c.inner.Delete(ctx, path)
}

func (c *CountingAccessor) Copy(ctx context.Context, src, dst string) error {
	if err := c.enter(ctx, storekit.OpCopy); err != nil {
		return err
	}
	return c.inner.Copy(ctx, src, dst)
}

func (c *CountingAccessor) Rename(ctx context.Context, src, dst string) error {
	if err := c.enter(ctx, storekit.OpRename); err != nil {
		return err
	}
	return c.inner.Rename(ctx, src, dst)
}

// List counts list and scan separately.
func (c *CountingAccessor) List(ctx context.Context, path string, opts storekit.ListOptions) (storekit.Pager, error) {
	op := storekit.OpList
	if opts.Recursive {
		op = storekit.OpScan
	}
	if err := c.enter(ctx, op); err != nil {
		return nil, err
	}
	return c.inner.List(ctx, path, opts)
}

func (c *CountingAccessor) Presign(ctx context.Context, path string, opts storekit.PresignOptions) (storekit.PresignedRequest, error) {
	if err := c.enter(ctx, storekit.OpPresign); err != nil {
		return storekit.PresignedRequest{}, err
	}
	return c.inner.Presign(ctx, path, opts)
}
