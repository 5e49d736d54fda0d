package storekit

import (
	"context"
	"errors"
	"io"
)

// ErrReadOnly is the cause attached to writes rejected by a read-only
// accessor.
var ErrReadOnly = errors.New("backend is read-only")

// ============================================================================
// ReadOnlyLayer
// ============================================================================

// ReadOnlyLayer turns any backend into a read-only one. It masks the
// mutating capabilities, so an Operator rejects writes with Unsupported
// before they reach the backend. Direct accessor calls that bypass the
// capability gate fail with PermissionDenied.
//
// Example:
//
//	op := storekit.NewOperator(acc, []storekit.Layer{storekit.NewReadOnlyLayer()})
//
//	// Reads work normally
//	data, _ := op.Read(ctx, "file.txt")
//
//	// Writes fail with Unsupported
//	err := op.Write(ctx, "file.txt", data)
type ReadOnlyLayer struct {
	opts ReadOnlyOptions
}

// ReadOnlyOptions configures the ReadOnlyLayer behavior.
type ReadOnlyOptions struct {
	// AllowCreateDir permits directory creation in read-only mode.
	// Useful for staging areas.
	// Default: false
	AllowCreateDir bool

	// AllowDelete permits deletion in read-only mode.
	// Default: false
	AllowDelete bool

	// OnWriteAttempt is called when a write reaches the accessor. If it
	// returns nil the write is allowed through.
	OnWriteAttempt func(op Operation, path string) error
}

// ReadOnlyOption is a functional option for configuring ReadOnlyLayer.
type ReadOnlyOption func(*ReadOnlyOptions)

// WithAllowCreateDir allows directory creation in read-only mode.
func WithAllowCreateDir(allow bool) ReadOnlyOption {
	return func(o *ReadOnlyOptions) {
		o.AllowCreateDir = allow
	}
}

// WithAllowDelete allows deletion in read-only mode.
func WithAllowDelete(allow bool) ReadOnlyOption {
	return func(o *ReadOnlyOptions) {
		o.AllowDelete = allow
	}
}

// WithWriteAttemptHandler sets a custom handler for write attempts.
func WithWriteAttemptHandler(handler func(op Operation, path string) error) ReadOnlyOption {
	return func(o *ReadOnlyOptions) {
		o.OnWriteAttempt = handler
	}
}

// NewReadOnlyLayer creates a read-only layer.
func NewReadOnlyLayer(opts ...ReadOnlyOption) *ReadOnlyLayer {
	options := ReadOnlyOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	return &ReadOnlyLayer{opts: options}
}

// Layer implements Layer.
func (l *ReadOnlyLayer) Layer(inner Accessor) Accessor {
	info := inner.Info()
	base := info.Capability
	info.Capability = base.ReadOnly()
	if l.opts.AllowCreateDir {
		info.Capability.CreateDir = base.CreateDir
	}
	if l.opts.AllowDelete {
		info.Capability.Delete = base.Delete
	}
	return &readOnlyAccessor{Accessor: inner, info: info, opts: l.opts}
}

type readOnlyAccessor struct {
	Accessor
	info AccessorInfo
	opts ReadOnlyOptions
}

// IsReadOnly returns true, indicating this is a read-only accessor.
func (r *readOnlyAccessor) IsReadOnly() bool { return true }

func (r *readOnlyAccessor) Info() AccessorInfo { return r.info }

// reject returns the error for a blocked write, or nil when the write
// attempt handler lets it through.
func (r *readOnlyAccessor) reject(op Operation, path string) error {
	if r.opts.OnWriteAttempt != nil {
		if err := r.opts.OnWriteAttempt(op, path); err != nil {
			return &Error{Kind: KindPermissionDenied, Op: op, Path: path, Err: err}
		}
		return nil
	}
	return &Error{Kind: KindPermissionDenied, Op: op, Path: path, Err: ErrReadOnly}
}

func (r *readOnlyAccessor) Write(ctx context.Context, path string, rd io.Reader, opts WriteOptions) error {
	if err := r.reject(OpWrite, path); err != nil {
		return err
	}
	return r.Accessor.Write(ctx, path, rd, opts)
}

func (r *readOnlyAccessor) CreateDir(ctx context.Context, path string) error {
	if !r.opts.AllowCreateDir {
		if err := r.reject(OpCreateDir, path); err != nil {
			return err
		}
	}
	return r.Accessor.CreateDir(ctx, path)
}

func (r *readOnlyAccessor) Delete(ctx context.Context, path string) error {
	if !r.opts.AllowDelete {
		if err := r.reject(OpDelete, path); err != nil {
			return err
		}
	}
	return r.Accessor.Delete(ctx, path)
}

func (r *readOnlyAccessor) Copy(ctx context.Context, src, dst string) error {
	if err := r.reject(OpCopy, dst); err != nil {
		return err
	}
	return r.Accessor.Copy(ctx, src, dst)
}

func (r *readOnlyAccessor) Rename(ctx context.Context, src, dst string) error {
	if err := r.reject(OpRename, dst); err != nil {
		return err
	}
	return r.Accessor.Rename(ctx, src, dst)
}

// Presign blocks upload URLs, which enable writes.
func (r *readOnlyAccessor) Presign(ctx context.Context, path string, opts PresignOptions) (PresignedRequest, error) {
	if opts.Method == PresignMethodWrite {
		if err := r.reject(OpPresign, path); err != nil {
			return PresignedRequest{}, err
		}
	}
	return r.Accessor.Presign(ctx, path, opts)
}

// IsReadOnlyError checks if an error is due to read-only restrictions.
func IsReadOnlyError(err error) bool {
	return errors.Is(err, ErrReadOnly)
}

var _ Accessor = (*readOnlyAccessor)(nil)
