package storekit

// WriteOption configures a single write.
type WriteOption func(*WriteOptions)

// WriteOptions carries per-write settings down to the accessor. Backends
// ignore the fields they cannot store.
type WriteOptions struct {
	// ContentType sets the MIME type. When empty, backends that record a
	// content type detect it from the path and the first bytes.
	ContentType string

	// ContentDisposition sets the Content-Disposition header
	ContentDisposition string

	// CacheControl sets the Cache-Control header
	CacheControl string

	// Metadata is stored as user metadata where the backend supports it.
	Metadata map[string]string

	// Size is the content length when the caller knows it, or -1.
	Size int64

	progress ProgressFunc
}

func newWriteOptions(opts []WriteOption) WriteOptions {
	o := WriteOptions{Size: -1}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithContentType sets the content type of the object
func WithContentType(contentType string) WriteOption {
	return func(o *WriteOptions) {
		o.ContentType = contentType
	}
}

// WithContentDisposition sets the Content-Disposition header
func WithContentDisposition(disposition string) WriteOption {
	return func(o *WriteOptions) {
		o.ContentDisposition = disposition
	}
}

// WithCacheControl sets the Cache-Control header
func WithCacheControl(cacheControl string) WriteOption {
	return func(o *WriteOptions) {
		o.CacheControl = cacheControl
	}
}

// WithMetadata sets user metadata for the object
func WithMetadata(metadata map[string]string) WriteOption {
	return func(o *WriteOptions) {
		o.Metadata = metadata
	}
}

// WithSize declares the content length up front. Object stores use it to
// avoid buffering the body.
func WithSize(size int64) WriteOption {
	return func(o *WriteOptions) {
		o.Size = size
	}
}
