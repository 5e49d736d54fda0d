// Package gcs implements the storekit "gcs" scheme on Google Cloud
// Storage.
package gcs

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"github.com/gobeaver/storekit"
)

const defaultPageSize = 1000

// Adapter provides a GCS implementation of storekit.Accessor.
type Adapter struct {
	client *storekit.Lazy[*storage.Client]
	bucket string
	root   string
	signer *signer
}

// signer holds the service account key used for V4 signed URLs.
type signer struct {
	accessID   string
	privateKey []byte
}

// New wraps an existing client. Presigning is unavailable.
func New(client *storage.Client, bucket, root string) (*Adapter, error) {
	r, err := storekit.NormalizeRoot(root)
	if err != nil {
		return nil, storekit.ConfigError(Scheme, err)
	}
	return &Adapter{client: storekit.Ready(client), bucket: bucket, root: r}, nil
}

// Info implements storekit.Accessor. Presigning is reported only when a
// service account key is configured.
func (a *Adapter) Info() storekit.AccessorInfo {
	canSign := a.signer != nil
	return storekit.AccessorInfo{
		Scheme: Scheme,
		Root:   a.root,
		Name:   a.bucket,
		Capability: storekit.Capability{
			Stat:                true,
			Read:                true,
			Write:               true,
			CreateDir:           true,
			Delete:              true,
			Copy:                true,
			Rename:              true,
			List:                true,
			Scan:                true,
			PresignRead:         canSign,
			PresignWrite:        canSign,
			PresignStat:         canSign,
			ListLimit:           defaultPageSize,
			WriteCanRetry:       true,
			CreateDirCanRetry:   true,
			StatHasSize:         true,
			StatHasLastModified: true,
			StatHasETag:         true,
			StatHasContentType:  true,
		},
	}
}

func (a *Adapter) key(p string) string {
	return storekit.JoinRoot(a.root, p)
}

func (a *Adapter) bucketHandle(ctx context.Context) (*storage.BucketHandle, error) {
	client, err := a.client.Get(ctx)
	if err != nil {
		return nil, err
	}
	return client.Bucket(a.bucket), nil
}

// Stat implements storekit.Accessor.
func (a *Adapter) Stat(ctx context.Context, p string) (storekit.Metadata, error) {
	if p == "/" {
		return storekit.DirMetadata(), nil
	}
	bkt, err := a.bucketHandle(ctx)
	if err != nil {
		return storekit.Metadata{}, err
	}
	if storekit.IsDirPath(p) {
		return a.statDir(ctx, bkt, p, a.key(p))
	}

	attrs, err := bkt.Object(a.key(p)).Attrs(ctx)
	if err != nil {
		err = mapError(err)
		if storekit.IsNotFound(err) {
			if meta, derr := a.statDir(ctx, bkt, p, a.key(p)+"/"); derr == nil {
				return meta, nil
			}
		}
		return storekit.Metadata{}, err
	}
	meta := storekit.FileMetadata(uint64(attrs.Size), attrs.Updated)
	meta.ETag = attrs.Etag
	meta.ContentType = attrs.ContentType
	return meta, nil
}

func (a *Adapter) statDir(ctx context.Context, bkt *storage.BucketHandle, p, prefix string) (storekit.Metadata, error) {
	it := bkt.Objects(ctx, &storage.Query{Prefix: prefix})
	_, err := it.Next()
	if errors.Is(err, iterator.Done) {
		return storekit.Metadata{}, storekit.NewError(storekit.KindNotFound, storekit.OpStat, p, nil)
	}
	if err != nil {
		return storekit.Metadata{}, mapError(err)
	}
	return storekit.DirMetadata(), nil
}

// Read implements storekit.Accessor.
func (a *Adapter) Read(ctx context.Context, p string, rng storekit.Range) (io.ReadCloser, error) {
	bkt, err := a.bucketHandle(ctx)
	if err != nil {
		return nil, err
	}
	length := int64(-1)
	if rng.Length > 0 {
		length = rng.Length
	}
	r, err := bkt.Object(a.key(p)).NewRangeReader(ctx, rng.Offset, length)
	if err != nil {
		return nil, mapError(err)
	}
	return r, nil
}

// Write implements storekit.Accessor.
func (a *Adapter) Write(ctx context.Context, p string, content io.Reader, opts storekit.WriteOptions) error {
	bkt, err := a.bucketHandle(ctx)
	if err != nil {
		return err
	}
	key := a.key(p)

	w := bkt.Object(key).NewWriter(ctx)
	w.ContentType = opts.ContentType
	if w.ContentType == "" {
		w.ContentType = storekit.GuessContentType(key, nil)
	}
	w.CacheControl = opts.CacheControl
	w.ContentDisposition = opts.ContentDisposition
	if len(opts.Metadata) > 0 {
		w.Metadata = opts.Metadata
	}
	if opts.Size >= 0 && opts.Size < int64(googleapi.DefaultUploadChunkSize) {
		// Small objects go up in a single request.
		w.ChunkSize = 0
	}

	if _, err := io.Copy(w, content); err != nil {
		_ = w.Close()
		return mapError(err)
	}
	return mapError(w.Close())
}

// CreateDir implements storekit.Accessor with an empty marker object.
func (a *Adapter) CreateDir(ctx context.Context, p string) error {
	bkt, err := a.bucketHandle(ctx)
	if err != nil {
		return err
	}
	w := bkt.Object(a.key(p)).NewWriter(ctx)
	w.ChunkSize = 0
	return mapError(w.Close())
}

// Delete implements storekit.Accessor. Missing objects are not an error.
func (a *Adapter) Delete(ctx context.Context, p string) error {
	bkt, err := a.bucketHandle(ctx)
	if err != nil {
		return err
	}
	err = bkt.Object(a.key(p)).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil
	}
	return mapError(err)
}

// Copy implements storekit.Accessor with a server side copy.
func (a *Adapter) Copy(ctx context.Context, src, dst string) error {
	bkt, err := a.bucketHandle(ctx)
	if err != nil {
		return err
	}
	_, err = bkt.Object(a.key(dst)).CopierFrom(bkt.Object(a.key(src))).Run(ctx)
	return mapError(err)
}

// Rename implements storekit.Accessor as copy then delete.
func (a *Adapter) Rename(ctx context.Context, src, dst string) error {
	if err := a.Copy(ctx, src, dst); err != nil {
		return err
	}
	return a.Delete(ctx, src)
}

// List implements storekit.Accessor on top of the object iterator's
// pager.
func (a *Adapter) List(ctx context.Context, p string, opts storekit.ListOptions) (storekit.Pager, error) {
	bkt, err := a.bucketHandle(ctx)
	if err != nil {
		return nil, err
	}
	prefix := a.key(p)
	query := &storage.Query{Prefix: prefix}
	if !opts.Recursive {
		query.Delimiter = "/"
	}
	if err := query.SetAttrSelection([]string{"Name", "Size", "Updated", "Etag", "ContentType"}); err != nil {
		return nil, err
	}

	size := opts.Limit
	if size <= 0 || size > defaultPageSize {
		size = defaultPageSize
	}
	return &pager{
		root:   a.root,
		prefix: prefix,
		pages:  iterator.NewPager(bkt.Objects(ctx, query), size, ""),
	}, nil
}

type pager struct {
	root   string
	prefix string
	pages  *iterator.Pager
	done   bool
}

func (p *pager) Next(context.Context) ([]storekit.Entry, error) {
	if p.done {
		return nil, io.EOF
	}
	var objects []*storage.ObjectAttrs
	token, err := p.pages.NextPage(&objects)
	if err != nil {
		return nil, mapError(err)
	}
	if token == "" {
		p.done = true
	}

	entries := make([]storekit.Entry, 0, len(objects))
	for _, obj := range objects {
		switch {
		case obj.Prefix != "":
			entries = append(entries, storekit.Entry{
				Path:     storekit.RelativePath(p.root, obj.Prefix),
				Metadata: storekit.DirMetadata(),
			})
		case obj.Name == p.prefix:
			// the listed directory's own marker
		case strings.HasSuffix(obj.Name, "/"):
			entries = append(entries, storekit.Entry{
				Path:     storekit.RelativePath(p.root, obj.Name),
				Metadata: storekit.DirMetadata(),
			})
		default:
			meta := storekit.FileMetadata(uint64(obj.Size), obj.Updated)
			meta.ETag = obj.Etag
			meta.ContentType = obj.ContentType
			entries = append(entries, storekit.Entry{
				Path:     storekit.RelativePath(p.root, obj.Name),
				Metadata: meta,
			})
		}
	}
	return entries, nil
}

func (p *pager) Close() error { return nil }

// Presign implements storekit.Accessor with V4 signed URLs.
func (a *Adapter) Presign(_ context.Context, p string, opts storekit.PresignOptions) (storekit.PresignedRequest, error) {
	if a.signer == nil {
		return storekit.PresignedRequest{}, storekit.NewError(storekit.KindUnsupported, storekit.OpPresign, p, nil)
	}
	var method string
	switch opts.Method {
	case storekit.PresignMethodRead:
		method = http.MethodGet
	case storekit.PresignMethodWrite:
		method = http.MethodPut
	case storekit.PresignMethodStat:
		method = http.MethodHead
	default:
		return storekit.PresignedRequest{}, storekit.NewError(storekit.KindUnsupported, storekit.OpPresign, p, nil)
	}

	expires := time.Now().Add(opts.Expiry)
	u, err := storage.SignedURL(a.bucket, a.key(p), &storage.SignedURLOptions{
		GoogleAccessID: a.signer.accessID,
		PrivateKey:     a.signer.privateKey,
		Method:         method,
		Expires:        expires,
		Scheme:         storage.SigningSchemeV4,
	})
	if err != nil {
		return storekit.PresignedRequest{}, storekit.NewError(storekit.KindUnexpected, "", "", err)
	}
	return storekit.PresignedRequest{Method: method, URL: u, Header: http.Header{}, Expires: expires}, nil
}

// ============================================================================
// Error mapping
// ============================================================================

// mapError classifies client errors. Operation and path are filled in by
// the operator.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return storekit.NewError(storekit.KindNotFound, "", "", err)
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusNotFound:
			return storekit.NewError(storekit.KindNotFound, "", "", err)
		case gerr.Code == http.StatusUnauthorized:
			return storekit.NewError(storekit.KindAuth, "", "", err)
		case gerr.Code == http.StatusForbidden:
			return storekit.NewError(storekit.KindPermissionDenied, "", "", err)
		case gerr.Code == http.StatusTooManyRequests:
			return storekit.NewError(storekit.KindRateLimited, "", "", err)
		case gerr.Code == http.StatusRequestTimeout || gerr.Code >= 500:
			return storekit.NewError(storekit.KindTransient, "", "", err)
		}
	}
	return err
}
