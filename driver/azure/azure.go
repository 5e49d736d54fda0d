// Package azure implements the storekit "azblob" scheme on Azure Blob
// Storage using block blobs.
package azure

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"

	"github.com/gobeaver/storekit"
)

const (
	defaultPageSize = 5000
	copyPollEvery   = 200 * time.Millisecond
)

// Adapter provides an Azure Blob Storage implementation of
// storekit.Accessor.
type Adapter struct {
	client    *storekit.Lazy[*container.Client]
	container string
	root      string
	canSign   bool
}

// New wraps an existing container client. Presigning is available when
// the client was created with a shared key.
func New(client *container.Client, root string, canSign bool) (*Adapter, error) {
	r, err := storekit.NormalizeRoot(root)
	if err != nil {
		return nil, storekit.ConfigError(Scheme, err)
	}
	return &Adapter{client: storekit.Ready(client), root: r, canSign: canSign}, nil
}

// Info implements storekit.Accessor.
func (a *Adapter) Info() storekit.AccessorInfo {
	return storekit.AccessorInfo{
		Scheme: Scheme,
		Root:   a.root,
		Name:   a.container,
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
			PresignRead:         a.canSign,
			PresignWrite:        a.canSign,
			PresignStat:         a.canSign,
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

// Stat implements storekit.Accessor.
func (a *Adapter) Stat(ctx context.Context, p string) (storekit.Metadata, error) {
	if p == "/" {
		return storekit.DirMetadata(), nil
	}
	cc, err := a.client.Get(ctx)
	if err != nil {
		return storekit.Metadata{}, err
	}
	if storekit.IsDirPath(p) {
		return a.statDir(ctx, cc, p, a.key(p))
	}

	props, err := cc.NewBlobClient(a.key(p)).GetProperties(ctx, nil)
	if err != nil {
		err = mapError(err)
		if storekit.IsNotFound(err) {
			if meta, derr := a.statDir(ctx, cc, p, a.key(p)+"/"); derr == nil {
				return meta, nil
			}
		}
		return storekit.Metadata{}, err
	}

	var size int64
	if props.ContentLength != nil {
		size = *props.ContentLength
	}
	var mtime time.Time
	if props.LastModified != nil {
		mtime = *props.LastModified
	}
	meta := storekit.FileMetadata(uint64(size), mtime)
	if props.ETag != nil {
		meta.ETag = strings.Trim(string(*props.ETag), `"`)
	}
	if props.ContentType != nil {
		meta.ContentType = *props.ContentType
	}
	return meta, nil
}

func (a *Adapter) statDir(ctx context.Context, cc *container.Client, p, prefix string) (storekit.Metadata, error) {
	pager := cc.NewListBlobsFlatPager(&container.ListBlobsFlatOptions{
		Prefix:     &prefix,
		MaxResults: ptr(int32(1)),
	})
	resp, err := pager.NextPage(ctx)
	if err != nil {
		return storekit.Metadata{}, mapError(err)
	}
	if len(resp.Segment.BlobItems) == 0 {
		return storekit.Metadata{}, storekit.NewError(storekit.KindNotFound, storekit.OpStat, p, nil)
	}
	return storekit.DirMetadata(), nil
}

func ptr[T any](v T) *T {
	return &v
}

// Read implements storekit.Accessor.
func (a *Adapter) Read(ctx context.Context, p string, rng storekit.Range) (io.ReadCloser, error) {
	cc, err := a.client.Get(ctx)
	if err != nil {
		return nil, err
	}
	opts := &blob.DownloadStreamOptions{}
	if !rng.IsFull() {
		opts.Range = blob.HTTPRange{Offset: rng.Offset}
		if rng.Length > 0 {
			opts.Range.Count = rng.Length
		}
	}
	resp, err := cc.NewBlobClient(a.key(p)).DownloadStream(ctx, opts)
	if err != nil {
		return nil, mapError(err)
	}
	return resp.Body, nil
}

// Write implements storekit.Accessor. Content is streamed as staged
// blocks.
func (a *Adapter) Write(ctx context.Context, p string, r io.Reader, opts storekit.WriteOptions) error {
	cc, err := a.client.Get(ctx)
	if err != nil {
		return err
	}
	key := a.key(p)
	contentType := opts.ContentType
	if contentType == "" {
		contentType = storekit.GuessContentType(key, nil)
	}

	headers := &blob.HTTPHeaders{BlobContentType: &contentType}
	if opts.CacheControl != "" {
		headers.BlobCacheControl = &opts.CacheControl
	}
	if opts.ContentDisposition != "" {
		headers.BlobContentDisposition = &opts.ContentDisposition
	}
	var metadata map[string]*string
	if len(opts.Metadata) > 0 {
		metadata = make(map[string]*string, len(opts.Metadata))
		for k, v := range opts.Metadata {
			metadata[k] = ptr(v)
		}
	}

	_, err = cc.NewBlockBlobClient(key).UploadStream(ctx, r, &blockblob.UploadStreamOptions{
		HTTPHeaders: headers,
		Metadata:    metadata,
	})
	return mapError(err)
}

// CreateDir implements storekit.Accessor with an empty marker blob.
func (a *Adapter) CreateDir(ctx context.Context, p string) error {
	cc, err := a.client.Get(ctx)
	if err != nil {
		return err
	}
	_, err = cc.NewBlockBlobClient(a.key(p)).UploadBuffer(ctx, []byte{}, nil)
	return mapError(err)
}

// Delete implements storekit.Accessor. A missing blob is not an error.
func (a *Adapter) Delete(ctx context.Context, p string) error {
	cc, err := a.client.Get(ctx)
	if err != nil {
		return err
	}
	_, err = cc.NewBlobClient(a.key(p)).Delete(ctx, nil)
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return nil
	}
	return mapError(err)
}

// Copy implements storekit.Accessor with a server side copy and waits for
// it to finish.
func (a *Adapter) Copy(ctx context.Context, src, dst string) error {
	cc, err := a.client.Get(ctx)
	if err != nil {
		return err
	}
	srcBlob := cc.NewBlobClient(a.key(src))
	if _, err := srcBlob.GetProperties(ctx, nil); err != nil {
		return mapError(err)
	}

	srcURL := srcBlob.URL()
	if a.canSign {
		if signed, err := srcBlob.GetSASURL(sas.BlobPermissions{Read: true}, time.Now().Add(15*time.Minute), nil); err == nil {
			srcURL = signed
		}
	}

	dstBlob := cc.NewBlobClient(a.key(dst))
	resp, err := dstBlob.StartCopyFromURL(ctx, srcURL, nil)
	if err != nil {
		return mapError(err)
	}
	status := resp.CopyStatus
	ticker := time.NewTicker(copyPollEvery)
	defer ticker.Stop()
	for status != nil && *status == blob.CopyStatusTypePending {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		props, err := dstBlob.GetProperties(ctx, nil)
		if err != nil {
			return mapError(err)
		}
		status = props.CopyStatus
	}
	if status != nil && *status != blob.CopyStatusTypeSuccess {
		return storekit.NewError(storekit.KindUnexpected, "", "", errors.New("copy ended with status "+string(*status)))
	}
	return nil
}

// Rename implements storekit.Accessor as copy then delete.
func (a *Adapter) Rename(ctx context.Context, src, dst string) error {
	if err := a.Copy(ctx, src, dst); err != nil {
		return err
	}
	return a.Delete(ctx, src)
}

// List implements storekit.Accessor. Scans use the flat listing and lists
// the hierarchy listing with "/" as delimiter.
func (a *Adapter) List(ctx context.Context, p string, opts storekit.ListOptions) (storekit.Pager, error) {
	cc, err := a.client.Get(ctx)
	if err != nil {
		return nil, err
	}
	prefix := a.key(p)
	var maxResults *int32
	if opts.Limit > 0 && opts.Limit < defaultPageSize {
		maxResults = ptr(int32(opts.Limit))
	}

	pg := &pager{root: a.root, prefix: prefix}
	if opts.Recursive {
		flat := cc.NewListBlobsFlatPager(&container.ListBlobsFlatOptions{Prefix: &prefix, MaxResults: maxResults})
		pg.more = flat.More
		pg.next = func(ctx context.Context) ([]*container.BlobItem, []*container.BlobPrefix, error) {
			resp, err := flat.NextPage(ctx)
			if err != nil {
				return nil, nil, err
			}
			return resp.Segment.BlobItems, nil, nil
		}
	} else {
		tree := cc.NewListBlobsHierarchyPager("/", &container.ListBlobsHierarchyOptions{Prefix: &prefix, MaxResults: maxResults})
		pg.more = tree.More
		pg.next = func(ctx context.Context) ([]*container.BlobItem, []*container.BlobPrefix, error) {
			resp, err := tree.NextPage(ctx)
			if err != nil {
				return nil, nil, err
			}
			return resp.Segment.BlobItems, resp.Segment.BlobPrefixes, nil
		}
	}
	return pg, nil
}

type pager struct {
	root   string
	prefix string
	more   func() bool
	next   func(ctx context.Context) ([]*container.BlobItem, []*container.BlobPrefix, error)
}

func (p *pager) Next(ctx context.Context) ([]storekit.Entry, error) {
	if !p.more() {
		return nil, io.EOF
	}
	items, prefixes, err := p.next(ctx)
	if err != nil {
		return nil, mapError(err)
	}

	entries := make([]storekit.Entry, 0, len(items)+len(prefixes))
	for _, bp := range prefixes {
		if bp.Name == nil {
			continue
		}
		entries = append(entries, storekit.Entry{
			Path:     storekit.RelativePath(p.root, *bp.Name),
			Metadata: storekit.DirMetadata(),
		})
	}
	for _, item := range items {
		if item.Name == nil || *item.Name == p.prefix {
			continue
		}
		name := *item.Name
		meta := storekit.DirMetadata()
		if !strings.HasSuffix(name, "/") {
			meta = itemMetadata(item.Properties)
		}
		entries = append(entries, storekit.Entry{Path: storekit.RelativePath(p.root, name), Metadata: meta})
	}
	return entries, nil
}

func (p *pager) Close() error { return nil }

func itemMetadata(props *container.BlobProperties) storekit.Metadata {
	if props == nil {
		return storekit.Metadata{Mode: storekit.ModeFile}
	}
	var size int64
	if props.ContentLength != nil {
		size = *props.ContentLength
	}
	var mtime time.Time
	if props.LastModified != nil {
		mtime = *props.LastModified
	}
	meta := storekit.FileMetadata(uint64(size), mtime)
	if props.ETag != nil {
		meta.ETag = strings.Trim(string(*props.ETag), `"`)
	}
	if props.ContentType != nil {
		meta.ContentType = *props.ContentType
	}
	return meta
}

// Presign implements storekit.Accessor with a blob SAS signed by the
// account key.
func (a *Adapter) Presign(ctx context.Context, p string, opts storekit.PresignOptions) (storekit.PresignedRequest, error) {
	if !a.canSign {
		return storekit.PresignedRequest{}, storekit.NewError(storekit.KindUnsupported, storekit.OpPresign, p, nil)
	}
	cc, err := a.client.Get(ctx)
	if err != nil {
		return storekit.PresignedRequest{}, err
	}

	var (
		method string
		perms  sas.BlobPermissions
	)
	switch opts.Method {
	case storekit.PresignMethodRead:
		method, perms = http.MethodGet, sas.BlobPermissions{Read: true}
	case storekit.PresignMethodStat:
		method, perms = http.MethodHead, sas.BlobPermissions{Read: true}
	case storekit.PresignMethodWrite:
		method, perms = http.MethodPut, sas.BlobPermissions{Create: true, Write: true}
	default:
		return storekit.PresignedRequest{}, storekit.NewError(storekit.KindUnsupported, storekit.OpPresign, p, nil)
	}

	expires := time.Now().Add(opts.Expiry)
	u, err := cc.NewBlobClient(a.key(p)).GetSASURL(perms, expires, nil)
	if err != nil {
		return storekit.PresignedRequest{}, mapError(err)
	}
	header := http.Header{}
	if opts.Method == storekit.PresignMethodWrite {
		header.Set("x-ms-blob-type", "BlockBlob")
	}
	return storekit.PresignedRequest{Method: method, URL: u, Header: header, Expires: expires}, nil
}

// ============================================================================
// Error mapping
// ============================================================================

// mapError classifies service errors by code, then by status.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound, bloberror.ResourceNotFound):
		return storekit.NewError(storekit.KindNotFound, "", "", err)
	case bloberror.HasCode(err, bloberror.AuthenticationFailed, bloberror.InvalidAuthenticationInfo):
		return storekit.NewError(storekit.KindAuth, "", "", err)
	case bloberror.HasCode(err, bloberror.AuthorizationFailure, bloberror.AuthorizationPermissionMismatch, bloberror.InsufficientAccountPermissions):
		return storekit.NewError(storekit.KindPermissionDenied, "", "", err)
	case bloberror.HasCode(err, bloberror.ServerBusy):
		return storekit.NewError(storekit.KindRateLimited, "", "", err)
	case bloberror.HasCode(err, bloberror.InternalError, bloberror.OperationTimedOut):
		return storekit.NewError(storekit.KindTransient, "", "", err)
	}

	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch {
		case respErr.StatusCode == http.StatusNotFound:
			return storekit.NewError(storekit.KindNotFound, "", "", err)
		case respErr.StatusCode == http.StatusForbidden:
			return storekit.NewError(storekit.KindPermissionDenied, "", "", err)
		case respErr.StatusCode == http.StatusTooManyRequests:
			return storekit.NewError(storekit.KindRateLimited, "", "", err)
		case respErr.StatusCode >= 500:
			return storekit.NewError(storekit.KindTransient, "", "", err)
		}
	}
	return err
}
