// Package s3 implements the storekit "s3" scheme on top of the AWS SDK.
//
// Directories are key prefixes. CreateDir writes an empty marker object
// whose key ends in "/" so that empty directories survive listing.
package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/gobeaver/storekit"
)

// maxKeys is the largest page ListObjectsV2 returns.
const maxKeys = 1000

// Adapter provides an S3 implementation of storekit.Accessor.
type Adapter struct {
	client *storekit.Lazy[*s3.Client]
	bucket string
	root   string
}

// AdapterOption configures an Adapter created with New.
type AdapterOption func(*Adapter)

// WithRoot scopes the adapter to a key prefix.
func WithRoot(root string) AdapterOption {
	return func(a *Adapter) {
		if r, err := storekit.NormalizeRoot(root); err == nil {
			a.root = r
		}
	}
}

// New wraps an existing client.
func New(client *s3.Client, bucket string, options ...AdapterOption) *Adapter {
	a := &Adapter{client: storekit.Ready(client), bucket: bucket, root: "/"}
	for _, option := range options {
		option(a)
	}
	return a
}

// Info implements storekit.Accessor.
func (a *Adapter) Info() storekit.AccessorInfo {
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
			PresignRead:         true,
			PresignWrite:        true,
			PresignStat:         true,
			ListLimit:           maxKeys,
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

// Stat implements storekit.Accessor. A directory exists when its marker
// or any key below it does.
func (a *Adapter) Stat(ctx context.Context, p string) (storekit.Metadata, error) {
	if p == "/" {
		return storekit.DirMetadata(), nil
	}
	client, err := a.client.Get(ctx)
	if err != nil {
		return storekit.Metadata{}, err
	}

	if storekit.IsDirPath(p) {
		ok, err := a.hasPrefix(ctx, client, a.key(p))
		if err != nil {
			return storekit.Metadata{}, err
		}
		if !ok {
			return storekit.Metadata{}, storekit.NewError(storekit.KindNotFound, storekit.OpStat, p, nil)
		}
		return storekit.DirMetadata(), nil
	}

	resp, err := client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.key(p)),
	})
	if err != nil {
		err = mapError(err)
		if storekit.IsNotFound(err) {
			if ok, derr := a.hasPrefix(ctx, client, a.key(p)+"/"); derr == nil && ok {
				return storekit.DirMetadata(), nil
			}
		}
		return storekit.Metadata{}, err
	}

	meta := storekit.FileMetadata(uint64(aws.ToInt64(resp.ContentLength)), aws.ToTime(resp.LastModified))
	meta.ETag = strings.Trim(aws.ToString(resp.ETag), `"`)
	meta.ContentType = aws.ToString(resp.ContentType)
	return meta, nil
}

func (a *Adapter) hasPrefix(ctx context.Context, client *s3.Client, prefix string) (bool, error) {
	resp, err := client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(a.bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return false, mapError(err)
	}
	return len(resp.Contents) > 0 || len(resp.CommonPrefixes) > 0, nil
}

// Read implements storekit.Accessor.
func (a *Adapter) Read(ctx context.Context, p string, rng storekit.Range) (io.ReadCloser, error) {
	client, err := a.client.Get(ctx)
	if err != nil {
		return nil, err
	}
	input := &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.key(p)),
	}
	if h := rng.HTTPHeader(); h != "" {
		input.Range = aws.String(h)
	}
	resp, err := client.GetObject(ctx, input)
	if err != nil {
		return nil, mapError(err)
	}
	return resp.Body, nil
}

// Write implements storekit.Accessor.
func (a *Adapter) Write(ctx context.Context, p string, content io.Reader, opts storekit.WriteOptions) error {
	client, err := a.client.Get(ctx)
	if err != nil {
		return err
	}
	key := a.key(p)

	body, contentLength, err := seekableBody(content, opts.Size)
	if err != nil {
		return err
	}

	input := &s3.PutObjectInput{
		Bucket:            aws.String(a.bucket),
		Key:               aws.String(key),
		Body:              body,
		ChecksumAlgorithm: types.ChecksumAlgorithmSha256,
	}
	if contentLength >= 0 {
		input.ContentLength = aws.Int64(contentLength)
	}

	contentType := opts.ContentType
	if contentType == "" {
		contentType = storekit.GuessContentType(key, nil)
	}
	input.ContentType = aws.String(contentType)
	if opts.CacheControl != "" {
		input.CacheControl = aws.String(opts.CacheControl)
	}
	if opts.ContentDisposition != "" {
		input.ContentDisposition = aws.String(opts.ContentDisposition)
	}
	if len(opts.Metadata) > 0 {
		input.Metadata = opts.Metadata
	}

	_, err = client.PutObject(ctx, input)
	return mapError(err)
}

// seekableBody returns a body the SDK can sign without buffering when
// possible. Unknown readers are buffered in memory.
func seekableBody(content io.Reader, size int64) (io.Reader, int64, error) {
	switch r := content.(type) {
	case *bytes.Reader:
		return r, int64(r.Len()), nil
	case *strings.Reader:
		return r, int64(r.Len()), nil
	case *os.File:
		if info, err := r.Stat(); err == nil {
			pos, _ := r.Seek(0, io.SeekCurrent)
			return r, info.Size() - pos, nil
		}
		return r, size, nil
	case io.ReadSeeker:
		pos, err := r.Seek(0, io.SeekCurrent)
		if err != nil {
			return r, size, nil
		}
		end, err := r.Seek(0, io.SeekEnd)
		if err != nil {
			return r, size, nil
		}
		if _, err := r.Seek(pos, io.SeekStart); err != nil {
			return nil, 0, err
		}
		return r, end - pos, nil
	}
	data, err := io.ReadAll(content)
	if err != nil {
		return nil, 0, err
	}
	return bytes.NewReader(data), int64(len(data)), nil
}

// CreateDir implements storekit.Accessor.
func (a *Adapter) CreateDir(ctx context.Context, p string) error {
	client, err := a.client.Get(ctx)
	if err != nil {
		return err
	}
	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(a.key(p)),
		Body:          bytes.NewReader(nil),
		ContentLength: aws.Int64(0),
	})
	return mapError(err)
}

// Delete implements storekit.Accessor. S3 reports success for missing
// keys.
func (a *Adapter) Delete(ctx context.Context, p string) error {
	client, err := a.client.Get(ctx)
	if err != nil {
		return err
	}
	_, err = client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.key(p)),
	})
	return mapError(err)
}

// Copy implements storekit.Accessor with a server side copy.
func (a *Adapter) Copy(ctx context.Context, src, dst string) error {
	client, err := a.client.Get(ctx)
	if err != nil {
		return err
	}
	source := (&url.URL{Path: a.bucket + "/" + a.key(src)}).EscapedPath()
	_, err = client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(a.bucket),
		Key:        aws.String(a.key(dst)),
		CopySource: aws.String(source),
	})
	return mapError(err)
}

// Rename implements storekit.Accessor as copy then delete. It is not
// atomic.
func (a *Adapter) Rename(ctx context.Context, src, dst string) error {
	if err := a.Copy(ctx, src, dst); err != nil {
		return err
	}
	return a.Delete(ctx, src)
}

// List implements storekit.Accessor. Non-recursive listings use "/" as
// delimiter so subdirectories come back as common prefixes.
func (a *Adapter) List(ctx context.Context, p string, opts storekit.ListOptions) (storekit.Pager, error) {
	client, err := a.client.Get(ctx)
	if err != nil {
		return nil, err
	}
	prefix := a.key(p)
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(a.bucket),
		Prefix: aws.String(prefix),
	}
	if !opts.Recursive {
		input.Delimiter = aws.String("/")
	}
	if opts.Limit > 0 && opts.Limit < maxKeys {
		input.MaxKeys = aws.Int32(int32(opts.Limit))
	}
	return &pager{
		adapter:   a,
		prefix:    prefix,
		paginator: s3.NewListObjectsV2Paginator(client, input),
	}, nil
}

type pager struct {
	adapter   *Adapter
	prefix    string
	paginator *s3.ListObjectsV2Paginator
}

func (p *pager) Next(ctx context.Context) ([]storekit.Entry, error) {
	if !p.paginator.HasMorePages() {
		return nil, io.EOF
	}
	page, err := p.paginator.NextPage(ctx)
	if err != nil {
		return nil, mapError(err)
	}

	entries := make([]storekit.Entry, 0, len(page.CommonPrefixes)+len(page.Contents))
	for _, cp := range page.CommonPrefixes {
		entries = append(entries, storekit.Entry{
			Path:     storekit.RelativePath(p.adapter.root, aws.ToString(cp.Prefix)),
			Metadata: storekit.DirMetadata(),
		})
	}
	for _, obj := range page.Contents {
		key := aws.ToString(obj.Key)
		if key == p.prefix {
			continue
		}
		meta := storekit.DirMetadata()
		if !strings.HasSuffix(key, "/") {
			meta = storekit.FileMetadata(uint64(aws.ToInt64(obj.Size)), aws.ToTime(obj.LastModified))
			meta.ETag = strings.Trim(aws.ToString(obj.ETag), `"`)
		}
		entries = append(entries, storekit.Entry{
			Path:     storekit.RelativePath(p.adapter.root, key),
			Metadata: meta,
		})
	}
	return entries, nil
}

func (p *pager) Close() error { return nil }

// Presign implements storekit.Accessor.
func (a *Adapter) Presign(ctx context.Context, p string, opts storekit.PresignOptions) (storekit.PresignedRequest, error) {
	client, err := a.client.Get(ctx)
	if err != nil {
		return storekit.PresignedRequest{}, err
	}
	presigner := s3.NewPresignClient(client, s3.WithPresignExpires(opts.Expiry))
	bucket, key := aws.String(a.bucket), aws.String(a.key(p))

	var (
		method string
		rawURL string
		header http.Header
	)
	switch opts.Method {
	case storekit.PresignMethodRead:
		req, err := presigner.PresignGetObject(ctx, &s3.GetObjectInput{Bucket: bucket, Key: key})
		if err != nil {
			return storekit.PresignedRequest{}, mapError(err)
		}
		method, rawURL, header = req.Method, req.URL, req.SignedHeader
	case storekit.PresignMethodWrite:
		req, err := presigner.PresignPutObject(ctx, &s3.PutObjectInput{Bucket: bucket, Key: key})
		if err != nil {
			return storekit.PresignedRequest{}, mapError(err)
		}
		method, rawURL, header = req.Method, req.URL, req.SignedHeader
	case storekit.PresignMethodStat:
		req, err := presigner.PresignHeadObject(ctx, &s3.HeadObjectInput{Bucket: bucket, Key: key})
		if err != nil {
			return storekit.PresignedRequest{}, mapError(err)
		}
		method, rawURL, header = req.Method, req.URL, req.SignedHeader
	default:
		return storekit.PresignedRequest{}, storekit.NewError(storekit.KindUnsupported, storekit.OpPresign, p, nil)
	}

	return storekit.PresignedRequest{
		Method:  method,
		URL:     rawURL,
		Header:  header,
		Expires: time.Now().Add(opts.Expiry),
	}, nil
}

// ============================================================================
// Error mapping
// ============================================================================

var errorCodes = map[string]storekit.ErrorKind{
	"NoSuchKey":             storekit.KindNotFound,
	"NotFound":              storekit.KindNotFound,
	"NoSuchBucket":          storekit.KindNotFound,
	"AccessDenied":          storekit.KindPermissionDenied,
	"Forbidden":             storekit.KindPermissionDenied,
	"InvalidAccessKeyId":    storekit.KindAuth,
	"SignatureDoesNotMatch": storekit.KindAuth,
	"ExpiredToken":          storekit.KindAuth,
	"InvalidToken":          storekit.KindAuth,
	"SlowDown":              storekit.KindRateLimited,
	"Throttling":            storekit.KindRateLimited,
	"ThrottlingException":   storekit.KindRateLimited,
	"RequestLimitExceeded":  storekit.KindRateLimited,
	"TooManyRequests":       storekit.KindRateLimited,
	"InternalError":         storekit.KindTransient,
	"ServiceUnavailable":    storekit.KindTransient,
	"RequestTimeout":        storekit.KindTransient,
}

// mapError classifies SDK errors. Operation and path are filled in by the
// operator.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var nsk *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &notFound) {
		return storekit.NewError(storekit.KindNotFound, "", "", err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if kind, ok := errorCodes[apiErr.ErrorCode()]; ok {
			return storekit.NewError(kind, "", "", err)
		}
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		if kind, ok := statusKind(respErr.HTTPStatusCode()); ok {
			return storekit.NewError(kind, "", "", err)
		}
	}
	return err
}

func statusKind(status int) (storekit.ErrorKind, bool) {
	switch {
	case status == http.StatusNotFound:
		return storekit.KindNotFound, true
	case status == http.StatusForbidden:
		return storekit.KindPermissionDenied, true
	case status == http.StatusUnauthorized:
		return storekit.KindAuth, true
	case status == http.StatusTooManyRequests:
		return storekit.KindRateLimited, true
	case status >= 500:
		return storekit.KindTransient, true
	}
	return "", false
}
