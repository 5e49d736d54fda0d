// Package minio implements the storekit "minio" scheme with the MinIO Go
// client. It speaks the S3 protocol and works against MinIO and other S3
// compatible servers that do not need the AWS SDK.
package minio

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/gobeaver/storekit"
)

// Scheme is the registered scheme of the MinIO backend.
const Scheme storekit.Scheme = "minio"

// defaultPageSize is used when the caller gives no list limit.
const defaultPageSize = 1000

// Config holds MinIO configuration. Credentials come from the config,
// then MINIO_ACCESS_KEY / MINIO_SECRET_KEY, then anonymous access.
type Config struct {
	// Endpoint is host:port without a scheme, e.g. "localhost:9000".
	Endpoint string `map:"endpoint" validate:"required,hostname_port"`
	Bucket   string `map:"bucket" validate:"required,bucket"`
	Root     string `map:"root"`
	Region   string `map:"region" validate:"required"`

	AccessKey    string `map:"access_key" validate:"required_with=SecretKey"`
	SecretKey    string `map:"secret_key" validate:"required_with=AccessKey"`
	SessionToken string `map:"session_token"`

	// Secure enables HTTPS.
	Secure bool `map:"secure"`

	Logger *slog.Logger `map:"-"`

	lookupEnv func(string) (string, bool)
}

// Scheme implements storekit.Builder.
func (c *Config) Scheme() storekit.Scheme { return Scheme }

// Build implements storekit.Builder.
func (c *Config) Build() (storekit.Accessor, error) {
	return NewFromConfig(*c)
}

// String never prints the secret key.
func (c Config) String() string {
	secret := ""
	if c.SecretKey != "" {
		secret = "***"
	}
	return fmt.Sprintf("minio://%s/%s%s (access_key=%s, secret_key=%s)", c.Endpoint, c.Bucket, c.Root, c.AccessKey, secret)
}

// LogValue implements slog.LogValuer.
func (c Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("endpoint", c.Endpoint),
		slog.String("bucket", c.Bucket),
		slog.String("root", c.Root),
		slog.String("access_key", c.AccessKey),
		slog.Bool("secure", c.Secure),
	)
}

func (c *Config) credentialChain(logger *slog.Logger) *storekit.CredentialChain {
	return storekit.NewCredentialChain(logger,
		storekit.StaticSource(storekit.StaticCredential(c.AccessKey, c.SecretKey, c.SessionToken)),
		storekit.EnvSource(storekit.EnvKeys{
			AccessKeyID:     "MINIO_ACCESS_KEY",
			SecretAccessKey: "MINIO_SECRET_KEY",
			SessionToken:    "MINIO_SESSION_TOKEN",
		}, c.lookupEnv),
	)
}

// Adapter provides a MinIO implementation of storekit.Accessor.
type Adapter struct {
	client *storekit.Lazy[*minio.Client]
	bucket string
	root   string
}

// NewFromConfig validates cfg. The client is created on first use.
func NewFromConfig(cfg Config) (*Adapter, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if err := storekit.ValidateConfig(Scheme, &cfg); err != nil {
		return nil, err
	}
	root, err := storekit.NormalizeRoot(cfg.Root)
	if err != nil {
		return nil, storekit.ConfigError(Scheme, fmt.Errorf("root: %w", err))
	}
	logger := storekit.BuildLogger(cfg.Logger, Scheme)
	logger.Debug("minio backend built", "root", root, "config", cfg)

	a := &Adapter{bucket: cfg.Bucket, root: root}
	a.client = storekit.NewLazy(func(ctx context.Context) (*minio.Client, error) {
		cred, err := cfg.credentialChain(logger).Resolve(ctx)
		if err != nil {
			return nil, err
		}
		// Empty keys make the client send unsigned requests.
		client, err := minio.New(cfg.Endpoint, &minio.Options{
			Creds:        credentials.NewStaticV4(cred.AccessKeyID, cred.SecretAccessKey, cred.SessionToken),
			Secure:       cfg.Secure,
			Region:       cfg.Region,
			BucketLookup: minio.BucketLookupPath,
		})
		if err != nil {
			return nil, storekit.NewError(storekit.KindConfigInvalid, "", "", fmt.Errorf("create minio client: %w", err))
		}
		return client, nil
	})
	return a, nil
}

// New wraps an existing client.
func New(client *minio.Client, bucket, root string) (*Adapter, error) {
	r, err := storekit.NormalizeRoot(root)
	if err != nil {
		return nil, storekit.ConfigError(Scheme, err)
	}
	return &Adapter{client: storekit.Ready(client), bucket: bucket, root: r}, nil
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
	client, err := a.client.Get(ctx)
	if err != nil {
		return storekit.Metadata{}, err
	}
	if storekit.IsDirPath(p) {
		return a.statDir(ctx, client, p, a.key(p))
	}

	info, err := client.StatObject(ctx, a.bucket, a.key(p), minio.StatObjectOptions{})
	if err != nil {
		err = mapError(err)
		if storekit.IsNotFound(err) {
			if meta, derr := a.statDir(ctx, client, p, a.key(p)+"/"); derr == nil {
				return meta, nil
			}
		}
		return storekit.Metadata{}, err
	}
	meta := storekit.FileMetadata(uint64(info.Size), info.LastModified)
	meta.ETag = info.ETag
	meta.ContentType = info.ContentType
	return meta, nil
}

func (a *Adapter) statDir(ctx context.Context, client *minio.Client, p, prefix string) (storekit.Metadata, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	for obj := range client.ListObjects(ctx, a.bucket, minio.ListObjectsOptions{Prefix: prefix, MaxKeys: 1}) {
		if obj.Err != nil {
			return storekit.Metadata{}, mapError(obj.Err)
		}
		return storekit.DirMetadata(), nil
	}
	return storekit.Metadata{}, storekit.NewError(storekit.KindNotFound, storekit.OpStat, p, nil)
}

// Read implements storekit.Accessor. The object is stat'ed first so a
// missing key fails here rather than on the first read.
func (a *Adapter) Read(ctx context.Context, p string, rng storekit.Range) (io.ReadCloser, error) {
	client, err := a.client.Get(ctx)
	if err != nil {
		return nil, err
	}
	opts := minio.GetObjectOptions{}
	if !rng.IsFull() {
		end := int64(0)
		if rng.Length > 0 && rng.Length <= math.MaxInt64-rng.Offset {
			end = rng.Offset + rng.Length - 1
		}
		if err := opts.SetRange(rng.Offset, end); err != nil {
			return nil, storekit.NewError(storekit.KindUnexpected, "", "", err)
		}
	}
	obj, err := client.GetObject(ctx, a.bucket, a.key(p), opts)
	if err != nil {
		return nil, mapError(err)
	}
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, mapError(err)
	}
	return obj, nil
}

// Write implements storekit.Accessor. Unknown sizes are streamed as a
// multipart upload by the client.
func (a *Adapter) Write(ctx context.Context, p string, r io.Reader, opts storekit.WriteOptions) error {
	client, err := a.client.Get(ctx)
	if err != nil {
		return err
	}
	key := a.key(p)
	contentType := opts.ContentType
	if contentType == "" {
		contentType = storekit.GuessContentType(key, nil)
	}
	_, err = client.PutObject(ctx, a.bucket, key, r, opts.Size, minio.PutObjectOptions{
		ContentType:        contentType,
		CacheControl:       opts.CacheControl,
		ContentDisposition: opts.ContentDisposition,
		UserMetadata:       opts.Metadata,
	})
	return mapError(err)
}

// CreateDir implements storekit.Accessor with an empty marker object.
func (a *Adapter) CreateDir(ctx context.Context, p string) error {
	client, err := a.client.Get(ctx)
	if err != nil {
		return err
	}
	_, err = client.PutObject(ctx, a.bucket, a.key(p), strings.NewReader(""), 0, minio.PutObjectOptions{})
	return mapError(err)
}

// Delete implements storekit.Accessor.
func (a *Adapter) Delete(ctx context.Context, p string) error {
	client, err := a.client.Get(ctx)
	if err != nil {
		return err
	}
	return mapError(client.RemoveObject(ctx, a.bucket, a.key(p), minio.RemoveObjectOptions{}))
}

// Copy implements storekit.Accessor with a server side copy.
func (a *Adapter) Copy(ctx context.Context, src, dst string) error {
	client, err := a.client.Get(ctx)
	if err != nil {
		return err
	}
	_, err = client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: a.bucket, Object: a.key(dst)},
		minio.CopySrcOptions{Bucket: a.bucket, Object: a.key(src)},
	)
	return mapError(err)
}

// Rename implements storekit.Accessor as copy then delete.
func (a *Adapter) Rename(ctx context.Context, src, dst string) error {
	if err := a.Copy(ctx, src, dst); err != nil {
		return err
	}
	return a.Delete(ctx, src)
}

// List implements storekit.Accessor. The client streams keys over a
// channel; the pager cuts it into pages.
func (a *Adapter) List(ctx context.Context, p string, opts storekit.ListOptions) (storekit.Pager, error) {
	client, err := a.client.Get(ctx)
	if err != nil {
		return nil, err
	}
	size := opts.Limit
	if size <= 0 || size > defaultPageSize {
		size = defaultPageSize
	}
	prefix := a.key(p)
	lctx, cancel := context.WithCancel(ctx)
	return &pager{
		root:   a.root,
		prefix: prefix,
		size:   size,
		cancel: cancel,
		objects: client.ListObjects(lctx, a.bucket, minio.ListObjectsOptions{
			Prefix:    prefix,
			Recursive: opts.Recursive,
		}),
	}, nil
}

type pager struct {
	root    string
	prefix  string
	size    int
	objects <-chan minio.ObjectInfo
	cancel  context.CancelFunc
	done    bool
}

func (p *pager) Next(ctx context.Context) ([]storekit.Entry, error) {
	if p.done {
		return nil, io.EOF
	}
	var entries []storekit.Entry
	for len(entries) < p.size {
		var (
			obj minio.ObjectInfo
			ok  bool
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case obj, ok = <-p.objects:
		}
		if !ok {
			p.done = true
			break
		}
		if obj.Err != nil {
			return nil, mapError(obj.Err)
		}
		if obj.Key == p.prefix {
			continue
		}
		meta := storekit.DirMetadata()
		if !strings.HasSuffix(obj.Key, "/") {
			meta = storekit.FileMetadata(uint64(obj.Size), obj.LastModified)
			meta.ETag = obj.ETag
		}
		entries = append(entries, storekit.Entry{Path: storekit.RelativePath(p.root, obj.Key), Metadata: meta})
	}
	if len(entries) == 0 && p.done {
		return nil, io.EOF
	}
	return entries, nil
}

func (p *pager) Close() error {
	p.cancel()
	return nil
}

// Presign implements storekit.Accessor.
func (a *Adapter) Presign(ctx context.Context, p string, opts storekit.PresignOptions) (storekit.PresignedRequest, error) {
	client, err := a.client.Get(ctx)
	if err != nil {
		return storekit.PresignedRequest{}, err
	}
	key := a.key(p)

	var method string
	var u *url.URL
	switch opts.Method {
	case storekit.PresignMethodRead:
		method = http.MethodGet
		u, err = client.PresignedGetObject(ctx, a.bucket, key, opts.Expiry, nil)
	case storekit.PresignMethodWrite:
		method = http.MethodPut
		u, err = client.PresignedPutObject(ctx, a.bucket, key, opts.Expiry)
	case storekit.PresignMethodStat:
		method = http.MethodHead
		u, err = client.PresignedHeadObject(ctx, a.bucket, key, opts.Expiry, nil)
	default:
		return storekit.PresignedRequest{}, storekit.NewError(storekit.KindUnsupported, storekit.OpPresign, p, nil)
	}
	if err != nil {
		return storekit.PresignedRequest{}, mapError(err)
	}
	return storekit.PresignedRequest{
		Method:  method,
		URL:     u.String(),
		Header:  http.Header{},
		Expires: time.Now().Add(opts.Expiry),
	}, nil
}

// ============================================================================
// Error mapping
// ============================================================================

// mapError classifies MinIO error responses by code, then by status.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket", "NotFound":
		return storekit.NewError(storekit.KindNotFound, "", "", err)
	case "AccessDenied":
		return storekit.NewError(storekit.KindPermissionDenied, "", "", err)
	case "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken":
		return storekit.NewError(storekit.KindAuth, "", "", err)
	case "SlowDown", "SlowDownRead", "SlowDownWrite", "TooManyRequests":
		return storekit.NewError(storekit.KindRateLimited, "", "", err)
	case "InternalError", "ServiceUnavailable", "RequestTimeout":
		return storekit.NewError(storekit.KindTransient, "", "", err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return storekit.NewError(storekit.KindNotFound, "", "", err)
	case resp.StatusCode == http.StatusForbidden:
		return storekit.NewError(storekit.KindPermissionDenied, "", "", err)
	case resp.StatusCode == http.StatusTooManyRequests:
		return storekit.NewError(storekit.KindRateLimited, "", "", err)
	case resp.StatusCode >= 500:
		return storekit.NewError(storekit.KindTransient, "", "", err)
	}
	return err
}
