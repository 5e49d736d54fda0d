// Package sftp implements the storekit "sftp" scheme over an SSH
// connection.
package sftp

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/gobeaver/storekit"
)

// Adapter provides an SFTP implementation of storekit.Accessor
type Adapter struct {
	storekit.UnimplementedAccessor

	root string
	name string
	sess *session
}

// session holds the connection and replaces it once it is lost.
type session struct {
	dial func(ctx context.Context) (*ssh.Client, error)

	mu     sync.Mutex
	conn   *ssh.Client
	client *sftp.Client
}

func (s *session) get(ctx context.Context) (*sftp.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}
	if s.dial == nil {
		return nil, storekit.NewError(storekit.KindUnexpected, "", "", errors.New("sftp client closed"))
	}

	conn, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}
	client, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, storekit.NewError(storekit.KindTransient, "", "", err)
	}
	s.conn, s.client = conn, client
	return client, nil
}

// drop forgets c when err says its connection is gone.
func (s *session) drop(c *sftp.Client, err error) {
	if !connLost(err) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != c || s.dial == nil {
		return
	}
	s.client.Close()
	if s.conn != nil {
		s.conn.Close()
	}
	s.client, s.conn = nil, nil
}

func (s *session) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.client != nil {
		errs = append(errs, s.client.Close())
	}
	if s.conn != nil {
		errs = append(errs, s.conn.Close())
	}
	s.client, s.conn = nil, nil
	return errors.Join(errs...)
}

// New wraps an existing client. The adapter never reconnects it.
func New(client *sftp.Client, root string) (*Adapter, error) {
	r, err := storekit.NormalizeRoot(root)
	if err != nil {
		return nil, storekit.ConfigError(Scheme, err)
	}
	return &Adapter{root: r, name: "sftp", sess: &session{client: client}}, nil
}

// Close closes the SFTP and SSH connections.
func (a *Adapter) Close() error {
	err := a.sess.close()
	a.sess.dial = nil
	return err
}

// Info implements storekit.Accessor.
func (a *Adapter) Info() storekit.AccessorInfo {
	return storekit.AccessorInfo{
		Scheme: Scheme,
		Root:   a.root,
		Name:   a.name,
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
			WriteCanRetry:       true,
			CreateDirCanRetry:   true,
			StatHasSize:         true,
			StatHasLastModified: true,
		},
	}
}

// full returns the remote path, always absolute and without a trailing
// slash.
func (a *Adapter) full(p string) string {
	return "/" + strings.TrimSuffix(storekit.JoinRoot(a.root, p), "/")
}

// do runs fn with a live client.
func (a *Adapter) do(ctx context.Context, fn func(c *sftp.Client) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c, err := a.sess.get(ctx)
	if err != nil {
		return err
	}
	err = fn(c)
	a.sess.drop(c, err)
	return mapError(err)
}

// Stat implements storekit.Accessor
func (a *Adapter) Stat(ctx context.Context, p string) (storekit.Metadata, error) {
	var meta storekit.Metadata
	err := a.do(ctx, func(c *sftp.Client) error {
		info, err := c.Stat(a.full(p))
		if err != nil {
			return err
		}
		if storekit.IsDirPath(p) && !info.IsDir() {
			return storekit.NewError(storekit.KindNotADirectory, storekit.OpStat, p, nil)
		}
		meta = metadata(info)
		return nil
	})
	return meta, err
}

func metadata(info fs.FileInfo) storekit.Metadata {
	if info.IsDir() {
		m := storekit.DirMetadata()
		mtime := info.ModTime().UTC()
		m.LastModified = &mtime
		return m
	}
	m := storekit.FileMetadata(uint64(info.Size()), info.ModTime())
	m.ContentType = storekit.GuessContentType(info.Name(), nil)
	return m
}

// Read implements storekit.Accessor
func (a *Adapter) Read(ctx context.Context, p string, rng storekit.Range) (io.ReadCloser, error) {
	var rc io.ReadCloser
	err := a.do(ctx, func(c *sftp.Client) error {
		f, err := c.Open(a.full(p))
		if err != nil {
			return err
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return err
		}
		if info.IsDir() {
			f.Close()
			return storekit.NewError(storekit.KindIsADirectory, storekit.OpRead, p, nil)
		}
		if rng.IsFull() {
			rc = f
			return nil
		}
		start, end := rng.Bounds(info.Size())
		if _, err := f.Seek(start, io.SeekStart); err != nil {
			f.Close()
			return err
		}
		rc = &limitedFile{Reader: io.LimitReader(f, end-start), f: f}
		return nil
	})
	return rc, err
}

type limitedFile struct {
	io.Reader
	f *sftp.File
}

func (l *limitedFile) Close() error { return l.f.Close() }

// Write implements storekit.Accessor. Parent directories are created.
func (a *Adapter) Write(ctx context.Context, p string, content io.Reader, _ storekit.WriteOptions) error {
	return a.do(ctx, func(c *sftp.Client) error {
		return writeFile(ctx, c, a.full(p), content)
	})
}

func writeFile(ctx context.Context, c *sftp.Client, full string, content io.Reader) error {
	if err := c.MkdirAll(path.Dir(full)); err != nil {
		return err
	}
	f, err := c.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return err
	}
	_, err = io.Copy(f, &ctxReader{ctx: ctx, r: content})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

// ctxReader stops a copy once its context ends.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// CreateDir implements storekit.Accessor
func (a *Adapter) CreateDir(ctx context.Context, p string) error {
	return a.do(ctx, func(c *sftp.Client) error {
		return c.MkdirAll(a.full(p))
	})
}

// Delete implements storekit.Accessor. Directories must be empty.
func (a *Adapter) Delete(ctx context.Context, p string) error {
	if p == "/" {
		return nil
	}
	return a.do(ctx, func(c *sftp.Client) error {
		return c.Remove(a.full(p))
	})
}

// Copy implements storekit.Accessor. SFTP has no server side copy, so the
// content is streamed through the client.
func (a *Adapter) Copy(ctx context.Context, src, dst string) error {
	return a.do(ctx, func(c *sftp.Client) error {
		f, err := c.Open(a.full(src))
		if err != nil {
			return err
		}
		defer f.Close()
		if info, err := f.Stat(); err == nil && info.IsDir() {
			return storekit.NewError(storekit.KindIsADirectory, storekit.OpCopy, src, nil)
		}
		return writeFile(ctx, c, a.full(dst), f)
	})
}

// Rename implements storekit.Accessor. The posix-rename extension replaces
// dst atomically; servers without it get remove and rename.
func (a *Adapter) Rename(ctx context.Context, src, dst string) error {
	return a.do(ctx, func(c *sftp.Client) error {
		from, to := a.full(src), a.full(dst)
		if _, err := c.Stat(from); err != nil {
			return err
		}
		if err := c.MkdirAll(path.Dir(to)); err != nil {
			return err
		}
		if err := c.PosixRename(from, to); err == nil {
			return nil
		}
		if err := c.Remove(to); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return c.Rename(from, to)
	})
}

// List implements storekit.Accessor. Scans walk the tree lazily, one page
// per call.
func (a *Adapter) List(ctx context.Context, p string, opts storekit.ListOptions) (storekit.Pager, error) {
	var pager storekit.Pager
	err := a.do(ctx, func(c *sftp.Client) error {
		full := a.full(p)
		info, err := c.Stat(full)
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return storekit.NewError(storekit.KindNotADirectory, storekit.OpList, p, nil)
		}

		if opts.Recursive {
			pager = &walkPager{a: a, client: c, walker: c.Walk(full), start: full, size: opts.Limit}
			return nil
		}

		infos, err := c.ReadDir(full)
		if err != nil {
			return err
		}
		entries := make([]storekit.Entry, 0, len(infos))
		for _, fi := range infos {
			entries = append(entries, a.entry(path.Join(full, fi.Name()), fi))
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
		pager = storekit.NewSlicePager(entries, opts.Limit)
		return nil
	})
	return pager, err
}

func (a *Adapter) entry(full string, info fs.FileInfo) storekit.Entry {
	rel := storekit.RelativePath(a.root, full)
	if info.IsDir() {
		rel += "/"
	}
	return storekit.Entry{Path: rel, Metadata: metadata(info)}
}

const defaultWalkPage = 256

// walkPager pages over a remote tree walk.
type walkPager struct {
	a      *Adapter
	client *sftp.Client
	walker interface {
		Step() bool
		Err() error
		Path() string
		Stat() fs.FileInfo
	}
	start string
	size  int
	done  bool
}

func (w *walkPager) Next(ctx context.Context) ([]storekit.Entry, error) {
	if w.done {
		return nil, io.EOF
	}
	size := w.size
	if size <= 0 {
		size = defaultWalkPage
	}
	entries := make([]storekit.Entry, 0, size)
	for len(entries) < size {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !w.walker.Step() {
			w.done = true
			break
		}
		if err := w.walker.Err(); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			w.a.sess.drop(w.client, err)
			return nil, mapError(err)
		}
		if w.walker.Path() == w.start {
			continue
		}
		entries = append(entries, w.a.entry(w.walker.Path(), w.walker.Stat()))
	}
	if len(entries) == 0 && w.done {
		return nil, io.EOF
	}
	return entries, nil
}

func (w *walkPager) Close() error {
	w.done = true
	return nil
}

// mapError classifies SFTP status errors.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var se *storekit.Error
	if errors.As(err, &se) {
		return err
	}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return storekit.NewError(storekit.KindNotFound, "", "", err)
	case errors.Is(err, fs.ErrPermission):
		return storekit.NewError(storekit.KindPermissionDenied, "", "", err)
	case errors.Is(err, fs.ErrExist):
		return storekit.NewError(storekit.KindAlreadyExists, "", "", err)
	case connLost(err), errors.Is(err, sftp.ErrSSHFxNoConnection):
		return storekit.NewError(storekit.KindTransient, "", "", err)
	case errors.Is(err, sftp.ErrSSHFxOpUnsupported):
		return storekit.NewError(storekit.KindUnsupported, "", "", err)
	}
	return err
}

func connLost(err error) bool {
	return errors.Is(err, sftp.ErrSSHFxConnectionLost) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed)
}
