package storekit

import "io"

// ProgressFunc receives the bytes written so far and the declared total,
// or -1 when the size is unknown.
type ProgressFunc func(bytesTransferred int64, totalBytes int64)

// defaultReportingStep is the minimum number of bytes between two progress
// reports.
const defaultReportingStep = 256 << 10

// WithProgress reports write progress to fn. Progress restarts from zero
// when a retried write rewinds its content.
func WithProgress(fn ProgressFunc) WriteOption {
	return func(o *WriteOptions) {
		o.progress = fn
	}
}

// withProgress wraps r when a progress callback is set. Seekable content
// stays seekable.
func withProgress(r io.Reader, opts WriteOptions) io.Reader {
	if opts.progress == nil {
		return r
	}
	pr := &progressReader{reader: r, progress: opts.progress, size: opts.Size, reportingStep: defaultReportingStep}
	if s, ok := r.(io.Seeker); ok {
		return &progressSeeker{progressReader: pr, seeker: s}
	}
	return pr
}

// progressReader is a reader that reports progress
type progressReader struct {
	reader        io.Reader
	progress      ProgressFunc
	size          int64
	bytesRead     int64
	lastReported  int64
	reportingStep int64
}

func (r *progressReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	if n > 0 {
		r.bytesRead += int64(n)
	}
	// Report once enough was read since the last report, and at the end.
	if r.bytesRead != r.lastReported &&
		(r.bytesRead-r.lastReported >= r.reportingStep || err == io.EOF) {
		r.progress(r.bytesRead, r.size)
		r.lastReported = r.bytesRead
	}
	return n, err
}

type progressSeeker struct {
	*progressReader
	seeker io.Seeker
}

func (r *progressSeeker) Seek(offset int64, whence int) (int64, error) {
	pos, err := r.seeker.Seek(offset, whence)
	if err == nil {
		r.bytesRead, r.lastReported = pos, pos
	}
	return pos, err
}
