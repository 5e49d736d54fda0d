package storekit

import (
	"context"
	"io"
	"log/slog"
	"time"
)

// LoggingLayer records every call with slog. It never changes results:
// errors are logged and returned untouched.
type LoggingLayer struct {
	Logger *slog.Logger
}

// NewLoggingLayer logs to logger, or slog.Default when nil.
func NewLoggingLayer(logger *slog.Logger) *LoggingLayer {
	return &LoggingLayer{Logger: logger}
}

// Layer implements Layer.
func (l *LoggingLayer) Layer(inner Accessor) Accessor {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	scheme := inner.Info().Scheme
	logger = logger.With("scheme", scheme)

	return &interceptor{
		inner: inner,
		around: func(ctx context.Context, op Operation, path string, call func(context.Context) error) error {
			logger.DebugContext(ctx, "operation started", "op", op, "path", path)
			start := time.Now()
			err := call(ctx)
			logOutcome(ctx, logger, op, path, time.Since(start), err)
			return err
		},
		onReader: func(ctx context.Context, path string, rc io.ReadCloser) io.ReadCloser {
			cr := &countingReader{Reader: rc}
			return &readCloser{Reader: cr, close: func() error {
				err := rc.Close()
				logger.DebugContext(ctx, "reader closed", "op", OpRead, "path", path, "bytes", cr.n)
				return err
			}}
		},
		onPager: func(ctx context.Context, path string, p Pager) Pager {
			return &loggingPager{Pager: p, logger: logger, path: path}
		},
	}
}

func logOutcome(ctx context.Context, logger *slog.Logger, op Operation, path string, d time.Duration, err error) {
	if err == nil {
		logger.DebugContext(ctx, "operation finished", "op", op, "path", path, "duration", d)
		return
	}
	attrs := []any{"op", op, "path", path, "duration", d, "kind", KindOf(err), "error", err}
	switch KindOf(err) {
	case KindNotFound:
		logger.DebugContext(ctx, "operation failed", attrs...)
	case KindUnsupported:
		logger.InfoContext(ctx, "operation unsupported", attrs...)
	default:
		logger.WarnContext(ctx, "operation failed", attrs...)
	}
}

type loggingPager struct {
	Pager
	logger  *slog.Logger
	path    string
	entries int
}

func (p *loggingPager) Next(ctx context.Context) ([]Entry, error) {
	page, err := p.Pager.Next(ctx)
	p.entries += len(page)
	if err != nil && err != io.EOF {
		p.logger.WarnContext(ctx, "list page failed", "path", p.path, "entries", p.entries, "kind", KindOf(err), "error", err)
	}
	return page, err
}

func (p *loggingPager) Close() error {
	p.logger.Debug("list finished", "path", p.path, "entries", p.entries)
	return p.Pager.Close()
}
