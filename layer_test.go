package storekit_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gobeaver/storekit"
	"github.com/gobeaver/storekit/storetest"
)

func transient() error {
	return storekit.NewError(storekit.KindTransient, "", "", errors.New("503 slow down"))
}

func fastRetry() *storekit.RetryLayer {
	r := storekit.NewRetryLayer()
	r.MinDelay = time.Millisecond
	r.MaxDelay = 5 * time.Millisecond
	return r
}

func TestStackOrder(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	trace := func(name string) storekit.Layer {
		return storekit.LayerFunc(func(inner storekit.Accessor) storekit.Accessor {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return inner
		})
	}
	storekit.Stack(newMemory(t), trace("inner"), nil, trace("outer"))
	assert.Equal(t, []string{"inner", "outer"}, order)
}

// ============================================================================
// Retry
// ============================================================================

func TestRetryLayer(t *testing.T) {
	ctx := context.Background()

	t.Run("transient failures are retried", func(t *testing.T) {
		var notified []storekit.Operation
		retry := fastRetry()
		retry.Notify = func(op storekit.Operation, _ string, _ error, _ time.Duration) {
			notified = append(notified, op)
		}
		op, counter := newCounted(t, retry)
		require.NoError(t, op.Write(ctx, "a.txt", []byte("a")))

		counter.FailNext(storekit.OpStat, transient(), transient())
		_, err := op.Stat(ctx, "a.txt")
		require.NoError(t, err)
		assert.Equal(t, 3, counter.Calls(storekit.OpStat))
		assert.Equal(t, []storekit.Operation{storekit.OpStat, storekit.OpStat}, notified)
	})

	t.Run("permanent failures are returned at once", func(t *testing.T) {
		op, counter := newCounted(t, fastRetry())
		counter.FailNext(storekit.OpStat, storekit.NewError(storekit.KindPermissionDenied, "", "", nil))

		_, err := op.Stat(ctx, "a.txt")
		assert.Equal(t, storekit.KindPermissionDenied, storekit.KindOf(err))
		assert.Equal(t, 1, counter.Calls(storekit.OpStat))
	})

	t.Run("exhausted retries keep the kind and record attempts", func(t *testing.T) {
		op, counter := newCounted(t, fastRetry())
		counter.FailNext(storekit.OpStat, transient(), transient(), transient())

		_, err := op.Stat(ctx, "a.txt")
		var se *storekit.Error
		require.ErrorAs(t, err, &se)
		assert.Equal(t, storekit.KindTransient, se.Kind)
		assert.Equal(t, 3, se.Attempts)
		assert.Equal(t, storekit.OpStat, se.Op)
		assert.Equal(t, 3, counter.Calls(storekit.OpStat))
	})

	t.Run("seekable writes are rewound and retried", func(t *testing.T) {
		op, counter := newCounted(t, fastRetry())
		counter.FailNext(storekit.OpWrite, transient())

		require.NoError(t, op.WriteFrom(ctx, "w.txt", strings.NewReader("payload")))
		assert.Equal(t, 2, counter.Calls(storekit.OpWrite))
		data, err := op.Read(ctx, "w.txt")
		require.NoError(t, err)
		assert.Equal(t, "payload", string(data))
	})

	t.Run("one-shot streams are not retried", func(t *testing.T) {
		op, counter := newCounted(t, fastRetry())
		counter.FailNext(storekit.OpWrite, transient())

		err := op.WriteFrom(ctx, "w.txt", struct{ io.Reader }{strings.NewReader("payload")})
		assert.True(t, storekit.IsTransient(err))
		assert.Equal(t, 1, counter.Calls(storekit.OpWrite))
	})

	t.Run("writes are not retried when the backend forbids it", func(t *testing.T) {
		counter := storetest.NewCountingAccessor(newMemory(t)).
			WithCapability(storekit.Capability{Write: true})
		op := storekit.NewOperator(counter, []storekit.Layer{fastRetry()})
		counter.FailNext(storekit.OpWrite, transient())

		assert.Error(t, op.Write(ctx, "w.txt", []byte("x")))
		assert.Equal(t, 1, counter.Calls(storekit.OpWrite))
	})

	t.Run("rename is never retried", func(t *testing.T) {
		op, counter := newCounted(t, fastRetry())
		counter.FailNext(storekit.OpRename, transient())

		assert.Error(t, op.Rename(ctx, "a.txt", "b.txt"))
		assert.Equal(t, 1, counter.Calls(storekit.OpRename))
	})

	t.Run("cancellation stops the backoff", func(t *testing.T) {
		retry := storekit.NewRetryLayer()
		retry.MinDelay = time.Hour
		op, counter := newCounted(t, retry)
		counter.FailNext(storekit.OpStat, transient(), transient())

		cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		start := time.Now()
		_, err := op.Stat(cctx, "a.txt")
		assert.Error(t, err)
		assert.Less(t, time.Since(start), time.Second)
		assert.Equal(t, 1, counter.Calls(storekit.OpStat))
	})
}

// ============================================================================
// Timeout
// ============================================================================

// dripReader yields one byte per Read after a delay and never ends.
type dripReader struct {
	delay time.Duration
	reads atomic.Int64
}

func (d *dripReader) Read(p []byte) (int, error) {
	d.reads.Add(1)
	time.Sleep(d.delay)
	if len(p) == 0 {
		return 0, nil
	}
	p[0] = 'x'
	return 1, nil
}

func TestTimeoutLayer(t *testing.T) {
	ctx := context.Background()

	t.Run("a stuck call returns Timeout and is released", func(t *testing.T) {
		op, counter := newCounted(t, &storekit.TimeoutLayer{Timeout: 100 * time.Millisecond})
		counter.Block(storekit.OpStat)

		start := time.Now()
		_, err := op.Stat(ctx, "slow.txt")
		elapsed := time.Since(start)

		require.Error(t, err)
		assert.Equal(t, storekit.KindTimeout, storekit.KindOf(err))
		assert.ErrorIs(t, err, storekit.ErrTimeout)
		assert.Less(t, elapsed, 150*time.Millisecond)
		assert.Eventually(t, func() bool { return counter.Released() == 1 }, time.Second, 5*time.Millisecond)
		assert.Zero(t, counter.InFlight())
	})

	t.Run("fast calls are untouched", func(t *testing.T) {
		op, _ := newCounted(t, storekit.NewTimeoutLayer())
		require.NoError(t, op.Write(ctx, "a.txt", []byte("abc")))
		data, err := op.Read(ctx, "a.txt")
		require.NoError(t, err)
		assert.Equal(t, "abc", string(data))

		entries, err := op.ListAll(ctx, "/")
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})

	t.Run("a timed out write stops reading the source", func(t *testing.T) {
		op, _ := newCounted(t, &storekit.TimeoutLayer{Timeout: 50 * time.Millisecond})
		src := &dripReader{delay: 10 * time.Millisecond}

		err := op.WriteFrom(ctx, "drip.bin", src)
		assert.Equal(t, storekit.KindTimeout, storekit.KindOf(err))

		// Let the read in flight at the deadline settle.
		time.Sleep(20 * time.Millisecond)
		after := src.reads.Load()
		time.Sleep(100 * time.Millisecond)
		assert.Equal(t, after, src.reads.Load())
	})

	t.Run("caller cancellation wins over the timer", func(t *testing.T) {
		op, counter := newCounted(t, &storekit.TimeoutLayer{Timeout: time.Minute})
		counter.Block(storekit.OpDelete)

		cctx, cancel := context.WithCancel(ctx)
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()
		err := op.Delete(cctx, "a.txt")
		assert.Equal(t, storekit.KindCancelled, storekit.KindOf(err))
		assert.Eventually(t, func() bool { return counter.Released() == 1 }, time.Second, 5*time.Millisecond)
	})
}

// ============================================================================
// Logging and metrics
// ============================================================================

func TestLoggingLayer(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	op, _ := newCounted(t, storekit.NewLoggingLayer(logger))

	require.NoError(t, op.Write(ctx, "logged.txt", []byte("hi")))
	_, err := op.Read(ctx, "logged.txt")
	require.NoError(t, err)
	_, err = op.Stat(ctx, "nope.txt")
	require.Error(t, err)
	_, err = op.ListAll(ctx, "/")
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "scheme=memory")
	assert.Contains(t, out, `msg="operation finished" scheme=memory op=write path=logged.txt`)
	assert.Contains(t, out, `msg="reader closed" scheme=memory op=read path=logged.txt bytes=2`)
	assert.Contains(t, out, "kind=NotFound")
	assert.Contains(t, out, `msg="list finished" scheme=memory path=/ entries=1`)
	assert.NotContains(t, out, "level=WARN")
}

func TestMetricsLayer(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	op, _ := newCounted(t, storekit.NewMetricsLayer(reg))

	require.NoError(t, op.Write(ctx, "m.txt", []byte("hello")))
	_, err := op.Read(ctx, "m.txt")
	require.NoError(t, err)
	_, err = op.Stat(ctx, "missing.txt")
	require.Error(t, err)

	expected := `
# HELP storekit_operations_total Total number of storage operations by scheme, operation and outcome
# TYPE storekit_operations_total counter
storekit_operations_total{operation="read",outcome="ok",scheme="memory"} 1
storekit_operations_total{operation="stat",outcome="NotFound",scheme="memory"} 1
storekit_operations_total{operation="write",outcome="ok",scheme="memory"} 1
# HELP storekit_bytes_total Total bytes read and written
# TYPE storekit_bytes_total counter
storekit_bytes_total{operation="read",scheme="memory"} 5
storekit_bytes_total{operation="write",scheme="memory"} 5
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"storekit_operations_total", "storekit_bytes_total"))

	count, err := testutil.GatherAndCount(reg, "storekit_operation_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

// ============================================================================
// Limits
// ============================================================================

func TestConcurrentLimitLayer(t *testing.T) {
	ctx := context.Background()
	op, counter := newCounted(t, storekit.NewConcurrentLimitLayer(1))
	counter.Block(storekit.OpStat)

	holder, release := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = op.Stat(holder, "held.txt")
	}()
	require.Eventually(t, func() bool { return counter.InFlight() == 1 }, time.Second, time.Millisecond)

	waiter, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err := op.Stat(waiter, "queued.txt")
	assert.Equal(t, storekit.KindTimeout, storekit.KindOf(err))
	assert.Equal(t, 1, counter.Calls(storekit.OpStat))

	release()
	<-done
	require.NoError(t, op.Write(ctx, "after.txt", []byte("x")))
}

func TestThrottleLayer(t *testing.T) {
	ctx := context.Background()
	op, _ := newCounted(t, &storekit.ThrottleLayer{OpsPerSecond: 20, Burst: 1})

	start := time.Now()
	for range 4 {
		_, _ = op.IsExist(ctx, "a.txt")
	}
	// The first call spends the burst, the next three wait ~50ms each.
	assert.GreaterOrEqual(t, time.Since(start), 120*time.Millisecond)

	bw, _ := newCounted(t, &storekit.ThrottleLayer{BytesPerSecond: 1 << 20})
	require.NoError(t, bw.Write(ctx, "small.bin", bytes.Repeat([]byte("b"), 1024)))
}

// ============================================================================
// Read-only and index
// ============================================================================

func TestReadOnlyLayer(t *testing.T) {
	ctx := context.Background()
	mem := newMemory(t)
	require.NoError(t, storekit.NewOperator(mem, nil).Write(ctx, "seed.txt", []byte("seed")))

	t.Run("operator rejects writes with Unsupported", func(t *testing.T) {
		op := storekit.NewOperator(mem, []storekit.Layer{storekit.NewReadOnlyLayer()})
		assert.False(t, op.Capability().Write)
		assert.True(t, op.Capability().Read)
		assert.True(t, storekit.IsUnsupported(op.Write(ctx, "seed.txt", []byte("x"))))
		assert.True(t, storekit.IsUnsupported(op.Delete(ctx, "seed.txt")))

		data, err := op.Read(ctx, "seed.txt")
		require.NoError(t, err)
		assert.Equal(t, "seed", string(data))
	})

	t.Run("direct accessor writes are PermissionDenied", func(t *testing.T) {
		acc := storekit.NewReadOnlyLayer().Layer(mem)
		err := acc.Write(ctx, "seed.txt", strings.NewReader("x"), storekit.WriteOptions{})
		assert.Equal(t, storekit.KindPermissionDenied, storekit.KindOf(err))
		assert.True(t, storekit.IsReadOnlyError(err))
	})

	t.Run("delete and create dir can be allowed", func(t *testing.T) {
		op := storekit.NewOperator(mem, []storekit.Layer{
			storekit.NewReadOnlyLayer(storekit.WithAllowDelete(true), storekit.WithAllowCreateDir(true)),
		})
		require.NoError(t, op.CreateDir(ctx, "staging/"))
		require.NoError(t, op.Delete(ctx, "staging/"))
		assert.True(t, storekit.IsUnsupported(op.Write(ctx, "x.txt", []byte("x"))))
	})

	t.Run("write attempt handler decides", func(t *testing.T) {
		var seen []string
		acc := storekit.NewReadOnlyLayer(storekit.WithWriteAttemptHandler(func(op storekit.Operation, path string) error {
			seen = append(seen, string(op)+":"+path)
			if strings.HasPrefix(path, "allowed/") {
				return nil
			}
			return errors.New("blocked by policy")
		})).Layer(mem)

		require.NoError(t, acc.Write(ctx, "allowed/a.txt", strings.NewReader("ok"), storekit.WriteOptions{}))
		err := acc.Write(ctx, "other.txt", strings.NewReader("no"), storekit.WriteOptions{})
		assert.Equal(t, storekit.KindPermissionDenied, storekit.KindOf(err))
		assert.False(t, storekit.IsReadOnlyError(err))
		assert.Equal(t, []string{"write:allowed/a.txt", "write:other.txt"}, seen)
	})
}

func TestImmutableIndexLayer(t *testing.T) {
	ctx := context.Background()
	counter := storetest.NewCountingAccessor(newMemory(t)).
		WithCapability(storekit.Capability{Stat: true, Read: true})

	index := storekit.NewImmutableIndexLayer("a.txt", "/dir/b.txt", "dir/sub/c.txt", "../escape.txt")
	index.Insert("dir/d.txt")
	op := storekit.NewOperator(counter, []storekit.Layer{index})
	assert.True(t, op.Capability().List)
	assert.True(t, op.Capability().Scan)

	entries, err := op.ListAll(ctx, "/")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "dir/"}, paths(entries))

	entries, err = op.ListAll(ctx, "dir")
	require.NoError(t, err)
	assert.Equal(t, []string{"dir/b.txt", "dir/d.txt", "dir/sub/"}, paths(entries))

	entries, err = op.ScanAll(ctx, "/")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "dir/", "dir/b.txt", "dir/d.txt", "dir/sub/", "dir/sub/c.txt"}, paths(entries))

	assert.Zero(t, counter.Calls(storekit.OpList))
	assert.Zero(t, counter.Calls(storekit.OpScan))
}
