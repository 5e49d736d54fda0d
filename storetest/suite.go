package storetest

import (
	"context"
	"math"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gobeaver/storekit"
)

// Factory returns a fresh operator over an empty backend. It is called
// once per subtest.
type Factory func(t *testing.T) *storekit.Operator

// Run checks the behavior every backend must share. Subtests that need a
// capability the backend lacks are skipped.
func Run(t *testing.T, newOperator Factory) {
	t.Helper()

	t.Run("write then read returns the same bytes", func(t *testing.T) {
		op := newOperator(t)
		needs(t, op, storekit.OpWrite, storekit.OpRead, storekit.OpStat)
		ctx := context.Background()

		require.NoError(t, op.Write(ctx, "hello.txt", []byte("hello world")))

		data, err := op.Read(ctx, "hello.txt")
		require.NoError(t, err)
		assert.Equal(t, "hello world", string(data))

		meta, err := op.Stat(ctx, "hello.txt")
		require.NoError(t, err)
		assert.True(t, meta.IsFile())
		if op.Capability().StatHasSize {
			assert.Equal(t, uint64(11), meta.SizeOr(0))
		}
	})

	t.Run("read range returns the selected bytes", func(t *testing.T) {
		op := newOperator(t)
		needs(t, op, storekit.OpWrite, storekit.OpRead)
		ctx := context.Background()

		require.NoError(t, op.Write(ctx, "range.txt", []byte("0123456789")))

		data, err := op.ReadRange(ctx, "range.txt", storekit.Range{Offset: 2, Length: 3})
		require.NoError(t, err)
		assert.Equal(t, "234", string(data))

		data, err = op.ReadRange(ctx, "range.txt", storekit.Range{Offset: 7, Length: -1})
		require.NoError(t, err)
		assert.Equal(t, "789", string(data))

		data, err = op.ReadRange(ctx, "range.txt", storekit.Range{Offset: 1, Length: math.MaxInt64 - 1})
		require.NoError(t, err)
		assert.Equal(t, "123456789", string(data))

		_, err = op.ReadRange(ctx, "range.txt", storekit.Range{Offset: 1, Length: math.MaxInt64})
		require.Error(t, err)
		assert.Equal(t, storekit.KindUnexpected, storekit.KindOf(err))
	})

	t.Run("write replaces existing content", func(t *testing.T) {
		op := newOperator(t)
		needs(t, op, storekit.OpWrite, storekit.OpRead)
		ctx := context.Background()

		require.NoError(t, op.Write(ctx, "over.txt", []byte("first version")))
		require.NoError(t, op.Write(ctx, "over.txt", []byte("second")))

		data, err := op.Read(ctx, "over.txt")
		require.NoError(t, err)
		assert.Equal(t, "second", string(data))
	})

	t.Run("stat of a missing path is NotFound", func(t *testing.T) {
		op := newOperator(t)
		needs(t, op, storekit.OpStat)

		_, err := op.Stat(context.Background(), "missing.txt")
		require.Error(t, err)
		assert.True(t, storekit.IsNotFound(err), "got %v", err)
		assert.ErrorIs(t, err, storekit.ErrNotFound)
	})

	t.Run("is exist reports presence", func(t *testing.T) {
		op := newOperator(t)
		needs(t, op, storekit.OpWrite, storekit.OpStat)
		ctx := context.Background()

		ok, err := op.IsExist(ctx, "present.txt")
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, op.Write(ctx, "present.txt", []byte("x")))
		ok, err = op.IsExist(ctx, "present.txt")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		op := newOperator(t)
		needs(t, op, storekit.OpWrite, storekit.OpDelete, storekit.OpStat)
		ctx := context.Background()

		require.NoError(t, op.Write(ctx, "gone.txt", []byte("bye")))
		require.NoError(t, op.Delete(ctx, "gone.txt"))
		require.NoError(t, op.Delete(ctx, "gone.txt"))
		require.NoError(t, op.Delete(ctx, "never-existed.txt"))

		_, err := op.Stat(ctx, "gone.txt")
		assert.True(t, storekit.IsNotFound(err), "got %v", err)
	})

	t.Run("create dir is recursive and idempotent", func(t *testing.T) {
		op := newOperator(t)
		needs(t, op, storekit.OpCreateDir, storekit.OpStat)
		ctx := context.Background()

		require.NoError(t, op.CreateDir(ctx, "a/b/c/"))
		require.NoError(t, op.CreateDir(ctx, "a/b/c/"))

		meta, err := op.Stat(ctx, "a/b/c/")
		require.NoError(t, err)
		assert.True(t, meta.IsDir())

		meta, err = op.Stat(ctx, "a/")
		require.NoError(t, err)
		assert.True(t, meta.IsDir())
	})

	t.Run("list after create dir and write yields exactly the file", func(t *testing.T) {
		op := newOperator(t)
		needs(t, op, storekit.OpCreateDir, storekit.OpWrite, storekit.OpList)
		ctx := context.Background()

		require.NoError(t, op.CreateDir(ctx, "dir/"))
		require.NoError(t, op.Write(ctx, "dir/a.txt", []byte("a")))

		entries, err := op.ListAll(ctx, "dir/")
		require.NoError(t, err)
		assert.Equal(t, []string{"dir/a.txt"}, paths(entries))
		assert.True(t, entries[0].Metadata.IsFile())
	})

	t.Run("list shows subdirectories with a trailing slash", func(t *testing.T) {
		op := newOperator(t)
		needs(t, op, storekit.OpWrite, storekit.OpList)
		ctx := context.Background()

		require.NoError(t, op.Write(ctx, "top/file.txt", []byte("f")))
		require.NoError(t, op.Write(ctx, "top/sub/deep.txt", []byte("d")))

		entries, err := op.ListAll(ctx, "top/")
		require.NoError(t, err)
		assert.Equal(t, []string{"top/file.txt", "top/sub/"}, paths(entries))
	})

	t.Run("list of a file is NotADirectory", func(t *testing.T) {
		op := newOperator(t)
		needs(t, op, storekit.OpWrite, storekit.OpList, storekit.OpStat)
		ctx := context.Background()

		require.NoError(t, op.Write(ctx, "plain.txt", []byte("p")))

		_, err := op.ListAll(ctx, "plain.txt")
		require.Error(t, err)
		assert.Equal(t, storekit.KindNotADirectory, storekit.KindOf(err))
	})

	t.Run("list can be ranged over twice", func(t *testing.T) {
		op := newOperator(t)
		needs(t, op, storekit.OpWrite, storekit.OpList)
		ctx := context.Background()

		for _, name := range []string{"r/1.txt", "r/2.txt", "r/3.txt"} {
			require.NoError(t, op.Write(ctx, name, []byte(name)))
		}

		seq := op.List(ctx, "r/")
		var first, second []string
		for e, err := range seq {
			require.NoError(t, err)
			first = append(first, e.Path)
		}
		for e, err := range seq {
			require.NoError(t, err)
			second = append(second, e.Path)
		}
		sort.Strings(first)
		sort.Strings(second)
		assert.Equal(t, []string{"r/1.txt", "r/2.txt", "r/3.txt"}, first)
		assert.Equal(t, first, second)
	})

	t.Run("scan walks the whole tree", func(t *testing.T) {
		op := newOperator(t)
		needs(t, op, storekit.OpWrite, storekit.OpScan)
		ctx := context.Background()

		require.NoError(t, op.Write(ctx, "s/a.txt", []byte("a")))
		require.NoError(t, op.Write(ctx, "s/x/b.txt", []byte("b")))
		require.NoError(t, op.Write(ctx, "s/x/y/c.txt", []byte("c")))

		entries, err := op.ScanAll(ctx, "s/")
		require.NoError(t, err)
		assert.Subset(t, paths(entries), []string{"s/a.txt", "s/x/b.txt", "s/x/y/c.txt"})
		for _, e := range entries {
			assert.NotEqual(t, "s/", e.Path)
		}
	})

	t.Run("copy duplicates a file", func(t *testing.T) {
		op := newOperator(t)
		needs(t, op, storekit.OpWrite, storekit.OpCopy, storekit.OpRead)
		ctx := context.Background()

		require.NoError(t, op.Write(ctx, "src.txt", []byte("payload")))
		require.NoError(t, op.Copy(ctx, "src.txt", "copies/dst.txt"))

		for _, p := range []string{"src.txt", "copies/dst.txt"} {
			data, err := op.Read(ctx, p)
			require.NoError(t, err)
			assert.Equal(t, "payload", string(data))
		}
	})

	t.Run("copy of a missing file is NotFound", func(t *testing.T) {
		op := newOperator(t)
		needs(t, op, storekit.OpCopy)

		err := op.Copy(context.Background(), "nope.txt", "dst.txt")
		require.Error(t, err)
		assert.True(t, storekit.IsNotFound(err), "got %v", err)
	})

	t.Run("rename moves a file", func(t *testing.T) {
		op := newOperator(t)
		needs(t, op, storekit.OpWrite, storekit.OpRename, storekit.OpRead, storekit.OpStat)
		ctx := context.Background()

		require.NoError(t, op.Write(ctx, "old.txt", []byte("moving")))
		require.NoError(t, op.Rename(ctx, "old.txt", "moved/new.txt"))

		_, err := op.Stat(ctx, "old.txt")
		assert.True(t, storekit.IsNotFound(err), "got %v", err)
		data, err := op.Read(ctx, "moved/new.txt")
		require.NoError(t, err)
		assert.Equal(t, "moving", string(data))
	})

	t.Run("remove all deletes a tree", func(t *testing.T) {
		op := newOperator(t)
		needs(t, op, storekit.OpWrite, storekit.OpDelete, storekit.OpScan, storekit.OpStat)
		ctx := context.Background()

		require.NoError(t, op.Write(ctx, "tree/a.txt", []byte("a")))
		require.NoError(t, op.Write(ctx, "tree/sub/b.txt", []byte("b")))
		require.NoError(t, op.Write(ctx, "keep.txt", []byte("k")))

		require.NoError(t, op.RemoveAll(ctx, "tree/"))

		_, err := op.Stat(ctx, "tree/sub/b.txt")
		assert.True(t, storekit.IsNotFound(err), "got %v", err)
		_, err = op.Stat(ctx, "tree/a.txt")
		assert.True(t, storekit.IsNotFound(err), "got %v", err)
		_, err = op.Stat(ctx, "keep.txt")
		assert.NoError(t, err)
	})

	t.Run("paths escaping the root are rejected", func(t *testing.T) {
		op := newOperator(t)
		ctx := context.Background()

		_, err := op.Read(ctx, "../etc/passwd")
		require.Error(t, err)
		assert.Equal(t, storekit.KindPermissionDenied, storekit.KindOf(err))

		err = op.Write(ctx, "a/../../b.txt", []byte("x"))
		require.Error(t, err)
		assert.Equal(t, storekit.KindPermissionDenied, storekit.KindOf(err))
	})

	t.Run("cancelled context is reported as Cancelled", func(t *testing.T) {
		op := newOperator(t)
		needs(t, op, storekit.OpStat)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := op.Stat(ctx, "anything.txt")
		require.Error(t, err)
		assert.Equal(t, storekit.KindCancelled, storekit.KindOf(err))
	})

	t.Run("presign honours the capability", func(t *testing.T) {
		op := newOperator(t)
		if op.Capability().PresignRead {
			req, err := op.PresignRead(context.Background(), "signed.txt", time.Minute)
			require.NoError(t, err)
			assert.NotEmpty(t, req.URL)
			return
		}
		_, err := op.PresignRead(context.Background(), "signed.txt", time.Minute)
		assert.True(t, storekit.IsUnsupported(err), "got %v", err)
	})
}

func needs(t *testing.T, op *storekit.Operator, ops ...storekit.Operation) {
	t.Helper()
	capability := op.Capability()
	for _, o := range ops {
		if !capability.Supports(o) {
			t.Skipf("%s does not support %s", op.Scheme(), o)
		}
	}
}

func paths(entries []storekit.Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Path)
	}
	sort.Strings(out)
	return out
}
