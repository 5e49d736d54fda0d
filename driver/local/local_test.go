package local_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gobeaver/storekit"
	"github.com/gobeaver/storekit/driver/local"
	"github.com/gobeaver/storekit/storetest"
)

func newOperator(t *testing.T) *storekit.Operator {
	t.Helper()
	op, err := storekit.Open(local.Scheme, map[string]string{"root": t.TempDir()})
	require.NoError(t, err)
	return op
}

func TestConformance(t *testing.T) {
	storetest.Run(t, newOperator)
}

func TestConformanceWithoutAtomicWrites(t *testing.T) {
	storetest.Run(t, func(t *testing.T) *storekit.Operator {
		a, err := local.New(local.Config{Root: t.TempDir()})
		require.NoError(t, err)
		return storekit.NewOperator(a, nil)
	})
}

func TestConfig(t *testing.T) {
	tests := []struct {
		name    string
		options map[string]string
		wantErr bool
	}{
		{name: "root is required", options: map[string]string{}, wantErr: true},
		{name: "unknown keys are rejected", options: map[string]string{"root": "/tmp", "bucket": "b"}, wantErr: true},
		{name: "atomic write parses as bool", options: map[string]string{"root": "/tmp", "atomic_write": "false"}},
		{name: "atomic write rejects garbage", options: map[string]string{"root": "/tmp", "atomic_write": "maybe"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := storekit.NewBuilder(local.Scheme, tt.options)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, storekit.KindConfigInvalid, storekit.KindOf(err))
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestCreateRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "nested", "root")

	op, err := storekit.Open(local.Scheme, map[string]string{"root": root})
	require.NoError(t, err)

	info, err := os.Stat(root)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.True(t, strings.HasSuffix(op.Info().Root, "/nested/root/"))
}

func TestWriteLeavesNoTempFiles(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	op, err := storekit.Open(local.Scheme, map[string]string{"root": root})
	require.NoError(t, err)

	require.NoError(t, op.Write(ctx, "docs/readme.md", []byte("# readme")))

	dirEntries, err := os.ReadDir(filepath.Join(root, "docs"))
	require.NoError(t, err)
	require.Len(t, dirEntries, 1)
	assert.Equal(t, "readme.md", dirEntries[0].Name())

	data, err := os.ReadFile(filepath.Join(root, "docs", "readme.md"))
	require.NoError(t, err)
	assert.Equal(t, "# readme", string(data))
}

func TestListSkipsTempFiles(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, ".storekit-abandoned.tmp"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "real.txt"), []byte("x"), 0o644))

	op, err := storekit.Open(local.Scheme, map[string]string{"root": root})
	require.NoError(t, err)

	entries, err := op.ListAll(ctx, "/")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "real.txt", entries[0].Path)
}

func TestStatMetadata(t *testing.T) {
	ctx := context.Background()
	op := newOperator(t)

	require.NoError(t, op.Write(ctx, "image.png", []byte("not really a png")))
	meta, err := op.Stat(ctx, "image.png")
	require.NoError(t, err)
	assert.Equal(t, "image/png", meta.ContentType)
	assert.Equal(t, uint64(16), meta.SizeOr(0))
	assert.NotNil(t, meta.LastModified)

	require.NoError(t, op.CreateDir(ctx, "folder/"))
	meta, err = op.Stat(ctx, "folder")
	require.NoError(t, err)
	assert.True(t, meta.IsDir())
}

func TestDeleteNonEmptyDirectory(t *testing.T) {
	ctx := context.Background()
	op := newOperator(t)

	require.NoError(t, op.Write(ctx, "full/a.txt", []byte("a")))
	require.Error(t, op.Delete(ctx, "full/"))
	require.NoError(t, op.RemoveAll(ctx, "full/"))

	ok, err := op.IsExist(ctx, "full/")
	require.NoError(t, err)
	assert.False(t, ok)
}
