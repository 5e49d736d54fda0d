package storekit

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "/"},
		{"/", "/"},
		{".", "/"},
		{"a.txt", "a.txt"},
		{"/a.txt", "a.txt"},
		{"a//b///c.txt", "a/b/c.txt"},
		{"./a/./b", "a/b"},
		{"dir/", "dir/"},
		{"dir/.", "dir/"},
		{"/nested/dir//", "nested/dir/"},
		{`win\style\path.txt`, "win/style/path.txt"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizePath(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizePathRejectsEscapes(t *testing.T) {
	for _, in := range []string{"..", "../etc/passwd", "a/../../b", "a/..", `..\secret`} {
		t.Run(in, func(t *testing.T) {
			_, err := NormalizePath(in)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrPathTraversal))
			assert.Equal(t, KindPermissionDenied, KindOf(err))
		})
	}

	_, err := NormalizePath("nul\x00byte")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidPath))
}

func TestNormalizeRoot(t *testing.T) {
	tests := map[string]string{
		"":          "/",
		"/":         "/",
		"data":      "/data/",
		"/data/":    "/data/",
		"a//b/./c/": "/a/b/c/",
	}
	for in, want := range tests {
		got, err := NormalizeRoot(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := NormalizeRoot("/data/../..")
	assert.Error(t, err)
}

func TestJoinAndRelative(t *testing.T) {
	assert.Equal(t, "", JoinRoot("/", "/"))
	assert.Equal(t, "a/b.txt", JoinRoot("/", "a/b.txt"))
	assert.Equal(t, "srv/data/a/", JoinRoot("/srv/data/", "a/"))
	assert.Equal(t, "srv/data/", JoinRoot("/srv/data/", "/"))

	assert.Equal(t, "a/b.txt", RelativePath("/srv/data/", "srv/data/a/b.txt"))
	assert.Equal(t, "a/", RelativePath("/srv/data/", "/srv/data/a/"))
	assert.Equal(t, "/", RelativePath("/srv/data/", "srv/data/"))
	assert.Equal(t, "x", RelativePath("/", "x"))
}

func TestParentDirAndName(t *testing.T) {
	assert.Equal(t, "/", ParentDir("a.txt"))
	assert.Equal(t, "a/", ParentDir("a/b.txt"))
	assert.Equal(t, "a/", ParentDir("a/b/"))

	assert.Equal(t, "b.txt", Entry{Path: "a/b.txt"}.Name())
	assert.Equal(t, "b/", Entry{Path: "a/b/"}.Name())
	assert.Equal(t, "/", Entry{Path: "/"}.Name())
}

func TestRange(t *testing.T) {
	assert.True(t, FullRange.IsFull())
	assert.True(t, Range{}.IsFull())
	assert.False(t, Range{Offset: 1}.IsFull())

	assert.Equal(t, "", FullRange.HTTPHeader())
	assert.Equal(t, "bytes=5-", Range{Offset: 5, Length: -1}.HTTPHeader())
	assert.Equal(t, "bytes=2-5", Range{Offset: 2, Length: 4}.HTTPHeader())

	start, end := Range{Offset: 2, Length: 4}.Bounds(10)
	assert.Equal(t, int64(2), start)
	assert.Equal(t, int64(6), end)

	start, end = Range{Offset: 8, Length: 100}.Bounds(10)
	assert.Equal(t, int64(8), start)
	assert.Equal(t, int64(10), end)

	start, end = Range{Offset: 20}.Bounds(10)
	assert.Equal(t, int64(10), start)
	assert.Equal(t, int64(10), end)

	start, end = Range{Offset: 1, Length: math.MaxInt64}.Bounds(10)
	assert.Equal(t, int64(1), start)
	assert.Equal(t, int64(10), end)
	assert.Equal(t, "bytes=1-", Range{Offset: 1, Length: math.MaxInt64}.HTTPHeader())
	assert.Equal(t, "bytes=0-9223372036854775806", Range{Offset: 0, Length: math.MaxInt64}.HTTPHeader())
}
