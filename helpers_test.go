package storekit_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gobeaver/storekit"
)

func TestLazy(t *testing.T) {
	ctx := context.Background()

	var calls atomic.Int32
	fail := true
	lazy := storekit.NewLazy(func(context.Context) (string, error) {
		calls.Add(1)
		if fail {
			return "", errors.New("dial refused")
		}
		return "client", nil
	})

	_, err := lazy.Get(ctx)
	require.Error(t, err)

	fail = false
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := lazy.Get(ctx)
			assert.NoError(t, err)
			assert.Equal(t, "client", v)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(2), calls.Load())

	v, err := storekit.Ready(42).Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestGuessContentType(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")

	tests := []struct {
		name string
		path string
		head []byte
		want string
	}{
		{"known extension", "data/report.JSON", nil, "application/json"},
		{"extension beats content", "notes.txt", png, "text/plain; charset=utf-8"},
		{"sniffed binary", "uploads/avatar", png, "image/png"},
		{"sniffed text", "README", []byte("plain words\n"), "text/plain; charset=utf-8"},
		{"nothing to go on", "blob", nil, storekit.DefaultContentType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, storekit.GuessContentType(tt.path, tt.head))
		})
	}
}

func TestExtensionForContentType(t *testing.T) {
	assert.Equal(t, ".png", storekit.ExtensionForContentType("image/png"))
	assert.Equal(t, ".json", storekit.ExtensionForContentType("application/json; charset=utf-8"))
	assert.Equal(t, ".bin", storekit.ExtensionForContentType("application/x-storekit-unknown"))
}

func TestCalculateChecksums(t *testing.T) {
	sums, err := storekit.CalculateChecksums(strings.NewReader("hello"), []storekit.ChecksumAlgorithm{
		storekit.ChecksumSHA256, storekit.ChecksumCRC32, storekit.ChecksumXXHash,
	})
	require.NoError(t, err)
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", sums[storekit.ChecksumSHA256])
	assert.Equal(t, "3610a686", sums[storekit.ChecksumCRC32])
	assert.Len(t, sums[storekit.ChecksumXXHash], 16)

	single, err := storekit.CalculateChecksum(strings.NewReader("hello"), storekit.ChecksumXXHash)
	require.NoError(t, err)
	assert.Equal(t, sums[storekit.ChecksumXXHash], single)

	_, err = storekit.CalculateChecksums(strings.NewReader("hello"), nil)
	assert.Error(t, err)
	_, err = storekit.NewHasher("blake9")
	assert.Error(t, err)

	assert.Equal(t, storekit.XXHash([]byte("hello")), storekit.XXHash([]byte("hello")))
	assert.NotEqual(t, storekit.XXHash([]byte("hello")), storekit.XXHash([]byte("hello!")))
}

func TestSlicePager(t *testing.T) {
	ctx := context.Background()
	entries := []storekit.Entry{{Path: "a"}, {Path: "b"}, {Path: "c"}, {Path: "d"}, {Path: "e"}}

	p := storekit.NewSlicePager(entries, 2)
	var sizes []int
	for {
		page, err := p.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		sizes = append(sizes, len(page))
	}
	assert.Equal(t, []int{2, 2, 1}, sizes)
	require.NoError(t, p.Close())

	all := storekit.NewSlicePager(entries, 0)
	page, err := all.Next(ctx)
	require.NoError(t, err)
	assert.Len(t, page, 5)

	empty := storekit.NewSlicePager(nil, 0)
	_, err = empty.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = storekit.NewSlicePager(entries, 1).Next(cctx)
	assert.ErrorIs(t, err, context.Canceled)
}
