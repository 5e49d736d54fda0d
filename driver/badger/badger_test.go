package badger_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gobeaver/storekit"
	"github.com/gobeaver/storekit/driver/badger"
	"github.com/gobeaver/storekit/storetest"
)

func newOperator(t *testing.T) *storekit.Operator {
	t.Helper()
	acc, err := badger.New(badger.Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = acc.Close() })
	return storekit.NewOperator(acc, nil)
}

func TestConformance(t *testing.T) {
	storetest.Run(t, newOperator)
}

func TestConfig(t *testing.T) {
	t.Run("requires a directory unless in memory", func(t *testing.T) {
		_, err := storekit.BuildAccessor(badger.Scheme, map[string]string{})
		require.Error(t, err)
		assert.Equal(t, storekit.KindConfigInvalid, storekit.KindOf(err))
	})

	t.Run("opens a database on disk", func(t *testing.T) {
		dir := t.TempDir()
		acc, err := storekit.BuildAccessor(badger.Scheme, map[string]string{"dir": dir, "root": "objects"})
		require.NoError(t, err)
		defer acc.(*badger.Accessor).Close()

		assert.Equal(t, "/objects/", acc.Info().Root)
	})
}

func TestPersistence(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	acc, err := badger.New(badger.Config{Dir: dir})
	require.NoError(t, err)
	op := storekit.NewOperator(acc, nil)
	require.NoError(t, op.Write(ctx, "kept.txt", []byte("durable")))
	require.NoError(t, acc.Close())

	acc, err = badger.New(badger.Config{Dir: dir})
	require.NoError(t, err)
	defer acc.Close()
	data, err := storekit.NewOperator(acc, nil).Read(ctx, "kept.txt")
	require.NoError(t, err)
	assert.Equal(t, "durable", string(data))
}

func TestRootIsolation(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	acc, err := badger.New(badger.Config{Dir: dir, Root: "tenant-a"})
	require.NoError(t, err)
	defer acc.Close()
	op := storekit.NewOperator(acc, nil)
	require.NoError(t, op.Write(ctx, "x.txt", []byte("x")))

	entries, err := op.ListAll(ctx, "/")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "x.txt", entries[0].Path)

	keys, err := acc.Store().Scan(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"tenant-a/x.txt"}, keys)
}
