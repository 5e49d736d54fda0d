package storekit_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gobeaver/storekit"
)

func TestFacadeParity(t *testing.T) {
	ctx := context.Background()
	op, _ := newCounted(t)
	async, blocking := op.Async(), op.Blocking()

	require.NoError(t, blocking.Write("shared.txt", []byte("same core")))

	data, err := async.Read(ctx, "shared.txt").Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, "same core", string(data))

	_, asyncErr := async.Stat(ctx, "missing.txt").Await(ctx)
	_, blockingErr := blocking.Stat("missing.txt")
	_, directErr := op.Stat(ctx, "missing.txt")
	assert.Equal(t, storekit.KindOf(directErr), storekit.KindOf(asyncErr))
	assert.Equal(t, storekit.KindOf(directErr), storekit.KindOf(blockingErr))
	assert.Equal(t, asyncErr.Error(), blockingErr.Error())

	_, err = blocking.Read("../escape")
	assert.Equal(t, storekit.KindPermissionDenied, storekit.KindOf(err))

	_, err = async.CreateDir(ctx, "dir/").Await(ctx)
	require.NoError(t, err)
	require.NoError(t, blocking.Copy("shared.txt", "dir/copy.txt"))
	_, err = async.Rename(ctx, "dir/copy.txt", "dir/moved.txt").Await(ctx)
	require.NoError(t, err)

	entries, err := blocking.List("dir/")
	require.NoError(t, err)
	assert.Equal(t, []string{"dir/moved.txt"}, paths(entries))

	entries, err = async.Scan(ctx, "/").Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"dir/", "dir/moved.txt", "shared.txt"}, paths(entries))

	ok, err := blocking.IsExist("dir/moved.txt")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, blocking.RemoveAll("dir/"))
	ok, err = async.IsExist(ctx, "dir/moved.txt").Await(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, op.Capability(), async.Capability())
	assert.Equal(t, op.Capability(), blocking.Capability())
	assert.Same(t, op, async.Blocking().Operator())
}

func TestFacadeStreams(t *testing.T) {
	ctx := context.Background()
	op, _ := newCounted(t)
	blocking := op.Blocking()
	require.NoError(t, blocking.Write("stream.txt", []byte("0123456789")))

	rc, err := blocking.Reader("stream.txt", storekit.Range{Offset: 5, Length: -1})
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "56789", string(data))

	f := op.Async().Reader(ctx, "stream.txt", storekit.FullRange)
	<-f.Done()
	rc, err = f.Result()
	require.NoError(t, err)
	data, err = io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(data))
	require.NoError(t, rc.Close())
}

func TestFutureCancel(t *testing.T) {
	ctx := context.Background()

	t.Run("cancel aborts the in-flight call", func(t *testing.T) {
		op, counter := newCounted(t)
		counter.Block(storekit.OpStat)

		f := op.Async().Stat(ctx, "slow.txt")
		require.Eventually(t, func() bool { return counter.InFlight() == 1 }, time.Second, time.Millisecond)
		f.Cancel()

		select {
		case <-f.Done():
		case <-time.After(time.Second):
			t.Fatal("future did not resolve after cancel")
		}
		_, err := f.Result()
		assert.Equal(t, storekit.KindCancelled, storekit.KindOf(err))
		var se *storekit.Error
		require.ErrorAs(t, err, &se)
		assert.Equal(t, storekit.OpStat, se.Op)
		assert.Equal(t, "slow.txt", se.Path)
		assert.Equal(t, int64(1), counter.Released())
	})

	t.Run("await gives up when its context ends", func(t *testing.T) {
		op, counter := newCounted(t)
		counter.Block(storekit.OpList)

		actx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
		defer cancel()
		_, err := op.Async().List(ctx, "docs/").Await(actx)
		assert.Equal(t, storekit.KindTimeout, storekit.KindOf(err))
		var se *storekit.Error
		require.ErrorAs(t, err, &se)
		assert.Equal(t, storekit.OpList, se.Op)
		assert.Equal(t, "docs/", se.Path)
		assert.Equal(t, int64(1), counter.Released())
		assert.Zero(t, counter.InFlight())
	})
}

func TestBlockingCancel(t *testing.T) {
	op, counter := newCounted(t)
	counter.Block(storekit.OpRead)
	blocking := op.Blocking()

	errs := make(chan error, 1)
	go func() {
		_, err := blocking.Read("held.txt")
		errs <- err
	}()
	require.Eventually(t, func() bool { return counter.InFlight() == 1 }, time.Second, time.Millisecond)
	blocking.Cancel()

	select {
	case err := <-errs:
		assert.Equal(t, storekit.KindCancelled, storekit.KindOf(err))
		var se *storekit.Error
		require.ErrorAs(t, err, &se)
		assert.Equal(t, storekit.OpRead, se.Op)
		assert.Equal(t, "held.txt", se.Path)
	case <-time.After(time.Second):
		t.Fatal("blocking call did not return after cancel")
	}

	before := counter.TotalCalls()
	_, err := blocking.Stat("any.txt")
	assert.Equal(t, storekit.KindCancelled, storekit.KindOf(err))
	var se *storekit.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, storekit.OpStat, se.Op)
	assert.Equal(t, "any.txt", se.Path)
	assert.Equal(t, before, counter.TotalCalls())

	// A fresh scope over the same core works again.
	scoped := blocking.WithContext(context.Background())
	_, err = scoped.Stat("any.txt")
	assert.True(t, storekit.IsNotFound(err))
}
