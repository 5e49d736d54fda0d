package storekit_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gobeaver/storekit"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

var testKeys = storekit.EnvKeys{
	AccessKeyID:     "TEST_ACCESS_KEY_ID",
	SecretAccessKey: "TEST_SECRET_ACCESS_KEY",
	SessionToken:    "TEST_SESSION_TOKEN",
	Token:           "TEST_TOKEN",
}

func TestCredentialChain(t *testing.T) {
	ctx := context.Background()

	t.Run("explicit config wins", func(t *testing.T) {
		chain := storekit.NewCredentialChain(nil,
			storekit.StaticSource(storekit.StaticCredential("cfg-id", "cfg-secret", "")),
			storekit.EnvSource(testKeys, envMap(map[string]string{
				"TEST_ACCESS_KEY_ID":     "env-id",
				"TEST_SECRET_ACCESS_KEY": "env-secret",
			})),
		)
		cred, src, err := chain.ResolveSource(ctx)
		require.NoError(t, err)
		assert.Equal(t, "config", src.Name())
		assert.Equal(t, "cfg-id", cred.AccessKeyID)
	})

	t.Run("environment fills in when config is empty", func(t *testing.T) {
		chain := storekit.NewCredentialChain(nil,
			storekit.StaticSource(&storekit.Credential{}),
			storekit.EnvSource(testKeys, envMap(map[string]string{
				"TEST_ACCESS_KEY_ID":     "env-id",
				"TEST_SECRET_ACCESS_KEY": "env-secret",
				"TEST_SESSION_TOKEN":     "env-session",
			})),
		)
		cred, src, err := chain.ResolveSource(ctx)
		require.NoError(t, err)
		assert.Equal(t, "env", src.Name())
		assert.Equal(t, storekit.CredentialStatic, cred.Kind)
		assert.Equal(t, "env-session", cred.SessionToken)
	})

	t.Run("a lone token becomes a bearer credential", func(t *testing.T) {
		chain := storekit.NewCredentialChain(nil,
			storekit.EnvSource(testKeys, envMap(map[string]string{
				"TEST_ACCESS_KEY_ID": "half-a-pair",
				"TEST_TOKEN":         "tok",
			})),
		)
		cred, err := chain.Resolve(ctx)
		require.NoError(t, err)
		assert.Equal(t, storekit.CredentialBearer, cred.Kind)
		assert.Equal(t, "tok", cred.Token)
	})

	t.Run("failing rungs are skipped and anonymous is the floor", func(t *testing.T) {
		var buf bytes.Buffer
		logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
		chain := storekit.NewCredentialChain(logger,
			storekit.CredentialFunc{SourceName: "broken", Fn: func(context.Context) (*storekit.Credential, error) {
				return nil, errors.New("profile file is corrupt")
			}},
			storekit.EnvSource(testKeys, envMap(nil)),
		)
		cred, src, err := chain.ResolveSource(ctx)
		require.NoError(t, err)
		assert.True(t, cred.IsAnonymous())
		assert.Equal(t, "anonymous", src.Name())

		out := buf.String()
		assert.Contains(t, out, "rung=broken outcome=error")
		assert.Contains(t, out, "rung=env outcome=empty")
		assert.Contains(t, out, "rung=anonymous outcome=found")
	})

	t.Run("metadata probes are bounded", func(t *testing.T) {
		chain := storekit.NewCredentialChain(nil,
			storekit.MetadataSource(func(ctx context.Context) (*storekit.Credential, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			}),
		)
		chain.MetadataTimeout = 20 * time.Millisecond

		start := time.Now()
		cred, err := chain.Resolve(ctx)
		require.NoError(t, err)
		assert.True(t, cred.IsAnonymous())
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("a cancelled context fails resolution", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		chain := storekit.NewCredentialChain(nil, storekit.AnonymousSource())
		_, err := chain.Resolve(cctx)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestCredentialRedaction(t *testing.T) {
	static := storekit.StaticCredential("AKIDEXAMPLE", "wJalrXUtnFEMI", "session")
	assert.NotContains(t, static.String(), "wJalrXUtnFEMI")
	assert.Contains(t, static.String(), "AKIDEXAMPLE")

	bearer := storekit.BearerCredential("very-secret-token", time.Now().Add(time.Hour))
	assert.NotContains(t, bearer.String(), "very-secret-token")

	var buf bytes.Buffer
	slog.New(slog.NewTextHandler(&buf, nil)).Info("resolved", "credential", *static, "bearer", *bearer)
	assert.NotContains(t, buf.String(), "wJalrXUtnFEMI")
	assert.NotContains(t, buf.String(), "very-secret-token")
	assert.Contains(t, buf.String(), "credential.kind=static")
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestCredentialLoader(t *testing.T) {
	ctx := context.Background()

	t.Run("concurrent loads share one refresh", func(t *testing.T) {
		clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
		var calls atomic.Int32
		src := storekit.CredentialFunc{SourceName: "sts", Fn: func(context.Context) (*storekit.Credential, error) {
			calls.Add(1)
			time.Sleep(50 * time.Millisecond)
			return storekit.BearerCredential("fresh", clock.Now().Add(time.Hour)), nil
		}}
		loader := storekit.NewCredentialLoader(src, nil, storekit.WithClock(clock.Now))

		var wg sync.WaitGroup
		for range 16 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				cred, err := loader.Load(ctx)
				assert.NoError(t, err)
				assert.Equal(t, "fresh", cred.Token)
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("expiring credentials are refreshed ahead of time", func(t *testing.T) {
		clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
		var calls atomic.Int32
		src := storekit.CredentialFunc{SourceName: "sts", Fn: func(context.Context) (*storekit.Credential, error) {
			calls.Add(1)
			return storekit.BearerCredential("t", clock.Now().Add(10*time.Minute)), nil
		}}
		chain := storekit.NewCredentialChain(nil, src)
		loader, err := chain.Loader(ctx, storekit.WithClock(clock.Now), storekit.WithRefreshSkew(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, int32(1), calls.Load())
		assert.NotNil(t, loader.Current())

		clock.Advance(8 * time.Minute)
		_, err = loader.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, int32(1), calls.Load())

		clock.Advance(90 * time.Second)
		_, err = loader.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("non-expiring credentials are never refreshed", func(t *testing.T) {
		var calls atomic.Int32
		src := storekit.CredentialFunc{SourceName: "config", Fn: func(context.Context) (*storekit.Credential, error) {
			calls.Add(1)
			return storekit.StaticCredential("id", "secret", ""), nil
		}}
		loader := storekit.NewCredentialLoader(src, storekit.StaticCredential("id", "secret", ""))
		for range 3 {
			_, err := loader.Load(ctx)
			require.NoError(t, err)
		}
		assert.Zero(t, calls.Load())
	})

	t.Run("a failed refresh is an AuthError and keeps the old state", func(t *testing.T) {
		clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
		expired := storekit.BearerCredential("old", clock.Now().Add(-time.Minute))
		fail := true
		src := storekit.CredentialFunc{SourceName: "sts", Fn: func(context.Context) (*storekit.Credential, error) {
			if fail {
				return nil, errors.New("sts unreachable")
			}
			return storekit.BearerCredential("new", clock.Now().Add(time.Hour)), nil
		}}
		loader := storekit.NewCredentialLoader(src, expired, storekit.WithClock(clock.Now))

		_, err := loader.Load(ctx)
		require.Error(t, err)
		assert.Equal(t, storekit.KindAuth, storekit.KindOf(err))
		assert.ErrorIs(t, err, storekit.ErrAuth)
		assert.Equal(t, "old", loader.Current().Token)

		fail = false
		cred, err := loader.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, "new", cred.Token)
	})

	t.Run("a waiting caller can give up", func(t *testing.T) {
		unblock := make(chan struct{})
		src := storekit.CredentialFunc{SourceName: "slow", Fn: func(context.Context) (*storekit.Credential, error) {
			<-unblock
			return storekit.BearerCredential("late", time.Time{}), nil
		}}
		loader := storekit.NewCredentialLoader(src, nil)

		cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		_, err := loader.Load(cctx)
		assert.Equal(t, storekit.KindCancelled, storekit.KindOf(err))

		close(unblock)
		cred, err := loader.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, "late", cred.Token)
	})
}
