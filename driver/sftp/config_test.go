package sftp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gobeaver/storekit"
)

func env(vars map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

func TestConfig(t *testing.T) {
	t.Run("decodes builder options", func(t *testing.T) {
		b, err := storekit.NewBuilder(Scheme, map[string]string{
			"host":         "files.example.com",
			"user":         "deploy",
			"root":         "/srv/www",
			"dial_timeout": "3s",
		})
		require.NoError(t, err)
		cfg := b.(*Config)
		assert.Equal(t, 22, cfg.Port)
		assert.Equal(t, 3*time.Second, cfg.DialTimeout)
		assert.Equal(t, "files.example.com:22", cfg.addr())

		acc, err := b.Build()
		require.NoError(t, err)
		assert.Equal(t, "/srv/www/", acc.Info().Root)
		assert.Equal(t, "files.example.com:22", acc.Info().Name)
	})

	tests := []struct {
		name    string
		options map[string]string
		field   string
	}{
		{"missing host", map[string]string{"user": "u"}, "host"},
		{"missing user", map[string]string{"host": "10.0.0.1"}, "user"},
		{"bad port", map[string]string{"host": "h", "user": "u", "port": "70000"}, "port"},
		{"missing key file", map[string]string{"host": "h", "user": "u", "key": "/does/not/exist"}, "key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := storekit.NewBuilder(Scheme, tt.options)
			require.Error(t, err)
			assert.Equal(t, storekit.KindConfigInvalid, storekit.KindOf(err))
			assert.Contains(t, err.Error(), tt.field)
		})
	}

	t.Run("secrets are redacted", func(t *testing.T) {
		cfg := Config{Host: "h", Port: 22, User: "u", Password: "hunter2", KeyPassphrase: "open sesame"}
		assert.NotContains(t, cfg.String(), "hunter2")

		var buf bytes.Buffer
		slog.New(slog.NewTextHandler(&buf, nil)).Info("built", "config", cfg)
		assert.NotContains(t, buf.String(), "hunter2")
		assert.NotContains(t, buf.String(), "open sesame")
	})
}

func TestAuthMethods(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("password from env", func(t *testing.T) {
		cfg := Config{User: "u", lookupEnv: env(map[string]string{"SFTP_PASSWORD": "pw"})}
		cred, err := cfg.passwordChain(logger).Resolve(ctx)
		require.NoError(t, err)
		assert.Equal(t, "u", cred.AccessKeyID)
		assert.Equal(t, "pw", cred.SecretAccessKey)

		methods, cleanup, err := cfg.authMethods(ctx, logger)
		defer cleanup()
		require.NoError(t, err)
		assert.Len(t, methods, 1)
	})

	t.Run("config password wins", func(t *testing.T) {
		cfg := Config{User: "u", Password: "cfg", lookupEnv: env(map[string]string{"SFTP_PASSWORD": "pw"})}
		cred, err := cfg.passwordChain(logger).Resolve(ctx)
		require.NoError(t, err)
		assert.Equal(t, "cfg", cred.SecretAccessKey)
	})

	t.Run("nothing configured", func(t *testing.T) {
		cfg := Config{User: "u", lookupEnv: env(nil)}
		_, _, err := cfg.authMethods(ctx, logger)
		assert.Equal(t, storekit.KindAuth, storekit.KindOf(err))
	})
}

func TestMapError(t *testing.T) {
	tests := []struct {
		err  error
		kind storekit.ErrorKind
	}{
		{fmt.Errorf("open: %w", errors.New("x")), ""},
		{sftp.ErrSSHFxConnectionLost, storekit.KindTransient},
		{sftp.ErrSSHFxOpUnsupported, storekit.KindUnsupported},
		{io.ErrUnexpectedEOF, storekit.KindTransient},
	}
	for _, tt := range tests {
		got := mapError(tt.err)
		if tt.kind == "" {
			assert.Equal(t, tt.err, got)
			continue
		}
		assert.Equal(t, tt.kind, storekit.KindOf(got), "%v", tt.err)
	}
	assert.NoError(t, mapError(nil))
}
