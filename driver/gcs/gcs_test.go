package gcs

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"github.com/gobeaver/storekit"
)

func serviceAccountJSON(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	data, err := json.Marshal(map[string]string{
		"type":         "service_account",
		"project_id":   "storekit-test",
		"client_email": "uploader@storekit-test.iam.gserviceaccount.com",
		"client_id":    "1234567890",
		"private_key":  string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})),
		"token_uri":    "https://oauth2.googleapis.com/token",
	})
	require.NoError(t, err)
	return string(data)
}

func noEnv(string) (string, bool) { return "", false }

func TestConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o600))

	tests := []struct {
		name    string
		options map[string]string
		field   string
	}{
		{"missing bucket", map[string]string{}, "bucket"},
		{"both credential forms", map[string]string{"bucket": "assets", "credential": "{}", "credential_path": path}, "credential"},
		{"missing key file", map[string]string{"bucket": "assets", "credential_path": "/nonexistent/key.json"}, "credential_path"},
		{"unknown option", map[string]string{"bucket": "assets", "region": "eu"}, "region"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := storekit.NewBuilder(Scheme, tt.options)
			require.Error(t, err)
			assert.Equal(t, storekit.KindConfigInvalid, storekit.KindOf(err))
			assert.Contains(t, err.Error(), tt.field)
		})
	}

	t.Run("malformed credential fails the build", func(t *testing.T) {
		_, err := NewFromConfig(Config{Bucket: "assets", Credential: "%%%", lookupEnv: noEnv})
		require.Error(t, err)
		assert.Equal(t, storekit.KindConfigInvalid, storekit.KindOf(err))
	})

	t.Run("string hides secrets", func(t *testing.T) {
		cfg := Config{Bucket: "assets", Token: "ya29.secret", Credential: `{"private_key":"k"}`}
		assert.NotContains(t, cfg.String(), "ya29.secret")
		assert.NotContains(t, cfg.String(), "private_key")
	})
}

func TestCredentialSources(t *testing.T) {
	ctx := context.Background()
	key := serviceAccountJSON(t)

	resolve := func(cfg Config, sa *serviceAccount) (*storekit.Credential, string) {
		t.Helper()
		cfg.DisableVMMetadata = true
		cred, src, err := storekit.NewCredentialChain(nil, cfg.credentialSources(sa)...).ResolveSource(ctx)
		require.NoError(t, err)
		return cred, src.Name()
	}

	t.Run("explicit token", func(t *testing.T) {
		cred, src := resolve(Config{Token: "ya29.token", lookupEnv: noEnv}, nil)
		assert.Equal(t, "config", src)
		assert.Equal(t, "ya29.token", cred.Token)
		assert.False(t, cred.CanExpire())
	})

	t.Run("service account key signs its own token", func(t *testing.T) {
		cfg := Config{Credential: base64.StdEncoding.EncodeToString([]byte(key)), lookupEnv: noEnv}
		sa, err := cfg.keyJSON()
		require.NoError(t, err)

		cred, src := resolve(cfg, sa)
		assert.Equal(t, "config", src)
		assert.Equal(t, storekit.CredentialBearer, cred.Kind)
		assert.NotEmpty(t, cred.Token)
		assert.WithinDuration(t, time.Now().Add(time.Hour), cred.Expires, 5*time.Minute)
	})

	t.Run("application default credentials from env", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "adc.json")
		require.NoError(t, os.WriteFile(path, []byte(key), 0o600))
		lookup := func(k string) (string, bool) {
			if k == "GOOGLE_APPLICATION_CREDENTIALS" {
				return path, true
			}
			return "", false
		}

		cred, src := resolve(Config{lookupEnv: lookup}, nil)
		assert.Equal(t, "env", src)
		assert.NotEmpty(t, cred.Token)
	})

	t.Run("anonymous when nothing is configured", func(t *testing.T) {
		cred, src := resolve(Config{lookupEnv: noEnv}, nil)
		assert.Equal(t, "anonymous", src)
		assert.True(t, cred.IsAnonymous())
	})
}

func TestPresign(t *testing.T) {
	ctx := context.Background()

	t.Run("signs with the service account key", func(t *testing.T) {
		acc, err := NewFromConfig(Config{
			Bucket:            "assets",
			Root:              "public",
			Credential:        serviceAccountJSON(t),
			DisableVMMetadata: true,
			lookupEnv:         noEnv,
		})
		require.NoError(t, err)
		op := storekit.NewOperator(acc, nil)
		require.True(t, op.Capability().PresignRead)

		req, err := op.PresignRead(ctx, "logo.svg", 10*time.Minute)
		require.NoError(t, err)
		assert.Equal(t, http.MethodGet, req.Method)
		assert.Contains(t, req.URL, "storage.googleapis.com/assets/public/logo.svg")
		assert.Contains(t, req.URL, "X-Goog-Signature=")

		req, err = op.PresignWrite(ctx, "logo.svg", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, http.MethodPut, req.Method)
	})

	t.Run("unsupported without a key", func(t *testing.T) {
		acc, err := NewFromConfig(Config{Bucket: "assets", DisableVMMetadata: true, lookupEnv: noEnv})
		require.NoError(t, err)
		op := storekit.NewOperator(acc, nil)

		_, err = op.PresignRead(ctx, "logo.svg", time.Minute)
		assert.True(t, storekit.IsUnsupported(err), "got %v", err)
	})
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want storekit.ErrorKind
	}{
		{"object missing", storage.ErrObjectNotExist, storekit.KindNotFound},
		{"bucket missing", storage.ErrBucketNotExist, storekit.KindNotFound},
		{"forbidden", &googleapi.Error{Code: http.StatusForbidden}, storekit.KindPermissionDenied},
		{"unauthorized", &googleapi.Error{Code: http.StatusUnauthorized}, storekit.KindAuth},
		{"rate limited", &googleapi.Error{Code: http.StatusTooManyRequests}, storekit.KindRateLimited},
		{"backend error", &googleapi.Error{Code: http.StatusServiceUnavailable}, storekit.KindTransient},
		{"precondition", &googleapi.Error{Code: http.StatusPreconditionFailed}, storekit.KindUnexpected},
		{"other", errors.New("boom"), storekit.KindUnexpected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, storekit.KindOf(mapError(tt.err)))
		})
	}
}
