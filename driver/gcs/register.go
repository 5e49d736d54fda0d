package gcs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/compute/metadata"
	"cloud.google.com/go/storage"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"

	"github.com/gobeaver/storekit"
)

// Scheme is the registered scheme of the Google Cloud Storage backend.
const Scheme storekit.Scheme = "gcs"

func init() {
	storekit.RegisterBuilder(Scheme, func(options map[string]string) (storekit.Builder, error) {
		cfg := &Config{}
		if err := storekit.DecodeConfig(Scheme, options, cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	})
}

// Config holds configuration for the GCS backend.
//
// Credentials are resolved in order from the config (token, credential or
// credential_path), GOOGLE_APPLICATION_CREDENTIALS, and the VM metadata
// server. Without any of them requests are sent unauthenticated.
type Config struct {
	Bucket   string `map:"bucket" validate:"required,bucket"`
	Root     string `map:"root"`
	Endpoint string `map:"endpoint" validate:"omitempty,url"`

	// Token is a ready OAuth2 access token.
	Token string `map:"token"`
	// Credential is service account JSON, raw or base64 encoded.
	Credential string `map:"credential" validate:"excluded_with=CredentialPath"`
	// CredentialPath points at a service account JSON file.
	CredentialPath string `map:"credential_path" validate:"omitempty,file"`

	DisableVMMetadata bool `map:"disable_vm_metadata"`

	Logger *slog.Logger `map:"-"`

	lookupEnv func(string) (string, bool)
}

// Scheme implements storekit.Builder.
func (c *Config) Scheme() storekit.Scheme { return Scheme }

// Build implements storekit.Builder.
func (c *Config) Build() (storekit.Accessor, error) {
	return NewFromConfig(*c)
}

// String never prints tokens or keys.
func (c Config) String() string {
	return fmt.Sprintf("gcs://%s%s (credential_path=%s, credential=%s, token=%s)",
		c.Bucket, c.Root, c.CredentialPath, redact(c.Credential), redact(c.Token))
}

// LogValue implements slog.LogValuer.
func (c Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("bucket", c.Bucket),
		slog.String("root", c.Root),
		slog.String("endpoint", c.Endpoint),
		slog.String("credential_path", c.CredentialPath),
		slog.String("credential", redact(c.Credential)),
		slog.String("token", redact(c.Token)),
	)
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}

func (c *Config) getenv(key string) string {
	lookup := c.lookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	v, _ := lookup(key)
	return v
}

// serviceAccount is the part of a key file used for token minting and
// URL signing.
type serviceAccount struct {
	Type        string `json:"type"`
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`

	raw []byte
}

// keyJSON returns the service account JSON named by the config or, failing
// that, by GOOGLE_APPLICATION_CREDENTIALS. It returns nil when neither is
// set.
func (c *Config) keyJSON() (*serviceAccount, error) {
	var data []byte
	switch {
	case c.Credential != "":
		data = []byte(c.Credential)
		if !strings.HasPrefix(strings.TrimSpace(c.Credential), "{") {
			decoded, err := base64.StdEncoding.DecodeString(c.Credential)
			if err != nil {
				return nil, fmt.Errorf("credential: not JSON and not base64: %w", err)
			}
			data = decoded
		}
	case c.CredentialPath != "":
		b, err := os.ReadFile(c.CredentialPath)
		if err != nil {
			return nil, fmt.Errorf("credential_path: %w", err)
		}
		data = b
	default:
		return nil, nil
	}
	sa := &serviceAccount{raw: data}
	if err := json.Unmarshal(data, sa); err != nil {
		return nil, fmt.Errorf("credential: %w", err)
	}
	return sa, nil
}

// tokenFromJSON mints an access token from key JSON. Service account keys
// sign their own JWT and need no round trip.
func tokenFromJSON(ctx context.Context, data []byte) (*storekit.Credential, error) {
	var kind struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &kind); err != nil {
		return nil, err
	}
	var ts oauth2.TokenSource
	if kind.Type == "service_account" {
		src, err := google.JWTAccessTokenSourceWithScope(data, storage.ScopeFullControl)
		if err != nil {
			return nil, err
		}
		ts = src
	} else {
		creds, err := google.CredentialsFromJSON(ctx, data, storage.ScopeFullControl)
		if err != nil {
			return nil, err
		}
		ts = creds.TokenSource
	}
	tok, err := ts.Token()
	if err != nil {
		return nil, err
	}
	return storekit.BearerCredential(tok.AccessToken, tok.Expiry), nil
}

func (c *Config) credentialSources(sa *serviceAccount) []storekit.CredentialSource {
	sources := []storekit.CredentialSource{
		storekit.StaticSource(storekit.BearerCredential(c.Token, time.Time{})),
		storekit.CredentialFunc{SourceName: "config", Fn: func(ctx context.Context) (*storekit.Credential, error) {
			if sa == nil || c.Credential == "" && c.CredentialPath == "" {
				return nil, nil
			}
			return tokenFromJSON(ctx, sa.raw)
		}},
		storekit.CredentialFunc{SourceName: "env", Fn: func(ctx context.Context) (*storekit.Credential, error) {
			p := c.getenv("GOOGLE_APPLICATION_CREDENTIALS")
			if p == "" {
				return nil, nil
			}
			data, err := os.ReadFile(p)
			if err != nil {
				return nil, err
			}
			return tokenFromJSON(ctx, data)
		}},
	}
	if !c.DisableVMMetadata {
		sources = append(sources, storekit.MetadataSource(metadataToken))
	}
	return sources
}

// metadataToken asks the VM metadata server for the default service
// account token.
func metadataToken(ctx context.Context) (*storekit.Credential, error) {
	body, err := metadata.GetWithContext(ctx, "instance/service-accounts/default/token")
	if err != nil {
		return nil, err
	}
	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal([]byte(body), &tok); err != nil {
		return nil, err
	}
	if tok.AccessToken == "" {
		return nil, errors.New("metadata server returned no token")
	}
	return storekit.BearerCredential(tok.AccessToken, time.Now().Add(time.Duration(tok.ExpiresIn)*time.Second)), nil
}

// NewFromConfig validates cfg. The service account key, if any, is read
// now; the client and its token are created on first use.
func NewFromConfig(cfg Config) (*Adapter, error) {
	if err := storekit.ValidateConfig(Scheme, &cfg); err != nil {
		return nil, err
	}
	root, err := storekit.NormalizeRoot(cfg.Root)
	if err != nil {
		return nil, storekit.ConfigError(Scheme, fmt.Errorf("root: %w", err))
	}
	sa, err := cfg.keyJSON()
	if err != nil {
		return nil, storekit.ConfigError(Scheme, err)
	}
	if sa == nil {
		if p := cfg.getenv("GOOGLE_APPLICATION_CREDENTIALS"); p != "" {
			if env, err := (&Config{CredentialPath: p}).keyJSON(); err == nil {
				sa = env
			}
		}
	}

	logger := storekit.BuildLogger(cfg.Logger, Scheme)
	logger.Debug("gcs backend built", "root", root, "config", cfg)

	a := &Adapter{bucket: cfg.Bucket, root: root}
	if sa != nil && sa.ClientEmail != "" && sa.PrivateKey != "" {
		a.signer = &signer{accessID: sa.ClientEmail, privateKey: []byte(sa.PrivateKey)}
	}
	a.client = storekit.NewLazy(func(ctx context.Context) (*storage.Client, error) {
		return cfg.newClient(ctx, logger, sa)
	})
	return a, nil
}

func (c *Config) newClient(ctx context.Context, logger *slog.Logger, sa *serviceAccount) (*storage.Client, error) {
	loader, err := storekit.NewCredentialChain(logger, c.credentialSources(sa)...).Loader(ctx)
	if err != nil {
		return nil, err
	}

	var opts []option.ClientOption
	if loader.Current().IsAnonymous() {
		opts = append(opts, option.WithoutAuthentication())
	} else {
		opts = append(opts, option.WithTokenSource(tokenSource{ctx: context.WithoutCancel(ctx), loader: loader}))
	}
	if c.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.Endpoint))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, storekit.NewError(storekit.KindConfigInvalid, "", "", fmt.Errorf("create gcs client: %w", err))
	}
	// storekit.RetryLayer owns retries.
	client.SetRetry(storage.WithPolicy(storage.RetryNever))
	return client, nil
}

// tokenSource hands the refreshing loader to the Google transport.
type tokenSource struct {
	ctx    context.Context
	loader *storekit.CredentialLoader
}

func (t tokenSource) Token() (*oauth2.Token, error) {
	cred, err := t.loader.Load(t.ctx)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{AccessToken: cred.Token, TokenType: "Bearer", Expiry: cred.Expires}, nil
}
