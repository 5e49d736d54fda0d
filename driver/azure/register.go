package azure

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"

	"github.com/gobeaver/storekit"
)

// Scheme is the registered scheme of the Azure Blob Storage backend.
const Scheme storekit.Scheme = "azblob"

func init() {
	storekit.RegisterBuilder(Scheme, func(options map[string]string) (storekit.Builder, error) {
		cfg := &Config{}
		if err := storekit.DecodeConfig(Scheme, options, cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	})
}

// Config holds configuration for the Azure Blob backend. Credentials are
// resolved from the config (account key or SAS token), then
// AZURE_STORAGE_KEY or AZURE_STORAGE_SAS_TOKEN. Without either the
// container is accessed anonymously.
type Config struct {
	AccountName string `map:"account_name" validate:"required"`
	Container   string `map:"container" validate:"required,min=3,max=63"`
	Root        string `map:"root"`
	// Endpoint overrides https://<account>.blob.core.windows.net/, for
	// example to point at Azurite.
	Endpoint string `map:"endpoint" validate:"omitempty,url"`

	AccountKey string `map:"account_key" validate:"omitempty,base64"`
	SASToken   string `map:"sas_token" validate:"excluded_with=AccountKey"`

	Logger *slog.Logger `map:"-"`

	lookupEnv func(string) (string, bool)
}

// Scheme implements storekit.Builder.
func (c *Config) Scheme() storekit.Scheme { return Scheme }

// Build implements storekit.Builder.
func (c *Config) Build() (storekit.Accessor, error) {
	return NewFromConfig(*c)
}

// String never prints the account key or SAS token.
func (c Config) String() string {
	return fmt.Sprintf("azblob://%s/%s%s (account_key=%s, sas_token=%s)",
		c.AccountName, c.Container, c.Root, redact(c.AccountKey), redact(c.SASToken))
}

// LogValue implements slog.LogValuer.
func (c Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("account_name", c.AccountName),
		slog.String("container", c.Container),
		slog.String("root", c.Root),
		slog.String("endpoint", c.serviceURL()),
		slog.String("account_key", redact(c.AccountKey)),
		slog.String("sas_token", redact(c.SASToken)),
	)
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}

func (c *Config) serviceURL() string {
	if c.Endpoint != "" {
		return strings.TrimSuffix(c.Endpoint, "/") + "/"
	}
	return fmt.Sprintf("https://%s.blob.core.windows.net/", c.AccountName)
}

func (c *Config) containerURL() string {
	return c.serviceURL() + c.Container
}

// credentialChain yields a static credential (account name and key) or
// a bearer credential carrying a SAS token.
func (c *Config) credentialChain(logger *slog.Logger) *storekit.CredentialChain {
	var configured *storekit.Credential
	switch {
	case c.AccountKey != "":
		configured = storekit.StaticCredential(c.AccountName, c.AccountKey, "")
	case c.SASToken != "":
		configured = &storekit.Credential{Kind: storekit.CredentialBearer, Token: c.SASToken}
	}

	lookup := c.lookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	// The account name always comes from the config.
	env := func(k string) (string, bool) {
		if k == "AZURE_STORAGE_ACCOUNT" {
			return c.AccountName, true
		}
		return lookup(k)
	}
	return storekit.NewCredentialChain(logger,
		storekit.StaticSource(configured),
		storekit.EnvSource(storekit.EnvKeys{
			AccessKeyID:     "AZURE_STORAGE_ACCOUNT",
			SecretAccessKey: "AZURE_STORAGE_KEY",
			Token:           "AZURE_STORAGE_SAS_TOKEN",
		}, env),
	)
}

// NewFromConfig validates cfg. Credentials are resolved and the client
// created on first use.
func NewFromConfig(cfg Config) (*Adapter, error) {
	if err := storekit.ValidateConfig(Scheme, &cfg); err != nil {
		return nil, err
	}
	root, err := storekit.NormalizeRoot(cfg.Root)
	if err != nil {
		return nil, storekit.ConfigError(Scheme, fmt.Errorf("root: %w", err))
	}
	logger := storekit.BuildLogger(cfg.Logger, Scheme)
	logger.Debug("azblob backend built", "root", root, "config", cfg)

	// Presigning needs the account key, which must be known now because
	// capabilities are fixed at build time.
	canSign := cfg.AccountKey != ""
	if !canSign && cfg.SASToken == "" {
		if cfg.lookupEnv == nil {
			cfg.lookupEnv = os.LookupEnv
		}
		key, _ := cfg.lookupEnv("AZURE_STORAGE_KEY")
		canSign = key != ""
	}

	a := &Adapter{container: cfg.Container, root: root, canSign: canSign}
	a.client = storekit.NewLazy(func(ctx context.Context) (*container.Client, error) {
		return cfg.newClient(ctx, logger)
	})
	return a, nil
}

func (c *Config) newClient(ctx context.Context, logger *slog.Logger) (*container.Client, error) {
	cred, err := c.credentialChain(logger).Resolve(ctx)
	if err != nil {
		return nil, err
	}
	// storekit.RetryLayer owns retries.
	opts := &container.ClientOptions{
		ClientOptions: azcore.ClientOptions{Retry: policy.RetryOptions{MaxRetries: -1}},
	}

	var client *container.Client
	switch cred.Kind {
	case storekit.CredentialStatic:
		key, kerr := azblob.NewSharedKeyCredential(cred.AccessKeyID, cred.SecretAccessKey)
		if kerr != nil {
			return nil, storekit.NewError(storekit.KindConfigInvalid, "", "", kerr)
		}
		client, err = container.NewClientWithSharedKeyCredential(c.containerURL(), key, opts)
	case storekit.CredentialBearer:
		client, err = container.NewClientWithNoCredential(c.containerURL()+"?"+strings.TrimPrefix(cred.Token, "?"), opts)
	default:
		client, err = container.NewClientWithNoCredential(c.containerURL(), opts)
	}
	if err != nil {
		return nil, storekit.NewError(storekit.KindConfigInvalid, "", "", fmt.Errorf("create azblob client: %w", err))
	}
	return client, nil
}
