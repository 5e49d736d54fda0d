package s3

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/ec2rolecreds"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/gobeaver/storekit"
)

// Scheme is the registered scheme of the S3 backend.
const Scheme storekit.Scheme = "s3"

func init() {
	storekit.RegisterBuilder(Scheme, func(options map[string]string) (storekit.Builder, error) {
		cfg := &Config{Region: "us-east-1"}
		if err := storekit.DecodeConfig(Scheme, options, cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	})
}

// Config holds configuration for the S3 backend. Credentials are resolved
// in order from the config fields, the AWS_* environment variables and the
// EC2 instance metadata service; with none of them requests are unsigned.
type Config struct {
	Bucket   string `map:"bucket" validate:"required,bucket"`
	Root     string `map:"root"`
	Region   string `map:"region" validate:"required"`
	Endpoint string `map:"endpoint" validate:"omitempty,url"`

	AccessKeyID     string `map:"access_key_id" validate:"required_with=SecretAccessKey"`
	SecretAccessKey string `map:"secret_access_key" validate:"required_with=AccessKeyID"`
	SessionToken    string `map:"session_token"`

	// ForcePathStyle addresses buckets as endpoint/bucket. S3 compatible
	// services usually need it.
	ForcePathStyle bool `map:"force_path_style"`

	// DisableEC2Metadata skips the instance metadata rung.
	DisableEC2Metadata bool `map:"disable_ec2_metadata"`

	Logger *slog.Logger `map:"-"`

	lookupEnv func(string) (string, bool)
}

// Scheme implements storekit.Builder.
func (c *Config) Scheme() storekit.Scheme { return Scheme }

// Build implements storekit.Builder. No request is sent until the first
// operation.
func (c *Config) Build() (storekit.Accessor, error) {
	return NewFromConfig(*c)
}

// String never prints the secret key.
func (c Config) String() string {
	return fmt.Sprintf("s3://%s%s (region=%s, access_key_id=%s, secret_access_key=%s)",
		c.Bucket, c.Root, c.Region, c.AccessKeyID, redact(c.SecretAccessKey))
}

// LogValue implements slog.LogValuer.
func (c Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("bucket", c.Bucket),
		slog.String("root", c.Root),
		slog.String("region", c.Region),
		slog.String("endpoint", c.Endpoint),
		slog.String("access_key_id", c.AccessKeyID),
		slog.String("secret_access_key", redact(c.SecretAccessKey)),
		slog.String("session_token", redact(c.SessionToken)),
	)
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}

// NewFromConfig validates cfg and returns an adapter whose client is
// created on first use.
func NewFromConfig(cfg Config) (*Adapter, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if err := storekit.ValidateConfig(Scheme, &cfg); err != nil {
		return nil, err
	}
	root, err := storekit.NormalizeRoot(cfg.Root)
	if err != nil {
		return nil, storekit.ConfigError(Scheme, fmt.Errorf("root: %w", err))
	}
	logger := storekit.BuildLogger(cfg.Logger, Scheme)
	logger.Debug("s3 backend built", "root", root, "config", cfg)

	a := &Adapter{bucket: cfg.Bucket, root: root}
	a.client = storekit.NewLazy(func(ctx context.Context) (*s3.Client, error) {
		return cfg.newClient(ctx, logger)
	})
	return a, nil
}

// credentialSources is the resolution ladder for this config.
func (c *Config) credentialSources() []storekit.CredentialSource {
	sources := []storekit.CredentialSource{
		storekit.StaticSource(storekit.StaticCredential(c.AccessKeyID, c.SecretAccessKey, c.SessionToken)),
		storekit.EnvSource(storekit.EnvKeys{
			AccessKeyID:     "AWS_ACCESS_KEY_ID",
			SecretAccessKey: "AWS_SECRET_ACCESS_KEY",
			SessionToken:    "AWS_SESSION_TOKEN",
		}, c.lookupEnv),
	}
	if !c.DisableEC2Metadata {
		sources = append(sources, ec2MetadataSource())
	}
	return sources
}

func ec2MetadataSource() storekit.CredentialSource {
	provider := ec2rolecreds.New()
	return storekit.MetadataSource(func(ctx context.Context) (*storekit.Credential, error) {
		v, err := provider.Retrieve(ctx)
		if err != nil {
			return nil, err
		}
		cred := storekit.StaticCredential(v.AccessKeyID, v.SecretAccessKey, v.SessionToken)
		if v.CanExpire {
			cred.Expires = v.Expires
		}
		return cred, nil
	})
}

// newClient resolves credentials and creates the S3 client. Retries are
// left to storekit.RetryLayer.
func (c *Config) newClient(ctx context.Context, logger *slog.Logger) (*s3.Client, error) {
	loader, err := storekit.NewCredentialChain(logger, c.credentialSources()...).Loader(ctx)
	if err != nil {
		return nil, err
	}

	var provider aws.CredentialsProvider = aws.AnonymousCredentials{}
	if !loader.Current().IsAnonymous() {
		provider = aws.NewCredentialsCache(credentialProvider{loader: loader})
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(c.Region),
		awsconfig.WithCredentialsProvider(provider),
		awsconfig.WithRetryer(func() aws.Retryer { return aws.NopRetryer{} }),
	)
	if err != nil {
		return nil, storekit.NewError(storekit.KindConfigInvalid, "", "", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if c.Endpoint != "" {
			o.BaseEndpoint = aws.String(c.Endpoint)
		}
		o.UsePathStyle = c.ForcePathStyle
	}), nil
}

// credentialProvider feeds the refreshing loader to the AWS signer.
type credentialProvider struct {
	loader *storekit.CredentialLoader
}

func (p credentialProvider) Retrieve(ctx context.Context) (aws.Credentials, error) {
	cred, err := p.loader.Load(ctx)
	if err != nil {
		return aws.Credentials{}, err
	}
	return aws.Credentials{
		AccessKeyID:     cred.AccessKeyID,
		SecretAccessKey: cred.SecretAccessKey,
		SessionToken:    cred.SessionToken,
		Source:          "storekit",
		CanExpire:       cred.CanExpire(),
		Expires:         cred.Expires,
	}, nil
}
