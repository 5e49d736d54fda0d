package storekit

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gobeaver/beaver-kit/config"
	"github.com/prometheus/client_golang/prometheus"
)

// Config describes an Operator loaded from the environment.
type Config struct {
	// Backend scheme (memory, fs, s3, minio, gcs, azblob, sftp, badger, zip)
	Scheme string `env:"STOREKIT_SCHEME,default:memory"`

	// Common builder options. Empty values are not passed to the builder.
	Root            string `env:"STOREKIT_ROOT"`
	Bucket          string `env:"STOREKIT_BUCKET"`
	Endpoint        string `env:"STOREKIT_ENDPOINT"`
	Region          string `env:"STOREKIT_REGION"`
	AccessKeyID     string `env:"STOREKIT_ACCESS_KEY_ID"`
	SecretAccessKey string `env:"STOREKIT_SECRET_ACCESS_KEY"`

	// Extra builder options as comma-separated key=value pairs
	Options string `env:"STOREKIT_OPTIONS"`

	// Retry layer
	RetryEnabled     bool   `env:"STOREKIT_RETRY_ENABLED,default:true"`
	RetryMaxAttempts int    `env:"STOREKIT_RETRY_MAX_ATTEMPTS,default:3"`
	RetryMinDelay    string `env:"STOREKIT_RETRY_MIN_DELAY,default:1s"`
	RetryMaxDelay    string `env:"STOREKIT_RETRY_MAX_DELAY,default:60s"`

	// Timeout layer. Empty disables the layer.
	Timeout   string `env:"STOREKIT_TIMEOUT"`
	IOTimeout string `env:"STOREKIT_IO_TIMEOUT"`

	// Concurrency and rate limits. Zero disables them.
	MaxConcurrent int64 `env:"STOREKIT_MAX_CONCURRENT,default:0"`
	OpsPerSecond  int   `env:"STOREKIT_OPS_PER_SECOND,default:0"`

	// Observability
	LoggingEnabled bool `env:"STOREKIT_LOGGING_ENABLED,default:true"`
	MetricsEnabled bool `env:"STOREKIT_METRICS_ENABLED,default:false"`

	// ReadOnly masks every mutating capability.
	ReadOnly bool `env:"STOREKIT_READ_ONLY,default:false"`
}

// GetConfig returns config loaded from environment
func GetConfig() (*Config, error) {
	cfg := &Config{}
	if err := config.Load(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Loader loads Configs from the environment under a custom prefix, so a
// process can run several operators side by side.
type Loader struct {
	prefix string
}

// WithPrefix creates a new Loader with the specified prefix
func WithPrefix(prefix string) *Loader {
	return &Loader{prefix: prefix}
}

// Config loads the configuration under the loader's prefix.
func (l *Loader) Config() (*Config, error) {
	cfg := &Config{}
	if err := config.Load(cfg, config.LoadOptions{Prefix: l.prefix}); err != nil {
		return nil, err
	}
	return cfg, nil
}

// New loads the configuration under the loader's prefix and builds the
// operator.
func (l *Loader) New(opts ...NewOption) (*Operator, error) {
	cfg, err := l.Config()
	if err != nil {
		return nil, err
	}
	return New(cfg, opts...)
}

// NewOption configures New.
type NewOption func(*newOptions)

type newOptions struct {
	logger   *slog.Logger
	registry prometheus.Registerer
	layers   []Layer
}

// WithLogger sets the logger for the logging layer and the operator.
func WithLogger(l *slog.Logger) NewOption {
	return func(o *newOptions) { o.logger = l }
}

// WithRegisterer sets where the metrics layer registers its collectors.
// It defaults to prometheus.DefaultRegisterer.
func WithRegisterer(r prometheus.Registerer) NewOption {
	return func(o *newOptions) { o.registry = r }
}

// WithLayers appends extra layers outside the configured ones.
func WithLayers(layers ...Layer) NewOption {
	return func(o *newOptions) { o.layers = append(o.layers, layers...) }
}

// New builds an Operator from cfg. Layers are stacked innermost first:
// read-only, retry, timeout, concurrency limit, throttle, logging,
// metrics, then any extra layers.
func New(cfg *Config, opts ...NewOption) (*Operator, error) {
	o := newOptions{registry: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&o)
	}

	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	options, err := cfg.BuilderOptions()
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	acc, err := BuildAccessor(Scheme(cfg.Scheme), options)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s accessor: %w", cfg.Scheme, err)
	}

	layers, err := cfg.layers(o)
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	layers = append(layers, o.layers...)

	var opOpts []OperatorOption
	if o.logger != nil {
		opOpts = append(opOpts, WithOperatorLogger(o.logger))
	}
	return NewOperator(acc, layers, opOpts...), nil
}

// BuilderOptions renders the config into a builder option map.
func (cfg *Config) BuilderOptions() (map[string]string, error) {
	options := make(map[string]string)
	set := func(k, v string) {
		if v != "" {
			options[k] = v
		}
	}
	set("root", cfg.Root)
	set("bucket", cfg.Bucket)
	set("endpoint", cfg.Endpoint)
	set("region", cfg.Region)
	set("access_key_id", cfg.AccessKeyID)
	set("secret_access_key", cfg.SecretAccessKey)

	extra, err := ParseOptions(cfg.Options)
	if err != nil {
		return nil, err
	}
	for k, v := range extra {
		options[k] = v
	}
	return options, nil
}

func (cfg *Config) layers(o newOptions) ([]Layer, error) {
	var layers []Layer
	if cfg.ReadOnly {
		layers = append(layers, NewReadOnlyLayer())
	}
	if cfg.RetryEnabled && cfg.RetryMaxAttempts > 1 {
		r := NewRetryLayer()
		r.MaxAttempts = cfg.RetryMaxAttempts
		r.Logger = o.logger
		var err error
		if r.MinDelay, err = parseDuration("retry min delay", cfg.RetryMinDelay, r.MinDelay); err != nil {
			return nil, err
		}
		if r.MaxDelay, err = parseDuration("retry max delay", cfg.RetryMaxDelay, r.MaxDelay); err != nil {
			return nil, err
		}
		layers = append(layers, r)
	}
	if cfg.Timeout != "" || cfg.IOTimeout != "" {
		t := &TimeoutLayer{}
		var err error
		if t.Timeout, err = parseDuration("timeout", cfg.Timeout, 0); err != nil {
			return nil, err
		}
		if t.IOTimeout, err = parseDuration("io timeout", cfg.IOTimeout, 0); err != nil {
			return nil, err
		}
		layers = append(layers, t)
	}
	if cfg.MaxConcurrent > 0 {
		layers = append(layers, NewConcurrentLimitLayer(cfg.MaxConcurrent))
	}
	if cfg.OpsPerSecond > 0 {
		layers = append(layers, &ThrottleLayer{OpsPerSecond: float64(cfg.OpsPerSecond), Burst: cfg.OpsPerSecond})
	}
	if cfg.LoggingEnabled {
		layers = append(layers, NewLoggingLayer(o.logger))
	}
	if cfg.MetricsEnabled {
		layers = append(layers, NewMetricsLayer(o.registry))
	}
	return layers, nil
}

// validateConfig checks configuration validity
func validateConfig(cfg *Config) error {
	if cfg.Scheme == "" {
		return fmt.Errorf("scheme is required")
	}
	if cfg.RetryMaxAttempts < 0 {
		return fmt.Errorf("retry max attempts must not be negative")
	}
	if cfg.MaxConcurrent < 0 {
		return fmt.Errorf("max concurrent must not be negative")
	}
	return nil
}

func parseDuration(name, s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative", name)
	}
	return d, nil
}

// ParseOptions parses "k1=v1,k2=v2" into a map. Whitespace around keys and
// values is trimmed; an entry without "=" is an error.
func ParseOptions(s string) (map[string]string, error) {
	out := make(map[string]string)
	if strings.TrimSpace(s) == "" {
		return out, nil
	}
	for _, kv := range strings.Split(s, ",") {
		if strings.TrimSpace(kv) == "" {
			continue
		}
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("option %q: expected key=value", kv)
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out, nil
}
