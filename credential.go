package storekit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// CredentialKind tags the Credential variant.
type CredentialKind uint8

const (
	CredentialAnonymous CredentialKind = iota
	CredentialStatic
	CredentialBearer
)

func (k CredentialKind) String() string {
	switch k {
	case CredentialStatic:
		return "static"
	case CredentialBearer:
		return "bearer"
	}
	return "anonymous"
}

// Credential is the authentication value handed to a backend. Exactly the
// fields of its Kind are set. A zero Expires never expires.
type Credential struct {
	Kind            CredentialKind
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Token           string
	Expires         time.Time
}

// Anonymous is the unsigned credential.
var Anonymous = Credential{Kind: CredentialAnonymous}

// StaticCredential returns a key pair credential.
func StaticCredential(id, secret, session string) *Credential {
	return &Credential{Kind: CredentialStatic, AccessKeyID: id, SecretAccessKey: secret, SessionToken: session}
}

// BearerCredential returns a token credential.
func BearerCredential(token string, expires time.Time) *Credential {
	return &Credential{Kind: CredentialBearer, Token: token, Expires: expires}
}

// IsAnonymous reports whether requests should be sent unsigned.
func (c Credential) IsAnonymous() bool { return c.Kind == CredentialAnonymous }

// CanExpire reports whether the credential is time-bound.
func (c Credential) CanExpire() bool { return !c.Expires.IsZero() }

// Valid reports whether the credential can still be used at now, treating
// it as expired skew before its real expiry.
func (c Credential) Valid(now time.Time, skew time.Duration) bool {
	if !c.CanExpire() {
		return true
	}
	return now.Add(skew).Before(c.Expires)
}

// String never prints secrets.
func (c Credential) String() string {
	switch c.Kind {
	case CredentialStatic:
		return fmt.Sprintf("static(%s, secret=***)", c.AccessKeyID)
	case CredentialBearer:
		return "bearer(***)"
	}
	return "anonymous"
}

// LogValue implements slog.LogValuer.
func (c Credential) LogValue() slog.Value {
	attrs := []slog.Attr{slog.String("kind", c.Kind.String())}
	if c.AccessKeyID != "" {
		attrs = append(attrs, slog.String("access_key_id", c.AccessKeyID))
	}
	if c.CanExpire() {
		attrs = append(attrs, slog.Time("expires", c.Expires))
	}
	return slog.GroupValue(attrs...)
}

// ============================================================================
// Sources and the fallback chain
// ============================================================================

// CredentialSource is one rung of the resolution ladder. Resolve returns
// nil, nil when the rung has nothing to offer.
type CredentialSource interface {
	Name() string
	Resolve(ctx context.Context) (*Credential, error)
}

// CredentialFunc adapts a function to a CredentialSource.
type CredentialFunc struct {
	SourceName string
	Fn         func(ctx context.Context) (*Credential, error)
}

func (f CredentialFunc) Name() string { return f.SourceName }

func (f CredentialFunc) Resolve(ctx context.Context) (*Credential, error) {
	return f.Fn(ctx)
}

// StaticSource serves explicit credential fields from builder config. It
// yields nothing when the fields are empty.
func StaticSource(c *Credential) CredentialSource {
	return CredentialFunc{SourceName: "config", Fn: func(context.Context) (*Credential, error) {
		if c == nil || (c.AccessKeyID == "" && c.Token == "") {
			return nil, nil
		}
		cp := *c
		return &cp, nil
	}}
}

// EnvKeys names the environment variables an EnvSource reads.
type EnvKeys struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Token           string
}

// EnvSource reads a credential from the environment. Lookup defaults to
// os.LookupEnv.
func EnvSource(keys EnvKeys, lookup func(string) (string, bool)) CredentialSource {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(k string) string {
		if k == "" {
			return ""
		}
		v, _ := lookup(k)
		return v
	}
	return CredentialFunc{SourceName: "env", Fn: func(context.Context) (*Credential, error) {
		if id, secret := get(keys.AccessKeyID), get(keys.SecretAccessKey); id != "" && secret != "" {
			return StaticCredential(id, secret, get(keys.SessionToken)), nil
		}
		if tok := get(keys.Token); tok != "" {
			return BearerCredential(tok, time.Time{}), nil
		}
		return nil, nil
	}}
}

// MetadataSource wraps a platform metadata probe. Probes must honour ctx;
// the chain bounds them with its MetadataTimeout.
func MetadataSource(fn func(ctx context.Context) (*Credential, error)) CredentialSource {
	return CredentialFunc{SourceName: "metadata", Fn: fn}
}

// AnonymousSource always yields the anonymous credential.
func AnonymousSource() CredentialSource {
	return CredentialFunc{SourceName: "anonymous", Fn: func(context.Context) (*Credential, error) {
		c := Anonymous
		return &c, nil
	}}
}

// CredentialChain tries its sources in order and falls back to anonymous
// when none yields a credential.
type CredentialChain struct {
	Sources         []CredentialSource
	Logger          *slog.Logger
	MetadataTimeout time.Duration
}

// NewCredentialChain builds a chain over sources.
func NewCredentialChain(logger *slog.Logger, sources ...CredentialSource) *CredentialChain {
	if logger == nil {
		logger = slog.Default()
	}
	return &CredentialChain{Sources: sources, Logger: logger, MetadataTimeout: 2 * time.Second}
}

// Resolve walks the ladder. Missing credentials never fail resolution; a
// rung that errors is logged and skipped. Resolve only fails when ctx is
// done.
func (c *CredentialChain) Resolve(ctx context.Context) (*Credential, error) {
	cred, _, err := c.ResolveSource(ctx)
	return cred, err
}

// ResolveSource is Resolve that also reports which rung produced the
// credential.
func (c *CredentialChain) ResolveSource(ctx context.Context) (*Credential, CredentialSource, error) {
	for _, src := range c.Sources {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		rctx, cancel := ctx, context.CancelFunc(func() {})
		if src.Name() == "metadata" && c.MetadataTimeout > 0 {
			rctx, cancel = context.WithTimeout(ctx, c.MetadataTimeout)
		}
		cred, err := src.Resolve(rctx)
		cancel()
		switch {
		case err != nil:
			c.Logger.Debug("credential rung failed", "rung", src.Name(), "outcome", "error", "error", err)
		case cred == nil:
			c.Logger.Debug("credential rung empty", "rung", src.Name(), "outcome", "empty")
		default:
			c.Logger.Debug("credential resolved", "rung", src.Name(), "outcome", "found", "credential", *cred)
			return cred, src, nil
		}
	}
	c.Logger.Debug("credential resolved", "rung", "anonymous", "outcome", "found")
	src := AnonymousSource()
	cred, _ := src.Resolve(ctx)
	return cred, src, nil
}

// Loader resolves the chain once and returns a loader that refreshes the
// credential from the rung that produced it. A time-bound credential whose
// rung later fails surfaces AuthError instead of silently degrading.
func (c *CredentialChain) Loader(ctx context.Context, opts ...LoaderOption) (*CredentialLoader, error) {
	cred, src, err := c.ResolveSource(ctx)
	if err != nil {
		return nil, err
	}
	return NewCredentialLoader(src, cred, opts...), nil
}

// ============================================================================
// Refreshing loader
// ============================================================================

// Resolver produces a fresh credential. *CredentialChain implements it.
type Resolver interface {
	Resolve(ctx context.Context) (*Credential, error)
}

// CredentialLoader caches a credential and re-resolves it when it is
// about to expire. At most one refresh runs at a time; concurrent callers
// wait for it.
type CredentialLoader struct {
	resolver Resolver
	skew     time.Duration
	now      func() time.Time

	mu      sync.Mutex
	current *Credential
	group   singleflight.Group
}

// LoaderOption configures a CredentialLoader.
type LoaderOption func(*CredentialLoader)

// WithRefreshSkew refreshes credentials this long before they expire.
func WithRefreshSkew(d time.Duration) LoaderOption {
	return func(l *CredentialLoader) { l.skew = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) LoaderOption {
	return func(l *CredentialLoader) { l.now = now }
}

// NewCredentialLoader creates a loader. initial may be nil, in which case
// the first Load resolves.
func NewCredentialLoader(r Resolver, initial *Credential, opts ...LoaderOption) *CredentialLoader {
	l := &CredentialLoader{resolver: r, skew: 30 * time.Second, now: time.Now, current: initial}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Current returns the cached credential without refreshing.
func (l *CredentialLoader) Current() *Credential {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Load returns a valid credential, refreshing it if needed. A refresh
// failure is returned as an AuthError to this caller only; the loader
// keeps its previous state and the next Load tries again.
func (l *CredentialLoader) Load(ctx context.Context) (Credential, error) {
	if c, ok := l.valid(); ok {
		return c, nil
	}

	ch := l.group.DoChan("refresh", func() (any, error) {
		// A refresh that finished between valid() and DoChan already
		// swapped in a fresh credential.
		if c, ok := l.valid(); ok {
			return c, nil
		}
		cred, err := l.resolver.Resolve(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		if cred == nil {
			return nil, errors.New("credential source yielded nothing")
		}
		l.mu.Lock()
		l.current = cred
		l.mu.Unlock()
		return *cred, nil
	})

	select {
	case <-ctx.Done():
		return Credential{}, NewError(KindCancelled, "", "", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return Credential{}, NewError(KindAuth, "", "", fmt.Errorf("refresh credential: %w", res.Err))
		}
		return res.Val.(Credential), nil
	}
}

func (l *CredentialLoader) valid() (Credential, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == nil || !l.current.Valid(l.now(), l.skew) {
		return Credential{}, false
	}
	return *l.current, true
}
