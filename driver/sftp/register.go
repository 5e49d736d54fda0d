package sftp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/gobeaver/storekit"
)

// Scheme is the registered scheme of the SFTP backend.
const Scheme storekit.Scheme = "sftp"

func init() {
	storekit.RegisterBuilder(Scheme, func(options map[string]string) (storekit.Builder, error) {
		cfg := &Config{Port: 22, DialTimeout: 10 * time.Second}
		if err := storekit.DecodeConfig(Scheme, options, cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	})
}

// Config holds SFTP connection configuration.
//
// Authentication tries, in order, the private key, the password from the
// config or SFTP_PASSWORD, and the ssh-agent behind SSH_AUTH_SOCK.
type Config struct {
	Host string `map:"host" validate:"required,hostname|ip"`
	Port int    `map:"port" validate:"min=1,max=65535"`
	User string `map:"user" validate:"required"`
	Root string `map:"root"`

	Password string `map:"password"`
	// Key is the path of a PEM encoded private key.
	Key           string `map:"key" validate:"omitempty,file"`
	KeyPassphrase string `map:"key_passphrase"`

	// KnownHosts is an OpenSSH known_hosts file. Host keys are not
	// verified when it is empty.
	KnownHosts string `map:"known_hosts" validate:"omitempty,file"`

	DialTimeout time.Duration `map:"dial_timeout"`

	Logger *slog.Logger `map:"-"`

	lookupEnv func(string) (string, bool)
}

// Scheme implements storekit.Builder.
func (c *Config) Scheme() storekit.Scheme { return Scheme }

// Build implements storekit.Builder.
func (c *Config) Build() (storekit.Accessor, error) {
	return NewFromConfig(*c)
}

// String never prints the password or passphrase.
func (c Config) String() string {
	return fmt.Sprintf("sftp://%s@%s%s (password=%s, key=%s)", c.User, c.addr(), c.Root, redact(c.Password), c.Key)
}

// LogValue implements slog.LogValuer.
func (c Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("addr", c.addr()),
		slog.String("user", c.User),
		slog.String("root", c.Root),
		slog.String("key", c.Key),
		slog.String("password", redact(c.Password)),
		slog.String("key_passphrase", redact(c.KeyPassphrase)),
		slog.String("known_hosts", c.KnownHosts),
	)
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}

func (c *Config) addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c *Config) lookup(k string) (string, bool) {
	if c.lookupEnv != nil {
		return c.lookupEnv(k)
	}
	return os.LookupEnv(k)
}

// passwordChain resolves the login password. The user always comes from
// the config.
func (c *Config) passwordChain(logger *slog.Logger) *storekit.CredentialChain {
	env := func(k string) (string, bool) {
		if k == "SFTP_USER" {
			return c.User, true
		}
		return c.lookup(k)
	}
	var configured *storekit.Credential
	if c.Password != "" {
		configured = storekit.StaticCredential(c.User, c.Password, "")
	}
	return storekit.NewCredentialChain(logger,
		storekit.StaticSource(configured),
		storekit.EnvSource(storekit.EnvKeys{AccessKeyID: "SFTP_USER", SecretAccessKey: "SFTP_PASSWORD"}, env),
	)
}

// authMethods collects every usable authentication method.
func (c *Config) authMethods(ctx context.Context, logger *slog.Logger) ([]ssh.AuthMethod, func(), error) {
	var methods []ssh.AuthMethod
	cleanup := func() {}

	if c.Key != "" {
		pem, err := os.ReadFile(c.Key)
		if err != nil {
			return nil, cleanup, storekit.NewError(storekit.KindConfigInvalid, "", "", fmt.Errorf("read key: %w", err))
		}
		var signer ssh.Signer
		if c.KeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(c.KeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(pem)
		}
		if err != nil {
			return nil, cleanup, storekit.NewError(storekit.KindConfigInvalid, "", "", fmt.Errorf("parse key: %w", err))
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	cred, err := c.passwordChain(logger).Resolve(ctx)
	if err != nil {
		return nil, cleanup, err
	}
	if cred.Kind == storekit.CredentialStatic {
		methods = append(methods, ssh.Password(cred.SecretAccessKey))
	}

	if sock, ok := c.lookup("SSH_AUTH_SOCK"); ok && sock != "" {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "unix", sock)
		if err != nil {
			logger.Debug("ssh-agent unavailable", "error", err)
		} else {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
			cleanup = func() { conn.Close() }
		}
	}

	if len(methods) == 0 {
		return nil, cleanup, storekit.NewError(storekit.KindAuth, "", "", fmt.Errorf("no authentication method for %s", c.User))
	}
	return methods, cleanup, nil
}

func (c *Config) hostKeyCallback(logger *slog.Logger) (ssh.HostKeyCallback, error) {
	if c.KnownHosts == "" {
		logger.Warn("host key verification disabled", "addr", c.addr())
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(c.KnownHosts)
	if err != nil {
		return nil, storekit.ConfigError(Scheme, fmt.Errorf("known_hosts: %w", err))
	}
	return cb, nil
}

// dial opens the SSH connection.
func (c *Config) dial(ctx context.Context, logger *slog.Logger) (*ssh.Client, error) {
	auth, cleanup, err := c.authMethods(ctx, logger)
	defer cleanup()
	if err != nil {
		return nil, err
	}
	hostKey, err := c.hostKeyCallback(logger)
	if err != nil {
		return nil, err
	}
	sshConfig := &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         c.DialTimeout,
	}

	d := net.Dialer{Timeout: c.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr())
	if err != nil {
		return nil, storekit.NewError(storekit.KindTransient, "", "", fmt.Errorf("dial %s: %w", c.addr(), err))
	}
	sc, chans, reqs, err := ssh.NewClientConn(conn, c.addr(), sshConfig)
	if err != nil {
		conn.Close()
		return nil, storekit.NewError(storekit.KindAuth, "", "", fmt.Errorf("ssh handshake: %w", err))
	}
	logger.Debug("ssh connected", "addr", c.addr(), "user", c.User)
	return ssh.NewClient(sc, chans, reqs), nil
}

// NewFromConfig validates cfg. The connection is opened on first use and
// reopened after it is lost.
func NewFromConfig(cfg Config) (*Adapter, error) {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if err := storekit.ValidateConfig(Scheme, &cfg); err != nil {
		return nil, err
	}
	root, err := storekit.NormalizeRoot(cfg.Root)
	if err != nil {
		return nil, storekit.ConfigError(Scheme, fmt.Errorf("root: %w", err))
	}
	logger := storekit.BuildLogger(cfg.Logger, Scheme)
	logger.Debug("sftp backend built", "root", root, "config", cfg)

	return &Adapter{
		root: root,
		name: cfg.addr(),
		sess: &session{dial: func(ctx context.Context) (*ssh.Client, error) {
			return cfg.dial(ctx, logger)
		}},
	}, nil
}
