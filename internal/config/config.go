package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/iolitectl/internal/auth"
	"github.com/danmuck/iolitectl/internal/protocol/session"
)

const (
	StoreBackendFile   = "file"
	StoreBackendSQLite = "sqlite"

	DefaultHost = "remote.iolite.de"
)

var ErrInvalidConfig = errors.New("config: invalid")

// Config is the full runtime configuration of one client process.
type Config struct {
	Identity          string
	Secret            string
	AuthorizationCode string
	ClientName        string

	Host        string
	Scheme      string
	AuthBaseURL string

	StoreBackend string
	StoreDir     string
	StoreFile    string
	EncryptStore bool

	MetricsAddr string

	Session   session.Config
	Reconnect ReconnectConfig
}

type ReconnectConfig struct {
	Enabled     bool
	MaxAttempts int
	Backoff     session.BackoffConfig
}

type fileConfig struct {
	Identity          string          `toml:"identity"`
	Secret            string          `toml:"secret"`
	AuthorizationCode string          `toml:"authorization_code"`
	ClientName        string          `toml:"client_name"`
	Host              string          `toml:"host"`
	Scheme            string          `toml:"scheme"`
	AuthBaseURL       string          `toml:"auth_base_url"`
	StoreBackend      string          `toml:"store_backend"`
	StoreDir          string          `toml:"store_dir"`
	StoreFile         string          `toml:"store_file"`
	EncryptStore      bool            `toml:"encrypt_store"`
	MetricsAddr       string          `toml:"metrics_addr"`
	SubscribeSettle   string          `toml:"subscribe_settle"`
	HandshakeTimeout  string          `toml:"handshake_timeout"`
	WriteTimeout      string          `toml:"write_timeout"`
	Reconnect         reconnectConfig `toml:"reconnect"`
	TLS               tlsConfig       `toml:"tls"`
}

type tlsConfig struct {
	CAFile             string `toml:"ca_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

type reconnectConfig struct {
	Enabled      bool    `toml:"enabled"`
	MaxAttempts  int     `toml:"max_attempts"`
	InitialDelay string  `toml:"initial_delay"`
	MaxDelay     string  `toml:"max_delay"`
	Multiplier   float64 `toml:"multiplier"`
	Jitter       bool    `toml:"jitter"`
}

func Default() Config {
	sessionCfg := session.DefaultConfig()
	return Config{
		Host:         DefaultHost,
		Scheme:       "wss",
		StoreBackend: StoreBackendFile,
		StoreDir:     ".",
		StoreFile:    "iolitectl.db",
		EncryptStore: true,
		Session:      sessionCfg,
		Reconnect: ReconnectConfig{
			Backoff: sessionCfg.Backoff,
		},
	}
}

// Load decodes the TOML file at path over Default. An empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}

	setString := func(key string, dst *string, v string) {
		if meta.IsDefined(key) {
			*dst = strings.TrimSpace(v)
		}
	}
	setString("identity", &cfg.Identity, raw.Identity)
	setString("secret", &cfg.Secret, raw.Secret)
	setString("authorization_code", &cfg.AuthorizationCode, raw.AuthorizationCode)
	setString("client_name", &cfg.ClientName, raw.ClientName)
	setString("host", &cfg.Host, raw.Host)
	setString("scheme", &cfg.Scheme, raw.Scheme)
	setString("auth_base_url", &cfg.AuthBaseURL, raw.AuthBaseURL)
	setString("store_backend", &cfg.StoreBackend, raw.StoreBackend)
	setString("store_dir", &cfg.StoreDir, raw.StoreDir)
	setString("store_file", &cfg.StoreFile, raw.StoreFile)
	setString("metrics_addr", &cfg.MetricsAddr, raw.MetricsAddr)
	if meta.IsDefined("encrypt_store") {
		cfg.EncryptStore = raw.EncryptStore
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"subscribe_settle", raw.SubscribeSettle, &cfg.Session.SubscribeSettle},
		{"handshake_timeout", raw.HandshakeTimeout, &cfg.Session.HandshakeTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.Session.WriteTimeout},
		{"reconnect.initial_delay", raw.Reconnect.InitialDelay, &cfg.Reconnect.Backoff.InitialDelay},
		{"reconnect.max_delay", raw.Reconnect.MaxDelay, &cfg.Reconnect.Backoff.MaxDelay},
	}
	for _, d := range durations {
		if !meta.IsDefined(strings.Split(d.key, ".")...) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if meta.IsDefined("reconnect", "enabled") {
		cfg.Reconnect.Enabled = raw.Reconnect.Enabled
	}
	if meta.IsDefined("reconnect", "max_attempts") {
		cfg.Reconnect.MaxAttempts = raw.Reconnect.MaxAttempts
	}
	if meta.IsDefined("reconnect", "multiplier") {
		cfg.Reconnect.Backoff.Multiplier = raw.Reconnect.Multiplier
	}
	if meta.IsDefined("reconnect", "jitter") {
		cfg.Reconnect.Backoff.Jitter = raw.Reconnect.Jitter
	}
	if meta.IsDefined("tls") {
		cfg.Session.TLS = session.TLSConfig{
			CAFile:             strings.TrimSpace(raw.TLS.CAFile),
			ServerName:         strings.TrimSpace(raw.TLS.ServerName),
			InsecureSkipVerify: raw.TLS.InsecureSkipVerify,
		}
	}
	return cfg, nil
}

// ApplyEnv overlays process environment values. Prefixed names win over the bare ones.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	pick := func(dst *string, names ...string) {
		for _, name := range names {
			if v, ok := lookup(name); ok && strings.TrimSpace(v) != "" {
				*dst = strings.TrimSpace(v)
				return
			}
		}
	}
	pick(&c.Identity, "IOLITE_USERNAME", "USERNAME")
	pick(&c.Secret, "IOLITE_PASSWORD", "PASSWORD")
	pick(&c.AuthorizationCode, "IOLITE_CODE", "CODE")
	pick(&c.ClientName, "IOLITE_NAME", "NAME")
	pick(&c.Host, "IOLITE_HOST")
	pick(&c.StoreDir, "IOLITE_STORE_DIR")
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Identity) == "" {
		return fmt.Errorf("%w: missing identity", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.Secret) == "" {
		return fmt.Errorf("%w: missing secret", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.ClientName) == "" {
		return fmt.Errorf("%w: missing client_name", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.Host) == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidConfig)
	}
	switch c.Scheme {
	case "ws", "wss":
	default:
		return fmt.Errorf("%w: scheme must be ws or wss, got %q", ErrInvalidConfig, c.Scheme)
	}
	switch c.StoreBackend {
	case StoreBackendFile, StoreBackendSQLite:
	default:
		return fmt.Errorf("%w: unknown store_backend %q", ErrInvalidConfig, c.StoreBackend)
	}
	if strings.TrimSpace(c.StoreDir) == "" {
		return fmt.Errorf("%w: missing store_dir", ErrInvalidConfig)
	}
	if err := c.Session.TLS.ValidateClientTransport(c.Scheme); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.AuthBaseURL != "" {
		if _, err := url.Parse(c.AuthBaseURL); err != nil {
			return fmt.Errorf("%w: auth_base_url: %v", ErrInvalidConfig, err)
		}
	}
	return nil
}

// AuthURL is the authorization exchange base; it follows the socket host unless overridden.
func (c Config) AuthURL() string {
	if c.AuthBaseURL != "" {
		return strings.TrimRight(c.AuthBaseURL, "/")
	}
	scheme := "https"
	if c.Scheme == "ws" {
		scheme = "http"
	}
	return scheme + "://" + c.Host
}

func (c Config) Credentials() auth.Credentials {
	return auth.Credentials{
		Identity:          c.Identity,
		Secret:            c.Secret,
		AuthorizationCode: c.AuthorizationCode,
		ClientName:        c.ClientName,
	}
}
