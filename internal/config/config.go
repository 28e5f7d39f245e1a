// Package config loads the agent configuration from a YAML file, overlaid
// with KOALAX_* environment variables.
package config

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/koalax/agent/internal/errors"
	"github.com/koalax/agent/internal/logging"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "KOALAX_"

// Config is the complete agent configuration.
type Config struct {
	AppName    string   `yaml:"app_name"`
	Version    string   `yaml:"version"`
	Listen     string   `yaml:"listen"`
	OriginURL  string   `yaml:"origin_url"`
	APIBaseURL string   `yaml:"api_base_url"`
	DataDir    string   `yaml:"data_dir"`
	Manifest   []string `yaml:"manifest"`
	APIPrefix  string   `yaml:"api_prefix"`

	PrecacheConcurrency int      `yaml:"precache_concurrency"`
	AllowedOrigins      []string `yaml:"allowed_origins"`

	SyncInterval    time.Duration `yaml:"sync_interval"`
	MaxRetries      int           `yaml:"max_retries"`
	RateLimit       float64       `yaml:"rate_limit"` // deliveries per second, 0 = unlimited
	RateBurst       int           `yaml:"rate_burst"`
	DeliveryTimeout time.Duration `yaml:"delivery_timeout"` // 0 = none
	ProbeOnline     bool          `yaml:"probe_online"`

	// Web Push. Both keys must be set to enable it.
	PushPublicKey  string `yaml:"push_public_key"`
	PushPrivateKey string `yaml:"push_private_key"`
	PushSubscriber string `yaml:"push_subscriber"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// DefaultManifest is the app shell precached at install.
var DefaultManifest = []string{
	"/",
	"/manifest.json",
	"/icons/icon-192.png",
	"/icons/icon-512.png",
}

// Default returns the built-in configuration.
func Default() *Config {
	dataDir := ".koalax"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".koalax")
	}
	return &Config{
		AppName:             "koalax",
		Version:             "1",
		Listen:              "127.0.0.1:8787",
		OriginURL:           "http://localhost:3000",
		APIBaseURL:          "http://localhost:3000",
		DataDir:             dataDir,
		Manifest:            append([]string(nil), DefaultManifest...),
		APIPrefix:           "/api/",
		PrecacheConcurrency: 4,
		SyncInterval:        time.Minute,
		MaxRetries:          3,
		RateBurst:           1,
		LogLevel:            "info",
		LogFormat:           string(logging.FormatText),
	}
}

// Load reads path (when not empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

// LoadWithEnv is Load with an explicit environment lookup.
func LoadWithEnv(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(errors.ErrInvalid, "failed to read config file", err)
		}
		if err := cfg.decode(bytes.NewReader(raw)); err != nil {
			return nil, errors.Wrap(errors.ErrInvalid, fmt.Sprintf("invalid config file %s", path), err)
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && err != io.EOF {
		return err
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	list := func(name string, dst *[]string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = nil
			for _, p := range strings.Split(v, ",") {
				if p = strings.TrimSpace(p); p != "" {
					*dst = append(*dst, p)
				}
			}
		}
	}
	var bad []string
	num := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				bad = append(bad, EnvPrefix+name)
				return
			}
			*dst = n
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				bad = append(bad, EnvPrefix+name)
				return
			}
			*dst = d
		}
	}

	str("APP_NAME", &c.AppName)
	str("VERSION", &c.Version)
	str("LISTEN", &c.Listen)
	str("ORIGIN_URL", &c.OriginURL)
	str("API_BASE_URL", &c.APIBaseURL)
	str("DATA_DIR", &c.DataDir)
	list("MANIFEST", &c.Manifest)
	str("API_PREFIX", &c.APIPrefix)
	num("PRECACHE_CONCURRENCY", &c.PrecacheConcurrency)
	list("ALLOWED_ORIGINS", &c.AllowedOrigins)
	dur("SYNC_INTERVAL", &c.SyncInterval)
	num("MAX_RETRIES", &c.MaxRetries)
	num("RATE_BURST", &c.RateBurst)
	dur("DELIVERY_TIMEOUT", &c.DeliveryTimeout)
	str("PUSH_PUBLIC_KEY", &c.PushPublicKey)
	str("PUSH_PRIVATE_KEY", &c.PushPrivateKey)
	str("PUSH_SUBSCRIBER", &c.PushSubscriber)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)

	if v, ok := lookup(EnvPrefix + "RATE_LIMIT"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			bad = append(bad, EnvPrefix+"RATE_LIMIT")
		} else {
			c.RateLimit = f
		}
	}
	if v, ok := lookup(EnvPrefix + "PROBE_ONLINE"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			bad = append(bad, EnvPrefix+"PROBE_ONLINE")
		} else {
			c.ProbeOnline = b
		}
	}

	if len(bad) > 0 {
		return errors.New(errors.ErrInvalid, "invalid environment override: "+strings.Join(bad, ", "))
	}
	return nil
}

// Validate checks every field and returns an INVALID_INPUT error naming the
// first problem found.
func (c *Config) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return errors.New(errors.ErrInvalid, fmt.Sprintf(format, args...))
	}

	if c.AppName == "" || strings.IndexFunc(c.AppName, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_')
	}) >= 0 {
		return invalid("app_name %q must be non-empty and use only letters, digits, '-' and '_'", c.AppName)
	}
	if c.Version == "" {
		return invalid("version is required")
	}
	if c.Listen == "" {
		return invalid("listen address is required")
	}
	for _, f := range []struct{ name, raw string }{
		{"origin_url", c.OriginURL},
		{"api_base_url", c.APIBaseURL},
	} {
		u, err := url.Parse(f.raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return invalid("%s %q must be an absolute http(s) URL", f.name, f.raw)
		}
	}
	if c.DataDir == "" {
		return invalid("data_dir is required")
	}
	for _, p := range c.Manifest {
		if !strings.HasPrefix(p, "/") {
			return invalid("manifest path %q must start with '/'", p)
		}
	}
	if !strings.HasPrefix(c.APIPrefix, "/") || !strings.HasSuffix(c.APIPrefix, "/") {
		return invalid("api_prefix %q must start and end with '/'", c.APIPrefix)
	}
	if c.PrecacheConcurrency < 1 {
		return invalid("precache_concurrency must be at least 1")
	}
	if c.SyncInterval <= 0 {
		return invalid("sync_interval must be positive")
	}
	if c.MaxRetries < 0 {
		return invalid("max_retries must not be negative")
	}
	if c.RateLimit < 0 {
		return invalid("rate_limit must not be negative")
	}
	if c.RateBurst < 1 {
		return invalid("rate_burst must be at least 1")
	}
	if c.DeliveryTimeout < 0 {
		return invalid("delivery_timeout must not be negative")
	}
	if (c.PushPublicKey == "") != (c.PushPrivateKey == "") {
		return invalid("push_public_key and push_private_key must both be set or both be empty")
	}
	switch logging.Format(c.LogFormat) {
	case logging.FormatText, logging.FormatJSON:
	default:
		return invalid("log_format %q must be text or json", c.LogFormat)
	}
	return nil
}

// PushEnabled reports whether Web Push keys are configured.
func (c *Config) PushEnabled() bool {
	return c.PushPublicKey != "" && c.PushPrivateKey != ""
}

// Origin returns the parsed origin URL. Validate must have succeeded.
func (c *Config) Origin() *url.URL {
	u, _ := url.Parse(c.OriginURL)
	return u
}
