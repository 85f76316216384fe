// Package config assembles the server configuration from defaults, an
// optional INI file, CELLAR_* environment variables and command-line flags,
// each layer overriding the one before.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/ini.v1"
)

// Config is the full server configuration.
type Config struct {
	HTTPAddr  string
	HTTPSAddr string
	CertFile  string
	KeyFile   string
	DataDir   string
	WebDir    string

	MaxBodySize     int64
	MaxDecodedSize  int64
	MaxHeaderSize   int64
	CompressMinSize int64

	IdleTimeout     time.Duration
	SessionLifetime time.Duration
	BcryptCost      int
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTPAddr:        ":8080",
		HTTPSAddr:       ":8443",
		CertFile:        "cert.pem",
		KeyFile:         "key.pem",
		DataDir:         "data",
		WebDir:          "web",
		MaxBodySize:     1 << 30,
		MaxDecodedSize:  256 << 20,
		MaxHeaderSize:   64 << 10,
		CompressMinSize: 1 << 10,
		IdleTimeout:     2 * time.Minute,
		SessionLifetime: 48 * time.Hour,
		BcryptCost:      bcrypt.DefaultCost,
	}
}

// setting binds one configuration key to a field.
type setting struct {
	key   string
	usage string
	set   func(c *Config, v string) error
}

func str(f func(c *Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*f(c) = v
		return nil
	}
}

func size(f func(c *Config) *int64) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := humanize.ParseBytes(v)
		if err != nil {
			return err
		}
		*f(c) = int64(n)
		return nil
	}
}

func duration(f func(c *Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*f(c) = d
		return nil
	}
}

func integer(f func(c *Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*f(c) = n
		return nil
	}
}

var settings = []setting{
	{"http_addr", "plaintext listen address", str(func(c *Config) *string { return &c.HTTPAddr })},
	{"https_addr", "TLS listen address", str(func(c *Config) *string { return &c.HTTPSAddr })},
	{"cert_file", "TLS certificate (PEM)", str(func(c *Config) *string { return &c.CertFile })},
	{"key_file", "TLS private key (PEM)", str(func(c *Config) *string { return &c.KeyFile })},
	{"data_dir", "metadata database and blob directory", str(func(c *Config) *string { return &c.DataDir })},
	{"web_dir", "interface pages and static assets", str(func(c *Config) *string { return &c.WebDir })},
	{"max_body_size", "largest accepted request body", size(func(c *Config) *int64 { return &c.MaxBodySize })},
	{"max_decoded_size", "largest body after content decoding", size(func(c *Config) *int64 { return &c.MaxDecodedSize })},
	{"max_header_size", "largest request head", size(func(c *Config) *int64 { return &c.MaxHeaderSize })},
	{"compress_min_size", "smallest response body worth compressing", size(func(c *Config) *int64 { return &c.CompressMinSize })},
	{"idle_timeout", "keep-alive idle timeout", duration(func(c *Config) *time.Duration { return &c.IdleTimeout })},
	{"session_lifetime", "login session lifetime", duration(func(c *Config) *time.Duration { return &c.SessionLifetime })},
	{"bcrypt_cost", "bcrypt cost for account passwords", integer(func(c *Config) *int { return &c.BcryptCost })},
}

func lookup(key string) (setting, bool) {
	for _, s := range settings {
		if s.key == key {
			return s, true
		}
	}
	return setting{}, false
}

func (c *Config) apply(key, value, source string) error {
	s, ok := lookup(key)
	if !ok {
		return fmt.Errorf("%s: unknown key %q", source, key)
	}
	if err := s.set(c, strings.TrimSpace(value)); err != nil {
		return fmt.Errorf("%s: invalid value for %s: %w", source, key, err)
	}
	return nil
}

// LoadFile overlays the keys of an INI file. Keys may sit in any of the
// [server], [storage], [limits] and [session] sections or at the top.
func (c *Config) LoadFile(path string) error {
	f, err := ini.Load(path)
	if err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	for _, section := range f.Sections() {
		for _, key := range section.Keys() {
			name := strings.ToLower(strings.TrimSpace(key.Name()))
			if err := c.apply(name, key.Value(), path); err != nil {
				return err
			}
		}
	}
	return nil
}

// LoadEnv overlays CELLAR_<KEY> variables.
func (c *Config) LoadEnv(getenv func(string) string) error {
	for _, s := range settings {
		name := "CELLAR_" + strings.ToUpper(s.key)
		if v := getenv(name); v != "" {
			if err := c.apply(s.key, v, name); err != nil {
				return err
			}
		}
	}
	return nil
}

func flagName(key string) string { return strings.ReplaceAll(key, "_", "-") }

// Load builds the configuration for a process started with args.
func Load(args []string, getenv func(string) string) (*Config, error) {
	fs := flag.NewFlagSet("cellar", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", getenv("CELLAR_CONFIG"), "INI configuration file")
	values := make(map[string]*string, len(settings))
	for _, s := range settings {
		values[s.key] = fs.String(flagName(s.key), "", s.usage)
	}
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}

	cfg := Default()
	if *configPath != "" {
		if err := cfg.LoadFile(*configPath); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadEnv(getenv); err != nil {
		return nil, err
	}

	var ferr error
	fs.Visit(func(f *flag.Flag) {
		for _, s := range settings {
			if ferr == nil && flagName(s.key) == f.Name {
				ferr = cfg.apply(s.key, *values[s.key], "-"+f.Name)
			}
		}
	})
	if ferr != nil {
		return nil, ferr
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	// Ordered, so the joined error reads the same every run.
	for _, f := range []struct {
		key string
		v   string
	}{
		{"http_addr", c.HTTPAddr},
		{"data_dir", c.DataDir},
		{"web_dir", c.WebDir},
	} {
		if strings.TrimSpace(f.v) == "" {
			errs = append(errs, fmt.Errorf("%s must not be empty", f.key))
		}
	}
	for _, f := range []struct {
		key string
		v   int64
	}{
		{"max_body_size", c.MaxBodySize},
		{"max_decoded_size", c.MaxDecodedSize},
		{"max_header_size", c.MaxHeaderSize},
		{"idle_timeout", int64(c.IdleTimeout)},
		{"session_lifetime", int64(c.SessionLifetime)},
	} {
		if f.v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", f.key))
		}
	}
	if c.CompressMinSize < 0 {
		errs = append(errs, errors.New("compress_min_size must not be negative"))
	}
	if c.BcryptCost < bcrypt.MinCost || c.BcryptCost > bcrypt.MaxCost {
		errs = append(errs, fmt.Errorf("bcrypt_cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// TLSEnabled reports whether a TLS listener is configured.
func (c *Config) TLSEnabled() bool {
	return c.HTTPSAddr != "" && c.CertFile != "" && c.KeyFile != ""
}
