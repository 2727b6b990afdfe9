// Package config loads and validates process configuration. Every adapter and
// provider receives its settings from here by reference; nothing reads ambient
// global state after startup.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the root configuration object, constructed once per process.
type Config struct {
	Server      ServerConfig     `mapstructure:"server"`
	Database    DatabaseConfig   `mapstructure:"database"`
	Redis       RedisConfig      `mapstructure:"redis"`
	Kafka       KafkaConfig      `mapstructure:"kafka"`
	Libraries   []LibraryConfig  `mapstructure:"libraries" validate:"dive"`
	Providers   []ProviderConfig `mapstructure:"providers" validate:"dive"`
	Collections []VendorConfig   `mapstructure:"collections" validate:"dive"`
}

type ServerConfig struct {
	Addr      string `mapstructure:"addr"`
	LogLevel  string `mapstructure:"log_level"`
	PublicURL string `mapstructure:"public_url" validate:"omitempty,url"`
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// LibraryConfig names a library and the secrets it uses to sign short client
// tokens handed to downstream DRM services.
type LibraryConfig struct {
	Name             string `mapstructure:"name" validate:"required"`
	URI              string `mapstructure:"uri" validate:"required"`
	ShortTokenSecret string `mapstructure:"short_token_secret"`
}

// ProviderConfig carries the settings for one authentication provider instance.
// Which fields are required depends on the protocol; each provider constructor
// re-validates its own slice of this struct and refuses to build half-configured.
type ProviderConfig struct {
	Name     string `mapstructure:"name" validate:"required"`
	Protocol string `mapstructure:"protocol" validate:"required"`
	Library  string `mapstructure:"library" validate:"required"`

	URL      string `mapstructure:"url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`

	// Server-side credential validation, applied before any network call.
	IdentifierRegex     string   `mapstructure:"identifier_regex"`
	SecretRegex         string   `mapstructure:"secret_regex"`
	IdentifierBlacklist []string `mapstructure:"identifier_blacklist"`

	// Designated test patron, used only by the self-test framework.
	TestIdentifier string `mapstructure:"test_identifier"`
	TestSecret     string `mapstructure:"test_secret"`

	// OAuth-only settings.
	ClientID      string        `mapstructure:"client_id"`
	ClientSecret  string        `mapstructure:"client_secret"`
	AuthorizeURL  string        `mapstructure:"authorize_url"`
	TokenURL      string        `mapstructure:"token_url"`
	TokenTTL      time.Duration `mapstructure:"token_ttl"`
	EligibleCodes []string      `mapstructure:"eligible_codes"`

	// SIP2-only settings.
	FieldSeparator string `mapstructure:"field_separator"`
	Encoding       string `mapstructure:"encoding"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// VendorConfig binds one collection to its lending vendor.
type VendorConfig struct {
	Name    string `mapstructure:"name" validate:"required"`
	Library string `mapstructure:"library" validate:"required"`
	Vendor  string `mapstructure:"vendor" validate:"required"`

	URL          string `mapstructure:"url"`
	ClientKey    string `mapstructure:"client_key"`
	ClientSecret string `mapstructure:"client_secret"`
	AccountID    string `mapstructure:"account_id"`
}

// Load reads configuration from the given file (YAML) plus CIRC_* environment
// overrides, and validates it. A configuration that fails validation never
// reaches an adapter constructor.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CIRC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.addr", ":6500")
	v.SetDefault("server.log_level", "info")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// LibraryByName returns the library config with the given name.
func (c *Config) LibraryByName(name string) (LibraryConfig, bool) {
	for _, lib := range c.Libraries {
		if lib.Name == name {
			return lib, true
		}
	}
	return LibraryConfig{}, false
}

// ProvidersForLibrary returns the auth providers bound to a library.
func (c *Config) ProvidersForLibrary(library string) []ProviderConfig {
	var out []ProviderConfig
	for _, p := range c.Providers {
		if p.Library == library {
			out = append(out, p)
		}
	}
	return out
}

// CollectionsForLibrary returns the collections associated with a library.
func (c *Config) CollectionsForLibrary(library string) []VendorConfig {
	var out []VendorConfig
	for _, col := range c.Collections {
		if col.Library == library {
			out = append(out, col)
		}
	}
	return out
}
