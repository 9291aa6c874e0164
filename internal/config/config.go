// Package config loads service settings from defaults, an optional YAML file
// and ACCESS_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. ACCESS_TOKENS_SECRET.
const EnvPrefix = "ACCESS"

type Config struct {
	HTTP struct {
		Addr           string   `mapstructure:"addr"`
		AllowedOrigins []string `mapstructure:"allowed_origins"`
		MaxBodyBytes   int64    `mapstructure:"max_body_bytes"`
		TrustedProxies []string `mapstructure:"trusted_proxies"`
	} `mapstructure:"http"`

	GRPC struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"grpc"`

	Database struct {
		DSN          string `mapstructure:"dsn"`
		MaxOpenConns int    `mapstructure:"max_open_conns"`
	} `mapstructure:"database"`

	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`

	Tokens struct {
		Secret        string        `mapstructure:"secret"`
		PrivateKeyPEM string        `mapstructure:"private_key_pem"`
		PublicKeyPEM  string        `mapstructure:"public_key_pem"`
		KeyID         string        `mapstructure:"key_id"`
		Issuer        string        `mapstructure:"issuer"`
		AccessTTL     time.Duration `mapstructure:"access_ttl"`
		RefreshTTL    time.Duration `mapstructure:"refresh_ttl"`
	} `mapstructure:"tokens"`

	RateLimit struct {
		Window          time.Duration    `mapstructure:"window"`
		Fallback        string           `mapstructure:"fallback"`
		RoleCeilings    map[string]int64 `mapstructure:"role_ceilings"`
		KeyDefaultLimit int64            `mapstructure:"key_default_limit"`
		LoginPerSecond  float64          `mapstructure:"login_per_second"`
		LoginBurst      int              `mapstructure:"login_burst"`
	} `mapstructure:"ratelimit"`

	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.allowed_origins", []string{})
	v.SetDefault("http.max_body_bytes", 1<<20)
	v.SetDefault("http.trusted_proxies", []string{})
	v.SetDefault("grpc.addr", ":9090")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 20)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("tokens.secret", "")
	v.SetDefault("tokens.private_key_pem", "")
	v.SetDefault("tokens.public_key_pem", "")
	v.SetDefault("tokens.key_id", "")
	v.SetDefault("tokens.issuer", "qazna-access")
	v.SetDefault("tokens.access_ttl", 15*time.Minute)
	v.SetDefault("tokens.refresh_ttl", 14*24*time.Hour)

	v.SetDefault("ratelimit.window", time.Hour)
	v.SetDefault("ratelimit.fallback", "open")
	v.SetDefault("ratelimit.role_ceilings.administrator", 10000)
	v.SetDefault("ratelimit.role_ceilings.analyst", 1000)
	v.SetDefault("ratelimit.role_ceilings.viewer", 500)
	v.SetDefault("ratelimit.role_ceilings.service-account", 5000)
	v.SetDefault("ratelimit.key_default_limit", 1000)
	v.SetDefault("ratelimit.login_per_second", 5.0)
	v.SetDefault("ratelimit.login_burst", 10)

	v.SetDefault("log.level", "info")
}

// Load reads configuration. path may be empty, in which case ./access.yaml
// and /etc/qazna-access/access.yaml are tried and their absence is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("access")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/qazna-access")
	}
	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &nf) {
			return nil, fmt.Errorf("config read error: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	hasPEM := strings.TrimSpace(c.Tokens.PrivateKeyPEM) != "" || strings.TrimSpace(c.Tokens.PublicKeyPEM) != ""
	switch {
	case hasPEM && (strings.TrimSpace(c.Tokens.PrivateKeyPEM) == "" || strings.TrimSpace(c.Tokens.PublicKeyPEM) == ""):
		return errors.New("tokens.private_key_pem and tokens.public_key_pem must be set together")
	case !hasPEM && len(strings.TrimSpace(c.Tokens.Secret)) < 32:
		return errors.New("tokens.secret must be at least 32 bytes when no RSA keys are configured")
	}
	if c.Tokens.AccessTTL <= 0 || c.Tokens.RefreshTTL < c.Tokens.AccessTTL {
		return errors.New("tokens.access_ttl must be positive and not exceed tokens.refresh_ttl")
	}
	if c.RateLimit.Window <= 0 {
		return errors.New("ratelimit.window must be positive")
	}
	switch strings.ToLower(strings.TrimSpace(c.RateLimit.Fallback)) {
	case "open", "local":
	default:
		return fmt.Errorf("ratelimit.fallback must be open or local, got %q", c.RateLimit.Fallback)
	}
	for role, n := range c.RateLimit.RoleCeilings {
		if n < 0 {
			return fmt.Errorf("ratelimit.role_ceilings.%s must not be negative", role)
		}
	}
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		return errors.New("http.addr must not be empty")
	}
	for _, entry := range c.HTTP.TrustedProxies {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if _, err := netip.ParsePrefix(entry); err == nil {
			continue
		}
		if _, err := netip.ParseAddr(entry); err != nil {
			return fmt.Errorf("http.trusted_proxies: %q is neither an address nor a CIDR", entry)
		}
	}
	return nil
}

// UsesRSA reports whether tokens are signed with the configured RSA pair.
func (c *Config) UsesRSA() bool {
	return strings.TrimSpace(c.Tokens.PrivateKeyPEM) != ""
}
