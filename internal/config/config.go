package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/damacus/datalab-buckets/internal/services"
	"github.com/damacus/datalab-buckets/internal/transport"
)

// EnvPrefix prefixes every environment override, e.g. DATALAB_SERVER_PORT.
const EnvPrefix = "DATALAB"

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig        `mapstructure:"server"`
	Auth      AuthConfig          `mapstructure:"auth"`
	Upload    UploadConfig        `mapstructure:"upload"`
	HTTP      HTTPConfig          `mapstructure:"http"`
	Log       LogConfig           `mapstructure:"log"`
	Endpoints []services.Endpoint `mapstructure:"endpoints"`
}

// ServerConfig holds server related configuration
type ServerConfig struct {
	Address string `mapstructure:"address"`
	// SessionKey seals the session cookie; 32 bytes, random when empty.
	SessionKey string `mapstructure:"session_key"`
	// SessionLifetime bounds a login; zero keeps sessions until logout.
	SessionLifetime time.Duration `mapstructure:"session_lifetime"`
	// SessionIdle closes bucket views nobody has used for this long.
	SessionIdle time.Duration `mapstructure:"session_idle"`
}

// AuthConfig points at the token service.
type AuthConfig struct {
	URL              string        `mapstructure:"url"`
	RefreshThreshold time.Duration `mapstructure:"refresh_threshold"`
}

// UploadConfig tunes the upload queue.
type UploadConfig struct {
	Concurrency int `mapstructure:"concurrency"`
	// BytesPerSecond caps each upload; zero disables the cap.
	BytesPerSecond int64 `mapstructure:"bytes_per_second"`
}

// HTTPConfig tunes the outbound REST clients.
type HTTPConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
	// StreamTimeout bounds uploads and downloads; zero means no limit.
	StreamTimeout time.Duration `mapstructure:"stream_timeout"`
	RetryMax      int           `mapstructure:"retry_max"`
	RetryWaitMin  time.Duration `mapstructure:"retry_wait_min"`
	RetryWaitMax  time.Duration `mapstructure:"retry_wait_max"`
	DisableHTTP2  bool          `mapstructure:"disable_http2"`
}

// TransportOptions maps the section onto transport.Options.
func (h HTTPConfig) TransportOptions() transport.Options {
	return transport.Options{
		RetryMax:      h.RetryMax,
		RetryWaitMin:  h.RetryWaitMin,
		RetryWaitMax:  h.RetryWaitMax,
		Timeout:       h.Timeout,
		StreamTimeout: h.StreamTimeout,
		DisableHTTP2:  h.DisableHTTP2,
	}
}

// LogConfig selects level, format and an optional rotated file.
type LogConfig struct {
	Level   string `mapstructure:"level"`
	Console bool   `mapstructure:"console"`
	File    string `mapstructure:"file"`
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// A single endpoint can come from the environment alone.
	if len(cfg.Endpoints) == 0 && v.GetString("endpoint.url") != "" {
		cfg.Endpoints = []services.Endpoint{{
			Name:      v.GetString("endpoint.name"),
			Provider:  v.GetString("endpoint.provider"),
			URL:       v.GetString("endpoint.url"),
			Region:    v.GetString("endpoint.region"),
			AccessKey: v.GetString("endpoint.access_key"),
			SecretKey: v.GetString("endpoint.secret_key"),
			SASToken:  v.GetString("endpoint.sas_token"),
			PathStyle: v.GetBool("endpoint.path_style"),
		}}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.session_key", "")
	v.SetDefault("server.session_lifetime", "12h")
	v.SetDefault("server.session_idle", "30m")

	v.SetDefault("auth.url", "")
	v.SetDefault("auth.refresh_threshold", "25m")

	v.SetDefault("upload.concurrency", 4)
	v.SetDefault("upload.bytes_per_second", 0)

	v.SetDefault("http.timeout", "30s")
	v.SetDefault("http.stream_timeout", "0s")
	v.SetDefault("http.retry_max", 3)
	v.SetDefault("http.retry_wait_min", "500ms")
	v.SetDefault("http.retry_wait_max", "10s")
	v.SetDefault("http.disable_http2", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.console", true)
	v.SetDefault("log.file", "")

	v.SetDefault("endpoint.name", "default")
	v.SetDefault("endpoint.provider", services.ProviderDataLab)
}

// Validate checks the endpoint list and numeric limits.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Endpoints) == 0 {
		errs = append(errs, errors.New("at least one endpoint must be configured"))
	}
	seen := make(map[string]bool, len(c.Endpoints))
	for i, ep := range c.Endpoints {
		if ep.Name == "" {
			errs = append(errs, fmt.Errorf("endpoints[%d]: name is required", i))
		} else if seen[ep.Name] {
			errs = append(errs, fmt.Errorf("endpoints[%d]: duplicate name %q", i, ep.Name))
		}
		seen[ep.Name] = true
		if ep.URL == "" {
			errs = append(errs, fmt.Errorf("endpoints[%d]: url is required", i))
		}
	}
	if c.Upload.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("upload.concurrency must be positive, got %d", c.Upload.Concurrency))
	}
	return errors.Join(errs...)
}

// Endpoint looks an endpoint up by name.
func (c *Config) Endpoint(name string) (services.Endpoint, error) {
	return services.FindEndpoint(c.Endpoints, name)
}
