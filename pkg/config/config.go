// Package config loads the chat client configuration from YAML.
// ${VAR} references are expanded from the environment before parsing.
package config

import (
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/naxie/pkg/redisstream"
)

type Config struct {
	Websocket    WebsocketConfig      `yaml:"websocket"`
	API          APIConfig            `yaml:"api"`
	CustomData   map[string]any       `yaml:"custom_data"`
	DefaultOpen  bool                 `yaml:"default_open"`
	DefaultModel string               `yaml:"default_model"`
	Logging      LoggingConfig        `yaml:"logging"`
	Capture      CaptureConfig        `yaml:"capture"`
	Mirror       redisstream.Settings `yaml:"mirror"`
	Metrics      MetricsConfig        `yaml:"metrics"`
}

type WebsocketConfig struct {
	BaseURL  string            `yaml:"base_url" validate:"omitempty,url"`
	Endpoint string            `yaml:"endpoint"`
	Headers  map[string]string `yaml:"headers"`
	// StrictEOF only accepts the end-of-stream token as a frame's last word.
	StrictEOF bool `yaml:"strict_eof"`

	HandshakeTimeout    time.Duration `yaml:"-"`
	HandshakeTimeoutRaw string        `yaml:"handshake_timeout"`
}

type APIConfig struct {
	BaseURL string `yaml:"base_url" validate:"omitempty,url"`
	APIKey  string `yaml:"api_key"`
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error"`
}

type CaptureConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path" validate:"required_if=Enabled true"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr" validate:"omitempty,hostname_port"`
}

func Default() *Config {
	return &Config{
		Websocket: WebsocketConfig{
			HandshakeTimeout: 10 * time.Second,
		},
		CustomData: map[string]any{},
		Logging:    LoggingConfig{Level: "info"},
		Capture:    CaptureConfig{Path: "naxie-capture.db"},
		Mirror:     redisstream.DefaultSettings(),
	}
}

// Load reads path and returns the parsed configuration layered over Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading config file")
	}
	return Parse(data)
}

// Parse decodes YAML content. Unset fields keep their defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
		return nil, errors.Wrap(err, "parsing config file")
	}
	if err := parseDurations(cfg); err != nil {
		return nil, errors.Wrap(err, "parsing durations")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "validating config")
	}
	return cfg, nil
}

var envRef = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} with the variable's value, or "" when unset.
func expandEnvVars(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envRef.FindStringSubmatch(match)[1])
	})
}

func parseDurations(cfg *Config) error {
	if raw := cfg.Websocket.HandshakeTimeoutRaw; raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return errors.Wrapf(err, "parsing handshake_timeout %q", raw)
		}
		cfg.Websocket.HandshakeTimeout = d
	}
	return nil
}

var validate = validator.New()

// Validate checks field formats. A missing websocket URL is not an error here; commands
// that need a connection check for it themselves.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Mirror.UsesRedis() && c.Mirror.Addr == "" {
		return errors.New("mirror.redis_addr is required when mirror.backend is redis")
	}
	return nil
}

// HasWebsocket reports whether any websocket location is configured.
func (c *Config) HasWebsocket() bool {
	return c.Websocket.BaseURL != "" || c.Websocket.Endpoint != ""
}

// APIBaseURL returns api.base_url, or the websocket base URL rewritten to http(s) when
// no API URL is configured.
func (c *Config) APIBaseURL() string {
	if c.API.BaseURL != "" {
		return c.API.BaseURL
	}
	ws := c.Websocket.BaseURL
	switch {
	case strings.HasPrefix(ws, "wss://"):
		return "https://" + strings.TrimPrefix(ws, "wss://")
	case strings.HasPrefix(ws, "ws://"):
		return "http://" + strings.TrimPrefix(ws, "ws://")
	default:
		return ws
	}
}

func (c *Config) HTTPHeader() http.Header {
	if len(c.Websocket.Headers) == 0 {
		return nil
	}
	h := http.Header{}
	for k, v := range c.Websocket.Headers {
		h.Set(k, v)
	}
	return h
}
