package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// Authentication modes.
const (
	AuthModeHTTP   = "http"
	AuthModeStatic = "static"
)

var (
	ErrConfigNotFound = errors.New("configuration not found")
	ErrInvalidConfig  = errors.New("invalid configuration")
)

// Duration is a time.Duration that reads and writes JSON as "20s".
type Duration struct {
	time.Duration
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON implements json.Unmarshaler. Bare numbers are read as seconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		d.Duration = v
		return nil
	}

	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("duration must be a string or a number of seconds: %w", err)
	}
	d.Duration = time.Duration(secs * float64(time.Second))
	return nil
}

// Config holds the relay settings.
type Config struct {
	Host string `json:"host"`
	Port int    `json:"port"`

	AuthMode     string   `json:"auth_mode"`
	AuthURL      string   `json:"auth_url"`
	AuthTimeout  Duration `json:"auth_timeout"`
	StaticTokens []string `json:"static_tokens,omitempty"`

	ReapInterval   Duration `json:"reap_interval"`
	SendBuffer     int      `json:"send_buffer"`
	MaxMessageSize int64    `json:"max_message_size"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"`

	LogLevel      string `json:"log_level"`
	LogJSON       bool   `json:"log_json"`
	MetricsPrefix string `json:"metrics_prefix"`
	StaticDir     string `json:"static_dir"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Host:           "localhost",
		Port:           8081,
		AuthMode:       AuthModeHTTP,
		AuthTimeout:    Duration{5 * time.Second},
		ReapInterval:   Duration{20 * time.Second},
		SendBuffer:     256,
		MaxMessageSize: 64 * 1024,
		LogLevel:       "info",
		MetricsPrefix:  "relay_",
		StaticDir:      "./static/",
	}
}

// Load reads the JSON file at path on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration can be used to start a server.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Port)
	}

	switch c.AuthMode {
	case AuthModeHTTP:
		if c.AuthURL == "" {
			return fmt.Errorf("%w: auth_url is required in %s mode", ErrInvalidConfig, AuthModeHTTP)
		}
		u, err := url.Parse(c.AuthURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: auth_url %q is not an http(s) URL", ErrInvalidConfig, c.AuthURL)
		}
	case AuthModeStatic:
		if len(c.StaticTokens) == 0 {
			return fmt.Errorf("%w: static_tokens is required in %s mode", ErrInvalidConfig, AuthModeStatic)
		}
	default:
		return fmt.Errorf("%w: unknown auth_mode %q", ErrInvalidConfig, c.AuthMode)
	}

	if c.AuthTimeout.Duration <= 0 {
		return fmt.Errorf("%w: auth_timeout must be positive", ErrInvalidConfig)
	}
	if c.ReapInterval.Duration <= 0 {
		return fmt.Errorf("%w: reap_interval must be positive", ErrInvalidConfig)
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("%w: send_buffer must be positive", ErrInvalidConfig)
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("%w: max_message_size must be positive", ErrInvalidConfig)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Write encodes the configuration as indented JSON.
func (c *Config) Write(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(c)
}

// Save writes the configuration to path.
func (c *Config) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	if err := c.Write(f); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// ConfigureLogging applies the log settings to the standard logrus logger.
func (c *Config) ConfigureLogging() error {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	logrus.SetLevel(level)
	if c.LogJSON {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}
