package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models hades.yml.
type Config struct {
	Broker    Broker    `yaml:"broker"`
	Exchanges Exchanges `yaml:"exchanges"`
	Server    Server    `yaml:"server"`
	Relay     Relay     `yaml:"relay"`
	Scenario  Scenario  `yaml:"scenario"`
	Journal   Journal   `yaml:"journal"`
	Log       Log       `yaml:"log"`
}

type Broker struct {
	// URL overrides the individual connection fields. memory:// selects the
	// in-process broker.
	URL            string        `yaml:"url,omitempty"`
	Address        string        `yaml:"address"`
	Port           int           `yaml:"port"`
	VHost          string        `yaml:"vhost"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	Retry          Retry         `yaml:"retry"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	Prefetch       int           `yaml:"prefetch"`
}

type Retry struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay,omitempty"`
}

type Exchange struct {
	Name    string `yaml:"name"`
	Durable bool   `yaml:"durable"`
	Queue   string `yaml:"queue,omitempty"`
}

type Exchanges struct {
	Requests Exchange `yaml:"requests"`
	Reports  Exchange `yaml:"reports"`
}

type Server struct {
	Addr            string        `yaml:"addr"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
}

type Relay struct {
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	JoinTimeout   time.Duration `yaml:"join_timeout"`
	SessionBuffer int           `yaml:"session_buffer"`
	Idempotency   Idempotency   `yaml:"idempotency"`
}

type Idempotency struct {
	RedisURL string        `yaml:"redis_url,omitempty"`
	TTL      time.Duration `yaml:"ttl"`
}

type Scenario struct {
	Address string `yaml:"address"`
}

type Journal struct {
	DSN string `yaml:"dsn"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Broker.URL == "" {
		if c.Broker.Address == "" {
			return fmt.Errorf("config.broker.address is required when broker.url is empty")
		}
		if c.Broker.Port <= 0 || c.Broker.Port > 65535 {
			return fmt.Errorf("config.broker.port must be between 1 and 65535")
		}
	}
	if c.Broker.Retry.MaxRetries < 0 {
		return fmt.Errorf("config.broker.retry.max_retries must not be negative")
	}
	if c.Broker.Retry.BaseDelay <= 0 {
		return fmt.Errorf("config.broker.retry.base_delay must be positive")
	}
	if c.Broker.Retry.MaxDelay != 0 && c.Broker.Retry.MaxDelay < c.Broker.Retry.BaseDelay {
		return fmt.Errorf("config.broker.retry.max_delay must not be below base_delay")
	}
	if c.Broker.ReconnectDelay <= 0 {
		return fmt.Errorf("config.broker.reconnect_delay must be positive")
	}
	for name, ex := range map[string]Exchange{"requests": c.Exchanges.Requests, "reports": c.Exchanges.Reports} {
		if ex.Name == "" {
			return fmt.Errorf("config.exchanges.%s.name is required", name)
		}
	}
	if c.Exchanges.Requests.Queue == "" {
		return fmt.Errorf("config.exchanges.requests.queue is required")
	}
	if c.Exchanges.Requests.Name == c.Exchanges.Reports.Name {
		return fmt.Errorf("config.exchanges.requests and reports must differ")
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Relay.SessionBuffer <= 0 {
		return fmt.Errorf("config.relay.session_buffer must be positive")
	}
	if c.Relay.Idempotency.TTL <= 0 {
		return fmt.Errorf("config.relay.idempotency.ttl must be positive")
	}
	if c.Scenario.Address == "" {
		return fmt.Errorf("config.scenario.address is required")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level must be one of debug, info, warn, error")
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("config.log.format must be json or console")
	}
	return nil
}

// redactedSecret matches what url.URL.Redacted puts in place of a password.
const redactedSecret = "xxxxx"

// Redacted returns a copy safe to print: the broker password and any
// password embedded in the broker or redis URLs are masked.
func (c *Config) Redacted() *Config {
	out := *c
	out.Server.AllowedOrigins = append([]string(nil), c.Server.AllowedOrigins...)
	if out.Broker.Password != "" {
		out.Broker.Password = redactedSecret
	}
	out.Broker.URL = redactURL(out.Broker.URL)
	out.Relay.Idempotency.RedisURL = redactURL(out.Relay.Idempotency.RedisURL)
	return &out
}

func redactURL(raw string) string {
	if raw == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return redactedSecret
	}
	return u.Redacted()
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses config from raw YAML bytes on top of the defaults and
// validates the result.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults when path is empty or does not exist.
func LoadOptional(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// YAML renders the config.
func (c *Config) YAML() (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

const defaultTemplate = `broker:
  address: localhost
  port: 5672
  vhost: /
  username: guest
  password: guest
  retry:
    max_retries: 10
    base_delay: 1s
  reconnect_delay: 2s
  prefetch: 16

exchanges:
  requests:
    name: hades.inject.requests
    durable: false
    queue: hades.inject.requests.queue
  reports:
    name: hades.inject.reports
    durable: false

server:
  addr: 0.0.0.0:8000
  allowed_origins: ["*"]
  shutdown_timeout: 10s
  request_timeout: 30s

relay:
  write_timeout: 10s
  join_timeout: 5s
  session_buffer: 64
  idempotency:
    ttl: 10m

scenario:
  address: 192.168.152.1

journal:
  dsn: "file:hades?mode=memory&cache=shared"

log:
  level: info
  format: console
`
