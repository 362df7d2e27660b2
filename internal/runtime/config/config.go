package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultDispatcherPoolSize = 10
	DefaultShutdownTimeout    = 30 * time.Second
	DefaultWebUIPort          = 8081
)

// DispatcherPolicy tunes a single channel dispatcher. Zero values fall back to
// the defaults applied by the dispatcher itself.
type DispatcherPolicy struct {
	// MaxMessagesPerTask caps the messages handled per poll cycle.
	MaxMessagesPerTask int `yaml:"max_messages_per_task"`
	// ReceiveTimeout bounds the blocking wait on an empty channel.
	ReceiveTimeout time.Duration `yaml:"receive_timeout"`
	// RejectionLimit is the number of delivery attempts before a message
	// nobody accepts is routed to the invalid-message channel.
	RejectionLimit int `yaml:"rejection_limit"`
	// RetryInterval is the pause between rejected delivery attempts.
	RetryInterval time.Duration `yaml:"retry_interval"`
	// PointToPoint delivers each message to a single subscriber instead of
	// fanning it out.
	PointToPoint bool `yaml:"point_to_point"`
}

// Config groups the settings consumed when the message bus initialises.
type Config struct {
	// DispatcherPoolSize sizes the shared task scheduler. Must be positive;
	// zero selects DefaultDispatcherPoolSize.
	DispatcherPoolSize int `yaml:"dispatcher_pool_size"`
	// AutoCreateChannels materialises unknown channels referenced by
	// endpoints instead of failing activation.
	AutoCreateChannels bool `yaml:"auto_create_channels"`

	// Dispatcher is applied to channels registered without an explicit policy.
	Dispatcher DispatcherPolicy `yaml:"dispatcher"`

	// ShutdownTimeout bounds Stop when the caller context has no deadline.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Metrics configuration.
	MetricsEnabled bool `yaml:"metrics_enabled"`
	// MetricsPort is the port where Prometheus metrics will be exposed.
	MetricsPort int `yaml:"metrics_port"`

	// WebUI configuration.
	WebUIEnabled bool `yaml:"webui_enabled"`
	// WebUIPort is the port where the WebUI API will be exposed. Defaults to 8081.
	WebUIPort int `yaml:"webui_port"`
	// WebUICORSAllowedOrigins specifies allowed origins for CORS. Use "*" for development
	// or specific origins like "https://example.com" for production. Empty disables CORS headers.
	WebUICORSAllowedOrigins []string `yaml:"webui_cors_allowed_origins"`
}

func (c Config) String() string {
	type configAlias Config
	return fmt.Sprintf("%+v", configAlias(c))
}

// PoolSize returns the configured dispatcher pool size or the default.
func (c *Config) PoolSize() int {
	if c == nil || c.DispatcherPoolSize == 0 {
		return DefaultDispatcherPoolSize
	}
	return c.DispatcherPoolSize
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error

	errs = append(errs, c.validatePool()...)
	errs = append(errs, c.validateDispatcher()...)
	errs = append(errs, c.validatePorts()...)

	return errors.Join(errs...)
}

func (c *Config) validatePool() []error {
	if c.DispatcherPoolSize < 0 {
		return []error{fmt.Errorf("scheduler: dispatcher pool size must be positive, got %d", c.DispatcherPoolSize)}
	}
	if c.ShutdownTimeout < 0 {
		return []error{errors.New("scheduler: shutdown timeout cannot be negative")}
	}
	return nil
}

func (c *Config) validateDispatcher() []error {
	var errs []error
	p := c.Dispatcher
	if p.MaxMessagesPerTask < 0 {
		errs = append(errs, errors.New("dispatcher: max messages per task cannot be negative"))
	}
	if p.ReceiveTimeout < 0 {
		errs = append(errs, errors.New("dispatcher: receive timeout cannot be negative"))
	}
	if p.RejectionLimit < 0 {
		errs = append(errs, errors.New("dispatcher: rejection limit cannot be negative"))
	}
	if p.RetryInterval < 0 {
		errs = append(errs, errors.New("dispatcher: retry interval cannot be negative"))
	}
	return errs
}

func (c *Config) validatePorts() []error {
	var errs []error
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		errs = append(errs, fmt.Errorf("metrics: invalid port %d", c.MetricsPort))
	}
	if c.WebUIPort < 0 || c.WebUIPort > 65535 {
		errs = append(errs, fmt.Errorf("webui: invalid port %d", c.WebUIPort))
	}
	return errs
}

// ValidateConfig is a convenience function to validate a config pointer.
func ValidateConfig(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	return c.Validate()
}

// Load decodes a YAML document into a Config and validates it.
func Load(r io.Reader) (*Config, error) {
	conf := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(conf); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// LoadFile reads the YAML configuration stored at path.
func LoadFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer func() { _ = f.Close() }()
	return Load(f)
}
