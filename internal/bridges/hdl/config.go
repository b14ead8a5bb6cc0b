package hdl

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nerrad567/gray-logic-hdl/internal/hdlbus"
)

// Default gateway endpoints.
const (
	// DefaultListenAddress binds every local interface.
	DefaultListenAddress = "0.0.0.0"

	// DefaultGatewayAddress broadcasts to any HDL gateway on the segment.
	DefaultGatewayAddress = "255.255.255.255"
)

// Config is the root configuration for the HDL bridge.
// Loaded from YAML with environment variable overrides.
type Config struct {
	Bridge  BridgeConfig      `yaml:"bridge"`
	Gateway GatewaySettings   `yaml:"gateway"`
	Items   map[string]string `yaml:"items"`
}

// BridgeConfig contains bridge identity and operational settings.
type BridgeConfig struct {
	// ID uniquely identifies this bridge instance in health messages.
	ID string `yaml:"id"`

	// HealthInterval is how often to publish health status (seconds).
	// Default: 30 seconds.
	HealthInterval int `yaml:"health_interval"`
}

// GatewaySettings contains UDP transport and retry settings.
type GatewaySettings struct {
	// ListenAddress is the local IPv4 address to bind.
	// Default: "0.0.0.0"
	ListenAddress string `yaml:"listen_address"`

	// Address is the gateway (or broadcast) address commands are sent to.
	// Default: "255.255.255.255"
	Address string `yaml:"address"`

	// ListenPort is the local UDP port. Default: 6000.
	ListenPort int `yaml:"listen_port"`

	// Port is the gateway UDP port. Default: 6000.
	Port int `yaml:"port"`

	// RetryCount is the number of resends for unacknowledged commands.
	// Default: 3.
	RetryCount int `yaml:"retry_count"`

	// RetryIntervalMS is the delay between resends (milliseconds).
	// Default: 600.
	RetryIntervalMS int `yaml:"retry_interval_ms"`
}

// LoadConfig reads configuration from a YAML file.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: HDL_BRIDGE_SECTION_KEY
// For example: HDL_BRIDGE_GATEWAY_ADDRESS
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Bridge: BridgeConfig{
			ID:             "hdl-bridge-01",
			HealthInterval: 30,
		},
		Gateway: GatewaySettings{
			ListenAddress:   DefaultListenAddress,
			Address:         DefaultGatewayAddress,
			ListenPort:      hdlbus.DefaultPort,
			Port:            hdlbus.DefaultPort,
			RetryCount:      hdlbus.DefaultRetryCount,
			RetryIntervalMS: int(hdlbus.DefaultRetryInterval / time.Millisecond),
		},
		Items: map[string]string{},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HDL_BRIDGE_ID"); v != "" {
		cfg.Bridge.ID = v
	}
	if v := os.Getenv("HDL_BRIDGE_GATEWAY_ADDRESS"); v != "" {
		cfg.Gateway.Address = v
	}
	if v := os.Getenv("HDL_BRIDGE_GATEWAY_LISTEN_ADDRESS"); v != "" {
		cfg.Gateway.ListenAddress = v
	}
	if v := os.Getenv("HDL_BRIDGE_GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Gateway.Port = port
		}
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	errs = append(errs, c.validateBridge()...)
	errs = append(errs, c.validateGateway()...)
	errs = append(errs, c.validateItems()...)

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// validateBridge validates bridge settings.
func (c *Config) validateBridge() []string {
	var errs []string
	if c.Bridge.ID == "" {
		errs = append(errs, "bridge.id is required")
	}
	if c.Bridge.HealthInterval < 1 {
		errs = append(errs, "bridge.health_interval must be at least 1 second")
	}
	return errs
}

// validateGateway validates transport settings.
func (c *Config) validateGateway() []string {
	var errs []string
	if c.Gateway.ListenAddress == "" {
		errs = append(errs, "gateway.listen_address is required")
	}
	if c.Gateway.Address == "" {
		errs = append(errs, "gateway.address is required")
	}
	if c.Gateway.ListenPort < 1 || c.Gateway.ListenPort > 65535 {
		errs = append(errs, fmt.Sprintf("gateway.listen_port %d is out of range (1-65535)", c.Gateway.ListenPort))
	}
	if c.Gateway.Port < 1 || c.Gateway.Port > 65535 {
		errs = append(errs, fmt.Sprintf("gateway.port %d is out of range (1-65535)", c.Gateway.Port))
	}
	if c.Gateway.RetryCount < 1 {
		errs = append(errs, "gateway.retry_count must be at least 1")
	}
	if c.Gateway.RetryIntervalMS < 1 {
		errs = append(errs, "gateway.retry_interval_ms must be at least 1")
	}
	return errs
}

// validateItems validates item bindings.
func (c *Config) validateItems() []string {
	var errs []string
	if _, err := NewBindings(c.Items); err != nil {
		errs = append(errs, fmt.Sprintf("items: %v", err))
	}
	return errs
}

// ToServerConfig converts gateway settings for hdlbus.NewServer.
func (c *Config) ToServerConfig() hdlbus.ServerConfig {
	return hdlbus.ServerConfig{
		ListenPort:    c.Gateway.ListenPort,
		GatewayPort:   c.Gateway.Port,
		RetryCount:    c.Gateway.RetryCount,
		RetryInterval: time.Duration(c.Gateway.RetryIntervalMS) * time.Millisecond,
	}
}

// GetHealthInterval returns the health reporting interval as a Duration.
func (c *Config) GetHealthInterval() time.Duration {
	return time.Duration(c.Bridge.HealthInterval) * time.Second
}
