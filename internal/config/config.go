// Package config provides configuration parsing and validation for the
// quietlane daemon.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quietlane/quietlane/internal/keystore"
)

// Config represents the complete daemon configuration.
type Config struct {
	Node     NodeConfig      `yaml:"node"`
	Network  NetworkConfig   `yaml:"network"`
	Client   ClientConfig    `yaml:"client"`
	Services []ServiceConfig `yaml:"services"`
	Health   HealthConfig    `yaml:"health"`
}

// NodeConfig contains node identity settings.
type NodeConfig struct {
	DataDir   string `yaml:"data_dir"`   // Directory for persistent state
	LogLevel  string `yaml:"log_level"`  // debug, info, warn, error
	LogFormat string `yaml:"log_format"` // text, json
}

// NetworkConfig selects the network layer backing the daemon.
type NetworkConfig struct {
	// Dir is the loopback address directory. Empty derives
	// <data_dir>/localnet.
	Dir string `yaml:"dir"`
}

// ClientConfig tunes outbound stream behavior.
type ClientConfig struct {
	AllowLocalAddrs bool          `yaml:"allow_local_addrs"` // Permit loopback and RFC 1918 targets
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	Padding         string        `yaml:"padding"` // normal, reduced, none
}

// ServiceConfig defines one published service.
type ServiceConfig struct {
	Nickname       string   `yaml:"nickname"`         // Key storage name
	Backend        string   `yaml:"backend"`          // host:port the service proxies to
	Ports          []uint16 `yaml:"ports"`            // Virtual ports answered; empty = all
	NumIntroPoints int      `yaml:"num_intro_points"` // 0 = network default
	RateLimit      float64  `yaml:"rate_limit"`       // Streams per second, 0 = unlimited
	RateBurst      int      `yaml:"rate_burst"`
	KeyFile        string   `yaml:"key_file"` // Optional explicit key seed file
}

// HealthConfig defines health check server settings.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	MaxConns     int           `yaml:"max_conns"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			DataDir:   "./data",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Network: NetworkConfig{
			Dir: "",
		},
		Client: ClientConfig{
			AllowLocalAddrs: false,
			ConnectTimeout:  10 * time.Second,
			Padding:         "normal",
		},
		Services: []ServiceConfig{},
		Health: HealthConfig{
			Enabled:      false,
			Address:      ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			MaxConns:     64,
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	// Start with defaults
	cfg := Default()

	// Parse YAML
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// NetworkDir resolves the address directory, deriving it from the data
// directory when not set explicitly.
func (c *Config) NetworkDir() string {
	if c.Network.Dir != "" {
		return c.Network.Dir
	}
	return c.Node.DataDir + "/localnet"
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// Handle default values: ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		// Simple lookup
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // Keep original if not found
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	// Validate node config
	if c.Node.DataDir == "" {
		errs = append(errs, "node.data_dir is required")
	}
	if !isValidLogLevel(c.Node.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Node.LogLevel))
	}
	if !isValidLogFormat(c.Node.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Node.LogFormat))
	}

	// Validate client config
	if c.Client.ConnectTimeout <= 0 {
		errs = append(errs, "client.connect_timeout must be positive")
	}
	if !isValidPadding(c.Client.Padding) {
		errs = append(errs, fmt.Sprintf("invalid padding: %s (must be normal, reduced, or none)", c.Client.Padding))
	}

	// Validate services
	seen := make(map[string]bool)
	for i, s := range c.Services {
		if err := validateService(s); err != nil {
			errs = append(errs, fmt.Sprintf("services[%d]: %v", i, err))
			continue
		}
		name, _ := keystore.NormalizeNickname(s.Nickname)
		if seen[name] {
			errs = append(errs, fmt.Sprintf("services[%d]: duplicate nickname: %s", i, name))
		}
		seen[name] = true
	}

	// Validate health
	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when enabled")
	}
	if c.Health.MaxConns < 0 {
		errs = append(errs, "health.max_conns must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

func isValidPadding(padding string) bool {
	switch padding {
	case "normal", "reduced", "none":
		return true
	default:
		return false
	}
}

func validateService(s ServiceConfig) error {
	if s.Nickname == "" {
		return fmt.Errorf("nickname is required")
	}
	if _, err := keystore.NormalizeNickname(s.Nickname); err != nil {
		return fmt.Errorf("invalid nickname %q: %w", s.Nickname, err)
	}
	if s.Backend == "" {
		return fmt.Errorf("backend is required")
	}
	if !isValidHostPort(s.Backend) {
		return fmt.Errorf("invalid backend address: %s", s.Backend)
	}
	for _, p := range s.Ports {
		if p == 0 {
			return fmt.Errorf("port 0 is not valid")
		}
	}
	if s.NumIntroPoints < 0 || s.NumIntroPoints > 20 {
		return fmt.Errorf("num_intro_points must be between 0 and 20")
	}
	if s.RateLimit < 0 {
		return fmt.Errorf("rate_limit must not be negative")
	}
	return nil
}

func isValidHostPort(addr string) bool {
	host, port, err := net.SplitHostPort(addr)
	return err == nil && host != "" && port != ""
}

// String returns a string representation of the config (for debugging).
// WARNING: This method redacts sensitive values. Use StringUnsafe() for full output.
func (c *Config) String() string {
	redacted := c.Redacted()
	data, _ := yaml.Marshal(redacted)
	return string(data)
}

// StringUnsafe returns a string representation including sensitive values.
// Use with caution - do not log the output.
func (c *Config) StringUnsafe() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with sensitive values redacted.
// This is safe to log or display to users.
func (c *Config) Redacted() *Config {
	// Create a deep copy by marshaling and unmarshaling
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}

	redacted := &Config{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}

	// Key file paths point at secret material
	for i := range redacted.Services {
		if redacted.Services[i].KeyFile != "" {
			redacted.Services[i].KeyFile = redactedValue
		}
	}

	return redacted
}

// HasSensitiveData returns true if the config contains any sensitive data.
func (c *Config) HasSensitiveData() bool {
	for _, s := range c.Services {
		if s.KeyFile != "" {
			return true
		}
	}
	return false
}
