package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/dokzlo13/shellyd/internal/shelly"
)

// Config represents the application configuration
type Config struct {
	// Host and Name are a single-device shorthand, equivalent to one
	// entry in Devices.
	Host string `yaml:"host"`
	Name string `yaml:"name"`

	Devices         []DeviceConfig    `yaml:"devices"`
	MQTT            MQTTConfig        `yaml:"mqtt"`
	Database        DatabaseConfig    `yaml:"database"`
	Log             LogConfig         `yaml:"log"`
	Poll            PollConfig        `yaml:"poll"`
	Healthcheck     HealthcheckConfig `yaml:"healthcheck"`
	ShutdownTimeout Duration          `yaml:"shutdown_timeout"` // General shutdown timeout for graceful stops
}

// DeviceConfig describes one Shelly device to integrate
type DeviceConfig struct {
	Host     string       `yaml:"host"`
	Name     string       `yaml:"name"`
	Channels map[int]bool `yaml:"channels"` // Per-channel visibility override, default visible
}

// Visibility returns the per-channel exposure flags. Channels are
// visible unless explicitly disabled.
func (d *DeviceConfig) Visibility() [4]bool {
	vis := [4]bool{true, true, true, true}
	for ch, on := range d.Channels {
		if ch >= 0 && ch < len(vis) {
			vis[ch] = on
		}
	}
	return vis
}

// MQTTConfig contains MQTT broker connection settings
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"` // Base topic for bridge state and discovery node ids
}

// DatabaseConfig contains database settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Colors bool   `yaml:"colors"`
	JSON   bool   `yaml:"json"`
}

// PollConfig contains device polling settings
type PollConfig struct {
	Interval     Duration `yaml:"interval"`       // Status poll period (default: 5s)
	RPCTimeout   Duration `yaml:"rpc_timeout"`    // Per-call HTTP timeout (default: 4s)
	RateLimitRPS float64  `yaml:"rate_limit_rps"` // RPC rate limit per device (default: 10)
}

// HealthcheckConfig contains health check server settings
type HealthcheckConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// Addr returns the listen address for the health check server
func (c *HealthcheckConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Duration is a wrapper around time.Duration for YAML unmarshalling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	// Fold the single-device shorthand into the device list
	if cfg.Host != "" {
		cfg.Devices = append([]DeviceConfig{{Host: cfg.Host, Name: cfg.Name}}, cfg.Devices...)
	}

	cfg.Devices = normalizeDevices(cfg.Devices)
	if len(cfg.Devices) == 0 {
		return nil, fmt.Errorf("no devices configured")
	}

	// Set defaults
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./shellyd.sqlite"
	}

	// MQTT defaults
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "shellyd"
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "shellyd"
	}

	// Poll defaults
	if cfg.Poll.Interval == 0 {
		cfg.Poll.Interval = Duration(5 * time.Second)
	}
	if cfg.Poll.RPCTimeout == 0 {
		cfg.Poll.RPCTimeout = Duration(4 * time.Second)
	}
	if cfg.Poll.RateLimitRPS == 0 {
		cfg.Poll.RateLimitRPS = 10.0 // 10 requests per second
	}

	// Healthcheck defaults
	if cfg.Healthcheck.Port == 0 {
		cfg.Healthcheck.Port = 9090
	}
	if cfg.Healthcheck.Host == "" {
		cfg.Healthcheck.Host = "0.0.0.0"
	}

	// General shutdown timeout
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = Duration(5 * time.Second)
	}

	return &cfg, nil
}

// normalizeDevices canonicalizes hosts, drops entries without a host
// and keeps the first entry when a host repeats.
func normalizeDevices(devices []DeviceConfig) []DeviceConfig {
	seen := make(map[string]struct{}, len(devices))
	out := make([]DeviceConfig, 0, len(devices))
	for _, dev := range devices {
		dev.Host = shelly.NormalizeHost(dev.Host)
		if dev.Host == "" {
			log.Warn().Msg("Skipping device entry without a host")
			continue
		}
		if _, dup := seen[dev.Host]; dup {
			log.Warn().Str("host", dev.Host).Msg("Duplicate device host, keeping first entry")
			continue
		}
		seen[dev.Host] = struct{}{}
		out = append(out, dev)
	}
	return out
}

// expandEnvVars expands environment variables in the format ${VAR} or ${VAR:default}
func expandEnvVars(input string) string {
	// Match ${VAR} or ${VAR:default}
	re := regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

	return re.ReplaceAllStringFunc(input, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}

// ExpandEnvString expands a single string with environment variables
func ExpandEnvString(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return expandEnvVars(s)
	}
	return s
}
