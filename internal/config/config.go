package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dokzlo13/lifxd/internal/lifx/protocol"
)

// Config represents the application configuration
type Config struct {
	Lifx            LifxConfig      `yaml:"lifx"`
	Discovery       DiscoveryConfig `yaml:"discovery"`
	Database        DatabaseConfig  `yaml:"database"`
	Log             LogConfig       `yaml:"log"`
	Ledger          LedgerConfig    `yaml:"ledger"`
	HTTP            HTTPConfig      `yaml:"http"`
	EventBus        EventBusConfig  `yaml:"eventbus"`
	MQTT            MQTTConfig      `yaml:"mqtt"`
	InfluxDB        InfluxDBConfig  `yaml:"influxdb"`
	Script          string          `yaml:"script"`           // Lua automation script, empty = disabled
	ShutdownTimeout Duration        `yaml:"shutdown_timeout"` // General shutdown timeout for graceful stops
}

// LifxConfig contains LAN protocol settings and the statically configured lights
type LifxConfig struct {
	Fade      Duration      `yaml:"fade"`      // Default transition for set messages
	Broadcast []string      `yaml:"broadcast"` // Broadcast addresses, empty = derived from interfaces
	Timing    TimingConfig  `yaml:"timing"`
	Lights    []LightConfig `yaml:"lights"`
}

// TimingConfig overrides the protocol intervals. Zero values keep the defaults.
type TimingConfig struct {
	PacketInterval     Duration `yaml:"packet_interval"`
	AckWait            Duration `yaml:"ack_wait"`
	MaxRetries         int      `yaml:"max_retries"`
	PollInterval       Duration `yaml:"poll_interval"`
	OnlineInterval     Duration `yaml:"online_interval"`
	MaxPollingRetries  int      `yaml:"max_polling_retries"`
	PropertiesInterval Duration `yaml:"properties_interval"`
}

// LightConfig identifies one light by MAC, host, or both
type LightConfig struct {
	Name           string    `yaml:"name"`
	MAC            string    `yaml:"mac"`
	Host           string    `yaml:"host"` // ip or ip:port
	Fade           *Duration `yaml:"fade"` // Overrides lifx.fade
	SignalStrength bool      `yaml:"signal_strength"`
}

// DiscoveryConfig contains background discovery settings
type DiscoveryConfig struct {
	Enabled  *bool    `yaml:"enabled"`  // default: true
	AutoAdd  bool     `yaml:"auto_add"` // Start an engine for every discovered light
	Interval Duration `yaml:"interval"`
	Window   Duration `yaml:"window"`
	Debounce Duration `yaml:"debounce"`
}

// IsEnabled returns whether background discovery runs (default: true)
func (c *DiscoveryConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
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

// LedgerConfig contains event ledger settings
type LedgerConfig struct {
	CleanupInterval Duration `yaml:"cleanup_interval"`
	RetentionDays   int      `yaml:"retention_days"`
}

// HTTPConfig contains REST API and health check server settings
type HTTPConfig struct {
	Enabled      bool     `yaml:"enabled"`
	Host         string   `yaml:"host"`
	Port         int      `yaml:"port"`
	ReadTimeout  Duration `yaml:"read_timeout"`
	WriteTimeout Duration `yaml:"write_timeout"`
}

// Addr returns host:port
func (c *HTTPConfig) Addr() string {
	return net.JoinHostPort(c.Host, fmt.Sprint(c.Port))
}

// EventBusConfig contains event bus settings
type EventBusConfig struct {
	Workers   int `yaml:"workers"`    // Number of worker goroutines (default: 4)
	QueueSize int `yaml:"queue_size"` // Event queue size (default: 100)
}

// GetWorkers returns worker count with default
func (c *EventBusConfig) GetWorkers() int {
	if c.Workers <= 0 {
		return 4
	}
	return c.Workers
}

// GetQueueSize returns queue size with default
func (c *EventBusConfig) GetQueueSize() int {
	if c.QueueSize <= 0 {
		return 100
	}
	return c.QueueSize
}

// MQTTConfig contains MQTT bridge settings
type MQTTConfig struct {
	Enabled     bool                `yaml:"enabled"`
	Broker      MQTTBrokerConfig    `yaml:"broker"`
	Auth        MQTTAuthConfig      `yaml:"auth"`
	QoS         int                 `yaml:"qos"`
	TopicPrefix string              `yaml:"topic_prefix"`
	KeepAlive   Duration            `yaml:"keepalive"`
	Reconnect   MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings
type MQTTReconnectConfig struct {
	InitialDelay   Duration `yaml:"initial_delay"`
	MaxDelay       Duration `yaml:"max_delay"`
	ConnectTimeout Duration `yaml:"connect_timeout"`
}

// InfluxDBConfig contains observed state history settings
type InfluxDBConfig struct {
	Enabled       bool     `yaml:"enabled"`
	URL           string   `yaml:"url"`
	Token         string   `yaml:"token"`
	Org           string   `yaml:"org"`
	Bucket        string   `yaml:"bucket"`
	BatchSize     int      `yaml:"batch_size"`
	FlushInterval Duration `yaml:"flush_interval"`
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
	return Parse(data)
}

// Parse expands environment variables in data, decodes it and applies defaults
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) setDefaults() {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./lifxd.sqlite"
	}

	// LIFX defaults; zero timing values are filled in by the engine
	if cfg.Lifx.Fade == 0 {
		cfg.Lifx.Fade = Duration(300 * time.Millisecond)
	}

	// Discovery defaults
	if cfg.Discovery.Interval == 0 {
		cfg.Discovery.Interval = Duration(60 * time.Second)
	}
	if cfg.Discovery.Window == 0 {
		cfg.Discovery.Window = Duration(8 * time.Second)
	}
	if cfg.Discovery.Debounce == 0 {
		cfg.Discovery.Debounce = Duration(200 * time.Millisecond)
	}

	// Ledger defaults
	if cfg.Ledger.CleanupInterval == 0 {
		cfg.Ledger.CleanupInterval = Duration(24 * time.Hour)
	}
	if cfg.Ledger.RetentionDays == 0 {
		cfg.Ledger.RetentionDays = 30
	}

	// HTTP defaults
	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = 9090
	}
	if cfg.HTTP.Host == "" {
		cfg.HTTP.Host = "0.0.0.0"
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = Duration(10 * time.Second)
	}
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = Duration(10 * time.Second)
	}

	// MQTT defaults
	if cfg.MQTT.Broker.Host == "" {
		cfg.MQTT.Broker.Host = "localhost"
	}
	if cfg.MQTT.Broker.Port == 0 {
		cfg.MQTT.Broker.Port = 1883
	}
	if cfg.MQTT.Broker.ClientID == "" {
		cfg.MQTT.Broker.ClientID = "lifxd"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "lifx"
	}
	if cfg.MQTT.KeepAlive == 0 {
		cfg.MQTT.KeepAlive = Duration(60 * time.Second)
	}
	if cfg.MQTT.Reconnect.InitialDelay == 0 {
		cfg.MQTT.Reconnect.InitialDelay = Duration(1 * time.Second)
	}
	if cfg.MQTT.Reconnect.MaxDelay == 0 {
		cfg.MQTT.Reconnect.MaxDelay = Duration(2 * time.Minute)
	}
	if cfg.MQTT.Reconnect.ConnectTimeout == 0 {
		cfg.MQTT.Reconnect.ConnectTimeout = Duration(10 * time.Second)
	}

	// InfluxDB defaults
	if cfg.InfluxDB.BatchSize == 0 {
		cfg.InfluxDB.BatchSize = 100
	}
	if cfg.InfluxDB.FlushInterval == 0 {
		cfg.InfluxDB.FlushInterval = Duration(10 * time.Second)
	}

	// General shutdown timeout
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = Duration(5 * time.Second)
	}
}

// Validate checks the settings that have no usable default
func (cfg *Config) Validate() error {
	var errs []error
	seen := make(map[string]bool)
	for i, l := range cfg.Lifx.Lights {
		if l.MAC == "" && l.Host == "" {
			errs = append(errs, fmt.Errorf("lifx.lights[%d]: mac or host is required", i))
			continue
		}
		if l.MAC != "" {
			mac, err := protocol.ParseMAC(l.MAC)
			if err != nil {
				errs = append(errs, fmt.Errorf("lifx.lights[%d]: %w", i, err))
				continue
			}
			if seen[mac.Hex()] {
				errs = append(errs, fmt.Errorf("lifx.lights[%d]: duplicate mac %s", i, mac))
			}
			seen[mac.Hex()] = true
		}
		if l.Host != "" {
			if _, err := ResolveHost(l.Host); err != nil {
				errs = append(errs, fmt.Errorf("lifx.lights[%d]: %w", i, err))
			}
		}
	}
	if cfg.MQTT.QoS < 0 || cfg.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", cfg.MQTT.QoS))
	}
	if cfg.InfluxDB.Enabled && (cfg.InfluxDB.URL == "" || cfg.InfluxDB.Bucket == "") {
		errs = append(errs, errors.New("influxdb: url and bucket are required when enabled"))
	}
	return errors.Join(errs...)
}

// ResolveHost parses "ip" or "ip:port", defaulting to the LIFX port
func ResolveHost(host string) (*net.UDPAddr, error) {
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, fmt.Sprint(protocol.DefaultPort))
	}
	addr, err := net.ResolveUDPAddr("udp4", host)
	if err != nil {
		return nil, fmt.Errorf("invalid host %q: %w", host, err)
	}
	return addr, nil
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
