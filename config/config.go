// Package config loads the mqtt-link configuration file.
//
// Values are resolved in three layers: built-in defaults, then the YAML file
// (if any), then command line flags and their environment variables, which
// main applies on top of the loaded Config.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const clientIDPrefix = "mqtt-link-"

// Persistence backends.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

type Config struct {
	MQTT        MQTTConfig        `yaml:"mqtt"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// MQTTConfig contains broker connection settings.
type MQTTConfig struct {
	Host         string          `yaml:"host"`
	ClientID     string          `yaml:"client_id"`
	CleanSession bool            `yaml:"clean_session"`
	Auth         MQTTAuthConfig  `yaml:"auth"`
	TLS          MQTTTLSConfig   `yaml:"tls"`
	Reconnect    ReconnectConfig `yaml:"reconnect"`

	// ConnectTimeout and PublishTimeout are in seconds.
	ConnectTimeout int `yaml:"connect_timeout"`
	PublishTimeout int `yaml:"publish_timeout"`
}

type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTTLSConfig enables TLS on port 8883 when CertFile is set.
type MQTTTLSConfig struct {
	CAFile         string `yaml:"ca_file"`
	CertFile       string `yaml:"cert_file"`
	KeyFile        string `yaml:"key_file"`
	VerifyHostname bool   `yaml:"verify_hostname"`
}

// ReconnectConfig contains retry task settings. Interval is in seconds; 0
// makes a single connect attempt.
type ReconnectConfig struct {
	Interval      int    `yaml:"interval"`
	AutoReconnect bool   `yaml:"auto_reconnect"`
	ErrorPolicy   string `yaml:"error_policy"`
	MaxBackoff    int    `yaml:"max_backoff"`
}

// PersistenceConfig selects where in-flight messages are kept.
type PersistenceConfig struct {
	Backend string `yaml:"backend"`
	// Path is a directory for the file backend and a database file for sqlite.
	Path string `yaml:"path"`
}

type GatewayConfig struct {
	StatusTopic    string               `yaml:"status_topic"`
	ReportTopic    string               `yaml:"report_topic"`
	ReportInterval int                  `yaml:"report_interval"`
	QoS            int                  `yaml:"qos"`
	Subscriptions  []SubscriptionConfig `yaml:"subscriptions"`
}

type SubscriptionConfig struct {
	Topic string `yaml:"topic"`
	QoS   int    `yaml:"qos"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Writer string `yaml:"writer"`
}

// Load reads the configuration file at path. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		MQTT: MQTTConfig{
			Host:         "localhost",
			CleanSession: true,
			Reconnect: ReconnectConfig{
				Interval:      10,
				AutoReconnect: true,
				ErrorPolicy:   "exit",
				MaxBackoff:    300,
			},
			ConnectTimeout: 30,
			PublishTimeout: 2,
		},
		Persistence: PersistenceConfig{
			Backend: BackendMemory,
		},
		Gateway: GatewayConfig{
			StatusTopic:    "mqtt-link/status",
			ReportInterval: 30,
			QoS:            1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Writer: "console",
		},
	}
}

// EnsureClientID assigns a random client ID when none is configured.
func (c *Config) EnsureClientID() {
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = clientIDPrefix + uuid.NewString()
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.MQTT.Host == "" {
		errs = append(errs, "mqtt.host is required")
	}
	if c.MQTT.Reconnect.Interval < 0 {
		errs = append(errs, "mqtt.reconnect.interval cannot be negative")
	}
	if c.MQTT.Reconnect.MaxBackoff < 0 {
		errs = append(errs, "mqtt.reconnect.max_backoff cannot be negative")
	}
	switch c.MQTT.Reconnect.ErrorPolicy {
	case "exit", "retry":
	default:
		errs = append(errs, fmt.Sprintf("mqtt.reconnect.error_policy %q must be exit or retry", c.MQTT.Reconnect.ErrorPolicy))
	}
	if c.MQTT.TLS.KeyFile != "" && c.MQTT.TLS.CertFile == "" {
		errs = append(errs, "mqtt.tls.key_file requires mqtt.tls.cert_file")
	}

	switch c.Persistence.Backend {
	case BackendMemory:
	case BackendFile, BackendSQLite:
		if c.Persistence.Path == "" {
			errs = append(errs, fmt.Sprintf("persistence.path is required for the %s backend", c.Persistence.Backend))
		}
	default:
		errs = append(errs, fmt.Sprintf("persistence.backend %q must be memory, file or sqlite", c.Persistence.Backend))
	}

	if c.Gateway.StatusTopic == "" {
		errs = append(errs, "gateway.status_topic is required")
	}
	if c.Gateway.QoS < 0 || c.Gateway.QoS > 2 {
		errs = append(errs, "gateway.qos must be 0, 1, or 2")
	}
	for _, sub := range c.Gateway.Subscriptions {
		if sub.Topic == "" {
			errs = append(errs, "gateway.subscriptions: topic cannot be empty")
		}
		if sub.QoS < 0 || sub.QoS > 2 {
			errs = append(errs, fmt.Sprintf("gateway.subscriptions %q: qos must be 0, 1, or 2", sub.Topic))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) RetryInterval() time.Duration {
	return time.Duration(c.MQTT.Reconnect.Interval) * time.Second
}

func (c *Config) MaxBackoff() time.Duration {
	return time.Duration(c.MQTT.Reconnect.MaxBackoff) * time.Second
}

func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.MQTT.ConnectTimeout) * time.Second
}

func (c *Config) PublishTimeout() time.Duration {
	return time.Duration(c.MQTT.PublishTimeout) * time.Second
}

func (c *Config) ReportInterval() time.Duration {
	return time.Duration(c.Gateway.ReportInterval) * time.Second
}
