package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Load starts from Default, overlays the YAML file at path (skipped when
// path is empty), then OMNIBOX_* environment variables, and validates
// the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- operator supplied path
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given: a
// pooled WAL database under ./data with every service disabled.
func Default() *Config {
	return &Config{
		Instance: InstanceConfig{ID: "omnibox", Name: "OmniBox"},
		Database: DatabaseConfig{
			Path:           "./data/omnibox.db",
			WALMode:        true,
			SyncMode:       "NORMAL",
			BusyTimeout:    300,
			PrepareRetries: 3,
			Pool:           PoolConfig{Enabled: true, MaxSize: 100},
		},
		MQTT: MQTTConfig{
			Broker:    MQTTBrokerConfig{Host: "localhost", Port: 1883, ClientID: "omnibox-core"},
			QoS:       1,
			Reconnect: MQTTReconnectConfig{InitialDelay: 1, MaxDelay: 60},
		},
		API: APIConfig{
			Host:      "127.0.0.1",
			Port:      8484,
			Timeouts:  APITimeoutConfig{Read: 30, Write: 30, Idle: 60},
			WebSocket: WebSocketConfig{MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10},
		},
		InfluxDB: InfluxDBConfig{BatchSize: 100, FlushInterval: 10},
		Logging:  LoggingConfig{Level: "info", Format: "json", Output: "stderr"},
	}
}

// envOverride maps one environment variable onto a config field.
type envOverride struct {
	name  string
	apply func(cfg *Config, value string) error
}

func str(field func(*Config) *string) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		*field(cfg) = v
		return nil
	}
}

func boolean(field func(*Config) *bool) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*field(cfg) = b
		return nil
	}
}

func integer(field func(*Config) *int) func(*Config, string) error {
	return func(cfg *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(cfg) = n
		return nil
	}
}

// envOverrides are applied in order. Secrets belong here rather than in
// the file.
var envOverrides = []envOverride{
	{"OMNIBOX_INSTANCE_ID", str(func(c *Config) *string { return &c.Instance.ID })},
	{"OMNIBOX_DATABASE_PATH", str(func(c *Config) *string { return &c.Database.Path })},
	{"OMNIBOX_DATABASE_LOAD_INTO_MEMORY", boolean(func(c *Config) *bool { return &c.Database.LoadIntoMemory })},
	{"OMNIBOX_MQTT_ENABLED", boolean(func(c *Config) *bool { return &c.MQTT.Enabled })},
	{"OMNIBOX_MQTT_HOST", str(func(c *Config) *string { return &c.MQTT.Broker.Host })},
	{"OMNIBOX_MQTT_PORT", integer(func(c *Config) *int { return &c.MQTT.Broker.Port })},
	{"OMNIBOX_MQTT_USERNAME", str(func(c *Config) *string { return &c.MQTT.Auth.Username })},
	{"OMNIBOX_MQTT_PASSWORD", str(func(c *Config) *string { return &c.MQTT.Auth.Password })},
	{"OMNIBOX_API_HOST", str(func(c *Config) *string { return &c.API.Host })},
	{"OMNIBOX_API_PORT", integer(func(c *Config) *int { return &c.API.Port })},
	{"OMNIBOX_INFLUXDB_URL", str(func(c *Config) *string { return &c.InfluxDB.URL })},
	{"OMNIBOX_INFLUXDB_TOKEN", str(func(c *Config) *string { return &c.InfluxDB.Token })},
	{"OMNIBOX_LOG_LEVEL", str(func(c *Config) *string { return &c.Logging.Level })},
	{"OMNIBOX_LOG_FORMAT", str(func(c *Config) *string { return &c.Logging.Format })},
}

// applyEnvOverrides sets every non-empty OMNIBOX_* variable. A value that
// does not parse is an error rather than silently ignored.
func applyEnvOverrides(cfg *Config) error {
	for _, o := range envOverrides {
		v := os.Getenv(o.name)
		if v == "" {
			continue
		}
		if err := o.apply(cfg, v); err != nil {
			return fmt.Errorf("environment variable %s=%q: %w", o.name, v, err)
		}
	}
	return nil
}
