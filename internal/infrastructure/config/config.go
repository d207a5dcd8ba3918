package config

import "time"

// Config is everything omnibox-db reads from config.yaml. Durations are
// whole seconds in the file; the accessor methods convert them.
type Config struct {
	Instance InstanceConfig `yaml:"instance"`
	Database DatabaseConfig `yaml:"database"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	API      APIConfig      `yaml:"api"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// InstanceConfig identifies this OmniBox installation. The ID namespaces
// MQTT topics and InfluxDB tags when several machines share a broker.
type InstanceConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig describes the SQLite file and how it is opened.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	SyncMode    string `yaml:"sync_mode"`
	BusyTimeout int    `yaml:"busy_timeout"` // seconds

	// PrepareRetries bounds how often a statement is re-prepared after a
	// concurrent schema change.
	PrepareRetries int `yaml:"prepare_retries"`

	// LoadIntoMemory works on an in-memory snapshot of Path. Changes are
	// lost unless written back with a backup.
	LoadIntoMemory bool `yaml:"load_into_memory"`

	Pool PoolConfig `yaml:"pool"`
}

// PoolConfig controls reuse of raw SQLite handles.
type PoolConfig struct {
	Enabled bool `yaml:"enabled"`
	MaxSize int  `yaml:"max_size"`
}

// MQTTConfig enables usage events on an MQTT broker.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig bounds the client's reconnect backoff. Zero
// MaxAttempts retries forever.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig configures the HTTP API served by "omnibox-db serve".
type APIConfig struct {
	Enabled   bool             `yaml:"enabled"`
	Host      string           `yaml:"host"`
	Port      int              `yaml:"port"`
	Timeouts  APITimeoutConfig `yaml:"timeouts"`
	CORS      CORSConfig       `yaml:"cors"`
	WebSocket WebSocketConfig  `yaml:"websocket"`
}

// WebSocketConfig tunes the live event stream.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig lists browser origins allowed to call the API.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// InfluxDBConfig enables usage and pool metrics in InfluxDB.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func (t APITimeoutConfig) ReadTimeout() time.Duration  { return seconds(t.Read) }
func (t APITimeoutConfig) WriteTimeout() time.Duration { return seconds(t.Write) }
func (t APITimeoutConfig) IdleTimeout() time.Duration  { return seconds(t.Idle) }

func (w WebSocketConfig) PingEvery() time.Duration { return seconds(w.PingInterval) }
func (w WebSocketConfig) PongWait() time.Duration  { return seconds(w.PongTimeout) }

func (r MQTTReconnectConfig) InitialBackoff() time.Duration { return seconds(r.InitialDelay) }
func (r MQTTReconnectConfig) MaxBackoff() time.Duration     { return seconds(r.MaxDelay) }

// Flush is the write API flush interval.
func (c InfluxDBConfig) Flush() time.Duration { return seconds(c.FlushInterval) }
