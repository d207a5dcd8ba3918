package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate reports every problem found, joined into one error.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Instance.ID != "", "instance.id is required")
	check(!strings.ContainsAny(c.Instance.ID, "/#+ "), "instance.id %q must not contain '/', '#', '+' or spaces", c.Instance.ID)

	check(c.Database.Path != "", "database.path is required")
	switch strings.ToUpper(c.Database.SyncMode) {
	case "", "OFF", "NORMAL", "FULL":
	default:
		errs = append(errs, fmt.Errorf("database.sync_mode %q must be OFF, NORMAL or FULL", c.Database.SyncMode))
	}
	check(c.Database.BusyTimeout >= 0, "database.busy_timeout must not be negative")
	check(c.Database.Pool.MaxSize >= 0, "database.pool.max_size must not be negative")

	check(c.MQTT.QoS >= 0 && c.MQTT.QoS <= 2, "mqtt.qos must be 0, 1 or 2")
	if c.MQTT.Enabled {
		check(c.MQTT.Broker.Host != "", "mqtt.broker.host is required when mqtt is enabled")
	}

	if c.API.Enabled {
		check(c.API.Port >= 1 && c.API.Port <= 65535, "api.port %d is out of range", c.API.Port)
		check(c.API.WebSocket.PingInterval > 0 && c.API.WebSocket.PongTimeout > 0,
			"api.websocket ping_interval and pong_timeout must be positive")
	}

	if c.InfluxDB.Enabled {
		check(c.InfluxDB.URL != "", "influxdb.url is required when influxdb is enabled")
		check(c.InfluxDB.Bucket != "", "influxdb.bucket is required when influxdb is enabled")
	}

	return errors.Join(errs...)
}
