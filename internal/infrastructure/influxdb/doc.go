// Package influxdb provides InfluxDB connectivity for OmniBox Core.
//
// It wraps the official influxdb-client-go v2 library for connection
// management, metric writing, and health monitoring.
//
// # Purpose
//
// Two series are written, both tagged with the instance ID:
//   - command_usage: the new counter after every recorded launch
//   - handle_pool: periodic handle pool counters per database
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB, cfg.Instance.ID)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	store.SetMetrics(client)
//	client.WritePoolStats("omnibox.db", counts)
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// The underlying write API uses non-blocking batched writes.
//
// # Error Handling
//
// Write operations are non-blocking and batch errors are delivered via the
// SetOnError callback. Connection and health check errors are returned
// directly.
package influxdb
