// Package api implements the HTTP REST API and WebSocket server for OmniBox Core.
//
// This package provides:
//   - REST endpoints to record, read, look up and forget usage counters
//   - Handle pool statistics and runtime metrics
//   - A WebSocket hub streaming usage events and pool snapshots
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//
// # Routes
//
//	GET    /api/v1/health             liveness plus a database check
//	GET    /api/v1/metrics            runtime, MQTT, WebSocket and pool metrics
//	GET    /api/v1/stats              handle pool counters of the database
//	GET    /api/v1/usage?top=N        most used commands
//	POST   /api/v1/usage              record one launch: {"command": "..."}
//	DELETE /api/v1/usage              reset every counter
//	POST   /api/v1/usage/lookup       counters of several commands
//	GET    /api/v1/usage/{command}    counter of one command (path escaped)
//	DELETE /api/v1/usage/{command}    forget one command
//	GET    /api/v1/ws?channels=...    live events
//
// # Security
//
// The API has no authentication and binds to 127.0.0.1 by default. Expose
// it beyond the local machine only behind a reverse proxy.
package api
