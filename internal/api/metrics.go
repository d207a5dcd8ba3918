package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/omnibox-core/internal/infrastructure/handlepool"
)

const mib = 1 << 20

// DatabaseMetrics is the /stats body and the database part of /metrics.
// Pool stays zero once the database is closed.
type DatabaseMetrics struct {
	Path   string            `json:"path"`
	Memory bool              `json:"memory"`
	Pool   handlepool.Counts `json:"pool"`
}

// SystemMetrics is the /metrics body.
type SystemMetrics struct {
	Timestamp     time.Time       `json:"timestamp"`
	Version       string          `json:"version"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	Runtime       RuntimeMetrics  `json:"runtime"`
	Database      DatabaseMetrics `json:"database"`
	WebSocket     struct {
		Clients int `json:"clients"`
	} `json:"websocket"`
	MQTT struct {
		Enabled   bool `json:"enabled"`
		Connected bool `json:"connected"`
	} `json:"mqtt"`
}

type RuntimeMetrics struct {
	Goroutines int     `json:"goroutines"`
	HeapMiB    float64 `json:"heap_mib"`
	SysMiB     float64 `json:"sys_mib"`
	NumGC      uint32  `json:"num_gc"`
}

func readRuntime() RuntimeMetrics {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return RuntimeMetrics{
		Goroutines: runtime.NumGoroutine(),
		HeapMiB:    float64(ms.HeapAlloc) / mib,
		SysMiB:     float64(ms.Sys) / mib,
		NumGC:      ms.NumGC,
	}
}

// dbMetrics reports the database. The error is that of Stats.
func (s *Server) dbMetrics() (DatabaseMetrics, error) {
	m := DatabaseMetrics{Path: s.db.Path(), Memory: s.db.IsMemory()}
	counts, err := s.db.Stats()
	if err == nil {
		m.Pool = counts
	}
	return m, err
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	m := SystemMetrics{
		Timestamp:     time.Now().UTC(),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime) / time.Second),
		Runtime:       readRuntime(),
	}
	m.Database, _ = s.dbMetrics()
	if s.hub != nil {
		m.WebSocket.Clients = s.hub.ClientCount()
	}
	if s.mqtt != nil {
		m.MQTT.Enabled = true
		m.MQTT.Connected = s.mqtt.IsConnected()
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	m, err := s.dbMetrics()
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}
