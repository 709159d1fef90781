package handlers

import (
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/kineticman/prismcast/internal/stream"
)

// StatusHandler exposes operational health: active streams, pipeline
// counters, and coarse system stats.
type StatusHandler struct {
	supervisor *stream.Supervisor
	version    string
	startedAt  time.Time
	logger     *slog.Logger
}

// NewStatusHandler creates the status handler.
func NewStatusHandler(deps Dependencies) *StatusHandler {
	return &StatusHandler{
		supervisor: deps.Supervisor,
		version:    deps.Version,
		startedAt:  deps.StartedAt,
		logger:     deps.Logger,
	}
}

// systemStats is a coarse host resource snapshot.
type systemStats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryUsedMB  uint64  `json:"memory_used_mb"`
	Goroutines    int     `json:"goroutines"`
}

// statusResponse is the /status payload.
type statusResponse struct {
	Version       string               `json:"version"`
	UptimeSeconds int64                `json:"uptime_seconds"`
	ActiveStreams int                  `json:"active_streams"`
	Streams       []stream.StreamStats `json:"streams"`
	System        systemStats          `json:"system"`
}

// Status serves the full health snapshot.
func (h *StatusHandler) Status(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
		ActiveStreams: h.supervisor.ActiveStreams(),
		Streams:       h.supervisor.Stats(),
		System:        collectSystemStats(),
	}
	writeJSON(w, resp)
}

// Health is a minimal liveness probe.
func (h *StatusHandler) Health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", ContentTypeJSON)
	_, _ = w.Write([]byte(`{"status":"ok"}` + "\n"))
}

// collectSystemStats gathers host stats; failures degrade to zeros rather
// than failing the status endpoint.
func collectSystemStats() systemStats {
	stats := systemStats{Goroutines: runtime.NumGoroutine()}

	if vm, err := mem.VirtualMemory(); err == nil {
		stats.MemoryPercent = vm.UsedPercent
		stats.MemoryUsedMB = vm.Used / (1024 * 1024)
	}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		stats.CPUPercent = percents[0]
	}

	return stats
}
