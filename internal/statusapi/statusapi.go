// Package statusapi exposes a small read-only REST surface over one or more
// open CA821x devices: per-device traffic counters and overall host
// load, for whatever supervises the exchange process (a dashboard, a
// monitoring agent, an operator's curl). It never reaches into the MAC
// sublayer; it only reports what the exchange core already counts.
package statusapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	ca821x "github.com/cascoda/ca821x-exchange"
)

// Registry tracks the set of open devices a status server reports on,
// keyed by a caller-chosen ID (e.g. a USB serial or a config index).
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*ca821x.Device
}

// NewRegistry returns an empty device registry.
func NewRegistry() *Registry {
	return &Registry{devices: make(map[string]*ca821x.Device)}
}

// Register adds or replaces the device reported under id.
func (r *Registry) Register(id string, dev *ca821x.Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[id] = dev
}

// Unregister removes id from the registry; a no-op if id is not present.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.devices, id)
}

// get returns the device registered under id, if any.
func (r *Registry) get(id string) (*ca821x.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dev, ok := r.devices[id]
	return dev, ok
}

// ids returns every currently-registered device ID.
func (r *Registry) ids() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.devices))
	for id := range r.devices {
		out = append(out, id)
	}
	return out
}

// HealthResponse is the body of GET /api/v1/health.
type HealthResponse struct {
	Status       string `json:"status"`
	DeviceCount  int    `json:"device_count"`
	OpenDevices  int    `json:"open_devices"`
	UptimeString string `json:"uptime"`
}

// DeviceStatsResponse is the body of GET /api/v1/devices/:id/stats.
type DeviceStatsResponse struct {
	ID             string `json:"id"`
	State          string `json:"state"`
	FramesSent     uint64 `json:"frames_sent"`
	FramesReceived uint64 `json:"frames_received"`
	BytesSent      uint64 `json:"bytes_sent"`
	BytesReceived  uint64 `json:"bytes_received"`
	SyncRequests   uint64 `json:"sync_requests"`
	Errors         uint64 `json:"errors"`
}

// HostStatsResponse is the body of GET /api/v1/host/stats.
type HostStatsResponse struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemUsedBytes  uint64  `json:"mem_used_bytes"`
	MemTotalBytes uint64  `json:"mem_total_bytes"`
	MemPercent    float64 `json:"mem_percent"`
}

// Server is the status REST API over a Registry of open devices. The zero
// value is not usable; construct with NewServer.
type Server struct {
	reg       *Registry
	startTime time.Time
	router    *gin.Engine
}

// NewServer builds the gin router and registers its routes against reg.
// startTime is used only to report process uptime.
func NewServer(reg *Registry, startTime time.Time) *Server {
	s := &Server{reg: reg, startTime: startTime}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	api := router.Group("/api/v1")
	{
		api.GET("/health", s.handleHealth)
		api.GET("/devices", s.handleListDevices)
		api.GET("/devices/:id/stats", s.handleDeviceStats)
		api.GET("/host/stats", s.handleHostStats)
	}

	s.router = router
	return s
}

// Router returns the underlying gin.Engine, for tests and for wiring into
// an http.Server with custom timeouts.
func (s *Server) Router() *gin.Engine { return s.router }

func (s *Server) handleHealth(c *gin.Context) {
	ids := s.reg.ids()
	open := 0
	for _, id := range ids {
		if dev, ok := s.reg.get(id); ok && dev.State() == ca821x.StateOpen {
			open++
		}
	}

	status := "healthy"
	if len(ids) > 0 && open == 0 {
		status = "degraded"
	}

	c.JSON(http.StatusOK, HealthResponse{
		Status:       status,
		DeviceCount:  len(ids),
		OpenDevices:  open,
		UptimeString: time.Since(s.startTime).String(),
	})
}

func (s *Server) handleListDevices(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"devices": s.reg.ids()})
}

func (s *Server) handleDeviceStats(c *gin.Context) {
	id := c.Param("id")
	dev, ok := s.reg.get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown device id"})
		return
	}

	stats := dev.Stats()
	c.JSON(http.StatusOK, DeviceStatsResponse{
		ID:             id,
		State:          dev.State().String(),
		FramesSent:     stats.FramesSent,
		FramesReceived: stats.FramesReceived,
		BytesSent:      stats.BytesSent,
		BytesReceived:  stats.BytesReceived,
		SyncRequests:   stats.SyncRequests,
		Errors:         stats.Errors,
	})
}

func (s *Server) handleHostStats(c *gin.Context) {
	percents, err := cpu.Percent(0, false)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	cpuPct := float64(0)
	if len(percents) > 0 {
		cpuPct = percents[0]
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, HostStatsResponse{
		CPUPercent:    cpuPct,
		MemUsedBytes:  vm.Used,
		MemTotalBytes: vm.Total,
		MemPercent:    vm.UsedPercent,
	})
}
