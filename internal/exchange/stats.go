package exchange

import "sync"

// DeviceStats holds per-device traffic counters with internal
// synchronization, so callers on other goroutines can read a consistent
// snapshot while the I/O worker keeps updating it.
type DeviceStats struct {
	mu             sync.RWMutex
	framesSent     uint64
	framesReceived uint64
	bytesSent      uint64
	bytesReceived  uint64
	syncRequests   uint64
	errors         uint64
}

// DeviceStatsSnapshot is a copy of DeviceStats without its mutex, safe to
// pass around and print.
type DeviceStatsSnapshot struct {
	FramesSent     uint64
	FramesReceived uint64
	BytesSent      uint64
	BytesReceived  uint64
	SyncRequests   uint64
	Errors         uint64
}

func (s *DeviceStats) recordUpstream(n int) {
	s.mu.Lock()
	s.framesSent++
	s.bytesSent += uint64(n)
	s.mu.Unlock()
}

func (s *DeviceStats) recordDownstream(n int) {
	s.mu.Lock()
	s.framesReceived++
	s.bytesReceived += uint64(n)
	s.mu.Unlock()
}

func (s *DeviceStats) recordSyncReply() {
	s.mu.Lock()
	s.syncRequests++
	s.mu.Unlock()
}

func (s *DeviceStats) recordError() {
	s.mu.Lock()
	s.errors++
	s.mu.Unlock()
}

// Snapshot returns a consistent copy of the current counters.
func (s *DeviceStats) Snapshot() DeviceStatsSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return DeviceStatsSnapshot{
		FramesSent:     s.framesSent,
		FramesReceived: s.framesReceived,
		BytesSent:      s.bytesSent,
		BytesReceived:  s.bytesReceived,
		SyncRequests:   s.syncRequests,
		Errors:         s.errors,
	}
}
