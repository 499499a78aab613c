package comengine

import (
	"sync"
	"time"
)

// Stats is the per-channel counter set: requests, successes, failures,
// running average latency, and reconnect bookkeeping. Guarded by a
// channel-local mutex; never shared across channels.
type Stats struct {
	mu sync.Mutex

	TotalRequests      uint64
	SuccessfulRequests uint64
	FailedRequests     uint64
	TimeoutErrors      uint64
	AvgLatencyMS       float64
	LastSuccess        time.Time
	StartTime          time.Time
	ErrorCounters      map[string]uint64

	ReconnectAttempts uint64
	TotalConnections  uint64
	ConnectionDrops   uint64
	LastConnectedAt   time.Time
	LastDisconnectAt  time.Time
}

// NewStats builds a zeroed Stats with StartTime set to now.
func NewStats(now time.Time) *Stats {
	return &Stats{StartTime: now, ErrorCounters: make(map[string]uint64)}
}

// RecordRequest folds one request outcome into the running average
// latency with an incremental mean.
func (s *Stats) RecordRequest(success bool, latency time.Duration, errorType string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.TotalRequests++
	if success {
		s.SuccessfulRequests++
		s.LastSuccess = now
	} else {
		s.FailedRequests++
		if errorType == "timeout" {
			s.TimeoutErrors++
		}
		if errorType != "" {
			s.ErrorCounters[errorType]++
		}
	}

	newMS := float64(latency.Milliseconds())
	if s.TotalRequests == 1 {
		s.AvgLatencyMS = newMS
	} else {
		s.AvgLatencyMS = (s.AvgLatencyMS*float64(s.TotalRequests-1) + newMS) / float64(s.TotalRequests)
	}
}

// RecordConnection marks a successful connect.
func (s *Stats) RecordConnection(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.TotalConnections++
	s.LastConnectedAt = now
}

// RecordDisconnection marks a connection loss.
func (s *Stats) RecordDisconnection(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ConnectionDrops++
	s.LastDisconnectAt = now
}

// RecordReconnectAttempt increments the backoff-driven reconnect counter.
func (s *Stats) RecordReconnectAttempt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ReconnectAttempts++
}

// Snapshot is a point-in-time, lock-free copy of Stats for /status and
// /health reporting.
type Snapshot struct {
	TotalRequests      uint64
	SuccessfulRequests uint64
	FailedRequests     uint64
	TimeoutErrors      uint64
	AvgLatencyMS       float64
	ReconnectAttempts  uint64
}

func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		TotalRequests:      s.TotalRequests,
		SuccessfulRequests: s.SuccessfulRequests,
		FailedRequests:     s.FailedRequests,
		TimeoutErrors:      s.TimeoutErrors,
		AvgLatencyMS:       s.AvgLatencyMS,
		ReconnectAttempts:  s.ReconnectAttempts,
	}
}
