package monitor

import (
	"sync"
	"time"
)

// StreamMonitor tracks datagram delivery health of the active stream.
type StreamMonitor struct {
	mu                sync.RWMutex
	threshold         int
	streamID          string
	active            bool
	startedAt         time.Time
	lastSuccess       time.Time
	lastFailure       time.Time
	consecutiveErrors int
	sent              uint64
	failed            uint64
	lastError         string
}

// NewStreamMonitor creates a monitor that reports unhealthy after
// threshold consecutive send failures.
func NewStreamMonitor(threshold int) *StreamMonitor {
	if threshold < 1 {
		threshold = 1
	}
	return &StreamMonitor{threshold: threshold}
}

// Begin resets counters for a new stream.
func (sm *StreamMonitor) Begin(streamID string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.streamID = streamID
	sm.active = true
	sm.startedAt = time.Now()
	sm.lastSuccess = time.Time{}
	sm.lastFailure = time.Time{}
	sm.consecutiveErrors = 0
	sm.sent = 0
	sm.failed = 0
	sm.lastError = ""
}

// End marks the stream as stopped. Counters are kept for inspection.
func (sm *StreamMonitor) End() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.active = false
}

// RecordSuccess records a delivered datagram. It returns the length of
// the failure run that just ended, or 0.
func (sm *StreamMonitor) RecordSuccess() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.lastSuccess = time.Now()
	sm.sent++
	ended := sm.consecutiveErrors
	sm.consecutiveErrors = 0
	sm.lastError = ""
	return ended
}

// RecordFailure records a failed send and returns the current number of
// consecutive failures.
func (sm *StreamMonitor) RecordFailure(err error) int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.lastFailure = time.Now()
	sm.failed++
	sm.consecutiveErrors++
	if err != nil {
		sm.lastError = err.Error()
	}
	return sm.consecutiveErrors
}

// Threshold returns the consecutive failure count considered unhealthy.
func (sm *StreamMonitor) Threshold() int {
	return sm.threshold
}

// IsHealthy returns false only while an active stream has failed at least
// threshold times in a row.
func (sm *StreamMonitor) IsHealthy() bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.healthyLocked()
}

func (sm *StreamMonitor) healthyLocked() bool {
	return !sm.active || sm.consecutiveErrors < sm.threshold
}

// StreamStatus is the health report served by the status endpoint.
type StreamStatus struct {
	Active            bool   `json:"active"`
	StreamID          string `json:"stream_id,omitempty"`
	Healthy           bool   `json:"healthy"`
	Started           string `json:"started,omitempty"`
	LastSuccess       string `json:"last_success,omitempty"`
	LastFailure       string `json:"last_failure,omitempty"`
	Sent              uint64 `json:"sent"`
	Failed            uint64 `json:"failed"`
	ConsecutiveErrors int    `json:"consecutive_errors,omitempty"`
	LastError         string `json:"last_error,omitempty"`
}

// Status returns the current stream status.
func (sm *StreamMonitor) Status() StreamStatus {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	status := StreamStatus{
		Active:   sm.active,
		StreamID: sm.streamID,
		Healthy:  sm.healthyLocked(),
		Sent:     sm.sent,
		Failed:   sm.failed,
	}

	if !sm.startedAt.IsZero() {
		status.Started = sm.startedAt.Format(time.RFC3339)
	}
	if !sm.lastSuccess.IsZero() {
		status.LastSuccess = sm.lastSuccess.Format(time.RFC3339Nano)
	}
	if !sm.lastFailure.IsZero() {
		status.LastFailure = sm.lastFailure.Format(time.RFC3339Nano)
	}
	if sm.consecutiveErrors > 0 {
		status.ConsecutiveErrors = sm.consecutiveErrors
		status.LastError = sm.lastError
	}

	return status
}
