// Package monitor tracks the health of background jobs and the data
// directory for the health and stats endpoints.
package monitor

import (
	"sync"
	"time"

	"github.com/nicktill/tinystation/pkg/clock"
)

// maxConsecutiveErrors is the failure streak after which a job is
// reported unhealthy.
const maxConsecutiveErrors = 3

// CycleMonitor tracks successes and failures of one periodic job, such
// as the store flush or hourly downsampling.
type CycleMonitor struct {
	name       string
	staleAfter time.Duration
	clk        clock.Clock

	mu                sync.RWMutex
	lastSuccess       time.Time
	lastAttempt       time.Time
	consecutiveErrors int
	lastError         string
	runs              uint64
}

// NewCycleMonitor creates a monitor for a job expected to succeed at
// least once every staleAfter.
func NewCycleMonitor(name string, staleAfter time.Duration, clk clock.Clock) *CycleMonitor {
	if clk == nil {
		clk = clock.Real()
	}
	return &CycleMonitor{name: name, staleAfter: staleAfter, clk: clk}
}

// Name returns the job name.
func (cm *CycleMonitor) Name() string { return cm.name }

// RecordSuccess records a successful run.
func (cm *CycleMonitor) RecordSuccess() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	now := cm.clk.Now()
	cm.lastSuccess = now
	cm.lastAttempt = now
	cm.consecutiveErrors = 0
	cm.lastError = ""
	cm.runs++
}

// RecordFailure records a failed run.
func (cm *CycleMonitor) RecordFailure(err error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.lastAttempt = cm.clk.Now()
	cm.consecutiveErrors++
	cm.runs++
	if err != nil {
		cm.lastError = err.Error()
	}
}

// ConsecutiveErrors returns the current failure streak.
func (cm *CycleMonitor) ConsecutiveErrors() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.consecutiveErrors
}

// IsHealthy returns true if the job is working properly.
// Unhealthy conditions:
//   - Never succeeded
//   - Haven't succeeded within staleAfter
//   - More than 3 consecutive failures
func (cm *CycleMonitor) IsHealthy() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.healthyLocked()
}

func (cm *CycleMonitor) healthyLocked() bool {
	if cm.lastSuccess.IsZero() {
		return false
	}
	if cm.staleAfter > 0 && cm.clk.Now().Sub(cm.lastSuccess) > cm.staleAfter {
		return false
	}
	return cm.consecutiveErrors <= maxConsecutiveErrors
}

// CycleStatus is the health view of one job.
type CycleStatus struct {
	Name              string `json:"name"`
	Healthy           bool   `json:"healthy"`
	Runs              uint64 `json:"runs"`
	LastSuccess       string `json:"last_success,omitempty"`
	TimeSinceSuccess  string `json:"time_since_success,omitempty"`
	LastAttempt       string `json:"last_attempt,omitempty"`
	ConsecutiveErrors int    `json:"consecutive_errors,omitempty"`
	LastError         string `json:"last_error,omitempty"`
}

// Status returns current job status for health checks.
func (cm *CycleMonitor) Status() CycleStatus {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	status := CycleStatus{
		Name:    cm.name,
		Healthy: cm.healthyLocked(),
		Runs:    cm.runs,
	}

	if !cm.lastSuccess.IsZero() {
		status.LastSuccess = cm.lastSuccess.Format(time.RFC3339)
		status.TimeSinceSuccess = cm.clk.Now().Sub(cm.lastSuccess).String()
	}

	if !cm.lastAttempt.IsZero() {
		status.LastAttempt = cm.lastAttempt.Format(time.RFC3339)
	}

	if cm.consecutiveErrors > 0 {
		status.ConsecutiveErrors = cm.consecutiveErrors
		status.LastError = cm.lastError
	}

	return status
}
