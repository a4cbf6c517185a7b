package ports

import (
	"time"

	"github.com/eleven-am/hypernode/internal/domain"
)

type MetricsRecorder interface {
	ObserveEvent(event domain.Event)
	ObserveDispatch(assigned int, conflicts int, elapsed time.Duration)
	SetSessions(count int)
	SetNodeCounts(online, offline, busy int)
	SetPendingJobs(count int)
}

type NoopMetrics struct{}

func (NoopMetrics) ObserveEvent(domain.Event)               {}
func (NoopMetrics) ObserveDispatch(int, int, time.Duration) {}
func (NoopMetrics) SetSessions(int)                         {}
func (NoopMetrics) SetNodeCounts(int, int, int)             {}
func (NoopMetrics) SetPendingJobs(int)                      {}

type HealthStatus struct {
	Healthy bool                   `json:"healthy"`
	Error   string                 `json:"error,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

type HealthCheckProvider interface {
	GetHealth() HealthStatus
}
