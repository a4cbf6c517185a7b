package domain

import "time"

type EventType string

const (
	EventNodeEnrolled     EventType = "node.enrolled"
	EventNodeOnline       EventType = "node.online"
	EventNodeOffline      EventType = "node.offline"
	EventNodeRemoved      EventType = "node.removed"
	EventNodeFreed        EventType = "node.freed"
	EventNodeConnected    EventType = "node.connected"
	EventJobSubmitted     EventType = "job.submitted"
	EventJobAssigned      EventType = "job.assigned"
	EventJobStarted       EventType = "job.started"
	EventJobReleased      EventType = "job.released"
	EventJobCompleted     EventType = "job.completed"
	EventJobFailed        EventType = "job.failed"
	EventJobCancelled     EventType = "job.cancelled"
	EventJobStopRequested EventType = "job.stop_requested"
	EventEarningsCredited EventType = "earnings.credited"
	EventCredentialIssued EventType = "credential.issued"
)

// Event is a notification of a state change that has already been
// committed. Handlers must not block.
type Event struct {
	Type      EventType `json:"type"`
	NodeID    string    `json:"node_id,omitempty"`
	JobID     string    `json:"job_id,omitempty"`
	Owner     string    `json:"owner,omitempty"`
	Amount    float64   `json:"amount,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
