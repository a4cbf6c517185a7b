package gateway

import (
	"strings"
	"time"

	"github.com/eleven-am/hypernode/internal/domain"
)

const (
	frameRegister   = "register"
	frameHeartbeat  = "heartbeat"
	frameJobAck     = "job_ack"
	frameJobResult  = "job_result"
	frameRegistered = "registered"
	frameAck        = "ack"
	frameJob        = "job"
	frameStop       = "stop"
	frameError      = "error"
)

// inboundFrame is the union of every frame a node may send; Type selects
// which fields are meaningful.
type inboundFrame struct {
	Type         string               `json:"type"`
	CredentialID string               `json:"credential_id,omitempty"`
	Capabilities *domain.Capabilities `json:"capabilities,omitempty"`
	Status       *domain.StatusHint   `json:"status,omitempty"`
	JobID        string               `json:"job_id,omitempty"`
	Attempt      int                  `json:"attempt,omitempty"`
	Outcome      string               `json:"outcome,omitempty"`
	Metrics      map[string]float64   `json:"metrics,omitempty"`
	Error        string               `json:"error,omitempty"`
}

type outboundFrame struct {
	Type           string            `json:"type"`
	NodeID         string            `json:"node_id,omitempty"`
	NextDeadlineMs int64             `json:"next_deadline_ms,omitempty"`
	JobID          string            `json:"job_id,omitempty"`
	Attempt        int               `json:"attempt,omitempty"`
	JobType        string            `json:"job_type,omitempty"`
	PayloadRef     string            `json:"payload_ref,omitempty"`
	Constraints    *constraintsFrame `json:"constraints,omitempty"`
	ErrorKind      string            `json:"error_kind,omitempty"`
	Message        string            `json:"message,omitempty"`
	Ref            string            `json:"ref,omitempty"`
}

type constraintsFrame struct {
	Tags               []string `json:"tags,omitempty"`
	MinVRAMGB          int      `json:"min_vram_gb,omitempty"`
	GPUModel           string   `json:"gpu_model,omitempty"`
	MaxDurationSeconds int64    `json:"max_duration_seconds,omitempty"`
}

func jobFrame(job *domain.Job) outboundFrame {
	return outboundFrame{
		Type:       frameJob,
		JobID:      job.ID,
		Attempt:    job.Attempts,
		JobType:    job.Type,
		PayloadRef: job.PayloadRef,
		Constraints: &constraintsFrame{
			Tags:               job.Constraints.Tags,
			MinVRAMGB:          job.Constraints.MinVRAMGB,
			GPUModel:           job.Constraints.GPUModel,
			MaxDurationSeconds: int64(job.Constraints.MaxDuration / time.Second),
		},
	}
}

func errorFrame(err error, ref string) outboundFrame {
	return outboundFrame{
		Type:      frameError,
		ErrorKind: string(domain.KindOf(err)),
		Message:   domain.PublicMessage(err),
		Ref:       ref,
	}
}

func parseOutcome(s string) (domain.Outcome, bool) {
	outcome := domain.Outcome(strings.ToLower(strings.TrimSpace(s)))
	return outcome, outcome.Valid()
}

// resultMetrics splits the free-form metrics map into the duration the
// ledger bills on and everything else.
func resultMetrics(frame inboundFrame) domain.JobMetrics {
	metrics := domain.JobMetrics{Error: frame.Error}
	for k, v := range frame.Metrics {
		if k == "duration_seconds" {
			metrics.DurationSeconds = v
			continue
		}
		if metrics.Values == nil {
			metrics.Values = make(map[string]float64)
		}
		metrics.Values[k] = v
	}
	return metrics
}
