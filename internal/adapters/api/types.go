package api

import (
	"time"

	"github.com/eleven-am/hypernode/internal/domain"
)

type issueCredentialRequest struct {
	Owner string `json:"owner"`
}

type issueCredentialResponse struct {
	CredentialID string    `json:"credential_id"`
	Owner        string    `json:"owner"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

type constraintsDTO struct {
	Tags               []string `json:"tags,omitempty"`
	MinVRAMGB          int      `json:"min_vram_gb,omitempty"`
	GPUModel           string   `json:"gpu_model,omitempty"`
	MaxDurationSeconds int64    `json:"max_duration_seconds,omitempty"`
}

func (c constraintsDTO) toDomain() domain.Constraints {
	return domain.Constraints{
		Tags:        c.Tags,
		MinVRAMGB:   c.MinVRAMGB,
		GPUModel:    c.GPUModel,
		MaxDuration: time.Duration(c.MaxDurationSeconds) * time.Second,
	}
}

func constraintsFromDomain(c domain.Constraints) constraintsDTO {
	return constraintsDTO{
		Tags:               c.Tags,
		MinVRAMGB:          c.MinVRAMGB,
		GPUModel:           c.GPUModel,
		MaxDurationSeconds: int64(c.MaxDuration / time.Second),
	}
}

type submitJobRequest struct {
	Owner       string         `json:"owner"`
	Type        string         `json:"type"`
	PayloadRef  string         `json:"payload_ref"`
	Constraints constraintsDTO `json:"constraints"`
	Budget      float64        `json:"budget"`
}

type requesterRequest struct {
	Requester string `json:"requester"`
}

type jobView struct {
	ID            string              `json:"id"`
	Owner         string              `json:"owner"`
	Type          string              `json:"type"`
	PayloadRef    string              `json:"payload_ref"`
	Constraints   constraintsDTO      `json:"constraints"`
	Budget        float64             `json:"budget"`
	State         domain.JobState     `json:"status"`
	AssignedNode  string              `json:"assigned_node,omitempty"`
	LastNode      string              `json:"last_node,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	AssignedAt    *time.Time          `json:"assigned_at,omitempty"`
	StartedAt     *time.Time          `json:"started_at,omitempty"`
	CompletedAt   *time.Time          `json:"completed_at,omitempty"`
	Duration      float64             `json:"duration_seconds"`
	Cost          float64             `json:"cost"`
	FailureReason string              `json:"failure_reason,omitempty"`
	StopRequested bool                `json:"stop_requested,omitempty"`
	Attempts      int                 `json:"attempts"`
	Metrics       *domain.JobMetrics  `json:"metrics,omitempty"`
	Audit         []domain.AuditEntry `json:"audit,omitempty"`
}

func newJobView(j *domain.Job) jobView {
	return jobView{
		ID:            j.ID,
		Owner:         j.Owner,
		Type:          j.Type,
		PayloadRef:    j.PayloadRef,
		Constraints:   constraintsFromDomain(j.Constraints),
		Budget:        j.Budget,
		State:         j.State,
		AssignedNode:  j.AssignedNode,
		LastNode:      j.LastNode,
		CreatedAt:     j.CreatedAt,
		AssignedAt:    j.AssignedAt,
		StartedAt:     j.StartedAt,
		CompletedAt:   j.CompletedAt,
		Duration:      j.Duration,
		Cost:          j.Cost,
		FailureReason: j.FailureReason,
		StopRequested: j.StopRequested,
		Attempts:      j.Attempts,
		Metrics:       j.Metrics,
		Audit:         j.Audit,
	}
}

type nodeView struct {
	ID            string              `json:"id"`
	Owner         string              `json:"owner"`
	Capabilities  domain.Capabilities `json:"capabilities"`
	State         domain.NodeState    `json:"status"`
	LastHeartbeat time.Time           `json:"last_heartbeat"`
	OnlineSince   time.Time           `json:"online_since"`
	EnrolledAt    time.Time           `json:"enrolled_at"`
	ActiveJobID   string              `json:"active_job_id,omitempty"`
	Load          float64             `json:"load"`
	Metrics       map[string]float64  `json:"metrics,omitempty"`
	Reputation    int                 `json:"reputation"`
	EarnedCredits float64             `json:"earned_credits"`
	CompletedJobs int64               `json:"completed_jobs"`
	FailedJobs    int64               `json:"failed_jobs"`
}

func newNodeView(n *domain.Node) nodeView {
	return nodeView{
		ID:            n.ID,
		Owner:         n.Owner,
		Capabilities:  n.Capabilities,
		State:         n.State,
		LastHeartbeat: n.LastHeartbeat,
		OnlineSince:   n.OnlineSince,
		EnrolledAt:    n.EnrolledAt,
		ActiveJobID:   n.ActiveJobID,
		Load:          n.Load,
		Metrics:       n.Metrics,
		Reputation:    n.Reputation,
		EarnedCredits: n.EarnedCredits,
		CompletedJobs: n.CompletedJobs,
		FailedJobs:    n.FailedJobs,
	}
}

type errorResponse struct {
	ErrorKind string `json:"error_kind"`
	Message   string `json:"message"`
}
