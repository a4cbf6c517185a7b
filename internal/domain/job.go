package domain

import (
	"fmt"
	"time"
)

type JobState string

const (
	JobPending   JobState = "pending"
	JobAssigned  JobState = "assigned"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

func (s JobState) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

func (s JobState) IsActive() bool {
	return s == JobAssigned || s == JobRunning
}

func ParseJobState(s string) (JobState, bool) {
	switch JobState(s) {
	case JobPending, JobAssigned, JobRunning, JobCompleted, JobFailed, JobCancelled:
		return JobState(s), true
	}
	return "", false
}

var jobTransitions = map[JobState][]JobState{
	JobPending:  {JobAssigned, JobCancelled},
	JobAssigned: {JobRunning, JobPending, JobCancelled},
	JobRunning:  {JobPending, JobCompleted, JobFailed},
}

func CanTransition(from, to JobState) bool {
	for _, next := range jobTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

const (
	JobTypeLLMInference   = "llm_inference"
	JobTypeLLMFineTuning  = "llm_fine_tuning"
	JobTypeRAGIndexing    = "rag_indexing"
	JobTypeVisionPipeline = "vision_pipeline"
	JobTypeRender         = "render"
	JobTypeGenericCompute = "generic_compute"
)

var DefaultJobTypes = []string{
	JobTypeLLMInference,
	JobTypeLLMFineTuning,
	JobTypeRAGIndexing,
	JobTypeVisionPipeline,
	JobTypeRender,
	JobTypeGenericCompute,
}

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
)

func (o Outcome) Valid() bool {
	return o == OutcomeCompleted || o == OutcomeFailed
}

const (
	ReasonTimeout       = "timeout"
	ReasonAckTimeout    = "ack_timeout"
	ReasonDisconnected  = "node_disconnected"
	ReasonDeregistered  = "node_deregistered"
	ReasonUndeliverable = "undeliverable"
	ReasonRestart       = "coordinator_restart"
)

type Constraints struct {
	Tags        []string      `json:"tags,omitempty"`
	MinVRAMGB   int           `json:"min_vram_gb,omitempty"`
	GPUModel    string        `json:"gpu_model,omitempty"`
	MaxDuration time.Duration `json:"max_duration,omitempty"`
}

func (c Constraints) Validate() error {
	if c.MinVRAMGB < 0 {
		return NewError(KindInvalidConstraints, "min_vram_gb cannot be negative")
	}
	if c.MaxDuration < 0 {
		return NewError(KindInvalidConstraints, "max_duration cannot be negative")
	}
	for _, tag := range c.Tags {
		if tag == "" {
			return NewError(KindInvalidConstraints, "required tags cannot be empty")
		}
	}
	return nil
}

// SatisfiedBy reports whether caps meets the job's capability and capacity
// requirements.
func (c Constraints) SatisfiedBy(caps Capabilities) bool {
	if !caps.HasTags(c.Tags) {
		return false
	}
	if caps.VRAMGB < c.MinVRAMGB {
		return false
	}
	if c.GPUModel != "" && !MatchesGPUModel(caps.GPUModel, c.GPUModel) {
		return false
	}
	return true
}

type JobMetrics struct {
	DurationSeconds float64            `json:"duration_seconds,omitempty"`
	Values          map[string]float64 `json:"values,omitempty"`
	Error           string             `json:"error,omitempty"`
}

type AuditEntry struct {
	At     time.Time `json:"at"`
	From   JobState  `json:"from"`
	To     JobState  `json:"to"`
	NodeID string    `json:"node_id,omitempty"`
	Reason string    `json:"reason,omitempty"`
}

type Job struct {
	ID            string       `json:"id"`
	Owner         string       `json:"owner"`
	Type          string       `json:"type"`
	PayloadRef    string       `json:"payload_ref"`
	Constraints   Constraints  `json:"constraints"`
	Budget        float64      `json:"budget"`
	State         JobState     `json:"state"`
	AssignedNode  string       `json:"assigned_node,omitempty"`
	LastNode      string       `json:"last_node,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	AssignedAt    *time.Time   `json:"assigned_at,omitempty"`
	StartedAt     *time.Time   `json:"started_at,omitempty"`
	CompletedAt   *time.Time   `json:"completed_at,omitempty"`
	Duration      float64      `json:"duration_seconds"`
	Cost          float64      `json:"cost"`
	FailureReason string       `json:"failure_reason,omitempty"`
	Metrics       *JobMetrics  `json:"metrics,omitempty"`
	StopRequested bool         `json:"stop_requested,omitempty"`
	Attempts      int          `json:"attempts"`
	Audit         []AuditEntry `json:"audit,omitempty"`
}

func NewJob(id, owner, jobType, payloadRef string, constraints Constraints, budget float64, now time.Time) *Job {
	constraints.Tags = NormalizeTags(constraints.Tags)
	return &Job{
		ID:          id,
		Owner:       owner,
		Type:        jobType,
		PayloadRef:  payloadRef,
		Constraints: constraints,
		Budget:      budget,
		State:       JobPending,
		CreatedAt:   now,
	}
}

// Transition moves the job to next and appends an audit entry. Terminal
// states never transition again.
func (j *Job) Transition(next JobState, now time.Time, reason string) error {
	if j.State.IsTerminal() || !CanTransition(j.State, next) {
		return Error{
			Kind:    KindInvalidState,
			Message: fmt.Sprintf("job %s cannot move from %s to %s", j.ID, j.State, next),
			Details: map[string]interface{}{"id": j.ID, "from": j.State, "to": next},
		}
	}
	j.Audit = append(j.Audit, AuditEntry{
		At:     now,
		From:   j.State,
		To:     next,
		NodeID: j.AssignedNode,
		Reason: reason,
	})
	j.State = next
	return nil
}

func (j *Job) Assign(nodeID string, now time.Time) error {
	if j.State != JobPending {
		return NewInvalidStateError("job", j.ID, j.State)
	}
	j.AssignedNode = nodeID
	if err := j.Transition(JobAssigned, now, ""); err != nil {
		j.AssignedNode = ""
		return err
	}
	j.LastNode = nodeID
	j.AssignedAt = &now
	j.Attempts++
	return nil
}

func (j *Job) Start(now time.Time) error {
	if err := j.Transition(JobRunning, now, ""); err != nil {
		return err
	}
	j.StartedAt = &now
	return nil
}

// Release returns an active job to Pending. Releasing a Pending job is a
// no-op; anything else is InvalidState.
func (j *Job) Release(now time.Time, reason string) (bool, error) {
	if j.State == JobPending {
		return false, nil
	}
	if err := j.Transition(JobPending, now, reason); err != nil {
		return false, err
	}
	j.AssignedNode = ""
	j.AssignedAt = nil
	j.StartedAt = nil
	j.StopRequested = false
	return true, nil
}

func (j *Job) Finish(outcome Outcome, now time.Time, duration, cost float64, reason string) error {
	next := JobCompleted
	if outcome == OutcomeFailed {
		next = JobFailed
	}
	if err := j.Transition(next, now, reason); err != nil {
		return err
	}
	j.CompletedAt = &now
	j.Duration = duration
	j.Cost = cost
	j.FailureReason = reason
	j.AssignedNode = ""
	return nil
}

func (j *Job) Cancel(now time.Time) error {
	if err := j.Transition(JobCancelled, now, "cancelled by owner"); err != nil {
		return err
	}
	j.CompletedAt = &now
	j.AssignedNode = ""
	return nil
}

func (j *Job) EffectiveMaxDuration(fallback time.Duration) time.Duration {
	if j.Constraints.MaxDuration > 0 {
		return j.Constraints.MaxDuration
	}
	return fallback
}

// Before orders jobs for dispatch: higher budget first, then oldest first.
func (j *Job) Before(other *Job) bool {
	if j.Budget != other.Budget {
		return j.Budget > other.Budget
	}
	if !j.CreatedAt.Equal(other.CreatedAt) {
		return j.CreatedAt.Before(other.CreatedAt)
	}
	return j.ID < other.ID
}

type JobFilter struct {
	Owner string
	State JobState
	Type  string
	Limit int
}

func (f JobFilter) Matches(j *Job) bool {
	if f.Owner != "" && j.Owner != f.Owner {
		return false
	}
	if f.State != "" && j.State != f.State {
		return false
	}
	if f.Type != "" && j.Type != f.Type {
		return false
	}
	return true
}

type JobStats struct {
	Total     int     `json:"total"`
	Pending   int     `json:"pending"`
	Assigned  int     `json:"assigned"`
	Running   int     `json:"running"`
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	Cancelled int     `json:"cancelled"`
	TotalCost float64 `json:"total_cost"`
}

func (s *JobStats) Add(j *Job) {
	s.Total++
	switch j.State {
	case JobPending:
		s.Pending++
	case JobAssigned:
		s.Assigned++
	case JobRunning:
		s.Running++
	case JobCompleted:
		s.Completed++
	case JobFailed:
		s.Failed++
	case JobCancelled:
		s.Cancelled++
	}
	s.TotalCost += j.Cost
}

type NetworkStats struct {
	TotalNodes    int     `json:"total_nodes"`
	OnlineNodes   int     `json:"online_nodes"`
	BusyNodes     int     `json:"busy_nodes"`
	TotalEarned   float64 `json:"total_earned"`
	CompletedJobs int64   `json:"completed_jobs"`
}
