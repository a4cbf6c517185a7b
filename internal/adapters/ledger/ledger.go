package ledger

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/eleven-am/hypernode/internal/domain"
	"github.com/eleven-am/hypernode/internal/ports"
	"github.com/google/uuid"
)

var errUnchanged = errors.New("unchanged")

type Ledger struct {
	repo       ports.JobRepository
	accounting ports.NodeAccounting
	events     ports.EventBus
	config     domain.LedgerConfig
	jobTypes   map[string]struct{}
	logger     *slog.Logger
	now        func() time.Time
}

var _ ports.JobLedger = (*Ledger)(nil)

type Option func(*Ledger)

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func WithEventBus(bus ports.EventBus) Option {
	return func(l *Ledger) { l.events = bus }
}

func New(repo ports.JobRepository, accounting ports.NodeAccounting, config domain.LedgerConfig, logger *slog.Logger, opts ...Option) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}

	types := config.JobTypes
	if len(types) == 0 {
		types = domain.DefaultJobTypes
	}
	allowed := make(map[string]struct{}, len(types))
	for _, t := range types {
		allowed[t] = struct{}{}
	}

	l := &Ledger{
		repo:       repo,
		accounting: accounting,
		config:     config,
		jobTypes:   allowed,
		logger:     logger.With("component", "ledger"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) Submit(ctx context.Context, owner, jobType, payloadRef string, constraints domain.Constraints, budget float64) (*domain.Job, error) {
	if err := domain.ValidateOwner(owner); err != nil {
		return nil, err
	}
	if _, ok := l.jobTypes[jobType]; !ok {
		return nil, domain.NewErrorf(domain.KindInvalidConstraints, "unsupported job type %q", jobType)
	}
	if budget < 0 || math.IsNaN(budget) || math.IsInf(budget, 0) {
		return nil, domain.NewError(domain.KindInvalidConstraints, "budget must be a non-negative number")
	}
	if err := constraints.Validate(); err != nil {
		return nil, err
	}
	if constraints.MaxDuration == 0 {
		constraints.MaxDuration = l.config.DefaultMaxDuration
	}

	now := l.now()
	job := domain.NewJob(uuid.New().String(), owner, jobType, payloadRef, constraints, budget, now)
	if err := l.repo.Create(ctx, job.ID, job); err != nil {
		return nil, err
	}

	l.logger.Info("job submitted", "job_id", job.ID, "owner", owner, "type", jobType, "budget", budget)
	l.publish(domain.Event{Type: domain.EventJobSubmitted, JobID: job.ID, Owner: owner, Timestamp: now})
	return job, nil
}

// Cancel moves a Pending or Assigned job to Cancelled. Running jobs are
// stopped cooperatively through RequestStop instead.
func (l *Ledger) Cancel(ctx context.Context, jobID, requester string) (*domain.Job, error) {
	if err := l.authorize(ctx, jobID, requester); err != nil {
		return nil, err
	}

	now := l.now()
	node := ""
	job, err := l.repo.Update(ctx, jobID, func(j *domain.Job) error {
		if j.State == domain.JobRunning {
			return domain.Error{
				Kind:    domain.KindInvalidState,
				Message: "job is running; request a stop instead",
				Details: map[string]interface{}{"id": j.ID, "state": j.State},
			}
		}
		node = j.AssignedNode
		return j.Cancel(now)
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("job cancelled", "job_id", jobID, "owner", requester, "node_id", node)
	l.freeNode(ctx, node, jobID)
	l.publish(domain.Event{Type: domain.EventJobCancelled, JobID: jobID, NodeID: node, Owner: requester, Timestamp: now})
	return job, nil
}

// RequestStop flags a Running job for a cooperative stop. The job reaches a
// terminal state only when the node reports a result or it times out.
func (l *Ledger) RequestStop(ctx context.Context, jobID, requester string) (*domain.Job, error) {
	if err := l.authorize(ctx, jobID, requester); err != nil {
		return nil, err
	}

	job, err := l.repo.Update(ctx, jobID, func(j *domain.Job) error {
		if j.State != domain.JobRunning {
			return domain.NewInvalidStateError("job", j.ID, j.State)
		}
		j.StopRequested = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("job stop requested", "job_id", jobID, "node_id", job.AssignedNode)
	l.publish(domain.Event{Type: domain.EventJobStopRequested, JobID: jobID, NodeID: job.AssignedNode, Owner: requester, Timestamp: l.now()})
	return job, nil
}

// Assign is the job half of the assignment compare-and-set: it succeeds only
// for a Pending job.
func (l *Ledger) Assign(ctx context.Context, jobID, nodeID string) (*domain.Job, error) {
	now := l.now()
	job, err := l.repo.Update(ctx, jobID, func(j *domain.Job) error {
		return j.Assign(nodeID, now)
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("job assigned", "job_id", jobID, "node_id", nodeID, "attempt", job.Attempts)
	l.publish(domain.Event{Type: domain.EventJobAssigned, JobID: jobID, NodeID: nodeID, Owner: job.Owner, Timestamp: now})
	return job, nil
}

// Start records the node's acknowledgment of a pushed job. A repeated
// acknowledgment from the same node is a no-op. A non-zero attempt must
// match the job's current assignment; zero skips that check.
func (l *Ledger) Start(ctx context.Context, jobID, nodeID string, attempt int) (*domain.Job, error) {
	now := l.now()
	job, err := l.repo.Update(ctx, jobID, func(j *domain.Job) error {
		if j.State.IsTerminal() {
			return domain.NewInvalidStateError("job", j.ID, j.State)
		}
		if err := checkAssignment(j, nodeID, attempt); err != nil {
			return err
		}
		if j.State == domain.JobRunning {
			return errUnchanged
		}
		return j.Start(now)
	})
	if errors.Is(err, errUnchanged) {
		return l.repo.Get(ctx, jobID)
	}
	if err != nil {
		return nil, err
	}

	l.logger.Info("job started", "job_id", jobID, "node_id", nodeID)
	l.publish(domain.Event{Type: domain.EventJobStarted, JobID: jobID, NodeID: nodeID, Owner: job.Owner, Timestamp: now})
	return job, nil
}

// RecordResult finishes a job on behalf of the node it is assigned to. A
// result for an Assigned job implies the acknowledgment was lost.
func (l *Ledger) RecordResult(ctx context.Context, jobID, nodeID string, attempt int, outcome domain.Outcome, metrics domain.JobMetrics) (*domain.Job, error) {
	if !outcome.Valid() {
		return nil, domain.NewErrorf(domain.KindInvalidInput, "unknown outcome %q", outcome)
	}

	now := l.now()
	job, err := l.repo.Update(ctx, jobID, func(j *domain.Job) error {
		if j.State.IsTerminal() {
			return domain.NewInvalidStateError("job", j.ID, j.State)
		}
		if err := checkAssignment(j, nodeID, attempt); err != nil {
			return err
		}
		if j.State == domain.JobAssigned {
			if err := j.Start(now); err != nil {
				return err
			}
		}

		duration := l.duration(j, metrics, now)
		cost := 0.0
		reason := ""
		if outcome == domain.OutcomeCompleted {
			cost = l.cost(j, duration)
		} else {
			reason = metrics.Error
			if reason == "" {
				reason = "reported failed"
			}
		}

		recorded := metrics
		j.Metrics = &recorded
		return j.Finish(outcome, now, duration, cost, reason)
	})
	if err != nil {
		return nil, err
	}

	l.settle(ctx, job, nodeID)
	return job, nil
}

func (l *Ledger) ReleaseAssignment(ctx context.Context, jobID, reason string) (*domain.Job, error) {
	node := ""
	changed := false
	job, err := l.repo.Update(ctx, jobID, func(j *domain.Job) error {
		if j.State == domain.JobPending {
			return errUnchanged
		}
		node = j.AssignedNode
		var err error
		changed, err = j.Release(l.now(), reason)
		return err
	})
	if errors.Is(err, errUnchanged) {
		return l.repo.Get(ctx, jobID)
	}
	if err != nil {
		return nil, err
	}

	if changed {
		l.released(ctx, job, node, reason)
	}
	return job, nil
}

// ReleaseIfAssignedTo releases jobID only while it is still bound to nodeID,
// so a late release never undoes a newer assignment.
func (l *Ledger) ReleaseIfAssignedTo(ctx context.Context, jobID, nodeID, reason string) (bool, error) {
	job, err := l.repo.Update(ctx, jobID, func(j *domain.Job) error {
		if !j.State.IsActive() || j.AssignedNode != nodeID {
			return errUnchanged
		}
		_, err := j.Release(l.now(), reason)
		return err
	})
	if errors.Is(err, errUnchanged) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	l.released(ctx, job, nodeID, reason)
	return true, nil
}

func (l *Ledger) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	return l.repo.Get(ctx, jobID)
}

// List returns matching jobs, newest first.
func (l *Ledger) List(ctx context.Context, filter domain.JobFilter) ([]*domain.Job, error) {
	jobs, err := l.repo.List(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]*domain.Job, 0, len(jobs))
	for _, j := range jobs {
		if filter.Matches(j) {
			out = append(out, j)
		}
	}

	sort.Slice(out, func(i, k int) bool {
		if !out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].CreatedAt.After(out[k].CreatedAt)
		}
		return out[i].ID < out[k].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Pending returns Pending jobs in dispatch order.
func (l *Ledger) Pending(ctx context.Context) ([]*domain.Job, error) {
	jobs, err := l.repo.List(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]*domain.Job, 0)
	for _, j := range jobs {
		if j.State == domain.JobPending {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Before(out[k]) })
	return out, nil
}

func (l *Ledger) ActiveOnNode(ctx context.Context, nodeID string) ([]*domain.Job, error) {
	jobs, err := l.repo.List(ctx)
	if err != nil {
		return nil, err
	}

	var out []*domain.Job
	for _, j := range jobs {
		if j.State.IsActive() && j.AssignedNode == nodeID {
			out = append(out, j)
		}
	}
	return out, nil
}

func (l *Ledger) Stats(ctx context.Context, owner string) (domain.JobStats, error) {
	jobs, err := l.repo.List(ctx)
	if err != nil {
		return domain.JobStats{}, err
	}

	var stats domain.JobStats
	for _, j := range jobs {
		if owner != "" && j.Owner != owner {
			continue
		}
		stats.Add(j)
	}
	return stats, nil
}

func (l *Ledger) authorize(ctx context.Context, jobID, requester string) error {
	job, err := l.repo.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Owner != requester {
		l.logger.Warn("job access refused", "job_id", jobID, "requester", requester)
		return domain.NewError(domain.KindUnauthorized, "only the job owner may change it")
	}
	return nil
}

// duration prefers the node's own measurement and falls back to the observed
// wall-clock time; either way it is capped at the job's max duration.
func (l *Ledger) duration(j *domain.Job, metrics domain.JobMetrics, now time.Time) float64 {
	seconds := metrics.DurationSeconds
	if seconds <= 0 || math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		seconds = 0
		if j.StartedAt != nil {
			seconds = now.Sub(*j.StartedAt).Seconds()
		}
	}

	limit := j.EffectiveMaxDuration(l.config.DefaultMaxDuration).Seconds()
	if limit > 0 && seconds > limit {
		seconds = limit
	}
	if seconds < 0 {
		seconds = 0
	}
	return seconds
}

func (l *Ledger) cost(j *domain.Job, duration float64) float64 {
	cost := duration * l.config.RatePerSecond
	if j.Budget > 0 && cost > j.Budget {
		cost = j.Budget
	}
	return cost
}

func (l *Ledger) settle(ctx context.Context, job *domain.Job, nodeID string) {
	event := domain.Event{JobID: job.ID, NodeID: nodeID, Owner: job.Owner, Amount: job.Cost, Timestamp: *job.CompletedAt}

	switch job.State {
	case domain.JobCompleted:
		l.logger.Info("job completed", "job_id", job.ID, "node_id", nodeID, "duration_seconds", job.Duration, "cost", job.Cost)
		if err := l.accounting.Credit(ctx, nodeID, job.ID, job.Cost); err != nil {
			l.logger.Error("failed to credit node", "job_id", job.ID, "node_id", nodeID, "amount", job.Cost, "error", err)
		}
		event.Type = domain.EventJobCompleted
	default:
		l.logger.Info("job failed", "job_id", job.ID, "node_id", nodeID, "reason", job.FailureReason)
		if err := l.accounting.Penalize(ctx, nodeID, job.ID); err != nil {
			l.logger.Error("failed to penalize node", "job_id", job.ID, "node_id", nodeID, "error", err)
		}
		event.Type = domain.EventJobFailed
		event.Reason = job.FailureReason
	}
	l.publish(event)
}

func (l *Ledger) released(ctx context.Context, job *domain.Job, nodeID, reason string) {
	l.logger.Info("job released", "job_id", job.ID, "node_id", nodeID, "reason", reason)
	l.freeNode(ctx, nodeID, job.ID)
	l.publish(domain.Event{Type: domain.EventJobReleased, JobID: job.ID, NodeID: nodeID, Owner: job.Owner, Reason: reason, Timestamp: l.now()})
}

func (l *Ledger) freeNode(ctx context.Context, nodeID, jobID string) {
	if nodeID == "" {
		return
	}
	if err := l.accounting.ClearBusy(ctx, nodeID, jobID); err != nil {
		l.logger.Error("failed to clear node busy marker", "node_id", nodeID, "job_id", jobID, "error", err)
	}
}

func (l *Ledger) publish(event domain.Event) {
	if l.events != nil {
		l.events.Publish(event)
	}
}

// checkAssignment fences reports from a node against the assignment they
// were issued for, so a late frame from an earlier attempt cannot finish a
// job that has since been handed to the same node again.
func checkAssignment(j *domain.Job, nodeID string, attempt int) error {
	if j.AssignedNode != nodeID {
		return nodeMismatch(j, nodeID)
	}
	if attempt != 0 && attempt != j.Attempts {
		return domain.Error{
			Kind:    domain.KindNodeMismatch,
			Message: "report is for a previous attempt",
			Details: map[string]interface{}{"id": j.ID, "attempt": attempt, "current_attempt": j.Attempts},
		}
	}
	return nil
}

func nodeMismatch(j *domain.Job, nodeID string) error {
	return domain.Error{
		Kind:    domain.KindNodeMismatch,
		Message: "job is not assigned to this node",
		Details: map[string]interface{}{"id": j.ID, "node_id": nodeID},
	}
}
