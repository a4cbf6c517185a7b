package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/eleven-am/hypernode/internal/domain"
)

// Sweep fails Running jobs past their max duration and releases Assigned
// jobs the node never acknowledged.
func (l *Ledger) Sweep(ctx context.Context) (timedOut, released int, err error) {
	jobs, err := l.repo.List(ctx)
	if err != nil {
		return 0, 0, err
	}

	now := l.now()
	for _, j := range jobs {
		switch {
		case l.overdue(j, now):
			ok, err := l.timeout(ctx, j.ID, now)
			if err != nil {
				l.logger.Warn("failed to time out job", "job_id", j.ID, "error", err)
				continue
			}
			if ok {
				timedOut++
			}
		case l.unacknowledged(j, now):
			ok, err := l.ReleaseIfAssignedTo(ctx, j.ID, j.AssignedNode, domain.ReasonAckTimeout)
			if err != nil {
				l.logger.Warn("failed to release unacknowledged job", "job_id", j.ID, "error", err)
				continue
			}
			if ok {
				released++
			}
		}
	}
	return timedOut, released, nil
}

func (l *Ledger) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, _, err := l.Sweep(ctx); err != nil {
				l.logger.Error("job timeout sweep failed", "error", err)
			}
		}
	}
}

// Recover releases every job left Assigned or Running by a previous process.
func (l *Ledger) Recover(ctx context.Context) (int, error) {
	jobs, err := l.repo.List(ctx)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, j := range jobs {
		if !j.State.IsActive() {
			continue
		}
		ok, err := l.ReleaseIfAssignedTo(ctx, j.ID, j.AssignedNode, domain.ReasonRestart)
		if err != nil {
			return count, err
		}
		if ok {
			count++
		}
	}
	return count, nil
}

func (l *Ledger) overdue(j *domain.Job, now time.Time) bool {
	if j.State != domain.JobRunning || j.StartedAt == nil {
		return false
	}
	return now.Sub(*j.StartedAt) > j.EffectiveMaxDuration(l.config.DefaultMaxDuration)
}

func (l *Ledger) unacknowledged(j *domain.Job, now time.Time) bool {
	if j.State != domain.JobAssigned || j.AssignedAt == nil || l.config.AckTimeout <= 0 {
		return false
	}
	return now.Sub(*j.AssignedAt) > l.config.AckTimeout
}

func (l *Ledger) timeout(ctx context.Context, jobID string, now time.Time) (bool, error) {
	node := ""
	job, err := l.repo.Update(ctx, jobID, func(j *domain.Job) error {
		if !l.overdue(j, now) {
			return errUnchanged
		}
		node = j.AssignedNode
		limit := j.EffectiveMaxDuration(l.config.DefaultMaxDuration).Seconds()
		return j.Finish(domain.OutcomeFailed, now, limit, 0, domain.ReasonTimeout)
	})
	if errors.Is(err, errUnchanged) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	l.logger.Warn("job timed out", "job_id", jobID, "node_id", node)
	l.settle(ctx, job, node)
	return true, nil
}
