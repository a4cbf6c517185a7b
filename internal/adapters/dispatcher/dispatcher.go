package dispatcher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/hypernode/internal/domain"
	"github.com/eleven-am/hypernode/internal/ports"
)

// Dispatcher pairs Pending jobs with free Online nodes. It runs a pass each
// time something that could make a pairing possible happens; nothing polls.
type Dispatcher struct {
	registry ports.NodeRegistry
	ledger   ports.JobLedger
	events   ports.EventBus
	metrics  ports.MetricsRecorder
	config   domain.DispatcherConfig
	logger   *slog.Logger

	pusherMu sync.RWMutex
	pusher   ports.JobPusher

	// mu serialises the assignment compare-and-set with node loss handling.
	mu   sync.Mutex
	wake chan struct{}
}

var _ ports.Dispatcher = (*Dispatcher)(nil)

type Option func(*Dispatcher)

func WithEventBus(bus ports.EventBus) Option {
	return func(d *Dispatcher) { d.events = bus }
}

func WithMetrics(metrics ports.MetricsRecorder) Option {
	return func(d *Dispatcher) {
		if metrics != nil {
			d.metrics = metrics
		}
	}
}

func New(registry ports.NodeRegistry, ledger ports.JobLedger, config domain.DispatcherConfig, logger *slog.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxConflictRetries <= 0 {
		config.MaxConflictRetries = domain.DefaultDispatcherConfig().MaxConflictRetries
	}

	d := &Dispatcher{
		registry: registry,
		ledger:   ledger,
		metrics:  ports.NoopMetrics{},
		config:   config,
		logger:   logger.With("component", "dispatcher"),
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SetPusher installs the session gateway. The gateway reports node loss back
// to the dispatcher, so one side is wired after construction.
func (d *Dispatcher) SetPusher(pusher ports.JobPusher) {
	d.pusherMu.Lock()
	d.pusher = pusher
	d.pusherMu.Unlock()
}

func (d *Dispatcher) currentPusher() ports.JobPusher {
	d.pusherMu.RLock()
	defer d.pusherMu.RUnlock()
	return d.pusher
}

// Notify schedules a dispatch pass. It never blocks; notifications that
// arrive while a pass is already queued are coalesced.
func (d *Dispatcher) Notify() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) Run(ctx context.Context) error {
	if d.events != nil {
		unsubscribe := d.events.Subscribe(func(domain.Event) { d.Notify() },
			domain.EventJobSubmitted,
			domain.EventJobReleased,
			domain.EventNodeOnline,
			domain.EventNodeFreed,
			domain.EventNodeConnected,
		)
		defer unsubscribe()
	}

	d.logger.Info("dispatcher started")
	d.Notify()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopped")
			return nil
		case <-d.wake:
			if _, err := d.DispatchOnce(ctx); err != nil && ctx.Err() == nil {
				d.logger.Error("dispatch pass failed", "error", err)
			}
		}
	}
}

// DispatchOnce makes one pass over the Pending jobs in priority order and
// returns how many were handed to a node.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	started := time.Now()

	pending, err := d.ledger.Pending(ctx)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		d.metrics.SetPendingJobs(0)
		return 0, nil
	}

	nodes, err := d.registry.ListByFilter(ctx, domain.NodeFilter{State: domain.NodeOnline})
	if err != nil {
		return 0, err
	}
	pool := newCandidatePool(nodes, d.currentPusher())

	assigned, conflicts := 0, 0
	for _, job := range pending {
		if pool.empty() {
			break
		}
		if err := ctx.Err(); err != nil {
			return assigned, err
		}

		ok, lost := d.place(ctx, job, pool)
		conflicts += lost
		if ok {
			assigned++
		}
	}

	d.metrics.ObserveDispatch(assigned, conflicts, time.Since(started))
	d.metrics.SetPendingJobs(len(pending) - assigned)
	if assigned > 0 || conflicts > 0 {
		d.logger.Debug("dispatch pass", "pending", len(pending), "assigned", assigned, "conflicts", conflicts)
	}
	return assigned, nil
}

// place tries the best matching nodes for job in turn until one assignment
// sticks, the job is no longer Pending, or the conflict budget runs out.
func (d *Dispatcher) place(ctx context.Context, job *domain.Job, pool *candidatePool) (bool, int) {
	conflicts := 0
	for conflicts < d.config.MaxConflictRetries {
		node := pool.best(job)
		if node == nil {
			return false, conflicts
		}

		assignedJob, err := d.assign(ctx, job.ID, node.ID)
		switch {
		case err == nil:
			pool.remove(node.ID)
			return d.deliver(ctx, assignedJob, node.ID), conflicts
		case domain.KindOf(err) == domain.KindConflict:
			pool.remove(node.ID)
			conflicts++
		default:
			d.logger.Debug("job no longer assignable", "job_id", job.ID, "error", err)
			return false, conflicts
		}
	}
	return false, conflicts
}

// assign is the cross-entity compare-and-set: the job must still be Pending
// and the node must still be free and online. If the node half fails the job
// half is rolled back, and the caller sees Conflict.
func (d *Dispatcher) assign(ctx context.Context, jobID, nodeID string) (*domain.Job, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.registry.Eligible(ctx, nodeID); err != nil {
		return nil, conflict(nodeID, err)
	}

	job, err := d.ledger.Assign(ctx, jobID, nodeID)
	if err != nil {
		return nil, err
	}

	if err := d.registry.MarkBusy(ctx, nodeID, jobID); err != nil {
		if _, rerr := d.ledger.ReleaseIfAssignedTo(ctx, jobID, nodeID, "assignment_conflict"); rerr != nil {
			d.logger.Error("failed to roll back assignment", "job_id", jobID, "node_id", nodeID, "error", rerr)
		}
		return nil, conflict(nodeID, err)
	}
	return job, nil
}

// deliver pushes the job outside the assignment lock. If the push fails the
// assignment is undone; a vanished session reports its own loss.
func (d *Dispatcher) deliver(ctx context.Context, job *domain.Job, nodeID string) bool {
	pusher := d.currentPusher()

	var err error
	if pusher == nil {
		err = domain.NewError(domain.KindNoSession, "no session gateway")
	} else {
		err = pusher.PushJob(ctx, nodeID, job)
	}
	if err == nil {
		return true
	}

	d.logger.Warn("job push failed, rolling back", "job_id", job.ID, "node_id", nodeID, "error", err)
	if _, rerr := d.ledger.ReleaseIfAssignedTo(ctx, job.ID, nodeID, domain.ReasonUndeliverable); rerr != nil {
		d.logger.Error("failed to roll back undeliverable job", "job_id", job.ID, "node_id", nodeID, "error", rerr)
	}
	return false
}

// NodeLost detaches nodeID and returns its Assigned or Running jobs to
// Pending. It holds the assignment lock, so no pass can hand one of those
// jobs, or the node, out again until the release is complete.
func (d *Dispatcher) NodeLost(ctx context.Context, nodeID, reason string) error {
	released, err := d.releaseNode(ctx, nodeID, reason)
	if released > 0 {
		d.Notify()
	}
	return err
}

func (d *Dispatcher) releaseNode(ctx context.Context, nodeID, reason string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.registry.Detach(ctx, nodeID); err != nil && !domain.IsNotFound(err) {
		return 0, err
	}

	jobs, err := d.ledger.ActiveOnNode(ctx, nodeID)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, job := range jobs {
		ok, err := d.ledger.ReleaseIfAssignedTo(ctx, job.ID, nodeID, reason)
		if err != nil {
			return released, err
		}
		if ok {
			released++
		}
	}

	d.logger.Info("node lost", "node_id", nodeID, "reason", reason, "released_jobs", released)
	return released, nil
}

func conflict(nodeID string, cause error) error {
	return domain.Error{
		Kind:    domain.KindConflict,
		Message: "node " + nodeID + " no longer available",
		Err:     cause,
	}
}
