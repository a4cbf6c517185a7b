package registry

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/eleven-am/hypernode/internal/domain"
	"github.com/eleven-am/hypernode/internal/ports"
	"github.com/google/uuid"
)

// errUnchanged aborts an Update without writing when the record is already in
// the desired state.
var errUnchanged = errors.New("unchanged")

type Registry struct {
	repo   ports.NodeRepository
	issuer ports.CredentialIssuer
	events ports.EventBus
	config domain.RegistryConfig
	logger *slog.Logger
	now    func() time.Time

	lossMu sync.RWMutex
	loss   ports.NodeLossHandler
}

var (
	_ ports.NodeRegistry   = (*Registry)(nil)
	_ ports.NodeAccounting = (*Registry)(nil)
)

type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func WithEventBus(bus ports.EventBus) Option {
	return func(r *Registry) { r.events = bus }
}

func New(repo ports.NodeRepository, issuer ports.CredentialIssuer, config domain.RegistryConfig, logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}

	r := &Registry{
		repo:   repo,
		issuer: issuer,
		config: config,
		logger: logger.With("component", "registry"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetNodeLossHandler installs the component that releases work bound to a
// deregistered node. The dispatcher depends on the registry, so it is wired
// after construction.
func (r *Registry) SetNodeLossHandler(handler ports.NodeLossHandler) {
	r.lossMu.Lock()
	r.loss = handler
	r.lossMu.Unlock()
}

func (r *Registry) Enroll(ctx context.Context, credentialID string, caps domain.Capabilities) (*domain.Node, error) {
	if err := caps.Validate(); err != nil {
		return nil, err
	}

	owner, err := r.issuer.RedeemCredential(ctx, credentialID)
	if err != nil {
		return nil, err
	}

	now := r.now()
	node := domain.NewNode(uuid.New().String(), owner, caps, now)
	if err := r.repo.Create(ctx, node.ID, node); err != nil {
		r.logger.Error("failed to store enrolled node", "node_id", node.ID, "owner", owner, "error", err)
		return nil, err
	}

	r.logger.Info("node enrolled",
		"node_id", node.ID,
		"owner", owner,
		"gpu_model", node.Capabilities.GPUModel,
		"tags", node.Capabilities.Tags)

	r.publish(domain.Event{Type: domain.EventNodeEnrolled, NodeID: node.ID, Owner: owner, Timestamp: now})
	r.publish(domain.Event{Type: domain.EventNodeOnline, NodeID: node.ID, Owner: owner, Timestamp: now})
	return node, nil
}

func (r *Registry) Heartbeat(ctx context.Context, nodeID string, hint domain.StatusHint) (time.Duration, error) {
	now := r.now()
	cameOnline := false

	node, err := r.repo.Update(ctx, nodeID, func(n *domain.Node) error {
		if n.Detached {
			return domain.NewInvalidStateError("node", n.ID, "detached")
		}
		cameOnline = n.EffectiveState(now, r.config.StalenessThreshold) != domain.NodeOnline
		if cameOnline {
			n.OnlineSince = now
		}
		n.State = domain.NodeOnline
		n.LastHeartbeat = now
		n.Load = clampLoad(hint.Load)
		if hint.Metrics != nil {
			n.Metrics = hint.Metrics
		}
		return nil
	})
	if err != nil {
		if domain.IsNotFound(err) {
			return 0, domain.Error{Kind: domain.KindUnknownNode, Message: "unknown node", Details: map[string]interface{}{"id": nodeID}}
		}
		return 0, err
	}

	r.logger.Debug("heartbeat", "node_id", nodeID, "load", node.Load)
	if cameOnline {
		r.logger.Info("node back online", "node_id", nodeID)
		r.publish(domain.Event{Type: domain.EventNodeOnline, NodeID: nodeID, Owner: node.Owner, Timestamp: now})
	}
	return r.config.HeartbeatInterval, nil
}

// MarkOfflineIfStale flips nodeID to Offline when its last heartbeat is older
// than the staleness threshold at now. The check and the write happen in one
// atomic update, so a heartbeat that lands first keeps the node Online.
func (r *Registry) MarkOfflineIfStale(ctx context.Context, nodeID string, now time.Time) (bool, error) {
	_, err := r.repo.Update(ctx, nodeID, func(n *domain.Node) error {
		if n.State != domain.NodeOnline || !n.IsStale(now, r.config.StalenessThreshold) {
			return errUnchanged
		}
		n.State = domain.NodeOffline
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	r.logger.Info("node marked offline", "node_id", nodeID, "reason", "stale")
	r.publish(domain.Event{Type: domain.EventNodeOffline, NodeID: nodeID, Reason: "stale", Timestamp: now})
	return true, nil
}

// Sweep runs one liveness pass using a single sampled timestamp.
func (r *Registry) Sweep(ctx context.Context) (int, error) {
	nodes, err := r.repo.List(ctx)
	if err != nil {
		return 0, err
	}

	now := r.now()
	marked := 0
	for _, n := range nodes {
		if n.State != domain.NodeOnline || !n.IsStale(now, r.config.StalenessThreshold) {
			continue
		}
		changed, err := r.MarkOfflineIfStale(ctx, n.ID, now)
		if err != nil && !domain.IsNotFound(err) {
			r.logger.Warn("liveness check failed", "node_id", n.ID, "error", err)
			continue
		}
		if changed {
			marked++
		}
	}
	return marked, nil
}

func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.Error("liveness sweep failed", "error", err)
			}
		}
	}
}

// Detach marks a node whose session is gone. A detached node stays Offline;
// the operator re-enrolls with a fresh credential.
func (r *Registry) Detach(ctx context.Context, nodeID string) error {
	node, err := r.repo.Update(ctx, nodeID, func(n *domain.Node) error {
		if n.Detached && n.State == domain.NodeOffline {
			return errUnchanged
		}
		n.State = domain.NodeOffline
		n.Detached = true
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return nil
	}
	if err != nil {
		return err
	}

	r.logger.Info("node detached", "node_id", nodeID)
	r.publish(domain.Event{Type: domain.EventNodeOffline, NodeID: nodeID, Owner: node.Owner, Reason: domain.ReasonDisconnected, Timestamp: r.now()})
	return nil
}

// DetachAll marks every node Offline and clears busy markers. Used at
// startup, when no session from a previous run can still be open.
func (r *Registry) DetachAll(ctx context.Context) (int, error) {
	nodes, err := r.repo.List(ctx)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, n := range nodes {
		_, err := r.repo.Update(ctx, n.ID, func(n *domain.Node) error {
			if n.Detached && n.State == domain.NodeOffline && n.ActiveJobID == "" {
				return errUnchanged
			}
			n.State = domain.NodeOffline
			n.Detached = true
			n.ActiveJobID = ""
			return nil
		})
		if errors.Is(err, errUnchanged) || domain.IsNotFound(err) {
			continue
		}
		if err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func (r *Registry) Deregister(ctx context.Context, nodeID, requester string) error {
	node, err := r.repo.Get(ctx, nodeID)
	if err != nil {
		return err
	}
	if node.Owner != requester {
		r.logger.Warn("deregistration refused", "node_id", nodeID, "requester", requester)
		return domain.NewError(domain.KindUnauthorized, "only the node owner may deregister it")
	}

	deleted, err := r.repo.DeleteIf(ctx, nodeID, func(n *domain.Node) bool {
		return n.Owner == requester
	})
	if err != nil {
		return err
	}
	if !deleted {
		return domain.NewNotFoundError("node", nodeID)
	}

	r.logger.Info("node deregistered", "node_id", nodeID, "owner", requester)
	r.publish(domain.Event{Type: domain.EventNodeRemoved, NodeID: nodeID, Owner: requester, Reason: domain.ReasonDeregistered, Timestamp: r.now()})

	r.lossMu.RLock()
	handler := r.loss
	r.lossMu.RUnlock()
	if handler != nil {
		if err := handler.NodeLost(ctx, nodeID, domain.ReasonDeregistered); err != nil {
			r.logger.Error("failed to release work of deregistered node", "node_id", nodeID, "error", err)
		}
	}
	return nil
}

func (r *Registry) Get(ctx context.Context, nodeID string) (*domain.Node, error) {
	node, err := r.repo.Get(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	r.project(node, r.now())
	return node, nil
}

func (r *Registry) ListByOwner(ctx context.Context, owner string) ([]*domain.Node, error) {
	return r.ListByFilter(ctx, domain.NodeFilter{Owner: owner})
}

func (r *Registry) ListByFilter(ctx context.Context, filter domain.NodeFilter) ([]*domain.Node, error) {
	nodes, err := r.repo.List(ctx)
	if err != nil {
		return nil, err
	}

	now := r.now()
	out := make([]*domain.Node, 0, len(nodes))
	for _, n := range nodes {
		r.project(n, now)
		if filter.Matches(n, n.State) {
			out = append(out, n)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].EnrolledAt.Equal(out[j].EnrolledAt) {
			return out[i].EnrolledAt.Before(out[j].EnrolledAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Eligible returns the node if it could take a job right now.
func (r *Registry) Eligible(ctx context.Context, nodeID string) (*domain.Node, error) {
	node, err := r.Get(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if node.State != domain.NodeOnline {
		return nil, domain.NewInvalidStateError("node", nodeID, node.State)
	}
	if node.IsBusy() {
		return nil, domain.NewErrorf(domain.KindConflict, "node %s is busy", nodeID)
	}
	return node, nil
}

// MarkBusy sets the node's busy marker if it is free and effectively online.
func (r *Registry) MarkBusy(ctx context.Context, nodeID, jobID string) error {
	now := r.now()
	_, err := r.repo.Update(ctx, nodeID, func(n *domain.Node) error {
		if n.EffectiveState(now, r.config.StalenessThreshold) != domain.NodeOnline {
			return domain.NewInvalidStateError("node", n.ID, domain.NodeOffline)
		}
		if n.IsBusy() {
			return domain.NewErrorf(domain.KindConflict, "node %s is busy with %s", n.ID, n.ActiveJobID)
		}
		n.ActiveJobID = jobID
		return nil
	})
	return err
}

// ClearBusy frees the node only if it is still busy with jobID.
func (r *Registry) ClearBusy(ctx context.Context, nodeID, jobID string) error {
	_, err := r.release(ctx, nodeID, jobID, nil)
	return err
}

func (r *Registry) Credit(ctx context.Context, nodeID, jobID string, amount float64) error {
	node, err := r.release(ctx, nodeID, jobID, func(n *domain.Node) {
		n.EarnedCredits += amount
		n.CompletedJobs++
		n.AdjustReputation(1)
	})
	if err != nil {
		return err
	}
	if node == nil {
		r.logger.Warn("earnings for missing node dropped", "node_id", nodeID, "job_id", jobID, "amount", amount)
		return nil
	}

	r.logger.Info("earnings credited", "node_id", nodeID, "owner", node.Owner, "job_id", jobID, "amount", amount)
	r.publish(domain.Event{Type: domain.EventEarningsCredited, NodeID: nodeID, JobID: jobID, Owner: node.Owner, Amount: amount, Timestamp: r.now()})
	return nil
}

func (r *Registry) Penalize(ctx context.Context, nodeID, jobID string) error {
	_, err := r.release(ctx, nodeID, jobID, func(n *domain.Node) {
		n.FailedJobs++
		n.AdjustReputation(-5)
	})
	return err
}

// release applies account to the node and clears its busy marker if it is
// still held for jobID. A node that no longer exists yields (nil, nil).
func (r *Registry) release(ctx context.Context, nodeID, jobID string, account func(*domain.Node)) (*domain.Node, error) {
	freed := false
	node, err := r.repo.Update(ctx, nodeID, func(n *domain.Node) error {
		freed = false
		if account == nil && n.ActiveJobID != jobID {
			return errUnchanged
		}
		if account != nil {
			account(n)
		}
		if n.ActiveJobID == jobID {
			n.ActiveJobID = ""
			freed = true
		}
		return nil
	})
	if errors.Is(err, errUnchanged) || domain.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if freed {
		r.logger.Debug("node freed", "node_id", nodeID, "job_id", jobID)
		r.publish(domain.Event{Type: domain.EventNodeFreed, NodeID: nodeID, JobID: jobID, Timestamp: r.now()})
	}
	return node, nil
}

func (r *Registry) Stats(ctx context.Context) (domain.NetworkStats, error) {
	nodes, err := r.repo.List(ctx)
	if err != nil {
		return domain.NetworkStats{}, err
	}

	now := r.now()
	var stats domain.NetworkStats
	for _, n := range nodes {
		stats.TotalNodes++
		if n.EffectiveState(now, r.config.StalenessThreshold) == domain.NodeOnline {
			stats.OnlineNodes++
		}
		if n.IsBusy() {
			stats.BusyNodes++
		}
		stats.TotalEarned += n.EarnedCredits
		stats.CompletedJobs += n.CompletedJobs
	}
	return stats, nil
}

func (r *Registry) HeartbeatInterval() time.Duration {
	return r.config.HeartbeatInterval
}

func (r *Registry) project(n *domain.Node, now time.Time) {
	n.State = n.EffectiveState(now, r.config.StalenessThreshold)
}

func (r *Registry) publish(event domain.Event) {
	if r.events != nil {
		r.events.Publish(event)
	}
}

func clampLoad(load float64) float64 {
	if load < 0 {
		return 0
	}
	if load > 1 {
		return 1
	}
	return load
}
