package ports

import (
	"context"
	"time"

	"github.com/eleven-am/hypernode/internal/domain"
)

type CredentialIssuer interface {
	IssueCredential(ctx context.Context, owner string) (*domain.Credential, error)
	RedeemCredential(ctx context.Context, credentialID string) (string, error)
	CredentialTTL() time.Duration
}

type NodeRegistry interface {
	Enroll(ctx context.Context, credentialID string, caps domain.Capabilities) (*domain.Node, error)
	Heartbeat(ctx context.Context, nodeID string, hint domain.StatusHint) (time.Duration, error)
	MarkOfflineIfStale(ctx context.Context, nodeID string, now time.Time) (bool, error)
	Detach(ctx context.Context, nodeID string) error
	Deregister(ctx context.Context, nodeID, requester string) error
	Get(ctx context.Context, nodeID string) (*domain.Node, error)
	ListByOwner(ctx context.Context, owner string) ([]*domain.Node, error)
	ListByFilter(ctx context.Context, filter domain.NodeFilter) ([]*domain.Node, error)
	Eligible(ctx context.Context, nodeID string) (*domain.Node, error)
	MarkBusy(ctx context.Context, nodeID, jobID string) error
	HeartbeatInterval() time.Duration
}

// NodeAccounting is the slice of the registry the ledger posts to.
type NodeAccounting interface {
	ClearBusy(ctx context.Context, nodeID, jobID string) error
	Credit(ctx context.Context, nodeID, jobID string, amount float64) error
	Penalize(ctx context.Context, nodeID, jobID string) error
}

type JobLedger interface {
	Submit(ctx context.Context, owner, jobType, payloadRef string, constraints domain.Constraints, budget float64) (*domain.Job, error)
	Cancel(ctx context.Context, jobID, requester string) (*domain.Job, error)
	RequestStop(ctx context.Context, jobID, requester string) (*domain.Job, error)
	Assign(ctx context.Context, jobID, nodeID string) (*domain.Job, error)
	Start(ctx context.Context, jobID, nodeID string, attempt int) (*domain.Job, error)
	RecordResult(ctx context.Context, jobID, nodeID string, attempt int, outcome domain.Outcome, metrics domain.JobMetrics) (*domain.Job, error)
	ReleaseAssignment(ctx context.Context, jobID, reason string) (*domain.Job, error)
	ReleaseIfAssignedTo(ctx context.Context, jobID, nodeID, reason string) (bool, error)
	Get(ctx context.Context, jobID string) (*domain.Job, error)
	List(ctx context.Context, filter domain.JobFilter) ([]*domain.Job, error)
	Pending(ctx context.Context) ([]*domain.Job, error)
	ActiveOnNode(ctx context.Context, nodeID string) ([]*domain.Job, error)
}

// NodeLossHandler releases everything bound to a node that is gone.
type NodeLossHandler interface {
	NodeLost(ctx context.Context, nodeID, reason string) error
}

// JobPusher delivers work to the session bound to a node.
type JobPusher interface {
	HasSession(nodeID string) bool
	PushJob(ctx context.Context, nodeID string, job *domain.Job) error
	SendStop(ctx context.Context, nodeID, jobID string) error
}

type Dispatcher interface {
	NodeLossHandler
	Notify()
	DispatchOnce(ctx context.Context) (int, error)
	Run(ctx context.Context) error
}
