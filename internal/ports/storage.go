package ports

import (
	"context"

	"github.com/eleven-am/hypernode/internal/domain"
)

// Repository is a keyed record store. Update and DeleteIf are atomic
// read-modify-write operations on a single record: fn sees the current value
// and its changes are committed only if fn returns nil.
type Repository[T any] interface {
	Create(ctx context.Context, id string, value *T) error
	Get(ctx context.Context, id string) (*T, error)
	Update(ctx context.Context, id string, fn func(*T) error) (*T, error)
	DeleteIf(ctx context.Context, id string, pred func(*T) bool) (bool, error)
	List(ctx context.Context) ([]*T, error)
}

type NodeRepository = Repository[domain.Node]

type JobRepository = Repository[domain.Job]

type CredentialRepository = Repository[domain.Credential]

// StorageBackend owns the three repositories and their shared resources.
type StorageBackend interface {
	Nodes() NodeRepository
	Jobs() JobRepository
	Credentials() CredentialRepository
	Ping(ctx context.Context) error
	Close() error
}
