package memory

import (
	"context"
	"log/slog"

	"github.com/eleven-am/hypernode/internal/domain"
	"github.com/eleven-am/hypernode/internal/ports"
)

type Backend struct {
	nodes       *Store[domain.Node]
	jobs        *Store[domain.Job]
	credentials *Store[domain.Credential]
}

var _ ports.StorageBackend = (*Backend)(nil)

func NewBackend(logger *slog.Logger) *Backend {
	return &Backend{
		nodes:       NewStore[domain.Node]("node", logger),
		jobs:        NewStore[domain.Job]("job", logger),
		credentials: NewStore[domain.Credential]("credential", logger),
	}
}

func (b *Backend) Nodes() ports.NodeRepository {
	return b.nodes
}

func (b *Backend) Jobs() ports.JobRepository {
	return b.jobs
}

func (b *Backend) Credentials() ports.CredentialRepository {
	return b.credentials
}

func (b *Backend) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (b *Backend) Close() error {
	return nil
}
