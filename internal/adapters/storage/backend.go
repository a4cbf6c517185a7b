package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v3"
	"github.com/eleven-am/hypernode/internal/domain"
	"github.com/eleven-am/hypernode/internal/ports"
)

type Backend struct {
	db          *badger.DB
	nodes       *Store[domain.Node]
	jobs        *Store[domain.Job]
	credentials *Store[domain.Credential]
	logger      *slog.Logger
}

var _ ports.StorageBackend = (*Backend)(nil)

func Open(cfg domain.StorageConfig, logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "badger-storage")

	opts := badger.DefaultOptions(cfg.Dir).WithLogger(newBadgerLogger(logger))
	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", cfg.Dir, err)
	}

	logger.Info("badger storage opened", "dir", cfg.Dir, "in_memory", cfg.InMemory)
	return NewBackend(db, cfg.MaxRetries, logger), nil
}

func NewBackend(db *badger.DB, maxRetries int, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{
		db:          db,
		nodes:       NewStore[domain.Node](db, "node", domain.NodeKeyPrefix, maxRetries, logger),
		jobs:        NewStore[domain.Job](db, "job", domain.JobKeyPrefix, maxRetries, logger),
		credentials: NewStore[domain.Credential](db, "credential", domain.CredentialKeyPrefix, maxRetries, logger),
		logger:      logger,
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
	if b.db.IsClosed() {
		return domain.NewStorageError("ping", "", errors.New("database closed"))
	}
	return b.db.View(func(txn *badger.Txn) error {
		return ctx.Err()
	})
}

func (b *Backend) Close() error {
	if b.db.IsClosed() {
		return nil
	}
	b.logger.Info("closing badger storage")
	return b.db.Close()
}
