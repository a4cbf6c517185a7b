package storage

import (
	"context"
	"testing"
	"time"

	"github.com/eleven-am/hypernode/internal/domain"
	"github.com/eleven-am/hypernode/internal/ports"
	"github.com/eleven-am/hypernode/internal/testutil/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openInMemory(t *testing.T) *Backend {
	t.Helper()
	b, err := Open(domain.StorageConfig{Backend: domain.StorageBadger, InMemory: true, MaxRetries: 32}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestBackendConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) ports.StorageBackend {
		return openInMemory(t)
	})
}

func TestBackendPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := domain.StorageConfig{Backend: domain.StorageBadger, Dir: dir, MaxRetries: 4}
	ctx := context.Background()

	b, err := Open(cfg, nil)
	require.NoError(t, err)
	job := domain.NewJob("job-1", "alice", domain.JobTypeLLMInference, "ref", domain.Constraints{MinVRAMGB: 16}, 3, time.Now())
	require.NoError(t, b.Jobs().Create(ctx, job.ID, job))
	require.NoError(t, b.Close())

	reopened, err := Open(cfg, nil)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Jobs().Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 16, got.Constraints.MinVRAMGB)
	assert.Equal(t, domain.JobPending, got.State)
}

func TestPingAfterClose(t *testing.T) {
	b := openInMemory(t)
	require.NoError(t, b.Close())

	err := b.Ping(context.Background())
	assert.True(t, domain.IsStorage(err))
	assert.NoError(t, b.Close())
}
