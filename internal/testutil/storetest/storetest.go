// Package storetest holds the behaviour every ports.StorageBackend must
// share, run against each adapter from its own test file.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/eleven-am/hypernode/internal/domain"
	"github.com/eleven-am/hypernode/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type Factory func(t *testing.T) ports.StorageBackend

func Run(t *testing.T, newBackend Factory) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newBackend(t)) })
	t.Run("CreateDuplicate", func(t *testing.T) { testCreateDuplicate(t, newBackend(t)) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newBackend(t)) })
	t.Run("UpdateCommitsOnlyOnSuccess", func(t *testing.T) { testUpdate(t, newBackend(t)) })
	t.Run("ConcurrentUpdates", func(t *testing.T) { testConcurrentUpdates(t, newBackend(t)) })
	t.Run("DeleteIf", func(t *testing.T) { testDeleteIf(t, newBackend(t)) })
	t.Run("ListIsolatesEntities", func(t *testing.T) { testListIsolation(t, newBackend(t)) })
	t.Run("ReturnedValuesAreCopies", func(t *testing.T) { testCopies(t, newBackend(t)) })
	t.Run("Ping", func(t *testing.T) {
		b := newBackend(t)
		assert.NoError(t, b.Ping(context.Background()))
	})
}

func testCreateAndGet(t *testing.T, b ports.StorageBackend) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	node := domain.NewNode("node-1", "alice", domain.Capabilities{GPUModel: "RTX 4090", VRAMGB: 24}, now)
	require.NoError(t, b.Nodes().Create(ctx, node.ID, node))

	got, err := b.Nodes().Get(ctx, "node-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Owner)
	assert.Equal(t, 24, got.Capabilities.VRAMGB)
	assert.Equal(t, []string{domain.DefaultNodeTag}, got.Capabilities.Tags)
	assert.True(t, got.LastHeartbeat.Equal(now))
}

func testCreateDuplicate(t *testing.T, b ports.StorageBackend) {
	ctx := context.Background()
	cred := domain.NewCredential("cred-1", "alice", time.Now())

	require.NoError(t, b.Credentials().Create(ctx, cred.ID, cred))
	err := b.Credentials().Create(ctx, cred.ID, cred)
	assert.True(t, domain.IsConflict(err))
}

func testGetMissing(t *testing.T, b ports.StorageBackend) {
	_, err := b.Jobs().Get(context.Background(), "missing")
	assert.True(t, domain.IsNotFound(err))

	_, err = b.Jobs().Update(context.Background(), "missing", func(*domain.Job) error { return nil })
	assert.True(t, domain.IsNotFound(err))
}

func testUpdate(t *testing.T, b ports.StorageBackend) {
	ctx := context.Background()
	job := domain.NewJob("job-1", "alice", domain.JobTypeRender, "s3://in", domain.Constraints{}, 5, time.Now())
	require.NoError(t, b.Jobs().Create(ctx, job.ID, job))

	updated, err := b.Jobs().Update(ctx, job.ID, func(j *domain.Job) error {
		return j.Assign("node-1", time.Now())
	})
	require.NoError(t, err)
	assert.Equal(t, domain.JobAssigned, updated.State)

	boom := errors.New("boom")
	_, err = b.Jobs().Update(ctx, job.ID, func(j *domain.Job) error {
		j.State = domain.JobCancelled
		return boom
	})
	assert.ErrorIs(t, err, boom)

	stored, err := b.Jobs().Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobAssigned, stored.State)
	assert.Equal(t, "node-1", stored.AssignedNode)
}

func testConcurrentUpdates(t *testing.T, b ports.StorageBackend) {
	ctx := context.Background()
	node := domain.NewNode("node-1", "alice", domain.Capabilities{}, time.Now())
	require.NoError(t, b.Nodes().Create(ctx, node.ID, node))

	const workers = 16
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.Nodes().Update(ctx, node.ID, func(n *domain.Node) error {
				n.CompletedJobs++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := b.Nodes().Get(ctx, node.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(workers), got.CompletedJobs)
}

func testDeleteIf(t *testing.T, b ports.StorageBackend) {
	ctx := context.Background()
	cred := domain.NewCredential("cred-1", "alice", time.Now())
	require.NoError(t, b.Credentials().Create(ctx, cred.ID, cred))

	deleted, err := b.Credentials().DeleteIf(ctx, cred.ID, func(c *domain.Credential) bool {
		return c.Status == domain.CredentialUsed
	})
	require.NoError(t, err)
	assert.False(t, deleted)

	deleted, err = b.Credentials().DeleteIf(ctx, cred.ID, nil)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = b.Credentials().DeleteIf(ctx, cred.ID, nil)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func testListIsolation(t *testing.T, b ports.StorageBackend) {
	ctx := context.Background()
	now := time.Now()
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("job-%d", i)
		require.NoError(t, b.Jobs().Create(ctx, id, domain.NewJob(id, "alice", domain.JobTypeRender, "ref", domain.Constraints{}, 0, now)))
	}
	require.NoError(t, b.Nodes().Create(ctx, "node-1", domain.NewNode("node-1", "alice", domain.Capabilities{}, now)))

	jobs, err := b.Jobs().List(ctx)
	require.NoError(t, err)
	assert.Len(t, jobs, 3)

	nodes, err := b.Nodes().List(ctx)
	require.NoError(t, err)
	assert.Len(t, nodes, 1)
}

func testCopies(t *testing.T, b ports.StorageBackend) {
	ctx := context.Background()
	node := domain.NewNode("node-1", "alice", domain.Capabilities{Tags: []string{"render"}}, time.Now())
	require.NoError(t, b.Nodes().Create(ctx, node.ID, node))

	node.Owner = "mallory"
	got, err := b.Nodes().Get(ctx, node.ID)
	require.NoError(t, err)
	got.Capabilities.Tags[0] = "mutated"

	again, err := b.Nodes().Get(ctx, node.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", again.Owner)
	assert.Equal(t, []string{"render"}, again.Capabilities.Tags)
}
