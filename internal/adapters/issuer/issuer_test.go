package issuer

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eleven-am/hypernode/internal/adapters/memory"
	"github.com/eleven-am/hypernode/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestIssuer(t *testing.T) (*Issuer, *fakeClock, *memory.Backend) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	backend := memory.NewBackend(nil)
	cfg := domain.IssuerConfig{CredentialTTL: time.Hour, SweepInterval: time.Minute, UsedRetention: 24 * time.Hour}
	return New(backend.Credentials(), cfg, nil, WithClock(clock.Now)), clock, backend
}

func TestIssueAndRedeem(t *testing.T) {
	iss, _, _ := newTestIssuer(t)
	ctx := context.Background()

	cred, err := iss.IssueCredential(ctx, "alice")
	require.NoError(t, err)
	assert.NotEmpty(t, cred.ID)
	assert.Equal(t, domain.CredentialUnused, cred.Status)

	owner, err := iss.RedeemCredential(ctx, cred.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", owner)

	_, err = iss.RedeemCredential(ctx, cred.ID)
	assert.Equal(t, domain.KindAlreadyUsed, domain.KindOf(err))
}

func TestIssueRejectsMalformedOwner(t *testing.T) {
	iss, _, _ := newTestIssuer(t)

	for _, owner := range []string{"", " alice", "-x", "a b"} {
		_, err := iss.IssueCredential(context.Background(), owner)
		assert.Equal(t, domain.KindInvalidInput, domain.KindOf(err), owner)
	}
}

func TestRedeemUnknownAndExpired(t *testing.T) {
	iss, clock, _ := newTestIssuer(t)
	ctx := context.Background()

	_, err := iss.RedeemCredential(ctx, "does-not-exist")
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))

	cred, err := iss.IssueCredential(ctx, "alice")
	require.NoError(t, err)

	clock.Advance(time.Hour + time.Second)
	_, err = iss.RedeemCredential(ctx, cred.ID)
	assert.Equal(t, domain.KindExpired, domain.KindOf(err))
}

func TestConcurrentRedeemExactlyOnce(t *testing.T) {
	iss, _, _ := newTestIssuer(t)
	ctx := context.Background()

	cred, err := iss.IssueCredential(ctx, "alice")
	require.NoError(t, err)

	var successes, alreadyUsed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := iss.RedeemCredential(ctx, cred.ID)
			switch domain.KindOf(err) {
			case "":
				successes.Add(1)
			case domain.KindAlreadyUsed:
				alreadyUsed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), successes.Load())
	assert.Equal(t, int32(31), alreadyUsed.Load())
}

func TestReclaim(t *testing.T) {
	iss, clock, backend := newTestIssuer(t)
	ctx := context.Background()

	stale, err := iss.IssueCredential(ctx, "alice")
	require.NoError(t, err)
	used, err := iss.IssueCredential(ctx, "bob")
	require.NoError(t, err)
	_, err = iss.RedeemCredential(ctx, used.ID)
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	fresh, err := iss.IssueCredential(ctx, "carol")
	require.NoError(t, err)

	removed, err := iss.Reclaim(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = backend.Credentials().Get(ctx, stale.ID)
	assert.True(t, domain.IsNotFound(err))
	_, err = backend.Credentials().Get(ctx, used.ID)
	assert.NoError(t, err)
	_, err = backend.Credentials().Get(ctx, fresh.ID)
	assert.NoError(t, err)

	clock.Advance(25 * time.Hour)
	removed, err = iss.Reclaim(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
}
