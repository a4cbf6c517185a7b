package health

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

type fakeStorage struct {
	down atomic.Bool
}

func (f *fakeStorage) Ping(context.Context) error {
	if f.down.Load() {
		return errors.New("disk gone")
	}
	return nil
}

func dial(t *testing.T, checker *Checker) grpc_health_v1.HealthClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewServer(checker, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = conn.Close()
		cancel()
		assert.NoError(t, <-done)
	})
	return grpc_health_v1.NewHealthClient(conn)
}

func status(t *testing.T, client grpc_health_v1.HealthClient, service string) grpc_health_v1.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := client.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestNotServingUntilReady(t *testing.T) {
	checker := NewChecker(&fakeStorage{}, nil)
	client := dial(t, checker)

	assert.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, status(t, client, ""))
	assert.False(t, checker.IsReady())

	checker.SetReady(true)

	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, status(t, client, ""))
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, status(t, client, DispatcherService))
	assert.True(t, checker.IsReady())
}

func TestStorageOutageStopsServing(t *testing.T) {
	storage := &fakeStorage{}
	checker := NewChecker(storage, nil)
	client := dial(t, checker)
	checker.SetReady(true)

	storage.down.Store(true)
	health := checker.Check(context.Background())

	assert.False(t, health.Healthy)
	assert.Equal(t, "storage unavailable", health.Error)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, status(t, client, DispatcherService))

	storage.down.Store(false)
	assert.True(t, checker.GetHealth().Healthy)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, status(t, client, DispatcherService))
}

func TestUnknownService(t *testing.T) {
	client := dial(t, NewChecker(&fakeStorage{}, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := client.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: "other"})
	assert.Error(t, err)
}

func TestRunStopsServingOnShutdown(t *testing.T) {
	checker := NewChecker(&fakeStorage{}, nil)
	checker.SetReady(true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- checker.Run(ctx, 10*time.Millisecond) }()

	cancel()
	require.NoError(t, <-done)
	assert.False(t, checker.IsReady())
}
