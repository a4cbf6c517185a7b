package health

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eleven-am/hypernode/internal/ports"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

const DispatcherService = "hypernode.Dispatcher"

var services = []string{"", DispatcherService}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Checker tracks whether the coordinator can serve: storage must answer and
// startup recovery must have finished. It backs both the HTTP readiness
// endpoints and the gRPC health service.
type Checker struct {
	storage Pinger
	timeout time.Duration
	logger  *slog.Logger
	server  *health.Server
	ready   atomic.Bool

	mu      sync.Mutex
	serving bool
	lastErr string
}

func NewChecker(storage Pinger, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Checker{
		storage: storage,
		timeout: 2 * time.Second,
		logger:  logger.With("component", "health-checker"),
		server:  health.NewServer(),
	}
	c.publish(false)
	return c
}

// SetReady flips readiness once recovery is done, or back off on shutdown.
func (c *Checker) SetReady(ready bool) {
	c.ready.Store(ready)
	c.Check(context.Background())
}

// Check pings storage and pushes the result to the gRPC health service.
func (c *Checker) Check(ctx context.Context) ports.HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	status := ports.HealthStatus{
		Healthy: true,
		Details: map[string]interface{}{
			"storage": "ok",
			"ready":   c.ready.Load(),
		},
	}
	if err := c.storage.Ping(ctx); err != nil {
		status.Healthy = false
		status.Error = "storage unavailable"
		status.Details["storage"] = err.Error()
	}

	c.record(status)
	return status
}

func (c *Checker) GetHealth() ports.HealthStatus {
	return c.Check(context.Background())
}

func (c *Checker) IsReady() bool {
	return c.ready.Load() && c.GetHealth().Healthy
}

// Run re-checks every interval until ctx is done, then reports NOT_SERVING.
func (c *Checker) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.ready.Store(false)
			c.publish(false)
			return nil
		case <-ticker.C:
			c.Check(ctx)
		}
	}
}

func (c *Checker) record(status ports.HealthStatus) {
	serving := status.Healthy && c.ready.Load()

	c.mu.Lock()
	changed := serving != c.serving || status.Error != c.lastErr
	c.serving = serving
	c.lastErr = status.Error
	c.mu.Unlock()

	if changed {
		if status.Healthy {
			c.logger.Info("health changed", "serving", serving)
		} else {
			c.logger.Warn("health changed", "serving", serving, "error", status.Details["storage"])
		}
	}
	c.publish(serving)
}

func (c *Checker) publish(serving bool) {
	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if serving {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	for _, svc := range services {
		c.server.SetServingStatus(svc, status)
	}
}
