package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/eleven-am/hypernode/internal/adapters/api"
	"github.com/eleven-am/hypernode/internal/adapters/dispatcher"
	"github.com/eleven-am/hypernode/internal/adapters/events"
	"github.com/eleven-am/hypernode/internal/adapters/gateway"
	"github.com/eleven-am/hypernode/internal/adapters/health"
	"github.com/eleven-am/hypernode/internal/adapters/issuer"
	"github.com/eleven-am/hypernode/internal/adapters/ledger"
	"github.com/eleven-am/hypernode/internal/adapters/memory"
	"github.com/eleven-am/hypernode/internal/adapters/metrics"
	"github.com/eleven-am/hypernode/internal/adapters/observability"
	"github.com/eleven-am/hypernode/internal/adapters/ratelimit"
	"github.com/eleven-am/hypernode/internal/adapters/registry"
	"github.com/eleven-am/hypernode/internal/adapters/storage"
	"github.com/eleven-am/hypernode/internal/domain"
	"github.com/eleven-am/hypernode/internal/ports"
	"golang.org/x/sync/errgroup"
)

// Coordinator owns every component of a running hypernode and the order in
// which they start and stop.
type Coordinator struct {
	config *domain.Config
	logger *slog.Logger

	backend    ports.StorageBackend
	bus        *events.Bus
	metrics    *metrics.Recorder
	issuer     *issuer.Issuer
	registry   *registry.Registry
	ledger     *ledger.Ledger
	dispatcher *dispatcher.Dispatcher
	gateway    *gateway.Gateway
	api        *api.Server
	checker    *health.Checker
	limiter    *ratelimit.Limiter

	detachMetrics func()
	closeOnce     sync.Once
	closeErr      error
}

func New(cfg *domain.Config, logger *slog.Logger) (*Coordinator, error) {
	if cfg == nil {
		cfg = domain.DefaultConfig()
	}
	if logger == nil {
		logger = cfg.Logger
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	backend, err := openBackend(cfg.Storage, logger)
	if err != nil {
		return nil, err
	}

	c := &Coordinator{
		config:  cfg,
		logger:  logger.With("component", "coordinator"),
		backend: backend,
		bus:     events.NewBus(logger),
		metrics: metrics.New(logger),
	}
	c.detachMetrics = c.metrics.Attach(c.bus)

	c.issuer = issuer.New(backend.Credentials(), cfg.Issuer, logger, issuer.WithEventBus(c.bus))
	c.registry = registry.New(backend.Nodes(), c.issuer, cfg.Registry, logger, registry.WithEventBus(c.bus))
	c.ledger = ledger.New(backend.Jobs(), c.registry, cfg.Ledger, logger, ledger.WithEventBus(c.bus))
	c.dispatcher = dispatcher.New(c.registry, c.ledger, cfg.Dispatcher, logger,
		dispatcher.WithEventBus(c.bus),
		dispatcher.WithMetrics(c.metrics),
	)
	c.registry.SetNodeLossHandler(c.dispatcher)

	c.gateway = gateway.New(c.registry, c.ledger, c.dispatcher, cfg.Gateway, logger,
		gateway.WithEventBus(c.bus),
		gateway.WithMetrics(c.metrics),
	)
	c.dispatcher.SetPusher(c.gateway)

	apiOpts := []api.Option{api.WithGateway(cfg.Gateway.Path, c.gateway)}
	if cfg.Server.RateLimit > 0 {
		c.limiter = ratelimit.New(ratelimit.Config{
			RequestsPerSecond: cfg.Server.RateLimit,
			Burst:             cfg.Server.RateBurst,
		}, logger)
		apiOpts = append(apiOpts, api.WithRateLimit(c.limiter))
	}
	c.api = api.New(c.issuer, c.registry, c.ledger, logger, apiOpts...)
	c.checker = health.NewChecker(backend, logger)

	return c, nil
}

func openBackend(cfg domain.StorageConfig, logger *slog.Logger) (ports.StorageBackend, error) {
	switch cfg.Backend {
	case domain.StorageBadger:
		return storage.Open(cfg, logger)
	default:
		return memory.NewBackend(logger), nil
	}
}

// Recover makes a store left behind by a previous process consistent with
// an empty session table: active jobs go back to Pending and every node is
// Offline until it reconnects.
func (c *Coordinator) Recover(ctx context.Context) error {
	jobs, err := c.ledger.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover jobs: %w", err)
	}
	nodes, err := c.registry.DetachAll(ctx)
	if err != nil {
		return fmt.Errorf("recover nodes: %w", err)
	}
	if jobs > 0 || nodes > 0 {
		c.logger.Info("recovered previous state", "released_jobs", jobs, "detached_nodes", nodes)
	}
	return nil
}

func (c *Coordinator) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", c.config.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", c.config.Server.Addr, err)
	}
	return c.Serve(ctx, lis)
}

// Serve runs every background loop and the public HTTP server on lis until
// ctx is done or one of them fails.
func (c *Coordinator) Serve(ctx context.Context, lis net.Listener) error {
	if err := c.Recover(ctx); err != nil {
		_ = lis.Close()
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return c.dispatcher.Run(ctx) })
	g.Go(func() error { return c.registry.Run(ctx) })
	g.Go(func() error { return c.issuer.Run(ctx) })
	g.Go(func() error { return c.ledger.Run(ctx) })
	g.Go(func() error { return c.metrics.Watch(ctx, c.registry, c.config.Registry.SweepInterval) })
	g.Go(func() error { return c.checker.Run(ctx, c.config.Registry.SweepInterval) })
	g.Go(func() error { return c.serveHTTP(ctx, lis) })

	if c.limiter != nil {
		g.Go(func() error { return c.limiter.Run(ctx) })
	}
	if c.config.Observability.Enabled {
		obs := observability.NewServer(c.checker, c.metrics.Handler(), c.logger)
		g.Go(func() error { return obs.ListenAndServe(ctx, c.config.Observability.Port) })
	}
	if c.config.Health.Enabled {
		srv := health.NewServer(c.checker, c.logger)
		g.Go(func() error { return srv.ListenAndServe(ctx, c.config.Health.GRPCPort) })
	}

	c.checker.SetReady(true)
	c.dispatcher.Notify()
	c.logger.Info("coordinator running", "addr", lis.Addr().String())

	err := g.Wait()
	c.checker.SetReady(false)
	return err
}

func (c *Coordinator) serveHTTP(ctx context.Context, lis net.Listener) error {
	server := &http.Server{
		Handler:      c.api,
		ReadTimeout:  c.config.Server.ReadTimeout,
		WriteTimeout: c.config.Server.WriteTimeout,
		IdleTimeout:  c.config.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(lis) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	// Shutdown does not track hijacked websocket connections.
	c.gateway.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// Close releases storage. It is safe to call more than once.
func (c *Coordinator) Close() error {
	c.closeOnce.Do(func() {
		c.gateway.Close()
		c.detachMetrics()
		c.bus.Close()
		c.closeErr = c.backend.Close()
	})
	return c.closeErr
}

func (c *Coordinator) Handler() http.Handler              { return c.api }
func (c *Coordinator) Issuer() *issuer.Issuer             { return c.issuer }
func (c *Coordinator) Registry() *registry.Registry       { return c.registry }
func (c *Coordinator) Ledger() *ledger.Ledger             { return c.ledger }
func (c *Coordinator) Dispatcher() *dispatcher.Dispatcher { return c.dispatcher }
func (c *Coordinator) Gateway() *gateway.Gateway          { return c.gateway }
func (c *Coordinator) Health() *health.Checker            { return c.checker }
