package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/eleven-am/hypernode/internal/domain"
	"github.com/eleven-am/hypernode/internal/ports"
	"github.com/eleven-am/hypernode/internal/xjson"
	"github.com/gorilla/websocket"
)

// Gateway terminates node websocket sessions. A connection starts
// unauthenticated, becomes bound to a node by a successful register frame
// and, when it closes for any reason, reports the node as lost before the
// handler returns.
type Gateway struct {
	registry ports.NodeRegistry
	ledger   ports.JobLedger
	loss     ports.NodeLossHandler
	events   ports.EventBus
	metrics  ports.MetricsRecorder
	config   domain.GatewayConfig
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*session
	conns    map[*session]struct{}
	closed   bool
	wg       sync.WaitGroup

	unsubscribe func()
}

var _ ports.JobPusher = (*Gateway)(nil)

type Option func(*Gateway)

func WithEventBus(bus ports.EventBus) Option {
	return func(g *Gateway) { g.events = bus }
}

func WithMetrics(metrics ports.MetricsRecorder) Option {
	return func(g *Gateway) {
		if metrics != nil {
			g.metrics = metrics
		}
	}
}

func New(registry ports.NodeRegistry, ledger ports.JobLedger, loss ports.NodeLossHandler, config domain.GatewayConfig, logger *slog.Logger, opts ...Option) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}

	g := &Gateway{
		registry: registry,
		ledger:   ledger,
		loss:     loss,
		metrics:  ports.NoopMetrics{},
		config:   config,
		logger:   logger.With("component", "gateway"),
		sessions: make(map[string]*session),
		conns:    make(map[*session]struct{}),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     g.checkOrigin,
	}
	for _, opt := range opts {
		opt(g)
	}

	if g.events != nil {
		g.unsubscribe = g.events.Subscribe(g.onStopEvent, domain.EventJobStopRequested, domain.EventJobCancelled)
	}
	return g
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(g.config.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range g.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	s := newSession(conn, g.config.WriteTimeout, g.logger.With("remote", r.RemoteAddr))
	if !g.track(s) {
		s.close()
		return
	}
	defer g.wg.Done()

	g.serve(s)
}

func (g *Gateway) track(s *session) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.conns[s] = struct{}{}
	g.wg.Add(1)
	return true
}

func (g *Gateway) serve(s *session) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer g.disconnect(s)

	if g.config.MaxMessageBytes > 0 {
		s.conn.SetReadLimit(g.config.MaxMessageBytes)
	}
	readWait := g.readWait()
	_ = s.conn.SetReadDeadline(time.Now().Add(readWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(readWait))
	})

	go g.keepAlive(s)

	s.logger.Debug("session opened")
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("session read failed", "node_id", s.nodeID, "error", err)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(readWait))

		var frame inboundFrame
		if err := xjson.Unmarshal(data, &frame); err != nil {
			g.reply(s, errorFrame(domain.NewError(domain.KindInvalidInput, "malformed frame"), ""))
			continue
		}
		g.handle(ctx, s, frame)
	}
}

func (g *Gateway) handle(ctx context.Context, s *session, frame inboundFrame) {
	switch frame.Type {
	case frameRegister:
		g.handleRegister(ctx, s, frame)
	case frameHeartbeat:
		g.handleHeartbeat(ctx, s, frame)
	case frameJobAck:
		g.handleJobAck(ctx, s, frame)
	case frameJobResult:
		g.handleJobResult(ctx, s, frame)
	default:
		g.reply(s, errorFrame(domain.NewErrorf(domain.KindInvalidInput, "unknown frame type %q", frame.Type), ""))
	}
}

func (g *Gateway) handleRegister(ctx context.Context, s *session, frame inboundFrame) {
	if s.nodeID != "" {
		g.reply(s, errorFrame(domain.NewError(domain.KindInvalidState, "session already registered"), s.nodeID))
		return
	}

	var caps domain.Capabilities
	if frame.Capabilities != nil {
		caps = *frame.Capabilities
	}

	node, err := g.registry.Enroll(ctx, frame.CredentialID, caps)
	if err != nil {
		s.logger.Warn("registration rejected", "error", err)
		g.reply(s, errorFrame(err, frame.CredentialID))
		return
	}

	s.nodeID = node.ID
	g.bind(node.ID, s)

	g.reply(s, outboundFrame{
		Type:           frameRegistered,
		NodeID:         node.ID,
		NextDeadlineMs: g.registry.HeartbeatInterval().Milliseconds(),
	})
	s.logger.Info("node session bound", "node_id", node.ID, "owner", node.Owner)
	g.publish(domain.Event{Type: domain.EventNodeConnected, NodeID: node.ID, Owner: node.Owner, Timestamp: time.Now()})
}

func (g *Gateway) handleHeartbeat(ctx context.Context, s *session, frame inboundFrame) {
	if s.nodeID == "" {
		g.reply(s, errorFrame(domain.NewError(domain.KindNotAuthenticated, "register before sending heartbeats"), ""))
		return
	}

	var hint domain.StatusHint
	if frame.Status != nil {
		hint = *frame.Status
	}

	next, err := g.registry.Heartbeat(ctx, s.nodeID, hint)
	if err != nil {
		g.reply(s, errorFrame(err, s.nodeID))
		return
	}
	g.reply(s, outboundFrame{Type: frameAck, NextDeadlineMs: next.Milliseconds()})
}

func (g *Gateway) handleJobAck(ctx context.Context, s *session, frame inboundFrame) {
	if s.nodeID == "" {
		g.reply(s, errorFrame(domain.NewError(domain.KindNotAuthenticated, "session is not registered"), frame.JobID))
		return
	}

	if frame.Attempt <= 0 {
		g.reply(s, errorFrame(domain.NewError(domain.KindInvalidInput, "attempt is required"), frame.JobID))
		return
	}

	if _, err := g.ledger.Start(ctx, frame.JobID, s.nodeID, frame.Attempt); err != nil {
		s.logger.Warn("job acknowledgment rejected", "node_id", s.nodeID, "job_id", frame.JobID, "error", err)
		g.reply(s, errorFrame(err, frame.JobID))
	}
}

func (g *Gateway) handleJobResult(ctx context.Context, s *session, frame inboundFrame) {
	if s.nodeID == "" {
		g.reply(s, errorFrame(domain.NewError(domain.KindNotAuthenticated, "session is not registered"), frame.JobID))
		return
	}

	if frame.Attempt <= 0 {
		g.reply(s, errorFrame(domain.NewError(domain.KindInvalidInput, "attempt is required"), frame.JobID))
		return
	}

	outcome, ok := parseOutcome(frame.Outcome)
	if !ok {
		g.reply(s, errorFrame(domain.NewErrorf(domain.KindInvalidInput, "unknown outcome %q", frame.Outcome), frame.JobID))
		return
	}

	if _, err := g.ledger.RecordResult(ctx, frame.JobID, s.nodeID, frame.Attempt, outcome, resultMetrics(frame)); err != nil {
		s.logger.Warn("job result rejected", "node_id", s.nodeID, "job_id", frame.JobID, "error", err)
		g.reply(s, errorFrame(err, frame.JobID))
		return
	}
	g.reply(s, outboundFrame{Type: frameAck, JobID: frame.JobID})
}

// disconnect runs once per connection, after the read loop has ended. The
// node is reported lost synchronously so none of its jobs can be handed out
// again until they are back in Pending.
func (g *Gateway) disconnect(s *session) {
	s.close()

	g.mu.Lock()
	delete(g.conns, s)
	if s.nodeID != "" && g.sessions[s.nodeID] == s {
		delete(g.sessions, s.nodeID)
	}
	count := len(g.sessions)
	g.mu.Unlock()
	g.metrics.SetSessions(count)

	if s.nodeID == "" {
		s.logger.Debug("unauthenticated session closed")
		return
	}

	s.logger.Info("node session closed", "node_id", s.nodeID)
	if g.loss != nil {
		if err := g.loss.NodeLost(context.Background(), s.nodeID, domain.ReasonDisconnected); err != nil {
			s.logger.Error("failed to release node after disconnect", "node_id", s.nodeID, "error", err)
		}
	}
}

func (g *Gateway) bind(nodeID string, s *session) {
	g.mu.Lock()
	g.sessions[nodeID] = s
	count := len(g.sessions)
	g.mu.Unlock()
	g.metrics.SetSessions(count)
}

func (g *Gateway) session(nodeID string) *session {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.sessions[nodeID]
}

func (g *Gateway) HasSession(nodeID string) bool {
	return g.session(nodeID) != nil
}

// PushJob sends job to the node's session. The ledger moves the job to
// Running only when the node acknowledges it.
func (g *Gateway) PushJob(ctx context.Context, nodeID string, job *domain.Job) error {
	return g.push(nodeID, jobFrame(job))
}

func (g *Gateway) SendStop(ctx context.Context, nodeID, jobID string) error {
	return g.push(nodeID, outboundFrame{Type: frameStop, JobID: jobID})
}

func (g *Gateway) push(nodeID string, frame outboundFrame) error {
	s := g.session(nodeID)
	if s == nil {
		return domain.Error{Kind: domain.KindNoSession, Message: "no session bound to node", Details: map[string]interface{}{"node_id": nodeID}}
	}

	if err := s.send(frame); err != nil {
		s.logger.Warn("push failed, closing session", "node_id", nodeID, "type", frame.Type, "job_id", frame.JobID, "error", err)
		s.close()
		return domain.Error{Kind: domain.KindNoSession, Message: "session write failed", Err: err}
	}
	return nil
}

func (g *Gateway) onStopEvent(event domain.Event) {
	if event.NodeID == "" {
		return
	}
	if err := g.SendStop(context.Background(), event.NodeID, event.JobID); err != nil {
		g.logger.Debug("stop not delivered", "node_id", event.NodeID, "job_id", event.JobID, "error", err)
	}
}

func (g *Gateway) keepAlive(s *session) {
	if g.config.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(g.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.ping(); err != nil {
				s.close()
				return
			}
		}
	}
}

func (g *Gateway) reply(s *session, frame outboundFrame) {
	if err := s.send(frame); err != nil {
		s.logger.Debug("reply failed", "type", frame.Type, "error", err)
		s.close()
	}
}

func (g *Gateway) readWait() time.Duration {
	if g.config.PingInterval > 0 {
		return 2*g.config.PingInterval + g.config.WriteTimeout
	}
	return time.Minute
}

func (g *Gateway) SessionCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.sessions)
}

// Close drops every connection and waits until each one has been reported.
func (g *Gateway) Close() {
	g.mu.Lock()
	g.closed = true
	conns := make([]*session, 0, len(g.conns))
	for s := range g.conns {
		conns = append(conns, s)
	}
	g.mu.Unlock()

	if g.unsubscribe != nil {
		g.unsubscribe()
	}
	for _, s := range conns {
		s.close()
	}
	g.wg.Wait()
}

func (g *Gateway) publish(event domain.Event) {
	if g.events != nil {
		g.events.Publish(event)
	}
}
