package gateway

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/eleven-am/hypernode/internal/adapters/dispatcher"
	"github.com/eleven-am/hypernode/internal/adapters/events"
	"github.com/eleven-am/hypernode/internal/adapters/issuer"
	"github.com/eleven-am/hypernode/internal/adapters/ledger"
	"github.com/eleven-am/hypernode/internal/adapters/memory"
	"github.com/eleven-am/hypernode/internal/adapters/registry"
	"github.com/eleven-am/hypernode/internal/domain"
	"github.com/eleven-am/hypernode/internal/xjson"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stack struct {
	issuer     *issuer.Issuer
	registry   *registry.Registry
	ledger     *ledger.Ledger
	dispatcher *dispatcher.Dispatcher
	gateway    *Gateway
	server     *httptest.Server
}

func newStack(t *testing.T) *stack {
	t.Helper()
	backend := memory.NewBackend(nil)
	bus := events.NewBus(nil)

	iss := issuer.New(backend.Credentials(), domain.DefaultIssuerConfig(), nil)
	reg := registry.New(backend.Nodes(), iss, domain.DefaultRegistryConfig(), nil, registry.WithEventBus(bus))
	led := ledger.New(backend.Jobs(), reg, domain.DefaultLedgerConfig(), nil, ledger.WithEventBus(bus))
	disp := dispatcher.New(reg, led, domain.DefaultDispatcherConfig(), nil)
	reg.SetNodeLossHandler(disp)

	gw := New(reg, led, disp, domain.DefaultGatewayConfig(), nil, WithEventBus(bus))
	disp.SetPusher(gw)

	server := httptest.NewServer(gw)
	t.Cleanup(func() {
		gw.Close()
		server.Close()
		bus.Close()
	})

	return &stack{issuer: iss, registry: reg, ledger: led, dispatcher: disp, gateway: gw, server: server}
}

type client struct {
	t    *testing.T
	conn *websocket.Conn
}

func (s *stack) dial(t *testing.T) *client {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &client{t: t, conn: conn}
}

func (c *client) send(frame map[string]interface{}) {
	c.t.Helper()
	data, err := xjson.Marshal(frame)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, data))
}

func (c *client) read() outboundFrame {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := c.conn.ReadMessage()
	require.NoError(c.t, err)

	var frame outboundFrame
	require.NoError(c.t, xjson.Unmarshal(data, &frame))
	return frame
}

func (c *client) register(s *stack, owner string, caps map[string]interface{}) string {
	c.t.Helper()
	cred, err := s.issuer.IssueCredential(context.Background(), owner)
	require.NoError(c.t, err)

	c.send(map[string]interface{}{"type": "register", "credential_id": cred.ID, "capabilities": caps})
	frame := c.read()
	require.Equal(c.t, frameRegistered, frame.Type)
	require.NotEmpty(c.t, frame.NodeID)
	return frame.NodeID
}

func TestRegistrationAndHeartbeat(t *testing.T) {
	s := newStack(t)
	c := s.dial(t)

	c.send(map[string]interface{}{"type": "heartbeat"})
	frame := c.read()
	assert.Equal(t, frameError, frame.Type)
	assert.Equal(t, string(domain.KindNotAuthenticated), frame.ErrorKind)

	c.send(map[string]interface{}{"type": "register", "credential_id": "bogus"})
	frame = c.read()
	assert.Equal(t, frameError, frame.Type)
	assert.Equal(t, string(domain.KindNotFound), frame.ErrorKind)

	nodeID := c.register(s, "alice", map[string]interface{}{"gpu_model": "RTX 4090", "vram_gb": 24})
	assert.True(t, s.gateway.HasSession(nodeID))

	c.send(map[string]interface{}{"type": "heartbeat", "status": map[string]interface{}{"load": 0.25}})
	frame = c.read()
	assert.Equal(t, frameAck, frame.Type)
	assert.Equal(t, int64(20000), frame.NextDeadlineMs)

	node, err := s.registry.Get(context.Background(), nodeID)
	require.NoError(t, err)
	assert.Equal(t, 0.25, node.Load)

	c.send(map[string]interface{}{"type": "register", "credential_id": "again"})
	frame = c.read()
	assert.Equal(t, string(domain.KindInvalidState), frame.ErrorKind)
}

func TestMalformedAndUnknownFrames(t *testing.T) {
	s := newStack(t)
	c := s.dial(t)

	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	frame := c.read()
	assert.Equal(t, string(domain.KindInvalidInput), frame.ErrorKind)

	c.send(map[string]interface{}{"type": "dance"})
	frame = c.read()
	assert.Equal(t, string(domain.KindInvalidInput), frame.ErrorKind)
}

func TestJobLifecycleOverSession(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	c := s.dial(t)
	nodeID := c.register(s, "alice", map[string]interface{}{"tags": []string{"inference"}})

	job, err := s.ledger.Submit(ctx, "bob", domain.JobTypeLLMInference, "s3://prompt", domain.Constraints{Tags: []string{"inference"}}, 10)
	require.NoError(t, err)

	assigned, err := s.dispatcher.DispatchOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, assigned)

	frame := c.read()
	require.Equal(t, frameJob, frame.Type)
	assert.Equal(t, job.ID, frame.JobID)
	assert.Equal(t, "s3://prompt", frame.PayloadRef)
	assert.Equal(t, 1, frame.Attempt)
	require.NotNil(t, frame.Constraints)
	assert.Equal(t, int64(3600), frame.Constraints.MaxDurationSeconds)

	got, err := s.ledger.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobAssigned, got.State, "pushing alone does not start the job")

	c.send(map[string]interface{}{"type": "job_ack", "job_id": job.ID, "attempt": 1})
	require.Eventually(t, func() bool {
		got, err := s.ledger.Get(ctx, job.ID)
		return err == nil && got.State == domain.JobRunning
	}, 2*time.Second, 10*time.Millisecond)

	c.send(map[string]interface{}{
		"type":    "job_result",
		"job_id":  job.ID,
		"attempt": 1,
		"outcome": "completed",
		"metrics": map[string]float64{"duration_seconds": 5, "tokens": 512},
	})
	frame = c.read()
	assert.Equal(t, frameAck, frame.Type)
	assert.Equal(t, job.ID, frame.JobID)

	done, err := s.ledger.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, done.State)
	assert.InDelta(t, 5*domain.DefaultLedgerConfig().RatePerSecond, done.Cost, 1e-12)
	assert.Equal(t, 512.0, done.Metrics.Values["tokens"])

	node, err := s.registry.Get(ctx, nodeID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), node.CompletedJobs)

	c.send(map[string]interface{}{"type": "job_result", "job_id": job.ID, "attempt": 1, "outcome": "completed"})
	frame = c.read()
	assert.Equal(t, string(domain.KindInvalidState), frame.ErrorKind)
}

func TestDisconnectReleasesRunningJob(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	c := s.dial(t)
	nodeID := c.register(s, "alice", nil)

	job, err := s.ledger.Submit(ctx, "bob", domain.JobTypeRender, "ref", domain.Constraints{}, 1)
	require.NoError(t, err)
	_, err = s.dispatcher.DispatchOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, frameJob, c.read().Type)

	c.send(map[string]interface{}{"type": "job_ack", "job_id": job.ID, "attempt": 1})
	require.Eventually(t, func() bool {
		got, err := s.ledger.Get(ctx, job.ID)
		return err == nil && got.State == domain.JobRunning
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.conn.Close())

	require.Eventually(t, func() bool {
		got, err := s.ledger.Get(ctx, job.ID)
		return err == nil && got.State == domain.JobPending && got.AssignedNode == ""
	}, 2*time.Second, 10*time.Millisecond)

	node, err := s.registry.Get(ctx, nodeID)
	require.NoError(t, err)
	assert.Equal(t, domain.NodeOffline, node.State)
	assert.False(t, node.IsBusy())
	assert.False(t, s.gateway.HasSession(nodeID))
}

func TestStopRequestReachesNode(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	c := s.dial(t)
	c.register(s, "alice", nil)

	job, err := s.ledger.Submit(ctx, "bob", domain.JobTypeRender, "ref", domain.Constraints{}, 1)
	require.NoError(t, err)
	_, err = s.dispatcher.DispatchOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, frameJob, c.read().Type)

	c.send(map[string]interface{}{"type": "job_ack", "job_id": job.ID, "attempt": 1})
	require.Eventually(t, func() bool {
		got, err := s.ledger.Get(ctx, job.ID)
		return err == nil && got.State == domain.JobRunning
	}, 2*time.Second, 10*time.Millisecond)

	_, err = s.ledger.RequestStop(ctx, job.ID, "bob")
	require.NoError(t, err)

	frame := c.read()
	assert.Equal(t, frameStop, frame.Type)
	assert.Equal(t, job.ID, frame.JobID)
}

func TestReportsFromEarlierAttemptRejected(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	c := s.dial(t)
	nodeID := c.register(s, "alice", nil)

	job, err := s.ledger.Submit(ctx, "bob", domain.JobTypeRender, "ref", domain.Constraints{}, 1)
	require.NoError(t, err)
	_, err = s.dispatcher.DispatchOnce(ctx)
	require.NoError(t, err)
	first := c.read()
	require.Equal(t, frameJob, first.Type)
	require.Equal(t, 1, first.Attempt)

	released, err := s.ledger.ReleaseIfAssignedTo(ctx, job.ID, nodeID, "ack_timeout")
	require.NoError(t, err)
	require.True(t, released)

	_, err = s.dispatcher.DispatchOnce(ctx)
	require.NoError(t, err)
	second := c.read()
	require.Equal(t, frameJob, second.Type)
	require.Equal(t, 2, second.Attempt)

	c.send(map[string]interface{}{"type": "job_ack", "job_id": job.ID})
	frame := c.read()
	assert.Equal(t, string(domain.KindInvalidInput), frame.ErrorKind)

	c.send(map[string]interface{}{"type": "job_result", "job_id": job.ID, "attempt": first.Attempt, "outcome": "completed"})
	frame = c.read()
	assert.Equal(t, string(domain.KindNodeMismatch), frame.ErrorKind)

	got, err := s.ledger.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobAssigned, got.State)

	c.send(map[string]interface{}{"type": "job_result", "job_id": job.ID, "attempt": second.Attempt, "outcome": "completed"})
	frame = c.read()
	assert.Equal(t, frameAck, frame.Type)
}

func TestPushWithoutSession(t *testing.T) {
	s := newStack(t)

	err := s.gateway.PushJob(context.Background(), "ghost", &domain.Job{ID: "j"})
	assert.Equal(t, domain.KindNoSession, domain.KindOf(err))
	assert.False(t, s.gateway.HasSession("ghost"))
}

func TestResultMetrics(t *testing.T) {
	m := resultMetrics(inboundFrame{Metrics: map[string]float64{"duration_seconds": 3, "vram_peak": 20}, Error: "oom"})
	assert.Equal(t, 3.0, m.DurationSeconds)
	assert.Equal(t, 20.0, m.Values["vram_peak"])
	assert.Equal(t, "oom", m.Error)

	outcome, ok := parseOutcome(" Completed ")
	assert.True(t, ok)
	assert.Equal(t, domain.OutcomeCompleted, outcome)
	_, ok = parseOutcome("done")
	assert.False(t, ok)
}
