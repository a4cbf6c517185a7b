package api

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/eleven-am/hypernode/internal/adapters/issuer"
	"github.com/eleven-am/hypernode/internal/adapters/ledger"
	"github.com/eleven-am/hypernode/internal/adapters/memory"
	"github.com/eleven-am/hypernode/internal/adapters/registry"
	"github.com/eleven-am/hypernode/internal/domain"
	"github.com/eleven-am/hypernode/internal/xjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	server   *Server
	issuer   *issuer.Issuer
	registry *registry.Registry
	ledger   *ledger.Ledger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	backend := memory.NewBackend(nil)
	iss := issuer.New(backend.Credentials(), domain.DefaultIssuerConfig(), nil)
	reg := registry.New(backend.Nodes(), iss, domain.DefaultRegistryConfig(), nil)
	led := ledger.New(backend.Jobs(), reg, domain.DefaultLedgerConfig(), nil)

	return &harness{
		server:   New(iss, reg, led, nil),
		issuer:   iss,
		registry: reg,
		ledger:   led,
	}
}

func (h *harness) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		data, err := xjson.Marshal(body)
		require.NoError(t, err)
		buf.Write(data)
	}

	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, req)

	out := map[string]interface{}{}
	if rec.Body.Len() > 0 {
		require.NoError(t, xjson.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec, out
}

func (h *harness) enroll(t *testing.T, owner string) *domain.Node {
	t.Helper()
	ctx := context.Background()
	cred, err := h.issuer.IssueCredential(ctx, owner)
	require.NoError(t, err)
	node, err := h.registry.Enroll(ctx, cred.ID, domain.Capabilities{GPUModel: "RTX 4090", VRAMGB: 24, Tags: []string{"llm"}})
	require.NoError(t, err)
	return node
}

func TestIssueCredential(t *testing.T) {
	h := newHarness(t)

	rec, body := h.do(t, http.MethodPost, "/api/credentials", map[string]string{"owner": "alice"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.NotEmpty(t, body["credential_id"])
	assert.Equal(t, "alice", body["owner"])

	issued, err := time.Parse(time.RFC3339Nano, body["issued_at"].(string))
	require.NoError(t, err)
	expires, err := time.Parse(time.RFC3339Nano, body["expires_at"].(string))
	require.NoError(t, err)
	assert.Equal(t, h.issuer.CredentialTTL(), expires.Sub(issued))

	rec, body = h.do(t, http.MethodPost, "/api/credentials", map[string]string{"owner": "bad owner!"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(domain.KindInvalidInput), body["error_kind"])
}

func TestMalformedBody(t *testing.T) {
	h := newHarness(t)

	req := httptest.NewRequest(http.MethodPost, "/api/jobs", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), string(domain.KindInvalidInput))
}

func TestJobLifecycle(t *testing.T) {
	h := newHarness(t)

	rec, body := h.do(t, http.MethodPost, "/api/jobs", map[string]interface{}{
		"owner":       "alice",
		"type":        domain.JobTypeLLMInference,
		"payload_ref": "s3://bucket/prompt.json",
		"budget":      5,
		"constraints": map[string]interface{}{"tags": []string{"LLM"}, "max_duration_seconds": 120},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	jobID := body["job_id"].(string)

	job := body["job"].(map[string]interface{})
	assert.Equal(t, "pending", job["status"])
	constraints := job["constraints"].(map[string]interface{})
	assert.EqualValues(t, 120, constraints["max_duration_seconds"])
	assert.Equal(t, []interface{}{"llm"}, constraints["tags"])

	rec, body = h.do(t, http.MethodGet, "/api/jobs/"+jobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, jobID, body["id"])

	rec, body = h.do(t, http.MethodGet, "/api/jobs?owner=alice&status=PENDING", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["count"])

	rec, _ = h.do(t, http.MethodGet, "/api/jobs?status=sleeping", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = h.do(t, http.MethodPost, "/api/jobs/"+jobID+"/cancel", map[string]string{"requester": "mallory"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, body = h.do(t, http.MethodPost, "/api/jobs/"+jobID+"/cancel", map[string]string{"requester": "alice"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cancelled", body["job"].(map[string]interface{})["status"])

	rec, body = h.do(t, http.MethodPost, "/api/jobs/"+jobID+"/cancel", map[string]string{"requester": "alice"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(domain.KindInvalidState), body["error_kind"])

	rec, body = h.do(t, http.MethodGet, "/api/jobs/stats?owner=alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["cancelled"])
}

func TestSubmitRejectsBadConstraints(t *testing.T) {
	h := newHarness(t)

	rec, body := h.do(t, http.MethodPost, "/api/jobs", map[string]interface{}{
		"owner":       "alice",
		"type":        domain.JobTypeRender,
		"payload_ref": "blob://scene",
		"constraints": map[string]interface{}{"min_vram_gb": -1},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(domain.KindInvalidConstraints), body["error_kind"])

	rec, body = h.do(t, http.MethodPost, "/api/jobs", map[string]interface{}{
		"owner":       "alice",
		"type":        domain.JobTypeRender,
		"payload_ref": "blob://scene",
		"constraints": map[string]interface{}{"max_duration_seconds": int64(18446744074)},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(domain.KindInvalidConstraints), body["error_kind"])

	jobs, err := h.ledger.List(context.Background(), domain.JobFilter{Owner: "alice"})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestStopRequiresRunningJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	node := h.enroll(t, "bob")
	job, err := h.ledger.Submit(ctx, "alice", domain.JobTypeLLMInference, "ref", domain.Constraints{}, 1)
	require.NoError(t, err)
	_, err = h.ledger.Assign(ctx, job.ID, node.ID)
	require.NoError(t, err)
	_, err = h.ledger.Start(ctx, job.ID, node.ID, 0)
	require.NoError(t, err)

	rec, body := h.do(t, http.MethodPost, "/api/jobs/"+job.ID+"/cancel", map[string]string{"requester": "alice"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(domain.KindInvalidState), body["error_kind"])

	rec, body = h.do(t, http.MethodPost, "/api/jobs/"+job.ID+"/stop?requester=alice", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, true, body["job"].(map[string]interface{})["stop_requested"])
}

func TestNodes(t *testing.T) {
	h := newHarness(t)
	node := h.enroll(t, "bob")
	h.enroll(t, "carol")

	rec, body := h.do(t, http.MethodGet, "/api/nodes?owner=bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["count"])

	rec, body = h.do(t, http.MethodGet, "/api/nodes?tags=LLM&state=online&gpu_model=4090", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, body["count"])

	rec, _ = h.do(t, http.MethodGet, "/api/nodes?state=busy", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = h.do(t, http.MethodGet, "/api/nodes/"+node.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "online", body["status"])
	assert.EqualValues(t, domain.DefaultReputation, body["reputation"])

	rec, body = h.do(t, http.MethodGet, "/api/network/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, body["total_nodes"])
	assert.EqualValues(t, 2, body["online_nodes"])

	rec, _ = h.do(t, http.MethodDelete, "/api/nodes/"+node.ID+"?requester=carol", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = h.do(t, http.MethodDelete, "/api/nodes/"+node.ID, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = h.do(t, http.MethodDelete, "/api/nodes/"+node.ID, map[string]string{"requester": "bob"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body = h.do(t, http.MethodGet, "/api/nodes/"+node.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, string(domain.KindNotFound), body["error_kind"])
}

func TestUnknownRoute(t *testing.T) {
	h := newHarness(t)

	rec, body := h.do(t, http.MethodGet, "/api/nothing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, string(domain.KindNotFound), body["error_kind"])
}

func TestInternalErrorsAreMasked(t *testing.T) {
	h := newHarness(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)

	h.server.writeError(rec, req, domain.NewStorageError("get", "jobs/1", assert.AnError))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "jobs/1")
	assert.Contains(t, rec.Body.String(), "internal error")
}

type denyAfter struct {
	remaining int
}

func (d *denyAfter) Allow(string) bool {
	d.remaining--
	return d.remaining >= 0
}

func TestRateLimit(t *testing.T) {
	h := newHarness(t)
	limited := New(h.issuer, h.registry, h.ledger, nil, WithRateLimit(&denyAfter{remaining: 1}))

	rec := httptest.NewRecorder()
	limited.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/network/stats", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	limited.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/network/stats", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), string(domain.KindRateLimited))
}
