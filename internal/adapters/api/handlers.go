package api

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/eleven-am/hypernode/internal/domain"
	"github.com/gorilla/mux"
)

func (s *Server) handleIssueCredential(w http.ResponseWriter, r *http.Request) {
	var req issueCredentialRequest
	if !s.decode(w, r, &req) {
		return
	}

	cred, err := s.issuer.IssueCredential(r.Context(), req.Owner)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, issueCredentialResponse{
		CredentialID: cred.ID,
		Owner:        cred.Owner,
		IssuedAt:     cred.IssuedAt,
		ExpiresAt:    cred.IssuedAt.Add(s.issuer.CredentialTTL()),
	})
}

// maxDurationSeconds is the largest limit that still fits in a time.Duration.
const maxDurationSeconds = math.MaxInt64 / int64(time.Second)

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Constraints.MaxDurationSeconds < 0 {
		s.writeError(w, r, domain.NewError(domain.KindInvalidConstraints, "max_duration_seconds cannot be negative"))
		return
	}
	if req.Constraints.MaxDurationSeconds > maxDurationSeconds {
		s.writeError(w, r, domain.NewErrorf(domain.KindInvalidConstraints, "max_duration_seconds cannot exceed %d", maxDurationSeconds))
		return
	}

	job, err := s.jobs.Submit(r.Context(), req.Owner, req.Type, req.PayloadRef, req.Constraints.toDomain(), req.Budget)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"job_id": job.ID,
		"job":    newJobView(job),
	})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.JobFilter{
		Owner: q.Get("owner"),
		Type:  q.Get("type"),
	}

	if status := q.Get("status"); status != "" {
		state, ok := domain.ParseJobState(strings.ToLower(status))
		if !ok {
			s.writeError(w, r, domain.NewErrorf(domain.KindInvalidInput, "unknown status %q", status))
			return
		}
		filter.State = state
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			s.writeError(w, r, domain.NewError(domain.KindInvalidInput, "limit must be a non-negative integer"))
			return
		}
		filter.Limit = n
	}

	jobs, err := s.jobs.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	views := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, newJobView(j))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": views, "count": len(views)})
}

func (s *Server) handleJobStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.jobs.Stats(r.Context(), r.URL.Query().Get("owner"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobView(job))
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	requester, ok := s.requester(w, r)
	if !ok {
		return
	}

	job, err := s.jobs.Cancel(r.Context(), mux.Vars(r)["id"], requester)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "job": newJobView(job)})
}

func (s *Server) handleStopJob(w http.ResponseWriter, r *http.Request) {
	requester, ok := s.requester(w, r)
	if !ok {
		return
	}

	job, err := s.jobs.RequestStop(r.Context(), mux.Vars(r)["id"], requester)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"ok": true, "job": newJobView(job)})
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.NodeFilter{
		Owner:    q.Get("owner"),
		GPUModel: q.Get("gpu_model"),
	}
	if tags := q.Get("tags"); tags != "" {
		filter.Tags = strings.Split(tags, ",")
	}
	if state := strings.ToLower(q.Get("state")); state != "" {
		switch domain.NodeState(state) {
		case domain.NodeOnline, domain.NodeOffline:
			filter.State = domain.NodeState(state)
		default:
			s.writeError(w, r, domain.NewErrorf(domain.KindInvalidInput, "unknown state %q", state))
			return
		}
	}

	nodes, err := s.nodes.ListByFilter(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	views := make([]nodeView, 0, len(nodes))
	for _, n := range nodes {
		views = append(views, newNodeView(n))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"nodes": views, "count": len(views)})
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	node, err := s.nodes.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newNodeView(node))
}

func (s *Server) handleDeregisterNode(w http.ResponseWriter, r *http.Request) {
	requester, ok := s.requester(w, r)
	if !ok {
		return
	}

	if err := s.nodes.Deregister(r.Context(), mux.Vars(r)["id"], requester); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (s *Server) handleNetworkStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.nodes.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
