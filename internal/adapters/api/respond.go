package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/eleven-am/hypernode/internal/domain"
	"github.com/eleven-am/hypernode/internal/xjson"
)

const maxBodyBytes = 1 << 20

func statusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindNotFound, domain.KindUnknownNode:
		return http.StatusNotFound
	case domain.KindUnauthorized:
		return http.StatusForbidden
	case domain.KindNotAuthenticated:
		return http.StatusUnauthorized
	case domain.KindExpired:
		return http.StatusGone
	case domain.KindInvalidState, domain.KindAlreadyUsed, domain.KindConflict, domain.KindNodeMismatch:
		return http.StatusConflict
	case domain.KindInvalidConstraints, domain.KindInvalidInput:
		return http.StatusBadRequest
	case domain.KindTimeout:
		return http.StatusGatewayTimeout
	case domain.KindRateLimited:
		return http.StatusTooManyRequests
	case domain.KindNoSession:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := domain.KindOf(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		kind = domain.KindInternal
	} else {
		s.logger.Warn("request rejected", "method", r.Method, "path", r.URL.Path, "kind", kind, "error", err)
	}

	writeJSON(w, status, errorResponse{
		ErrorKind: string(kind),
		Message:   domain.PublicMessage(err),
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = xjson.NewEncoder(w).Encode(body)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := xjson.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, r, domain.Error{Kind: domain.KindInvalidInput, Message: "malformed request body", Err: err})
		return false
	}
	return true
}

// requester reads the acting identity from the body, falling back to the
// requester query parameter for clients that cannot send a DELETE body.
func (s *Server) requester(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req requesterRequest
	if !s.decode(w, r, &req) {
		return "", false
	}
	if req.Requester == "" {
		req.Requester = r.URL.Query().Get("requester")
	}
	if req.Requester == "" {
		s.writeError(w, r, domain.NewError(domain.KindInvalidInput, "requester is required"))
		return "", false
	}
	return req.Requester, true
}
