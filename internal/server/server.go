// Package server wires the retrieval core behind the HTTP surface and the
// fx application lifecycle.
package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/hsn0918/bookrag/internal/answer"
	"github.com/hsn0918/bookrag/internal/eval"
	"github.com/hsn0918/bookrag/internal/index"
	"github.com/hsn0918/bookrag/internal/ingest"
	"github.com/hsn0918/bookrag/pkg/clients/base"
	"github.com/hsn0918/bookrag/pkg/config"
	"github.com/hsn0918/bookrag/pkg/logger"
	"go.uber.org/zap"
)

// Server carries the request handlers and their dependencies.
type Server struct {
	cfg      *config.Config
	idx      *index.Index
	ingestor *ingest.Ingestor
	answerer *answer.Answerer
	testGen  *eval.TestSetGenerator
	runner   *eval.Runner
}

// NewServer is the Server constructor.
func NewServer(
	cfg *config.Config,
	idx *index.Index,
	ingestor *ingest.Ingestor,
	answerer *answer.Answerer,
	testGen *eval.TestSetGenerator,
	runner *eval.Runner,
) *Server {
	return &Server{
		cfg:      cfg,
		idx:      idx,
		ingestor: ingestor,
		answerer: answerer,
		testGen:  testGen,
		runner:   runner,
	}
}

// errorResponse is the JSON error envelope of every failed request.
type errorResponse struct {
	Error    string `json:"error"`
	Category string `json:"category"`
}

// writeJSON writes v as a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := sonic.Marshal(v)
	if err != nil {
		logger.Get().Error("failed to encode response", zap.Error(err))
		http.Error(w, `{"error":"encoding failure","category":"internal"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError maps an error to its stable category and status code.
func writeError(w http.ResponseWriter, err error) {
	status, category := classifyError(err)
	writeJSON(w, status, errorResponse{Error: err.Error(), Category: category})
}

// classifyError maps pipeline errors to HTTP statuses and the stable error
// categories surfaced to callers.
func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout, "cancelled"
	case base.IsRateLimited(err):
		return http.StatusTooManyRequests, "rate_limited"
	case base.IsUnauthorized(err):
		return http.StatusUnauthorized, "unauthorized"
	case base.IsUpstreamError(err):
		return http.StatusBadGateway, "upstream_error"
	case errors.Is(err, answer.ErrEmptyQuery):
		return http.StatusBadRequest, "empty_input"
	case errors.Is(err, index.ErrNotReady):
		return http.StatusServiceUnavailable, "not_ready"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// requireReady rejects requests until the index is ingested.
func (s *Server) requireReady(w http.ResponseWriter) bool {
	if s.idx.Ready() {
		return true
	}
	writeError(w, index.ErrNotReady)
	return false
}

// handleHealthz reports liveness and index readiness.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"ready":  s.idx.Ready(),
	})
}
