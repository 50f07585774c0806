package api

import (
	"log/slog"
	"net/http"

	"github.com/trustdesk/govrec/pkg/lifecycle"
)

// Server exposes the revision lifecycle engine over HTTP.
type Server struct {
	engine *lifecycle.Engine
	logger *slog.Logger
}

// NewServer creates a Server over the given engine.
func NewServer(engine *lifecycle.Engine, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{engine: engine, logger: logger}
}

// Handler wires the record routes with request-ID and rate-limit middleware.
func (s *Server) Handler(limiter *GlobalRateLimiter) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /records", s.handleCreate)
	mux.HandleFunc("GET /records/{id}", s.handleGet)
	mux.HandleFunc("PUT /records/{id}", s.handleUpdate)
	mux.HandleFunc("POST /records/{id}/finalize", s.handleFinalize)
	mux.HandleFunc("POST /records/{id}/amend", s.handleAmend)
	mux.HandleFunc("POST /records/{id}/void", s.handleVoid)
	mux.HandleFunc("GET /records/{id}/revisions", s.handleListRevisions)
	mux.HandleFunc("GET /records/{id}/revisions/diff", s.handleDiff)
	mux.HandleFunc("GET /records/{id}/revisions/{version}/verify", s.handleVerify)
	mux.HandleFunc("GET /records/{id}/seals", s.handleSeals)
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	var h http.Handler = mux
	if limiter != nil {
		h = limiter.Middleware(h)
	}
	return RequestID(s.logger, h)
}
