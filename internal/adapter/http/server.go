package http

import (
	"net/http"

	"github.com/bnema/reencode/internal/adapter/http/middleware"
	"github.com/bnema/reencode/internal/infrastructure/logger"
)

type Server struct {
	mux        *http.ServeMux
	handler    http.Handler
	handlers   *Handlers
	sseHandler *SSEHandler
	wsHandler  *WSHandler
	jobSvc     JobService
}

func NewServer(jobSvc JobService, events EventSource, sourceMount string, log *logger.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		mux:        mux,
		handlers:   NewHandlers(jobSvc, sourceMount, log),
		sseHandler: NewSSEHandler(events, jobSvc),
		wsHandler:  NewWSHandler(events, log),
		jobSvc:     jobSvc,
	}

	s.registerRoutes()
	s.handler = middleware.RequestID(log)(middleware.SecurityHeaders(s.mux))

	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /api/jobs", s.handlers.CreateJob())
	s.mux.HandleFunc("POST /api/jobs/batch", s.handlers.CreateBatch())
	s.mux.HandleFunc("GET /api/jobs", s.handlers.ListJobs())

	// literal segments take precedence over {id}
	s.mux.HandleFunc("DELETE /api/jobs/queued", s.handlers.ClearJobs(s.jobSvc.ClearQueued))
	s.mux.HandleFunc("DELETE /api/jobs/completed", s.handlers.ClearJobs(s.jobSvc.ClearFinished))
	s.mux.HandleFunc("DELETE /api/jobs/all", s.handlers.ClearJobs(s.jobSvc.ClearAll))

	s.mux.HandleFunc("GET /api/jobs/{id}", s.handlers.GetJob())
	s.mux.HandleFunc("DELETE /api/jobs/{id}", s.handlers.DeleteJob())

	s.mux.HandleFunc("GET /api/health", s.handlers.Health())
	s.mux.HandleFunc("GET /api/presets", s.handlers.Presets())

	s.mux.HandleFunc("GET /api/events", s.sseHandler.Events())
	s.mux.HandleFunc("GET /ws", s.wsHandler.Serve())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}
