// Package api is the HTTP control surface used by the UI collaborator and by
// remote agents.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/genricoloni/solo/internal/orchestrator"
	"github.com/genricoloni/solo/internal/transport/ws"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Options configures the server
type Options struct {
	Addr string
	// RatePerSecond and Burst bound command requests per client address
	RatePerSecond float64
	Burst         int
}

// Server serves the control API
type Server struct {
	logger  *zap.Logger
	handler *Handler
	agents  *ws.Server
	gather  prometheus.Gatherer
	limiter *Limiter
	opts    Options

	srv      *http.Server
	listener net.Listener
}

// NewServer creates the control API server
func NewServer(logger *zap.Logger, orch *orchestrator.Orchestrator, agents *ws.Server, gather prometheus.Gatherer, opts Options) *Server {
	return &Server{
		logger:  logger,
		handler: NewHandler(logger, orch),
		agents:  agents,
		gather:  gather,
		limiter: NewLimiter(opts.RatePerSecond, opts.Burst),
		opts:    opts,
	}
}

// Routes builds the router
func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()

	api := r.PathPrefix("/v1").Subrouter()

	api.HandleFunc("/state", s.handler.GetState).Methods("GET")
	api.HandleFunc("/state/ws", s.handler.StreamState).Methods("GET")

	// Commands reach agents, so they are rate limited
	commands := api.PathPrefix("/contexts").Subrouter()
	commands.Use(RateLimitMiddleware(s.limiter))
	commands.HandleFunc("/{id}/pause", s.handler.PauseContext).Methods("POST", "OPTIONS")
	commands.HandleFunc("/{id}/speed", s.handler.SetSpeed).Methods("POST", "OPTIONS")
	commands.HandleFunc("/{id}/volume", s.handler.SetVolume).Methods("POST", "OPTIONS")

	if s.agents != nil {
		api.HandleFunc("/agents/{id}/ws", func(w http.ResponseWriter, r *http.Request) {
			s.agents.ServeAgent(w, r, mux.Vars(r)["id"])
		}).Methods("GET")
	}

	if s.gather != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gather, promhttp.HandlerOpts{})).Methods("GET")
	}

	r.Use(corsMiddleware)
	return r
}

// Start listens on the configured address and serves in the background
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.srv = &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Control API stopped", zap.Error(err))
		}
	}()
	s.logger.Info("Control API listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, useful when listening on port 0
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.opts.Addr
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down gracefully
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	s.handler.closeStreams()
	return s.srv.Shutdown(ctx)
}
