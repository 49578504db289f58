// Package api is the HTTP front-end: it accepts clip requests, reports job
// status and hands finished artifacts over exactly once.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/mgpai22/klip/internal/logging"
)

type Server struct {
	httpServer *http.Server
	log        *logging.Logger
}

type ServerConfig struct {
	Addr       string
	Token      string
	Version    string
	Service    JobService
	ActiveRuns func() int
	Logger     *logging.Logger
	StartTime  time.Time
}

func NewServer(cfg ServerConfig) *Server {
	cfg.Logger = logging.OrNop(cfg.Logger)
	if cfg.StartTime.IsZero() {
		cfg.StartTime = time.Now()
	}
	router := NewRouter(cfg)

	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			// artifact downloads can be large and slow
			WriteTimeout: 0,
			IdleTimeout:  60 * time.Second,
		},
		log: cfg.Logger,
	}
}

func (s *Server) Start() error {
	s.log.Infow("starting HTTP server", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Infow("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Addr() string {
	return s.httpServer.Addr
}
