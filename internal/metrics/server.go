package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Server serves /metrics for Prometheus.
type Server struct {
	server   *http.Server
	listener net.Listener
	log      zerolog.Logger
}

// NewServer creates a server for the collectors registered on gatherer.
func NewServer(log zerolog.Logger, addr string, gatherer prometheus.Gatherer) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return &Server{
		server: &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		log:    log,
	}
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.log.Info().Str("address", ln.Addr().String()).Str("endpoint", "/metrics").Msg("Metrics server started")

	go func() {
		if err := s.server.Serve(ln); err != nil {
			// http.ErrServerClosed is returned after Shutdown.
			if errors.Is(err, http.ErrServerClosed) {
				s.log.Debug().Err(err).Msg("Metrics server shutdown")
			} else {
				s.log.Error().Err(err).Msg("Metrics server error")
			}
		}
	}()
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down, waiting up to five seconds.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
