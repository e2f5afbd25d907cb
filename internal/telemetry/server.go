package telemetry

import (
	"context"
	"net/http"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Server exposes /metrics over HTTP.
type Server struct {
	server  *http.Server
	errChan chan error
}

// NewServer serves metrics gathered from gatherer on addr, e.g. ":9464".
func NewServer(addr string, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return &Server{
		server:  &http.Server{Addr: addr, Handler: mux},
		errChan: make(chan error, 1),
	}
}

// Start listens in the background and returns immediately.
func (s *Server) Start() {
	go func() {
		log.Info().Str("addr", s.server.Addr).Msg("metrics server listening")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", s.server.Addr).Msg("metrics server stopped")
			s.errChan <- err
		}
	}()
}

// Err returns a listen failure without blocking.
func (s *Server) Err() error {
	select {
	case err := <-s.errChan:
		return err
	default:
		return nil
	}
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
