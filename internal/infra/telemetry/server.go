package telemetry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"toolmux/internal/domain"
)

const shutdownGrace = 5 * time.Second

// MetricsServer exposes a Prometheus gatherer over HTTP on /metrics.
// It binds eagerly in Start so an occupied port fails construction-time
// instead of surfacing later from a background goroutine.
type MetricsServer struct {
	addr     string
	gatherer prometheus.Gatherer
	logger   *zap.Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	done     chan struct{}
}

// MetricsServerOptions configures the observability listener.
type MetricsServerOptions struct {
	Addr     string
	Registry prometheus.Gatherer
	Logger   *zap.Logger
}

func NewMetricsServer(opts MetricsServerOptions) *MetricsServer {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	addr := opts.Addr
	if addr == "" {
		addr = domain.DefaultObservabilityAddress
	}
	gatherer := opts.Registry
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &MetricsServer{
		addr:     addr,
		gatherer: gatherer,
		logger:   logger.Named("metrics_server"),
	}
}

// Start binds the listener and serves in the background. Calling Start
// on a running server is a no-op.
func (s *MetricsServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return nil
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	s.listener = listener
	s.server = &http.Server{Handler: mux}
	s.done = make(chan struct{})

	go func(server *http.Server, done chan struct{}) {
		defer close(done)
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics listener failed", zap.Error(err))
		}
	}(s.server, s.done)

	s.logger.Info("metrics listening", zap.String("addr", listener.Addr().String()))
	return nil
}

// Addr returns the bound address, useful when Start was given port 0.
func (s *MetricsServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop drains in-flight scrapes and releases the port. Safe to call on
// a server that never started.
func (s *MetricsServer) Stop() {
	s.mu.Lock()
	server := s.server
	done := s.done
	s.server = nil
	s.listener = nil
	s.done = nil
	s.mu.Unlock()

	if server == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		s.logger.Warn("metrics shutdown error", zap.Error(err))
	}
	<-done
	s.logger.Info("metrics stopped")
}
