package server

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/soheilhy/cmux"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
)

// Config holds configuration for the broker listener
type Config struct {
	Address          string
	Port             int
	KeepaliveSeconds int

	// ClusterSecret is required on inbound gRPC calls when set
	ClusterSecret string

	// MetricsHandler is mounted at /metrics when not nil
	MetricsHandler http.Handler
}

// Server multiplexes the admin HTTP API and gRPC replication on one port.
// gRPC services must be registered through GRPCServer before Start.
type Server struct {
	config   Config
	grpc     *grpc.Server
	httpMux  *http.ServeMux
	listener net.Listener
	mux      cmux.CMux
	http     *http.Server

	mu      sync.Mutex
	started bool
	wg      sync.WaitGroup
}

// NewServer creates the gRPC server so services can register before Start
func NewServer(config Config) *Server {
	keepaliveTime := time.Duration(config.KeepaliveSeconds) * time.Second
	if keepaliveTime <= 0 {
		keepaliveTime = 60 * time.Second
	}

	s := &Server{
		config:  config,
		httpMux: http.NewServeMux(),
	}
	s.grpc = grpc.NewServer(
		grpc.MaxRecvMsgSize(100*1024*1024), // 100MB
		grpc.MaxSendMsgSize(100*1024*1024), // 100MB
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    keepaliveTime,
			Timeout: 10 * time.Second,
		}),
		grpc.ChainUnaryInterceptor(UnaryServerInterceptor(config.ClusterSecret)),
		grpc.ChainStreamInterceptor(StreamServerInterceptor(config.ClusterSecret)),
	)

	// Register pprof handlers for profiling
	s.httpMux.HandleFunc("/debug/pprof/", pprof.Index)
	s.httpMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	s.httpMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	s.httpMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	s.httpMux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	if config.MetricsHandler != nil {
		s.httpMux.Handle("/metrics", config.MetricsHandler)
		log.Info().Msg("Metrics endpoint enabled at /metrics")
	}
	return s
}

// GRPCServer is where replication registers its service
func (s *Server) GRPCServer() grpc.ServiceRegistrar {
	return s.grpc
}

// HTTPMux is where the admin API mounts its routes
func (s *Server) HTTPMux() *http.ServeMux {
	return s.httpMux
}

// Start listens and serves HTTP and gRPC on the same port
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("server already started")
	}

	addr := fmt.Sprintf("%s:%d", s.config.Address, s.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener
	s.mux = cmux.New(listener)

	// HTTP/1 goes to the admin API, pprof and metrics. Everything else is gRPC.
	httpListener := s.mux.Match(cmux.HTTP1Fast())
	grpcListener := s.mux.Match(cmux.Any())

	s.http = &http.Server{
		Handler:           s.httpMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		if err := s.http.Serve(httpListener); err != nil && !isClosed(err) {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	go func() {
		defer s.wg.Done()
		if err := s.grpc.Serve(grpcListener); err != nil && !isClosed(err) {
			log.Error().Err(err).Msg("gRPC server failed")
		}
	}()

	go func() {
		defer s.wg.Done()
		if err := s.mux.Serve(); err != nil && !isClosed(err) {
			log.Error().Err(err).Msg("cmux failed")
		}
	}()

	s.started = true
	log.Info().
		Str("address", listener.Addr().String()).
		Msg("Multiplexing HTTP and gRPC on same port")
	return nil
}

// Addr returns the bound address, useful when Port is 0
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop gracefully stops both servers and closes the listener
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		s.grpc.Stop()
		return
	}
	s.started = false
	s.mu.Unlock()

	log.Info().Msg("Stopping server")
	if err := s.http.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close HTTP server")
	}
	s.grpc.GracefulStop()
	s.mux.Close()
	s.wg.Wait()
}

func isClosed(err error) bool {
	return errors.Is(err, http.ErrServerClosed) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, cmux.ErrListenerClosed) ||
		errors.Is(err, cmux.ErrServerClosed) ||
		errors.Is(err, grpc.ErrServerStopped)
}
