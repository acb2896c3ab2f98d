// Package health exposes the driver's sensor connection state over the
// standard gRPC health checking protocol.
package health

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/banshee-data/depthkit/internal/monitoring"
)

// SensorService is the service name whose status follows the sensor
// connection. The empty service name reports the same status.
const SensorService = "depthkit.Sensor"

// Server serves grpc.health.v1.Health.
type Server struct {
	addr     string
	server   *grpc.Server
	health   *health.Server
	listener net.Listener

	running atomic.Bool
	wg      sync.WaitGroup
}

// NewServer creates a Server for addr. Both services start NOT_SERVING.
func NewServer(addr string) *Server {
	s := &Server{addr: addr, health: health.NewServer()}
	s.SetConnected(false)
	return s
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	if s.running.Load() {
		return fmt.Errorf("health server already running")
	}
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = lis
	s.server = grpc.NewServer()
	healthpb.RegisterHealthServer(s.server, s.health)
	reflection.Register(s.server)
	s.running.Store(true)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		monitoring.Logf("[Health] gRPC health server listening on %s", lis.Addr())
		if err := s.server.Serve(lis); err != nil && s.running.Load() {
			monitoring.Logf("[Health] gRPC server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// SetConnected switches both services between SERVING and NOT_SERVING.
func (s *Server) SetConnected(connected bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if connected {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(SensorService, status)
}

// Stop marks everything NOT_SERVING, drains in-flight calls and waits for
// the serve goroutine.
func (s *Server) Stop() {
	if !s.running.Load() {
		return
	}
	s.running.Store(false)
	s.health.Shutdown()
	s.server.GracefulStop()
	s.listener.Close()
	s.wg.Wait()
	monitoring.Logf("[Health] gRPC server stopped")
}
