// Package health publishes the detection session over the standard gRPC
// health protocol so supervisors can probe the client.
package health

import (
	"context"
	"fmt"
	"net"

	iface "DetStreamClient/interface"
	"DetStreamClient/logger"
	"DetStreamClient/session"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// SessionService is the health service name tracking the detection session.
const SessionService = "detstream.Session"

type Server struct {
	grpc   *grpc.Server
	health *health.Server
	lis    net.Listener
	log    *zap.Logger
}

// StartGRPCServer listens on port (0 picks a free one) and serves the health
// service in the background.
func StartGRPCServer(port int) (*Server, error) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("listen on port %d: %w", port, err)
	}
	s := &Server{
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
		lis:    lis,
		log:    logger.Named("health"),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.SetStatus(iface.Disconnected)
	go func() {
		s.log.Info("health server listening", zap.String("addr", lis.Addr().String()))
		if err := s.grpc.Serve(lis); err != nil {
			s.log.Error("health server stopped", zap.Error(err))
		}
	}()
	return s, nil
}

func (s *Server) Addr() net.Addr { return s.lis.Addr() }

// SetStatus maps a session status onto SessionService. Only Connected serves.
func (s *Server) SetStatus(status iface.Status) {
	serving := healthpb.HealthCheckResponse_NOT_SERVING
	if status == iface.Connected {
		serving = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(SessionService, serving)
}

// Follow mirrors mgr's status transitions until ctx is done.
func (s *Server) Follow(ctx context.Context, mgr *session.Manager) error {
	events := make(chan session.Event, 16)
	if err := mgr.Subscribe("health", events); err != nil {
		return err
	}
	defer func() { _ = mgr.Unsubscribe("health") }()
	s.SetStatus(mgr.Status())
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			if ev.Kind == session.EventStatus {
				s.SetStatus(ev.Session.Status)
			}
		}
	}
}

// GracefulStop marks every service as not serving and drains the server.
func (s *Server) GracefulStop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
