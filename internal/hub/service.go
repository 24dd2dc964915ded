// ABOUTME: AgentHub gRPC service: one bidirectional stream per agent or observer
// ABOUTME: Frames from the stream go to the dispatcher; session frames go back out

package hub

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/2389/fleet-gateway/internal/agent"
	"github.com/2389/fleet-gateway/internal/auth"
	"github.com/2389/fleet-gateway/internal/dispatch"
)

// Service and method names on the wire.
const (
	ServiceName       = "fleet.AgentHub"
	ConnectMethod     = "Connect"
	ConnectFullMethod = "/" + ServiceName + "/" + ConnectMethod
)

// pumpDrainTimeout bounds how long a finished stream waits for an in-flight send.
const pumpDrainTimeout = 5 * time.Second

// HubServer is the handler interface for the AgentHub service.
type HubServer interface {
	Connect(stream grpc.ServerStream) error
}

// ServiceDesc describes AgentHub for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*HubServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    ConnectMethod,
			Handler:       connectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "fleet/hub.proto",
}

func connectHandler(srv any, stream grpc.ServerStream) error {
	return srv.(HubServer).Connect(stream)
}

// Server implements HubServer on top of the session manager and dispatcher.
type Server struct {
	sessions   *agent.Manager
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
}

// NewServer creates the hub service.
func NewServer(sessions *agent.Manager, dispatcher *dispatch.Dispatcher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		sessions:   sessions,
		dispatcher: dispatcher,
		logger:     logger.With("component", "hub"),
	}
}

// Register adds the service to gs.
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&ServiceDesc, s)
}

// Connect authenticates the stream, opens a session and relays frames until
// either side goes away.
func (s *Server) Connect(stream grpc.ServerStream) error {
	ctx := stream.Context()

	creds, ok := auth.CredentialsFromContext(ctx)
	if !ok {
		creds = auth.CredentialsFromMetadata(ctx)
	}

	sink := agent.SinkFunc(func(f agent.Frame) error {
		msg, err := EncodeFrame(f)
		if err != nil {
			return err
		}
		return stream.SendMsg(msg)
	})

	sess, err := s.sessions.Connect(ctx, creds, sink)
	if err != nil {
		return connectError(err)
	}
	defer func() {
		s.sessions.Disconnect(context.Background(), sess)
		// the stream must not be written to after this handler returns
		select {
		case <-sess.Stopped():
		case <-time.After(pumpDrainTimeout):
			s.logger.Warn("session pump still sending after stream ended", "session_id", sess.ID)
		}
	}()

	recvErr := make(chan error, 1)
	go func() {
		recvErr <- s.receive(ctx, sess, stream)
	}()

	select {
	case err := <-recvErr:
		return err
	case <-sess.Done():
		return closeError(sess.Reason())
	}
}

// receive reads frames until the stream ends. Bad frames are logged and
// skipped; they do not end the session.
func (s *Server) receive(ctx context.Context, sess *agent.Session, stream grpc.ServerStream) error {
	logger := s.logger.With("session_id", sess.ID, "agent_id", sess.AgentID)
	for {
		msg := &structpb.Struct{}
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				logger.Debug("stream closed by peer")
				return nil
			}
			if status.Code(err) == codes.Canceled || ctx.Err() != nil {
				logger.Debug("stream cancelled")
				return nil
			}
			logger.Error("receiving frame", "error", err)
			return status.Errorf(codes.Internal, "receiving frame: %v", err)
		}

		frameType, payload, err := DecodeFrame(msg)
		if err != nil {
			logger.Warn("dropping frame", "error", err)
			continue
		}
		ev, err := dispatch.DecodeEvent(frameType, payload)
		if err != nil {
			logger.Warn("dropping frame", "type", frameType, "error", err)
			continue
		}
		if err := s.dispatcher.HandleEvent(ctx, sess, ev); err != nil {
			logger.Warn("event rejected", "type", frameType, "error", err)
		}
	}
}

func connectError(err error) error {
	switch {
	case errors.Is(err, agent.ErrNoCredentials),
		errors.Is(err, agent.ErrInvalidMachineKey),
		errors.Is(err, agent.ErrUnauthorized):
		return status.Error(codes.Unauthenticated, err.Error())
	case errors.Is(err, agent.ErrTenantUnresolved):
		return status.Error(codes.PermissionDenied, err.Error())
	default:
		return status.Errorf(codes.Internal, "opening session: %v", err)
	}
}

func closeError(reason agent.CloseReason) error {
	switch reason {
	case agent.ReasonSuperseded:
		return status.Error(codes.Aborted, "session replaced by a newer connection")
	case agent.ReasonKicked:
		return status.Error(codes.Unauthenticated, "session revoked")
	case agent.ReasonSendFailed:
		return status.Error(codes.Unavailable, "sending to peer failed")
	default:
		return status.Error(codes.Unavailable, "gateway shutting down")
	}
}

var _ HubServer = (*Server)(nil)
