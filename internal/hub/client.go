// ABOUTME: Client side of the AgentHub stream used by agents and tools
// ABOUTME: Attaches credentials as metadata and exchanges typed frames

package hub

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/2389/fleet-gateway/internal/agent"
	"github.com/2389/fleet-gateway/internal/auth"
)

// ClientStream is an open hub connection.
type ClientStream struct {
	stream grpc.ClientStream
}

// Dial opens the Connect stream on conn with creds.
func Dial(ctx context.Context, conn grpc.ClientConnInterface, creds auth.Credentials) (*ClientStream, error) {
	var pairs []string
	if creds.MachineKey != "" {
		pairs = append(pairs, auth.MetadataMachineKey, creds.MachineKey)
	}
	if creds.BearerToken != "" {
		pairs = append(pairs, auth.MetadataAuthorization, "Bearer "+creds.BearerToken)
	}
	if creds.TenantSlug != "" {
		pairs = append(pairs, auth.MetadataTenant, creds.TenantSlug)
	}
	ctx = metadata.AppendToOutgoingContext(ctx, pairs...)

	stream, err := conn.NewStream(ctx, &ServiceDesc.Streams[0], ConnectFullMethod)
	if err != nil {
		return nil, fmt.Errorf("opening hub stream: %w", err)
	}
	return &ClientStream{stream: stream}, nil
}

// Send writes one frame.
func (c *ClientStream) Send(f agent.Frame) error {
	msg, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	return c.stream.SendMsg(msg)
}

// Recv reads one frame, returning its type and raw JSON payload.
func (c *ClientStream) Recv() (string, []byte, error) {
	msg := &structpb.Struct{}
	if err := c.stream.RecvMsg(msg); err != nil {
		return "", nil, err
	}
	return DecodeFrame(msg)
}

// CloseSend half-closes the stream.
func (c *ClientStream) CloseSend() error {
	return c.stream.CloseSend()
}
