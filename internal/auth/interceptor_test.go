// ABOUTME: Tests for the hub stream interceptor
// ABOUTME: Verifies metadata extraction and rejection of credential-less streams

package auth

import (
	"context"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// mockServerStream implements grpc.ServerStream for testing StreamInterceptor
type mockServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (m *mockServerStream) Context() context.Context {
	return m.ctx
}

func TestCredentialsFromMetadata(t *testing.T) {
	ctx := metadata.NewIncomingContext(context.Background(), metadata.New(map[string]string{
		MetadataMachineKey:    "fk_abc",
		MetadataAuthorization: "Bearer jwt-token",
		MetadataTenant:        " acme ",
	}))

	creds := CredentialsFromMetadata(ctx)
	if creds.MachineKey != "fk_abc" {
		t.Errorf("MachineKey = %q", creds.MachineKey)
	}
	if creds.BearerToken != "jwt-token" {
		t.Errorf("BearerToken = %q", creds.BearerToken)
	}
	if creds.TenantSlug != "acme" {
		t.Errorf("TenantSlug = %q", creds.TenantSlug)
	}

	if got := CredentialsFromMetadata(context.Background()); got != (Credentials{}) {
		t.Errorf("expected empty credentials without metadata, got %+v", got)
	}
}

func TestStreamInterceptor_AttachesCredentials(t *testing.T) {
	interceptor := StreamInterceptor(nil)

	ctx := metadata.NewIncomingContext(context.Background(), metadata.New(map[string]string{
		MetadataMachineKey: "fk_abc",
	}))
	stream := &mockServerStream{ctx: ctx}

	var captured grpc.ServerStream
	handler := func(srv any, ss grpc.ServerStream) error {
		captured = ss
		return nil
	}

	if err := interceptor(nil, stream, &grpc.StreamServerInfo{FullMethod: "/fleet.AgentHub/Connect"}, handler); err != nil {
		t.Fatalf("interceptor error = %v", err)
	}
	if captured == nil {
		t.Fatal("handler was not called")
	}

	creds, ok := CredentialsFromContext(captured.Context())
	if !ok {
		t.Fatal("credentials not set in stream context")
	}
	if creds.MachineKey != "fk_abc" {
		t.Errorf("MachineKey = %q", creds.MachineKey)
	}
}

func TestStreamInterceptor_MissingCredentials(t *testing.T) {
	interceptor := StreamInterceptor(nil)

	ctx := metadata.NewIncomingContext(context.Background(), metadata.New(map[string]string{
		MetadataTenant: "acme",
	}))
	stream := &mockServerStream{ctx: ctx}

	handler := func(srv any, ss grpc.ServerStream) error {
		t.Error("handler should not be called")
		return nil
	}

	err := interceptor(nil, stream, &grpc.StreamServerInfo{}, handler)
	st, ok := status.FromError(err)
	if !ok {
		t.Fatalf("expected gRPC status error, got %v", err)
	}
	if st.Code() != codes.Unauthenticated {
		t.Errorf("code = %v, want Unauthenticated", st.Code())
	}
}
