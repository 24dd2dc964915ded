// ABOUTME: gRPC stream interceptor that extracts hub credentials from metadata
// ABOUTME: Rejects connections carrying neither a machine key nor a bearer token

package auth

import (
	"context"
	"log/slog"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// Metadata keys read from hub connections
const (
	MetadataMachineKey    = "x-machine-key"
	MetadataAuthorization = "authorization"
	MetadataTenant        = "x-tenant"
)

// logAuthFailure logs an authentication failure with structured context.
func logAuthFailure(logger *slog.Logger, ctx context.Context, reason string, attrs ...any) {
	if logger == nil {
		return
	}
	baseAttrs := []any{"reason", reason}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		baseAttrs = append(baseAttrs, "peer_addr", p.Addr.String())
	}
	baseAttrs = append(baseAttrs, attrs...)
	logger.Warn("auth failure", baseAttrs...)
}

// CredentialsFromMetadata reads hub credentials from incoming gRPC metadata.
func CredentialsFromMetadata(ctx context.Context) Credentials {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return Credentials{}
	}
	first := func(key string) string {
		if vals := md.Get(key); len(vals) > 0 {
			return strings.TrimSpace(vals[0])
		}
		return ""
	}
	return Credentials{
		MachineKey:  first(MetadataMachineKey),
		BearerToken: BearerToken(first(MetadataAuthorization)),
		TenantSlug:  first(MetadataTenant),
	}
}

// StreamInterceptor returns a gRPC stream interceptor that attaches hub
// credentials to the stream context. Verification happens in the session
// manager, which knows how to resolve both kinds of credential.
func StreamInterceptor(logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		creds := CredentialsFromMetadata(ss.Context())
		if creds.MachineKey == "" && creds.BearerToken == "" {
			logAuthFailure(logger, ss.Context(), "missing credentials", "method", info.FullMethod)
			return status.Error(codes.Unauthenticated, "missing credentials")
		}

		wrapped := &wrappedServerStream{
			ServerStream: ss,
			ctx:          WithCredentials(ss.Context(), creds),
		}
		return handler(srv, wrapped)
	}
}

// wrappedServerStream wraps a grpc.ServerStream with a custom context.
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

// Context returns the wrapped context.
func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}
