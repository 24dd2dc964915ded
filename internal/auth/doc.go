// Package auth provides authentication for fleet-gateway.
//
// # Authentication Methods
//
//   - Machine keys: agents present an opaque key in the x-machine-key gRPC
//     metadata header. Keys are verified by the agent registry, not here; this
//     package only carries them to the session manager (StreamInterceptor,
//     CredentialsFromContext).
//
//   - JWT user tokens: dashboard users and API clients present an HS256 JWT
//     as "Authorization: Bearer <token>". The token must carry the audience
//     "fleet-user", a "sub" claim, a "tenant" claim holding the tenant slug,
//     and a "perms" claim listing permissions ("*" grants all).
//
//   - Signed URLs: log downloads carry a short-lived JWT with audience
//     "fleet-logs" whose subject is the log path (Generate, Verify).
//
// Token issuance for users is owned by the identity provider.
// GenerateUserToken exists for bootstrap and tests.
//
// # HTTP Middleware
//
//	mux.Handle("/api/", HTTPAuthMiddleware(verifier)(handler))
//	RequirePermission(PermExecutionsRun)(handler)
//
// Handlers read the identity with FromContext or MustFromContext.
package auth
