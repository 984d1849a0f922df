// Package auth provides agent authentication for coven-relay.
//
// # JWT Tokens
//
// Support agents authenticate with HS256 JWTs signed with the configured
// auth.jwt_secret (at least MinSecretLength bytes). Claims:
//
//   - sub: stable agent id
//   - name: display identity shown to visitors, e.g. "Sarah (Support)"
//   - exp / iat: standard expiry and issue time
//
// Tokens are issued with `coven-relay token --name NAME`:
//
//	verifier, err := auth.NewJWTVerifier(secret)
//	token, err := verifier.Generate(agentID, "Sarah (Support)", 30*24*time.Hour)
//	agent, err := verifier.Verify(token)
//
// # HTTP Middleware
//
// HTTPAuthMiddleware guards agent-only API routes. The verified Agent is
// available to handlers through FromContext. Websocket connections present
// the same token in their agent-joined event instead of a header.
//
// Visitors are anonymous and never carry a token.
package auth
