// Package gateway serves coven-relay over HTTP.
//
// # Overview
//
// The Gateway owns the store, the session registry and the conversation
// service, and exposes them through one HTTP server listening on a TCP
// address or, when tailscale is enabled, on a tsnet node.
//
// # Websocket
//
// GET /ws upgrades to a websocket carrying JSON events. A connection first
// joins as a visitor (visitor-joined) or an agent (agent-joined); every other
// event is checked against that role:
//
//   - visitor-message and visitor typing only for the joined conversation
//   - agent-message, automation-toggle and agent typing only for agents
//
// When auth.jwt_secret is set, agent-joined must carry a valid token and the
// token's identity is used for every agent message on the connection.
//
// Each connection has a write pump draining a bounded queue. Delivery never
// blocks the relay; envelopes for a full queue are dropped and counted.
//
// # HTTP API
//
//   - GET /api/conversations - list by recent activity (agent auth)
//   - GET /api/conversations/{id} - one conversation
//   - GET /api/conversations/{id}/messages?after=N&limit=M - history
//   - POST /api/conversations/{id}/name - set the visitor's display name
//   - POST /api/conversations/{id}/automation - toggle automation (agent auth)
//   - GET /health - liveness
//   - GET /health/ready - readiness (store reachable)
//   - GET /metrics - Prometheus metrics when metrics.enabled
//
// Errors are JSON objects of the form {"error": "..."}. Unknown
// conversations map to 404 and store outages to 503.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	if err != nil {
//	    return err
//	}
//	return gw.Run(ctx) // blocks until ctx is canceled
//
// Shutdown stops the HTTP server, closes live websockets, waits for in-flight
// automated replies and closes the store.
package gateway
