// Package gateway wires the fleet-gateway server together.
//
// A Gateway owns the SQLite store, the agent session manager, the execution
// tracker and dispatcher, the schedule engine and the log store, and serves
// two listeners: the gRPC agent hub and the HTTP API.
//
// # HTTP API
//
// Every /api route takes a user JWT in the Authorization header and acts on
// the tenant named by the token.
//
//   - POST /api/agents, GET /api/agents, GET|DELETE /api/agents/{id}
//   - POST /api/agents/{id}/regenerate-key
//   - GET /api/sessions
//   - POST|GET /api/executions, GET /api/executions/{id}
//   - POST /api/executions/{id}/cancel, GET /api/executions/{id}/log
//   - POST|GET /api/schedules, GET|PATCH|DELETE /api/schedules/{id}
//   - POST /api/schedules/{id}/{enable,disable,pause,resume,trigger,recalculate}
//   - GET /api/schedules/{id}/upcoming?count=N
//   - GET /api/events (server-sent events)
//
// /health is a liveness check and /health/ready reports 200 once Serve has
// started the servers. /logs/ serves signed execution log links.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, gateway.Options{}, logger)
//	err = gw.Run(ctx) // blocks until ctx is canceled
//
// Run shuts everything down on return. Shutdown may also be called directly
// and is safe to call more than once.
package gateway
