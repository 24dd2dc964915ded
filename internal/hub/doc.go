// Package hub is the realtime transport between the gateway, its agents
// and dashboard observers.
//
// Each connection is one call to /fleet.AgentHub/Connect. Agents present an
// x-machine-key metadata entry and observers an authorization bearer token;
// either may add x-tenant. Every message in both directions is a
// google.protobuf.Struct of the form {"type": ..., "payload": {...}}.
package hub
