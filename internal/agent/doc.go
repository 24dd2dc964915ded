// Package agent authenticates bot agents and tracks their live sessions.
//
// # Registry
//
// Registry owns persisted agent identity. Register issues a machine key of
// the form fk_<base64url> that is shown once; only a keyed BLAKE2b-256 hash
// is stored. Validate looks the hash up and compares it in constant time.
// Deactivated agents and rotated keys never validate again.
//
// # Manager
//
// Manager accepts hub connections:
//
//	s, err := mgr.Connect(ctx, auth.Credentials{MachineKey: key}, sink)
//	defer mgr.Disconnect(ctx, s)
//
// Agents present a machine key and observers present a user token. The
// tenant comes from the explicit slug or from the caller's identity; when
// both are given they must agree.
//
// Each agent has at most one current session. A second connect closes the
// first with ReasonSuperseded, and the stale session's Disconnect leaves the
// agent's persisted status alone.
//
// # Groups
//
// Sessions join agent:{id} (agents only) and tenant:{id}. Publish is
// non-blocking: a session whose outbox is full drops the frame.
//
// # Presence hooks
//
// OnPresence callbacks run after an agent connects, disconnects or is
// kicked. The dispatcher uses them to broadcast status updates.
package agent
