// Package dispatch carries commands to agents and relays what they report.
//
// Commands, events and notifications are closed unions. The codec maps them
// to hub frames:
//
//	executePackage, cancelExecution          server -> agent
//	status, executionStatus, keepAlive,
//	executionLog                             agent -> server
//	botStatusUpdate, executionStatusUpdate   server -> tenant
//
// Delivery is best-effort and at-most-once. SendCommand and
// BroadcastToTenant return a Delivery describing what happened and never
// fail the operation that triggered them. An execution whose command is
// never delivered stays Pending until the tracker's timeout fails it.
//
// Launcher is the only way runs are started: manual triggers, the HTTP
// API and the schedule engine all go through StartRun.
package dispatch
