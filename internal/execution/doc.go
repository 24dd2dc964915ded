// Package execution records the lifecycle of triggered package runs.
//
// An execution starts Pending and moves to Running and then to one of
// Completed, Failed or Cancelled. Pending may also go straight to a
// terminal state. Every write is a single conditional update, so concurrent
// reports resolve to whichever terminal write lands first and endTime is
// set exactly once. Later writes return Changed=false.
//
// ExpireStale fails executions that stay Pending past the configured
// timeout; the gateway runs it on a ticker.
package execution
