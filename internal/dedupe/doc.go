// Package dedupe provides the idempotency cache behind the Idempotency-Key
// header on POST /api/executions.
//
// A client that retries a trigger request with the same key gets the
// execution created by the first attempt instead of a second run:
//
//	switch id, state := cache.Begin(tenantID + ":" + key); state {
//	case dedupe.StateDone:
//		// return execution id
//	case dedupe.StateInFlight:
//		// 409, first attempt still running
//	case dedupe.StateNew:
//		// create the execution, then cache.Complete(key, exec.ID)
//		// or cache.Abort(key) on failure
//	}
//
// Entries expire after the TTL and the oldest entry is evicted when the cache
// is full. Keys live in memory only, so idempotency holds per gateway node.
package dedupe
