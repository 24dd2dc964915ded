// Package schedule fires package executions on recurring schedules.
//
// A schedule's recurrence is stored as structured parameters and compiled
// to a 5-field cron expression evaluated in the schedule's IANA time zone.
// The Engine keeps at most one timer per enabled schedule on the node that
// owns it, and every firing goes through the same launcher as a manual run.
package schedule
