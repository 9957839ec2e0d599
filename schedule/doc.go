// Package schedule provides recurring inspection schedules driven by
// cron expressions.
//
// An [Entry] binds a cron expression to a registered job definition: when
// the entry is due, the scheduler enqueues the job with the entry's static
// payload. Entries are persisted in the store, so schedules survive
// restarts and can be enabled or disabled at runtime.
//
// # Entry
//
//   - Schedule: standard cron expression (e.g., "0 6 * * 1-5") or a
//     descriptor like "@every 4h"
//   - JobName: the registered job definition to enqueue when fired
//   - Queue: target queue (defaults to "default")
//   - Payload: static JSON payload passed to every triggered job
//   - StationID: optional station the triggered jobs run against
//   - Enabled: whether the entry fires
//   - LockedBy / LockedUntil: firing-lock fields (managed internally)
//
// # Scheduler
//
// The [Scheduler] evaluates due entries on every tick, acquires a
// per-entry lock in the store so that overlapping instances fire each
// entry at most once, enqueues the corresponding job, and updates
// LastRunAt and NextRunAt. The [ext.ScheduleFired] hook fires after each
// enqueue.
package schedule
