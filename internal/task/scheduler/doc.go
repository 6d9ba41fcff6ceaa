// Package scheduler is the job timer core.
//
// It owns two kinds of triggers:
//   - named periodic entries (cron, @every, daily HH:MM) backed by robfig/cron
//   - per-user one-shot timers keyed by (kind, user, fire time)
//
// Nothing runs here. A trigger enqueues a task into the engine worker pool.
package scheduler
