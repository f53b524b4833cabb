// Package trigger fires recurring job submissions.
//
// Each definition pairs a job type with a schedule. On every firing the
// service submits a fresh job to a Submitter; it never runs handlers itself,
// so a saturated dispatcher only grows its queue.
//
// Schedules are cron expressions (5 or 6 fields, descriptors such as
// "@hourly"), intervals ("15m", "@every 1h", "02:30") or one-shot times.
// Cron parsing is delegated to a replaceable cron.ScheduleParser.
package trigger
