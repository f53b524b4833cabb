// Package scheduler is the public face of the job engine.
//
// It composes the handler registry, the dispatcher (engine) and the trigger
// set behind one lifecycle: Start seals the registry and starts triggers and
// dispatch; Stop halts triggers and waits, bounded, for running jobs.
// Introspection (QueueStatus, Statistics, Snapshot) has no side effects.
package scheduler
