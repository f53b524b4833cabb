// Package job defines the scheduled unit of work and its state machine.
//
// States:
//
//	Pending -> Running -> Completed
//	                   -> Failed -> Retrying -> Pending
//	Pending/Running -> Cancelled
//
// Completed and Cancelled are terminal. Failed is terminal once the retry
// budget is spent or the failure kind is not retryable.
package job
