// Package broadcast delivers one payload to the non-blocked recipients of one
// or more tenants.
//
// Jobs move draft -> sending -> completed | cancelled and never leave a
// terminal state. StartJob persists the sending transition and detaches a
// supervised run; the returned Run is the handle to interrupt or await it.
//
// Delivery semantics
//
// Recipients are streamed per tenant in id order and sent one at a time with a
// fixed pause between sends. A blocked recipient is flagged in the store so
// later jobs skip it. A rate-limit answer pauses the run and the recipient is
// retried exactly once. Every other failure is counted and the run moves on;
// no recipient failure ends a job.
//
// Cancellation
//
// CancelJob writes the cancelled status. A running job notices it at the next
// recipient (local runs) or at the next checkpoint (runs in other processes),
// whichever comes first. Stopping the engine is not a cancellation: the run
// persists its counters and cursor and the job stays in sending, ready for
// ResumeOrphans.
//
// Leases
//
// A run holds a lease on its job and renews it at a third of LeaseTTL.
// ResumeOrphans only takes jobs whose lease is free or expired, so engines in
// several processes can share one store without sending a job twice. A run
// that finds its lease taken over stops without writing further progress.
package broadcast
