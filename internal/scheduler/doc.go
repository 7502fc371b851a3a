// Package scheduler drives the job queue from a single background loop.
//
// Each tick runs the periodic tasks that are due (catalog polling, job and
// download cleanup, database maintenance, automatic retries), pops the next
// PENDING job through the admission gate and advances one job waiting in a
// hand-off status. Tasks run isolated: a failing or panicking task is logged
// and counted, and the loop carries on.
//
// The package also owns the queue subscribers that keep the store in sync
// with every job change and report terminal results to ntfy and back to the
// catalog.
package scheduler
