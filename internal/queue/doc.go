// Package queue owns burn jobs and drives them through their lifecycle.
//
// The Queue keeps every job in memory, a FIFO dispatch list of pending job
// ids, and the admission gate that bounds how many jobs may sit in an active
// state (downloading, burning, verifying) at once. StartProcessing looks up the
// stage for a job's current status in an explicit table, performs the
// synchronous transition under the queue lock, and hands blocking work
// (download, control file generation, marker polling) to a supervisor whose
// goroutines are bounded and scoped to the Queue's lifetime.
//
// Every status change is published to subscribers through bounded per
// subscriber buffers; a slow or panicking subscriber never stalls dispatch.
// Persistence, catalog write-back and notifications are subscribers wired by
// the daemon, so this package has no storage dependency.
package queue
