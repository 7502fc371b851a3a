// Package staging sweeps the scratch areas the daemon writes into: the temp
// directory and the robot control directory.
//
// CleanStale removes anything in the temp directory older than a cutoff.
// CleanOrphanedControlFiles removes control, data and marker files whose job
// id is no longer tracked by the queue, so the robot never picks up a job
// definition the daemon has forgotten.
package staging
