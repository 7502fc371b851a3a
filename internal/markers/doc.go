// Package markers reads the status files a burning robot writes next to a job
// control file.
//
// The robot watches a folder for control files ("P.jdf") and reports progress
// by creating sibling files that share the control file stem: "*.INP" while a
// job is running, "*.DON" once it finished and "*.ERR" when it failed. Readers
// report the highest priority marker present (ERR, then DON, INP, JDF).
package markers
