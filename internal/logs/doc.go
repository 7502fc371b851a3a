// Package logs reads the daemon log file for `discburner logs`.
//
// Last returns the trailing lines of a file with a bounded ring buffer, and
// Follow polls for complete lines appended after an offset. Both accept a
// filter so callers can narrow output to one job without loading the whole
// file.
package logs
