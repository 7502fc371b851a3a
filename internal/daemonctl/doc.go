// Package daemonctl starts and stops a background discburner daemon for the
// CLI. Start launches `discburner daemon` detached and waits for the HTTP API
// to answer; Stop signals the PID recorded in the log directory and escalates
// to SIGKILL after a grace period.
package daemonctl
