// Package preflight provides readiness checks for the folders, templates and
// remote services discburner depends on.
//
// These checks run in two contexts:
//   - The daemon calls RunAll at startup and logs every failing check so that
//     a misconfigured burner is visible before the first job is dispatched.
//   - The CLI "discburner preflight" command prints the same results.
//
// Remote checks are gated by configuration: an unconfigured catalog or ntfy
// topic is reported as disabled rather than failed.
package preflight
