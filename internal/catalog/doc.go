// Package catalog talks to the remote image catalog over GraphQL.
//
// QueryNewItems lists the images assigned to this burner and ReportStatus
// writes the final burn result back. Requests carry an
// "Authorization: Token <key>" header. Transient failures (network errors,
// timeouts, 408/429/5xx) are retried with exponential backoff starting at one
// second.
package catalog
