// Package metrics declares the Prometheus collectors exported by the daemon.
// Each file registers its collectors from init; MustRegister hands them to the
// default registry once.
package metrics
