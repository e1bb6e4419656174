// Package worker is the reference remote end of a link.
//
// Ownership boundary:
// - accept loop and connection tracking
// - TLS/mTLS transport enforcement and peer identity
// - bounded per-connection record dispatch with per-slot cancellation
// - the kind-routed handler mux
package worker
