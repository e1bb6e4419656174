// Package session owns link<->worker transport policy.
//
// Ownership boundary:
// - connect/handshake/read/write timeouts and retry backoff
// - TLS/mTLS policy validation and tls.Config construction
// - the pending-request ledger a link keeps for diagnostics
package session
