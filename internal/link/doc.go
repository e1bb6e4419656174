// Package link owns the client side of a worker connection.
//
// Ownership boundary:
// - dialing (TCP or TLS/mTLS) with retry backoff
// - stamping outgoing records with mailbox slots and writing frames
// - the single reader goroutine that routes results into the mailbox
// - cancel notices for abandoned requests
//
// A Link owns exactly one mailbox. When the connection fails or the link is
// closed, every outstanding handle is abandoned.
package link
