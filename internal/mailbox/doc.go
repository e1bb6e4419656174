// Package mailbox correlates asynchronous requests with their responses.
//
// Ownership boundary:
// - slot generation and stamping on outgoing records
// - handle state (pending, delivered, abandoned) and result hand-off
// - blocking, context-scoped and non-blocking waits on one signal
// - bulk abandonment when the owning link is torn down
//
// Encoding, transport and the remote worker live outside this package.
// A link owns one Mailbox, registers a Handle per request that needs an
// answer, and feeds every decoded response into Mailbox.Deliver from its
// single reader goroutine.
package mailbox
