// Package wire owns the envelopes exchanged between a link and a worker.
//
// Ownership boundary:
// - Record, Result and Cancel shapes
// - envelope <-> frame encoding on top of frame/tlv/schema
// - the mailbox slot accessors the correlation mailbox relies on
package wire
