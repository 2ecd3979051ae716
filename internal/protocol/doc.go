// Package protocol owns the front-end <-> daemon wire contract.
//
// Ownership boundary:
// - frame: fixed big-endian header, length-prefixed payload
// - tlv: payload field primitives
// - schema: per-message required fields
// - session: request/response encode and decode
package protocol
