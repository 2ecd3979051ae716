// Package session owns front-end <-> daemon request/response wire helpers.
//
// Ownership boundary:
// - request/response encode and decode over frame + tlv
// - connection timeouts and the redial backoff settings
package session
