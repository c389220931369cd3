// Package task implements the SaltyRTC WebRTC signalling task: it exchanges
// WebRTC offer/answer/candidate messages over an existing SaltyRTC session
// and can hand the signalling channel itself over to a locally negotiated,
// application-provided binary data channel without losing the cryptographic
// session state.
package task
