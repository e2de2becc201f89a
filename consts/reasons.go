package consts

import "errors"

// RejectReason is the machine-readable outcome attached to a refused
// websocket handshake or poll request. Clients branch on these values,
// so they are part of the wire contract and must not change.
type RejectReason string

const (
	ReasonUnauthorized RejectReason = "UNAUTHORIZED"
	ReasonExpired      RejectReason = "EXPIRED"
	ReasonForged       RejectReason = "FORGED"
	ReasonRateLimited  RejectReason = "RATE_LIMITED"
)

// ReasonForError maps an authority or gateway error to its wire reason.
// Unknown errors deliberately collapse to UNAUTHORIZED so that internal
// detail never leaks to an unauthenticated peer.
func ReasonForError(err error) RejectReason {
	switch {
	case errors.Is(err, ErrCredentialExpired):
		return ReasonExpired
	case errors.Is(err, ErrForgedToken):
		return ReasonForged
	case errors.Is(err, ErrRateLimited):
		return ReasonRateLimited
	default:
		return ReasonUnauthorized
	}
}
