package consts

import "errors"

var (
	ErrUnauthorized      = errors.New("unauthorized")
	ErrCredentialExpired = errors.New("credential expired")
	ErrForgedToken       = errors.New("forgery token mismatch")
	ErrRateLimited       = errors.New("rate limited")

	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionRevoked     = errors.New("session revoked")
	ErrConnectionNotFound = errors.New("connection not found")
	ErrChannelEmpty       = errors.New("channel has no members")

	ErrKeyNotFound      = errors.New("key not found")
	ErrStoreUnavailable = errors.New("store backend unavailable")

	ErrMalformedEvent = errors.New("malformed event")
	ErrInternalError  = errors.New("internal error")
)
