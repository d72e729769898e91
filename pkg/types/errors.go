package types

import "errors"

// Error taxonomy (spec §7). Every rejection path on the wire maps to one of
// these so callers can branch with errors.Is instead of string matching.
var (
	ErrProtocol  = errors.New("protocol")
	ErrAuth      = errors.New("auth")
	ErrCapability = errors.New("capability")
	ErrExpired   = errors.New("expired")
	ErrRevoked   = errors.New("revoked")
	ErrEpoch     = errors.New("epoch")
	ErrResource  = errors.New("resource")
	ErrNotFound  = errors.New("not found")
	ErrExists    = errors.New("exists")
	ErrTimeout   = errors.New("timeout")
	ErrCancelled = errors.New("cancelled")
	ErrInternal  = errors.New("internal")

	// ErrTransport signals a transient stream-level failure (spec §4.1),
	// distinct from ErrProtocol which is a malformed-frame failure.
	ErrTransport = errors.New("transport")
	// ErrEncoding signals a codec failure scoped to a single in-flight
	// message (spec §4.2).
	ErrEncoding = errors.New("encoding")
	// ErrNotLeader signals a replicated proposal reached a non-Leader node
	// (spec §4.8); the caller should rediscover the Leader and retry, the
	// same recovery shape as ErrResource.
	ErrNotLeader = errors.New("not leader")
)

// Retryable reports whether an error is safe to retry with backoff per the
// retry policy of spec §7 (ErrResource and ErrTimeout are; auth-family errors
// require re-authentication first; protocol/not-found/exists are not
// retried automatically).
func Retryable(err error) bool {
	return errors.Is(err, ErrResource) || errors.Is(err, ErrTimeout) || errors.Is(err, ErrTransport) ||
		errors.Is(err, ErrNotLeader)
}

// RequiresReauth reports whether an error means the caller must mint or
// refresh a capability token before retrying.
func RequiresReauth(err error) bool {
	return errors.Is(err, ErrAuth) || errors.Is(err, ErrCapability) ||
		errors.Is(err, ErrExpired) || errors.Is(err, ErrRevoked) || errors.Is(err, ErrEpoch)
}
