package errs

// Error taxonomy of the session core. Auth codes are the only class that
// forces a session reset; transport and protocol codes are handled locally
// and surfaced, at most, as connectivity status.
var (
	// ErrAuthExpired: the stored credential is past its exp claim (local
	// decode) or the server confirmed expiry. Triggers the logout flow.
	ErrAuthExpired = NewCodeError(1101, "credential expired")

	// ErrAuthRejected: handshake or validation answered 401/403.
	ErrAuthRejected = NewCodeError(1102, "credential rejected by server")

	// ErrTransportError: network-level failure. Drives bounded reconnect,
	// never logout.
	ErrTransportError = NewCodeError(1201, "transport failure")

	// ErrProtocolError: malformed or unrecognized frame. Logged and dropped
	// without tearing the connection down.
	ErrProtocolError = NewCodeError(1202, "protocol violation")

	// ErrSendWhileDisconnected: Send called outside the Connected state. The
	// caller keeps the input; the core does not buffer outbound frames.
	ErrSendWhileDisconnected = NewCodeError(1203, "send while disconnected")

	// ErrReconnectExhausted: the bounded reconnect loop ran out of attempts.
	ErrReconnectExhausted = NewCodeError(1204, "reconnect attempts exhausted")

	// ErrHandshakeTimeout: no authentication-success frame arrived within the
	// configured window after transport open.
	ErrHandshakeTimeout = NewCodeError(1205, "authentication handshake timeout")
)
