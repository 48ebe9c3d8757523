package model

import "errors"

var (
	// ErrNegotiationFailure is returned when the capability endpoint cannot be used.
	// Callers recover from it by selecting the socket transport.
	ErrNegotiationFailure = errors.New("negotiation failed")

	// ErrHandshakeRejected is returned when a negotiation or broker connect endpoint refuses the session.
	ErrHandshakeRejected = errors.New("handshake rejected")

	// ErrTimeout is returned when a transport does not reach Open within its window.
	ErrTimeout = errors.New("connection timed out")

	// ErrAddressUnreachable is returned when the remote address cannot be reached.
	ErrAddressUnreachable = errors.New("address unreachable")

	// ErrAbnormalClosure is reported when a transport closes without a local close request.
	ErrAbnormalClosure = errors.New("connection closed abnormally")

	// ErrReconnectExhausted is reported once every reconnect attempt has failed.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

	// ErrDecodeFailure is returned for inbound frames that cannot be decoded.
	ErrDecodeFailure = errors.New("malformed frame")

	// ErrStaleSession is returned for frames addressed to another session.
	ErrStaleSession = errors.New("frame belongs to another session")

	// ErrNotOpen is returned when data or signals are sent outside the Open state.
	ErrNotOpen = errors.New("connection is not open")

	// ErrInvalidState is returned when an operation is not allowed in the current state.
	ErrInvalidState = errors.New("invalid connection state")

	// ErrTransportClosed is returned when operations are attempted on a closed transport.
	ErrTransportClosed = errors.New("transport closed")

	// ErrUnknownMode is returned for mode strings that name no transport.
	ErrUnknownMode = errors.New("unknown transport mode")

	// ErrRecordIDRequired is returned when a history record has no id.
	ErrRecordIDRequired = errors.New("record id is required")

	// ErrSessionNotFound is returned when a history record is not found.
	ErrSessionNotFound = errors.New("session not found")
)

// Retryable reports whether a failure may be retried under the retry policy.
func Retryable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrAddressUnreachable) ||
		errors.Is(err, ErrAbnormalClosure)
}
