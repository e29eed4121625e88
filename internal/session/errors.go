package session

import "errors"

// Typed failures surfaced to the API layer. Transports wrap the terminal
// send conditions so the retry loop can recognise them with errors.Is.
var (
	// ErrTimeout indicates a connect or send exceeded its bound.
	ErrTimeout = errors.New("session: operation timed out")
	// ErrAuthFailed indicates the credential was rejected during pairing.
	ErrAuthFailed = errors.New("session: authentication failed")
	// ErrNotConnected indicates a send was attempted outside the ready state.
	ErrNotConnected = errors.New("session: not connected")
	// ErrConflict indicates a connect raced with one already in progress.
	ErrConflict = errors.New("session: connect already in progress")
	// ErrNoSession indicates no session exists for the tenant.
	ErrNoSession = errors.New("session: no session for tenant")

	// Terminal send conditions, never retried.
	ErrRateLimited    = errors.New("session: rate limited")
	ErrBlocked        = errors.New("session: recipient blocked sender")
	ErrInvalidAddress = errors.New("session: invalid recipient address")
)

// isTerminalSendErr reports whether a send failure must not be retried.
func isTerminalSendErr(err error) bool {
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrBlocked) ||
		errors.Is(err, ErrInvalidAddress)
}
