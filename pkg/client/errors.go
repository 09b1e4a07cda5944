package client

import "errors"

var (
	// ErrAuthRejected is returned when the peer refuses the session handshake.
	// Reconnection still retries with the latest credential.
	ErrAuthRejected = errors.New("auth rejected")

	// ErrTransportUnavailable is returned on network-level connect failure.
	ErrTransportUnavailable = errors.New("transport unavailable")

	// ErrNotConnected is returned when an action is issued without an
	// established session.
	ErrNotConnected = errors.New("not connected")
)
