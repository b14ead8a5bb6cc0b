package hdlbus

import "errors"

// Domain errors for the HDL bus package.
var (
	// ErrAlreadyStarted is returned by Start when the server is not stopped.
	ErrAlreadyStarted = errors.New("hdlbus: server already started")

	// ErrListenFailed is returned by Start when the UDP socket cannot be bound.
	ErrListenFailed = errors.New("hdlbus: listen failed")

	// ErrNotStarted is returned when sending while the socket is closed.
	ErrNotStarted = errors.New("hdlbus: server not started")

	// ErrSendFailed is returned when writing a datagram fails.
	ErrSendFailed = errors.New("hdlbus: send failed")

	// ErrEncodingFailed is returned when a packet cannot be serialised.
	ErrEncodingFailed = errors.New("hdlbus: encoding failed")

	// ErrInvalidAddress is returned when a bus address string cannot be parsed.
	ErrInvalidAddress = errors.New("hdlbus: invalid bus address")
)
