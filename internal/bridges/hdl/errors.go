package hdl

import "errors"

// Domain errors for the HDL bridge package.
var (
	// ErrInvalidBinding is returned when an item binding string such as
	// "1.2:3" cannot be parsed.
	ErrInvalidBinding = errors.New("hdl: invalid item binding")

	// ErrDuplicateBinding is returned when two items bind the same channel.
	ErrDuplicateBinding = errors.New("hdl: duplicate item binding")

	// ErrUnknownItem is returned when a command names an item with no binding.
	ErrUnknownItem = errors.New("hdl: unknown item")

	// ErrAddressInUse is returned when a bus address is already registered
	// with a device that is not a dimmer.
	ErrAddressInUse = errors.New("hdl: bus address registered to another device kind")
)
