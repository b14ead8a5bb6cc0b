package hdlbus

import (
	"fmt"
	"strconv"
	"strings"
)

// Address is a 16-bit HDL bus address: subnet in the high byte, device id in
// the low byte.
type Address uint16

// Reserved controller identity stamped on every outbound packet.
const (
	// ControllerAddress is subnet 1, device 254.
	ControllerAddress Address = 0x01FE

	// ControllerDeviceType identifies this node as a software controller.
	ControllerDeviceType uint16 = 0xFFFE
)

// NewAddress builds an address from its subnet and device parts.
func NewAddress(subnet, device uint8) Address {
	return Address(uint16(subnet)<<8 | uint16(device))
}

// ParseAddress parses the dotted "subnet.device" form, e.g. "1.2".
//
// Returns:
//   - Address: Parsed address
//   - error: ErrInvalidAddress if either part is missing or outside 0-255
func ParseAddress(s string) (Address, error) {
	subnetStr, deviceStr, ok := strings.Cut(strings.TrimSpace(s), ".")
	if !ok {
		return 0, fmt.Errorf("%w: expected subnet.device, got %q", ErrInvalidAddress, s)
	}

	subnet, err := strconv.ParseUint(subnetStr, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("%w: subnet must be 0-255, got %q", ErrInvalidAddress, subnetStr)
	}

	device, err := strconv.ParseUint(deviceStr, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("%w: device must be 0-255, got %q", ErrInvalidAddress, deviceStr)
	}

	return NewAddress(uint8(subnet), uint8(device)), nil
}

// Subnet returns the subnet id.
func (a Address) Subnet() uint8 {
	return uint8(a >> 8) //nolint:mnd // high byte
}

// Device returns the device id within the subnet.
func (a Address) Device() uint8 {
	return uint8(a & 0xFF) //nolint:mnd // low byte
}

// String returns the "subnet.device" form.
func (a Address) String() string {
	return fmt.Sprintf("%d.%d", a.Subnet(), a.Device())
}
