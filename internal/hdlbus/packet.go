package hdlbus

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net/netip"
)

// Command is a 16-bit HDL operation code.
type Command uint16

// Operation codes handled by this package.
const (
	// CmdDimmerSetState sets a dimmer channel. Data: [channel, level, 0, 0].
	CmdDimmerSetState Command = 0x0031

	// CmdDimmerSetStateResponse acknowledges CmdDimmerSetState.
	// Data: [channel, 0xF8, level].
	CmdDimmerSetStateResponse Command = 0x0032

	// CmdDimmerState is an unsolicited status push from a dimmer.
	CmdDimmerState Command = 0xEFFF
)

// String returns the opcode in hex with a name when known.
func (c Command) String() string {
	switch c {
	case CmdDimmerSetState:
		return "0x0031(set-state)"
	case CmdDimmerSetStateResponse:
		return "0x0032(set-state-response)"
	case CmdDimmerState:
		return "0xEFFF(state)"
	default:
		return fmt.Sprintf("0x%04X", uint16(c))
	}
}

// Frame layout.
//
//	Byte 0-3:   Reply IPv4 address
//	Byte 4-13:  "HDLMIRACLE"
//	Byte 14-15: Leading code 0xAA 0xAA
//	Byte 16:    Length (this byte through CRC)
//	Byte 17-18: Source subnet, device
//	Byte 19-20: Source device type (big-endian)
//	Byte 21-22: Command (big-endian)
//	Byte 23-24: Target subnet, device
//	Byte 25+:   Data
//	Last 2:     CRC-16/XMODEM over byte 16 through the end of data
const (
	// HeaderSize is the fixed overhead of a frame, CRC included.
	HeaderSize = 27

	// MaxDataLength is the largest data payload Encode accepts.
	MaxDataLength = 128

	// MaxPacketSize bounds every datagram read from or written to the socket.
	MaxPacketSize = 512

	offMarker     = 4
	offLeadCode   = 14
	offLength     = 16
	offSource     = 17
	offSourceType = 19
	offCommand    = 21
	offTarget     = 23
	offData       = 25

	// minLength is the length byte of a frame with no data.
	minLength = 11

	crcSize     = 2
	crcPoly     = 0x1021
	leadCodeLen = 2
)

var (
	marker   = []byte("HDLMIRACLE")
	leadCode = []byte{0xAA, 0xAA}
)

// Packet is one HDL bus frame.
//
// Packets are values: build a fresh one per send and never modify a packet
// after handing it to the Server.
type Packet struct {
	// Source is the sending device. Overwritten by Server.Send.
	Source Address

	// SourceType is the sender's device type. Overwritten by Server.Send.
	SourceType uint16

	// Target is the addressed device.
	Target Address

	// ReplyAddress tells the gateway where to send replies.
	// Overwritten by Server.Send with the listen address.
	ReplyAddress netip.Addr

	// Command is the operation code.
	Command Command

	// Data is the command-specific payload.
	Data []byte
}

// Encode serialises the packet into a frame.
//
// Returns:
//   - []byte: The complete datagram
//   - error: ErrEncodingFailed if Data exceeds MaxDataLength or the
//     reply address is not IPv4
func (p Packet) Encode() ([]byte, error) {
	if len(p.Data) > MaxDataLength {
		return nil, fmt.Errorf("%w: data length %d exceeds %d", ErrEncodingFailed, len(p.Data), MaxDataLength)
	}

	reply := [4]byte{}
	if p.ReplyAddress.IsValid() {
		addr := p.ReplyAddress.Unmap()
		if !addr.Is4() {
			return nil, fmt.Errorf("%w: reply address %s is not IPv4", ErrEncodingFailed, p.ReplyAddress)
		}
		reply = addr.As4()
	}

	buf := make([]byte, HeaderSize+len(p.Data))
	copy(buf[0:offMarker], reply[:])
	copy(buf[offMarker:offLeadCode], marker)
	copy(buf[offLeadCode:offLength], leadCode)
	buf[offLength] = byte(minLength + len(p.Data))
	buf[offSource] = p.Source.Subnet()
	buf[offSource+1] = p.Source.Device()
	binary.BigEndian.PutUint16(buf[offSourceType:], p.SourceType)
	binary.BigEndian.PutUint16(buf[offCommand:], uint16(p.Command))
	buf[offTarget] = p.Target.Subnet()
	buf[offTarget+1] = p.Target.Device()
	copy(buf[offData:], p.Data)

	end := offData + len(p.Data)
	binary.BigEndian.PutUint16(buf[end:], crc16(buf[offLength:end]))

	return buf, nil
}

// Decode parses the first n bytes of buf as a frame.
//
// Malformed input is not an error: Decode returns nil for oversize, truncated,
// unmarked or corrupt frames so the caller can drop them. The returned packet
// does not alias buf.
func Decode(buf []byte, n int) *Packet {
	if n < HeaderSize || n > MaxPacketSize || n > len(buf) {
		return nil
	}
	frame := buf[:n]

	if !bytes.Equal(frame[offMarker:offLeadCode], marker) ||
		!bytes.Equal(frame[offLeadCode:offLeadCode+leadCodeLen], leadCode) {
		return nil
	}

	length := int(frame[offLength])
	if length < minLength || offLength+length > n {
		return nil
	}

	end := offLength + length - crcSize
	if crc16(frame[offLength:end]) != binary.BigEndian.Uint16(frame[end:]) {
		return nil
	}

	var data []byte
	if end > offData {
		data = make([]byte, end-offData)
		copy(data, frame[offData:end])
	}

	return &Packet{
		Source:       NewAddress(frame[offSource], frame[offSource+1]),
		SourceType:   binary.BigEndian.Uint16(frame[offSourceType:]),
		Target:       NewAddress(frame[offTarget], frame[offTarget+1]),
		ReplyAddress: netip.AddrFrom4([4]byte(frame[0:offMarker])),
		Command:      Command(binary.BigEndian.Uint16(frame[offCommand:])),
		Data:         data,
	}
}

// String returns a compact description for debug logs.
func (p Packet) String() string {
	return fmt.Sprintf("%s -> %s cmd=%s data=%s", p.Source, p.Target, p.Command, hex.EncodeToString(p.Data))
}

// crc16 computes CRC-16/XMODEM (poly 0x1021, init 0, no reflection).
func crc16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b) << 8 //nolint:mnd // align byte with CRC high bit
		for range 8 {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ crcPoly
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
