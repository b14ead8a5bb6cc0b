// Package hdlbus implements the HDL Buspro UDP protocol engine for Gray Logic.
//
// HDL Buspro devices are reached through an Ethernet gateway that relays UDP
// datagrams onto the RS-485 bus. This package owns that UDP socket and turns
// raw datagrams into device state changes.
//
// # Architecture
//
//	┌──────────────┐  SetChannel  ┌──────────┐  Send   ┌──────────┐   UDP :6000
//	│   Binding    │─────────────►│  Dimmer  │────────►│  Server  │◄────────────► Gateway ◄──► Bus
//	│    layer     │◄─────────────│ (Device) │◄────────│ recvLoop │
//	└──────────────┘  observers   └──────────┘ dispatch└──────────┘
//	                                   ▲                    │
//	                                   │ cancel on ack      │ SendWithRetry
//	                                   └──── RetryHandle ◄──┘ (Scheduler)
//
// # Key Responsibilities
//
//   - Encode and decode the HDLMIRACLE packet format (see Packet)
//   - Bind a broadcast-capable UDP socket and run the receive loop
//   - Route inbound packets to the Device registered at the source address
//   - Resend unacknowledged commands on a timer until acknowledged or exhausted
//
// # Addresses
//
// A bus address packs an 8-bit subnet and an 8-bit device id:
//
//	addr := hdlbus.NewAddress(1, 2)
//	fmt.Println(addr)          // "1.2"
//	fmt.Printf("%#04x", addr)  // "0x0102"
//
// # Retries
//
// Every command sent with SendWithRetry is resent RetryCount times, one
// RetryInterval apart, unless the owning device cancels the handle when the
// acknowledgement arrives. Exhaustion is silent. A Dimmer keeps at most one
// live handle per channel: a new command for the same channel cancels the
// previous one first.
//
// # Thread Safety
//
// All exported types are safe for concurrent use from multiple goroutines.
// Observer callbacks run on the receive goroutine and must not block.
package hdlbus
