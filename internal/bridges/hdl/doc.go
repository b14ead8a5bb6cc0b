// Package hdl implements the HDL Buspro bridge for Gray Logic.
//
// The bridge binds named items to dimmer channels on the bus and translates
// between MQTT item commands and hdlbus set-state packets.
//
//	┌─────────────────┐          ┌─────────────────┐
//	│   Gray Logic    │   MQTT   │   HDL Bridge    │   UDP
//	│      Core       │◄────────►│   (this pkg)    │◄────────► HDL Gateway
//	└─────────────────┘          └─────────────────┘
//
// # Bindings
//
// Items are bound with the form "subnet.device:channel":
//
//	items:
//	  kitchen_downlights: "1.2:3"
//
// Every distinct subnet.device gets one hdlbus.Dimmer on the server.
//
// # Messages
//
//   - graylogic/command/hdl/{binding}: on, off, dim {"level": 0-100}
//   - graylogic/ack/hdl/{binding}: accepted once the first send succeeds
//   - graylogic/state/hdl/{binding}: retained {"on", "level"} from device acks
//   - graylogic/health/hdl: retained bridge health
//
// An "accepted" ack means the packet left the socket. Delivery is retried
// by the dimmer until the device answers or the retry budget runs out; the
// state topic is the confirmation.
package hdl
