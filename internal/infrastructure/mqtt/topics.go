package mqtt

import "fmt"

// Topic prefixes.
//
// Bridge topics use the flat scheme: graylogic/{category}/{protocol}/{address}
const (
	// TopicPrefixBridge is the base for all bridge topics.
	TopicPrefixBridge = "graylogic"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "graylogic/system"
)

// Topics provides builders for Gray Logic MQTT topics.
//
//	topics := mqtt.Topics{}
//	stateTopic := topics.BridgeState("hdl", "1.2:3")
//	// Returns: "graylogic/state/hdl/1.2:3"
type Topics struct{}

// BridgeState returns the topic for channel state updates from a bridge.
//
// Example: graylogic/state/hdl/1.2:3
func (Topics) BridgeState(protocol, address string) string {
	return fmt.Sprintf("%s/state/%s/%s", TopicPrefixBridge, protocol, address)
}

// BridgeCommand returns the topic for commands to a bridge.
//
// Example: graylogic/command/hdl/1.2:3
func (Topics) BridgeCommand(protocol, address string) string {
	return fmt.Sprintf("%s/command/%s/%s", TopicPrefixBridge, protocol, address)
}

// BridgeAck returns the topic for command acknowledgements from a bridge.
//
// Example: graylogic/ack/hdl/1.2:3
func (Topics) BridgeAck(protocol, address string) string {
	return fmt.Sprintf("%s/ack/%s/%s", TopicPrefixBridge, protocol, address)
}

// BridgeHealth returns the topic for bridge health status.
//
// Example: graylogic/health/hdl
func (Topics) BridgeHealth(protocol string) string {
	return fmt.Sprintf("%s/health/%s", TopicPrefixBridge, protocol)
}

// BridgeCommands returns a pattern matching every command to one bridge.
//
// Example: graylogic/command/hdl/#
func (Topics) BridgeCommands(protocol string) string {
	return fmt.Sprintf("%s/command/%s/#", TopicPrefixBridge, protocol)
}

// SystemStatus returns the per-client online/offline status topic.
//
// Example: graylogic/system/status/graylogic-hdl
func (Topics) SystemStatus(clientID string) string {
	return fmt.Sprintf("%s/status/%s", TopicPrefixSystem, clientID)
}
