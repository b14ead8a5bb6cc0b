package hdl

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-hdl/internal/hdlbus"
	"github.com/nerrad567/gray-logic-hdl/internal/infrastructure/mqtt"
)

// Protocol is the protocol identifier used in topics and messages.
const Protocol = "hdl"

// CommandMessage is sent from Core to Bridge to execute a device command.
// Topic: graylogic/command/hdl/{binding}
type CommandMessage struct {
	// ID uniquely identifies this command for correlation with acknowledgments.
	// The bridge assigns one when empty.
	ID string `json:"id"`

	// Timestamp is when the command was issued (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// DeviceID is the bound item name.
	DeviceID string `json:"device_id"`

	// Command is the command name: "on", "off" or "dim".
	Command string `json:"command"`

	// Parameters contains command-specific values, e.g. {"level": 50} for dim.
	Parameters map[string]any `json:"parameters,omitempty"`

	// Source indicates where the command originated.
	Source string `json:"source"`
}

// AckStatus represents the acknowledgment status of a command.
type AckStatus string

const (
	// AckAccepted indicates the command was sent to the gateway.
	// Delivery to the device is retried in the background.
	AckAccepted AckStatus = "accepted"

	// AckFailed indicates the command could not be sent.
	AckFailed AckStatus = "failed"
)

// AckMessage is sent from Bridge to Core to acknowledge a command.
// Topic: graylogic/ack/hdl/{binding}
type AckMessage struct {
	CommandID string    `json:"command_id"`
	Timestamp time.Time `json:"timestamp"`
	DeviceID  string    `json:"device_id"`
	Status    AckStatus `json:"status"`
	Protocol  string    `json:"protocol"`

	// Address is the channel binding (e.g., "1.2:3"); empty if unknown.
	Address string `json:"address"`

	Error *AckError `json:"error,omitempty"`
}

// AckError contains error details for failed commands.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes for command failures.
const (
	ErrCodeDeviceUnreachable = "DEVICE_UNREACHABLE"
	ErrCodeInvalidCommand    = "INVALID_COMMAND"
	ErrCodeInvalidParameters = "INVALID_PARAMETERS"
	ErrCodeNotConfigured     = "NOT_CONFIGURED"
	ErrCodeBridgeError       = "BRIDGE_ERROR"
)

// StateMessage is sent from Bridge to Core when a channel level changes.
// Topic: graylogic/state/hdl/{binding}
// QoS: 1, Retained: Yes
type StateMessage struct {
	DeviceID  string    `json:"device_id"`
	Timestamp time.Time `json:"timestamp"`

	// State is {"on": bool, "level": 0-100}.
	State map[string]any `json:"state"`

	Protocol string `json:"protocol"`
	Address  string `json:"address"`
}

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthOffline   HealthStatus = "offline"
	HealthStarting  HealthStatus = "starting"
	HealthStopping  HealthStatus = "stopping"
)

// HealthMessage is sent from Bridge to Core to report operational status.
// Topic: graylogic/health/hdl
// QoS: 1, Retained: Yes
type HealthMessage struct {
	Bridge         string            `json:"bridge"`
	Timestamp      time.Time         `json:"timestamp"`
	Status         HealthStatus      `json:"status"`
	Version        string            `json:"version"`
	UptimeSeconds  int64             `json:"uptime_seconds"`
	Connection     *ConnectionStatus `json:"connection,omitempty"`
	Statistics     *BridgeStatistics `json:"statistics,omitempty"`
	DevicesManaged int               `json:"devices_managed"`
	Reason         string            `json:"reason,omitempty"`
}

// ConnectionStatus describes the UDP socket state.
type ConnectionStatus struct {
	// Status is "listening" or "stopped".
	Status string `json:"status"`

	// Address is the gateway address commands are sent to.
	Address string `json:"address"`

	// LastActivity is the last datagram sent or received.
	LastActivity *time.Time `json:"last_activity,omitempty"`
}

// BridgeStatistics contains operational metrics.
type BridgeStatistics struct {
	MessagesReceived uint64 `json:"messages_received"`
	MessagesSent     uint64 `json:"messages_sent"`
	MessagesDropped  uint64 `json:"messages_dropped"`
	Retries          uint64 `json:"retries"`
	Errors           uint64 `json:"errors"`
}

// UnmarshalJSON unmarshals a CommandMessage, accepting an empty or RFC3339
// timestamp.
func (m *CommandMessage) UnmarshalJSON(data []byte) error {
	type Alias CommandMessage
	aux := &struct {
		*Alias
		Timestamp string `json:"timestamp"`
	}{
		Alias: (*Alias)(m),
	}
	if err := json.Unmarshal(data, aux); err != nil {
		return fmt.Errorf("unmarshal command message: %w", err)
	}
	if aux.Timestamp != "" {
		t, err := time.Parse(time.RFC3339, aux.Timestamp)
		if err != nil {
			return fmt.Errorf("parse timestamp: %w", err)
		}
		m.Timestamp = t
	}
	return nil
}

// NewAckMessage creates an acknowledgment message for a command.
func NewAckMessage(cmd CommandMessage, status AckStatus, address string) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		DeviceID:  cmd.DeviceID,
		Status:    status,
		Protocol:  Protocol,
		Address:   address,
	}
}

// NewAckError creates a failed acknowledgment with error details.
func NewAckError(cmd CommandMessage, address, code, message string) AckMessage {
	ack := NewAckMessage(cmd, AckFailed, address)
	ack.Error = &AckError{Code: code, Message: message}
	return ack
}

// NewStateMessage creates a state message for a dimmer channel.
func NewStateMessage(deviceID, address string, level int) StateMessage {
	return StateMessage{
		DeviceID:  deviceID,
		Timestamp: time.Now().UTC(),
		State: map[string]any{
			"on":    level > 0,
			"level": level,
		},
		Protocol: Protocol,
		Address:  address,
	}
}

// NewHealthMessage creates a health message from socket statistics.
func NewHealthMessage(bridgeID, version string, status HealthStatus, stats hdlbus.ServerStats, gateway string, deviceCount int, startTime time.Time) HealthMessage {
	connStatus := "stopped"
	if stats.Running {
		connStatus = "listening"
	}

	conn := &ConnectionStatus{
		Status:  connStatus,
		Address: gateway,
	}
	if !stats.LastActivity.IsZero() {
		last := stats.LastActivity.UTC()
		conn.LastActivity = &last
	}

	return HealthMessage{
		Bridge:        bridgeID,
		Timestamp:     time.Now().UTC(),
		Status:        status,
		Version:       version,
		UptimeSeconds: int64(time.Since(startTime).Seconds()),
		Connection:    conn,
		Statistics: &BridgeStatistics{
			MessagesReceived: stats.PacketsRx,
			MessagesSent:     stats.PacketsTx,
			MessagesDropped:  stats.PacketsDropped,
			Retries:          stats.Retries,
			Errors:           stats.ErrorsTotal,
		},
		DevicesManaged: deviceCount,
	}
}

// NewLWTMessage creates the Last Will and Testament message.
// Published by the broker if the bridge disconnects unexpectedly.
func NewLWTMessage(bridgeID string) HealthMessage {
	return HealthMessage{
		Bridge:    bridgeID,
		Timestamp: time.Now().UTC(),
		Status:    HealthOffline,
		Reason:    "unexpected_disconnect",
	}
}

// Topic helpers

// TopicPrefix is the base topic for all Gray Logic messages.
const TopicPrefix = mqtt.TopicPrefixBridge

// CommandTopic returns the MQTT topic for commands to a binding.
// Example: graylogic/command/hdl/1.2:3
func CommandTopic(address string) string {
	return mqtt.Topics{}.BridgeCommand(Protocol, address)
}

// AckTopic returns the MQTT topic for command acknowledgments.
// Example: graylogic/ack/hdl/1.2:3
func AckTopic(address string) string {
	return mqtt.Topics{}.BridgeAck(Protocol, address)
}

// StateTopic returns the MQTT topic for state updates.
// Example: graylogic/state/hdl/1.2:3
func StateTopic(address string) string {
	return mqtt.Topics{}.BridgeState(Protocol, address)
}

// HealthTopic returns the MQTT topic for health status.
func HealthTopic() string {
	return mqtt.Topics{}.BridgeHealth(Protocol)
}

// CommandSubscribeTopic returns the subscription pattern for all commands.
func CommandSubscribeTopic() string {
	return mqtt.Topics{}.BridgeCommands(Protocol)
}
