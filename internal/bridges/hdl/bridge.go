package hdl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-hdl/internal/hdlbus"
)

// Bridge operation constants.
const (
	// minTopicParts is the minimum number of parts in a valid MQTT topic.
	minTopicParts = 3

	// stateQueueSize bounds state updates waiting for MQTT publication.
	stateQueueSize = 100

	// bridgeVersion is reported in health messages.
	bridgeVersion = "1.0.0"
)

// Bridge translates between MQTT item commands and HDL dimmer channels.
// It handles:
//   - Commands from Core, sent to the bus with retry until acknowledged
//   - Set-state responses from the bus, published as retained item state
//   - Health reporting and graceful shutdown
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	cfg      *Config
	mqtt     MQTTClient
	bus      Bus
	metrics  MetricsWriter
	health   *HealthReporter
	bindings *Bindings

	dimmers   map[hdlbus.Address]*hdlbus.Dimmer
	dimmersMu sync.RWMutex

	// State cache for change detection, keyed by item
	stateCache   map[string]int
	stateCacheMu sync.Mutex

	stateQueue chan stateUpdate

	// Statistics
	commandsReceived atomic.Uint64
	commandsFailed   atomic.Uint64
	statesPublished  atomic.Uint64
	statesDropped    atomic.Uint64

	// Shutdown coordination
	subscribed atomic.Bool
	done       chan struct{}
	wg         sync.WaitGroup
	stopOnce   sync.Once

	logger   Logger
	loggerMu sync.RWMutex
}

// stateUpdate is one acknowledged channel level awaiting publication.
type stateUpdate struct {
	address hdlbus.Address
	channel int
	level   int
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// MQTTClient is the interface for MQTT operations.
// This allows mocking in tests and flexibility in implementation.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error
	Unsubscribe(topic string) error
	IsConnected() bool
	Disconnect(quiesce uint)
}

// Bus is the subset of *hdlbus.Server the bridge needs.
type Bus interface {
	hdlbus.Sender
	StatsSource
	AddDevice(d hdlbus.Device) bool
	GetDevice(addr hdlbus.Address) (hdlbus.Device, bool)
}

// MetricsWriter records acknowledged channel levels as time-series points.
// It is optional; *influxdb.Client satisfies it.
type MetricsWriter interface {
	WriteChannelLevel(item, binding string, level int)
}

// Ensure the server satisfies Bus.
var _ Bus = (*hdlbus.Server)(nil)

// BridgeOptions holds configuration for creating a bridge.
type BridgeOptions struct {
	Config     *Config
	MQTTClient MQTTClient
	Bus        Bus

	// Metrics is optional. If nil, levels are not recorded.
	Metrics MetricsWriter

	Logger Logger
}

// BridgeMetrics is a point-in-time snapshot of bridge counters.
type BridgeMetrics struct {
	CommandsReceived uint64
	CommandsFailed   uint64
	StatesPublished  uint64
	StatesDropped    uint64
	DevicesManaged   int
	ItemsBound       int
}

// NewBridge creates a new bridge instance.
// Call Start() to begin operation.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if opts.MQTTClient == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	if opts.Bus == nil {
		return nil, fmt.Errorf("bus is required")
	}

	bindings, err := NewBindings(opts.Config.Items)
	if err != nil {
		return nil, fmt.Errorf("building bindings: %w", err)
	}

	b := &Bridge{
		cfg:        opts.Config,
		mqtt:       opts.MQTTClient,
		bus:        opts.Bus,
		metrics:    opts.Metrics,
		bindings:   bindings,
		dimmers:    make(map[hdlbus.Address]*hdlbus.Dimmer),
		stateCache: make(map[string]int),
		stateQueue: make(chan stateUpdate, stateQueueSize),
		done:       make(chan struct{}),
		logger:     opts.Logger,
	}

	b.health = NewHealthReporter(HealthReporterConfig{
		BridgeID:  opts.Config.Bridge.ID,
		Version:   bridgeVersion,
		Gateway:   opts.Config.Gateway.Address,
		Interval:  opts.Config.GetHealthInterval(),
		Publisher: opts.MQTTClient,
		Bus:       opts.Bus,
	})
	if opts.Logger != nil {
		b.health.SetLogger(opts.Logger)
	}

	return b, nil
}

// Start registers dimmers, subscribes to commands and begins health reporting.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.health.PublishStarting(); err != nil {
		b.logError("failed to publish starting status", err)
	}

	b.registerDimmers()

	b.wg.Add(1)
	go b.stateWorker()

	commandTopic := CommandSubscribeTopic()
	if err := b.mqtt.Subscribe(commandTopic, 1, b.handleMQTTMessage); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	b.subscribed.Store(true)
	b.logInfo("subscribed to commands", "topic", commandTopic)

	b.health.Start(ctx)

	b.logInfo("bridge started",
		"bridge_id", b.cfg.Bridge.ID,
		"devices", b.deviceCount(),
		"items", b.bindings.Len())

	return nil
}

// Stop drops the command subscription, detaches from the dimmers and
// shuts down background work.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		if b.subscribed.Load() && b.mqtt.IsConnected() {
			if err := b.mqtt.Unsubscribe(CommandSubscribeTopic()); err != nil {
				b.logError("failed to unsubscribe from commands", err)
			}
		}

		b.dimmersMu.RLock()
		for _, d := range b.dimmers {
			d.RemoveListener(b)
		}
		b.dimmersMu.RUnlock()

		close(b.done)
		b.health.Stop()
		b.wg.Wait()

		b.logInfo("bridge stopped")
	})
}

// registerDimmers creates a dimmer for every bound bus address.
// A dimmer already registered at the address is shared; any other device
// kind at the address leaves its items unserviceable.
func (b *Bridge) registerDimmers() {
	b.dimmersMu.Lock()
	defer b.dimmersMu.Unlock()

	for _, addr := range b.bindings.Addresses() {
		d, err := b.dimmerFor(addr)
		if err != nil {
			b.logError("cannot register dimmer", fmt.Errorf("address %s: %w", addr, err))
			continue
		}
		d.AddListener(b)
		b.dimmers[addr] = d
	}

	b.health.SetDeviceCount(len(b.dimmers))
}

func (b *Bridge) dimmerFor(addr hdlbus.Address) (*hdlbus.Dimmer, error) {
	if existing, ok := b.bus.GetDevice(addr); ok {
		d, isDimmer := existing.(*hdlbus.Dimmer)
		if !isDimmer {
			return nil, ErrAddressInUse
		}
		return d, nil
	}

	d := hdlbus.NewDimmer(addr, b.bus)
	if !b.bus.AddDevice(d) {
		// Lost a race with another registrant; retry the lookup once.
		if existing, ok := b.bus.GetDevice(addr); ok {
			if shared, isDimmer := existing.(*hdlbus.Dimmer); isDimmer {
				return shared, nil
			}
		}
		return nil, ErrAddressInUse
	}
	return d, nil
}

// SetLevel sends a level (0-100) to the channel bound to item.
//
// Returns:
//   - error: ErrUnknownItem, ErrAddressInUse, or a send error from hdlbus
func (b *Bridge) SetLevel(item string, level uint8) error {
	binding, ok := b.bindings.Lookup(item)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownItem, item)
	}

	b.dimmersMu.RLock()
	d, ok := b.dimmers[binding.Address]
	b.dimmersMu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrAddressInUse, binding.Address)
	}

	return d.SetChannel(binding.Channel, level)
}

// OnDimmerStateChanged queues an acknowledged level for publication.
// Called on the bus receive goroutine, so it never blocks.
func (b *Bridge) OnDimmerStateChanged(d *hdlbus.Dimmer, channel, level int) {
	select {
	case b.stateQueue <- stateUpdate{address: d.Address(), channel: channel, level: level}:
	default:
		b.statesDropped.Add(1)
		b.logDebug("state queue full, dropping update",
			"address", d.Address().String(),
			"channel", channel)
	}
}

func (b *Bridge) stateWorker() {
	defer b.wg.Done()

	for {
		select {
		case <-b.done:
			return
		case u := <-b.stateQueue:
			b.publishState(u)
		}
	}
}

// publishState publishes a retained state message for the bound item.
// Levels on unbound channels and repeats of the cached level are skipped.
func (b *Bridge) publishState(u stateUpdate) {
	item, ok := b.bindings.ItemFor(u.address, u.channel)
	if !ok {
		return
	}

	if b.stateUnchanged(item, u.level) {
		return
	}

	binding := Binding{Address: u.address, Channel: u.channel}.String()
	msg := NewStateMessage(item, binding, u.level)
	payload, err := json.Marshal(msg)
	if err != nil {
		b.logError("failed to marshal state", err)
		return
	}

	if err := b.mqtt.Publish(StateTopic(binding), payload, 1, true); err != nil {
		b.logError("failed to publish state", err)
		return
	}
	b.statesPublished.Add(1)

	if b.metrics != nil {
		b.metrics.WriteChannelLevel(item, binding, u.level)
	}
}

// stateUnchanged reports whether level matches the cached value for item,
// recording level otherwise.
func (b *Bridge) stateUnchanged(item string, level int) bool {
	b.stateCacheMu.Lock()
	defer b.stateCacheMu.Unlock()

	if cached, ok := b.stateCache[item]; ok && cached == level {
		return true
	}
	b.stateCache[item] = level
	return false
}

// ClearStateCache forgets published levels so the next ack republishes.
func (b *Bridge) ClearStateCache() {
	b.stateCacheMu.Lock()
	defer b.stateCacheMu.Unlock()
	b.stateCache = make(map[string]int)
}

// handleMQTTMessage routes incoming MQTT messages to appropriate handlers.
func (b *Bridge) handleMQTTMessage(topic string, payload []byte) {
	parts := strings.Split(topic, "/")
	if len(parts) < minTopicParts {
		b.logError("invalid topic format", fmt.Errorf("topic: %s", topic))
		return
	}

	switch parts[1] {
	case "command":
		b.handleCommand(payload)
	default:
		b.logError("unknown message type", fmt.Errorf("type: %s", parts[1]))
	}
}

// handleCommand processes a command message from Core.
func (b *Bridge) handleCommand(payload []byte) {
	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logError("failed to parse command", err)
		return
	}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	b.commandsReceived.Add(1)

	b.logInfo("received command",
		"command_id", cmd.ID,
		"device_id", cmd.DeviceID,
		"command", cmd.Command)

	binding, ok := b.bindings.Lookup(cmd.DeviceID)
	if !ok {
		b.publishAckError(cmd, "", ErrCodeNotConfigured,
			fmt.Sprintf("item %s not configured", cmd.DeviceID))
		return
	}
	address := binding.String()

	level, code, err := commandLevel(cmd)
	if err != nil {
		b.publishAckError(cmd, address, code, err.Error())
		return
	}

	if err := b.SetLevel(cmd.DeviceID, level); err != nil {
		b.publishAckError(cmd, address, sendErrorCode(err),
			fmt.Sprintf("send failed: %v", err))
		return
	}

	b.publishAck(cmd, address, AckAccepted)
}

// commandLevel maps a command to a channel level (0-100).
// On failure it returns the ack error code to report.
func commandLevel(cmd CommandMessage) (uint8, string, error) {
	switch cmd.Command {
	case "on":
		return 100, "", nil
	case "off":
		return 0, "", nil
	case "dim":
		levelAny, ok := cmd.Parameters["level"]
		if !ok {
			return 0, ErrCodeInvalidParameters, fmt.Errorf("missing 'level' parameter")
		}
		level, ok := levelAny.(float64)
		if !ok {
			return 0, ErrCodeInvalidParameters, fmt.Errorf("'level' must be a number")
		}
		if level < 0 || level > 100 {
			return 0, ErrCodeInvalidParameters, fmt.Errorf("'level' must be 0-100, got %.2f", level)
		}
		return uint8(math.Round(level)), "", nil
	default:
		return 0, ErrCodeInvalidCommand, fmt.Errorf("unknown command: %s", cmd.Command)
	}
}

func sendErrorCode(err error) string {
	switch {
	case errors.Is(err, hdlbus.ErrNotStarted), errors.Is(err, ErrAddressInUse):
		return ErrCodeBridgeError
	default:
		return ErrCodeDeviceUnreachable
	}
}

// publishAck publishes a command acknowledgment.
func (b *Bridge) publishAck(cmd CommandMessage, address string, status AckStatus) {
	ack := NewAckMessage(cmd, status, address)

	payload, err := json.Marshal(ack)
	if err != nil {
		b.logError("failed to marshal ack", err)
		return
	}

	if err := b.mqtt.Publish(AckTopic(address), payload, 1, false); err != nil {
		b.logError("failed to publish ack", err)
	}
}

// publishAckError publishes a failed command acknowledgment.
func (b *Bridge) publishAckError(cmd CommandMessage, address, code, message string) {
	b.commandsFailed.Add(1)

	ack := NewAckError(cmd, address, code, message)

	payload, err := json.Marshal(ack)
	if err != nil {
		b.logError("failed to marshal ack error", err)
		return
	}

	if err := b.mqtt.Publish(AckTopic(address), payload, 1, false); err != nil {
		b.logError("failed to publish ack error", err)
	}
	b.logError("command failed",
		fmt.Errorf("code=%s message=%s", code, message))
}

func (b *Bridge) deviceCount() int {
	b.dimmersMu.RLock()
	defer b.dimmersMu.RUnlock()
	return len(b.dimmers)
}

// GetMetrics returns current bridge counters.
func (b *Bridge) GetMetrics() BridgeMetrics {
	return BridgeMetrics{
		CommandsReceived: b.commandsReceived.Load(),
		CommandsFailed:   b.commandsFailed.Load(),
		StatesPublished:  b.statesPublished.Load(),
		StatesDropped:    b.statesDropped.Load(),
		DevicesManaged:   b.deviceCount(),
		ItemsBound:       b.bindings.Len(),
	}
}

// SetLogger sets the logger for the bridge and its health reporter.
func (b *Bridge) SetLogger(logger Logger) {
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()
	b.health.SetLogger(logger)
}

func (b *Bridge) getLogger() Logger {
	b.loggerMu.RLock()
	defer b.loggerMu.RUnlock()
	return b.logger
}

func (b *Bridge) logInfo(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (b *Bridge) logDebug(msg string, keysAndValues ...any) {
	if logger := b.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (b *Bridge) logError(msg string, err error) {
	if logger := b.getLogger(); logger != nil {
		logger.Error(msg, "error", err)
	}
}
