package hdl

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-hdl/internal/hdlbus"
)

// MockMQTTClient implements MQTTClient for testing.
type MockMQTTClient struct {
	mu            sync.Mutex
	published     []mockPublish
	subscriptions []string
	unsubscribed  []string
	connected     bool
	handlers      map[string]func(topic string, payload []byte)
}

type mockPublish struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

func NewMockMQTTClient() *MockMQTTClient {
	return &MockMQTTClient{
		connected: true,
		handlers:  make(map[string]func(topic string, payload []byte)),
	}
}

func (m *MockMQTTClient) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, mockPublish{Topic: topic, Payload: payload, QoS: qos, Retained: retained})
	return nil
}

func (m *MockMQTTClient) Subscribe(topic string, _ byte, handler func(topic string, payload []byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions = append(m.subscriptions, topic)
	m.handlers[topic] = handler
	return nil
}

func (m *MockMQTTClient) Unsubscribe(topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unsubscribed = append(m.unsubscribed, topic)
	delete(m.handlers, topic)
	return nil
}

func (m *MockMQTTClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockMQTTClient) Disconnect(uint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
}

// GetPublished returns messages published to topics starting with prefix.
func (m *MockMQTTClient) GetPublished(prefix string) []mockPublish {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []mockPublish
	for _, p := range m.published {
		if strings.HasPrefix(p.Topic, prefix) {
			out = append(out, p)
		}
	}
	return out
}

// SimulateCommand delivers a command payload through the command subscription.
func (m *MockMQTTClient) SimulateCommand(topic string, payload []byte) {
	m.mu.Lock()
	handler, ok := m.handlers[CommandSubscribeTopic()]
	m.mu.Unlock()
	if ok {
		handler(topic, payload)
	}
}

// mockBus implements Bus over a real registry and retry scheduler.
type mockBus struct {
	mu       sync.Mutex
	registry *hdlbus.Registry
	sched    *hdlbus.Scheduler
	sent     []hdlbus.Packet
	sendErr  error
	running  bool
}

func newMockBus(t *testing.T) *mockBus {
	t.Helper()
	s := hdlbus.NewScheduler()
	t.Cleanup(s.Close)
	return &mockBus{registry: hdlbus.NewRegistry(), sched: s, running: true}
}

func (m *mockBus) SendWithRetry(p hdlbus.Packet) (*hdlbus.RetryHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.sent = append(m.sent, p)
	return m.sched.Schedule(nil, hdlbus.DefaultRetryCount, time.Hour, func([]byte) error { return nil }), nil
}

func (m *mockBus) Stats() hdlbus.ServerStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return hdlbus.ServerStats{Running: m.running, PacketsTx: uint64(len(m.sent))}
}

func (m *mockBus) AddDevice(d hdlbus.Device) bool { return m.registry.AddDevice(d) }

func (m *mockBus) GetDevice(addr hdlbus.Address) (hdlbus.Device, bool) {
	return m.registry.GetDevice(addr)
}

func (m *mockBus) getSent() []hdlbus.Packet {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]hdlbus.Packet, len(m.sent))
	copy(out, m.sent)
	return out
}

func (m *mockBus) setSendErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// ack simulates a set-state response from the dimmer at addr.
func (m *mockBus) ack(t *testing.T, addr hdlbus.Address, channel, level byte) {
	t.Helper()
	d, ok := m.registry.GetDevice(addr)
	if !ok {
		t.Fatalf("no device registered at %s", addr)
	}
	d.ProcessPacket(&hdlbus.Packet{
		Source:  addr,
		Command: hdlbus.CmdDimmerSetStateResponse,
		Data:    []byte{channel, 0xF8, level},
	})
}

type levelPoint struct {
	item    string
	binding string
	level   int
}

type mockMetrics struct {
	mu     sync.Mutex
	points []levelPoint
}

func (m *mockMetrics) WriteChannelLevel(item, binding string, level int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.points = append(m.points, levelPoint{item: item, binding: binding, level: level})
}

func (m *mockMetrics) getPoints() []levelPoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]levelPoint, len(m.points))
	copy(out, m.points)
	return out
}

func createTestConfig() *Config {
	cfg := defaultConfig()
	cfg.Bridge.ID = "test-hdl-bridge"
	cfg.Items = map[string]string{
		"kitchen":  "1.2:3",
		"hallway":  "1.2:4",
		"bathroom": "1.7:1",
	}
	return cfg
}

type testEnv struct {
	bridge  *Bridge
	mqtt    *MockMQTTClient
	bus     *mockBus
	metrics *mockMetrics
}

func startTestBridge(t *testing.T, setup func(*mockBus)) testEnv {
	t.Helper()

	env := testEnv{
		mqtt:    NewMockMQTTClient(),
		bus:     newMockBus(t),
		metrics: &mockMetrics{},
	}
	if setup != nil {
		setup(env.bus)
	}

	b, err := NewBridge(BridgeOptions{
		Config:     createTestConfig(),
		MQTTClient: env.mqtt,
		Bus:        env.bus,
		Metrics:    env.metrics,
	})
	if err != nil {
		t.Fatalf("NewBridge failed: %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(b.Stop)

	env.bridge = b
	return env
}

func sendCommand(t *testing.T, env testEnv, cmd CommandMessage) {
	t.Helper()
	payload, err := json.Marshal(cmd)
	if err != nil {
		t.Fatalf("marshal command: %v", err)
	}
	env.mqtt.SimulateCommand(CommandTopic("x"), payload)
}

func lastAck(t *testing.T, env testEnv) (string, AckMessage) {
	t.Helper()
	acks := env.mqtt.GetPublished(TopicPrefix + "/ack/")
	if len(acks) == 0 {
		t.Fatal("no ack published")
	}
	last := acks[len(acks)-1]
	var ack AckMessage
	if err := json.Unmarshal(last.Payload, &ack); err != nil {
		t.Fatalf("parse ack: %v", err)
	}
	return last.Topic, ack
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNewBridgeRequiredOptions(t *testing.T) {
	bus := newMockBus(t)
	mqtt := NewMockMQTTClient()

	tests := []struct {
		name string
		opts BridgeOptions
	}{
		{"missing config", BridgeOptions{MQTTClient: mqtt, Bus: bus}},
		{"missing mqtt", BridgeOptions{Config: createTestConfig(), Bus: bus}},
		{"missing bus", BridgeOptions{Config: createTestConfig(), MQTTClient: mqtt}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewBridge(tt.opts); err == nil {
				t.Error("NewBridge should fail")
			}
		})
	}
}

func TestNewBridgeInvalidBindings(t *testing.T) {
	cfg := createTestConfig()
	cfg.Items["broken"] = "1.2"

	_, err := NewBridge(BridgeOptions{Config: cfg, MQTTClient: NewMockMQTTClient(), Bus: newMockBus(t)})
	if !errors.Is(err, ErrInvalidBinding) {
		t.Errorf("NewBridge error = %v, want ErrInvalidBinding", err)
	}
}

func TestBridgeStartRegistersDimmers(t *testing.T) {
	env := startTestBridge(t, nil)

	if diff := cmp.Diff([]string{CommandSubscribeTopic()}, env.mqtt.subscriptions); diff != "" {
		t.Errorf("subscriptions mismatch (-want +got):\n%s", diff)
	}

	want := []hdlbus.Address{hdlbus.NewAddress(1, 2), hdlbus.NewAddress(1, 7)}
	if diff := cmp.Diff(want, env.bus.registry.Addresses()); diff != "" {
		t.Errorf("registered addresses mismatch (-want +got):\n%s", diff)
	}

	for _, addr := range want {
		dev, _ := env.bus.GetDevice(addr)
		d, ok := dev.(*hdlbus.Dimmer)
		if !ok {
			t.Fatalf("device at %s is %T, want *hdlbus.Dimmer", addr, dev)
		}
		if d.Listeners() != 1 {
			t.Errorf("dimmer %s listeners = %d, want 1", addr, d.Listeners())
		}
	}

	health := env.mqtt.GetPublished(HealthTopic())
	if len(health) == 0 {
		t.Fatal("no health published")
	}
	var first HealthMessage
	if err := json.Unmarshal(health[0].Payload, &first); err != nil {
		t.Fatalf("parse health: %v", err)
	}
	if first.Status != HealthStarting {
		t.Errorf("first health status = %q, want starting", first.Status)
	}

	if m := env.bridge.GetMetrics(); m.DevicesManaged != 2 || m.ItemsBound != 3 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestBridgeSharesExistingDimmer(t *testing.T) {
	var existing *hdlbus.Dimmer
	env := startTestBridge(t, func(bus *mockBus) {
		existing = hdlbus.NewDimmer(hdlbus.NewAddress(1, 2), bus)
		bus.AddDevice(existing)
	})

	dev, _ := env.bus.GetDevice(hdlbus.NewAddress(1, 2))
	if dev != hdlbus.Device(existing) {
		t.Error("existing dimmer was replaced")
	}
	if existing.Listeners() != 1 {
		t.Errorf("existing dimmer listeners = %d, want 1", existing.Listeners())
	}
}

func TestBridgeCommands(t *testing.T) {
	tests := []struct {
		name      string
		cmd       CommandMessage
		wantData  []byte
		wantTopic string
	}{
		{
			name:      "on",
			cmd:       CommandMessage{ID: "c1", DeviceID: "kitchen", Command: "on"},
			wantData:  []byte{3, 100, 0, 0},
			wantTopic: "graylogic/ack/hdl/1.2:3",
		},
		{
			name:      "off",
			cmd:       CommandMessage{ID: "c2", DeviceID: "hallway", Command: "off"},
			wantData:  []byte{4, 0, 0, 0},
			wantTopic: "graylogic/ack/hdl/1.2:4",
		},
		{
			name:      "dim rounds",
			cmd:       CommandMessage{ID: "c3", DeviceID: "bathroom", Command: "dim", Parameters: map[string]any{"level": 42.6}},
			wantData:  []byte{1, 43, 0, 0},
			wantTopic: "graylogic/ack/hdl/1.7:1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := startTestBridge(t, nil)
			sendCommand(t, env, tt.cmd)

			sent := env.bus.getSent()
			if len(sent) != 1 {
				t.Fatalf("sent %d packets, want 1", len(sent))
			}
			if sent[0].Command != hdlbus.CmdDimmerSetState {
				t.Errorf("Command = %s, want set-state", sent[0].Command)
			}
			if diff := cmp.Diff(tt.wantData, sent[0].Data); diff != "" {
				t.Errorf("Data mismatch (-want +got):\n%s", diff)
			}

			topic, ack := lastAck(t, env)
			if topic != tt.wantTopic {
				t.Errorf("ack topic = %q, want %q", topic, tt.wantTopic)
			}
			if ack.Status != AckAccepted || ack.CommandID != tt.cmd.ID {
				t.Errorf("ack = %+v", ack)
			}
		})
	}
}

func TestBridgeCommandFailures(t *testing.T) {
	tests := []struct {
		name     string
		cmd      CommandMessage
		sendErr  error
		wantCode string
	}{
		{"unknown item", CommandMessage{ID: "f1", DeviceID: "garage", Command: "on"}, nil, ErrCodeNotConfigured},
		{"unknown command", CommandMessage{ID: "f2", DeviceID: "kitchen", Command: "toggle"}, nil, ErrCodeInvalidCommand},
		{"dim without level", CommandMessage{ID: "f3", DeviceID: "kitchen", Command: "dim"}, nil, ErrCodeInvalidParameters},
		{"dim level not number", CommandMessage{ID: "f4", DeviceID: "kitchen", Command: "dim", Parameters: map[string]any{"level": "high"}}, nil, ErrCodeInvalidParameters},
		{"dim level too high", CommandMessage{ID: "f5", DeviceID: "kitchen", Command: "dim", Parameters: map[string]any{"level": 101.0}}, nil, ErrCodeInvalidParameters},
		{"socket closed", CommandMessage{ID: "f6", DeviceID: "kitchen", Command: "on"}, hdlbus.ErrNotStarted, ErrCodeBridgeError},
		{"send failed", CommandMessage{ID: "f7", DeviceID: "kitchen", Command: "on"}, hdlbus.ErrSendFailed, ErrCodeDeviceUnreachable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := startTestBridge(t, nil)
			env.bus.setSendErr(tt.sendErr)

			sendCommand(t, env, tt.cmd)

			_, ack := lastAck(t, env)
			if ack.Status != AckFailed {
				t.Fatalf("ack status = %q, want failed", ack.Status)
			}
			if ack.Error == nil || ack.Error.Code != tt.wantCode {
				t.Errorf("ack error = %+v, want code %s", ack.Error, tt.wantCode)
			}
			if tt.sendErr == nil && len(env.bus.getSent()) != 0 {
				t.Errorf("sent %d packets for a rejected command", len(env.bus.getSent()))
			}
			if env.bridge.GetMetrics().CommandsFailed != 1 {
				t.Errorf("CommandsFailed = %d, want 1", env.bridge.GetMetrics().CommandsFailed)
			}
		})
	}
}

func TestBridgeCommandAssignsID(t *testing.T) {
	env := startTestBridge(t, nil)
	sendCommand(t, env, CommandMessage{DeviceID: "kitchen", Command: "on"})

	_, ack := lastAck(t, env)
	if _, err := uuid.Parse(ack.CommandID); err != nil {
		t.Errorf("CommandID %q is not a UUID: %v", ack.CommandID, err)
	}
}

func TestBridgeAddressInUse(t *testing.T) {
	env := startTestBridge(t, func(bus *mockBus) {
		bus.AddDevice(hdlbus.NewGenericDevice[hdlbus.DimmerObserver](hdlbus.NewAddress(1, 7)))
	})

	if m := env.bridge.GetMetrics(); m.DevicesManaged != 1 {
		t.Errorf("DevicesManaged = %d, want 1", m.DevicesManaged)
	}

	err := env.bridge.SetLevel("bathroom", 50)
	if !errors.Is(err, ErrAddressInUse) {
		t.Errorf("SetLevel error = %v, want ErrAddressInUse", err)
	}

	sendCommand(t, env, CommandMessage{ID: "x", DeviceID: "bathroom", Command: "on"})
	if _, ack := lastAck(t, env); ack.Error == nil || ack.Error.Code != ErrCodeBridgeError {
		t.Errorf("ack = %+v, want BRIDGE_ERROR", ack)
	}
}

func TestBridgeSetLevelUnknownItem(t *testing.T) {
	env := startTestBridge(t, nil)
	if err := env.bridge.SetLevel("garage", 10); !errors.Is(err, ErrUnknownItem) {
		t.Errorf("SetLevel error = %v, want ErrUnknownItem", err)
	}
}

func TestBridgeAckPublishesState(t *testing.T) {
	env := startTestBridge(t, nil)

	env.bus.ack(t, hdlbus.NewAddress(1, 2), 3, 75)

	stateTopic := StateTopic("1.2:3")
	waitFor(t, func() bool { return len(env.mqtt.GetPublished(stateTopic)) == 1 })

	pub := env.mqtt.GetPublished(stateTopic)[0]
	if pub.QoS != 1 || !pub.Retained {
		t.Errorf("state publish qos=%d retained=%v, want 1/true", pub.QoS, pub.Retained)
	}

	var msg StateMessage
	if err := json.Unmarshal(pub.Payload, &msg); err != nil {
		t.Fatalf("parse state: %v", err)
	}
	if msg.DeviceID != "kitchen" || msg.Address != "1.2:3" || msg.Protocol != Protocol {
		t.Errorf("state = %+v", msg)
	}
	if msg.State["on"] != true || msg.State["level"] != float64(75) {
		t.Errorf("state payload = %v", msg.State)
	}

	want := []levelPoint{{item: "kitchen", binding: "1.2:3", level: 75}}
	if diff := cmp.Diff(want, env.metrics.getPoints(), cmp.AllowUnexported(levelPoint{})); diff != "" {
		t.Errorf("metrics mismatch (-want +got):\n%s", diff)
	}
}

func TestBridgeStateChangeDetection(t *testing.T) {
	env := startTestBridge(t, nil)
	addr := hdlbus.NewAddress(1, 2)
	stateTopic := StateTopic("1.2:3")

	env.bus.ack(t, addr, 3, 40)
	waitFor(t, func() bool { return len(env.mqtt.GetPublished(stateTopic)) == 1 })

	// Repeat of the same level is suppressed; a new level goes out.
	env.bus.ack(t, addr, 3, 40)
	env.bus.ack(t, addr, 3, 0)
	waitFor(t, func() bool { return len(env.mqtt.GetPublished(stateTopic)) == 2 })

	var msg StateMessage
	if err := json.Unmarshal(env.mqtt.GetPublished(stateTopic)[1].Payload, &msg); err != nil {
		t.Fatalf("parse state: %v", err)
	}
	if msg.State["on"] != false {
		t.Errorf("on = %v, want false", msg.State["on"])
	}

	// After clearing, the current level republishes.
	env.bridge.ClearStateCache()
	env.bus.ack(t, addr, 3, 0)
	waitFor(t, func() bool { return len(env.mqtt.GetPublished(stateTopic)) == 3 })

	if got := env.bridge.GetMetrics().StatesPublished; got != 3 {
		t.Errorf("StatesPublished = %d, want 3", got)
	}
}

func TestBridgeUnboundChannelIgnored(t *testing.T) {
	env := startTestBridge(t, nil)

	env.bus.ack(t, hdlbus.NewAddress(1, 2), 9, 50)
	env.bus.ack(t, hdlbus.NewAddress(1, 2), 3, 50)

	waitFor(t, func() bool { return len(env.mqtt.GetPublished(StateTopic("1.2:3"))) == 1 })

	if n := len(env.mqtt.GetPublished(TopicPrefix + "/state/")); n != 1 {
		t.Errorf("state messages = %d, want 1", n)
	}
}

func TestBridgeAckCancelsRetry(t *testing.T) {
	env := startTestBridge(t, nil)
	sendCommand(t, env, CommandMessage{ID: "c", DeviceID: "kitchen", Command: "on"})

	dev, _ := env.bus.GetDevice(hdlbus.NewAddress(1, 2))
	d := dev.(*hdlbus.Dimmer)
	if d.PendingRetry(3) == nil {
		t.Fatal("no pending retry after command")
	}

	env.bus.ack(t, hdlbus.NewAddress(1, 2), 3, 100)
	if d.PendingRetry(3) != nil {
		t.Error("retry still pending after ack")
	}
}

func TestBridgeInvalidTopicFormat(t *testing.T) {
	env := startTestBridge(t, nil)

	env.bridge.handleMQTTMessage("graylogic", []byte(`{}`))
	env.bridge.handleMQTTMessage("graylogic/unknown/hdl", []byte(`{}`))
	env.mqtt.SimulateCommand(CommandTopic("1.2:3"), []byte(`not json`))

	if n := len(env.mqtt.GetPublished(TopicPrefix + "/ack/")); n != 0 {
		t.Errorf("acks = %d, want 0", n)
	}
	if len(env.bus.getSent()) != 0 {
		t.Error("packets sent for invalid messages")
	}
}

func TestBridgeStopDetachesListeners(t *testing.T) {
	mqtt := NewMockMQTTClient()
	bus := newMockBus(t)

	b, err := NewBridge(BridgeOptions{Config: createTestConfig(), MQTTClient: mqtt, Bus: bus})
	if err != nil {
		t.Fatalf("NewBridge failed: %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	b.Stop()
	b.Stop()

	mqtt.mu.Lock()
	unsubscribed := slices.Clone(mqtt.unsubscribed)
	mqtt.mu.Unlock()
	if diff := cmp.Diff([]string{CommandSubscribeTopic()}, unsubscribed); diff != "" {
		t.Errorf("unsubscribed topics mismatch (-want +got):\n%s", diff)
	}

	// Commands arriving after Stop are no longer delivered.
	mqtt.SimulateCommand(CommandTopic("1.2:3"), []byte(`{"id":"late","device_id":"kitchen","command":"on"}`))
	if n := len(bus.getSent()); n != 0 {
		t.Errorf("sent %d packets after Stop, want 0", n)
	}

	for _, addr := range bus.registry.Addresses() {
		dev, _ := bus.GetDevice(addr)
		if n := dev.(*hdlbus.Dimmer).Listeners(); n != 0 {
			t.Errorf("dimmer %s listeners = %d after Stop, want 0", addr, n)
		}
	}

	health := mqtt.GetPublished(HealthTopic())
	var last HealthMessage
	if err := json.Unmarshal(health[len(health)-1].Payload, &last); err != nil {
		t.Fatalf("parse health: %v", err)
	}
	if last.Status != HealthStopping {
		t.Errorf("last health = %q, want stopping", last.Status)
	}
}

func TestBridgeStateQueueOverflowDrops(t *testing.T) {
	mqtt := NewMockMQTTClient()
	bus := newMockBus(t)

	b, err := NewBridge(BridgeOptions{Config: createTestConfig(), MQTTClient: mqtt, Bus: bus})
	if err != nil {
		t.Fatalf("NewBridge failed: %v", err)
	}

	// Not started: nothing drains the queue.
	d := hdlbus.NewDimmer(hdlbus.NewAddress(1, 2), bus)
	for i := 0; i < stateQueueSize+5; i++ {
		b.OnDimmerStateChanged(d, 3, i%100)
	}

	if got := b.GetMetrics().StatesDropped; got != 5 {
		t.Errorf("StatesDropped = %d, want 5", got)
	}
}
