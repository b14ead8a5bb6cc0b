package influxdb

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/gray-logic-hdl/internal/infrastructure/config"
)

func pointTags(p *write.Point) map[string]string {
	tags := make(map[string]string)
	for _, tag := range p.TagList() {
		tags[tag.Key] = tag.Value
	}
	return tags
}

func pointFields(p *write.Point) map[string]interface{} {
	fields := make(map[string]interface{})
	for _, field := range p.FieldList() {
		fields[field.Key] = field.Value
	}
	return fields
}

func TestChannelLevelPoint(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		level  int
		wantOn bool
	}{
		{"off", 0, false},
		{"dimmed", 42, true},
		{"full", 100, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := channelLevelPoint("kitchen_ceiling", "1.20:3", tt.level, ts)

			if p.Name() != MeasurementChannelLevel {
				t.Errorf("Name() = %q, want %q", p.Name(), MeasurementChannelLevel)
			}
			if !p.Time().Equal(ts) {
				t.Errorf("Time() = %v, want %v", p.Time(), ts)
			}

			wantTags := map[string]string{"item": "kitchen_ceiling", "binding": "1.20:3"}
			if diff := cmp.Diff(wantTags, pointTags(p)); diff != "" {
				t.Errorf("tags mismatch (-want +got):\n%s", diff)
			}

			wantFields := map[string]interface{}{"level": int64(tt.level), "on": tt.wantOn}
			if diff := cmp.Diff(wantFields, pointFields(p)); diff != "" {
				t.Errorf("fields mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestBusStatsPoint(t *testing.T) {
	ts := time.Now()
	p := busStatsPoint(BusCounters{
		BridgeID:       "hdl-bridge-01",
		PacketsTx:      10,
		PacketsRx:      7,
		PacketsDropped: 2,
		Retries:        3,
		Errors:         1,
		PendingRetries: 4,
		Devices:        5,
	}, ts)

	if p.Name() != MeasurementBusStats {
		t.Errorf("Name() = %q, want %q", p.Name(), MeasurementBusStats)
	}
	if diff := cmp.Diff(map[string]string{"bridge_id": "hdl-bridge-01"}, pointTags(p)); diff != "" {
		t.Errorf("tags mismatch (-want +got):\n%s", diff)
	}

	want := map[string]interface{}{
		"packets_tx":      uint64(10),
		"packets_rx":      uint64(7),
		"packets_dropped": uint64(2),
		"retries":         uint64(3),
		"errors":          uint64(1),
		"pending_retries": int64(4),
		"devices":         int64(5),
	}
	if diff := cmp.Diff(want, pointFields(p)); diff != "" {
		t.Errorf("fields mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteHelpers_NotConnected(t *testing.T) {
	// A client that was never connected must drop writes without touching the write API.
	c := &Client{}

	c.WriteChannelLevel("kitchen_ceiling", "1.20:3", 50)
	c.WriteBusStats(BusCounters{BridgeID: "hdl-bridge-01"})
	c.Flush()

	if c.IsConnected() {
		t.Error("IsConnected() = true for zero Client")
	}
}

func TestBatchSettings(t *testing.T) {
	tests := []struct {
		name          string
		batchSize     int
		flushInterval int
		wantBatch     int
		wantFlush     int
	}{
		{"configured", 500, 2, 500, 2},
		{"zero uses defaults", 0, 0, defaultBatchSize, defaultFlushInterval},
		{"negative uses defaults", -5, -1, defaultBatchSize, defaultFlushInterval},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.InfluxDBConfig{BatchSize: tt.batchSize, FlushInterval: tt.flushInterval}
			batch, flush := batchSettings(cfg)
			if batch != tt.wantBatch || flush != tt.wantFlush {
				t.Errorf("batchSettings() = (%d, %d), want (%d, %d)", batch, flush, tt.wantBatch, tt.wantFlush)
			}
		})
	}
}

func TestWriteErrors_Nil(t *testing.T) {
	var c *Client
	if got := c.WriteErrors(); got != 0 {
		t.Errorf("WriteErrors() on nil client = %d, want 0", got)
	}
}
