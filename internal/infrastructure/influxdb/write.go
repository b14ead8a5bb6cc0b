package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by the bridge.
const (
	MeasurementChannelLevel = "hdl_channel_level"
	MeasurementBusStats     = "hdl_bus_stats"
)

// BusCounters is a snapshot of UDP bus activity for one bridge.
type BusCounters struct {
	BridgeID       string
	PacketsTx      uint64
	PacketsRx      uint64
	PacketsDropped uint64
	Retries        uint64
	Errors         uint64
	PendingRetries int
	Devices        int
}

// WriteChannelLevel records a dimmer channel level confirmed by a device.
//
// Parameters:
//   - item: Configured item name (e.g., "kitchen_ceiling")
//   - binding: Bus binding in subnet.device:channel form (e.g., "1.20:3")
//   - level: Reported level, 0-100
//
// The write is non-blocking; points are batched and sent asynchronously.
func (c *Client) WriteChannelLevel(item, binding string, level int) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(channelLevelPoint(item, binding, level, time.Now()))
}

// WriteBusStats records a snapshot of bus counters.
func (c *Client) WriteBusStats(counters BusCounters) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(busStatsPoint(counters, time.Now()))
}

func channelLevelPoint(item, binding string, level int, ts time.Time) *write.Point {
	return write.NewPoint(
		MeasurementChannelLevel,
		map[string]string{
			"item":    item,
			"binding": binding,
		},
		map[string]interface{}{
			"level": level,
			"on":    level > 0,
		},
		ts,
	)
}

func busStatsPoint(counters BusCounters, ts time.Time) *write.Point {
	return write.NewPoint(
		MeasurementBusStats,
		map[string]string{
			"bridge_id": counters.BridgeID,
		},
		map[string]interface{}{
			"packets_tx":      counters.PacketsTx,
			"packets_rx":      counters.PacketsRx,
			"packets_dropped": counters.PacketsDropped,
			"retries":         counters.Retries,
			"errors":          counters.Errors,
			"pending_retries": counters.PendingRetries,
			"devices":         counters.Devices,
		},
		ts,
	)
}
