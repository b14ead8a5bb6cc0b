// Package influxdb provides InfluxDB connectivity for the HDL bridge.
//
// It wraps the official influxdb-client-go v2 library for connection
// management, metric writing, and health monitoring.
//
// # Measurements
//
//   - hdl_channel_level: level confirmed by a dimmer, tagged by item and binding
//   - hdl_bus_stats: periodic UDP bus counters, tagged by bridge_id
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.WriteChannelLevel("kitchen_ceiling", "1.20:3", 75)
//
// *Client satisfies the bridge's MetricsWriter interface, so it can be
// passed straight into hdl.BridgeOptions.
//
// # Error Handling
//
// Writes are non-blocking and batch errors are delivered via SetOnError.
// Connection and health check errors are returned directly.
package influxdb
