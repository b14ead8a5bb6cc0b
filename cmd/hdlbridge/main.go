// Gray Logic HDL Bridge
//
// This is the main entry point for the HDL Buspro bridge. It speaks the
// Buspro UDP protocol to a gateway on the LAN and exposes bound dimmer
// channels over MQTT using the Gray Logic bridge topics.
//
// For the item binding format, see: configs/hdl-bridge.yaml
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nerrad567/gray-logic-hdl/internal/bridges/hdl"
	"github.com/nerrad567/gray-logic-hdl/internal/hdlbus"
	"github.com/nerrad567/gray-logic-hdl/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-hdl/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-hdl/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-hdl/internal/infrastructure/mqtt"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// Ensure the InfluxDB client can record bridge levels.
var _ hdl.MetricsWriter = (*influxdb.Client)(nil)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting Gray Logic HDL bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	if !cfg.Protocols.HDL.Enabled {
		log.Info("HDL bridge disabled, nothing to do")
		return nil
	}

	bridgeCfg, err := hdl.LoadConfig(cfg.Protocols.HDL.ConfigFile)
	if err != nil {
		return fmt.Errorf("loading HDL bridge config: %w", err)
	}
	log.Info("HDL bridge config loaded",
		"path", cfg.Protocols.HDL.ConfigFile,
		"items", len(bridgeCfg.Items),
	)

	// Open the Buspro UDP socket
	server := hdlbus.NewServer(bridgeCfg.ToServerConfig())
	server.SetLogger(log.Component("hdlbus"))
	if startErr := server.Start(ctx, bridgeCfg.Gateway.ListenAddress, bridgeCfg.Gateway.Address); startErr != nil {
		return fmt.Errorf("starting HDL server: %w", startErr)
	}
	defer func() {
		log.Info("closing HDL server")
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing HDL server", "error", closeErr)
		}
	}()

	// Connect to MQTT broker with the bridge health topic as LWT
	lwt, err := json.Marshal(hdl.NewLWTMessage(bridgeCfg.Bridge.ID))
	if err != nil {
		return fmt.Errorf("encoding LWT: %w", err)
	}
	mqttClient, err := mqtt.Connect(cfg.MQTT,
		mqtt.WithWill(hdl.HealthTopic(), lwt),
		mqtt.WithLogger(log.Component("mqtt")),
	)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		stats := mqttClient.Stats()
		log.Info("disconnecting from MQTT",
			"connects", stats.Connects,
			"disconnects", stats.Disconnects,
		)
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection", "write_errors", influxClient.WriteErrors())
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
	} else {
		log.Info("InfluxDB disabled")
	}

	bridge, err := startBridge(ctx, bridgeCfg, server, mqttClient, influxClient, log)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("stopping HDL bridge")
		bridge.Stop()
		m := bridge.GetMetrics()
		log.Info("HDL bridge metrics",
			"commands_received", m.CommandsReceived,
			"commands_failed", m.CommandsFailed,
			"states_published", m.StatesPublished,
			"states_dropped", m.StatesDropped,
		)
	}()

	if influxClient != nil {
		go recordBusStats(ctx, bridgeCfg.Bridge.ID, server, influxClient, bridgeCfg.GetHealthInterval())
	}

	if err := healthCheck(ctx, server, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order:
	// bridge, InfluxDB, MQTT, HDL server

	log.Info("Gray Logic HDL bridge stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses GRAYLOGIC_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("GRAYLOGIC_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// startBridge creates and starts the HDL bridge.
func startBridge(ctx context.Context, bridgeCfg *hdl.Config, server *hdlbus.Server, mqttClient *mqtt.Client, influxClient *influxdb.Client, log *logging.Logger) (*hdl.Bridge, error) {
	opts := hdl.BridgeOptions{
		Config:     bridgeCfg,
		MQTTClient: &mqttBridgeAdapter{client: mqttClient},
		Bus:        server,
		Logger:     log.Component("hdl"),
	}
	// A nil *influxdb.Client must not become a non-nil interface.
	if influxClient != nil {
		opts.Metrics = influxClient
	}

	bridge, err := hdl.NewBridge(opts)
	if err != nil {
		return nil, fmt.Errorf("creating HDL bridge: %w", err)
	}
	if err := bridge.Start(ctx); err != nil {
		bridge.Stop()
		return nil, fmt.Errorf("starting HDL bridge: %w", err)
	}
	log.Info("HDL bridge started", "bridge_id", bridgeCfg.Bridge.ID)

	return bridge, nil
}

// healthChecker is satisfied by every infrastructure connection.
type healthChecker interface {
	HealthCheck(ctx context.Context) error
}

// healthCheck verifies all connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - server: HDL UDP server to check
//   - mqttClient: MQTT client to check
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, server, mqttClient healthChecker, influxClient *influxdb.Client) error {
	if err := server.HealthCheck(ctx); err != nil {
		return fmt.Errorf("hdl: %w", err)
	}

	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}

// busStatsWriter records bus counter snapshots.
type busStatsWriter interface {
	WriteBusStats(counters influxdb.BusCounters)
}

// recordBusStats writes bus counters every interval until ctx is done.
func recordBusStats(ctx context.Context, bridgeID string, server *hdlbus.Server, w busStatsWriter, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.WriteBusStats(busCounters(bridgeID, server))
		}
	}
}

// busCounters converts server statistics to an InfluxDB snapshot.
func busCounters(bridgeID string, server *hdlbus.Server) influxdb.BusCounters {
	stats := server.Stats()
	return influxdb.BusCounters{
		BridgeID:       bridgeID,
		PacketsTx:      stats.PacketsTx,
		PacketsRx:      stats.PacketsRx,
		PacketsDropped: stats.PacketsDropped,
		Retries:        stats.Retries,
		Errors:         stats.ErrorsTotal,
		PendingRetries: server.PendingRetries(),
		Devices:        server.Registry().Len(),
	}
}

// mqttBridgeAdapter adapts the infrastructure MQTT client to the HDL bridge's
// MQTTClient interface. The primary difference is the Subscribe handler signature:
// - Infrastructure mqtt: func(topic, payload []byte) error
// - HDL bridge expects: func(topic, payload []byte)
type mqttBridgeAdapter struct {
	client *mqtt.Client
}

// Publish implements hdl.MQTTClient.
func (a *mqttBridgeAdapter) Publish(topic string, payload []byte, qos byte, retained bool) error {
	return a.client.Publish(topic, payload, qos, retained)
}

// Subscribe implements hdl.MQTTClient.
func (a *mqttBridgeAdapter) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	return a.client.Subscribe(topic, qos, func(t string, p []byte) error {
		handler(t, p)
		return nil
	})
}

// Unsubscribe implements hdl.MQTTClient.
func (a *mqttBridgeAdapter) Unsubscribe(topic string) error {
	return a.client.Unsubscribe(topic)
}

// IsConnected implements hdl.MQTTClient.
func (a *mqttBridgeAdapter) IsConnected() bool {
	return a.client.IsConnected()
}

// Disconnect implements hdl.MQTTClient.
// The MQTT client lifecycle belongs to run's defer chain, so this is a no-op.
func (a *mqttBridgeAdapter) Disconnect(_ uint) {}
