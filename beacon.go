package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maxpert/beacon/admin"
	"github.com/maxpert/beacon/cfg"
	"github.com/maxpert/beacon/markerlog"
	"github.com/maxpert/beacon/notify"
	"github.com/maxpert/beacon/replication"
	_ "github.com/maxpert/beacon/replication/transport"
	"github.com/maxpert/beacon/server"
	"github.com/maxpert/beacon/telemetry"
	"github.com/maxpert/beacon/topic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Str("cluster", cfg.Config.ClusterName).
		Uint64("broker_id", cfg.Config.BrokerID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Beacon - replicated subscriptions and producer arbitration")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	store, err := markerlog.Open(cfg.GetMarkerLogPath())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open marker log")
		return
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close marker log")
		}
	}()

	hub := notify.NewHub()
	broker, err := topic.NewBroker(topic.Config{
		LocalCluster:   cfg.Config.ClusterName,
		Store:          store,
		Snapshot:       cfg.Config.Snapshot,
		RemoteClusters: cfg.Config.Replication.RemoteClusters,
		Notifier:       hub,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create broker")
		return
	}
	defer broker.Close()

	srv := server.NewServer(server.Config{
		Address:          cfg.Config.Server.BindAddress,
		Port:             cfg.Config.Server.Port,
		KeepaliveSeconds: cfg.Config.Server.KeepaliveSeconds,
		ClusterSecret:    cfg.Config.Replication.ClusterSecret,
		MetricsHandler:   telemetry.GetMetricsHandler(),
	})

	// Replication must attach before the broker reopens its topics
	var manager *replication.Manager
	if cfg.Config.Replication.Enabled {
		manager, err = initializeReplication(broker, srv)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize replication")
			return
		}
		broker.AttachReplication(manager)
	}

	if err := broker.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start broker")
		return
	}

	if manager != nil {
		if err := manager.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start replication")
			return
		}
		defer manager.Stop()
	}

	var collector *telemetry.MetricsCollector
	if manager != nil {
		collector = telemetry.NewMetricsCollector(broker, manager, 10*time.Second)
	} else {
		collector = telemetry.NewMetricsCollector(broker, nil, 10*time.Second)
	}
	collector.Start()
	defer collector.Stop()

	if cfg.Config.Admin.Enabled {
		admin.RegisterRoutes(srv.HTTPMux(), admin.NewAdminHandlers(broker, hub))
	}

	if err := srv.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start server")
		return
	}
	defer srv.Stop()

	log.Info().
		Str("address", srv.Addr().String()).
		Str("data_dir", cfg.Config.DataDir).
		Bool("replication", manager != nil).
		Msg("Broker is operational")

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	log.Info().Str("signal", sig.String()).Msg("Shutting down")
}

func initializeReplication(broker *topic.Broker, srv *server.Server) (*replication.Manager, error) {
	filter, err := replication.NewGlobFilter(cfg.Config.Replication.Topics)
	if err != nil {
		return nil, err
	}

	tr, err := replication.NewTransport(replication.TransportConfig{
		LocalCluster:     cfg.Config.ClusterName,
		Replication:      cfg.Config.Replication,
		Registrar:        srv.GRPCServer(),
		CompressionLevel: cfg.Config.Server.CompressionLevel,
	})
	if err != nil {
		return nil, err
	}

	config := replication.ManagerConfigFrom(cfg.Config.ClusterName, cfg.Config.Replication)
	config.Transport = tr
	config.Applier = broker
	config.Filter = filter

	log.Info().
		Str("transport", string(cfg.Config.Replication.Transport)).
		Strs("remote_clusters", cfg.Config.Replication.RemoteClusters).
		Strs("topics", cfg.Config.Replication.Topics).
		Msg("Replication configured")
	return replication.NewManager(config)
}
