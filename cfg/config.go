package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"path"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// TransportType selects how markers and entries travel between clusters
type TransportType string

const (
	TransportMemory TransportType = "memory" // In-process bus, single binary hosting several clusters
	TransportNATS   TransportType = "nats"   // NATS JetStream subjects per cluster
	TransportKafka  TransportType = "kafka"  // Kafka topic per cluster, consumer group per broker
	TransportGRPC   TransportType = "grpc"   // Direct unary calls to peer brokers
)

// SnapshotConfiguration controls replicated subscription snapshot rounds
type SnapshotConfiguration struct {
	TimeoutSeconds           int  `toml:"timeout_seconds"`             // Round abandoned after this many seconds
	FrequencyMS              int  `toml:"frequency_ms"`                // Scheduling tick
	MaxCachedPerSubscription int  `toml:"max_cached_per_subscription"` // Snapshots kept per replicated subscription
	HistorySize              int  `toml:"history_size"`                // Finalized snapshots kept per topic
	TwoPhase                 bool `toml:"two_phase"`                   // Confirm local position with a second request
}

// ReplicationConfiguration controls geo-replication between clusters
type ReplicationConfiguration struct {
	Enabled         bool              `toml:"enabled"`
	RemoteClusters  []string          `toml:"remote_clusters"`
	Topics          []string          `toml:"topics"` // Glob patterns of replicated topics
	Transport       TransportType     `toml:"transport"`
	NatsURL         string            `toml:"nats_url"`
	SubjectPrefix   string            `toml:"subject_prefix"`
	KafkaBrokers    []string          `toml:"kafka_brokers"`
	Peers           map[string]string `toml:"peers"`          // Cluster name to gRPC address
	ClusterSecret   string            `toml:"cluster_secret"` // Shared by peers over grpc, empty disables
	BatchSize       int               `toml:"batch_size"`
	PollIntervalMS  int               `toml:"poll_interval_ms"`
	RetryInitialMS  int               `toml:"retry_initial_ms"`
	RetryMaxMS      int               `toml:"retry_max_ms"`
	RetryMultiplier float64           `toml:"retry_multiplier"`
	RequestTimeoutS int               `toml:"request_timeout_seconds"`
}

// ServerConfiguration for the combined HTTP and gRPC listener
type ServerConfiguration struct {
	BindAddress      string `toml:"bind_address"`
	Port             int    `toml:"port"`
	CompressionLevel int    `toml:"compression_level"` // zstd level for gRPC replication, 0 disables
	KeepaliveSeconds int    `toml:"keepalive_seconds"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// AdminConfiguration protects the admin HTTP API
type AdminConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Secret  string `toml:"secret"` // Empty disables authentication
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// Configuration is the main configuration structure
type Configuration struct {
	ClusterName string `toml:"cluster_name"`
	BrokerID    uint64 `toml:"broker_id"`
	DataDir     string `toml:"data_dir"`

	Snapshot    SnapshotConfiguration    `toml:"snapshot"`
	Replication ReplicationConfiguration `toml:"replication"`
	Server      ServerConfiguration      `toml:"server"`
	Logging     LoggingConfiguration     `toml:"logging"`
	Admin       AdminConfiguration       `toml:"admin"`
	Prometheus  PrometheusConfiguration  `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	ClusterFlag    = flag.String("cluster", "", "Local cluster name (overrides config)")
	PortFlag       = flag.Int("port", 0, "Listen port (overrides config)")
)

// Default configuration
var Config = &Configuration{
	ClusterName: "local",
	BrokerID:    0, // Auto-generate
	DataDir:     "./beacon-data",

	Snapshot: SnapshotConfiguration{
		TimeoutSeconds:           30,
		FrequencyMS:              1000,
		MaxCachedPerSubscription: 10,
		HistorySize:              16,
		TwoPhase:                 false,
	},

	Replication: ReplicationConfiguration{
		Enabled:         false,
		RemoteClusters:  []string{},
		Topics:          []string{"*"},
		Transport:       TransportMemory,
		NatsURL:         "nats://127.0.0.1:4222",
		SubjectPrefix:   "beacon",
		KafkaBrokers:    []string{},
		Peers:           map[string]string{},
		BatchSize:       100,
		PollIntervalMS:  10,
		RetryInitialMS:  100,
		RetryMaxMS:      30000,
		RetryMultiplier: 2.0,
		RequestTimeoutS: 10,
	},

	Server: ServerConfiguration{
		BindAddress:      "0.0.0.0",
		Port:             6650,
		CompressionLevel: 1,
		KeepaliveSeconds: 10,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Admin: AdminConfiguration{
		Enabled: true,
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *ClusterFlag != "" {
		Config.ClusterName = *ClusterFlag
	}
	if *PortFlag != 0 {
		Config.Server.Port = *PortFlag
	}

	if Config.BrokerID == 0 {
		var err error
		Config.BrokerID, err = generateBrokerID()
		if err != nil {
			return fmt.Errorf("failed to generate broker ID: %w", err)
		}
		log.Info().Uint64("broker_id", Config.BrokerID).Msg("Auto-generated broker ID")
	}

	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateBrokerID derives a stable broker ID from the machine ID
func generateBrokerID() (uint64, error) {
	id, err := machineid.ProtectedID("beacon")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	if Config.ClusterName == "" {
		return fmt.Errorf("cluster name must be set")
	}

	if Config.Server.Port < 1 || Config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", Config.Server.Port)
	}

	if Config.Server.CompressionLevel < 0 || Config.Server.CompressionLevel > 4 {
		return fmt.Errorf("compression level must be between 0 and 4, got %d", Config.Server.CompressionLevel)
	}

	if Config.Snapshot.FrequencyMS < 1 {
		return fmt.Errorf("snapshot frequency must be >= 1ms")
	}

	if Config.Snapshot.MaxCachedPerSubscription < 1 {
		return fmt.Errorf("snapshot cache per subscription must be >= 1")
	}

	if Config.Snapshot.HistorySize < 1 {
		return fmt.Errorf("snapshot history size must be >= 1")
	}

	if !Config.Replication.Enabled {
		return nil
	}

	seen := make(map[string]bool, len(Config.Replication.RemoteClusters))
	for _, c := range Config.Replication.RemoteClusters {
		if c == "" {
			return fmt.Errorf("remote cluster name must not be empty")
		}
		if c == Config.ClusterName {
			return fmt.Errorf("remote clusters must not include the local cluster %q", c)
		}
		if seen[c] {
			return fmt.Errorf("duplicate remote cluster %q", c)
		}
		seen[c] = true
	}

	switch Config.Replication.Transport {
	case TransportMemory:
	case TransportNATS:
		if Config.Replication.NatsURL == "" {
			return fmt.Errorf("nats_url is required for nats transport")
		}
	case TransportKafka:
		if len(Config.Replication.KafkaBrokers) == 0 {
			return fmt.Errorf("kafka_brokers is required for kafka transport")
		}
	case TransportGRPC:
		for _, c := range Config.Replication.RemoteClusters {
			if Config.Replication.Peers[c] == "" {
				return fmt.Errorf("no grpc peer address for remote cluster %q", c)
			}
		}
	default:
		return fmt.Errorf("invalid replication transport: %s", Config.Replication.Transport)
	}

	if Config.Replication.BatchSize < 1 {
		return fmt.Errorf("replication batch size must be >= 1")
	}

	if Config.Replication.RetryMultiplier < 1 {
		return fmt.Errorf("replication retry multiplier must be >= 1")
	}

	return nil
}

// SnapshotTimeout returns the round timeout as a duration
func (s SnapshotConfiguration) SnapshotTimeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// Frequency returns the scheduling tick as a duration
func (s SnapshotConfiguration) Frequency() time.Duration {
	return time.Duration(s.FrequencyMS) * time.Millisecond
}

// GetMarkerLogPath returns the pebble directory holding partition logs and metadata
func GetMarkerLogPath() string {
	return path.Join(Config.DataDir, "markerlog")
}

// IsAdminAuthEnabled reports whether admin requests must carry the secret
func IsAdminAuthEnabled() bool {
	return Config.Admin.Secret != ""
}

// GetAdminSecret returns the admin API secret
func GetAdminSecret() string {
	return Config.Admin.Secret
}
