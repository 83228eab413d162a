package replication

import (
	"fmt"
	"sync"

	"github.com/maxpert/beacon/cfg"
	"google.golang.org/grpc"
)

// TransportConfig is handed to transport factories
type TransportConfig struct {
	LocalCluster string
	Replication  cfg.ReplicationConfiguration
	// Registrar receives transports that serve inbound calls (grpc). May be nil.
	Registrar grpc.ServiceRegistrar
	// CompressionLevel is the configured zstd level for outbound gRPC calls
	CompressionLevel int
}

// TransportFactory creates a Transport from configuration
type TransportFactory func(TransportConfig) (Transport, error)

var (
	transportFactories = make(map[cfg.TransportType]TransportFactory)
	factoryMu          sync.RWMutex
)

// RegisterTransport registers a transport factory for a type
func RegisterTransport(kind cfg.TransportType, factory TransportFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	transportFactories[kind] = factory
}

// NewTransport creates the transport selected by config.Replication.Transport
func NewTransport(config TransportConfig) (Transport, error) {
	factoryMu.RLock()
	factory, exists := transportFactories[config.Replication.Transport]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown transport type: %s", config.Replication.Transport)
	}
	return factory(config)
}
