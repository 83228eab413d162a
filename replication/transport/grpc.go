package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/beacon/cfg"
	"github.com/maxpert/beacon/replication"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	replicationServiceName = "beacon.replication.Replication"
	publishMethod          = "/" + replicationServiceName + "/Publish"

	// ClusterSecretHeader carries the shared secret between peer brokers
	ClusterSecretHeader = "x-beacon-cluster-secret"
)

func init() {
	replication.RegisterTransport(cfg.TransportGRPC, func(config replication.TransportConfig) (replication.Transport, error) {
		if len(config.Replication.Peers) == 0 {
			return nil, fmt.Errorf("grpc transport requires peers")
		}
		if config.Registrar == nil {
			return nil, fmt.Errorf("grpc transport requires a gRPC server")
		}
		return NewGRPCTransport(GRPCConfig{
			LocalCluster:     config.LocalCluster,
			Peers:            config.Replication.Peers,
			Registrar:        config.Registrar,
			CompressionLevel: config.CompressionLevel,
			Secret:           config.Replication.ClusterSecret,
		}), nil
	})
}

// Ack answers a Publish call
type Ack struct {
	Envelopes int `msgpack:"envelopes"`
}

// replicationServer is the handler type of the hand-declared service
type replicationServer interface {
	Replicate(ctx context.Context, batch *replication.Batch) (*Ack, error)
}

var replicationServiceDesc = grpc.ServiceDesc{
	ServiceName: replicationServiceName,
	HandlerType: (*replicationServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Publish",
			Handler:    publishHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "replication.msgpack",
}

func publishHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(replication.Batch)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(replicationServer).Replicate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: publishMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(replicationServer).Replicate(ctx, req.(*replication.Batch))
	}
	return interceptor(ctx, in, info, handler)
}

// GRPCConfig configures a GRPCTransport.
// DialOptions replace the default insecure keepalive options when set.
type GRPCConfig struct {
	LocalCluster     string
	Peers            map[string]string
	Registrar        grpc.ServiceRegistrar
	CompressionLevel int
	Secret           string
	DialOptions      []grpc.DialOption
}

// GRPCTransport calls peer brokers directly. Inbound batches arrive on the
// service registered with the broker's own gRPC server.
type GRPCTransport struct {
	local      string
	peers      map[string]string
	dialOpts   []grpc.DialOption
	compressor string
	handler    atomic.Pointer[replication.Handler]

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewGRPCTransport registers the replication service on config.Registrar
func NewGRPCTransport(config GRPCConfig) *GRPCTransport {
	zstdRegistration.ensure(config.CompressionLevel)

	t := &GRPCTransport{
		local:      config.LocalCluster,
		peers:      config.Peers,
		dialOpts:   config.DialOptions,
		compressor: compressorFor(config.CompressionLevel),
		conns:      make(map[string]*grpc.ClientConn),
	}
	if len(t.dialOpts) == 0 {
		t.dialOpts = defaultDialOptions()
	}
	t.dialOpts = append(t.dialOpts, grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)))
	if config.Secret != "" {
		t.dialOpts = append(t.dialOpts, grpc.WithChainUnaryInterceptor(secretInterceptor(config.Secret)))
	}

	if config.Registrar != nil {
		config.Registrar.RegisterService(&replicationServiceDesc, t)
	}
	return t
}

func defaultDialOptions() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             3 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(100*1024*1024),
			grpc.MaxCallSendMsgSize(100*1024*1024),
		),
	}
}

// secretInterceptor adds the cluster secret to every outgoing call
func secretInterceptor(secret string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		ctx = metadata.AppendToOutgoingContext(ctx, ClusterSecretHeader, secret)
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// Replicate is the server side of the Publish call
func (t *GRPCTransport) Replicate(ctx context.Context, batch *replication.Batch) (*Ack, error) {
	h := t.handler.Load()
	if h == nil {
		return nil, status.Error(codes.Unavailable, "replication not started")
	}
	if err := (*h)(ctx, *batch); err != nil {
		return nil, status.Errorf(codes.Internal, "apply batch: %v", err)
	}
	return &Ack{Envelopes: len(batch.Envelopes)}, nil
}

func (t *GRPCTransport) conn(remote string) (*grpc.ClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cc, ok := t.conns[remote]; ok {
		return cc, nil
	}

	addr, ok := t.peers[remote]
	if !ok {
		return nil, fmt.Errorf("%w: no peer address for %s", replication.ErrUnknownRemote, remote)
	}

	cc, err := grpc.NewClient(addr, t.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s at %s: %w", remote, addr, err)
	}
	t.conns[remote] = cc

	log.Debug().
		Str("remote", remote).
		Str("address", addr).
		Msg("Created replication connection")
	return cc, nil
}

func (t *GRPCTransport) callOptions() []grpc.CallOption {
	if t.compressor == "" {
		return nil
	}
	return []grpc.CallOption{grpc.UseCompressor(t.compressor)}
}

// Publish sends a batch to remote and waits for it to be applied
func (t *GRPCTransport) Publish(ctx context.Context, remote string, batch replication.Batch) error {
	cc, err := t.conn(remote)
	if err != nil {
		return err
	}
	var ack Ack
	return cc.Invoke(ctx, publishMethod, &batch, &ack, t.callOptions()...)
}

// Start begins accepting inbound batches. Calls that arrive earlier are
// rejected as unavailable and retried by the sender.
func (t *GRPCTransport) Start(handler replication.Handler) error {
	t.handler.Store(&handler)
	return nil
}

// Close stops accepting batches and closes peer connections
func (t *GRPCTransport) Close() error {
	t.handler.Store(nil)

	t.mu.Lock()
	defer t.mu.Unlock()

	var firstErr error
	for remote, cc := range t.conns {
		if err := cc.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(t.conns, remote)
	}
	return firstErr
}
