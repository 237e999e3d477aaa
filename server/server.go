// Package server exposes a running linkage runtime over gRPC.
package server

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/chazu/indy/journal"
	"github.com/chazu/indy/vm"
	"github.com/tliron/commonlog"
	"google.golang.org/grpc"
)

var log = commonlog.GetLogger("indy.server")

// InspectServer is the inspection server wrapping a VM.
type InspectServer struct {
	vm      *vm.VM
	journal *journal.Journal
	grpc    *grpc.Server

	mu       sync.Mutex
	listener net.Listener
}

// ServerOption configures an InspectServer.
type ServerOption func(*serverConfig)

type serverConfig struct {
	journal  *journal.Journal
	grpcOpts []grpc.ServerOption
}

// WithJournal serves link events from j.
func WithJournal(j *journal.Journal) ServerOption {
	return func(c *serverConfig) { c.journal = j }
}

// WithGRPCOptions passes extra options to the underlying grpc.Server.
func WithGRPCOptions(opts ...grpc.ServerOption) ServerOption {
	return func(c *serverConfig) { c.grpcOpts = append(c.grpcOpts, opts...) }
}

// New creates an InspectServer wrapping the given VM.
func New(v *vm.VM, opts ...ServerOption) *InspectServer {
	cfg := &serverConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	grpcOpts := append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(logRequests)}, cfg.grpcOpts...)
	s := &InspectServer{
		vm:      v,
		journal: cfg.journal,
		grpc:    grpc.NewServer(grpcOpts...),
	}
	RegisterInspectorServer(s.grpc, &inspectService{vm: v, journal: cfg.journal})
	return s
}

// GRPC returns the underlying gRPC server.
func (s *InspectServer) GRPC() *grpc.Server { return s.grpc }

// Serve accepts connections on lis until Stop is called.
func (s *InspectServer) Serve(lis net.Listener) error {
	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()
	log.Infof("inspection server listening on %s", lis.Addr())
	return s.grpc.Serve(lis)
}

// ListenAndServe listens on addr ("host:port" or ":port") and serves.
func (s *InspectServer) ListenAndServe(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(lis)
}

// Addr returns the listening address, or nil before Serve.
func (s *InspectServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop finishes pending requests and shuts down the server.
func (s *InspectServer) Stop() {
	s.grpc.GracefulStop()
}

func logRequests(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		log.Debugf("%s failed after %s: %s", info.FullMethod, time.Since(start), err)
	} else {
		log.Debugf("%s took %s", info.FullMethod, time.Since(start))
	}
	return resp, err
}
