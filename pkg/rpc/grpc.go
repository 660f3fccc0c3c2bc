package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/mochi-hpc/sonata/pkg/log"
)

// GRPCEngine implements Engine over gRPC. Each provider id is exposed as
// a service named "sonata.p<ID>" with one method per RPC name; bodies
// travel through the JSON codec, so no generated stubs are involved.
// Dispatch goes through the unknown-service handler, which lets providers
// register and deregister while the server is running.
type GRPCEngine struct {
	addr     string
	listener net.Listener
	server   *grpc.Server

	mu        sync.RWMutex
	providers map[uint16]map[string]Handler
	conns     map[string]*grpc.ClientConn
}

// NewGRPCEngine binds a listener on bind (host:port, port 0 for an
// ephemeral port) and starts serving. An empty bind creates a
// client-only engine.
func NewGRPCEngine(bind string) (*GRPCEngine, error) {
	e := &GRPCEngine{
		providers: make(map[uint16]map[string]Handler),
		conns:     make(map[string]*grpc.ClientConn),
	}
	if bind != "" {
		lis, err := net.Listen("tcp", bind)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on %s: %w", bind, err)
		}
		e.listener = lis
		e.addr = lis.Addr().String()
		e.server = grpc.NewServer(
			grpc.ForceServerCodec(jsonCodec{}),
			grpc.UnknownServiceHandler(e.handleStream),
		)
		go func() {
			if err := e.server.Serve(lis); err != nil {
				rpcLog := log.WithComponent("rpc")
				rpcLog.Debug().Err(err).Msg("server stopped")
			}
		}()
		rpcLog := log.WithComponent("rpc")
		rpcLog.Info().Str("address", e.addr).Msg("engine listening")
	}
	return e, nil
}

// Addr returns the dialable address of the engine's listener.
func (e *GRPCEngine) Addr() string {
	return e.addr
}

// RegisterProvider exposes handlers under the given provider id.
func (e *GRPCEngine) RegisterProvider(providerID uint16, handlers map[string]Handler) error {
	if e.listener == nil {
		return fmt.Errorf("engine is client-only, cannot register provider %d", providerID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.providers[providerID]; ok {
		return fmt.Errorf("provider id %d already registered", providerID)
	}
	e.providers[providerID] = handlers
	return nil
}

// DeregisterProvider removes the handler table of a provider.
func (e *GRPCEngine) DeregisterProvider(providerID uint16) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.providers, providerID)
}

func serviceName(providerID uint16) string {
	return "sonata.p" + strconv.FormatUint(uint64(providerID), 10)
}

// handleStream serves one unary call arriving for any "sonata.p<ID>"
// service. Every method is unary, so the stream carries exactly one
// request and one response message.
func (e *GRPCEngine) handleStream(_ any, stream grpc.ServerStream) error {
	full, ok := grpc.MethodFromServerStream(stream)
	if !ok {
		return status.Error(codes.Internal, "missing method name")
	}
	service, op, ok := splitMethod(full)
	if !ok {
		return status.Errorf(codes.Unimplemented, "unknown method %q", full)
	}
	providerID, err := parseProviderID(service)
	if err != nil {
		return status.Errorf(codes.Unimplemented, "unknown service %q", service)
	}

	e.mu.RLock()
	handlers := e.providers[providerID]
	e.mu.RUnlock()
	if handlers == nil {
		return status.Errorf(codes.Unimplemented, "no provider with id %d", providerID)
	}
	handler := handlers[op]
	if handler == nil {
		return status.Errorf(codes.Unimplemented, "provider %d does not serve %q", providerID, op)
	}

	var req json.RawMessage
	if err := stream.RecvMsg(&req); err != nil {
		return status.Errorf(codes.InvalidArgument, "failed to read request: %v", err)
	}

	start := time.Now()
	resp := handler(stream.Context(), req)
	rpcLog := log.WithComponent("rpc")
	rpcLog.Debug().
		Str("op", op).
		Uint16("provider_id", providerID).
		Dur("duration", time.Since(start)).
		Msg("handled request")

	body, err := json.Marshal(resp)
	if err != nil {
		return status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	return stream.SendMsg(json.RawMessage(body))
}

func splitMethod(full string) (service, op string, ok bool) {
	full = strings.TrimPrefix(full, "/")
	i := strings.LastIndex(full, "/")
	if i < 0 {
		return "", "", false
	}
	return full[:i], full[i+1:], true
}

func parseProviderID(service string) (uint16, error) {
	if !strings.HasPrefix(service, "sonata.p") {
		return 0, fmt.Errorf("not a sonata service: %s", service)
	}
	id, err := strconv.ParseUint(strings.TrimPrefix(service, "sonata.p"), 10, 16)
	if err != nil {
		return 0, err
	}
	return uint16(id), nil
}

func (e *GRPCEngine) conn(address string) (*grpc.ClientConn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.conns[address]; ok {
		return c, nil
	}
	c, err := grpc.NewClient(address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	}
	e.conns[address] = c
	return c, nil
}

// Call performs a blocking RPC against (address, providerID).
func (e *GRPCEngine) Call(ctx context.Context, address string, providerID uint16, op string, args, reply any) error {
	c, err := e.conn(address)
	if err != nil {
		return err
	}
	method := "/" + serviceName(providerID) + "/" + op
	if err := c.Invoke(ctx, method, args, reply); err != nil {
		return fmt.Errorf("rpc %s to %s failed: %w", op, address, err)
	}
	return nil
}

// CallAsync dispatches an RPC and returns immediately with a Pending
// handle on the in-flight response.
func (e *GRPCEngine) CallAsync(address string, providerID uint16, op string, args any) *Pending {
	p := &Pending{
		id:   uuid.NewString(),
		done: make(chan struct{}),
	}
	go func() {
		defer close(p.done)
		var raw json.RawMessage
		if err := e.Call(context.Background(), address, providerID, op, args, &raw); err != nil {
			p.err = err
			return
		}
		p.raw = raw
	}()
	return p
}

// Close stops the server and releases cached connections.
func (e *GRPCEngine) Close() error {
	if e.server != nil {
		e.server.GracefulStop()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for addr, c := range e.conns {
		if err := c.Close(); err != nil {
			rpcLog := log.WithComponent("rpc")
			rpcLog.Warn().Err(err).Str("address", addr).Msg("failed to close connection")
		}
		delete(e.conns, addr)
	}
	return nil
}
