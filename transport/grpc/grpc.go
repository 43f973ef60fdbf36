// Package grpc provides a gRPC transport for wirebus. Unlike the bus-backed
// drivers there is no reply channel or pending table: the protocol pairs each
// call with its response natively. Requests are unary RPCs on a generic bus
// service carrying the JSON envelope as raw bytes, with the request deadline
// enforced by the context. A missing handler surfaces as NotFound, so the
// caller fails fast instead of timing out.
package grpc

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	errspkg "github.com/wirebus/wirebus/internal/runtime/errors"
	"github.com/wirebus/wirebus/transport"
)

// TransportName is the name used to register this driver.
const TransportName = "grpc"

// RPC method paths on the generic bus service.
const (
	callMethod   = "/wirebus.Bus/Call"
	notifyMethod = "/wirebus.Bus/Notify"
)

// ListenerFactory allows overriding the server listener creation for testing.
var ListenerFactory = func(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

// DialFactory allows overriding the client connection creation for testing.
var DialFactory = func(cfg transport.Config) (*grpc.ClientConn, error) {
	return grpc.NewClient(cfg.GetGRPCTarget(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.GRPCCapabilities)
}

// Build creates a new gRPC transport.
func Build(ctx context.Context, cfg transport.Config, logger transport.LoggerAdapter) (transport.Transport, error) {
	return New(cfg, logger), nil
}

// Capabilities returns the capabilities of this driver.
func Capabilities() transport.Capabilities {
	return transport.GRPCCapabilities
}

// rawCodec moves pre-encoded frames through grpc without a proto layer.
// Values are always *[]byte.
type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	frame, ok := v.(*[]byte)
	if !ok {
		return nil, errors.New("wirebus: grpc codec expects *[]byte")
	}
	return *frame, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	frame, ok := v.(*[]byte)
	if !ok {
		return errors.New("wirebus: grpc codec expects *[]byte")
	}
	*frame = data
	return nil
}

func (rawCodec) Name() string { return "wirebus-raw" }

// busServiceDesc is the generic service every wirebus gRPC server exposes.
// Call is request/reply, Notify is fire-and-forget.
var busServiceDesc = grpc.ServiceDesc{
	ServiceName: "wirebus.Bus",
	HandlerType: (*busServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Call", Handler: callHandler},
		{MethodName: "Notify", Handler: notifyHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "wirebus/bus",
}

type busServer interface {
	handleCall(ctx context.Context, frame []byte) ([]byte, error)
	handleNotify(ctx context.Context, frame []byte) error
}

func callHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	var frame []byte
	if err := dec(&frame); err != nil {
		return nil, err
	}
	handle := func(ctx context.Context, req any) (any, error) {
		out, err := srv.(busServer).handleCall(ctx, *req.(*[]byte))
		if err != nil {
			return nil, err
		}
		return &out, nil
	}
	if interceptor == nil {
		return handle(ctx, &frame)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: callMethod}
	return interceptor(ctx, &frame, info, handle)
}

func notifyHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	var frame []byte
	if err := dec(&frame); err != nil {
		return nil, err
	}
	handle := func(ctx context.Context, req any) (any, error) {
		if err := srv.(busServer).handleNotify(ctx, *req.(*[]byte)); err != nil {
			return nil, err
		}
		empty := []byte{}
		return &empty, nil
	}
	if interceptor == nil {
		return handle(ctx, &frame)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: notifyMethod}
	return interceptor(ctx, &frame, info, handle)
}

// Transport implements transport.Transport over gRPC. A transport can act as
// client, server, or both, depending on which of target and listen address
// the config provides.
type Transport struct {
	cfg     transport.Config
	logger  transport.LoggerAdapter
	timeout time.Duration

	handlers *transport.HandlerRegistry

	mu        sync.Mutex
	connected bool
	conn      *grpc.ClientConn
	server    *grpc.Server
	listener  net.Listener
}

// New constructs a disconnected gRPC transport.
func New(cfg transport.Config, logger transport.LoggerAdapter) *Transport {
	if logger == nil {
		logger = transport.NopLogger{}
	}
	return &Transport{
		cfg:      cfg,
		logger:   logger,
		timeout:  transport.RequestTimeout(cfg),
		handlers: transport.NewHandlerRegistry(),
	}
}

// Connect dials the configured target and, when a listen address is set,
// starts serving the bus service. Connecting twice is a no-op.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return nil
	}

	var conn *grpc.ClientConn
	if t.cfg.GetGRPCTarget() != "" {
		var err error
		conn, err = DialFactory(t.cfg)
		if err != nil {
			return errspkg.NewConnectionError(TransportName, err)
		}
	}

	var server *grpc.Server
	var listener net.Listener
	if addr := t.cfg.GetGRPCListenAddr(); addr != "" {
		var err error
		listener, err = ListenerFactory(addr)
		if err != nil {
			if conn != nil {
				_ = conn.Close()
			}
			return errspkg.NewConnectionError(TransportName, err)
		}
		server = grpc.NewServer(grpc.ForceServerCodec(rawCodec{}))
		server.RegisterService(&busServiceDesc, t)
		go func() {
			if err := server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				t.logger.Error("gRPC server stopped", err, transport.LogFields{"driver": TransportName})
			}
		}()
	}

	t.conn = conn
	t.server = server
	t.listener = listener
	t.connected = true

	t.logger.Info("Transport connected", transport.LogFields{
		"driver":      TransportName,
		"target":      t.cfg.GetGRPCTarget(),
		"listen_addr": t.cfg.GetGRPCListenAddr(),
	})
	return nil
}

// Disconnect stops the server and closes the client connection.
// Disconnecting twice is a no-op.
func (t *Transport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil
	}
	t.connected = false
	conn, server := t.conn, t.server
	t.conn, t.server, t.listener = nil, nil, nil
	t.mu.Unlock()

	if server != nil {
		server.GracefulStop()
	}
	if conn != nil {
		_ = conn.Close()
	}
	return nil
}

// Connected reports the connection state.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Subscribe registers a local handler; the last registration for a pattern
// key wins.
func (t *Transport) Subscribe(pattern transport.Pattern, handler transport.Handler) {
	t.handlers.Set(pattern, handler)
}

// Unsubscribe removes the handler for the pattern key.
func (t *Transport) Unsubscribe(pattern transport.Pattern) {
	t.handlers.Remove(pattern)
}

// Send invokes the Call RPC with the request deadline applied to the context.
// NotFound from the server maps back to ErrNoHandler, a missed deadline to a
// TimeoutError.
func (t *Transport) Send(ctx context.Context, pattern transport.Pattern, data any) ([]byte, error) {
	t.mu.Lock()
	connected, conn := t.connected, t.conn
	t.mu.Unlock()
	if !connected {
		return nil, errspkg.ErrNotConnected
	}
	if conn == nil {
		return nil, errspkg.ErrTransportRequired
	}

	key := pattern.Key()
	msg, err := transport.NewMessage(pattern, data)
	if err != nil {
		return nil, err
	}
	frame, err := transport.EncodeEnvelope(&transport.Envelope{Message: *msg})
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	started := time.Now()
	var reply []byte
	err = conn.Invoke(callCtx, callMethod, &frame, &reply, grpc.ForceCodec(rawCodec{}))
	if err != nil {
		switch status.Code(err) {
		case codes.NotFound:
			return nil, errspkg.ErrNoHandler
		case codes.DeadlineExceeded:
			return nil, &errspkg.TimeoutError{Pattern: key, Elapsed: time.Since(started)}
		default:
			return nil, err
		}
	}
	return reply, nil
}

// Emit invokes the Notify RPC. The call returns once the remote handler has
// run; handler failures are logged server-side and not surfaced here.
func (t *Transport) Emit(ctx context.Context, pattern transport.Pattern, data any) error {
	t.mu.Lock()
	connected, conn := t.connected, t.conn
	t.mu.Unlock()
	if !connected {
		return errspkg.ErrNotConnected
	}
	if conn == nil {
		return errspkg.ErrTransportRequired
	}

	msg, err := transport.NewMessage(pattern, data)
	if err != nil {
		return err
	}
	frame, err := transport.EncodeEnvelope(&transport.Envelope{Message: *msg})
	if err != nil {
		return err
	}

	var ignored []byte
	return conn.Invoke(ctx, notifyMethod, &frame, &ignored, grpc.ForceCodec(rawCodec{}))
}

// Listen is a no-op: the server side is wired at Connect, and handlers
// registered afterwards are picked up on the next call automatically.
func (t *Transport) Listen(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return errspkg.ErrNotConnected
	}
	return nil
}

func (t *Transport) handleCall(ctx context.Context, frame []byte) ([]byte, error) {
	env, err := transport.DecodeEnvelope(frame)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	handler, ok := t.handlers.Get(env.Pattern.Key())
	if !ok {
		return nil, status.Error(codes.NotFound, errspkg.ErrNoHandler.Error())
	}

	out, err := handler(ctx, &env.Message, env.DeliveryContext())
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func (t *Transport) handleNotify(ctx context.Context, frame []byte) error {
	env, err := transport.DecodeEnvelope(frame)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}

	handler, ok := t.handlers.Get(env.Pattern.Key())
	if !ok {
		// Events with no listener are dropped, matching bus semantics.
		return nil
	}

	if _, err := handler(ctx, &env.Message, env.DeliveryContext()); err != nil {
		t.logger.Error("Handler failed", err, transport.LogFields{
			"driver":  TransportName,
			"pattern": env.Pattern.Key(),
		})
	}
	return nil
}
