package wire

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/kestrelflow/kestrel/commbus"
	"github.com/kestrelflow/kestrel/kernel"
)

// Logger is the structured logging interface the wire layer accepts.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Metrics observes wire-level request handling. Implementations must be safe
// for concurrent use; a nil Metrics disables observation.
type Metrics interface {
	ObserveRequest(service, method string, err *WireError, elapsed time.Duration)
}

// handlerFunc executes one unary method. The returned value is encoded as
// the response payload.
type handlerFunc func(ctx context.Context, f *Frame) (any, error)

// Server serves the kernel, engine, orchestration, and commbus services over
// length-prefixed msgpack frames. One goroutine per connection reads frames;
// each request is handled on its own goroutine so slow calls never block the
// connection.
type Server struct {
	logger  Logger
	kernel  *kernel.Kernel
	bus     *commbus.Bus
	metrics Metrics

	handlers map[string]map[string]handlerFunc

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
}

// ServerOption configures the server.
type ServerOption func(*Server)

// WithMetrics wires request observation.
func WithMetrics(m Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// NewServer creates a wire server for the kernel. bus may be nil, in which
// case commbus.Subscribe is unavailable.
func NewServer(logger Logger, k *kernel.Kernel, bus *commbus.Bus, opts ...ServerOption) *Server {
	s := &Server{
		logger: logger,
		kernel: k,
		bus:    bus,
		conns:  make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.handlers = map[string]map[string]handlerFunc{
		ServiceKernel:        s.kernelHandlers(),
		ServiceEngine:        s.engineHandlers(),
		ServiceOrchestration: s.orchestrationHandlers(),
	}
	return s
}

// Serve accepts connections on lis until Close.
func (s *Server) Serve(lis net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("server closed")
	}
	s.listener = lis
	s.mu.Unlock()

	if s.logger != nil {
		s.logger.Info("wire_server_listening", "addr", lis.Addr().String())
	}

	for {
		conn, err := lis.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return err
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		go s.handleConn(conn)
	}
}

// Close stops accepting and tears down every connection.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	lis := s.listener
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var err error
	if lis != nil {
		err = lis.Close()
	}
	for _, c := range conns {
		c.Close()
	}
	return err
}

// serverConn serializes frame writes for one connection.
type serverConn struct {
	conn    net.Conn
	writeMu sync.Mutex
}

func (sc *serverConn) write(f *Frame) error {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	return WriteFrame(sc.conn, f)
}

func (s *Server) handleConn(conn net.Conn) {
	sc := &serverConn{conn: conn}
	ctx, cancel := context.WithCancel(context.Background())

	defer func() {
		cancel()
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	for {
		frame, err := ReadFrame(conn)
		if err != nil {
			var we *WireError
			if errors.As(err, &we) {
				// Protocol violation: report and drop the connection,
				// resync is impossible once framing is lost.
				_ = sc.write(&Frame{Error: we, End: true})
				if s.logger != nil {
					s.logger.Warn("wire_malformed_frame", "remote", conn.RemoteAddr().String(), "error", we.Message)
				}
			} else if err != io.EOF && s.logger != nil {
				s.logger.Debug("wire_conn_closed", "remote", conn.RemoteAddr().String(), "error", err.Error())
			}
			return
		}

		if frame.Service == ServiceCommBus && frame.Method == MethodSubscribe {
			go s.handleSubscribe(ctx, sc, frame)
			continue
		}
		go s.handleRequest(ctx, sc, frame)
	}
}

func (s *Server) handleRequest(ctx context.Context, sc *serverConn, req *Frame) {
	start := time.Now()
	resp := &Frame{
		Service:       req.Service,
		Method:        req.Method,
		CorrelationID: req.CorrelationID,
	}

	result, err := s.dispatch(ctx, req)
	if err != nil {
		resp.Error = FromError(err)
	} else if encErr := resp.EncodePayload(result); encErr != nil {
		resp.Error = NewWireError(CodeInternal, "encode response: %v", encErr)
	}

	if s.metrics != nil {
		s.metrics.ObserveRequest(req.Service, req.Method, resp.Error, time.Since(start))
	}
	if resp.Error != nil && s.logger != nil {
		s.logger.Debug("wire_request_failed",
			"service", req.Service,
			"method", req.Method,
			"code", string(resp.Error.Code),
			"error", resp.Error.Message,
		)
	}

	if err := sc.write(resp); err != nil && s.logger != nil {
		s.logger.Warn("wire_write_failed", "error", err.Error())
	}
}

func (s *Server) dispatch(ctx context.Context, req *Frame) (any, error) {
	methods, ok := s.handlers[req.Service]
	if !ok {
		return nil, NewWireError(CodeUnknownService, "unknown service: %s", req.Service)
	}
	handler, ok := methods[req.Method]
	if !ok {
		return nil, NewWireError(CodeUnknownMethod, "unknown method: %s.%s", req.Service, req.Method)
	}
	return handler(ctx, req)
}

// handleSubscribe streams bus deliveries to the client, sharing the
// request's correlation id, until the connection drops.
func (s *Server) handleSubscribe(ctx context.Context, sc *serverConn, req *Frame) {
	fail := func(we *WireError) {
		_ = sc.write(&Frame{
			Service:       req.Service,
			Method:        req.Method,
			CorrelationID: req.CorrelationID,
			Error:         we,
			End:           true,
		})
	}

	if s.bus == nil {
		fail(NewWireError(CodeUnknownMethod, "event bus not available"))
		return
	}

	var subReq SubscribeRequest
	if err := req.DecodePayload(&subReq); err != nil {
		fail(NewWireError(CodeMalformedFrame, "subscribe payload: %v", err))
		return
	}

	sub := s.bus.Subscribe(subReq.Topics...)
	defer sub.Close()

	if s.logger != nil {
		s.logger.Debug("wire_subscription_opened", "topics", subReq.Topics)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-sub.C():
			if !ok {
				_ = sc.write(&Frame{
					Service:       req.Service,
					Method:        req.Method,
					CorrelationID: req.CorrelationID,
					End:           true,
				})
				return
			}

			event := &Frame{
				Service:       req.Service,
				Method:        req.Method,
				CorrelationID: req.CorrelationID,
			}
			if err := event.EncodePayload(BusEvent{
				Topic:       d.Topic,
				Payload:     d.Payload,
				PublishedAt: d.PublishedAt.UnixNano(),
			}); err != nil {
				if s.logger != nil {
					s.logger.Warn("wire_event_encode_failed", "topic", d.Topic, "error", err.Error())
				}
				continue
			}
			if err := sc.write(event); err != nil {
				return
			}
		}
	}
}
