package wire

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClientClosed is returned by calls made after Close.
var ErrClientClosed = errors.New("wire client closed")

// Client is a connection to a wire server. Requests pipeline over one
// persistent connection; responses are matched to callers by correlation id.
// Safe for concurrent use.
type Client struct {
	conn    net.Conn
	logger  Logger
	nextID  atomic.Uint64
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan *Frame
	streams map[uint64]*EventStream
	closed  bool
	readErr error
}

// Dial connects to a wire server at addr.
func Dial(addr string, logger Logger) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewClient(conn, logger), nil
}

// NewClient wraps an established connection. The client owns conn and closes
// it on Close or read failure.
func NewClient(conn net.Conn, logger Logger) *Client {
	c := &Client{
		conn:    conn,
		logger:  logger,
		pending: make(map[uint64]chan *Frame),
		streams: make(map[uint64]*EventStream),
	}
	go c.readLoop()
	return c
}

// Close tears the connection down and fails all in-flight calls.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}

func (c *Client) readLoop() {
	var loopErr error
	for {
		frame, err := ReadFrame(c.conn)
		if err != nil {
			loopErr = err
			break
		}
		c.route(frame)
	}

	c.mu.Lock()
	c.readErr = loopErr
	c.closed = true
	pending := c.pending
	streams := c.streams
	c.pending = make(map[uint64]chan *Frame)
	c.streams = make(map[uint64]*EventStream)
	c.mu.Unlock()

	c.conn.Close()

	for _, ch := range pending {
		close(ch)
	}
	for _, st := range streams {
		st.finish(NewWireError(CodeConnectionClosed, "connection closed"))
	}

	if c.logger != nil && loopErr != io.EOF {
		c.logger.Debug("wire_client_read_loop_exited", "error", loopErr.Error())
	}
}

func (c *Client) route(frame *Frame) {
	c.mu.Lock()

	if st, ok := c.streams[frame.CorrelationID]; ok {
		if frame.End {
			delete(c.streams, frame.CorrelationID)
		}
		c.mu.Unlock()
		st.deliver(frame)
		return
	}

	ch, ok := c.pending[frame.CorrelationID]
	if ok {
		delete(c.pending, frame.CorrelationID)
	}
	c.mu.Unlock()

	if !ok {
		// Response to a caller that already gave up on its deadline.
		if c.logger != nil {
			c.logger.Debug("wire_orphan_frame", "correlation_id", frame.CorrelationID)
		}
		return
	}
	ch <- frame
	close(ch)
}

func (c *Client) register(id uint64) (chan *Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClientClosed
	}
	ch := make(chan *Frame, 1)
	c.pending[id] = ch
	return ch, nil
}

func (c *Client) unregister(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) send(f *Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteFrame(c.conn, f)
}

// Call performs one unary request. resp may be nil when the caller discards
// the response payload. Context cancellation abandons the call with a
// timeout WireError; the response, if it ever arrives, is dropped.
func (c *Client) Call(ctx context.Context, service, method string, req, resp any) error {
	id := c.nextID.Add(1)
	frame := &Frame{Service: service, Method: method, CorrelationID: id}
	if err := frame.EncodePayload(req); err != nil {
		return err
	}

	ch, err := c.register(id)
	if err != nil {
		return err
	}
	if err := c.send(frame); err != nil {
		c.unregister(id)
		return NewWireError(CodeConnectionClosed, "send %s.%s: %v", service, method, err)
	}

	select {
	case <-ctx.Done():
		c.unregister(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return NewWireError(CodeTimeout, "%s.%s: deadline exceeded", service, method)
		}
		return ctx.Err()
	case reply, ok := <-ch:
		if !ok {
			return NewWireError(CodeConnectionClosed, "%s.%s: connection closed", service, method)
		}
		if reply.Error != nil {
			return reply.Error
		}
		if resp == nil {
			return nil
		}
		return reply.DecodePayload(resp)
	}
}

// CallTimeout is Call with a deadline.
func (c *Client) CallTimeout(service, method string, req, resp any, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.Call(ctx, service, method, req, resp)
}

// =============================================================================
// Event streaming
// =============================================================================

// EventStream delivers bus events from a commbus.Subscribe call. Events
// arrives on C until the stream ends; Err reports why afterwards. Delivery
// is non-blocking: a consumer that stops draining loses events rather than
// stalling the connection's read loop, and Dropped counts the losses.
type EventStream struct {
	c       chan BusEvent
	once    sync.Once
	dropped atomic.Uint64

	mu  sync.Mutex
	err error
}

// C is the event channel. Closed when the stream ends.
func (es *EventStream) C() <-chan BusEvent { return es.c }

// Err returns the terminal error, nil on a clean server-side end.
func (es *EventStream) Err() error {
	es.mu.Lock()
	defer es.mu.Unlock()
	return es.err
}

func (es *EventStream) deliver(frame *Frame) {
	if frame.Error != nil {
		es.finish(frame.Error)
		return
	}
	if frame.End {
		es.finish(nil)
		return
	}

	var event BusEvent
	if err := frame.DecodePayload(&event); err != nil {
		es.finish(err)
		return
	}
	select {
	case es.c <- event:
	default:
		es.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded because the consumer fell
// behind.
func (es *EventStream) Dropped() uint64 { return es.dropped.Load() }

func (es *EventStream) finish(err error) {
	es.once.Do(func() {
		es.mu.Lock()
		es.err = err
		es.mu.Unlock()
		close(es.c)
	})
}

// Subscribe opens an event stream for the given topics; none means all.
// The stream stays open until the connection drops.
func (c *Client) Subscribe(topics ...string) (*EventStream, error) {
	id := c.nextID.Add(1)
	frame := &Frame{Service: ServiceCommBus, Method: MethodSubscribe, CorrelationID: id}
	if err := frame.EncodePayload(SubscribeRequest{Topics: topics}); err != nil {
		return nil, err
	}

	es := &EventStream{c: make(chan BusEvent, 64)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	c.streams[id] = es
	c.mu.Unlock()

	if err := c.send(frame); err != nil {
		c.mu.Lock()
		delete(c.streams, id)
		c.mu.Unlock()
		return nil, NewWireError(CodeConnectionClosed, "subscribe: %v", err)
	}
	return es, nil
}
