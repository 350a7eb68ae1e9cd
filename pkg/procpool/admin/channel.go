package admin

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/procpool/procpool/internal/framing"
	"github.com/procpool/procpool/internal/protocol"
	"github.com/procpool/procpool/pkg/procpool"
)

// Server is the supervisor side of the admin/introspection channel: a
// second Unix-domain socket (distinct from the per-handle compute
// sockets) that streams Pool lifecycle events and answers metrics
// requests from a monitoring client, using length-prefixed multiplexed
// framing with a request-ID/pending-map dispatch model.
type Server struct {
	ln           net.Listener
	auth         *hmacAuth
	logger       *procpool.Logger
	metricsFn    func() protocol.MetricsSnapshot
	maxFrameSize int

	mu          sync.Mutex
	subscribers map[uint64]chan protocol.PoolEvent
	nextSubID   uint64

	closeOnce sync.Once
	closeCh   chan struct{}
}

// NewServer listens on socketPath. secret may be nil/empty to disable
// HMAC pre-authentication. metricsFn is called to answer each metrics
// request; the caller typically wires this to Pool.Snapshot translated
// into a protocol.MetricsSnapshot. maxFrameSize of 0 uses
// framing.DefaultMaxFrameSize.
func NewServer(socketPath string, secret []byte, logger *procpool.Logger, metricsFn func() protocol.MetricsSnapshot, maxFrameSize int) (*Server, error) {
	addr, err := net.ResolveUnixAddr("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("resolve admin socket addr: %w", err)
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on admin socket %s: %w", socketPath, err)
	}

	var auth *hmacAuth
	if len(secret) > 0 {
		auth = newHMACAuth(secret)
	}
	if maxFrameSize <= 0 {
		maxFrameSize = framing.DefaultMaxFrameSize
	}

	return &Server{
		ln:           ln,
		auth:         auth,
		logger:       logger,
		metricsFn:    metricsFn,
		maxFrameSize: maxFrameSize,
		subscribers:  make(map[uint64]chan protocol.PoolEvent),
		closeCh:      make(chan struct{}),
	}, nil
}

// Serve accepts connections until ctx is canceled or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.closeCh:
				return nil
			default:
				return fmt.Errorf("accept admin connection: %w", err)
			}
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	if s.auth != nil {
		if err := s.auth.authenticateServer(conn); err != nil {
			s.logger.Warn("admin connection failed authentication", "error", err)
			return
		}
	}

	framer := framing.NewFramerWithMaxSize(conn, s.maxFrameSize)
	var writeMu sync.Mutex

	subID, subCh := s.subscribe()
	defer s.unsubscribe(subID)

	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			select {
			case ev, ok := <-subCh:
				if !ok {
					return
				}
				env, err := protocol.WrapEnvelope(protocol.AdminMessageEvent, 0, ev)
				if err != nil {
					continue
				}
				data, err := env.Marshal()
				if err != nil {
					continue
				}
				writeMu.Lock()
				err = framer.WriteFrame(framing.NewFrame(0, data))
				writeMu.Unlock()
				if err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	for {
		frame, err := framer.ReadFrame()
		if err != nil {
			return
		}

		env, err := protocol.UnmarshalEnvelope(frame.Payload)
		if err != nil {
			s.logger.Warn("malformed admin envelope", "error", err)
			continue
		}

		switch env.Type {
		case protocol.AdminMessageMetricsRequest:
			snap := s.metricsFn()
			respEnv, err := protocol.WrapEnvelope(protocol.AdminMessageMetricsResponse, env.ReqID, snap)
			if err != nil {
				continue
			}
			data, err := respEnv.Marshal()
			if err != nil {
				continue
			}
			writeMu.Lock()
			_ = framer.WriteFrame(framing.NewFrame(frame.Header.RequestID, data))
			writeMu.Unlock()
		case protocol.AdminMessageSubscribeEvents:
			// Every connection is implicitly subscribed on accept; this
			// message type exists for clients that want to confirm
			// subscription explicitly instead of relying on that default.
		default:
			s.logger.Warn("unexpected admin message type", "type", env.Type)
		}
	}
}

func (s *Server) subscribe() (uint64, chan protocol.PoolEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSubID++
	id := s.nextSubID
	ch := make(chan protocol.PoolEvent, 32)
	s.subscribers[id] = ch
	return id, ch
}

func (s *Server) unsubscribe(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		delete(s.subscribers, id)
		close(ch)
	}
}

// BroadcastEvent fans a lifecycle event out to every connected subscriber.
// Slow subscribers are dropped from, not allowed to block, the broadcast.
func (s *Server) BroadcastEvent(ev protocol.PoolEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close shuts down the listener and every subscriber channel.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closeCh)
		err = s.ln.Close()
		s.mu.Lock()
		for id, ch := range s.subscribers {
			delete(s.subscribers, id)
			close(ch)
		}
		s.mu.Unlock()
	})
	return err
}

// Client is a monitoring client for the admin channel, using an atomic
// request-ID counter and a pending-request map to dispatch out-of-order
// responses back to their callers.
type Client struct {
	conn   net.Conn
	framer *framing.Framer
	auth   *hmacAuth

	reqID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan *protocol.AdminEnvelope

	events chan protocol.PoolEvent

	closeOnce sync.Once
	closeCh   chan struct{}
}

// NewClient dials socketPath and, if secret is non-empty, performs the
// HMAC challenge/response handshake before returning.
func NewClient(socketPath string, secret []byte) (*Client, error) {
	return NewClientWithMaxFrameSize(socketPath, secret, framing.DefaultMaxFrameSize)
}

// NewClientWithMaxFrameSize is NewClient with an explicit frame size cap,
// which must match the server's configured admin.max_frame_size.
func NewClientWithMaxFrameSize(socketPath string, secret []byte, maxFrameSize int) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("dial admin socket %s: %w", socketPath, err)
	}

	var auth *hmacAuth
	if len(secret) > 0 {
		auth = newHMACAuth(secret)
		if err := auth.authenticateClient(conn); err != nil {
			conn.Close()
			return nil, fmt.Errorf("authenticate: %w", err)
		}
	}

	if maxFrameSize <= 0 {
		maxFrameSize = framing.DefaultMaxFrameSize
	}

	c := &Client{
		conn:    conn,
		framer:  framing.NewFramerWithMaxSize(conn, maxFrameSize),
		auth:    auth,
		pending: make(map[uint64]chan *protocol.AdminEnvelope),
		events:  make(chan protocol.PoolEvent, 64),
		closeCh: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.events)
	for {
		frame, err := c.framer.ReadFrame()
		if err != nil {
			c.failPending(err)
			return
		}

		env, err := protocol.UnmarshalEnvelope(frame.Payload)
		if err != nil {
			continue
		}

		if env.Type == protocol.AdminMessageEvent {
			var ev protocol.PoolEvent
			if err := env.UnmarshalPayload(&ev); err == nil {
				select {
				case c.events <- ev:
				default:
				}
			}
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[env.ReqID]
		if ok {
			delete(c.pending, env.ReqID)
		}
		c.mu.Unlock()
		if ok {
			ch <- env
		}
	}
}

func (c *Client) failPending(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// FetchMetrics requests a metrics snapshot and waits for the response or
// ctx cancellation.
func (c *Client) FetchMetrics(ctx context.Context) (*protocol.MetricsSnapshot, error) {
	reqID := c.reqID.Add(1)
	respCh := make(chan *protocol.AdminEnvelope, 1)

	c.mu.Lock()
	c.pending[reqID] = respCh
	c.mu.Unlock()

	env, err := protocol.WrapEnvelope(protocol.AdminMessageMetricsRequest, reqID, struct{}{})
	if err != nil {
		return nil, err
	}
	data, err := env.Marshal()
	if err != nil {
		return nil, err
	}
	if err := c.framer.WriteFrame(framing.NewFrame(reqID, data)); err != nil {
		return nil, fmt.Errorf("write metrics request: %w", err)
	}

	select {
	case respEnv, ok := <-respCh:
		if !ok {
			return nil, fmt.Errorf("admin connection closed while awaiting metrics response")
		}
		var snap protocol.MetricsSnapshot
		if err := respEnv.UnmarshalPayload(&snap); err != nil {
			return nil, fmt.Errorf("unmarshal metrics snapshot: %w", err)
		}
		return &snap, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, reqID)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Events returns the channel of unsolicited lifecycle events pushed by
// the server. The channel is closed when the connection is lost.
func (c *Client) Events() <-chan protocol.PoolEvent {
	return c.events
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closeCh)
		err = c.conn.Close()
	})
	return err
}
