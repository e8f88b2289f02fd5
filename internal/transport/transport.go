// ============================================================================
// distbuild transport - TCP message delivery
// ============================================================================
//
// Package: internal/transport
// File: transport.go
//
// Per connection:
//   reader goroutine  ReadMessage → Handler.OnReceive, strictly in order
//   writer goroutine  drains a bounded outbox onto the socket
//
// Send never blocks: a full outbox closes the connection, which the core
// treats like any other disconnect. OnConnected runs before the first
// OnReceive and OnDisconnected runs exactly once, after the last.
//
// ============================================================================

package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/ChuLiYu/distbuild/internal/protocol"
	"github.com/ChuLiYu/distbuild/pkg/types"
)

var (
	// ErrClosed is returned by Send on a closed connection.
	ErrClosed = errors.New("transport: connection closed")
	// ErrOutboxFull is returned by Send when the peer does not keep up.
	ErrOutboxFull = errors.New("transport: outbox full")
)

const (
	DefaultOutboxSize   = 256
	DefaultWriteTimeout = 30 * time.Second
)

// Conn is the handle the core sees for one connection.
type Conn interface {
	RemoteAddr() string
	// Send queues a message for writing. It never blocks.
	Send(msg protocol.Message, payload []byte) error
	Close() error
	// ClientID and SetClientID are the per-connection slot the core uses to
	// find its state for this connection.
	ClientID() types.ClientID
	SetClientID(id types.ClientID)
}

// Handler receives connection events. A non-nil error from OnReceive closes
// the connection.
type Handler interface {
	OnConnected(c Conn)
	OnDisconnected(c Conn)
	OnReceive(c Conn, msg protocol.Message, payload []byte) error
}

// Config tunes connections.
type Config struct {
	OutboxSize   int
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

func (cfg Config) withDefaults() Config {
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = DefaultOutboxSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

// ============================================================================
// Connection
// ============================================================================

// Connection is a TCP connection carrying protocol messages.
type Connection struct {
	nc      net.Conn
	handler Handler
	cfg     Config
	log     *slog.Logger

	outbox    chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	clientID types.ClientID
}

func newConnection(nc net.Conn, h Handler, cfg Config) *Connection {
	return &Connection{
		nc:      nc,
		handler: h,
		cfg:     cfg,
		log:     cfg.Logger.With("remote", nc.RemoteAddr().String()),
		outbox:  make(chan []byte, cfg.OutboxSize),
		done:    make(chan struct{}),
	}
}

func (c *Connection) RemoteAddr() string {
	return c.nc.RemoteAddr().String()
}

func (c *Connection) ClientID() types.ClientID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

func (c *Connection) SetClientID(id types.ClientID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clientID = id
}

func (c *Connection) Send(msg protocol.Message, payload []byte) error {
	frame, err := protocol.AppendFrame(nil, msg, payload)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.outbox <- frame:
		return nil
	default:
		c.log.Warn("outbox full, closing connection", "kind", msg.Kind())
		c.Close()
		return ErrOutboxFull
	}
}

// Close shuts the socket. Frames still queued are dropped.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.nc.Close()
	})
	return err
}

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// run delivers events until the connection ends.
func (c *Connection) run() {
	go c.writeLoop()

	c.handler.OnConnected(c)
	c.readLoop()
	c.Close()
	c.handler.OnDisconnected(c)
}

func (c *Connection) readLoop() {
	r := bufio.NewReader(c.nc)
	for {
		msg, payload, err := protocol.ReadMessage(r)
		if err != nil {
			select {
			case <-c.done:
			default:
				if !errors.Is(err, io.EOF) {
					c.log.Warn("read failed, closing connection", "err", err)
				}
			}
			return
		}
		if err := c.handler.OnReceive(c, msg, payload); err != nil {
			c.log.Warn("closing connection", "kind", msg.Kind(), "err", err)
			return
		}
	}
}

func (c *Connection) writeLoop() {
	for {
		select {
		case frame := <-c.outbox:
			_ = c.nc.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if _, err := c.nc.Write(frame); err != nil {
				c.log.Warn("write failed, closing connection", "err", err)
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// ============================================================================
// Server
// ============================================================================

// Server accepts connections and hands their events to one Handler.
type Server struct {
	handler Handler
	cfg     Config
	log     *slog.Logger

	mu     sync.Mutex
	ln     net.Listener
	conns  map[*Connection]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewServer returns a server delivering to h.
func NewServer(h Handler, cfg Config) *Server {
	cfg = cfg.withDefaults()
	return &Server{
		handler: h,
		cfg:     cfg,
		log:     cfg.Logger.With("component", "transport"),
		conns:   make(map[*Connection]struct{}),
	}
}

// Listen binds addr without serving yet.
func Listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	return ln, nil
}

// Serve accepts on ln until ctx is done or Close is called. It closes ln and
// every connection before returning.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return ErrClosed
	}
	s.ln = ln
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	s.log.Info("listening", "addr", ln.Addr().String())
	for {
		nc, err := ln.Accept()
		if err != nil {
			closing := s.isClosed()
			s.Close()
			s.wg.Wait()
			if closing {
				return nil
			}
			return fmt.Errorf("transport: accept: %w", err)
		}

		c := newConnection(nc, s.handler, s.cfg)
		if !s.track(c) {
			nc.Close()
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(c)
			c.run()
		}()
	}
}

// Close stops accepting and closes every connection.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	ln := s.ln
	conns := make([]*Connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, c := range conns {
		c.Close()
	}
}

// ConnCount returns the number of open connections.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) track(c *Connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ============================================================================
// Dial
// ============================================================================

// Dial connects to addr and delivers the connection's events to h on a
// background goroutine. Done on the returned connection closes when the
// connection ends.
func Dial(ctx context.Context, addr string, h Handler, cfg Config) (*Connection, error) {
	cfg = cfg.withDefaults()
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	c := newConnection(nc, h, cfg)
	go c.run()
	return c, nil
}
