package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/distbuild/internal/protocol"
)

// recorder is a Handler that records events and optionally reacts to them.
type recorder struct {
	mu           sync.Mutex
	connected    int
	disconnected int
	received     []protocol.Message
	payloads     [][]byte

	onReceive func(c Conn, msg protocol.Message) error
	gone      chan struct{}
}

func newRecorder() *recorder {
	return &recorder{gone: make(chan struct{})}
}

func (r *recorder) OnConnected(Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected++
}

func (r *recorder) OnDisconnected(Conn) {
	r.mu.Lock()
	r.disconnected++
	first := r.disconnected == 1
	r.mu.Unlock()
	if first {
		close(r.gone)
	}
}

func (r *recorder) OnReceive(c Conn, msg protocol.Message, payload []byte) error {
	r.mu.Lock()
	r.received = append(r.received, msg)
	r.payloads = append(r.payloads, payload)
	fn := r.onReceive
	r.mu.Unlock()
	if fn != nil {
		return fn(c, msg)
	}
	return nil
}

func (r *recorder) messages() []protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Message(nil), r.received...)
}

func (r *recorder) waitGone(t *testing.T) {
	t.Helper()
	select {
	case <-r.gone:
	case <-time.After(2 * time.Second):
		t.Fatal("OnDisconnected not called")
	}
}

func startServer(t *testing.T, h Handler) (*Server, string) {
	t.Helper()
	ln, err := Listen("127.0.0.1:0")
	require.NoError(t, err)

	srv := NewServer(h, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("Serve did not return")
		}
	})
	return srv, ln.Addr().String()
}

func TestRoundTripAndDisconnect(t *testing.T) {
	server := newRecorder()
	server.onReceive = func(c Conn, msg protocol.Message) error {
		if _, ok := msg.(*protocol.Connection); ok {
			return c.Send(&protocol.Job{ToolID: 9}, []byte("reply payload"))
		}
		return nil
	}
	srv, addr := startServer(t, server)

	client := newRecorder()
	got := make(chan struct{})
	client.onReceive = func(Conn, protocol.Message) error {
		close(got)
		return nil
	}
	c, err := Dial(context.Background(), addr, client, Config{})
	require.NoError(t, err)

	require.NoError(t, c.Send(&protocol.Connection{ProtocolVersion: protocol.ProtocolVersion, HostName: "client"}, nil))

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("no reply")
	}
	assert.Equal(t, []protocol.Message{&protocol.Job{ToolID: 9}}, client.messages())
	assert.Equal(t, []byte("reply payload"), client.payloads[0])
	assert.Eventually(t, func() bool { return srv.ConnCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Close())
	server.waitGone(t)
	client.waitGone(t)

	server.mu.Lock()
	assert.Equal(t, 1, server.connected)
	assert.Equal(t, 1, server.disconnected)
	server.mu.Unlock()
	assert.Eventually(t, func() bool { return srv.ConnCount() == 0 }, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, c.Send(&protocol.Status{}, nil), ErrClosed)
}

func TestHandlerErrorClosesConnection(t *testing.T) {
	server := newRecorder()
	server.onReceive = func(Conn, protocol.Message) error {
		return errors.New("protocol violation")
	}
	_, addr := startServer(t, server)

	client := newRecorder()
	c, err := Dial(context.Background(), addr, client, Config{})
	require.NoError(t, err)
	require.NoError(t, c.Send(&protocol.RequestJob{}, nil))

	server.waitGone(t)
	client.waitGone(t)
	assert.Len(t, server.messages(), 1)
}

func TestMalformedFrameClosesConnection(t *testing.T) {
	server := newRecorder()
	_, addr := startServer(t, server)

	nc, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer nc.Close()

	// unknown kind
	_, err = nc.Write([]byte{250, 0, 4, 0})
	require.NoError(t, err)

	server.waitGone(t)
	assert.Empty(t, server.messages())
}

func TestServeStopsOnContextCancel(t *testing.T) {
	server := newRecorder()
	ln, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	srv := NewServer(server, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	client := newRecorder()
	_, err = Dial(context.Background(), ln.Addr().String(), client, Config{})
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return srv.ConnCount() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
	server.waitGone(t)
	client.waitGone(t)
}

func TestSendValidatesAndBoundsOutbox(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()

	// no writer goroutine: the outbox fills up
	c := newConnection(a, newRecorder(), Config{OutboxSize: 1}.withDefaults())

	err := c.Send(&protocol.Status{}, []byte("x"))
	assert.ErrorIs(t, err, protocol.ErrUnexpectedPayload)

	require.NoError(t, c.Send(&protocol.Status{NumJobsAvailable: 1}, nil))
	assert.ErrorIs(t, c.Send(&protocol.Status{NumJobsAvailable: 2}, nil), ErrOutboxFull)

	select {
	case <-c.Done():
	default:
		t.Fatal("full outbox did not close the connection")
	}
}

func TestClientIDSlot(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	c := newConnection(a, newRecorder(), Config{}.withDefaults())
	defer c.Close()

	assert.Empty(t, c.ClientID())
	c.SetClientID("abc")
	assert.Equal(t, "abc", string(c.ClientID()))
}
