package server

import (
	"sync"
	"time"

	"github.com/ChuLiYu/distbuild/internal/job"
	"github.com/ChuLiYu/distbuild/internal/transport"
	"github.com/ChuLiYu/distbuild/pkg/types"
)

// clientState is the server's view of one connected build client. All
// fields after mu are guarded by it.
type clientState struct {
	id   types.ClientID
	seq  uint64
	conn transport.Conn

	mu            sync.Mutex
	handshaken    bool
	hostName      string
	available     int
	requested     int
	active        int
	waiting       []*job.Job
	lastHeartbeat time.Time
}

func newClientState(id types.ClientID, seq uint64, conn transport.Conn, now time.Time) *clientState {
	return &clientState{
		id:            id,
		seq:           seq,
		conn:          conn,
		lastHeartbeat: now,
	}
}

// outstanding is the number of jobs asked for or held by this client.
func (c *clientState) outstanding() int {
	return c.requested + c.active
}

// takeWaiting removes and returns the waiting jobs for toolID.
func (c *clientState) takeWaiting(toolID types.ToolID) []*job.Job {
	var released []*job.Job
	kept := c.waiting[:0]
	for _, j := range c.waiting {
		if j.ToolID() == toolID {
			released = append(released, j)
		} else {
			kept = append(kept, j)
		}
	}
	clear(c.waiting[len(kept):])
	c.waiting = kept
	return released
}

func (c *clientState) waitingFor(toolID types.ToolID) bool {
	for _, j := range c.waiting {
		if j.ToolID() == toolID {
			return true
		}
	}
	return false
}

// ============================================================================
// Scoped locking
// ============================================================================
//
// Lock order: Server.mu (client set) before clientState.mu, never the
// reverse. The manifest registry lock may be taken under either.

// withClients runs fn with the client set read-locked.
func (s *Server) withClients(fn func(clients map[types.ClientID]*clientState)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(s.clients)
}

// withClient runs fn with the client locked. It reports false, without
// calling fn, when id is no longer registered.
func (s *Server) withClient(id types.ClientID, fn func(c *clientState)) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[id]
	if !ok {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
	return true
}
