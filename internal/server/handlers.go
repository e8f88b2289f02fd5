package server

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ChuLiYu/distbuild/internal/compress"
	"github.com/ChuLiYu/distbuild/internal/job"
	"github.com/ChuLiYu/distbuild/internal/manifest"
	"github.com/ChuLiYu/distbuild/internal/protocol"
	"github.com/ChuLiYu/distbuild/internal/toolcache"
	"github.com/ChuLiYu/distbuild/internal/transport"
	"github.com/ChuLiYu/distbuild/pkg/types"
)

var (
	// ErrVersionMismatch is returned for a handshake with another protocol version.
	ErrVersionMismatch = errors.New("server: protocol version mismatch")
	// ErrNoHandshake is returned for any message before a valid handshake.
	ErrNoHandshake = errors.New("server: message before handshake")
	// ErrDuplicateHandshake is returned for a second handshake.
	ErrDuplicateHandshake = errors.New("server: duplicate handshake")
	// ErrUnexpectedMessage is returned for worker-to-client kinds.
	ErrUnexpectedMessage = errors.New("server: unexpected message")
	// ErrUnknownClient is returned when the connection has no registered state.
	ErrUnknownClient = errors.New("server: unknown client")
)

// ============================================================================
// Connection events
// ============================================================================

func (s *Server) OnConnected(conn transport.Conn) {
	id := types.NewClientID()
	conn.SetClientID(id)

	s.mu.Lock()
	s.nextSeq++
	s.clients[id] = newClientState(id, s.nextSeq, conn, s.now())
	n := len(s.clients)
	s.mu.Unlock()

	s.metrics.SetClients(n)
	s.log.Info("client connected", "client", id, "remote", conn.RemoteAddr())
}

// OnDisconnected cancels the client's jobs and hands any toolchain it was
// supplying to another client waiting on it.
func (s *Server) OnDisconnected(conn transport.Conn) {
	id := conn.ClientID()

	s.mu.Lock()
	c, ok := s.clients[id]
	delete(s.clients, id)
	n := len(s.clients)
	s.mu.Unlock()
	if !ok {
		return
	}
	s.metrics.SetClients(n)

	cancelled := s.queue.CancelJobsWithUserData(id)

	c.mu.Lock()
	dropped := len(c.waiting)
	c.waiting = nil
	host := c.hostName
	c.mu.Unlock()

	released := s.manifests.ReleaseSource(id)
	for _, toolID := range released {
		s.resumeSync(toolID, id)
	}

	s.log.Info("client disconnected",
		"client", id,
		"host", host,
		"cancelled", cancelled,
		"waiting_dropped", dropped,
		"syncs_released", len(released))
}

// OnReceive dispatches one message. A returned error closes the connection.
func (s *Server) OnReceive(conn transport.Conn, msg protocol.Message, payload []byte) error {
	err := s.dispatch(conn.ClientID(), msg, payload)
	if err != nil {
		s.metrics.RecordProtocolError()
		return fmt.Errorf("%s: %w", msg.Kind(), err)
	}
	return nil
}

func (s *Server) dispatch(id types.ClientID, msg protocol.Message, payload []byte) error {
	if m, ok := msg.(*protocol.Connection); ok {
		return s.handleConnection(id, m)
	}

	var handshaken bool
	if !s.withClient(id, func(c *clientState) { handshaken = c.handshaken }) {
		return ErrUnknownClient
	}
	if !handshaken {
		return ErrNoHandshake
	}

	switch m := msg.(type) {
	case *protocol.Status:
		s.withClient(id, func(c *clientState) { c.available = int(m.NumJobsAvailable) })
		return nil
	case *protocol.NoJobAvailable:
		s.withClient(id, func(c *clientState) {
			if c.requested > 0 {
				c.requested--
			}
		})
		return nil
	case *protocol.Job:
		return s.handleJob(id, m, payload)
	case *protocol.Manifest:
		return s.handleManifest(id, m, payload)
	case *protocol.File:
		return s.handleFile(id, m, payload)
	default:
		return ErrUnexpectedMessage
	}
}

func (s *Server) handleConnection(id types.ClientID, m *protocol.Connection) error {
	if m.ProtocolVersion != protocol.ProtocolVersion {
		return fmt.Errorf("%w: client %d, worker %d", ErrVersionMismatch, m.ProtocolVersion, protocol.ProtocolVersion)
	}
	var err error
	found := s.withClient(id, func(c *clientState) {
		if c.handshaken {
			err = ErrDuplicateHandshake
			return
		}
		c.handshaken = true
		c.hostName = m.HostName
		c.available = int(m.NumJobsAvailable)
	})
	if !found {
		return ErrUnknownClient
	}
	if err == nil {
		s.log.Info("client handshake", "client", id, "host", m.HostName, "available", m.NumJobsAvailable)
	}
	return err
}

// ============================================================================
// Jobs
// ============================================================================

func (s *Server) handleJob(id types.ClientID, m *protocol.Job, payload []byte) error {
	j, err := job.Deserialize(m.ToolID, payload)
	if err != nil {
		return err
	}
	j.SetOwner(id)
	s.metrics.RecordJobReceived()

	var sendErr error
	s.withClient(id, func(c *clientState) {
		if c.requested > 0 {
			c.requested--
		}
		c.active++
		// acquire and park under the client lock so a concurrent release
		// cannot miss this job
		var action manifest.Action
		action, sendErr = s.acquire(c, m.ToolID)
		if action.Kind == manifest.ActionReady {
			s.queue.QueueJob(j)
			s.metrics.RecordJobsQueued(1)
			return
		}
		c.waiting = append(c.waiting, j)
	})
	s.log.Debug("job received", "client", id, "job", j.ID(), "remote_job", j.RemoteID(), "tool", m.ToolID, "target", j.Target().Name)
	return sendErr
}

// acquire asks the registry what c must do for toolID and sends the
// requests that follow. c must be locked.
func (s *Server) acquire(c *clientState, toolID types.ToolID) (manifest.Action, error) {
	action := s.manifests.Acquire(toolID, c.id)
	switch action.Kind {
	case manifest.ActionRequestManifest:
		return action, c.conn.Send(&protocol.RequestManifest{ToolID: toolID}, nil)
	case manifest.ActionRequestFiles:
		return action, s.requestFiles(c, toolID, action.Files)
	}
	return action, nil
}

func (s *Server) requestFiles(c *clientState, toolID types.ToolID, files []uint32) error {
	for _, idx := range files {
		if err := c.conn.Send(&protocol.RequestFile{ToolID: toolID, FileID: idx}, nil); err != nil {
			return err
		}
	}
	return nil
}

// releaseWaiting moves every job waiting on toolID, from every client, to
// the pending queue.
func (s *Server) releaseWaiting(toolID types.ToolID) {
	total := 0
	s.withClients(func(clients map[types.ClientID]*clientState) {
		for _, c := range clients {
			c.mu.Lock()
			for _, j := range c.takeWaiting(toolID) {
				s.queue.QueueJob(j)
				total++
			}
			c.mu.Unlock()
		}
	})
	s.metrics.RecordJobsQueued(total)
	s.log.Info("toolchain synchronized", "tool", toolID, "released", total)
}

// resumeSync lets the first client other than failed that is still waiting
// on toolID take over its synchronization from its own connection.
func (s *Server) resumeSync(toolID types.ToolID, failed types.ClientID) {
	s.withClients(func(clients map[types.ClientID]*clientState) {
		for _, c := range s.bySeq(clients) {
			if c.id == failed {
				continue
			}
			c.mu.Lock()
			if !c.waitingFor(toolID) {
				c.mu.Unlock()
				continue
			}
			action, err := s.acquire(c, toolID)
			c.mu.Unlock()
			if err != nil {
				s.log.Warn("resuming toolchain sync failed", "client", c.id, "tool", toolID, "err", err)
				continue
			}
			s.log.Info("toolchain sync resumed", "client", c.id, "tool", toolID, "action", action.Kind)
			return
		}
	})
}

func (s *Server) bySeq(clients map[types.ClientID]*clientState) []*clientState {
	list := make([]*clientState, 0, len(clients))
	for _, c := range clients {
		list = append(list, c)
	}
	sort.Slice(list, func(i, k int) bool { return list[i].seq < list[k].seq })
	return list
}

// ============================================================================
// Toolchain synchronization
// ============================================================================

func (s *Server) handleManifest(id types.ClientID, m *protocol.Manifest, payload []byte) error {
	entries, err := protocol.DecodeManifest(payload)
	if err != nil {
		return err
	}
	cached := func(f manifest.File) bool {
		return s.store.Has(f.Hash, f.Timestamp, f.Size)
	}
	requests, synced, err := s.manifests.ReceiveManifest(m.ToolID, id, entries, cached)
	if err != nil {
		return err
	}
	s.log.Debug("manifest received", "client", id, "tool", m.ToolID, "files", len(entries), "missing", len(requests))

	if len(requests) > 0 {
		var sendErr error
		s.withClient(id, func(c *clientState) {
			sendErr = s.requestFiles(c, m.ToolID, requests)
		})
		if sendErr != nil {
			return sendErr
		}
	}
	if synced {
		s.synchronized(m.ToolID)
	}
	return nil
}

func (s *Server) handleFile(id types.ClientID, m *protocol.File, payload []byte) error {
	f, err := s.manifests.BeginFile(m.ToolID, m.FileID, id)
	if err != nil {
		return err
	}
	data, err := compress.Decompress(payload)
	if err == nil {
		err = s.store.Put(f.Name, f.Hash, f.Timestamp, f.Size, data)
	}
	if err != nil {
		s.fileFailed(id, m.ToolID)
		return fmt.Errorf("file %q: %w", f.Name, err)
	}
	s.metrics.RecordFileReceived(len(data))

	next, synced, err := s.manifests.FileStored(m.ToolID, m.FileID, id)
	if err != nil {
		return err
	}
	if len(next) > 0 {
		var sendErr error
		s.withClient(id, func(c *clientState) {
			sendErr = s.requestFiles(c, m.ToolID, next)
		})
		if sendErr != nil {
			return sendErr
		}
	}
	if synced {
		s.synchronized(m.ToolID)
	}
	return nil
}

// fileFailed abandons the sync id was the source for and hands it to the
// next waiting client. id's connection is closed by the returned error.
func (s *Server) fileFailed(id types.ClientID, toolID types.ToolID) {
	if s.manifests.FileFailed(toolID, id) {
		s.resumeSync(toolID, id)
	}
}

// synchronized lays out the toolchain directory and releases its jobs.
func (s *Server) synchronized(toolID types.ToolID) {
	s.metrics.RecordManifestSynchronized()

	if info, ok := s.manifests.Info(toolID); ok {
		if err := s.store.Flush(); err != nil {
			s.log.Error("cache index flush failed", "err", err)
		}
		refs := make([]toolcache.FileRef, len(info.Files))
		for i, f := range info.Files {
			refs[i] = toolcache.FileRef{Name: f.Name, Hash: f.Hash, Timestamp: f.Timestamp}
		}
		if _, err := s.store.Materialize(toolID, refs); err != nil {
			s.log.Error("toolchain materialize failed", "tool", toolID, "err", err)
		}
	}
	s.releaseWaiting(toolID)
}
