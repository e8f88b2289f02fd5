// ============================================================================
// distbuild Server - remote worker orchestration
// ============================================================================
//
// Package: internal/server
// File: server.go
//
// The server owns every client's state, the toolchain manifests and the
// job queue, and drives them from two places:
//
//   Connection events (transport goroutines, one per client, in order)
//     OnConnected     register a clientState
//     OnReceive       handshake, status, jobs, manifests, files
//     OnDisconnected  cancel jobs, release manifest sync, drop state
//
//   Scheduling loop (Run, one goroutine), each tick in order:
//     1. FindNeedyClients        ask clients for work up to worker capacity
//     2. FinalizeCompletedJobs   send results home or discard them
//     3. SendServerStatus        heartbeats
//
// Job flow:
//   Job ──► toolchain synchronized? ──yes──► jobqueue (pending) ──► workers
//                  │ no                                              │
//                  ▼                                                 ▼
//           client waiting list ◄── released when the      completed queue
//                                   manifest syncs               │
//                                                                ▼
//                                             FinalizeCompletedJobs ──► client
//
// ============================================================================

package server

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/distbuild/internal/jobqueue"
	"github.com/ChuLiYu/distbuild/internal/manifest"
	"github.com/ChuLiYu/distbuild/internal/metrics"
	"github.com/ChuLiYu/distbuild/internal/protocol"
	"github.com/ChuLiYu/distbuild/internal/toolcache"
	"github.com/ChuLiYu/distbuild/pkg/types"
)

const DefaultTickInterval = 100 * time.Millisecond

// ErrMissingDependency is returned by New when a required dependency is nil.
var ErrMissingDependency = errors.New("server: missing dependency")

// Store is the local toolchain file store.
type Store interface {
	Has(hash, timestamp, size uint64) bool
	Put(name string, hash, timestamp, size uint64, data []byte) error
	Flush() error
	Materialize(id types.ToolID, files []toolcache.FileRef) (string, error)
}

// Capacity reports how many jobs the local workers can take.
type Capacity interface {
	Capacity() int
}

// CapacityFunc adapts a function to Capacity.
type CapacityFunc func() int

func (f CapacityFunc) Capacity() int { return f() }

// Config tunes the server.
type Config struct {
	TickInterval      time.Duration
	HeartbeatInterval time.Duration
	Logger            *slog.Logger
}

// Deps are the components the server drives. Metrics may be nil.
type Deps struct {
	Queue     *jobqueue.Queue
	Manifests *manifest.Registry
	Store     Store
	Workers   Capacity
	Metrics   *metrics.Collector
}

// Server coordinates build clients, toolchain synchronization and the
// local job queue. It implements transport.Handler.
type Server struct {
	cfg       Config
	queue     *jobqueue.Queue
	manifests *manifest.Registry
	store     Store
	workers   Capacity
	metrics   *metrics.Collector
	log       *slog.Logger
	now       func() time.Time

	mu      sync.RWMutex
	clients map[types.ClientID]*clientState
	nextSeq uint64
}

// New creates a server. Zero config values take their defaults.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Queue == nil || deps.Manifests == nil || deps.Store == nil || deps.Workers == nil {
		return nil, ErrMissingDependency
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = protocol.HeartbeatInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		queue:     deps.Queue,
		manifests: deps.Manifests,
		store:     deps.Store,
		workers:   deps.Workers,
		metrics:   deps.Metrics,
		log:       cfg.Logger.With("component", "server"),
		now:       time.Now,
		clients:   make(map[types.ClientID]*clientState),
	}, nil
}

// Run ticks until ctx is done. A completed job triggers an early tick so
// results go out without waiting for the interval.
func (s *Server) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.log.Info("scheduler started", "tick", s.cfg.TickInterval, "heartbeat", s.cfg.HeartbeatInterval)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return nil
		case <-ticker.C:
		case <-s.queue.Completed():
		}
		s.Tick()
	}
}

// Tick runs one scheduling pass.
func (s *Server) Tick() {
	s.FindNeedyClients()
	s.FinalizeCompletedJobs()
	s.SendServerStatus()
	s.updateGauges()
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// ============================================================================
// Scheduling
// ============================================================================

// FindNeedyClients requests jobs from clients while worker capacity remains.
// Clients with the fewest outstanding jobs are asked first, one request per
// client per round, and never beyond what a client advertised.
func (s *Server) FindNeedyClients() {
	capacity := s.workers.Capacity()

	s.withClients(func(clients map[types.ClientID]*clientState) {
		type candidate struct {
			c           *clientState
			outstanding int
		}
		var candidates []candidate
		for _, c := range clients {
			c.mu.Lock()
			n := c.outstanding()
			capacity -= n
			if c.handshaken && n < c.available {
				candidates = append(candidates, candidate{c, n})
			}
			c.mu.Unlock()
		}
		if capacity <= 0 || len(candidates) == 0 {
			return
		}
		sort.Slice(candidates, func(i, k int) bool {
			if candidates[i].outstanding != candidates[k].outstanding {
				return candidates[i].outstanding < candidates[k].outstanding
			}
			return candidates[i].c.seq < candidates[k].c.seq
		})

		for capacity > 0 {
			asked := false
			for _, cand := range candidates {
				if capacity == 0 {
					break
				}
				if s.requestJob(cand.c) {
					capacity--
					asked = true
				}
			}
			if !asked {
				return
			}
		}
	})
}

func (s *Server) requestJob(c *clientState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outstanding() >= c.available {
		return false
	}
	if err := c.conn.Send(&protocol.RequestJob{}, nil); err != nil {
		return false
	}
	c.requested++
	s.metrics.RecordJobRequested()
	return true
}

// FinalizeCompletedJobs drains the completed queue, sending each result to
// the client that submitted the job. Results for clients that have gone
// are dropped.
func (s *Server) FinalizeCompletedJobs() {
	for j := s.queue.GetCompletedJob(); j != nil; j = s.queue.GetCompletedJob() {
		owner := j.Owner()
		sent := false
		if owner != types.NoClient {
			s.withClient(owner, func(c *clientState) {
				if c.active > 0 {
					c.active--
				}
				payload := j.ResultMessage().Marshal()
				if err := c.conn.Send(&protocol.JobResultMsg{}, payload); err != nil {
					s.log.Warn("result not sent", "client", c.id, "job", j.ID(), "err", err)
					return
				}
				sent = true
			})
		}
		if sent {
			s.metrics.RecordResultSent()
		} else {
			s.metrics.RecordResultDiscarded()
			s.log.Debug("result discarded", "job", j.ID(), "target", j.Target().Name)
		}
	}
}

// SendServerStatus sends a heartbeat to every client whose last one is at
// least HeartbeatInterval old.
func (s *Server) SendServerStatus() {
	now := s.now()
	s.withClients(func(clients map[types.ClientID]*clientState) {
		for _, c := range clients {
			c.mu.Lock()
			if now.Sub(c.lastHeartbeat) >= s.cfg.HeartbeatInterval {
				if err := c.conn.Send(&protocol.ServerStatus{}, nil); err == nil {
					c.lastHeartbeat = now
				}
			}
			c.mu.Unlock()
		}
	})
}

func (s *Server) updateGauges() {
	if s.metrics == nil {
		return
	}
	waiting := 0
	s.withClients(func(clients map[types.ClientID]*clientState) {
		for _, c := range clients {
			c.mu.Lock()
			waiting += len(c.waiting)
			c.mu.Unlock()
		}
	})
	stats := s.queue.Stats()
	s.metrics.UpdateQueueStats(waiting, stats.Pending, stats.InFlight)
}
