// ============================================================================
// distbuild ToolManifest - toolchain synchronization state machine
// ============================================================================
//
// Package: internal/manifest
// File: manifest.go
// Purpose: Track which files of each toolchain are present on this worker
//          and drive their incremental, resumable transfer from clients.
//
// Per file:
//
//   NotSynchronized ──request sent──▶ Synchronizing ──bytes stored──▶ Synchronized
//          ▲                                │
//          └──── source disconnected / store failed
//
// Per manifest:
//   - created empty the first time a job references its toolchain id
//   - exactly one connection (the source) synchronizes it at a time
//   - at most the request window of files is Synchronizing at once; each
//     stored file frees a slot for the next request
//   - synchronized once described and every file is Synchronized
//   - never removed for the lifetime of the process
//
// Concurrency:
//   One mutex covers the whole registry. Every operation is short and never
//   calls back into other locked components except the CacheFunc lookup.
//
// ============================================================================

package manifest

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ChuLiYu/distbuild/internal/protocol"
	"github.com/ChuLiYu/distbuild/pkg/types"
)

var (
	// ErrUnknownManifest is returned for messages about a toolchain this
	// worker never asked for.
	ErrUnknownManifest = errors.New("manifest: unknown toolchain")
	// ErrNotSource is returned when a connection other than the current
	// synchronization source sends manifest data.
	ErrNotSource = errors.New("manifest: connection is not the synchronization source")
	// ErrBadFileIndex is returned for a file index outside the manifest.
	ErrBadFileIndex = errors.New("manifest: file index out of range")
	// ErrNotRequested is returned for a file that has no outstanding request.
	ErrNotRequested = errors.New("manifest: file was not requested")
)

// SyncState is the synchronization state of one file.
type SyncState uint8

const (
	NotSynchronized SyncState = iota
	Synchronizing
	Synchronized
)

func (s SyncState) String() string {
	switch s {
	case NotSynchronized:
		return "not_synchronized"
	case Synchronizing:
		return "synchronizing"
	case Synchronized:
		return "synchronized"
	default:
		return fmt.Sprintf("SyncState(%d)", uint8(s))
	}
}

// File is one toolchain file.
type File struct {
	Name      string
	Hash      uint64
	Timestamp uint64
	Size      uint64
	State     SyncState
}

func (f File) sameContent(e protocol.ManifestEntry) bool {
	return f.Name == e.Name && f.Hash == e.Hash && f.Timestamp == e.Timestamp && f.Size == e.Size
}

// CacheFunc reports whether the contents of f are already stored locally.
type CacheFunc func(f File) bool

// ToolManifest is the file set of one toolchain.
type ToolManifest struct {
	id        types.ToolID
	timestamp uint64
	files     []File
	described bool
	source    types.ClientID
}

func (m *ToolManifest) synchronized() bool {
	if !m.described {
		return false
	}
	for i := range m.files {
		if m.files[i].State != Synchronized {
			return false
		}
	}
	return true
}

// requestMissing moves NotSynchronized files to Synchronizing until window
// files are in flight and returns the indices it moved.
func (m *ToolManifest) requestMissing(window int) []uint32 {
	free := window
	for i := range m.files {
		if m.files[i].State == Synchronizing {
			free--
		}
	}
	var idx []uint32
	for i := 0; i < len(m.files) && free > 0; i++ {
		if m.files[i].State == NotSynchronized {
			m.files[i].State = Synchronizing
			idx = append(idx, uint32(i))
			free--
		}
	}
	return idx
}

func (m *ToolManifest) resetSync() {
	for i := range m.files {
		if m.files[i].State == Synchronizing {
			m.files[i].State = NotSynchronized
		}
	}
	m.source = types.NoClient
}

// Info is a copy of a manifest's state.
type Info struct {
	ID           types.ToolID
	Timestamp    uint64
	Files        []File
	Described    bool
	Source       types.ClientID
	Synchronized bool
}

// ActionKind tells the caller of Acquire what to do with the job.
type ActionKind int

const (
	// ActionReady means the toolchain is synchronized; queue the job now.
	ActionReady ActionKind = iota
	// ActionWait means another request is already in progress; park the job.
	ActionWait
	// ActionRequestManifest means park the job and ask the caller's
	// connection for the manifest description.
	ActionRequestManifest
	// ActionRequestFiles means park the job and ask the caller's connection
	// for Action.Files.
	ActionRequestFiles
)

func (k ActionKind) String() string {
	switch k {
	case ActionReady:
		return "ready"
	case ActionWait:
		return "wait"
	case ActionRequestManifest:
		return "request_manifest"
	case ActionRequestFiles:
		return "request_files"
	default:
		return fmt.Sprintf("ActionKind(%d)", int(k))
	}
}

// Action is the result of Acquire.
type Action struct {
	Kind  ActionKind
	Files []uint32
}

// DefaultRequestWindow is the number of file requests kept in flight per
// toolchain. It stays well below the transport outbox.
const DefaultRequestWindow = 32

// Option configures a Registry.
type Option func(*Registry)

// WithRequestWindow sets how many files of one toolchain are requested at a
// time. Values below one are ignored.
func WithRequestWindow(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.window = n
		}
	}
}

// Registry owns every ToolManifest, keyed by toolchain id.
type Registry struct {
	mu        sync.Mutex
	manifests map[types.ToolID]*ToolManifest
	window    int
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		manifests: make(map[types.ToolID]*ToolManifest),
		window:    DefaultRequestWindow,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Window returns the per-toolchain request window.
func (r *Registry) Window() int {
	return r.window
}

// Acquire is called for every job referencing id that arrives from client.
// It creates the manifest on first use and, when nobody is synchronizing it,
// makes client the synchronization source.
func (r *Registry) Acquire(id types.ToolID, client types.ClientID) Action {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.manifests[id]
	if !ok {
		m = &ToolManifest{id: id}
		r.manifests[id] = m
	}

	if m.synchronized() {
		return Action{Kind: ActionReady}
	}
	if m.source != types.NoClient {
		return Action{Kind: ActionWait}
	}

	m.source = client
	if !m.described {
		return Action{Kind: ActionRequestManifest}
	}
	return Action{Kind: ActionRequestFiles, Files: m.requestMissing(r.window)}
}

// ReceiveManifest applies a manifest description from client. Files found in
// the local cache are marked Synchronized. Up to the request window of the
// rest are returned as file requests to send and marked Synchronizing.
// synced is true when nothing is missing.
func (r *Registry) ReceiveManifest(id types.ToolID, client types.ClientID, entries []protocol.ManifestEntry, cached CacheFunc) (requests []uint32, synced bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, err := r.sourceManifest(id, client)
	if err != nil {
		return nil, false, err
	}

	files := make([]File, len(entries))
	var latest uint64
	for i, e := range entries {
		f := File{Name: e.Name, Hash: e.Hash, Timestamp: e.Timestamp, Size: e.Size}
		if i < len(m.files) && m.files[i].State == Synchronized && m.files[i].sameContent(e) {
			f.State = Synchronized
		} else if cached != nil && cached(f) {
			f.State = Synchronized
		}
		if e.Timestamp > latest {
			latest = e.Timestamp
		}
		files[i] = f
	}

	m.files = files
	m.timestamp = latest
	m.described = true

	requests = m.requestMissing(r.window)
	if m.synchronized() {
		m.source = types.NoClient
		return nil, true, nil
	}
	return requests, false, nil
}

// BeginFile validates an incoming file before its bytes are stored and
// returns the file's metadata.
func (r *Registry) BeginFile(id types.ToolID, index uint32, client types.ClientID) (File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, err := r.sourceManifest(id, client)
	if err != nil {
		return File{}, err
	}
	f, err := m.requested(index)
	if err != nil {
		return File{}, err
	}
	return *f, nil
}

// FileStored marks a file Synchronized and returns the file requests that
// refill the window. synced reports whether that completed the manifest.
func (r *Registry) FileStored(id types.ToolID, index uint32, client types.ClientID) (next []uint32, synced bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, err := r.sourceManifest(id, client)
	if err != nil {
		return nil, false, err
	}
	f, err := m.requested(index)
	if err != nil {
		return nil, false, err
	}
	f.State = Synchronized

	if m.synchronized() {
		m.source = types.NoClient
		return nil, true, nil
	}
	return m.requestMissing(r.window), false, nil
}

// FileFailed abandons the current synchronization of id after a storage
// failure and reports whether client was its source. Files already stored
// stay Synchronized and the next Acquire resumes from there.
func (r *Registry) FileFailed(id types.ToolID, client types.ClientID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.manifests[id]
	if !ok || m.source != client {
		return false
	}
	m.resetSync()
	return true
}

// ReleaseSource abandons every synchronization client is the source for and
// returns the affected toolchain ids in ascending order.
func (r *Registry) ReleaseSource(client types.ClientID) []types.ToolID {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []types.ToolID
	for id, m := range r.manifests {
		if m.source == client {
			m.resetSync()
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// IsSynchronized reports whether every file of id is present locally.
func (r *Registry) IsSynchronized(id types.ToolID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.manifests[id]
	return ok && m.synchronized()
}

// Info returns a copy of the manifest state for id.
func (r *Registry) Info(id types.ToolID) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.manifests[id]
	if !ok {
		return Info{}, false
	}
	return Info{
		ID:           m.id,
		Timestamp:    m.timestamp,
		Files:        append([]File(nil), m.files...),
		Described:    m.described,
		Source:       m.source,
		Synchronized: m.synchronized(),
	}, true
}

// Len returns the number of known toolchains.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.manifests)
}

func (r *Registry) sourceManifest(id types.ToolID, client types.ClientID) (*ToolManifest, error) {
	m, ok := r.manifests[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownManifest, id)
	}
	if m.source != client {
		return nil, fmt.Errorf("%w: %s", ErrNotSource, id)
	}
	return m, nil
}

func (m *ToolManifest) requested(index uint32) (*File, error) {
	if int(index) >= len(m.files) {
		return nil, fmt.Errorf("%w: %s file %d of %d", ErrBadFileIndex, m.id, index, len(m.files))
	}
	f := &m.files[index]
	if f.State != Synchronizing {
		return nil, fmt.Errorf("%w: %s file %d is %s", ErrNotRequested, m.id, index, f.State)
	}
	return f, nil
}
