package toolcache

// ============================================================================
// Responsibilities:
// 1. Store toolchain file contents by (hash, timestamp) so any toolchain that
//    shares a file reuses it
// 2. Persist the index as JSON with atomic writes (temp file + rename)
// 3. Validate the index schema version on open
// 4. Lay out a synchronized toolchain as a directory tree for the executor
// 5. Record a CRC32 per blob so Verify can find files damaged on disk
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/distbuild/pkg/types"
)

var (
	ErrCorruptedIndex      = errors.New("toolcache: index file is corrupted")
	ErrIncompatibleVersion = errors.New("toolcache: index schema version is incompatible")
	ErrSizeMismatch        = errors.New("toolcache: file size does not match manifest")
	ErrUnsafeName          = errors.New("toolcache: file name escapes toolchain directory")
	ErrNotCached           = errors.New("toolcache: file not cached")
)

const (
	schemaVersion = 1
	indexName     = "index.json"
	blobDir       = "blobs"
	toolchainDir  = "toolchains"
)

// Entry is one cached file.
type Entry struct {
	Name      string    `json:"name"`
	Hash      uint64    `json:"hash"`
	Timestamp uint64    `json:"timestamp"`
	Size      uint64    `json:"size"`
	Checksum  uint32    `json:"crc32"`
	StoredAt  time.Time `json:"stored_at"`
}

// FileRef names a file inside a toolchain.
type FileRef struct {
	Name      string
	Hash      uint64
	Timestamp uint64
}

type indexData struct {
	SchemaVer int     `json:"schema_ver"`
	Entries   []Entry `json:"entries"`
}

type key struct {
	hash      uint64
	timestamp uint64
}

func (k key) blobName() string {
	return fmt.Sprintf("%016x-%016x", k.hash, k.timestamp)
}

// Cache is the local toolchain file store.
type Cache struct {
	dir string

	mu      sync.Mutex
	entries map[key]Entry
	dirty   bool
}

// Open loads or creates a cache rooted at dir. Index entries whose blob is
// missing are dropped.
func Open(dir string) (*Cache, error) {
	for _, d := range []string{dir, filepath.Join(dir, blobDir), filepath.Join(dir, toolchainDir)} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("toolcache: create %s: %w", d, err)
		}
	}

	c := &Cache{dir: dir, entries: make(map[key]Entry)}
	data, err := c.loadIndex()
	if err != nil {
		return nil, err
	}
	for _, e := range data.Entries {
		k := key{e.Hash, e.Timestamp}
		fi, err := os.Stat(c.blobPath(k))
		if err != nil || uint64(fi.Size()) != e.Size {
			c.dirty = true
			continue
		}
		c.entries[k] = e
	}
	return c, nil
}

// Dir returns the cache root.
func (c *Cache) Dir() string {
	return c.dir
}

// Has reports whether a file with this content is stored.
func (c *Cache) Has(hash, timestamp, size uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key{hash, timestamp}]
	return ok && e.Size == size
}

// Put stores data as the content of (hash, timestamp). The index is not
// written until Flush.
func (c *Cache) Put(name string, hash, timestamp, size uint64, data []byte) error {
	if uint64(len(data)) != size {
		return fmt.Errorf("%w: %s has %d bytes, want %d", ErrSizeMismatch, name, len(data), size)
	}
	k := key{hash, timestamp}
	if err := writeAtomic(c.blobPath(k), data, 0o755); err != nil {
		return fmt.Errorf("toolcache: store %s: %w", name, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[k] = Entry{
		Name:      name,
		Hash:      hash,
		Timestamp: timestamp,
		Size:      size,
		Checksum:  crc32.ChecksumIEEE(data),
		StoredAt:  time.Now(),
	}
	c.dirty = true
	return nil
}

// Path returns the blob path for (hash, timestamp).
func (c *Cache) Path(hash, timestamp uint64) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := key{hash, timestamp}
	if _, ok := c.entries[k]; !ok {
		return "", false
	}
	return c.blobPath(k), true
}

// Entries returns all cached files ordered by name.
func (c *Cache) Entries() []Entry {
	c.mu.Lock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Timestamp < out[j].Timestamp
	})
	return out
}

// Flush writes the index if it changed since the last flush.
//
// Atomic write:
// 1. write a temp file next to index.json
// 2. rename over index.json
func (c *Cache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.dirty {
		return nil
	}

	data := indexData{SchemaVer: schemaVersion, Entries: make([]Entry, 0, len(c.entries))}
	for _, e := range c.entries {
		data.Entries = append(data.Entries, e)
	}
	sort.Slice(data.Entries, func(i, j int) bool {
		return data.Entries[i].Name < data.Entries[j].Name
	})

	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("toolcache: marshal index: %w", err)
	}
	if err := writeAtomic(filepath.Join(c.dir, indexName), jsonBytes, 0o644); err != nil {
		return fmt.Errorf("toolcache: write index: %w", err)
	}
	c.dirty = false
	return nil
}

// Verify recomputes every blob's checksum and drops the entries that no
// longer match, so the next manifest description requests them again. It
// returns the dropped entries.
func (c *Cache) Verify() ([]Entry, error) {
	var bad []Entry
	for _, e := range c.Entries() {
		k := key{e.Hash, e.Timestamp}
		data, err := os.ReadFile(c.blobPath(k))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return bad, fmt.Errorf("toolcache: verify %s: %w", e.Name, err)
		}
		if err == nil && crc32.ChecksumIEEE(data) == e.Checksum {
			continue
		}
		bad = append(bad, e)

		c.mu.Lock()
		delete(c.entries, k)
		c.dirty = true
		c.mu.Unlock()
		_ = os.Remove(c.blobPath(k))
	}
	return bad, nil
}

// ToolchainDir is where Materialize lays out toolchain id.
func (c *Cache) ToolchainDir(id types.ToolID) string {
	return filepath.Join(c.dir, toolchainDir, id.String())
}

// Materialize creates the directory tree of toolchain id from cached blobs.
// Files are hard linked when possible and copied otherwise.
func (c *Cache) Materialize(id types.ToolID, files []FileRef) (string, error) {
	root := c.ToolchainDir(id)
	for _, f := range files {
		if !filepath.IsLocal(f.Name) {
			return "", fmt.Errorf("%w: %q", ErrUnsafeName, f.Name)
		}
		src, ok := c.Path(f.Hash, f.Timestamp)
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrNotCached, f.Name)
		}
		dst := filepath.Join(root, filepath.FromSlash(f.Name))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return "", fmt.Errorf("toolcache: materialize %s: %w", f.Name, err)
		}
		if err := linkOrCopy(src, dst); err != nil {
			return "", fmt.Errorf("toolcache: materialize %s: %w", f.Name, err)
		}
	}
	return root, nil
}

func (c *Cache) blobPath(k key) string {
	return filepath.Join(c.dir, blobDir, k.blobName())
}

func (c *Cache) loadIndex() (indexData, error) {
	var data indexData
	jsonBytes, err := os.ReadFile(filepath.Join(c.dir, indexName))
	if err != nil {
		if os.IsNotExist(err) {
			return indexData{SchemaVer: schemaVersion}, nil
		}
		return data, fmt.Errorf("toolcache: read index: %w", err)
	}
	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return data, fmt.Errorf("%w: %v", ErrCorruptedIndex, err)
	}
	if data.SchemaVer != schemaVersion {
		return data, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, schemaVersion)
	}
	return data, nil
}

// writeAtomic writes through a uniquely named temp file so concurrent writers
// of the same path never interleave.
func writeAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

func linkOrCopy(src, dst string) error {
	_ = os.Remove(dst)
	if err := os.Link(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
