package manifest

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/distbuild/internal/protocol"
	"github.com/ChuLiYu/distbuild/pkg/types"
)

const tool types.ToolID = 0xabcdef

var threeFiles = []protocol.ManifestEntry{
	{Name: "bin/cc", Hash: 1, Timestamp: 10, Size: 100},
	{Name: "include/a.h", Hash: 2, Timestamp: 30, Size: 20},
	{Name: "include/b.h", Hash: 3, Timestamp: 20, Size: 30},
}

// cachedNames reports files present locally by name.
func cachedNames(names ...string) CacheFunc {
	set := make(map[string]bool)
	for _, n := range names {
		set[n] = true
	}
	return func(f File) bool { return set[f.Name] }
}

func TestAcquireUnknownRequestsManifest(t *testing.T) {
	r := NewRegistry()

	act := r.Acquire(tool, "c1")
	assert.Equal(t, ActionRequestManifest, act.Kind)
	assert.Equal(t, 1, r.Len())

	info, ok := r.Info(tool)
	require.True(t, ok)
	assert.Equal(t, types.ClientID("c1"), info.Source)
	assert.False(t, info.Described)
	assert.False(t, r.IsSynchronized(tool))

	// same toolchain from a second client while syncing: no duplicate request
	assert.Equal(t, ActionWait, r.Acquire(tool, "c2").Kind)
	// and from the source itself
	assert.Equal(t, ActionWait, r.Acquire(tool, "c1").Kind)
	assert.Equal(t, 1, r.Len())
}

func TestReceiveManifestRequestsOnlyMissing(t *testing.T) {
	r := NewRegistry()
	r.Acquire(tool, "c1")

	req, synced, err := r.ReceiveManifest(tool, "c1", threeFiles, cachedNames("bin/cc", "include/b.h"))
	require.NoError(t, err)
	assert.False(t, synced)
	assert.Equal(t, []uint32{1}, req)

	info, _ := r.Info(tool)
	assert.Equal(t, uint64(30), info.Timestamp)
	assert.Equal(t, Synchronized, info.Files[0].State)
	assert.Equal(t, Synchronizing, info.Files[1].State)
	assert.Equal(t, Synchronized, info.Files[2].State)

	f, err := r.BeginFile(tool, 1, "c1")
	require.NoError(t, err)
	assert.Equal(t, "include/a.h", f.Name)

	next, synced, err := r.FileStored(tool, 1, "c1")
	require.NoError(t, err)
	assert.True(t, synced)
	assert.Empty(t, next)
	assert.True(t, r.IsSynchronized(tool))

	info, _ = r.Info(tool)
	assert.Equal(t, types.NoClient, info.Source)

	// once synchronized every later job is ready immediately
	assert.Equal(t, ActionReady, r.Acquire(tool, "c2").Kind)
	// and no further file can be accepted
	_, _, err = r.FileStored(tool, 1, "c1")
	assert.True(t, errors.Is(err, ErrNotSource))
}

func TestReceiveManifestFullyCached(t *testing.T) {
	r := NewRegistry()
	r.Acquire(tool, "c1")

	req, synced, err := r.ReceiveManifest(tool, "c1", threeFiles, func(File) bool { return true })
	require.NoError(t, err)
	assert.True(t, synced)
	assert.Empty(t, req)
	assert.True(t, r.IsSynchronized(tool))
}

func TestEmptyManifestIsSynchronized(t *testing.T) {
	r := NewRegistry()
	r.Acquire(tool, "c1")

	_, synced, err := r.ReceiveManifest(tool, "c1", nil, nil)
	require.NoError(t, err)
	assert.True(t, synced)
}

func TestUnsolicitedMessagesRejected(t *testing.T) {
	r := NewRegistry()

	_, _, err := r.ReceiveManifest(tool, "c1", threeFiles, nil)
	assert.True(t, errors.Is(err, ErrUnknownManifest))

	r.Acquire(tool, "c1")
	_, _, err = r.ReceiveManifest(tool, "c2", threeFiles, nil)
	assert.True(t, errors.Is(err, ErrNotSource))

	_, _, err = r.ReceiveManifest(tool, "c1", threeFiles, cachedNames("bin/cc"))
	require.NoError(t, err)

	_, err = r.BeginFile(tool, 0, "c1")
	assert.True(t, errors.Is(err, ErrNotRequested), "cached file was never requested")

	_, err = r.BeginFile(tool, 3, "c1")
	assert.True(t, errors.Is(err, ErrBadFileIndex))

	_, err = r.BeginFile(tool, 1, "c2")
	assert.True(t, errors.Is(err, ErrNotSource))
}

func TestSourceDisconnectResumes(t *testing.T) {
	r := NewRegistry()
	r.Acquire(tool, "c1")
	req, _, err := r.ReceiveManifest(tool, "c1", threeFiles, nil)
	require.NoError(t, err)
	assert.Equal(t, []uint32{0, 1, 2}, req)

	_, _, err = r.FileStored(tool, 0, "c1")
	require.NoError(t, err)

	ids := r.ReleaseSource("c1")
	assert.Equal(t, []types.ToolID{tool}, ids)

	info, _ := r.Info(tool)
	assert.Equal(t, types.NoClient, info.Source)
	assert.Equal(t, Synchronized, info.Files[0].State)
	assert.Equal(t, NotSynchronized, info.Files[1].State)
	assert.Equal(t, NotSynchronized, info.Files[2].State)

	// another client picks up only what is still missing
	act := r.Acquire(tool, "c2")
	assert.Equal(t, ActionRequestFiles, act.Kind)
	assert.Equal(t, []uint32{1, 2}, act.Files)

	// late data from the old source is rejected
	_, _, err = r.FileStored(tool, 1, "c1")
	assert.True(t, errors.Is(err, ErrNotSource))

	for _, idx := range act.Files {
		_, _, err = r.FileStored(tool, idx, "c2")
		require.NoError(t, err)
	}
	assert.True(t, r.IsSynchronized(tool))
}

func TestReleaseBeforeDescriptionRerequestsManifest(t *testing.T) {
	r := NewRegistry()
	r.Acquire(tool, "c1")
	r.ReleaseSource("c1")

	assert.Equal(t, ActionRequestManifest, r.Acquire(tool, "c2").Kind)
}

func TestFileFailedResetsSync(t *testing.T) {
	r := NewRegistry()
	r.Acquire(tool, "c1")
	_, _, err := r.ReceiveManifest(tool, "c1", threeFiles, nil)
	require.NoError(t, err)

	// a different connection cannot reset someone else's sync
	assert.False(t, r.FileFailed(tool, "c2"))
	info, _ := r.Info(tool)
	assert.Equal(t, types.ClientID("c1"), info.Source)

	assert.True(t, r.FileFailed(tool, "c1"))
	info, _ = r.Info(tool)
	assert.Equal(t, types.NoClient, info.Source)
	for _, f := range info.Files {
		assert.Equal(t, NotSynchronized, f.State)
	}

	// another client resumes it
	act := r.Acquire(tool, "c2")
	assert.Equal(t, ActionRequestFiles, act.Kind)
	assert.Equal(t, []uint32{0, 1, 2}, act.Files)
}

func TestRequestWindowRefillsOnStore(t *testing.T) {
	r := NewRegistry(WithRequestWindow(2))
	assert.Equal(t, 2, r.Window())
	r.Acquire(tool, "c1")

	req, synced, err := r.ReceiveManifest(tool, "c1", threeFiles, nil)
	require.NoError(t, err)
	assert.False(t, synced)
	assert.Equal(t, []uint32{0, 1}, req)

	info, _ := r.Info(tool)
	assert.Equal(t, NotSynchronized, info.Files[2].State)

	// not yet requested
	_, err = r.BeginFile(tool, 2, "c1")
	assert.True(t, errors.Is(err, ErrNotRequested))

	next, synced, err := r.FileStored(tool, 0, "c1")
	require.NoError(t, err)
	assert.False(t, synced)
	assert.Equal(t, []uint32{2}, next)

	next, synced, err = r.FileStored(tool, 1, "c1")
	require.NoError(t, err)
	assert.False(t, synced)
	assert.Empty(t, next)

	next, synced, err = r.FileStored(tool, 2, "c1")
	require.NoError(t, err)
	assert.True(t, synced)
	assert.Empty(t, next)
}

func TestRequestWindowAppliesOnResume(t *testing.T) {
	entries := make([]protocol.ManifestEntry, 10)
	for i := range entries {
		entries[i] = protocol.ManifestEntry{Name: fmt.Sprintf("include/h%d.h", i), Hash: uint64(i), Size: 1}
	}

	r := NewRegistry(WithRequestWindow(4))
	r.Acquire(tool, "c1")
	req, _, err := r.ReceiveManifest(tool, "c1", entries, nil)
	require.NoError(t, err)
	assert.Equal(t, []uint32{0, 1, 2, 3}, req)

	_, _, err = r.FileStored(tool, 0, "c1")
	require.NoError(t, err)
	r.ReleaseSource("c1")

	act := r.Acquire(tool, "c2")
	assert.Equal(t, ActionRequestFiles, act.Kind)
	assert.Equal(t, []uint32{1, 2, 3, 4}, act.Files)
}

func TestRequestWindowIgnoresNonPositive(t *testing.T) {
	assert.Equal(t, DefaultRequestWindow, NewRegistry(WithRequestWindow(0)).Window())
}

func TestRefreshKeepsSynchronizedFiles(t *testing.T) {
	r := NewRegistry()
	r.Acquire(tool, "c1")
	_, _, err := r.ReceiveManifest(tool, "c1", threeFiles, cachedNames("bin/cc"))
	require.NoError(t, err)

	changed := append([]protocol.ManifestEntry(nil), threeFiles...)
	changed[1].Hash = 99

	req, synced, err := r.ReceiveManifest(tool, "c1", changed, nil)
	require.NoError(t, err)
	assert.False(t, synced)
	// file 0 kept, 1 changed, 2 was Synchronizing and is requested again
	assert.Equal(t, []uint32{1, 2}, req)
}

func TestReleaseSourceOnlyTouchesOwnManifests(t *testing.T) {
	r := NewRegistry()
	r.Acquire(1, "c1")
	r.Acquire(2, "c2")
	r.Acquire(3, "c1")

	assert.Equal(t, []types.ToolID{1, 3}, r.ReleaseSource("c1"))
	info, _ := r.Info(2)
	assert.Equal(t, types.ClientID("c2"), info.Source)
	assert.Empty(t, r.ReleaseSource("c1"))
}

func TestInfoCopiesFiles(t *testing.T) {
	r := NewRegistry()
	r.Acquire(tool, "c1")
	_, _, err := r.ReceiveManifest(tool, "c1", threeFiles, nil)
	require.NoError(t, err)

	info, _ := r.Info(tool)
	info.Files[0].State = Synchronized

	again, _ := r.Info(tool)
	assert.Equal(t, Synchronizing, again.Files[0].State)

	_, ok := r.Info(42)
	assert.False(t, ok)
}
