package lockmanager

import (
	"fmt"
	"sync"
	"testing"

	"github.com/caleberi/chunkfs/common"
	namespacemanager "github.com/caleberi/chunkfs/namespace_manager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFiles(t *testing.T, names ...string) []*namespacemanager.File {
	t.Helper()
	nm := namespacemanager.NewNameSpaceManager()
	out := make([]*namespacemanager.File, len(names))
	for i, name := range names {
		f, err := nm.CreateFile("/", name)
		require.NoError(t, err)
		out[i] = f
	}
	return out
}

func TestAcquireAndRelease(t *testing.T) {
	files := newFiles(t, "a", "b")
	lm := NewLockManager()

	require.NoError(t, lm.Acquire("c1", files[0]))
	require.NoError(t, lm.Acquire("c1", files[0]), "re-acquire is a no-op")

	err := lm.Acquire("c2", files[0])
	assert.Equal(t, common.Conflict, common.CodeOf(err))
	assert.EqualError(t, err, "File is locked by another client")

	err = lm.Acquire("c1", files[1])
	assert.Equal(t, common.LockViolation, common.CodeOf(err))

	assert.True(t, lm.Holds("c1", files[0]))
	assert.False(t, lm.Holds("c2", files[0]))
	assert.True(t, lm.IsLockedByOther("c2", files[0]))
	assert.False(t, lm.IsLockedByOther("c1", files[0]))
	assert.False(t, lm.IsLocked(files[1]))

	holder, ok := lm.HolderOf(files[0])
	require.True(t, ok)
	assert.Equal(t, common.ConnID("c1"), holder)

	released, ok := lm.Release("c1")
	require.True(t, ok)
	assert.Same(t, files[0], released)
	assert.False(t, lm.IsLocked(files[0]))

	_, ok = lm.Release("c1")
	assert.False(t, ok, "releasing without a lock is not an error")

	require.NoError(t, lm.Acquire("c2", files[0]))
	assert.Equal(t, 1, lm.Len())
}

func TestLockFollowsFileAcrossRename(t *testing.T) {
	nm := namespacemanager.NewNameSpaceManager()
	f, err := nm.CreateFile("/", "draft")
	require.NoError(t, err)

	lm := NewLockManager()
	require.NoError(t, lm.Acquire("c1", f))
	require.NoError(t, nm.Abort(f, "uid"))

	held, ok := lm.Held("c1")
	require.True(t, ok)
	assert.Same(t, f, held)
	assert.Equal(t, []common.LockInfo{{Conn: "c1", Path: "/draft"}}, lm.Snapshot())
}

func TestConcurrentAcquireSingleHolder(t *testing.T) {
	files := newFiles(t, "shared")
	lm := NewLockManager()

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := []common.ConnID{}
	for i := range 16 {
		wg.Add(1)
		go func(conn common.ConnID) {
			defer wg.Done()
			if lm.Acquire(conn, files[0]) == nil {
				mu.Lock()
				winners = append(winners, conn)
				mu.Unlock()
			}
		}(common.ConnID(fmt.Sprintf("conn-%d", i)))
	}
	wg.Wait()

	require.Len(t, winners, 1)
	holder, _ := lm.HolderOf(files[0])
	assert.Equal(t, winners[0], holder)
}
