package namespacemanager

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/caleberi/chunkfs/common"
	"github.com/caleberi/chunkfs/wal"
	"github.com/jaswdr/faker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMkDirRequiresParentAndUniqueName(t *testing.T) {
	nm := NewNameSpaceManager()

	d, err := nm.MkDir("/", "a")
	require.NoError(t, err)
	assert.Equal(t, common.Path("/a"), d.Path)

	_, err = nm.MkDir("/a", "b")
	require.NoError(t, err)

	_, err = nm.MkDir("/a", "b")
	assert.Equal(t, common.Conflict, common.CodeOf(err))
	assert.EqualError(t, err, "Directory already exists")

	_, err = nm.MkDir("/missing", "x")
	assert.Equal(t, common.NotFound, common.CodeOf(err))
	assert.EqualError(t, err, "Directory does not exist")

	_, err = nm.MkDir("/", "bad name")
	assert.Equal(t, common.InvalidArgument, common.CodeOf(err))

	assert.True(t, nm.DirExists("a/b/"))
	assert.False(t, nm.DirExists("/a/c"))
}

func TestFileLifecycle(t *testing.T) {
	nm := NewNameSpaceManager()
	_, err := nm.MkDir("/", "a")
	require.NoError(t, err)

	f, err := nm.CreateFile("/a", "f")
	require.NoError(t, err)
	assert.Equal(t, common.Creating, f.Status)
	assert.Equal(t, common.Path("/a/f"), f.Path)
	assert.Equal(t, "/a", f.Dir())

	files, _, err := nm.List("/a")
	require.NoError(t, err)
	assert.Empty(t, files, "CREATING files are not listed")

	_, err = nm.CreateFile("/a", "f")
	assert.EqualError(t, err, "File is being written by another user")

	require.NoError(t, nm.AddChunk(f, "c1", []common.ServerIndex{0, 2}))
	require.NoError(t, nm.AddChunk(f, "c2", []common.ServerIndex{1}))
	assert.Error(t, nm.AddChunk(f, "c1", nil))

	require.NoError(t, nm.Commit(f))
	assert.Equal(t, common.LockViolation, common.CodeOf(nm.AddChunk(f, "c3", nil)))
	assert.Error(t, nm.Commit(f))

	files, _, err = nm.List("/a")
	require.NoError(t, err)
	assert.Equal(t, []string{"f"}, files)

	_, err = nm.CreateFile("/a", "f")
	assert.Equal(t, common.Conflict, common.CodeOf(err))
	assert.EqualError(t, err, "File already exists")

	chunks := f.Chunks()
	require.Len(t, chunks, 2)
	assert.Equal(t, common.ChunkID("c1"), chunks[0].ID)
	assert.Equal(t, []common.ServerIndex{0, 2}, chunks[0].Replicas)

	require.NoError(t, nm.MarkDeleted(f))
	assert.Equal(t, common.NotCommitted, common.CodeOf(nm.MarkDeleted(f)))
	_, err = nm.CreateFile("/a", "f")
	assert.Equal(t, common.Conflict, common.CodeOf(err))

	nm.Remove(f)
	_, err = nm.GetFile("/a", "f")
	assert.EqualError(t, err, "File does not exist")
	nm.Remove(f)

	_, err = nm.CreateFile("/a", "f")
	assert.NoError(t, err, "name is free again after removal")
}

func TestAbortTombstonesFile(t *testing.T) {
	nm := NewNameSpaceManager()
	f, err := nm.CreateFile("/", "draft")
	require.NoError(t, err)
	require.NoError(t, nm.AddChunk(f, "c1", []common.ServerIndex{0}))

	require.NoError(t, nm.Abort(f, "uid-1"))
	assert.Equal(t, common.Aborted, f.Status)
	assert.Equal(t, TombstoneName("uid-1"), f.Name)
	assert.True(t, strings.HasPrefix(f.Name, common.AbortedFilePrefix))
	assert.Equal(t, common.Path("/__aborted__uid-1"), f.Path)

	_, err = nm.GetFile("/", "draft")
	assert.Equal(t, common.NotFound, common.CodeOf(err))
	tomb, err := nm.GetFile("/", f.Name)
	require.NoError(t, err)
	assert.Same(t, f, tomb)
	assert.Len(t, tomb.Chunks(), 1)

	files, _, err := nm.List("/")
	require.NoError(t, err)
	assert.Empty(t, files)

	committed, err := nm.CreateFile("/", "done")
	require.NoError(t, err)
	require.NoError(t, nm.Commit(committed))
	assert.Error(t, nm.Abort(committed, "uid-2"))
}

func TestWalkVisitsTombstonesAndNestedFiles(t *testing.T) {
	nm := NewNameSpaceManager()
	fake := faker.New()

	expected := map[string]bool{}
	dir := "/"
	for depth := range 3 {
		name := fmt.Sprintf("%s%d", fake.Lorem().Word(), depth)
		d, err := nm.MkDir(dir, name)
		require.NoError(t, err)
		dir = string(d.Path)

		f, err := nm.CreateFile(dir, "file")
		require.NoError(t, err)
		expected[string(f.Path)] = true
	}
	tomb, err := nm.CreateFile("/", "aborted")
	require.NoError(t, err)
	require.NoError(t, nm.Abort(tomb, "x"))
	expected[string(tomb.Path)] = true

	seen := map[string]bool{}
	nm.Walk(func(f *File) { seen[string(f.Path)] = true })
	assert.Equal(t, expected, seen)
}

func TestConcurrentCreateHasSingleWinner(t *testing.T) {
	nm := NewNameSpaceManager()
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := nm.CreateFile("/", "race"); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}

func replayLines(t *testing.T, nm *NamespaceManager, lines ...string) {
	t.Helper()
	for _, line := range lines {
		e, err := wal.ParseEntry(line)
		require.NoError(t, err, line)
		require.NoError(t, nm.Apply(e), line)
	}
}

func TestReplayRebuildsCommittedFile(t *testing.T) {
	nm := NewNameSpaceManager()
	replayLines(t, nm,
		"create_dir / a",
		"create a/ f",
		"set_chunk_loc a/ f c1 [0,1]",
		"commit_file a/ f",
	)

	f, err := nm.GetFile("/a", "f")
	require.NoError(t, err)
	assert.Equal(t, common.Committed, f.Status)
	replicas, ok := f.Replicas("c1")
	require.True(t, ok)
	assert.Equal(t, []common.ServerIndex{0, 1}, replicas)
}

func TestReplayDeleteAndAbort(t *testing.T) {
	nm := NewNameSpaceManager()
	replayLines(t, nm,
		"create_dir / a",
		"create /a gone",
		"commit_file /a gone",
		"delete /a gone",
		"commit_delete /a gone",
		"create /a pending",
		"abort_file /a pending u1",
		"create /a legacy",
		"abort_file /a/legacy legacy u2",
		"create /a open",
		"create /a kept",
		"commit_file /a kept",
		"delete /a kept",
	)

	_, err := nm.GetFile("/a", "gone")
	assert.Equal(t, common.NotFound, common.CodeOf(err))

	for _, uid := range []string{"u1", "u2"} {
		tomb, err := nm.GetFile("/a", TombstoneName(uid))
		require.NoError(t, err)
		assert.Equal(t, common.Aborted, tomb.Status)
	}

	open, err := nm.GetFile("/a", "open")
	require.NoError(t, err)
	assert.Equal(t, common.Creating, open.Status, "unterminated create stays CREATING")

	kept, err := nm.GetFile("/a", "kept")
	require.NoError(t, err)
	assert.Equal(t, common.Deleted, kept.Status)

	files, dirs, err := nm.List("/")
	require.NoError(t, err)
	assert.Empty(t, files)
	assert.Equal(t, []string{"a"}, dirs)
}

func TestReplayRejectsInconsistentLog(t *testing.T) {
	nm := NewNameSpaceManager()
	e, err := wal.ParseEntry("commit_file /nowhere f")
	require.NoError(t, err)
	assert.Equal(t, common.NotFound, common.CodeOf(nm.Apply(e)))

	replayLines(t, nm, "create / f", "commit_file / f")
	e, err = wal.ParseEntry("commit_file / f")
	require.NoError(t, err)
	assert.Error(t, nm.Apply(e))
}
