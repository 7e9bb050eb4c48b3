package namespacemanager

import (
	"fmt"
	"path"

	"github.com/caleberi/chunkfs/common"
	"github.com/caleberi/chunkfs/wal"
)

// Apply replays one operation log entry with the same transitions the live
// handlers use.
func (nm *NamespaceManager) Apply(e wal.Entry) error {
	switch e.Command {
	case wal.OpCreateDir:
		_, err := nm.MkDir(e.Dir(), e.Name())
		return err

	case wal.OpCreate:
		_, err := nm.CreateFile(e.Dir(), e.Name())
		return err

	case wal.OpSetChunkLoc:
		f, err := nm.GetFile(e.Dir(), e.Name())
		if err != nil {
			return err
		}
		replicas, err := e.Replicas()
		if err != nil {
			return err
		}
		return nm.AddChunk(f, common.ChunkID(e.Args[2]), replicas)

	case wal.OpCommitFile:
		f, err := nm.GetFile(e.Dir(), e.Name())
		if err != nil {
			return err
		}
		return nm.Commit(f)

	case wal.OpDelete:
		f, err := nm.GetFile(e.Dir(), e.Name())
		if err != nil {
			return err
		}
		return nm.MarkDeleted(f)

	case wal.OpCommitDelete:
		f, err := nm.GetFile(e.Dir(), e.Name())
		if err != nil {
			return err
		}
		nm.Remove(f)
		return nil

	case wal.OpAbortFile:
		return nm.replayAbort(e.Dir(), e.Name(), e.Args[2])
	}
	return fmt.Errorf("cannot replay %q", e.Command)
}

// replayAbort accepts the directory of the file or, as older logs recorded
// it, the full path of the file itself.
func (nm *NamespaceManager) replayAbort(dir, name, uid string) error {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	f, err := nm.lookup(dir, name)
	if err != nil && path.Base(path.Clean("/"+dir)) == name {
		f, err = nm.lookup(path.Dir(path.Clean("/"+dir)), name)
	}
	if err != nil {
		return err
	}
	return nm.abort(f, uid)
}
