package lockmanager

import (
	"sort"
	"sync"

	"github.com/caleberi/chunkfs/common"
	namespacemanager "github.com/caleberi/chunkfs/namespace_manager"
)

type holding struct {
	file *namespacemanager.File
	path common.Path
}

// LockManager maps a live connection to the one file it holds. A file is
// held by at most one connection; both directions are indexed.
type LockManager struct {
	mu     sync.Mutex
	byConn map[common.ConnID]holding
	byFile map[*namespacemanager.File]common.ConnID
}

func NewLockManager() *LockManager {
	return &LockManager{
		byConn: make(map[common.ConnID]holding),
		byFile: make(map[*namespacemanager.File]common.ConnID),
	}
}

// Acquire gives conn the lock on f. Acquiring a lock already held by conn
// is a no-op.
func (lm *LockManager) Acquire(conn common.ConnID, f *namespacemanager.File) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if holder, ok := lm.byFile[f]; ok {
		if holder == conn {
			return nil
		}
		return common.Errorf(common.Conflict, "File is locked by another client")
	}
	if current, ok := lm.byConn[conn]; ok {
		return common.Errorf(common.LockViolation,
			"connection already holds the lock on %s", current.path)
	}
	lm.byConn[conn] = holding{file: f, path: f.Path}
	lm.byFile[f] = conn
	return nil
}

// Release drops whatever lock conn holds and returns the file, if any.
func (lm *LockManager) Release(conn common.ConnID) (*namespacemanager.File, bool) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	h, ok := lm.byConn[conn]
	if !ok {
		return nil, false
	}
	delete(lm.byConn, conn)
	delete(lm.byFile, h.file)
	return h.file, true
}

// Held returns the file locked by conn.
func (lm *LockManager) Held(conn common.ConnID) (*namespacemanager.File, bool) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	h, ok := lm.byConn[conn]
	return h.file, ok
}

// Holds reports whether conn holds the lock on exactly f.
func (lm *LockManager) Holds(conn common.ConnID, f *namespacemanager.File) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	holder, ok := lm.byFile[f]
	return ok && holder == conn
}

func (lm *LockManager) HolderOf(f *namespacemanager.File) (common.ConnID, bool) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	holder, ok := lm.byFile[f]
	return holder, ok
}

func (lm *LockManager) IsLocked(f *namespacemanager.File) bool {
	_, ok := lm.HolderOf(f)
	return ok
}

// IsLockedByOther reports whether a connection other than conn holds f.
func (lm *LockManager) IsLockedByOther(conn common.ConnID, f *namespacemanager.File) bool {
	holder, ok := lm.HolderOf(f)
	return ok && holder != conn
}

func (lm *LockManager) Len() int {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return len(lm.byConn)
}

// Snapshot lists the current locks ordered by connection.
func (lm *LockManager) Snapshot() []common.LockInfo {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	out := make([]common.LockInfo, 0, len(lm.byConn))
	for conn, h := range lm.byConn {
		out = append(out, common.LockInfo{Conn: conn, Path: h.path})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Conn < out[j].Conn })
	return out
}
