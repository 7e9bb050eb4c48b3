package namespacemanager

import (
	"sort"
	"sync"

	"github.com/caleberi/chunkfs/common"
	"github.com/caleberi/chunkfs/utils"
)

// Directory is a node of the namespace tree. Files and subdirectories live
// in separate name spaces.
type Directory struct {
	Path    common.Path
	files   map[string]*File
	subdirs map[string]*Directory
}

func newDirectory(p common.Path) *Directory {
	return &Directory{
		Path:    p,
		files:   make(map[string]*File),
		subdirs: make(map[string]*Directory),
	}
}

// File is a namespace entry. Its identity is the pointer: locks refer to the
// *File, so a tombstone rename does not break lock ownership.
type File struct {
	Name   string
	Path   common.Path
	Status common.FileStatus

	parent *Directory
	chunks []common.ChunkLocation
}

// Chunks returns a copy of the file's chunks in the order they were added.
func (f *File) Chunks() []common.ChunkLocation {
	out := make([]common.ChunkLocation, len(f.chunks))
	for i, c := range f.chunks {
		out[i] = common.ChunkLocation{
			ID:       c.ID,
			Replicas: append([]common.ServerIndex(nil), c.Replicas...),
		}
	}
	return out
}

// Replicas returns the replica set recorded for id.
func (f *File) Replicas(id common.ChunkID) ([]common.ServerIndex, bool) {
	for _, c := range f.chunks {
		if c.ID == id {
			return append([]common.ServerIndex(nil), c.Replicas...), true
		}
	}
	return nil, false
}

// Dir is the canonical path of the directory currently holding the file.
func (f *File) Dir() string {
	if f.parent == nil {
		return ""
	}
	return string(f.parent.Path)
}

func (f *File) Info() common.FileInfo {
	return common.FileInfo{Name: f.Name, Path: f.Path, Status: f.Status, Chunks: f.Chunks()}
}

// NamespaceManager owns the directory tree. Every exported method is atomic
// with respect to the others; callers that must combine several steps with
// other state (the operation log, the lock table) serialize above this layer.
type NamespaceManager struct {
	mu   sync.RWMutex
	root *Directory
}

func NewNameSpaceManager() *NamespaceManager {
	return &NamespaceManager{root: newDirectory("/")}
}

// resolve descends from the root one segment at a time.
func (nm *NamespaceManager) resolve(dir string) (*Directory, error) {
	current := nm.root
	for _, seg := range utils.SplitDir(dir) {
		child, ok := current.subdirs[seg]
		if !ok {
			return nil, common.Errorf(common.NotFound, "Directory does not exist")
		}
		current = child
	}
	return current, nil
}

func (nm *NamespaceManager) lookup(dir, name string) (*File, error) {
	d, err := nm.resolve(dir)
	if err != nil {
		return nil, err
	}
	f, ok := d.files[name]
	if !ok {
		return nil, common.Errorf(common.NotFound, "File does not exist")
	}
	return f, nil
}

// DirExists reports whether dir resolves.
func (nm *NamespaceManager) DirExists(dir string) bool {
	nm.mu.RLock()
	defer nm.mu.RUnlock()
	_, err := nm.resolve(dir)
	return err == nil
}

// CheckMkDir reports the error MkDir would return without changing the tree.
func (nm *NamespaceManager) CheckMkDir(dir, name string) error {
	nm.mu.RLock()
	defer nm.mu.RUnlock()
	_, err := nm.checkMkDir(dir, name)
	return err
}

func (nm *NamespaceManager) checkMkDir(dir, name string) (*Directory, error) {
	if err := utils.ValidateName(name); err != nil {
		return nil, common.Errorf(common.InvalidArgument, "%v", err)
	}
	parent, err := nm.resolve(dir)
	if err != nil {
		return nil, err
	}
	if _, ok := parent.subdirs[name]; ok {
		return nil, common.Errorf(common.Conflict, "Directory already exists")
	}
	return parent, nil
}

// MkDir adds the subdirectory name under dir. The parent must exist.
func (nm *NamespaceManager) MkDir(dir, name string) (*Directory, error) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	parent, err := nm.checkMkDir(dir, name)
	if err != nil {
		return nil, err
	}
	child := newDirectory(common.Path(utils.JoinPath(string(parent.Path), name)))
	parent.subdirs[name] = child
	return child, nil
}

// CheckCreate reports the error CreateFile would return without changing
// the tree.
func (nm *NamespaceManager) CheckCreate(dir, name string) error {
	nm.mu.RLock()
	defer nm.mu.RUnlock()
	_, err := nm.checkCreate(dir, name)
	return err
}

func (nm *NamespaceManager) checkCreate(dir, name string) (*Directory, error) {
	if err := utils.ValidateName(name); err != nil {
		return nil, common.Errorf(common.InvalidArgument, "%v", err)
	}
	parent, err := nm.resolve(dir)
	if err != nil {
		return nil, err
	}
	if existing, ok := parent.files[name]; ok {
		switch existing.Status {
		case common.Committed:
			return nil, common.Errorf(common.Conflict, "File already exists")
		case common.Deleted:
			return nil, common.Errorf(common.Conflict, "File is being deleted by another user")
		default:
			return nil, common.Errorf(common.Conflict, "File is being written by another user")
		}
	}
	return parent, nil
}

// CreateFile inserts a CREATING file. An existing entry of the same name in
// any status is a Conflict and leaves the tree untouched.
func (nm *NamespaceManager) CreateFile(dir, name string) (*File, error) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	parent, err := nm.checkCreate(dir, name)
	if err != nil {
		return nil, err
	}
	f := &File{
		Name:   name,
		Path:   common.Path(utils.JoinPath(string(parent.Path), name)),
		Status: common.Creating,
		parent: parent,
	}
	parent.files[name] = f
	return f, nil
}

// GetFile resolves dir/name.
func (nm *NamespaceManager) GetFile(dir, name string) (*File, error) {
	nm.mu.RLock()
	defer nm.mu.RUnlock()
	return nm.lookup(dir, name)
}

// AddChunk records a chunk and its replicas against a CREATING file.
func (nm *NamespaceManager) AddChunk(f *File, id common.ChunkID, replicas []common.ServerIndex) error {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	if f.Status != common.Creating {
		return common.Errorf(common.LockViolation, "File is not being written")
	}
	if _, ok := f.Replicas(id); ok {
		return common.Errorf(common.Conflict, "chunk %s already recorded", id)
	}
	f.chunks = append(f.chunks, common.ChunkLocation{
		ID:       id,
		Replicas: append([]common.ServerIndex(nil), replicas...),
	})
	return nil
}

// Commit moves a CREATING file to COMMITTED.
func (nm *NamespaceManager) Commit(f *File) error {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	if f.Status != common.Creating {
		return common.Errorf(common.LockViolation, "File is not being written")
	}
	f.Status = common.Committed
	return nil
}

// MarkDeleted moves a COMMITTED file to DELETED.
func (nm *NamespaceManager) MarkDeleted(f *File) error {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	if f.Status != common.Committed {
		return common.Errorf(common.NotCommitted, "File not committed")
	}
	f.Status = common.Deleted
	return nil
}

// Remove drops the file from its directory. Removing a file that is no
// longer attached is a no-op.
func (nm *NamespaceManager) Remove(f *File) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	if f.parent == nil {
		return
	}
	if current, ok := f.parent.files[f.Name]; ok && current == f {
		delete(f.parent.files, f.Name)
	}
	f.parent = nil
}

// TombstoneName is the name an aborted file is kept under.
func TombstoneName(uid string) string {
	return common.AbortedFilePrefix + uid
}

// Abort tombstones a non-COMMITTED file: it leaves its name, is kept under
// TombstoneName(uid) and becomes ABORTED.
func (nm *NamespaceManager) Abort(f *File, uid string) error {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	return nm.abort(f, uid)
}

func (nm *NamespaceManager) abort(f *File, uid string) error {
	if f.Status == common.Committed {
		return common.Errorf(common.Conflict, "File already committed")
	}
	if f.parent == nil {
		return common.Errorf(common.NotFound, "File does not exist")
	}
	tombstone := TombstoneName(uid)
	if _, taken := f.parent.files[tombstone]; taken {
		return common.Errorf(common.Conflict, "tombstone %s already exists", tombstone)
	}

	delete(f.parent.files, f.Name)
	f.Name = tombstone
	f.Path = common.Path(utils.JoinPath(string(f.parent.Path), tombstone))
	f.Status = common.Aborted
	f.parent.files[tombstone] = f
	return nil
}

// List returns the COMMITTED file names and all subdirectory names of dir,
// both sorted.
func (nm *NamespaceManager) List(dir string) ([]string, []string, error) {
	nm.mu.RLock()
	defer nm.mu.RUnlock()

	d, err := nm.resolve(dir)
	if err != nil {
		return nil, nil, err
	}
	files := make([]string, 0, len(d.files))
	for name, f := range d.files {
		if f.Status == common.Committed {
			files = append(files, name)
		}
	}
	dirs := make([]string, 0, len(d.subdirs))
	for name := range d.subdirs {
		dirs = append(dirs, name)
	}
	sort.Strings(files)
	sort.Strings(dirs)
	return files, dirs, nil
}

// Walk visits every file of the tree breadth first, tombstones included.
// The callback runs after the tree lock is released.
func (nm *NamespaceManager) Walk(fn func(*File)) {
	nm.mu.RLock()
	var files []*File
	queue := utils.Deque[*Directory]{}
	queue.PushBack(nm.root)
	for !queue.IsEmpty() {
		current := queue.PopFront()
		for _, f := range current.files {
			files = append(files, f)
		}
		for _, child := range current.subdirs {
			queue.PushBack(child)
		}
	}
	nm.mu.RUnlock()

	for _, f := range files {
		fn(f)
	}
}
