package master_server

import (
	"fmt"
	"net"
	"runtime/debug"
	"time"

	"github.com/caleberi/chunkfs/common"
	namespacemanager "github.com/caleberi/chunkfs/namespace_manager"
	"github.com/caleberi/chunkfs/rpc_struct"
	"github.com/caleberi/chunkfs/shared"
	"github.com/caleberi/chunkfs/utils"
	"github.com/caleberi/chunkfs/wal"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// session is one client connection. Its identity keys the lock table.
type session struct {
	id   common.ConnID
	conn net.Conn
}

func connID(conn net.Conn) common.ConnID {
	return common.ConnID(conn.RemoteAddr().String() + "->" + conn.LocalAddr().String())
}

type handlerFunc func(ma *MasterServer, s *session, dir, name string) (any, error)

// fileCommands take (dir, name).
var fileCommands = map[string]handlerFunc{
	rpc_struct.MCreateDir:    (*MasterServer).handleCreateDir,
	rpc_struct.MCreateFile:   (*MasterServer).handleCreateFile,
	rpc_struct.MSetChunkLoc:  (*MasterServer).handleSetChunkLoc,
	rpc_struct.MCommitFile:   (*MasterServer).handleCommitFile,
	rpc_struct.MReadFile:     (*MasterServer).handleReadFile,
	rpc_struct.MDeleteFile:   (*MasterServer).handleDeleteFile,
	rpc_struct.MCommitDelete: (*MasterServer).handleCommitDelete,
	rpc_struct.MFileFailed:   (*MasterServer).handleFileFailed,
}

// serveConn reads request frames until the client closes, sends close, or
// the transport fails. Every exit path releases the connection's lock and
// aborts an in-flight file.
func (ma *MasterServer) serveConn(conn net.Conn) {
	s := &session{id: connID(conn), conn: conn}
	ma.metrics.ConnectionOpened()
	log.Debug().Str("conn", string(s.id)).Msg("client connected")

	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("conn", string(s.id)).Msgf("handler panic: %v\n%s", r, debug.Stack())
		}
		ma.releaseAndMaybeAbort(s.id)
		conn.Close()
		ma.metrics.ConnectionClosed()
		log.Debug().Str("conn", string(s.id)).Msg("client disconnected")
	}()

	for {
		raw, err := shared.ReadRawFrame(conn, ma.cfg.MessageSize)
		if err != nil {
			if ma.ctx.Err() == nil {
				log.Info().Str("conn", string(s.id)).Err(err).Msg("connection ended")
			}
			return
		}

		var req rpc_struct.Request
		if err := shared.DecodeFrame(raw, &req); err != nil {
			if !ma.reply(s, rpc_struct.Failed(err.Error())) {
				return
			}
			continue
		}
		if req.Function == rpc_struct.MClose {
			ma.metrics.RecordRequest(req.Function, "ok", 0)
			return
		}
		if !ma.dispatch(s, req) {
			return
		}
	}
}

// dispatch runs one request and reports whether the connection is still
// usable.
func (ma *MasterServer) dispatch(s *session, req rpc_struct.Request) bool {
	start := time.Now()
	reply, err := ma.handle(s, req)

	result := "ok"
	if err != nil {
		result = common.CodeOf(err).String()
	}
	ma.metrics.RecordRequest(req.Function, result, time.Since(start))

	if common.CodeOf(err) == common.TransportError {
		log.Info().Str("conn", string(s.id)).Err(err).Msgf("transport failed during %s", req.Function)
		return false
	}
	if err != nil {
		log.Debug().Str("conn", string(s.id)).Err(err).Msgf("%s rejected", req.Function)
		return ma.reply(s, rpc_struct.Failed(err.Error()))
	}
	if reply == nil {
		return true
	}
	return ma.reply(s, reply)
}

func (ma *MasterServer) handle(s *session, req rpc_struct.Request) (any, error) {
	if req.SenderType != common.SenderClient {
		return nil, common.Errorf(common.ProtocolError, "unexpected sender type %q", req.SenderType)
	}
	if req.Function == rpc_struct.MListFiles {
		args, err := req.StringArgs(1)
		if err != nil {
			return nil, err
		}
		return ma.handleListFiles(args[0])
	}

	h, ok := fileCommands[req.Function]
	if !ok {
		return nil, common.Errorf(common.ProtocolError, "unknown command %q", req.Function)
	}
	args, err := req.StringArgs(2)
	if err != nil {
		return nil, err
	}
	return h(ma, s, args[0], args[1])
}

// reply writes v as one frame. A reply too large for the frame width is
// replaced by a failure status so the client is never left waiting.
func (ma *MasterServer) reply(s *session, v any) bool {
	err := shared.WriteFrame(s.conn, ma.cfg.MessageSize, v)
	if common.CodeOf(err) == common.ProtocolError {
		log.Info().Str("conn", string(s.id)).Err(err).Msg("reply refused, sending failure instead")
		err = shared.WriteFrame(s.conn, ma.cfg.MessageSize, rpc_struct.Failed(err.Error()))
	}
	if err != nil {
		log.Info().Str("conn", string(s.id)).Err(err).Msg("cannot write reply")
		return common.CodeOf(err) != common.TransportError
	}
	return true
}

// releaseAndMaybeAbort drops conn's lock. A file that never reached
// COMMITTED is tombstoned so the chunk audit can reclaim its chunks.
func (ma *MasterServer) releaseAndMaybeAbort(conn common.ConnID) {
	ma.Lock()
	defer ma.Unlock()

	f, ok := ma.locks.Held(conn)
	if !ok {
		return
	}
	if f.Status == common.Committed || f.Status == common.Aborted {
		ma.locks.Release(conn)
		return
	}
	ma.abortFile(conn, f)
}

// abortFile logs and applies the abort of f and releases conn's lock.
// Callers hold the master lock. When the log is unavailable the file is left
// untouched and only the lock is dropped.
func (ma *MasterServer) abortFile(conn common.ConnID, f *namespacemanager.File) {
	defer ma.locks.Release(conn)

	uid := uuid.NewString()
	if err := ma.appendLog(wal.NewEntry(wal.OpAbortFile, f.Dir(), f.Name, uid)); err != nil {
		return
	}
	from := f.Path
	if err := ma.namespace.Abort(f, uid); err != nil {
		log.Err(err).Stack().Msgf("cannot abort %s", from)
		return
	}
	log.Info().Str("conn", string(conn)).Msgf("aborted %s as %s", from, f.Path)
}

func validateTarget(dir, name string) error {
	if err := utils.ValidateDir(dir); err != nil {
		return common.Errorf(common.InvalidArgument, "%v", err)
	}
	if err := utils.ValidateName(name); err != nil {
		return common.Errorf(common.InvalidArgument, "%v", err)
	}
	return nil
}

func (ma *MasterServer) handleCreateDir(_ *session, dir, name string) (any, error) {
	if err := validateTarget(dir, name); err != nil {
		return nil, err
	}

	ma.Lock()
	defer ma.Unlock()

	if err := ma.namespace.CheckMkDir(dir, name); err != nil {
		return nil, err
	}
	if err := ma.appendLog(wal.NewEntry(wal.OpCreateDir, utils.CanonicalDir(dir), name)); err != nil {
		return nil, err
	}
	if _, err := ma.namespace.MkDir(dir, name); err != nil {
		return nil, err
	}
	return rpc_struct.OK("Directory Created"), nil
}

func (ma *MasterServer) handleCreateFile(s *session, dir, name string) (any, error) {
	if err := validateTarget(dir, name); err != nil {
		return nil, err
	}

	ma.Lock()
	defer ma.Unlock()

	if held, ok := ma.locks.Held(s.id); ok {
		return nil, common.Errorf(common.LockViolation,
			"connection already holds the lock on %s", held.Path)
	}
	if err := ma.namespace.CheckCreate(dir, name); err != nil {
		return nil, err
	}
	if err := ma.appendLog(wal.NewEntry(wal.OpCreate, utils.CanonicalDir(dir), name)); err != nil {
		return nil, err
	}
	f, err := ma.namespace.CreateFile(dir, name)
	if err != nil {
		return nil, err
	}
	if err := ma.locks.Acquire(s.id, f); err != nil {
		return nil, err
	}
	return rpc_struct.OK("File Created"), nil
}

// writerFile returns dir/name when s holds its lock and it is CREATING.
// Callers hold the master lock.
func (ma *MasterServer) writerFile(s *session, dir, name string) (*namespacemanager.File, error) {
	f, err := ma.namespace.GetFile(dir, name)
	if err != nil {
		return nil, err
	}
	if !ma.locks.Holds(s.id, f) {
		return nil, common.Errorf(common.LockViolation, "File is not locked by this client")
	}
	if f.Status != common.Creating {
		return nil, common.Errorf(common.LockViolation, "File is not being written")
	}
	return f, nil
}

func (ma *MasterServer) handleSetChunkLoc(s *session, dir, name string) (any, error) {
	ma.fleet.Lock()
	defer ma.fleet.Unlock()
	ma.Lock()
	defer ma.Unlock()

	f, err := ma.writerFile(s, dir, name)
	if err != nil {
		return nil, err
	}

	replicas := ma.fleet.ChooseReplicas(ma.cfg.ReplicationFactor)
	if len(replicas) == 0 {
		return nil, common.Errorf(common.Unavailable, "No live chunk servers")
	}
	id := common.ChunkID(uuid.NewString())

	entry, err := wal.NewSetChunkLoc(f.Dir(), f.Name, id, replicas)
	if err != nil {
		return nil, err
	}
	if err := ma.appendLog(entry); err != nil {
		return nil, err
	}
	if err := ma.namespace.AddChunk(f, id, replicas); err != nil {
		return nil, err
	}
	return rpc_struct.ChunkLocReply{Status: common.StatusOK, ChunkID: id, ChunkLocs: replicas}, nil
}

func (ma *MasterServer) handleCommitFile(s *session, dir, name string) (any, error) {
	ma.Lock()
	defer ma.Unlock()

	f, err := ma.writerFile(s, dir, name)
	if err != nil {
		return nil, err
	}
	if err := ma.appendLog(wal.NewEntry(wal.OpCommitFile, f.Dir(), f.Name)); err != nil {
		return nil, err
	}
	if err := ma.namespace.Commit(f); err != nil {
		return nil, err
	}
	ma.locks.Release(s.id)
	return rpc_struct.OK("File Committed"), nil
}

func (ma *MasterServer) handleListFiles(dir string) (any, error) {
	files, dirs, err := ma.List(dir)
	if err != nil {
		return nil, err
	}
	return rpc_struct.ListReply{Status: common.StatusOK, Data: files, Directories: dirs}, nil
}

// handleReadFile locks the file for the duration of the stream and waits
// for the client's acknowledgement before releasing it.
func (ma *MasterServer) handleReadFile(s *session, dir, name string) (any, error) {
	chunks, err := ma.lockForRead(s, dir, name)
	if err != nil {
		return nil, err
	}
	defer func() {
		ma.Lock()
		ma.locks.Release(s.id)
		ma.Unlock()
	}()

	if err := ma.streamChunks(s, chunks); err != nil {
		return nil, err
	}

	var ack rpc_struct.StatusReply
	if err := shared.ReadFrame(s.conn, ma.cfg.MessageSize, &ack); err != nil {
		if common.CodeOf(err) == common.TransportError {
			return nil, err
		}
		log.Warn().Str("conn", string(s.id)).Err(err).Msg("unreadable read acknowledgement")
		return nil, nil
	}
	if ack.Status != common.StatusOK {
		log.Info().Str("conn", string(s.id)).Msgf("read of %s acknowledged with status %d", utils.JoinPath(dir, name), ack.Status)
	}
	return nil, nil
}

func (ma *MasterServer) lockForRead(s *session, dir, name string) ([]common.ChunkLocation, error) {
	ma.Lock()
	defer ma.Unlock()

	f, err := ma.namespace.GetFile(dir, name)
	if err != nil {
		return nil, err
	}
	if f.Status != common.Committed {
		return nil, common.Errorf(common.NotCommitted, "File not committed")
	}
	if ma.locks.IsLockedByOther(s.id, f) {
		return nil, common.Errorf(common.Conflict, "File is locked by another client")
	}
	if err := ma.locks.Acquire(s.id, f); err != nil {
		return nil, err
	}
	return f.Chunks(), nil
}

// streamChunks writes one frame per chunk and the terminal frame. A frame
// refused for its size stops the stream; the caller's error reply then
// terminates it with a failure status.
func (ma *MasterServer) streamChunks(s *session, chunks []common.ChunkLocation) error {
	for _, c := range chunks {
		frame := rpc_struct.ChunkStreamFrame{Status: common.StatusOK, ChunkID: c.ID, ChunkLoc: c.Replicas}
		if err := shared.WriteFrame(s.conn, ma.cfg.MessageSize, frame); err != nil {
			return err
		}
	}
	return shared.WriteFrame(s.conn, ma.cfg.MessageSize, rpc_struct.Done())
}

// handleDeleteFile marks the file DELETED and streams its chunk locations.
// The lock stays with the caller until commit_delete or disconnect. When
// the stream cannot be sent the file is aborted at once and left to the
// chunk audit.
func (ma *MasterServer) handleDeleteFile(s *session, dir, name string) (any, error) {
	chunks, err := ma.markDeleted(s, dir, name)
	if err != nil {
		return nil, err
	}
	if err := ma.streamChunks(s, chunks); err != nil {
		if common.CodeOf(err) != common.TransportError {
			ma.releaseAndMaybeAbort(s.id)
		}
		return nil, err
	}
	return nil, nil
}

func (ma *MasterServer) markDeleted(s *session, dir, name string) ([]common.ChunkLocation, error) {
	ma.Lock()
	defer ma.Unlock()

	f, err := ma.namespace.GetFile(dir, name)
	if err != nil {
		return nil, err
	}
	if f.Status != common.Committed {
		return nil, common.Errorf(common.NotCommitted, "File not committed")
	}
	if ma.locks.IsLockedByOther(s.id, f) {
		return nil, common.Errorf(common.Conflict, "File is locked by another client")
	}
	if held, ok := ma.locks.Held(s.id); ok && held != f {
		return nil, common.Errorf(common.LockViolation,
			"connection already holds the lock on %s", held.Path)
	}

	if err := ma.appendLog(wal.NewEntry(wal.OpDelete, f.Dir(), f.Name)); err != nil {
		return nil, err
	}
	if err := ma.namespace.MarkDeleted(f); err != nil {
		return nil, err
	}
	if err := ma.locks.Acquire(s.id, f); err != nil {
		return nil, err
	}
	return f.Chunks(), nil
}

func (ma *MasterServer) handleCommitDelete(s *session, dir, name string) (any, error) {
	ma.Lock()
	defer ma.Unlock()

	f, err := ma.namespace.GetFile(dir, name)
	if err != nil {
		return nil, err
	}
	if !ma.locks.Holds(s.id, f) {
		return nil, common.Errorf(common.LockViolation, "File is not locked by this client")
	}
	if f.Status != common.Deleted {
		return nil, common.Errorf(common.LockViolation, "File is not being deleted")
	}
	if err := ma.appendLog(wal.NewEntry(wal.OpCommitDelete, f.Dir(), f.Name)); err != nil {
		return nil, err
	}
	ma.namespace.Remove(f)
	ma.locks.Release(s.id)
	return rpc_struct.OK("File Deleted"), nil
}

func (ma *MasterServer) handleFileFailed(s *session, dir, name string) (any, error) {
	ma.Lock()
	defer ma.Unlock()

	f, err := ma.namespace.GetFile(dir, name)
	if err == nil && ma.locks.Holds(s.id, f) && f.Status != common.Committed {
		ma.abortFile(s.id, f)
		return rpc_struct.OK(fmt.Sprintf("File %s aborted", utils.JoinPath(dir, name))), nil
	}
	ma.locks.Release(s.id)
	return rpc_struct.OK("Lock released"), nil
}
