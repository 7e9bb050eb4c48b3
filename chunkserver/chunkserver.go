package chunkserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/caleberi/chunkfs/common"
	"github.com/caleberi/chunkfs/config"
	"github.com/caleberi/chunkfs/rpc_struct"
	"github.com/caleberi/chunkfs/shared"
	"github.com/rs/zerolog/log"
)

// ChunkServerConfig configures one storage node.
type ChunkServerConfig struct {
	ServerAddress string
	MessageSize   int
	ChunkSize     int
	DataDir       string
	InMemory      bool

	// GCInterval paces badger value log collection. Zero disables it.
	GCInterval time.Duration
	// IOTimeout bounds one request exchange, payload included.
	IOTimeout time.Duration
}

// ConfigFromSettings maps the shared configuration onto the chunk server at
// index idx of the fleet.
func ConfigFromSettings(cfg *config.Config, idx int) (ChunkServerConfig, error) {
	addrs := cfg.ChunkServerAddrs()
	if idx < 0 || idx >= len(addrs) {
		return ChunkServerConfig{}, fmt.Errorf("chunk server index %d outside fleet of %d", idx, len(addrs))
	}
	dataDir := cfg.ChunkServer.DataDir
	if dataDir != "" {
		dataDir = filepath.Join(dataDir, strconv.Itoa(idx))
	}
	return ChunkServerConfig{
		ServerAddress: addrs[idx],
		MessageSize:   cfg.MessageSize,
		ChunkSize:     cfg.ChunkSize,
		DataDir:       dataDir,
		InMemory:      cfg.ChunkServer.InMemory,
		GCInterval:    cfg.PruningInterval,
		IOTimeout:     common.DefaultRPCTimeout,
	}, nil
}

// ChunkServer stores chunk payloads and answers the framed chunk protocol.
// Every request uses a fresh connection: one request frame, an optional raw
// payload for write_chunk, and one reply frame.
type ChunkServer struct {
	ServerAddr string

	cfg      ChunkServerConfig
	listener net.Listener
	store    *ChunkStore

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	isDead bool
}

// NewChunkServer opens the chunk store, starts listening and serves until
// Shutdown.
func NewChunkServer(ctx context.Context, cfg ChunkServerConfig) (*ChunkServer, error) {
	if cfg.IOTimeout <= 0 {
		cfg.IOTimeout = common.DefaultRPCTimeout
	}
	store, err := OpenChunkStore(cfg.DataDir, cfg.InMemory)
	if err != nil {
		return nil, err
	}

	l, err := net.Listen("tcp", cfg.ServerAddress)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("cannot start a listener on %s: %w", cfg.ServerAddress, err)
	}

	cs := &ChunkServer{
		ServerAddr: l.Addr().String(),
		cfg:        cfg,
		listener:   l,
		store:      store,
	}
	cs.ctx, cs.cancel = context.WithCancel(ctx)

	cs.wg.Add(1)
	go cs.acceptLoop()
	if cfg.GCInterval > 0 && !cfg.InMemory {
		cs.wg.Add(1)
		go cs.backgroundLoop()
	}

	log.Info().Msgf("ChunkServer is now running. addr = %v, data dir = %v, in memory = %v",
		cs.ServerAddr, cfg.DataDir, cfg.InMemory)
	return cs, nil
}

func (cs *ChunkServer) acceptLoop() {
	defer cs.wg.Done()
	for {
		conn, err := cs.listener.Accept()
		if err != nil {
			if cs.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Err(err).Stack().Msgf("Server %s failed to accept", cs.ServerAddr)
			continue
		}
		cs.wg.Add(1)
		go func() {
			defer cs.wg.Done()
			defer conn.Close()
			cs.serveConn(conn)
		}()
	}
}

func (cs *ChunkServer) backgroundLoop() {
	defer cs.wg.Done()

	gcTicker := time.NewTicker(cs.cfg.GCInterval)
	defer gcTicker.Stop()

	for {
		select {
		case <-cs.ctx.Done():
			return
		case <-gcTicker.C:
			if err := cs.store.CollectGarbage(); err != nil {
				log.Err(err).Msgf("Server %s background value log gc failed", cs.ServerAddr)
			}
		}
	}
}

func (cs *ChunkServer) serveConn(conn net.Conn) {
	if err := conn.SetDeadline(time.Now().Add(cs.cfg.IOTimeout)); err != nil {
		return
	}

	var req rpc_struct.Request
	if err := shared.ReadFrame(conn, cs.cfg.MessageSize, &req); err != nil {
		if common.CodeOf(err) == common.ProtocolError {
			shared.WriteFrame(conn, cs.cfg.MessageSize, rpc_struct.Failed(err.Error()))
		}
		return
	}

	reply := cs.handle(conn, req)
	if err := shared.WriteFrame(conn, cs.cfg.MessageSize, reply); err != nil {
		log.Debug().Err(err).Msgf("Server %s could not reply to %s", cs.ServerAddr, req.Function)
	}
}

func (cs *ChunkServer) handle(conn net.Conn, req rpc_struct.Request) any {
	if req.Function == rpc_struct.CHeartBeat {
		return rpc_struct.OK("alive")
	}

	args, err := req.StringArgs(1)
	if err != nil {
		return rpc_struct.Failed(err.Error())
	}
	id := common.ChunkID(args[0])
	if id == "" {
		return rpc_struct.Failed("empty chunk id")
	}

	switch req.Function {
	case rpc_struct.CWriteChunk:
		return cs.writeChunk(conn, id)
	case rpc_struct.CReadChunk:
		return cs.readChunk(id)
	case rpc_struct.CDeleteChunk:
		return cs.deleteChunk(id)
	}
	return rpc_struct.Failed(fmt.Sprintf("unknown command %q", req.Function))
}

// writeChunk stores the raw bytes that follow the request frame, up to the
// writer's half-close. Payloads beyond the chunk size are refused.
func (cs *ChunkServer) writeChunk(conn net.Conn, id common.ChunkID) any {
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(conn, int64(cs.cfg.ChunkSize)+1))
	if err != nil {
		return rpc_struct.Failed(fmt.Sprintf("cannot read chunk payload: %v", err))
	}
	if n > int64(cs.cfg.ChunkSize) {
		return rpc_struct.Failed(fmt.Sprintf("chunk exceeds %d bytes", cs.cfg.ChunkSize))
	}
	if err := cs.store.Put(id, buf.Bytes()); err != nil {
		log.Err(err).Stack().Msgf("Server %s cannot store chunk %s", cs.ServerAddr, id)
		return rpc_struct.Failed("cannot store chunk")
	}
	log.Debug().Msgf("Server %s stored chunk %s (%d bytes)", cs.ServerAddr, id, n)
	return rpc_struct.OK("Chunk Written")
}

func (cs *ChunkServer) readChunk(id common.ChunkID) any {
	data, err := cs.store.Get(id)
	if err != nil {
		if common.CodeOf(err) != common.NotFound {
			log.Err(err).Stack().Msgf("Server %s cannot read chunk %s", cs.ServerAddr, id)
		}
		return rpc_struct.ReadChunkReply{Status: common.StatusFailed, Message: err.Error()}
	}
	return rpc_struct.ReadChunkReply{Status: common.StatusOK, Data: data}
}

func (cs *ChunkServer) deleteChunk(id common.ChunkID) any {
	if err := cs.store.Delete(id); err != nil {
		log.Err(err).Stack().Msgf("Server %s cannot delete chunk %s", cs.ServerAddr, id)
		return rpc_struct.Failed("cannot delete chunk")
	}
	return rpc_struct.OK("Chunk Deleted")
}

// Chunks lists the ids currently stored.
func (cs *ChunkServer) Chunks(ctx context.Context) ([]common.ChunkID, error) {
	return cs.store.IDs(ctx)
}

// Shutdown closes the listener, waits for in-flight requests and closes
// the store. Calling it again is a no-op.
func (cs *ChunkServer) Shutdown() error {
	cs.mu.Lock()
	if cs.isDead {
		cs.mu.Unlock()
		log.Info().Msgf("Server %s: already dead", cs.ServerAddr)
		return nil
	}
	cs.isDead = true
	cs.mu.Unlock()

	cs.cancel()
	var errs []error
	if err := cs.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		log.Err(err).Stack().Msgf("Server %s: failed to close listener during shutdown", cs.ServerAddr)
		errs = append(errs, err)
	}
	cs.wg.Wait()

	if err := cs.store.Close(); err != nil {
		log.Err(err).Stack().Msgf("Server %s: failed to close chunk store", cs.ServerAddr)
		errs = append(errs, err)
	}
	log.Info().Msgf("Server %s: stopped", cs.ServerAddr)
	return errors.Join(errs...)
}
