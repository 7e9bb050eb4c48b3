package master_server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/caleberi/chunkfs/common"
	"github.com/caleberi/chunkfs/config"
	failuredetector "github.com/caleberi/chunkfs/detector"
	lockmanager "github.com/caleberi/chunkfs/lock_manager"
	"github.com/caleberi/chunkfs/metrics"
	namespacemanager "github.com/caleberi/chunkfs/namespace_manager"
	"github.com/caleberi/chunkfs/wal"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

type MasterServerConfig struct {
	ServerAddress string
	ChunkServers  []string

	MessageSize       int
	ReplicationFactor int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	PruningInterval   time.Duration
	RPCTimeout        time.Duration

	LogFile string
	SyncLog bool

	// History records heartbeat probes when set. The caller owns it.
	History *failuredetector.ProbeHistory
	// Registry receives the master's collectors when set.
	Registry *prometheus.Registry
}

// ConfigFromSettings maps the shared configuration onto the master's.
func ConfigFromSettings(cfg *config.Config) MasterServerConfig {
	return MasterServerConfig{
		ServerAddress:     cfg.MasterAddr(),
		ChunkServers:      cfg.ChunkServerAddrs(),
		MessageSize:       cfg.MessageSize,
		ReplicationFactor: cfg.ReplicationFactor,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		PruningInterval:   cfg.PruningInterval,
		RPCTimeout:        common.DefaultRPCTimeout,
		LogFile:           cfg.LogFile,
		SyncLog:           cfg.SyncLog,
	}
}

// MasterServer owns the namespace, the lock table and the operation log.
//
// Lock order: fleet-state lock, then the embedded master lock, then the
// namespace and lock-manager internals. Every mutation of the tree, the
// lock table and the log happens under the master lock, and no client or
// chunk server I/O is performed while it is held.
type MasterServer struct {
	sync.RWMutex
	ServerAddr string

	cfg       MasterServerConfig
	listener  net.Listener
	namespace *namespacemanager.NamespaceManager
	locks     *lockmanager.LockManager
	fleet     *ChunkServerFleet
	oplog     *wal.OperationLog
	history   *failuredetector.ProbeHistory
	metrics   metrics.MasterMetrics

	connMu sync.Mutex
	conns  map[net.Conn]struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once
}

// NewMasterServer replays the operation log, starts listening and launches
// the heartbeat and chunk audit loop.
func NewMasterServer(ctx context.Context, cfg MasterServerConfig) (*MasterServer, error) {
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = common.DefaultRPCTimeout
	}

	ma, err := newMaster(cfg)
	if err != nil {
		return nil, err
	}

	l, err := net.Listen("tcp", cfg.ServerAddress)
	if err != nil {
		ma.oplog.Close()
		return nil, fmt.Errorf("cannot start a listener on %s: %w", cfg.ServerAddress, err)
	}
	ma.listener = l
	ma.ServerAddr = l.Addr().String()
	ma.ctx, ma.cancel = context.WithCancel(ctx)

	ma.wg.Add(2)
	go ma.acceptLoop()
	go ma.backgroundLoop()

	log.Info().Msgf("Master is running now. Address = [%s] ", ma.ServerAddr)
	return ma, nil
}

// newMaster builds the in-memory state and replays the log without opening
// any socket.
func newMaster(cfg MasterServerConfig) (*MasterServer, error) {
	oplog, err := wal.Open(cfg.LogFile, cfg.SyncLog)
	if err != nil {
		return nil, err
	}

	ma := &MasterServer{
		cfg:       cfg,
		namespace: namespacemanager.NewNameSpaceManager(),
		locks:     lockmanager.NewLockManager(),
		fleet:     NewChunkServerFleet(cfg.ChunkServers),
		oplog:     oplog,
		history:   cfg.History,
		metrics:   metrics.NewMasterMetrics(cfg.Registry),
		conns:     make(map[net.Conn]struct{}),
	}

	n, err := oplog.Replay(ma.namespace.Apply)
	if err != nil {
		oplog.Close()
		return nil, fmt.Errorf("cannot recover namespace from %s: %w", cfg.LogFile, err)
	}
	log.Info().Msgf("Recovered %d operations from %s", n, cfg.LogFile)
	return ma, nil
}

func (ma *MasterServer) acceptLoop() {
	defer ma.wg.Done()
	for {
		conn, err := ma.listener.Accept()
		if err != nil {
			if ma.ctx.Err() != nil {
				return
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Err(err).Stack().Msgf("Server [%s] failed to accept", ma.ServerAddr)
			continue
		}
		if !ma.track(conn) {
			conn.Close()
			return
		}

		ma.wg.Add(1)
		go func() {
			defer ma.wg.Done()
			defer ma.untrack(conn)
			ma.serveConn(conn)
		}()
	}
}

func (ma *MasterServer) track(conn net.Conn) bool {
	ma.connMu.Lock()
	defer ma.connMu.Unlock()
	if ma.conns == nil {
		return false
	}
	ma.conns[conn] = struct{}{}
	return true
}

func (ma *MasterServer) untrack(conn net.Conn) {
	ma.connMu.Lock()
	defer ma.connMu.Unlock()
	delete(ma.conns, conn)
}

// backgroundLoop runs the heartbeat monitor and the chunk audit on one
// goroutine, so their rounds never overlap.
func (ma *MasterServer) backgroundLoop() {
	defer ma.wg.Done()

	if err := ma.RunHeartbeat(ma.ctx); err != nil {
		log.Warn().Err(err).Msg("initial heartbeat round reported failures")
	}

	serverHealthCheck := time.NewTicker(ma.cfg.HeartbeatInterval)
	chunkAudit := time.NewTicker(ma.cfg.PruningInterval)
	defer serverHealthCheck.Stop()
	defer chunkAudit.Stop()

	for {
		var branchInfo common.BranchInfo
		select {
		case <-ma.ctx.Done():
			return
		case <-serverHealthCheck.C:
			branchInfo.Event = common.MasterHeartBeat
			branchInfo.Err = ma.RunHeartbeat(ma.ctx)
		case <-chunkAudit.C:
			branchInfo.Event = common.ChunkAudit
			branchInfo.Err = ma.RunChunkAudit(ma.ctx)
		}

		if branchInfo.Err != nil && ma.ctx.Err() == nil {
			log.Warn().Err(branchInfo.Err).Msgf("background event (%s) reported failures", branchInfo.Event)
		}
	}
}

// appendLog writes e to the operation log. Callers hold the master lock and
// apply the mutation only when this succeeds.
func (ma *MasterServer) appendLog(e wal.Entry) error {
	if err := ma.oplog.Append(e); err != nil {
		log.Err(err).Stack().Msgf("cannot log %s", e)
		return common.Errorf(common.Unavailable, "operation log unavailable")
	}
	ma.metrics.RecordLogAppend()
	return nil
}

// Shutdown stops accepting, closes every client connection, stops the
// background loop and closes the operation log. It is safe to call twice.
func (ma *MasterServer) Shutdown() {
	ma.shutdown.Do(func() {
		ma.cancel()
		if err := ma.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Err(err).Stack().Send()
		}

		ma.connMu.Lock()
		for conn := range ma.conns {
			conn.Close()
		}
		ma.conns = nil
		ma.connMu.Unlock()

		ma.wg.Wait()
		if err := ma.oplog.Close(); err != nil {
			log.Err(err).Stack().Send()
		}
		log.Info().Msgf("Master [%s] stopped", ma.ServerAddr)
	})
}

// List returns the committed files and subdirectories of dir.
func (ma *MasterServer) List(dir string) ([]string, []string, error) {
	ma.RLock()
	defer ma.RUnlock()
	return ma.namespace.List(dir)
}

// Stat describes dir/name in any status.
func (ma *MasterServer) Stat(dir, name string) (common.FileInfo, error) {
	ma.RLock()
	defer ma.RUnlock()
	f, err := ma.namespace.GetFile(dir, name)
	if err != nil {
		return common.FileInfo{}, err
	}
	return f.Info(), nil
}

func (ma *MasterServer) Locks() []common.LockInfo {
	return ma.locks.Snapshot()
}

type ServerStatus struct {
	Index common.ServerIndex          `json:"index"`
	Addr  string                      `json:"addr"`
	Alive bool                        `json:"alive"`
	Probe *failuredetector.ProbeStats `json:"probe,omitempty"`
}

// FleetStatus reports every chunk server with its liveness and, when a
// probe history is configured, its recent probe statistics.
func (ma *MasterServer) FleetStatus(ctx context.Context) []ServerStatus {
	out := make([]ServerStatus, ma.fleet.Len())
	for i, addr := range ma.fleet.Endpoints() {
		idx := common.ServerIndex(i)
		out[i] = ServerStatus{Index: idx, Addr: addr, Alive: !ma.fleet.IsDead(idx)}
		if ma.history == nil {
			continue
		}
		stats, err := ma.history.Stats(ctx, idx)
		if err != nil {
			log.Warn().Err(err).Int("server", i).Msg("cannot read probe history")
			continue
		}
		out[i].Probe = &stats
	}
	return out
}
