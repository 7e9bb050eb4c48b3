package common

import "time"

const (
	// AbortedFilePrefix is prepended to the uuid of a tombstoned file.
	AbortedFilePrefix = "__aborted__"

	SenderClient = "client"
	SenderMaster = "master"

	DefaultHost              = "127.0.0.1"
	DefaultMasterPort        = 9090
	DefaultMessageSize       = 8192
	DefaultChunkSize         = 4096
	DefaultReplicationFactor = 3
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultHeartbeatTimeout  = 1 * time.Second
	DefaultPruningInterval   = 10 * time.Second
	DefaultReadBackoff       = 200 * time.Millisecond
	DefaultLogFile           = "master.log"
	DefaultGatewayPort       = 8089
	DefaultProbeWindowSize   = 20
	DefaultProbeSampleTTL    = 10 * time.Minute
)

var DefaultChunkPorts = []int{9091, 9092, 9093, 9094}

const (
	MasterHeartBeat Event = "master_heartbeat"
	ChunkAudit      Event = "chunk_audit"
)

// DefaultRPCTimeout bounds a single master to chunk server exchange outside
// the heartbeat path.
const DefaultRPCTimeout = 5 * time.Second
