package rpc_struct

// Client -> master commands.
const (
	MCreateDir    = "create_dir"
	MCreateFile   = "create_file"
	MSetChunkLoc  = "set_chunk_loc"
	MCommitFile   = "commit_file"
	MReadFile     = "read_file"
	MListFiles    = "list_files"
	MDeleteFile   = "delete_file"
	MCommitDelete = "commit_delete"
	MFileFailed   = "file_failed"
	MClose        = "close"
)

// Master/client -> chunk server commands.
const (
	CHeartBeat   = "heartbeat"
	CDeleteChunk = "delete_chunk"
	CWriteChunk  = "write_chunk"
	CReadChunk   = "read_chunk"
)
