package rpc_struct

import "github.com/caleberi/chunkfs/common"

type Request struct {
	SenderType string `json:"sender_type"`
	Function   string `json:"function"`
	Args       []any  `json:"args"`
}

func NewClientRequest(function string, args ...any) Request {
	if args == nil {
		args = []any{}
	}
	return Request{SenderType: common.SenderClient, Function: function, Args: args}
}

func NewMasterRequest(function string, args ...any) Request {
	if args == nil {
		args = []any{}
	}
	return Request{SenderType: common.SenderMaster, Function: function, Args: args}
}

// StringArgs returns the first n arguments as strings, failing when the
// request carries fewer arguments or a non-string value.
func (r Request) StringArgs(n int) ([]string, error) {
	if len(r.Args) < n {
		return nil, common.Errorf(common.InvalidArgument,
			"%s expects %d arguments, got %d", r.Function, n, len(r.Args))
	}
	out := make([]string, n)
	for i := range n {
		s, ok := r.Args[i].(string)
		if !ok {
			return nil, common.Errorf(common.InvalidArgument,
				"%s argument %d must be a string, got %T", r.Function, i, r.Args[i])
		}
		out[i] = s
	}
	return out, nil
}

type StatusReply struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

func OK(message string) StatusReply     { return StatusReply{Status: common.StatusOK, Message: message} }
func Done() StatusReply                 { return StatusReply{Status: common.StatusDone, Message: "Done"} }
func Failed(message string) StatusReply { return StatusReply{Status: common.StatusFailed, Message: message} }

type ChunkLocReply struct {
	Status    int                  `json:"status"`
	Message   string               `json:"message,omitempty"`
	ChunkID   common.ChunkID       `json:"chunk_id,omitempty"`
	ChunkLocs []common.ServerIndex `json:"chunk_locs,omitempty"`
}

type ListReply struct {
	Status      int      `json:"status"`
	Message     string   `json:"message,omitempty"`
	Data        []string `json:"data"`
	Directories []string `json:"directories"`
}

// ChunkStreamFrame is one frame of a read_file/delete_file stream. Chunk
// frames carry status 0; the stream ends with status 1 (Done) or -1.
type ChunkStreamFrame struct {
	Status   int                  `json:"status"`
	Message  string               `json:"message,omitempty"`
	ChunkID  common.ChunkID       `json:"chunk_id,omitempty"`
	ChunkLoc []common.ServerIndex `json:"chunk_loc,omitempty"`
}

type ReadChunkReply struct {
	Status  int    `json:"status"`
	Message string `json:"message,omitempty"`
	Data    []byte `json:"data,omitempty"`
}
