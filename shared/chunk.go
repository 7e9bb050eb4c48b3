package shared

import (
	"context"
	"net"
	"time"

	"github.com/caleberi/chunkfs/common"
	"github.com/caleberi/chunkfs/rpc_struct"
)

// WriteChunk sends write_chunk(id) followed by the raw payload, half-closes
// the connection and waits for the chunk server's status frame.
func WriteChunk(ctx context.Context, addr string, width int, timeout time.Duration, id common.ChunkID, data []byte) error {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return common.Errorf(common.TransportError, "dial %s: %v", addr, err)
	}
	defer conn.Close()

	if timeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
			return common.Errorf(common.TransportError, "set deadline on %s: %v", addr, err)
		}
	}

	req := rpc_struct.NewClientRequest(rpc_struct.CWriteChunk, string(id))
	if err := WriteFrame(conn, width, req); err != nil {
		return err
	}
	if _, err := conn.Write(data); err != nil {
		return common.Errorf(common.TransportError, "write chunk %s to %s: %v", id, addr, err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		if err := tcp.CloseWrite(); err != nil {
			return common.Errorf(common.TransportError, "close write side to %s: %v", addr, err)
		}
	}

	var reply rpc_struct.StatusReply
	if err := ReadFrame(conn, width, &reply); err != nil {
		return err
	}
	if reply.Status != common.StatusOK {
		return common.Errorf(common.TransportError, "chunk server %s refused chunk %s: %s", addr, id, reply.Message)
	}
	return nil
}

// ReadChunk fetches one chunk payload.
func ReadChunk(ctx context.Context, addr string, width int, timeout time.Duration, id common.ChunkID) ([]byte, error) {
	var reply rpc_struct.ReadChunkReply
	req := rpc_struct.NewClientRequest(rpc_struct.CReadChunk, string(id))
	if err := Call(ctx, addr, width, timeout, req, &reply); err != nil {
		return nil, err
	}
	if reply.Status != common.StatusOK {
		return nil, common.Errorf(common.NotFound, "chunk server %s cannot serve chunk %s: %s", addr, id, reply.Message)
	}
	return reply.Data, nil
}

// DeleteChunk asks one chunk server to drop a chunk.
func DeleteChunk(ctx context.Context, addr string, width int, timeout time.Duration, sender string, id common.ChunkID) error {
	var reply rpc_struct.StatusReply
	req := rpc_struct.Request{SenderType: sender, Function: rpc_struct.CDeleteChunk, Args: []any{string(id)}}
	if err := UnicastToChunkServer(ctx, addr, width, timeout, req, &reply, DefaultRetryConfig); err != nil {
		return err
	}
	if reply.Status != common.StatusOK {
		return common.Errorf(common.PruneFailure, "chunk server %s cannot delete chunk %s: %s", addr, id, reply.Message)
	}
	return nil
}
