package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/caleberi/chunkfs/common"
	"github.com/caleberi/chunkfs/config"
	"github.com/caleberi/chunkfs/rpc_struct"
	"github.com/caleberi/chunkfs/shared"
	"github.com/rs/zerolog/log"
)

// Options describe the deployment the client talks to.
type Options struct {
	MessageSize  int
	ChunkSize    int
	ChunkServers []string
	ReadBackoff  time.Duration
	Timeout      time.Duration
}

func OptionsFromSettings(cfg *config.Config) Options {
	return Options{
		MessageSize:  cfg.MessageSize,
		ChunkSize:    cfg.ChunkSize,
		ChunkServers: cfg.ChunkServerAddrs(),
		ReadBackoff:  cfg.ReadBackoff,
		Timeout:      common.DefaultRPCTimeout,
	}
}

// Client holds one connection to the master. Master locks are scoped to
// that connection, so a Client must not be shared by unrelated writers.
// Calls are serialized.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
	opts Options
}

// Dial connects to the master at addr.
//
// Parameters:
//   - ctx: bounds the dial only.
//   - addr: master address in "host:port" form.
//   - opts: frame width, chunk size and the ordered chunk server endpoints.
//
// Returns:
//   - A connected client, or a TransportError when the master is unreachable.
func Dial(ctx context.Context, addr string, opts Options) (*Client, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = common.DefaultRPCTimeout
	}
	dialer := net.Dialer{Timeout: opts.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, common.Errorf(common.TransportError, "dial master %s: %v", addr, err)
	}
	return &Client{conn: conn, opts: opts}, nil
}

func (c *Client) send(function string, args ...any) error {
	return shared.WriteFrame(c.conn, c.opts.MessageSize, rpc_struct.NewClientRequest(function, args...))
}

func (c *Client) recv(v any) error {
	return shared.ReadFrame(c.conn, c.opts.MessageSize, v)
}

// call sends one request and decodes its single reply frame.
func (c *Client) call(reply any, function string, args ...any) error {
	if err := c.send(function, args...); err != nil {
		return err
	}
	return c.recv(reply)
}

func (c *Client) status(function string, args ...any) (string, error) {
	var reply rpc_struct.StatusReply
	if err := c.call(&reply, function, args...); err != nil {
		return "", err
	}
	if reply.Status == common.StatusFailed {
		return "", remoteError(reply.Message)
	}
	return reply.Message, nil
}

// remoteError recovers an error code from the master's failure message.
func remoteError(message string) error {
	lower := strings.ToLower(message)
	code := common.ProtocolError
	switch {
	case strings.Contains(lower, "does not exist"):
		code = common.NotFound
	case strings.Contains(lower, "locked by another client"),
		strings.Contains(lower, "already exists"),
		strings.Contains(lower, "by another user"):
		code = common.Conflict
	case strings.Contains(lower, "not committed"):
		code = common.NotCommitted
	case strings.Contains(lower, "lock"), strings.Contains(lower, "being written"), strings.Contains(lower, "being deleted"):
		code = common.LockViolation
	case strings.Contains(lower, "no live chunk servers"), strings.Contains(lower, "unavailable"):
		code = common.Unavailable
	case strings.Contains(lower, "invalid"), strings.Contains(lower, "expects"):
		code = common.InvalidArgument
	}
	return common.Errorf(code, "%s", message)
}

func (c *Client) chunkServer(idx common.ServerIndex) (string, error) {
	if idx < 0 || int(idx) >= len(c.opts.ChunkServers) {
		return "", common.Errorf(common.InvalidArgument, "unknown chunk server %d", idx)
	}
	return c.opts.ChunkServers[idx], nil
}

func (c *Client) CreateDir(dir, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.status(rpc_struct.MCreateDir, dir, name)
	return err
}

// List returns the committed files and the subdirectories of dir.
func (c *Client) List(dir string) (files []string, dirs []string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.send(rpc_struct.MListFiles, dir); err != nil {
		return nil, nil, err
	}
	var reply rpc_struct.ListReply
	if err := c.recv(&reply); err != nil {
		return nil, nil, err
	}
	if reply.Status == common.StatusFailed {
		return nil, nil, remoteError(reply.Message)
	}
	return reply.Data, reply.Directories, nil
}

// Upload stores the contents of r as dir/name. The data is split into
// chunks of the configured size; each chunk is placed by the master and
// written to every replica it chose. Any failure reports file_failed so the
// master tombstones the partial file.
//
// Returns the number of bytes stored.
func (c *Client) Upload(ctx context.Context, r io.Reader, dir, name string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.status(rpc_struct.MCreateFile, dir, name); err != nil {
		return 0, err
	}

	written, err := c.writeChunks(ctx, r, dir, name)
	if err != nil {
		if _, ferr := c.status(rpc_struct.MFileFailed, dir, name); ferr != nil {
			log.Warn().Err(ferr).Msgf("cannot report failed upload of %s/%s", dir, name)
		}
		return written, err
	}

	if _, err := c.status(rpc_struct.MCommitFile, dir, name); err != nil {
		return written, err
	}
	return written, nil
}

func (c *Client) writeChunks(ctx context.Context, r io.Reader, dir, name string) (int64, error) {
	var written int64
	buf := make([]byte, c.opts.ChunkSize)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			if werr := c.writeChunk(ctx, dir, name, buf[:n]); werr != nil {
				return written, werr
			}
			written += int64(n)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return written, nil
		}
		if err != nil {
			return written, fmt.Errorf("read local data: %w", err)
		}
	}
}

func (c *Client) writeChunk(ctx context.Context, dir, name string, data []byte) error {
	var loc rpc_struct.ChunkLocReply
	if err := c.call(&loc, rpc_struct.MSetChunkLoc, dir, name); err != nil {
		return err
	}
	if loc.Status == common.StatusFailed {
		return remoteError(loc.Message)
	}

	for _, idx := range loc.ChunkLocs {
		addr, err := c.chunkServer(idx)
		if err != nil {
			return err
		}
		if err := shared.WriteChunk(ctx, addr, c.opts.MessageSize, c.opts.Timeout, loc.ChunkID, data); err != nil {
			return fmt.Errorf("write chunk %s to server %d: %w", loc.ChunkID, idx, err)
		}
	}
	return nil
}

// readStream collects the chunk frames the master streams for read_file
// and delete_file.
func (c *Client) readStream(function, dir, name string) ([]rpc_struct.ChunkStreamFrame, error) {
	if err := c.send(function, dir, name); err != nil {
		return nil, err
	}
	var frames []rpc_struct.ChunkStreamFrame
	for {
		var frame rpc_struct.ChunkStreamFrame
		if err := c.recv(&frame); err != nil {
			return nil, err
		}
		switch frame.Status {
		case common.StatusOK:
			frames = append(frames, frame)
		case common.StatusDone:
			return frames, nil
		default:
			return nil, remoteError(frame.Message)
		}
	}
}

// Read fetches dir/name and writes it to w. Each chunk is tried on its
// replicas in order, pausing ReadBackoff between attempts. The master is
// told whether the read succeeded so it can release the read lock.
//
// Returns the number of bytes written to w.
func (c *Client) Read(ctx context.Context, dir, name string, w io.Writer) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	frames, err := c.readStream(rpc_struct.MReadFile, dir, name)
	if err != nil {
		return 0, err
	}

	var data bytes.Buffer
	var readErr error
	for _, frame := range frames {
		chunk, err := c.fetchChunk(ctx, frame)
		if err != nil {
			readErr = err
			break
		}
		data.Write(chunk)
	}

	ack := rpc_struct.OK("ok")
	if readErr != nil {
		ack = rpc_struct.Failed("Can't read file now. Try again later")
	}
	if err := shared.WriteFrame(c.conn, c.opts.MessageSize, ack); err != nil {
		return 0, err
	}
	if readErr != nil {
		return 0, readErr
	}
	return io.Copy(w, &data)
}

func (c *Client) fetchChunk(ctx context.Context, frame rpc_struct.ChunkStreamFrame) ([]byte, error) {
	var errs []error
	for i, idx := range frame.ChunkLoc {
		if i > 0 && c.opts.ReadBackoff > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.opts.ReadBackoff):
			}
		}
		addr, err := c.chunkServer(idx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		data, err := shared.ReadChunk(ctx, addr, c.opts.MessageSize, c.opts.Timeout, frame.ChunkID)
		if err == nil {
			return data, nil
		}
		log.Debug().Err(err).Msgf("replica %d cannot serve chunk %s", idx, frame.ChunkID)
		errs = append(errs, err)
	}
	return nil, common.Errorf(common.Unavailable, "no replica could serve chunk %s: %v",
		frame.ChunkID, errors.Join(errs...))
}

// Delete removes dir/name: the master marks it deleted and streams its
// chunks, every replica drops them, and commit_delete finalizes. When a
// replica cannot be reached the file is reported failed, which releases
// the lock and leaves the remaining chunks to the master's chunk audit.
func (c *Client) Delete(ctx context.Context, dir, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	frames, err := c.readStream(rpc_struct.MDeleteFile, dir, name)
	if err != nil {
		return err
	}
	if err := c.deleteChunks(ctx, frames); err != nil {
		if _, ferr := c.status(rpc_struct.MFileFailed, dir, name); ferr != nil {
			log.Warn().Err(ferr).Msgf("cannot report failed delete of %s/%s", dir, name)
		}
		return err
	}
	_, err = c.status(rpc_struct.MCommitDelete, dir, name)
	return err
}

func (c *Client) deleteChunks(ctx context.Context, frames []rpc_struct.ChunkStreamFrame) error {
	for _, frame := range frames {
		for _, idx := range frame.ChunkLoc {
			addr, err := c.chunkServer(idx)
			if err != nil {
				return err
			}
			if err := shared.DeleteChunk(ctx, addr, c.opts.MessageSize, c.opts.Timeout, common.SenderClient, frame.ChunkID); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close tells the master the session is over and closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sendErr := c.send(rpc_struct.MClose)
	return errors.Join(sendErr, c.conn.Close())
}
