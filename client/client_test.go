package client

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/caleberi/chunkfs/chunkserver"
	"github.com/caleberi/chunkfs/common"
	"github.com/caleberi/chunkfs/master_server"
	"github.com/jaswdr/faker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testWidth     = common.DefaultMessageSize
	testChunkSize = 64
)

type cluster struct {
	master  *master_server.MasterServer
	servers []*chunkserver.ChunkServer
	opts    Options
}

func startCluster(t *testing.T, n int) *cluster {
	t.Helper()
	ctx := context.Background()

	c := &cluster{}
	addrs := make([]string, n)
	for i := range n {
		cs, err := chunkserver.NewChunkServer(ctx, chunkserver.ChunkServerConfig{
			ServerAddress: "127.0.0.1:0",
			MessageSize:   testWidth,
			ChunkSize:     testChunkSize,
			InMemory:      true,
		})
		require.NoError(t, err)
		t.Cleanup(func() { cs.Shutdown() })
		c.servers = append(c.servers, cs)
		addrs[i] = cs.ServerAddr
	}

	ma, err := master_server.NewMasterServer(ctx, master_server.MasterServerConfig{
		ServerAddress:     "127.0.0.1:0",
		ChunkServers:      addrs,
		MessageSize:       testWidth,
		ReplicationFactor: 3,
		HeartbeatInterval: time.Hour,
		HeartbeatTimeout:  200 * time.Millisecond,
		PruningInterval:   time.Hour,
		LogFile:           filepath.Join(t.TempDir(), "master.log"),
	})
	require.NoError(t, err)
	t.Cleanup(ma.Shutdown)
	c.master = ma

	c.opts = Options{
		MessageSize:  testWidth,
		ChunkSize:    testChunkSize,
		ChunkServers: addrs,
		ReadBackoff:  10 * time.Millisecond,
		Timeout:      time.Second,
	}
	return c
}

func (c *cluster) dial(t *testing.T) *Client {
	t.Helper()
	cl, err := Dial(context.Background(), c.master.ServerAddr, c.opts)
	require.NoError(t, err)
	t.Cleanup(func() { cl.Close() })
	return cl
}

func (c *cluster) storedChunks(t *testing.T) int {
	total := 0
	for _, cs := range c.servers {
		ids, err := cs.Chunks(context.Background())
		require.NoError(t, err)
		total += len(ids)
	}
	return total
}

func lorem(n int) []byte {
	fake := faker.New()
	var b strings.Builder
	for b.Len() < n {
		b.WriteString(fake.Lorem().Sentence(8))
		b.WriteByte(' ')
	}
	return []byte(b.String()[:n])
}

func TestUploadReadRoundTrip(t *testing.T) {
	c := startCluster(t, 3)
	cl := c.dial(t)
	ctx := context.Background()

	require.NoError(t, cl.CreateDir("/", "docs"))
	payload := lorem(5*testChunkSize + 17)

	n, err := cl.Upload(ctx, bytes.NewReader(payload), "/docs", "notes.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)
	assert.Equal(t, 6*3, c.storedChunks(t), "every chunk lands on every replica")

	files, dirs, err := cl.List("/docs")
	require.NoError(t, err)
	assert.Equal(t, []string{"notes.txt"}, files)
	assert.Empty(t, dirs)

	var out bytes.Buffer
	read, err := cl.Read(ctx, "/docs", "notes.txt", &out)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), read)
	assert.Equal(t, payload, out.Bytes())
	assert.Eventually(t, func() bool { return len(c.master.Locks()) == 0 }, 2*time.Second, 10*time.Millisecond,
		"the acknowledgement releases the read lock")
}

func TestUploadEmptyFile(t *testing.T) {
	c := startCluster(t, 3)
	cl := c.dial(t)
	ctx := context.Background()

	n, err := cl.Upload(ctx, bytes.NewReader(nil), "/", "empty")
	require.NoError(t, err)
	assert.Zero(t, n)

	var out bytes.Buffer
	read, err := cl.Read(ctx, "/", "empty", &out)
	require.NoError(t, err)
	assert.Zero(t, read)
}

func TestReadFallsBackToOtherReplicas(t *testing.T) {
	c := startCluster(t, 3)
	cl := c.dial(t)
	ctx := context.Background()

	payload := lorem(3 * testChunkSize)
	_, err := cl.Upload(ctx, bytes.NewReader(payload), "/", "f")
	require.NoError(t, err)

	require.NoError(t, c.servers[0].Shutdown())
	require.NoError(t, c.servers[1].Shutdown())

	var out bytes.Buffer
	_, err = cl.Read(ctx, "/", "f", &out)
	require.NoError(t, err)
	assert.Equal(t, payload, out.Bytes())

	require.NoError(t, c.servers[2].Shutdown())
	_, err = cl.Read(ctx, "/", "f", &out)
	require.Error(t, err)
	assert.Equal(t, common.Unavailable, common.CodeOf(err))
	assert.Eventually(t, func() bool { return len(c.master.Locks()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestFailedUploadIsAborted(t *testing.T) {
	c := startCluster(t, 3)
	cl := c.dial(t)
	ctx := context.Background()

	// The chunk servers refuse payloads above testChunkSize.
	cl.opts.ChunkSize = 2 * testChunkSize
	_, err := cl.Upload(ctx, bytes.NewReader(lorem(2*testChunkSize)), "/", "f")
	require.Error(t, err)

	files, _, err := cl.List("/")
	require.NoError(t, err)
	assert.Empty(t, files)
	assert.Empty(t, c.master.Locks())

	_, err = c.master.Stat("/", "f")
	assert.Equal(t, common.NotFound, common.CodeOf(err), "the partial file was tombstoned")
}

func TestConcurrentWritersConflict(t *testing.T) {
	c := startCluster(t, 3)
	first := c.dial(t)
	second := c.dial(t)
	ctx := context.Background()

	_, err := first.Upload(ctx, bytes.NewReader(lorem(10)), "/", "f")
	require.NoError(t, err)

	_, err = second.Upload(ctx, bytes.NewReader(lorem(10)), "/", "f")
	require.Error(t, err)
	assert.Equal(t, common.Conflict, common.CodeOf(err))

	var out bytes.Buffer
	_, err = second.Read(ctx, "/", "missing", &out)
	assert.Equal(t, common.NotFound, common.CodeOf(err))

	err = second.CreateDir("/nope", "x")
	assert.Equal(t, common.NotFound, common.CodeOf(err))
}

func TestDeleteRemovesChunksEverywhere(t *testing.T) {
	c := startCluster(t, 3)
	cl := c.dial(t)
	ctx := context.Background()

	_, err := cl.Upload(ctx, bytes.NewReader(lorem(2*testChunkSize)), "/", "f")
	require.NoError(t, err)
	require.Equal(t, 6, c.storedChunks(t))

	require.NoError(t, cl.Delete(ctx, "/", "f"))
	assert.Zero(t, c.storedChunks(t))

	files, _, err := cl.List("/")
	require.NoError(t, err)
	assert.Empty(t, files)

	err = cl.Delete(ctx, "/", "f")
	assert.Equal(t, common.NotFound, common.CodeOf(err))
}

func TestInterruptedDeleteIsFinishedByChunkAudit(t *testing.T) {
	c := startCluster(t, 3)
	ctx := context.Background()

	writer := c.dial(t)
	_, err := writer.Upload(ctx, bytes.NewReader(lorem(testChunkSize)), "/", "f")
	require.NoError(t, err)

	deleter := c.dial(t)
	opts := c.opts
	opts.ChunkServers = []string{"127.0.0.1:1", "127.0.0.1:1", "127.0.0.1:1"}
	deleter.opts = opts
	require.Error(t, deleter.Delete(ctx, "/", "f"))

	// The failed delete gives its lock back while the session stays open.
	require.Eventually(t, func() bool { return len(c.master.Locks()) == 0 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 3, c.storedChunks(t))
	_, err = c.master.Stat("/", "f")
	assert.Equal(t, common.NotFound, common.CodeOf(err))

	deleter.opts = c.opts
	data := lorem(testChunkSize)
	_, err = deleter.Upload(ctx, bytes.NewReader(data), "/", "f")
	require.NoError(t, err)
	require.Equal(t, 6, c.storedChunks(t))

	require.NoError(t, c.master.RunChunkAudit(ctx))
	assert.Equal(t, 3, c.storedChunks(t))

	var out bytes.Buffer
	_, err = deleter.Read(ctx, "/", "f", &out)
	require.NoError(t, err)
	assert.Equal(t, data, out.Bytes())
}

func TestRemoteErrorCodes(t *testing.T) {
	cases := map[string]common.ErrorCode{
		"Directory does not exist":              common.NotFound,
		"File is locked by another client":      common.Conflict,
		"File is being written by another user": common.Conflict,
		"File already exists":                   common.Conflict,
		"File not committed":                    common.NotCommitted,
		"File is not being written":             common.LockViolation,
		"No live chunk servers":                 common.Unavailable,
		"unknown command \"x\"":                 common.ProtocolError,
	}
	for msg, code := range cases {
		assert.Equal(t, code, common.CodeOf(remoteError(msg)), msg)
	}
}
