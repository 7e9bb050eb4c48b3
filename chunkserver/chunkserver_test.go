package chunkserver

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/caleberi/chunkfs/common"
	"github.com/caleberi/chunkfs/rpc_struct"
	"github.com/caleberi/chunkfs/shared"
	"github.com/jaswdr/faker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testWidth     = common.DefaultMessageSize
	testChunkSize = common.DefaultChunkSize
)

func setupChunkServer(t *testing.T, dataDir string) *ChunkServer {
	t.Helper()
	cs, err := NewChunkServer(context.Background(), ChunkServerConfig{
		ServerAddress: "127.0.0.1:0",
		MessageSize:   testWidth,
		ChunkSize:     testChunkSize,
		DataDir:       dataDir,
		InMemory:      dataDir == "",
		GCInterval:    time.Hour,
		IOTimeout:     2 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { cs.Shutdown() })
	return cs
}

func loremChunk(t *testing.T) []byte {
	fake := faker.New()
	text := strings.Join(faker.Lorem.Paragraphs(fake.Lorem(), 20), "\n")
	if len(text) > testChunkSize {
		text = text[:testChunkSize]
	}
	require.NotEmpty(t, text)
	return []byte(text)
}

func TestHeartbeat(t *testing.T) {
	cs := setupChunkServer(t, "")

	var reply rpc_struct.StatusReply
	req := rpc_struct.NewMasterRequest(rpc_struct.CHeartBeat)
	require.NoError(t, shared.Call(context.Background(), cs.ServerAddr, testWidth, time.Second, req, &reply))
	assert.Equal(t, common.StatusOK, reply.Status)
}

func TestWriteReadDeleteChunk(t *testing.T) {
	cs := setupChunkServer(t, "")
	ctx := context.Background()
	data := loremChunk(t)

	require.NoError(t, shared.WriteChunk(ctx, cs.ServerAddr, testWidth, time.Second, "c1", data))

	got, err := shared.ReadChunk(ctx, cs.ServerAddr, testWidth, time.Second, "c1")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	ids, err := cs.Chunks(ctx)
	require.NoError(t, err)
	assert.Equal(t, []common.ChunkID{"c1"}, ids)

	require.NoError(t, shared.DeleteChunk(ctx, cs.ServerAddr, testWidth, time.Second, common.SenderMaster, "c1"))
	_, err = shared.ReadChunk(ctx, cs.ServerAddr, testWidth, time.Second, "c1")
	assert.Equal(t, common.NotFound, common.CodeOf(err))

	assert.NoError(t, shared.DeleteChunk(ctx, cs.ServerAddr, testWidth, time.Second, common.SenderClient, "never-written"),
		"deleting a missing chunk succeeds")
}

func TestWriteAcceptsEmptyAndFullChunks(t *testing.T) {
	cs := setupChunkServer(t, "")
	ctx := context.Background()

	require.NoError(t, shared.WriteChunk(ctx, cs.ServerAddr, testWidth, time.Second, "empty", nil))
	got, err := shared.ReadChunk(ctx, cs.ServerAddr, testWidth, time.Second, "empty")
	require.NoError(t, err)
	assert.Empty(t, got)

	full := []byte(strings.Repeat("x", testChunkSize))
	require.NoError(t, shared.WriteChunk(ctx, cs.ServerAddr, testWidth, time.Second, "full", full))
	got, err = shared.ReadChunk(ctx, cs.ServerAddr, testWidth, time.Second, "full")
	require.NoError(t, err)
	assert.Equal(t, full, got)
}

func TestWriteRejectsOversizedChunk(t *testing.T) {
	cs := setupChunkServer(t, "")
	ctx := context.Background()

	big := []byte(strings.Repeat("y", testChunkSize+1))
	err := shared.WriteChunk(ctx, cs.ServerAddr, testWidth, time.Second, "big", big)
	require.Error(t, err)

	_, err = shared.ReadChunk(ctx, cs.ServerAddr, testWidth, time.Second, "big")
	assert.Error(t, err)
}

func TestRejectsBadRequests(t *testing.T) {
	cs := setupChunkServer(t, "")
	ctx := context.Background()

	var reply rpc_struct.StatusReply
	require.NoError(t, shared.Call(ctx, cs.ServerAddr, testWidth, time.Second,
		rpc_struct.NewMasterRequest("defragment", "c1"), &reply))
	assert.Equal(t, common.StatusFailed, reply.Status)

	require.NoError(t, shared.Call(ctx, cs.ServerAddr, testWidth, time.Second,
		rpc_struct.NewMasterRequest(rpc_struct.CDeleteChunk), &reply))
	assert.Equal(t, common.StatusFailed, reply.Status)
}

func TestDiskStoreSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	data := loremChunk(t)

	first, err := NewChunkServer(ctx, ChunkServerConfig{
		ServerAddress: "127.0.0.1:0",
		MessageSize:   testWidth,
		ChunkSize:     testChunkSize,
		DataDir:       dir,
	})
	require.NoError(t, err)
	require.NoError(t, shared.WriteChunk(ctx, first.ServerAddr, testWidth, time.Second, "kept", data))
	require.NoError(t, first.Shutdown())
	require.NoError(t, first.Shutdown())

	second := setupChunkServer(t, dir)
	got, err := shared.ReadChunk(ctx, second.ServerAddr, testWidth, time.Second, "kept")
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.NoError(t, second.store.CollectGarbage())
}
