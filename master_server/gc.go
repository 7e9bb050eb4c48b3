package master_server

import (
	"context"
	"errors"
	"fmt"

	"github.com/caleberi/chunkfs/common"
	namespacemanager "github.com/caleberi/chunkfs/namespace_manager"
	"github.com/caleberi/chunkfs/shared"
	"github.com/caleberi/chunkfs/wal"
	"github.com/rs/zerolog/log"
)

type pruneCandidate struct {
	file   *namespacemanager.File
	path   common.Path
	chunks []common.ChunkLocation
}

// RunChunkAudit reclaims the chunks of every unlocked file that is not
// COMMITTED. A file is removed from the namespace only when every replica
// of every chunk acknowledged the delete; otherwise it is retried on the
// next round. The round holds the fleet-state lock.
func (ma *MasterServer) RunChunkAudit(ctx context.Context) error {
	ma.fleet.Lock()
	defer ma.fleet.Unlock()

	var errs []error
	for _, c := range ma.pruneCandidates() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := ma.deleteReplicas(ctx, c); err != nil {
			ma.metrics.RecordPrune(false)
			log.Warn().Err(err).Msgf("cannot prune %s yet", c.path)
			errs = append(errs, common.Errorf(common.PruneFailure, "%s: %v", c.path, err))
			continue
		}
		if ma.forget(c) {
			ma.metrics.RecordPrune(true)
		}
	}
	return errors.Join(errs...)
}

func (ma *MasterServer) pruneCandidates() []pruneCandidate {
	ma.RLock()
	defer ma.RUnlock()

	var out []pruneCandidate
	ma.namespace.Walk(func(f *namespacemanager.File) {
		if f.Status == common.Committed || ma.locks.IsLocked(f) {
			return
		}
		out = append(out, pruneCandidate{file: f, path: f.Path, chunks: f.Chunks()})
	})
	return out
}

// deleteReplicas asks every recorded replica of c to drop its chunk. A
// replica in the dead set counts as a failure.
func (ma *MasterServer) deleteReplicas(ctx context.Context, c pruneCandidate) error {
	var errs []error
	for _, chunk := range c.chunks {
		for _, idx := range chunk.Replicas {
			addr, ok := ma.fleet.Endpoint(idx)
			if !ok {
				errs = append(errs, fmt.Errorf("chunk %s: unknown server %d", chunk.ID, idx))
				continue
			}
			if ma.fleet.IsDead(idx) {
				errs = append(errs, fmt.Errorf("chunk %s: server %d is dead", chunk.ID, idx))
				continue
			}

			err := shared.DeleteChunk(ctx, addr, ma.cfg.MessageSize, ma.cfg.RPCTimeout, common.SenderMaster, chunk.ID)
			if err != nil {
				errs = append(errs, fmt.Errorf("chunk %s on server %d: %w", chunk.ID, idx, err))
			}
		}
	}
	return errors.Join(errs...)
}

// forget logs commit_delete for c and drops it from the tree, unless a
// client locked it while its replicas were being cleaned.
func (ma *MasterServer) forget(c pruneCandidate) bool {
	ma.Lock()
	defer ma.Unlock()

	f := c.file
	if f.Status == common.Committed || ma.locks.IsLocked(f) || f.Dir() == "" {
		return false
	}
	if err := ma.appendLog(wal.NewEntry(wal.OpCommitDelete, f.Dir(), f.Name)); err != nil {
		return false
	}
	ma.namespace.Remove(f)
	log.Info().Msgf("pruned %s", c.path)
	return true
}
