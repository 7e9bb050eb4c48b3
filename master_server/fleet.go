package master_server

import (
	"slices"
	"sync"

	"github.com/caleberi/chunkfs/common"
	"github.com/caleberi/chunkfs/utils"
	"github.com/rs/zerolog/log"
)

// ChunkServerFleet is the ordered list of chunk server endpoints (the index
// is the server's identity) together with the set currently believed dead.
//
// The embedded mutex is the fleet-state lock: a heartbeat round, a chunk
// audit round and a placement each hold it for their whole duration, so
// they are totally ordered. stateMu only guards the dead set itself so
// read-only observers are never stuck behind a slow round.
type ChunkServerFleet struct {
	sync.Mutex
	stateMu   sync.RWMutex
	endpoints []string
	dead      map[common.ServerIndex]bool
}

func NewChunkServerFleet(endpoints []string) *ChunkServerFleet {
	return &ChunkServerFleet{
		endpoints: append([]string(nil), endpoints...),
		dead:      make(map[common.ServerIndex]bool),
	}
}

func (f *ChunkServerFleet) Len() int { return len(f.endpoints) }

func (f *ChunkServerFleet) Endpoint(idx common.ServerIndex) (string, bool) {
	if idx < 0 || int(idx) >= len(f.endpoints) {
		return "", false
	}
	return f.endpoints[idx], true
}

func (f *ChunkServerFleet) Endpoints() []string {
	return append([]string(nil), f.endpoints...)
}

func (f *ChunkServerFleet) IsDead(idx common.ServerIndex) bool {
	f.stateMu.RLock()
	defer f.stateMu.RUnlock()
	return f.dead[idx]
}

// MarkDead adds idx to the dead set and reports whether it was alive before.
func (f *ChunkServerFleet) MarkDead(idx common.ServerIndex) bool {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	if f.dead[idx] {
		return false
	}
	f.dead[idx] = true
	return true
}

// MarkAlive removes idx from the dead set and reports whether it was dead.
func (f *ChunkServerFleet) MarkAlive(idx common.ServerIndex) bool {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	if !f.dead[idx] {
		return false
	}
	delete(f.dead, idx)
	return true
}

func (f *ChunkServerFleet) DeadServers() []common.ServerIndex {
	f.stateMu.RLock()
	defer f.stateMu.RUnlock()
	out := make([]common.ServerIndex, 0, len(f.dead))
	for idx := range f.dead {
		out = append(out, idx)
	}
	slices.Sort(out)
	return out
}

func (f *ChunkServerFleet) LiveServers() []common.ServerIndex {
	f.stateMu.RLock()
	defer f.stateMu.RUnlock()
	out := make([]common.ServerIndex, 0, len(f.endpoints))
	for i := range f.endpoints {
		if !f.dead[common.ServerIndex(i)] {
			out = append(out, common.ServerIndex(i))
		}
	}
	return out
}

// ChooseReplicas samples min(r, live) distinct live servers uniformly at
// random. Callers must hold the fleet-state lock.
func (f *ChunkServerFleet) ChooseReplicas(r int) []common.ServerIndex {
	live := f.LiveServers()
	chosen, err := utils.Sample(live, min(max(r, 0), len(live)))
	if err != nil {
		log.Err(err).Stack().Msg("cannot sample replicas")
		return nil
	}
	log.Debug().Msgf("Chose servers %v for replication", chosen)
	return chosen
}
