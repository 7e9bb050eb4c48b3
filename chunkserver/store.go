package chunkserver

import (
	"context"
	"errors"
	"fmt"

	"github.com/caleberi/chunkfs/common"
	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const chunkKeyPrefix = "c:"

func chunkKey(id common.ChunkID) []byte {
	return []byte(chunkKeyPrefix + string(id))
}

// ChunkStore keeps chunk payloads in badger, keyed by chunk id.
type ChunkStore struct {
	db       *badger.DB
	inMemory bool
}

// OpenChunkStore opens the store under dir, or purely in memory when
// inMemory is set.
func OpenChunkStore(dir string, inMemory bool) (*ChunkStore, error) {
	opts := badger.DefaultOptions(dir)
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.
		WithLogger(badgerLogger{log.With().Str("component", "badger").Logger()}).
		WithCompression(options.None)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open chunk store at %q: %w", dir, err)
	}
	return &ChunkStore{db: db, inMemory: inMemory}, nil
}

func (s *ChunkStore) Put(id common.ChunkID, data []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(chunkKey(id), data)
	})
}

// Get returns the chunk payload, or a NotFound error.
func (s *ChunkStore) Get(id common.ChunkID) ([]byte, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(chunkKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return common.Errorf(common.NotFound, "chunk %s does not exist", id)
		}
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	return data, err
}

// Delete removes the chunk. Deleting a missing chunk succeeds.
func (s *ChunkStore) Delete(id common.ChunkID) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(chunkKey(id))
	})
}

// IDs lists every stored chunk id.
func (s *ChunkStore) IDs(ctx context.Context) ([]common.ChunkID, error) {
	var ids []common.ChunkID
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(chunkKeyPrefix)
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			key := it.Item().KeyCopy(nil)
			ids = append(ids, common.ChunkID(key[len(chunkKeyPrefix):]))
		}
		return nil
	})
	return ids, err
}

// CollectGarbage runs one badger value log GC pass. Having nothing to
// rewrite is not an error.
func (s *ChunkStore) CollectGarbage() error {
	if s.inMemory {
		return nil
	}
	err := s.db.RunValueLogGC(0.5)
	if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrRejected) {
		return nil
	}
	return err
}

func (s *ChunkStore) Close() error {
	return s.db.Close()
}

// badgerLogger routes badger's own logging through zerolog. Badger is chatty
// at info level, so that is demoted to debug.
type badgerLogger struct {
	zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...any)   { l.Error().Msgf(format, args...) }
func (l badgerLogger) Warningf(format string, args ...any) { l.Warn().Msgf(format, args...) }
func (l badgerLogger) Infof(format string, args ...any)    { l.Debug().Msgf(format, args...) }
func (l badgerLogger) Debugf(format string, args ...any)   { l.Debug().Msgf(format, args...) }
