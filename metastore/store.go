//                           _       _
// __      _____  __ ___   ___  __ _| |_ ___
// \ \ /\ / / _ \/ _` \ \ / / |/ _` | __/ _ \
//  \ V  V /  __/ (_| |\ V /| | (_| | ||  __/
//   \_/\_/ \___|\__,_| \_/ |_|\__,_|\__\___|
//
//  Copyright © 2016 - 2024 Weaviate B.V. All rights reserved.
//
//  CONTACT: hello@weaviate.io
//

package metastore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/weaviate/quarry/entities/ingest"
	"github.com/weaviate/quarry/entities/split"
	"github.com/weaviate/quarry/entities/types"
	"github.com/weaviate/quarry/events"
)

// Store is the file-backed metastore. Every index is held in memory and
// persisted as one JSON record; mutators take the per-index write lock,
// so all state transitions of an index are serialized while reads and
// writes on distinct indexes proceed in parallel.
type Store struct {
	logger logrus.FieldLogger

	// broker, when set, receives a ShardPositionsUpdate after every
	// publication that advanced the source checkpoint.
	broker *events.Broker

	// directory is the root of the persisted state. Empty means the store
	// is in-memory only, which the tests use.
	directory string

	mu      sync.RWMutex
	indexes map[string]*indexState

	// lastGenerations survives index deletion so that re-creating an
	// index yields a fresh incarnation of its uid.
	lastGenerations map[string]uint64
}

type indexState struct {
	mu       sync.RWMutex
	metadata *IndexMetadata

	splits map[string]*split.Split
	shards map[types.SourceId]map[types.ShardId]*ingest.Shard

	deleteTasks []*split.DeleteTask
	lastOpstamp uint64

	nextShardID types.ShardId
}

// NewStore opens the store rooted at directory, loading any previously
// persisted indexes. An empty directory yields an in-memory store.
func NewStore(directory string, broker *events.Broker, logger logrus.FieldLogger) (*Store, error) {
	s := &Store{
		logger:          logger.WithFields(logrus.Fields{"component": "metastore"}),
		broker:          broker,
		directory:       directory,
		indexes:         map[string]*indexState{},
		lastGenerations: map[string]uint64{},
	}
	if directory != "" {
		if err := s.loadAll(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) indexState(indexID string) (*indexState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.indexes[indexID]
	if !ok {
		return nil, errIndexDoesNotExist(indexID)
	}
	return state, nil
}

// indexStateForUid additionally rejects stale incarnations: a caller
// holding the uid of a deleted-and-recreated index must not observe the
// new one.
func (s *Store) indexStateForUid(indexUid types.IndexUid) (*indexState, error) {
	state, err := s.indexState(indexUid.IndexID)
	if err != nil {
		return nil, err
	}
	state.mu.RLock()
	current := state.metadata.IndexUid
	state.mu.RUnlock()
	if current != indexUid {
		return nil, errIndexDoesNotExist(indexUid.String())
	}
	return state, nil
}

// CreateIndex registers a new index and returns its uid. Re-creating an
// index that existed before yields the next generation of the uid.
func (s *Store) CreateIndex(ctx context.Context, config IndexConfig) (types.IndexUid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.indexes[config.IndexID]; ok {
		return types.IndexUid{}, errIndexAlreadyExists(config.IndexID)
	}

	generation := s.lastGenerations[config.IndexID] + 1
	s.lastGenerations[config.IndexID] = generation
	indexUid := types.IndexUid{IndexID: config.IndexID, Generation: generation}

	state := &indexState{
		metadata: newIndexMetadata(indexUid, config, time.Now().Unix()),
		splits:   map[string]*split.Split{},
		shards:   map[types.SourceId]map[types.ShardId]*ingest.Shard{},
	}
	s.indexes[config.IndexID] = state

	if err := s.persist(state); err != nil {
		delete(s.indexes, config.IndexID)
		return types.IndexUid{}, err
	}
	if err := s.persistManifest(); err != nil {
		return types.IndexUid{}, err
	}

	s.logger.WithFields(logrus.Fields{"index": indexUid.String()}).
		Info("created index")
	return indexUid, nil
}

// IndexExists reports whether an index with the given id is registered.
func (s *Store) IndexExists(ctx context.Context, indexID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.indexes[indexID]
	return ok, nil
}

// IndexMetadata returns a copy of the metadata of the given index.
func (s *Store) IndexMetadata(ctx context.Context, indexID string) (*IndexMetadata, error) {
	state, err := s.indexState(indexID)
	if err != nil {
		return nil, err
	}
	state.mu.RLock()
	defer state.mu.RUnlock()
	return state.metadata.clone(), nil
}

// ListIndexes returns the metadata of every registered index, ordered by
// index id.
func (s *Store) ListIndexes(ctx context.Context) ([]*IndexMetadata, error) {
	s.mu.RLock()
	states := make([]*indexState, 0, len(s.indexes))
	for _, state := range s.indexes {
		states = append(states, state)
	}
	s.mu.RUnlock()

	out := make([]*IndexMetadata, 0, len(states))
	for _, state := range states {
		state.mu.RLock()
		out = append(out, state.metadata.clone())
		state.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].IndexUid.IndexID < out[j].IndexUid.IndexID
	})
	return out, nil
}

// DeleteIndex removes an index together with its splits, shards, and
// delete tasks.
func (s *Store) DeleteIndex(ctx context.Context, indexUid types.IndexUid) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.indexes[indexUid.IndexID]
	if !ok {
		return errIndexDoesNotExist(indexUid.String())
	}
	state.mu.RLock()
	current := state.metadata.IndexUid
	state.mu.RUnlock()
	if current != indexUid {
		return errIndexDoesNotExist(indexUid.String())
	}

	if err := s.remove(indexUid.IndexID); err != nil {
		return err
	}
	delete(s.indexes, indexUid.IndexID)

	s.logger.WithFields(logrus.Fields{"index": indexUid.String()}).
		Info("deleted index")
	return nil
}
