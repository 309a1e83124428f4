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

	"github.com/weaviate/quarry/entities/types"
)

// AddSource attaches a new ingestion source to an index.
func (s *Store) AddSource(ctx context.Context, indexUid types.IndexUid, config SourceConfig) error {
	state, err := s.indexStateForUid(indexUid)
	if err != nil {
		return err
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	if _, ok := state.metadata.Sources[config.SourceID]; ok {
		return errSourceAlreadyExists(string(config.SourceID))
	}
	state.metadata.Sources[config.SourceID] = config
	return s.persist(state)
}

// ToggleSource enables or disables a source without touching its
// checkpoint, so that ingestion can be paused and resumed in place.
func (s *Store) ToggleSource(ctx context.Context, indexUid types.IndexUid, sourceID types.SourceId, enable bool) error {
	state, err := s.indexStateForUid(indexUid)
	if err != nil {
		return err
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	config, ok := state.metadata.Sources[sourceID]
	if !ok {
		return errSourceDoesNotExist(string(sourceID))
	}
	if config.Enabled == enable {
		return nil
	}
	config.Enabled = enable
	state.metadata.Sources[sourceID] = config
	return s.persist(state)
}

// DeleteSource detaches a source from an index, dropping its checkpoint
// and its shards with it.
func (s *Store) DeleteSource(ctx context.Context, indexUid types.IndexUid, sourceID types.SourceId) error {
	state, err := s.indexStateForUid(indexUid)
	if err != nil {
		return err
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	if _, ok := state.metadata.Sources[sourceID]; !ok {
		return errSourceDoesNotExist(string(sourceID))
	}
	delete(state.metadata.Sources, sourceID)
	state.metadata.Checkpoint.Reset(sourceID)
	delete(state.shards, sourceID)
	return s.persist(state)
}

// ResetSourceCheckpoint erases the checkpoint of a source so that it
// re-reads its input from the beginning.
func (s *Store) ResetSourceCheckpoint(ctx context.Context, indexUid types.IndexUid, sourceID types.SourceId) error {
	state, err := s.indexStateForUid(indexUid)
	if err != nil {
		return err
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	if _, ok := state.metadata.Sources[sourceID]; !ok {
		return errSourceDoesNotExist(string(sourceID))
	}
	state.metadata.Checkpoint.Reset(sourceID)
	return s.persist(state)
}
