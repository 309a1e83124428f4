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
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/weaviate/quarry/entities/ingest"
	"github.com/weaviate/quarry/entities/split"
	"github.com/weaviate/quarry/entities/types"
)

const indexRecordVersion = "0.1"

// indexRecord is the persisted form of one index: a single JSON document
// holding the metadata and every state-transitioning field of its splits,
// shards, and delete tasks.
type indexRecord struct {
	Version     string              `json:"version"`
	Metadata    *IndexMetadata      `json:"metadata"`
	Splits      []*split.Split      `json:"splits"`
	Shards      []*ingest.Shard     `json:"shards"`
	DeleteTasks []*split.DeleteTask `json:"delete_tasks"`
	LastOpstamp uint64              `json:"last_delete_opstamp"`
	NextShardID types.ShardId       `json:"next_shard_id"`
}

// manifest survives index deletion: without it, deleting and re-creating
// an index across a restart could hand out a generation that was used
// before.
type manifest struct {
	Version     string            `json:"version"`
	Generations map[string]uint64 `json:"generations"`
}

func (s *Store) indexPath(indexID string) string {
	return filepath.Join(s.directory, "indexes", indexID+".json")
}

func (s *Store) manifestPath() string {
	return filepath.Join(s.directory, "manifest.json")
}

// persist writes the index record to disk. The caller holds the index
// write lock, so records never interleave. No-op for in-memory stores.
func (s *Store) persist(state *indexState) error {
	if s.directory == "" {
		return nil
	}

	record := indexRecord{
		Version:     indexRecordVersion,
		Metadata:    state.metadata,
		DeleteTasks: state.deleteTasks,
		LastOpstamp: state.lastOpstamp,
		NextShardID: state.nextShardID,
	}
	for _, sp := range state.splits {
		record.Splits = append(record.Splits, sp)
	}
	for _, shards := range state.shards {
		for _, shard := range shards {
			record.Shards = append(record.Shards, shard)
		}
	}

	data, err := json.Marshal(record)
	if err != nil {
		return errInternal(err, "marshal index record")
	}
	if err := writeFileAtomic(s.indexPath(state.metadata.IndexUid.IndexID), data); err != nil {
		return errInternal(err, "persist index record")
	}
	return nil
}

// persistManifest records the last generation handed out per index id.
// The caller holds s.mu.
func (s *Store) persistManifest() error {
	if s.directory == "" {
		return nil
	}
	data, err := json.Marshal(manifest{
		Version:     indexRecordVersion,
		Generations: s.lastGenerations,
	})
	if err != nil {
		return errInternal(err, "marshal manifest")
	}
	if err := writeFileAtomic(s.manifestPath(), data); err != nil {
		return errInternal(err, "persist manifest")
	}
	return nil
}

// remove deletes the persisted record of an index.
func (s *Store) remove(indexID string) error {
	if s.directory == "" {
		return nil
	}
	if err := os.Remove(s.indexPath(indexID)); err != nil && !os.IsNotExist(err) {
		return errInternal(err, "remove index record")
	}
	return nil
}

// loadAll restores every persisted index into memory. Called once from
// NewStore, before the store is shared.
func (s *Store) loadAll() error {
	indexesDir := filepath.Join(s.directory, "indexes")
	if err := os.MkdirAll(indexesDir, 0o755); err != nil {
		return errInternal(err, "create metastore directory")
	}

	if data, err := os.ReadFile(s.manifestPath()); err == nil {
		var m manifest
		if err := json.Unmarshal(data, &m); err != nil {
			return errInternal(err, "decode manifest")
		}
		for indexID, generation := range m.Generations {
			s.lastGenerations[indexID] = generation
		}
	} else if !os.IsNotExist(err) {
		return errInternal(err, "read manifest")
	}

	entries, err := os.ReadDir(indexesDir)
	if err != nil {
		return errInternal(err, "read metastore directory")
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(indexesDir, entry.Name()))
		if err != nil {
			return errInternal(err, "read index record")
		}
		var record indexRecord
		if err := json.Unmarshal(data, &record); err != nil {
			return errors.Wrapf(err, "decode index record %q", entry.Name())
		}

		state := &indexState{
			metadata:    record.Metadata,
			splits:      map[string]*split.Split{},
			shards:      map[types.SourceId]map[types.ShardId]*ingest.Shard{},
			deleteTasks: record.DeleteTasks,
			lastOpstamp: record.LastOpstamp,
			nextShardID: record.NextShardID,
		}
		if state.metadata.Sources == nil {
			state.metadata.Sources = map[types.SourceId]SourceConfig{}
		}
		if state.metadata.Checkpoint == nil {
			state.metadata.Checkpoint = IndexCheckpoint{}
		}
		for _, sp := range record.Splits {
			state.splits[sp.SplitID()] = sp
		}
		for _, shard := range record.Shards {
			shards, ok := state.shards[shard.SourceId]
			if !ok {
				shards = map[types.ShardId]*ingest.Shard{}
				state.shards[shard.SourceId] = shards
			}
			shards[shard.ShardId] = shard
		}

		indexID := record.Metadata.IndexUid.IndexID
		s.indexes[indexID] = state
		if record.Metadata.IndexUid.Generation > s.lastGenerations[indexID] {
			s.lastGenerations[indexID] = record.Metadata.IndexUid.Generation
		}
	}
	return nil
}

// writeFileAtomic writes via a temp file and rename, so that a crash
// mid-write never leaves a truncated record behind.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
