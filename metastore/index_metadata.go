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
	"github.com/weaviate/quarry/entities/checkpoint"
	"github.com/weaviate/quarry/entities/types"
)

// IndexConfig is the user-supplied part of an index: its id and the
// storage location its splits are written to.
type IndexConfig struct {
	IndexID  string `json:"index_id"`
	IndexURI string `json:"index_uri"`
}

// SourceConfig describes one ingestion source attached to an index.
type SourceConfig struct {
	SourceID     types.SourceId `json:"source_id"`
	Enabled      bool           `json:"enabled"`
	NumPipelines int            `json:"num_pipelines,omitempty"`
}

// IndexMetadata is everything the metastore tracks about an index apart
// from its splits and shards: the config, the attached sources, and one
// checkpoint per source.
type IndexMetadata struct {
	IndexUid        types.IndexUid                  `json:"index_uid"`
	IndexConfig     IndexConfig                     `json:"index_config"`
	CreateTimestamp int64                           `json:"create_timestamp"`
	Sources         map[types.SourceId]SourceConfig `json:"sources"`
	Checkpoint      IndexCheckpoint                 `json:"checkpoint"`
}

func newIndexMetadata(indexUid types.IndexUid, config IndexConfig, createTimestamp int64) *IndexMetadata {
	return &IndexMetadata{
		IndexUid:        indexUid,
		IndexConfig:     config,
		CreateTimestamp: createTimestamp,
		Sources:         map[types.SourceId]SourceConfig{},
		Checkpoint:      IndexCheckpoint{},
	}
}

func (m *IndexMetadata) clone() *IndexMetadata {
	out := *m
	out.Sources = make(map[types.SourceId]SourceConfig, len(m.Sources))
	for id, source := range m.Sources {
		out.Sources[id] = source
	}
	out.Checkpoint = make(IndexCheckpoint, len(m.Checkpoint))
	for id, cp := range m.Checkpoint {
		out.Checkpoint[id] = cp.Clone()
	}
	return &out
}

// IndexCheckpoint holds one source checkpoint per source of an index.
type IndexCheckpoint map[types.SourceId]checkpoint.SourceCheckpoint

// SourceCheckpoint returns the checkpoint of the given source, or an
// empty checkpoint if the source has never been advanced.
func (c IndexCheckpoint) SourceCheckpoint(sourceID types.SourceId) checkpoint.SourceCheckpoint {
	if cp, ok := c[sourceID]; ok {
		return cp
	}
	return checkpoint.NewSourceCheckpoint()
}

// TryApplyDelta advances the checkpoint of the given source by the delta.
// The source entry is created on first use.
func (c IndexCheckpoint) TryApplyDelta(sourceID types.SourceId, delta checkpoint.SourceCheckpointDelta) error {
	cp, ok := c[sourceID]
	if !ok {
		cp = checkpoint.NewSourceCheckpoint()
		c[sourceID] = cp
	}
	return cp.TryApply(delta)
}

// Reset drops the checkpoint of the given source.
func (c IndexCheckpoint) Reset(sourceID types.SourceId) {
	delete(c, sourceID)
}
