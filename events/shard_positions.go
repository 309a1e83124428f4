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

package events

import (
	"sort"

	"github.com/weaviate/quarry/entities/types"
)

// ShardPosition is one (shard, position) entry of a positions update.
type ShardPosition struct {
	ShardID  types.ShardId
	Position types.Position
}

func sortShardPositions(positions []ShardPosition) []ShardPosition {
	sorted := make([]ShardPosition, len(positions))
	copy(sorted, positions)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ShardID < sorted[j].ShardID
	})
	return sorted
}

// ShardPositionsUpdate is published cluster-wide once a split has been
// published and the source checkpoint advanced: the listed shards are
// durable up to the listed positions.
type ShardPositionsUpdate struct {
	SourceUid             types.SourceUid
	UpdatedShardPositions []ShardPosition
}

// NewShardPositionsUpdate returns an update with positions sorted by
// shard id.
func NewShardPositionsUpdate(sourceUid types.SourceUid, positions []ShardPosition) ShardPositionsUpdate {
	return ShardPositionsUpdate{
		SourceUid:             sourceUid,
		UpdatedShardPositions: sortShardPositions(positions),
	}
}

func (ShardPositionsUpdate) EventName() string {
	return "shard_positions_update"
}

// LocalShardPositionsUpdate is published by an ingest source after it has
// advised the ingesters to truncate: the local pipeline has consumed (or
// acquired) the listed shards up to the listed positions.
type LocalShardPositionsUpdate struct {
	SourceUid             types.SourceUid
	UpdatedShardPositions []ShardPosition
}

// NewLocalShardPositionsUpdate returns an update with positions sorted by
// shard id.
func NewLocalShardPositionsUpdate(sourceUid types.SourceUid, positions []ShardPosition) LocalShardPositionsUpdate {
	return LocalShardPositionsUpdate{
		SourceUid:             sourceUid,
		UpdatedShardPositions: sortShardPositions(positions),
	}
}

func (LocalShardPositionsUpdate) EventName() string {
	return "local_shard_positions_update"
}
