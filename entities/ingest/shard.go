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

// Package ingest holds the domain types shared by the ingest router, the
// ingesters and the indexer-side sources: shards, the mrecord wire
// encoding, and the ingest error taxonomy.
package ingest

import (
	"github.com/weaviate/quarry/entities/types"
)

// ShardState is the lifecycle state of a shard.
type ShardState string

const (
	// ShardStateOpen: the shard accepts new records.
	ShardStateOpen ShardState = "Open"
	// ShardStateClosed: the shard no longer accepts new records but may
	// still be read until its publish position reaches Eof.
	ShardStateClosed ShardState = "Closed"
)

// Shard is the metastore's view of a shard: a partitioned, ordered,
// append-only record stream hosted by a leader ingester and mirrored by an
// optional follower.
type Shard struct {
	IndexUid types.IndexUid `json:"index_uid"`
	SourceId types.SourceId `json:"source_id"`
	ShardId  types.ShardId  `json:"shard_id"`

	LeaderId types.NodeId `json:"leader_id"`
	// FollowerId is empty when the shard is not replicated.
	FollowerId types.NodeId `json:"follower_id,omitempty"`

	State ShardState `json:"state"`

	// PublishPositionInclusive is the position of the last record whose
	// containing split has been published. Non-decreasing over time.
	PublishPositionInclusive types.Position `json:"publish_position_inclusive"`

	// PublishToken is the exclusive lease held by the indexing pipeline
	// currently consuming the shard, if any.
	PublishToken types.PublishToken `json:"publish_token,omitempty"`
}

// HasFollower reports whether the shard is replicated.
func (s *Shard) HasFollower() bool {
	return s.FollowerId != ""
}

// IsOpen reports whether the shard accepts new records.
func (s *Shard) IsOpen() bool {
	return s.State == ShardStateOpen
}
