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

// Package metastore is the authoritative store for indexes, splits,
// sources, shards, and delete tasks. All mutators of a given index are
// serialized, which makes split publication linearizable per index and
// source.
package metastore

import (
	"context"

	"github.com/weaviate/quarry/entities/checkpoint"
	"github.com/weaviate/quarry/entities/ingest"
	"github.com/weaviate/quarry/entities/split"
	"github.com/weaviate/quarry/entities/types"
)

// Metastore is the contract every metastore backend implements. All
// methods return an *Error with a specific ErrorKind on failure.
type Metastore interface {
	// Index operations.
	CreateIndex(ctx context.Context, config IndexConfig) (types.IndexUid, error)
	IndexExists(ctx context.Context, indexID string) (bool, error)
	IndexMetadata(ctx context.Context, indexID string) (*IndexMetadata, error)
	ListIndexes(ctx context.Context) ([]*IndexMetadata, error)
	DeleteIndex(ctx context.Context, indexUid types.IndexUid) error

	// Split operations.
	StageSplit(ctx context.Context, indexUid types.IndexUid, meta split.Metadata) error
	PublishSplits(ctx context.Context, req PublishSplitsRequest) error
	MarkSplitsForDeletion(ctx context.Context, indexUid types.IndexUid, splitIDs []string) error
	DeleteSplits(ctx context.Context, indexUid types.IndexUid, splitIDs []string) error
	ListAllSplits(ctx context.Context, indexUid types.IndexUid) ([]*split.Split, error)
	ListSplits(ctx context.Context, query ListSplitsQuery) ([]*split.Split, error)
	ListStaleSplits(ctx context.Context, indexUid types.IndexUid, deleteOpstamp uint64, limit int) ([]*split.Split, error)
	UpdateSplitsDeleteOpstamp(ctx context.Context, indexUid types.IndexUid, splitIDs []string, deleteOpstamp uint64) error

	// Source operations.
	AddSource(ctx context.Context, indexUid types.IndexUid, config SourceConfig) error
	ToggleSource(ctx context.Context, indexUid types.IndexUid, sourceID types.SourceId, enable bool) error
	DeleteSource(ctx context.Context, indexUid types.IndexUid, sourceID types.SourceId) error
	ResetSourceCheckpoint(ctx context.Context, indexUid types.IndexUid, sourceID types.SourceId) error

	// Shard operations.
	OpenShards(ctx context.Context, subrequests []OpenShardsSubrequest) ([]OpenShardsSubresponse, error)
	AcquireShards(ctx context.Context, req AcquireShardsRequest) ([]*ingest.Shard, error)
	CloseShards(ctx context.Context, subrequests []ShardRef) error
	DeleteShards(ctx context.Context, req DeleteShardsRequest) error
	ListShards(ctx context.Context, req ListShardsRequest) ([]*ingest.Shard, error)

	// Delete tasks.
	CreateDeleteTask(ctx context.Context, query split.DeleteQuery) (*split.DeleteTask, error)
	LastDeleteOpstamp(ctx context.Context, indexUid types.IndexUid) (uint64, error)
	ListDeleteTasks(ctx context.Context, indexUid types.IndexUid, opstampStart uint64) ([]*split.DeleteTask, error)
}

// PublishSplitsRequest makes a set of staged splits visible, atomically
// with the replacement of older splits and the advancement of the source
// checkpoint.
type PublishSplitsRequest struct {
	IndexUid         types.IndexUid
	StagedSplitIDs   []string
	ReplacedSplitIDs []string

	// SourceID and CheckpointDelta advance the source checkpoint in the
	// same atomic step. Both may be empty for merge publications, which
	// do not move the checkpoint.
	SourceID        types.SourceId
	CheckpointDelta *checkpoint.SourceCheckpointDelta

	// PublishToken, when set, must match the token stored on every shard
	// the delta touches. A stale token fails the publication.
	PublishToken types.PublishToken
}

// OpenShardsSubrequest asks for an open shard on a source, creating one
// if none is open. The leader (and optional follower) are the ingesters
// the control plane picked for the new shard.
type OpenShardsSubrequest struct {
	SubrequestID types.SubrequestId
	IndexUid     types.IndexUid
	SourceID     types.SourceId
	LeaderID     types.NodeId
	FollowerID   types.NodeId
}

// OpenShardsSubresponse lists the open shards of the requested source
// after the call, including any shard the call opened.
type OpenShardsSubresponse struct {
	SubrequestID types.SubrequestId
	IndexUid     types.IndexUid
	SourceID     types.SourceId
	OpenShards   []*ingest.Shard
}

// AcquireShardsRequest takes the publish lease over a set of shards:
// the stored publish token of every listed shard is rewritten to the
// caller's.
type AcquireShardsRequest struct {
	IndexUid     types.IndexUid
	SourceID     types.SourceId
	ShardIDs     []types.ShardId
	PublishToken types.PublishToken
}

// ShardRef names one shard of one source.
type ShardRef struct {
	IndexUid types.IndexUid
	SourceID types.SourceId
	ShardID  types.ShardId
}

// DeleteShardsRequest removes shards from a source. Without Force, only
// shards published up to Eof are deletable.
type DeleteShardsRequest struct {
	IndexUid types.IndexUid
	SourceID types.SourceId
	ShardIDs []types.ShardId
	Force    bool
}

// ListShardsRequest returns the shards of a source, optionally filtered
// by state.
type ListShardsRequest struct {
	IndexUid    types.IndexUid
	SourceID    types.SourceId
	ShardState  ingest.ShardState
	FilterState bool
}
