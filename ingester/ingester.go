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

// Package ingester implements the write path of a shard: an append-only
// record log per shard replica, persisted ahead of indexing, replicated
// to an optional follower, and streamed out to the indexers consuming
// the shard.
package ingester

import (
	"context"

	"github.com/weaviate/quarry/entities/ingest"
	"github.com/weaviate/quarry/entities/types"
)

// Ingester is the node-level contract of the write path. The router
// persists through it, indexers fetch through it, and peers replicate
// through it.
type Ingester interface {
	Persist(ctx context.Context, req PersistRequest) (*PersistResponse, error)
	Replicate(ctx context.Context, req ReplicateRequest) (*ReplicateResponse, error)
	OpenFetchStream(ctx context.Context, req OpenFetchStreamRequest) (*FetchStream, error)
	InitShards(ctx context.Context, shards []ingest.Shard) error
	TruncateShards(ctx context.Context, subrequests []TruncateSubrequest) error
	CloseShards(ctx context.Context, refs []ShardRef) error
	Ping(ctx context.Context) error
}

// ShardRef names one shard replica on an ingester.
type ShardRef struct {
	IndexUid types.IndexUid
	SourceID types.SourceId
	ShardID  types.ShardId
}

// PersistRequest appends record batches to a set of shards led by one
// ingester.
type PersistRequest struct {
	LeaderID    types.NodeId
	CommitForce bool
	Subrequests []PersistSubrequest
}

// PersistSubrequest is one shard's slice of a persist request.
type PersistSubrequest struct {
	SubrequestID types.SubrequestId
	IndexUid     types.IndexUid
	SourceID     types.SourceId
	ShardID      types.ShardId
	Records      ingest.MRecordBatch
}

// PersistResponse partitions the subrequests into successes and
// failures. Failures are per shard: one shard shedding load does not
// fail the records bound for its siblings.
type PersistResponse struct {
	LeaderID  types.NodeId
	Successes []PersistSuccess
	Failures  []PersistFailure
}

// PersistSuccess reports the new tail of the shard after the append.
type PersistSuccess struct {
	SubrequestID                 types.SubrequestId
	IndexUid                     types.IndexUid
	SourceID                     types.SourceId
	ShardID                      types.ShardId
	ReplicationPositionInclusive types.Position
}

// PersistFailure carries the reason a shard rejected the append.
type PersistFailure struct {
	SubrequestID types.SubrequestId
	IndexUid     types.IndexUid
	SourceID     types.SourceId
	ShardID      types.ShardId
	Reason       ingest.PersistFailureReason
}

// ReplicateRequest mirrors records already accepted by the leader onto
// the follower replica.
type ReplicateRequest struct {
	LeaderID    types.NodeId
	FollowerID  types.NodeId
	Subrequests []ReplicateSubrequest
}

// ReplicateSubrequest carries the records of one shard along with the
// position they start at on the leader.
type ReplicateSubrequest struct {
	SubrequestID          types.SubrequestId
	IndexUid              types.IndexUid
	SourceID              types.SourceId
	ShardID               types.ShardId
	FromPositionExclusive types.Position
	Records               ingest.MRecordBatch
}

// ReplicateResponse acknowledges the replicated positions.
type ReplicateResponse struct {
	FollowerID types.NodeId
	Successes  []PersistSuccess
	Failures   []PersistFailure
}

// OpenFetchStreamRequest opens a record stream over one shard, starting
// after the given position.
type OpenFetchStreamRequest struct {
	ClientID              string
	IndexUid              types.IndexUid
	SourceID              types.SourceId
	ShardID               types.ShardId
	FromPositionExclusive types.Position
}

// FetchResponse is one batch of records from a shard, delimited by the
// open position interval it covers. A response whose ToPositionInclusive
// is Eof is the last response of the stream.
type FetchResponse struct {
	IndexUid              types.IndexUid
	SourceID              types.SourceId
	ShardID               types.ShardId
	MRecordBatch          ingest.MRecordBatch
	FromPositionExclusive types.Position
	ToPositionInclusive   types.Position
}

// TruncateSubrequest advises an ingester that records up to the position
// have been durably published and may be dropped. A Beginning position
// is a no-op; an Eof position additionally retires the replica.
type TruncateSubrequest struct {
	IndexUid            types.IndexUid
	SourceID            types.SourceId
	ShardID             types.ShardId
	ToPositionInclusive types.Position
}
