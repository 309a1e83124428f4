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

// Package indexing hosts the indexer side of the data plane: the ingest
// source consuming assigned shards through a multi-fetch stream,
// batching records with their checkpoint deltas, and advising ingesters
// to truncate once positions are published.
package indexing

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/weaviate/quarry/config"
	"github.com/weaviate/quarry/entities/checkpoint"
	"github.com/weaviate/quarry/entities/ingest"
	"github.com/weaviate/quarry/entities/types"
	"github.com/weaviate/quarry/events"
	"github.com/weaviate/quarry/ingester"
	"github.com/weaviate/quarry/metastore"
	"github.com/weaviate/quarry/monitoring"
	"github.com/weaviate/quarry/utils"
)

const (
	// Truncate advice is best effort: retry a few times, then log.
	suggestTruncateMaxDelay    = 10 * time.Second
	suggestTruncateMaxAttempts = 5
)

// ShardStatus is the per-assignment lifecycle of a shard inside a
// source.
type ShardStatus int

const (
	// ShardStatusActive: the shard is being consumed.
	ShardStatusActive ShardStatus = iota
	// ShardStatusError: the last fetch failed; the stream is retrying.
	ShardStatusError
	// ShardStatusEofReached: the Eof marker was consumed; awaiting the
	// publish confirmation.
	ShardStatusEofReached
	// ShardStatusComplete: the shard is fully published. Terminal.
	ShardStatusComplete
)

// isTerminal reports whether fetch errors no longer matter for the
// shard.
func (s ShardStatus) isTerminal() bool {
	return s == ShardStatusEofReached || s == ShardStatusComplete
}

type assignedShard struct {
	leaderID    types.NodeId
	followerID  types.NodeId
	partitionID checkpoint.PartitionId

	currentPositionInclusive types.Position
	status                   ShardStatus
}

// IngestSource consumes the shards assigned to one indexing pipeline.
// It is owned by the single goroutine running the pipeline loop:
// EmitBatches, AssignShards and SuggestTruncate are never called
// concurrently.
type IngestSource struct {
	nodeID      types.NodeId
	clientID    string
	sourceUid   types.SourceUid
	pipelineUid types.PipelineUid

	metastore   metastore.Metastore
	pool        *ingester.Pool
	fetchStream *ingester.MultiFetchStream
	broker      *events.Broker
	cfg         config.Ingest
	metrics     *monitoring.Metrics
	logger      logrus.FieldLogger

	publishLock    *PublishLock
	publishToken   types.PublishToken
	assignedShards map[types.ShardId]*assignedShard
}

// NewIngestSource returns a source for one pipeline run over the given
// source.
func NewIngestSource(nodeID types.NodeId, sourceUid types.SourceUid, ms metastore.Metastore,
	pool *ingester.Pool, broker *events.Broker, cfg config.Ingest, metrics *monitoring.Metrics,
	logger logrus.FieldLogger,
) *IngestSource {
	pipelineUid := types.PipelineUid(uuid.NewString())
	clientID := fmt.Sprintf("indexer/%s/%s/%s/%s", nodeID, sourceUid.IndexUid, sourceUid.SourceId, pipelineUid)

	return &IngestSource{
		nodeID:      nodeID,
		clientID:    clientID,
		sourceUid:   sourceUid,
		pipelineUid: pipelineUid,
		metastore:   ms,
		pool:        pool,
		fetchStream: ingester.NewMultiFetchStream(pool, clientID, cfg.RetryBaseDelay, cfg.RetryMaxDelay, metrics, logger),
		broker:      broker,
		cfg:         cfg,
		metrics:     metrics,
		logger: logger.WithFields(logrus.Fields{
			"component": "ingest_source",
			"source":    sourceUid.String(),
			"pipeline":  pipelineUid,
		}),
		publishLock:    NewPublishLock(),
		publishToken:   newPublishToken(clientID),
		assignedShards: map[types.ShardId]*assignedShard{},
	}
}

// PublishLock returns the current publish lock.
func (s *IngestSource) PublishLock() *PublishLock {
	return s.publishLock
}

// PublishToken returns the current publish token.
func (s *IngestSource) PublishToken() types.PublishToken {
	return s.publishToken
}

// Close drops all fetch subscriptions.
func (s *IngestSource) Close() {
	s.fetchStream.Reset()
}

// EmitBatches runs one iteration of the emit loop: it drains the fetch
// stream until the batch size limit or the emit timeout, then ships the
// batch downstream when its checkpoint delta is non-empty.
func (s *IngestSource) EmitBatches(ctx context.Context, downstream chan<- Message) error {
	batch := newBatchBuilder()

	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.EmitBatchesTimeout)
	defer cancel()

	for batch.numBytes < s.cfg.BatchNumBytesLimit {
		response, err := s.fetchStream.Next(fetchCtx)
		if err != nil {
			if fetchCtx.Err() != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				break
			}
			var streamErr *ingester.FetchStreamError
			if errors.As(err, &streamErr) {
				s.markShardError(streamErr)
				continue
			}
			return err
		}
		if err := s.processFetchResponse(batch, response); err != nil {
			return err
		}
	}

	if batch.checkpointDelta.IsEmpty() {
		return nil
	}
	select {
	case downstream <- batch.build():
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (s *IngestSource) processFetchResponse(batch *batchBuilder, response *ingester.FetchResponse) error {
	shard, ok := s.assignedShards[response.ShardID]
	if !ok {
		// Late response of a shard reset away in the meantime.
		return nil
	}
	if shard.status == ShardStatusError {
		shard.status = ShardStatusActive
	}

	for _, record := range response.MRecordBatch.Decode() {
		switch record.Kind {
		case ingest.MRecordKindDoc:
			batch.addDoc(record.Doc)
		case ingest.MRecordKindCommit:
			batch.forceCommit = true
		case ingest.MRecordKindEof:
			shard.status = ShardStatusEofReached
		default:
			return errors.Errorf("cannot decode record on shard %d", response.ShardID)
		}
	}

	if err := batch.checkpointDelta.RecordPartitionDelta(shard.partitionID,
		response.FromPositionExclusive, response.ToPositionInclusive); err != nil {
		return err
	}
	shard.currentPositionInclusive = response.ToPositionInclusive
	return nil
}

func (s *IngestSource) markShardError(streamErr *ingester.FetchStreamError) {
	shard, ok := s.assignedShards[streamErr.ShardID]
	if !ok || shard.status.isTerminal() {
		return
	}
	shard.status = ShardStatusError
	s.logger.WithError(streamErr.Err).WithField("shard", streamErr.ShardID).
		Warn("fetch stream failure")
}

// AssignShards reconciles the source with a new shard assignment. When
// a still-consumed shard was taken away, the whole pipeline run is
// reset: the fetch stream is dropped, the publish lock killed, and a
// fresh lock and token are sent downstream, in that order.
func (s *IngestSource) AssignShards(ctx context.Context, shardIDs []types.ShardId, downstream chan<- Message) error {
	newSet := make(map[types.ShardId]struct{}, len(shardIDs))
	for _, shardID := range shardIDs {
		newSet[shardID] = struct{}{}
	}

	resetNeeded := len(s.assignedShards) == 0
	for shardID, shard := range s.assignedShards {
		if _, kept := newSet[shardID]; !kept && shard.status != ShardStatusComplete {
			resetNeeded = true
		}
	}

	var added []types.ShardId
	if resetNeeded {
		if err := s.reset(ctx, downstream); err != nil {
			return err
		}
		added = shardIDs
	} else {
		for shardID := range s.assignedShards {
			if _, kept := newSet[shardID]; !kept {
				delete(s.assignedShards, shardID)
			}
		}
		for _, shardID := range shardIDs {
			if _, ok := s.assignedShards[shardID]; !ok {
				added = append(added, shardID)
			}
		}
	}
	if len(added) == 0 {
		return nil
	}
	return s.acquireShards(ctx, added)
}

func (s *IngestSource) reset(ctx context.Context, downstream chan<- Message) error {
	s.assignedShards = map[types.ShardId]*assignedShard{}
	s.fetchStream.Reset()

	s.publishLock.Kill()
	s.publishLock = NewPublishLock()
	s.publishToken = newPublishToken(s.clientID)

	for _, message := range []Message{
		NewPublishLockMessage{PublishLock: s.publishLock},
		NewPublishTokenMessage{PublishToken: s.publishToken},
	} {
		select {
		case downstream <- message:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// acquireShards takes the publish lease over the added shards and
// starts consuming the ones that are not already fully published.
func (s *IngestSource) acquireShards(ctx context.Context, shardIDs []types.ShardId) error {
	acquired, err := s.metastore.AcquireShards(ctx, metastore.AcquireShardsRequest{
		IndexUid:     s.sourceUid.IndexUid,
		SourceID:     s.sourceUid.SourceId,
		ShardIDs:     shardIDs,
		PublishToken: s.publishToken,
	})
	if err != nil {
		return errors.Wrap(err, "failed to acquire shards")
	}

	positions := map[checkpoint.PartitionId]types.Position{}
	for _, shard := range acquired {
		position := shard.PublishPositionInclusive
		assigned := &assignedShard{
			leaderID:                 shard.LeaderId,
			followerID:               shard.FollowerId,
			partitionID:              checkpoint.PartitionIdOfShard(shard.ShardId),
			currentPositionInclusive: position,
			status:                   ShardStatusActive,
		}
		if position.IsEof() {
			assigned.status = ShardStatusComplete
		} else if err := s.fetchStream.Subscribe(shard.LeaderId, shard.FollowerId,
			s.sourceUid.IndexUid, s.sourceUid.SourceId, shard.ShardId, position); err != nil {
			return err
		}
		s.assignedShards[shard.ShardId] = assigned
		positions[assigned.partitionID] = position
	}

	// Advise the ingesters right away: records up to the publish
	// position are released, and the local positions are broadcast.
	s.SuggestTruncate(checkpoint.SourceCheckpointFromMap(positions))
	return nil
}

// SuggestTruncate pushes published positions to the ingesters hosting
// the assigned shards and broadcasts a LocalShardPositionsUpdate. The
// pushes are fire and forget with a bounded retry; failures are logged
// only.
func (s *IngestSource) SuggestTruncate(ckpt checkpoint.SourceCheckpoint) {
	type replicaSet struct {
		leader   types.NodeId
		follower types.NodeId
	}
	perReplicaSet := map[replicaSet][]ingester.TruncateSubrequest{}
	var positions []events.ShardPosition

	for _, entry := range ckpt.Iter() {
		shardID := entry.PartitionID.ShardId()
		shard, ok := s.assignedShards[shardID]
		if !ok {
			continue
		}
		if entry.Position.IsEof() && shard.status == ShardStatusEofReached {
			shard.status = ShardStatusComplete
		}
		key := replicaSet{leader: shard.leaderID, follower: shard.followerID}
		perReplicaSet[key] = append(perReplicaSet[key], ingester.TruncateSubrequest{
			IndexUid:            s.sourceUid.IndexUid,
			SourceID:            s.sourceUid.SourceId,
			ShardID:             shardID,
			ToPositionInclusive: entry.Position,
		})
		positions = append(positions, events.ShardPosition{ShardID: shardID, Position: entry.Position})
	}

	for key, subrequests := range perReplicaSet {
		for _, nodeID := range []types.NodeId{key.leader, key.follower} {
			if nodeID == "" {
				continue
			}
			go s.truncateWithRetry(nodeID, subrequests)
		}
	}

	if len(positions) > 0 {
		s.broker.Publish(events.NewLocalShardPositionsUpdate(s.sourceUid, positions))
	}
}

func (s *IngestSource) truncateWithRetry(nodeID types.NodeId, subrequests []ingester.TruncateSubrequest) {
	operation := func() error {
		client, ok := s.pool.Get(nodeID)
		if !ok {
			return errors.Errorf("node %s is not in the ingester pool", nodeID)
		}
		return client.TruncateShards(context.Background(), subrequests)
	}
	retry := utils.BoundedBackoff(s.cfg.RetryBaseDelay, suggestTruncateMaxDelay, suggestTruncateMaxAttempts)
	if err := backoff.Retry(operation, retry); err != nil {
		s.logger.WithError(err).WithField("node", nodeID).Warn("failed to advise truncation")
	}
}
