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

package indexing

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weaviate/quarry/config"
	"github.com/weaviate/quarry/entities/checkpoint"
	"github.com/weaviate/quarry/entities/ingest"
	"github.com/weaviate/quarry/entities/split"
	"github.com/weaviate/quarry/entities/types"
	"github.com/weaviate/quarry/events"
	"github.com/weaviate/quarry/ingester"
	"github.com/weaviate/quarry/metastore"
)

type sourceTestEnv struct {
	indexUid  types.IndexUid
	sourceUid types.SourceUid
	store     *metastore.Store
	broker    *events.Broker
	pool      *ingester.Pool
	service   *ingester.Service
	source    *IngestSource
}

func newSourceTestEnv(t *testing.T) *sourceTestEnv {
	t.Helper()
	ctx := context.Background()
	logger, _ := logrustest.NewNullLogger()
	broker := events.NewBroker(64, logger)

	store, err := metastore.NewStore("", broker, logger)
	require.Nil(t, err)
	indexUid, err := store.CreateIndex(ctx, metastore.IndexConfig{IndexID: "my-index", IndexURI: "ram:///indexes/my-index"})
	require.Nil(t, err)
	require.Nil(t, store.AddSource(ctx, indexUid, metastore.SourceConfig{SourceID: "my-source", Enabled: true}))

	cfg := config.DefaultIngest()
	cfg.EmitBatchesTimeout = 200 * time.Millisecond
	cfg.RetryBaseDelay = 10 * time.Millisecond
	cfg.RetryMaxDelay = 100 * time.Millisecond

	pool := ingester.NewPool()
	service, err := ingester.NewService("ingester-1", filepath.Join(t.TempDir(), "wal.db"), pool, cfg, nil, logger)
	require.Nil(t, err)
	t.Cleanup(func() { service.Close() })
	pool.Set("ingester-1", service)

	sourceUid := types.SourceUid{IndexUid: indexUid, SourceId: "my-source"}
	source := NewIngestSource("indexer-1", sourceUid, store, pool, broker, cfg, nil, logger)
	t.Cleanup(source.Close)

	return &sourceTestEnv{
		indexUid:  indexUid,
		sourceUid: sourceUid,
		store:     store,
		broker:    broker,
		pool:      pool,
		service:   service,
		source:    source,
	}
}

// openShard opens the next shard of the source in the metastore and
// initializes its replica on the ingester. Closing the previous open
// shard first forces the metastore to mint a fresh one.
func (env *sourceTestEnv) openShard(t *testing.T) types.ShardId {
	t.Helper()
	ctx := context.Background()

	existing, err := env.store.ListShards(ctx, metastore.ListShardsRequest{
		IndexUid: env.indexUid, SourceID: "my-source",
		ShardState: ingest.ShardStateOpen, FilterState: true,
	})
	require.Nil(t, err)
	for _, shard := range existing {
		require.Nil(t, env.store.CloseShards(ctx, []metastore.ShardRef{{
			IndexUid: env.indexUid, SourceID: "my-source", ShardID: shard.ShardId,
		}}))
	}

	subresponses, err := env.store.OpenShards(ctx, []metastore.OpenShardsSubrequest{{
		IndexUid: env.indexUid, SourceID: "my-source", LeaderID: "ingester-1",
	}})
	require.Nil(t, err)
	require.Len(t, subresponses, 1)
	require.Len(t, subresponses[0].OpenShards, 1)
	shard := subresponses[0].OpenShards[0]

	replica := *shard
	require.Nil(t, env.service.InitShards(ctx, []ingest.Shard{replica}))
	return shard.ShardId
}

func (env *sourceTestEnv) persist(t *testing.T, shardID types.ShardId, commitForce bool, docs ...string) {
	t.Helper()
	records := make([]ingest.MRecord, 0, len(docs))
	for _, doc := range docs {
		records = append(records, ingest.DocRecord([]byte(doc)))
	}
	response, err := env.service.Persist(context.Background(), ingester.PersistRequest{
		LeaderID:    "ingester-1",
		CommitForce: commitForce,
		Subrequests: []ingester.PersistSubrequest{{
			IndexUid: env.indexUid,
			SourceID: "my-source",
			ShardID:  shardID,
			Records:  ingest.BuildMRecordBatch(records...),
		}},
	})
	require.Nil(t, err)
	require.Len(t, response.Successes, 1)
	require.Empty(t, response.Failures)
}

// seedShardAt appends filler records and truncates them away so that
// the next append lands at startPosition+1.
func (env *sourceTestEnv) seedShardAt(t *testing.T, shardID types.ShardId, startPosition uint64) {
	t.Helper()
	filler := make([]string, startPosition+1)
	for i := range filler {
		filler[i] = "filler"
	}
	env.persist(t, shardID, false, filler...)
	require.Nil(t, env.service.TruncateShards(context.Background(), []ingester.TruncateSubrequest{{
		IndexUid: env.indexUid, SourceID: "my-source", ShardID: shardID,
		ToPositionInclusive: types.PositionOffset(startPosition),
	}}))
}

func readMessages(t *testing.T, downstream <-chan Message, num int) []Message {
	t.Helper()
	messages := make([]Message, 0, num)
	for i := 0; i < num; i++ {
		select {
		case message := <-downstream:
			messages = append(messages, message)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for message %d of %d", i+1, num)
		}
	}
	return messages
}

func TestIngestSourceFirstAssignmentEmitsLockAndToken(t *testing.T) {
	env := newSourceTestEnv(t)
	shardID := env.openShard(t)
	downstream := make(chan Message, 8)

	require.Nil(t, env.source.AssignShards(context.Background(), []types.ShardId{shardID}, downstream))

	messages := readMessages(t, downstream, 2)
	lockMsg, ok := messages[0].(NewPublishLockMessage)
	require.True(t, ok, "expected a publish lock first, got %T", messages[0])
	assert.True(t, lockMsg.PublishLock.IsAlive())

	tokenMsg, ok := messages[1].(NewPublishTokenMessage)
	require.True(t, ok, "expected a publish token second, got %T", messages[1])
	assert.Equal(t, env.source.PublishToken(), tokenMsg.PublishToken)

	require.Contains(t, env.source.assignedShards, shardID)
	assert.Equal(t, ShardStatusActive, env.source.assignedShards[shardID].status)
}

func TestIngestSourceReassignmentResetsPipeline(t *testing.T) {
	env := newSourceTestEnv(t)
	shard1 := env.openShard(t)
	shard2 := env.openShard(t)
	shard3 := env.openShard(t)
	downstream := make(chan Message, 8)
	ctx := context.Background()

	require.Nil(t, env.source.AssignShards(ctx, []types.ShardId{shard1}, downstream))
	readMessages(t, downstream, 2)
	oldLock := env.source.PublishLock()
	oldToken := env.source.PublishToken()

	// Add-only: no reset, same lock and token.
	require.Nil(t, env.source.AssignShards(ctx, []types.ShardId{shard1, shard2}, downstream))
	assert.Len(t, downstream, 0)
	assert.Equal(t, oldToken, env.source.PublishToken())

	// Removing shard1 while it is still being consumed resets the run.
	require.Nil(t, env.source.AssignShards(ctx, []types.ShardId{shard2, shard3}, downstream))

	assert.NotEqual(t, oldToken, env.source.PublishToken())
	assert.True(t, oldLock.IsDead())

	messages := readMessages(t, downstream, 2)
	lockMsg, ok := messages[0].(NewPublishLockMessage)
	require.True(t, ok, "expected a publish lock first, got %T", messages[0])
	assert.True(t, lockMsg.PublishLock.IsAlive())
	assert.NotSame(t, oldLock, lockMsg.PublishLock)

	tokenMsg, ok := messages[1].(NewPublishTokenMessage)
	require.True(t, ok, "expected a publish token second, got %T", messages[1])
	assert.Equal(t, env.source.PublishToken(), tokenMsg.PublishToken)

	require.Len(t, env.source.assignedShards, 2)
	require.Contains(t, env.source.assignedShards, shard2)
	require.Contains(t, env.source.assignedShards, shard3)

	// The metastore lease was rewritten to the new token.
	shards, err := env.store.ListShards(ctx, metastore.ListShardsRequest{IndexUid: env.indexUid, SourceID: "my-source"})
	require.Nil(t, err)
	for _, shard := range shards {
		if shard.ShardId == shard2 || shard.ShardId == shard3 {
			assert.Equal(t, env.source.PublishToken(), shard.PublishToken)
		}
	}

	// Both subscriptions are live: records persisted on either shard
	// flow into the next batch.
	env.persist(t, shard2, false, "doc-on-2")
	env.persist(t, shard3, false, "doc-on-3")

	require.Nil(t, env.source.EmitBatches(ctx, downstream))
	batch, ok := readMessages(t, downstream, 1)[0].(RawDocBatch)
	require.True(t, ok)
	assert.Len(t, batch.Docs, 2)
	assert.Equal(t, 2, batch.CheckpointDelta.NumPartitions())
}

func TestIngestSourceAllEofAssignment(t *testing.T) {
	env := newSourceTestEnv(t)
	shardID := env.openShard(t)
	ctx := context.Background()

	// Publish a split covering the shard up to Eof so that its stored
	// publish position is terminal before the source acquires it.
	meta := split.Metadata{SplitID: "split-eof", IndexUid: env.indexUid, SourceId: "my-source", NumDocs: 1}
	require.Nil(t, env.store.StageSplit(ctx, env.indexUid, meta))
	delta := checkpoint.NewSourceCheckpointDelta()
	require.Nil(t, delta.RecordPartitionDelta(checkpoint.PartitionIdOfShard(shardID), types.Beginning, types.EofUnknown()))
	require.Nil(t, env.store.PublishSplits(ctx, metastore.PublishSplitsRequest{
		IndexUid:        env.indexUid,
		StagedSplitIDs:  []string{"split-eof"},
		SourceID:        "my-source",
		CheckpointDelta: &delta,
	}))

	localUpdates := make(chan events.LocalShardPositionsUpdate, 4)
	subscription := events.Subscribe(env.broker, func(update events.LocalShardPositionsUpdate) {
		localUpdates <- update
	})
	defer subscription.Close()

	downstream := make(chan Message, 8)
	require.Nil(t, env.source.AssignShards(ctx, []types.ShardId{shardID}, downstream))
	readMessages(t, downstream, 2)

	// No fetch stream: the shard is Complete on arrival.
	require.Contains(t, env.source.assignedShards, shardID)
	assert.Equal(t, ShardStatusComplete, env.source.assignedShards[shardID].status)

	select {
	case update := <-localUpdates:
		require.Len(t, update.UpdatedShardPositions, 1)
		assert.Equal(t, shardID, update.UpdatedShardPositions[0].ShardID)
		assert.True(t, update.UpdatedShardPositions[0].Position.IsEof())
	case <-time.After(5 * time.Second):
		t.Fatal("no local shard positions update was published")
	}

	// The Eof truncate advice eventually retires the replica.
	assert.Eventually(t, func() bool {
		response, err := env.service.Persist(ctx, ingester.PersistRequest{
			LeaderID: "ingester-1",
			Subrequests: []ingester.PersistSubrequest{{
				IndexUid: env.indexUid, SourceID: "my-source", ShardID: shardID,
				Records: ingest.BuildMRecordBatch(ingest.DocRecord([]byte("late"))),
			}},
		})
		if err != nil || len(response.Failures) != 1 {
			return false
		}
		return response.Failures[0].Reason == ingest.PersistFailureShardNotFound
	}, 5*time.Second, 20*time.Millisecond)
}

func TestIngestSourceMultiShardBatch(t *testing.T) {
	env := newSourceTestEnv(t)
	shard1 := env.openShard(t)
	shard2 := env.openShard(t)
	ctx := context.Background()

	// Shard 1 resumes at position 11, shard 2 at position 22.
	env.seedShardAt(t, shard1, 11)
	env.seedShardAt(t, shard2, 22)

	downstream := make(chan Message, 8)
	require.Nil(t, env.source.AssignShards(ctx, []types.ShardId{shard1, shard2}, downstream))
	readMessages(t, downstream, 2)
	env.source.assignedShards[shard1].currentPositionInclusive = types.PositionOffset(11)
	env.source.assignedShards[shard2].currentPositionInclusive = types.PositionOffset(22)

	// The subscriptions started at the publish positions (Beginning), so
	// resubscribe at the seeded offsets instead.
	env.source.fetchStream.Reset()
	require.Nil(t, env.source.fetchStream.Subscribe("ingester-1", "", env.indexUid, "my-source", shard1, types.PositionOffset(11)))
	require.Nil(t, env.source.fetchStream.Subscribe("ingester-1", "", env.indexUid, "my-source", shard2, types.PositionOffset(22)))

	env.persist(t, shard1, true, "test-doc-112", "test-doc-113")
	env.persist(t, shard2, false, "test-doc-223")
	require.Nil(t, env.service.CloseShards(ctx, []ingester.ShardRef{{
		IndexUid: env.indexUid, SourceID: "my-source", ShardID: shard2,
	}}))

	require.Nil(t, env.source.EmitBatches(ctx, downstream))

	batch, ok := readMessages(t, downstream, 1)[0].(RawDocBatch)
	require.True(t, ok)
	require.Len(t, batch.Docs, 3)
	docs := make([]string, 0, len(batch.Docs))
	for _, doc := range batch.Docs {
		docs = append(docs, string(doc))
	}
	// Cross-shard ordering is unspecified.
	assert.ElementsMatch(t, []string{"test-doc-112", "test-doc-113", "test-doc-223"}, docs)
	assert.True(t, batch.ForceCommit)

	delta1, ok := batch.CheckpointDelta.DeltaFor(checkpoint.PartitionIdOfShard(shard1))
	require.True(t, ok)
	assert.Equal(t, types.PositionOffset(11), delta1.FromExclusive)
	assert.Equal(t, types.PositionOffset(14), delta1.ToInclusive)

	delta2, ok := batch.CheckpointDelta.DeltaFor(checkpoint.PartitionIdOfShard(shard2))
	require.True(t, ok)
	assert.Equal(t, types.PositionOffset(22), delta2.FromExclusive)
	assert.True(t, delta2.ToInclusive.IsEof())

	assert.Equal(t, ShardStatusEofReached, env.source.assignedShards[shard2].status)
	assert.Equal(t, ShardStatusActive, env.source.assignedShards[shard1].status)
}

func TestIngestSourceEmitBatchesWithoutRecords(t *testing.T) {
	env := newSourceTestEnv(t)
	shardID := env.openShard(t)
	downstream := make(chan Message, 8)
	ctx := context.Background()

	require.Nil(t, env.source.AssignShards(ctx, []types.ShardId{shardID}, downstream))
	readMessages(t, downstream, 2)

	// Nothing persisted: the emit loop times out and ships nothing.
	require.Nil(t, env.source.EmitBatches(ctx, downstream))
	assert.Len(t, downstream, 0)
}

func TestIngestSourceSuggestTruncateCompletesEofShards(t *testing.T) {
	env := newSourceTestEnv(t)
	shardID := env.openShard(t)
	downstream := make(chan Message, 8)
	ctx := context.Background()

	require.Nil(t, env.source.AssignShards(ctx, []types.ShardId{shardID}, downstream))
	readMessages(t, downstream, 2)

	env.persist(t, shardID, false, "doc-0")
	require.Nil(t, env.service.CloseShards(ctx, []ingester.ShardRef{{
		IndexUid: env.indexUid, SourceID: "my-source", ShardID: shardID,
	}}))
	require.Nil(t, env.source.EmitBatches(ctx, downstream))
	readMessages(t, downstream, 1)
	require.Equal(t, ShardStatusEofReached, env.source.assignedShards[shardID].status)

	// Downstream confirmed publication up to Eof.
	env.source.SuggestTruncate(checkpoint.SourceCheckpointFromMap(map[checkpoint.PartitionId]types.Position{
		checkpoint.PartitionIdOfShard(shardID): types.EofUnknown(),
	}))
	assert.Equal(t, ShardStatusComplete, env.source.assignedShards[shardID].status)
}

func TestPublishLock(t *testing.T) {
	lock := NewPublishLock()
	assert.True(t, lock.IsAlive())
	assert.False(t, lock.IsDead())

	lock.Kill()
	lock.Kill()
	assert.False(t, lock.IsAlive())
	assert.True(t, lock.IsDead())
}
