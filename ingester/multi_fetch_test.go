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

package ingester

import (
	"context"
	"testing"
	"time"

	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weaviate/quarry/entities/ingest"
	"github.com/weaviate/quarry/entities/types"
)

// unavailableIngester fails every call, standing in for a node that
// dropped out.
type unavailableIngester struct{}

func (unavailableIngester) Persist(context.Context, PersistRequest) (*PersistResponse, error) {
	return nil, ingest.ErrUnavailable("node down")
}

func (unavailableIngester) Replicate(context.Context, ReplicateRequest) (*ReplicateResponse, error) {
	return nil, ingest.ErrUnavailable("node down")
}

func (unavailableIngester) OpenFetchStream(context.Context, OpenFetchStreamRequest) (*FetchStream, error) {
	return nil, ingest.ErrUnavailable("node down")
}

func (unavailableIngester) InitShards(context.Context, []ingest.Shard) error {
	return ingest.ErrUnavailable("node down")
}

func (unavailableIngester) TruncateShards(context.Context, []TruncateSubrequest) error {
	return ingest.ErrUnavailable("node down")
}

func (unavailableIngester) CloseShards(context.Context, []ShardRef) error {
	return ingest.ErrUnavailable("node down")
}

func (unavailableIngester) Ping(context.Context) error {
	return ingest.ErrUnavailable("node down")
}

func newTestMultiFetchStream(t *testing.T, pool *Pool) *MultiFetchStream {
	t.Helper()
	logger, _ := logrustest.NewNullLogger()
	stream := NewMultiFetchStream(pool, "test-client", 10*time.Millisecond, 100*time.Millisecond, nil, logger)
	t.Cleanup(stream.Reset)
	return stream
}

func TestMultiFetchStreamDeliversPerShardInOrder(t *testing.T) {
	ctx := context.Background()
	pool := NewPool()
	service := newTestService(t, "ingester-1", pool, nil)
	pool.Set("ingester-1", service)

	require.Nil(t, service.InitShards(ctx, []ingest.Shard{
		testShard(1, "ingester-1", ""),
		testShard(2, "ingester-1", ""),
	}))
	persistDocs(t, service, 1, "s1-doc-0")
	persistDocs(t, service, 2, "s2-doc-0")

	multi := newTestMultiFetchStream(t, pool)
	indexUid := types.NewIndexUid("my-index")
	require.Nil(t, multi.Subscribe("ingester-1", "", indexUid, "my-source", 1, types.Beginning))
	require.Nil(t, multi.Subscribe("ingester-1", "", indexUid, "my-source", 2, types.Beginning))

	// Double subscription is rejected.
	err := multi.Subscribe("ingester-1", "", indexUid, "my-source", 1, types.Beginning)
	require.NotNil(t, err)

	seen := map[types.ShardId]int{}
	for i := 0; i < 2; i++ {
		response, err := multi.Next(ctx)
		require.Nil(t, err)
		seen[response.ShardID]++
	}
	assert.Equal(t, map[types.ShardId]int{1: 1, 2: 1}, seen)

	persistDocs(t, service, 1, "s1-doc-1")
	response, err := multi.Next(ctx)
	require.Nil(t, err)
	assert.Equal(t, types.ShardId(1), response.ShardID)
	assert.True(t, response.FromPositionExclusive.Equal(types.PositionOffset(0)))
}

func TestMultiFetchStreamRetriesAfterError(t *testing.T) {
	ctx := context.Background()
	pool := NewPool()
	pool.Set("ingester-1", unavailableIngester{})

	multi := newTestMultiFetchStream(t, pool)
	indexUid := types.NewIndexUid("my-index")
	require.Nil(t, multi.Subscribe("ingester-1", "", indexUid, "my-source", 1, types.Beginning))

	// The failure is surfaced but the subscription stays alive.
	_, err := multi.Next(ctx)
	require.NotNil(t, err)
	streamErr, ok := err.(*FetchStreamError)
	require.True(t, ok)
	assert.Equal(t, types.ShardId(1), streamErr.ShardID)
	assert.Equal(t, ingest.ErrorKindUnavailable, ingest.KindOf(streamErr))

	_, err = multi.Next(ctx)
	require.NotNil(t, err)
}

func TestMultiFetchStreamFailsOverToFollower(t *testing.T) {
	ctx := context.Background()
	pool := NewPool()
	follower := newTestService(t, "ingester-2", pool, nil)
	pool.Set("ingester-1", unavailableIngester{})
	pool.Set("ingester-2", follower)

	require.Nil(t, follower.InitShards(ctx, []ingest.Shard{testShard(1, "ingester-1", "ingester-2")}))
	persistDocs(t, follower, 1, "doc-0")

	multi := newTestMultiFetchStream(t, pool)
	indexUid := types.NewIndexUid("my-index")
	require.Nil(t, multi.Subscribe("ingester-1", "ingester-2", indexUid, "my-source", 1, types.Beginning))

	// First the leader failure, then the batch served by the follower.
	deadline, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for {
		response, err := multi.Next(deadline)
		require.NotEqual(t, context.DeadlineExceeded, err)
		if err != nil {
			continue
		}
		records := response.MRecordBatch.Decode()
		require.Len(t, records, 1)
		assert.Equal(t, []byte("doc-0"), records[0].Doc)
		return
	}
}

func TestMultiFetchStreamEndsAtEof(t *testing.T) {
	ctx := context.Background()
	pool := NewPool()
	service := newTestService(t, "ingester-1", pool, nil)
	pool.Set("ingester-1", service)

	require.Nil(t, service.InitShards(ctx, []ingest.Shard{testShard(1, "ingester-1", "")}))
	persistDocs(t, service, 1, "doc-0")
	require.Nil(t, service.CloseShards(ctx, []ShardRef{{
		IndexUid: types.NewIndexUid("my-index"),
		SourceID: "my-source",
		ShardID:  1,
	}}))

	multi := newTestMultiFetchStream(t, pool)
	indexUid := types.NewIndexUid("my-index")
	require.Nil(t, multi.Subscribe("ingester-1", "", indexUid, "my-source", 1, types.Beginning))

	response, err := multi.Next(ctx)
	require.Nil(t, err)
	require.True(t, response.ToPositionInclusive.IsEof())

	// Once the shard reached Eof, it can be subscribed again (e.g. after
	// a source reset).
	assert.Eventually(t, func() bool {
		return multi.Subscribe("ingester-1", "", indexUid, "my-source", 1, types.Beginning) == nil
	}, time.Second, 10*time.Millisecond)
}
