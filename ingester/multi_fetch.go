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
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/weaviate/quarry/entities/ingest"
	"github.com/weaviate/quarry/entities/types"
	"github.com/weaviate/quarry/monitoring"
	"github.com/weaviate/quarry/utils"
)

// FetchStreamError is a recoverable per-shard failure surfaced by a
// multi-fetch stream. The shard's stream keeps retrying behind it.
type FetchStreamError struct {
	ShardID types.ShardId
	Err     error
}

func (e *FetchStreamError) Error() string {
	return fmt.Sprintf("fetch stream failure on shard %d: %v", e.ShardID, e.Err)
}

func (e *FetchStreamError) Unwrap() error {
	return e.Err
}

// MultiFetchStream fans the per-shard fetch streams of one consumer into
// a single sequence. Per-shard failures are reported, then retried with
// exponential backoff until the shard reaches Eof or is unsubscribed;
// streams on a leader that is unavailable or timing out fail over to the
// follower.
type MultiFetchStream struct {
	pool     *Pool
	clientID string
	logger   logrus.FieldLogger
	metrics  *monitoring.Metrics

	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration

	items chan fetchItem

	mu            sync.Mutex
	subscriptions map[types.ShardId]*shardSubscription
	wg            sync.WaitGroup
}

type shardSubscription struct {
	cancel context.CancelFunc
}

func NewMultiFetchStream(pool *Pool, clientID string, retryBaseDelay, retryMaxDelay time.Duration,
	metrics *monitoring.Metrics, logger logrus.FieldLogger,
) *MultiFetchStream {
	return &MultiFetchStream{
		pool:           pool,
		clientID:       clientID,
		logger:         logger.WithFields(logrus.Fields{"component": "multi_fetch_stream"}),
		metrics:        metrics,
		retryBaseDelay: retryBaseDelay,
		retryMaxDelay:  retryMaxDelay,
		items:          make(chan fetchItem, 64),
		subscriptions:  map[types.ShardId]*shardSubscription{},
	}
}

// Subscribe starts consuming a shard after the given position. Each
// shard may be subscribed at most once at a time.
func (m *MultiFetchStream) Subscribe(leaderID, followerID types.NodeId,
	indexUid types.IndexUid, sourceID types.SourceId, shardID types.ShardId,
	fromPositionExclusive types.Position,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.subscriptions[shardID]; ok {
		return ingest.ErrInternal(fmt.Sprintf("shard %d is already subscribed", shardID))
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &shardSubscription{cancel: cancel}
	m.subscriptions[shardID] = sub
	m.wg.Add(1)
	go m.fetchShard(ctx, sub, leaderID, followerID, indexUid, sourceID, shardID, fromPositionExclusive)
	return nil
}

// Unsubscribe stops consuming a shard. Responses already queued may
// still be yielded by Next.
func (m *MultiFetchStream) Unsubscribe(shardID types.ShardId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub, ok := m.subscriptions[shardID]; ok {
		sub.cancel()
		delete(m.subscriptions, shardID)
	}
}

// Next blocks until a batch or a per-shard failure is available. The
// error, when non-nil and the context is live, is a *FetchStreamError.
func (m *MultiFetchStream) Next(ctx context.Context) (*FetchResponse, error) {
	select {
	case item := <-m.items:
		return item.response, item.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Reset drops every subscription and all pending responses.
func (m *MultiFetchStream) Reset() {
	m.mu.Lock()
	for shardID, sub := range m.subscriptions {
		sub.cancel()
		delete(m.subscriptions, shardID)
	}
	m.mu.Unlock()

	m.wg.Wait()
	for {
		select {
		case <-m.items:
		default:
			return
		}
	}
}

func (m *MultiFetchStream) fetchShard(ctx context.Context, sub *shardSubscription,
	leaderID, followerID types.NodeId,
	indexUid types.IndexUid, sourceID types.SourceId, shardID types.ShardId,
	fromPositionExclusive types.Position,
) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		if m.subscriptions[shardID] == sub {
			delete(m.subscriptions, shardID)
		}
		m.mu.Unlock()
	}()

	retry := utils.ExponentialBackoff(m.retryBaseDelay, m.retryMaxDelay)
	preferFollower := false

	for {
		nodeID := leaderID
		if preferFollower && followerID != "" {
			nodeID = followerID
		}

		err := m.consumeStream(ctx, nodeID, indexUid, sourceID, shardID, &fromPositionExclusive, retry)
		if err == nil {
			// Eof reached.
			return
		}
		if ctx.Err() != nil {
			return
		}

		switch ingest.KindOf(err) {
		case ingest.ErrorKindUnavailable, ingest.ErrorKindTimeout:
			if followerID != "" {
				preferFollower = !preferFollower
			}
		}

		m.metrics.ObserveFetchStreamError()
		m.sendItem(ctx, fetchItem{err: &FetchStreamError{ShardID: shardID, Err: err}})

		wait := retry.NextBackOff()
		m.logger.WithError(err).WithFields(logrus.Fields{
			"shard":    shardID,
			"retry_in": wait,
		}).Debug("fetch stream failed, retrying")
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

// consumeStream opens one stream and forwards its responses. A nil
// return means the shard reached Eof.
func (m *MultiFetchStream) consumeStream(ctx context.Context, nodeID types.NodeId,
	indexUid types.IndexUid, sourceID types.SourceId, shardID types.ShardId,
	fromPositionExclusive *types.Position, retry interface{ Reset() },
) error {
	ing, ok := m.pool.Get(nodeID)
	if !ok {
		return ingest.ErrUnavailable(fmt.Sprintf("ingester %s is not in the pool", nodeID))
	}

	stream, err := ing.OpenFetchStream(ctx, OpenFetchStreamRequest{
		ClientID:              m.clientID,
		IndexUid:              indexUid,
		SourceID:              sourceID,
		ShardID:               shardID,
		FromPositionExclusive: *fromPositionExclusive,
	})
	if err != nil {
		return err
	}
	defer stream.Close()

	for {
		response, err := stream.Next(ctx)
		if err != nil {
			return err
		}
		retry.Reset()
		*fromPositionExclusive = response.ToPositionInclusive
		if !m.sendItem(ctx, fetchItem{response: response}) {
			return ctx.Err()
		}
		if response.ToPositionInclusive.IsEof() {
			return nil
		}
	}
}

func (m *MultiFetchStream) sendItem(ctx context.Context, item fetchItem) bool {
	select {
	case m.items <- item:
		return true
	case <-ctx.Done():
		return false
	}
}
