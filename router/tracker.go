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

package router

import (
	"context"
	"sync"

	"github.com/weaviate/quarry/entities/types"
	"github.com/weaviate/quarry/events"
)

// PublishTracker follows the persisted positions of one ingest request
// until the matching splits are published. It subscribes to shard
// position updates at construction, before any position is tracked, so
// a publication can never slip between a track call and the wait.
type PublishTracker struct {
	mu               sync.Mutex
	awaitingPublish  map[types.ShardId]types.Position
	alreadyPublished map[types.ShardId]types.Position

	done     chan struct{}
	doneOnce sync.Once

	subscription *events.Subscription
}

// NewPublishTracker attaches a tracker to the broker's shard position
// updates.
func NewPublishTracker(broker *events.Broker) *PublishTracker {
	t := &PublishTracker{
		awaitingPublish:  map[types.ShardId]types.Position{},
		alreadyPublished: map[types.ShardId]types.Position{},
		done:             make(chan struct{}),
	}
	t.subscription = events.Subscribe(broker, t.onShardPositionsUpdate)
	return t
}

func (t *PublishTracker) onShardPositionsUpdate(update events.ShardPositionsUpdate) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, shardPosition := range update.UpdatedShardPositions {
		target, awaiting := t.awaitingPublish[shardPosition.ShardID]
		if awaiting && shardPosition.Position.AtOrAfter(target) {
			delete(t.awaitingPublish, shardPosition.ShardID)
			if len(t.awaitingPublish) == 0 {
				t.signal()
			}
			continue
		}
		// Keep the publication around: the persist response for this
		// shard may not have been processed yet.
		if current, ok := t.alreadyPublished[shardPosition.ShardID]; !ok || shardPosition.Position.AtOrAfter(current) {
			t.alreadyPublished[shardPosition.ShardID] = shardPosition.Position
		}
	}
}

func (t *PublishTracker) signal() {
	t.doneOnce.Do(func() { close(t.done) })
}

// TrackPersistedPosition registers that the request persisted records up
// to the position on the shard. A publication already observed at or
// beyond it satisfies the shard immediately.
func (t *PublishTracker) TrackPersistedPosition(shardID types.ShardId, position types.Position) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if published, ok := t.alreadyPublished[shardID]; ok && published.AtOrAfter(position) {
		return
	}
	t.awaitingPublish[shardID] = position
}

// WaitPublishComplete blocks until every tracked position is published
// or the context expires. It consumes the tracker: no position may be
// tracked afterwards.
func (t *PublishTracker) WaitPublishComplete(ctx context.Context) error {
	defer t.subscription.Close()

	t.mu.Lock()
	if len(t.awaitingPublish) == 0 {
		t.signal()
	}
	t.mu.Unlock()

	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
