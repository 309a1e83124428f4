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
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/weaviate/quarry/entities/checkpoint"
	"github.com/weaviate/quarry/entities/ingest"
	"github.com/weaviate/quarry/entities/types"
	"github.com/weaviate/quarry/events"
)

// OpenShards ensures every requested source has at least one open shard.
// A subrequest for a source that already has open shards returns those;
// otherwise a new shard is opened on the leader named in the subrequest.
func (s *Store) OpenShards(ctx context.Context, subrequests []OpenShardsSubrequest) ([]OpenShardsSubresponse, error) {
	out := make([]OpenShardsSubresponse, 0, len(subrequests))
	for _, subrequest := range subrequests {
		state, err := s.indexStateForUid(subrequest.IndexUid)
		if err != nil {
			return nil, err
		}

		state.mu.Lock()
		if _, ok := state.metadata.Sources[subrequest.SourceID]; !ok {
			state.mu.Unlock()
			return nil, errSourceDoesNotExist(string(subrequest.SourceID))
		}

		shards := state.shards[subrequest.SourceID]
		var open []*ingest.Shard
		for _, shard := range shards {
			if shard.IsOpen() {
				open = append(open, cloneShard(shard))
			}
		}

		if len(open) == 0 {
			state.nextShardID++
			shard := &ingest.Shard{
				IndexUid:                 subrequest.IndexUid,
				SourceId:                 subrequest.SourceID,
				ShardId:                  state.nextShardID,
				LeaderId:                 subrequest.LeaderID,
				FollowerId:               subrequest.FollowerID,
				State:                    ingest.ShardStateOpen,
				PublishPositionInclusive: types.Beginning,
			}
			if shards == nil {
				shards = map[types.ShardId]*ingest.Shard{}
				state.shards[subrequest.SourceID] = shards
			}
			shards[shard.ShardId] = shard
			open = append(open, cloneShard(shard))

			s.logger.WithFields(logrus.Fields{
				"index":  subrequest.IndexUid.String(),
				"source": subrequest.SourceID,
				"shard":  shard.ShardId,
				"leader": shard.LeaderId,
			}).Info("opened shard")
		}

		if err := s.persist(state); err != nil {
			state.mu.Unlock()
			return nil, err
		}
		state.mu.Unlock()

		sortShards(open)
		out = append(out, OpenShardsSubresponse{
			SubrequestID: subrequest.SubrequestID,
			IndexUid:     subrequest.IndexUid,
			SourceID:     subrequest.SourceID,
			OpenShards:   open,
		})
	}
	return out, nil
}

// AcquireShards rewrites the publish token of the requested shards to
// the caller's and returns their latest view. Requested shards that no
// longer exist are skipped rather than failing the call, so a source can
// reconcile against a control plane holding a stale shard list.
func (s *Store) AcquireShards(ctx context.Context, req AcquireShardsRequest) ([]*ingest.Shard, error) {
	state, err := s.indexStateForUid(req.IndexUid)
	if err != nil {
		return nil, err
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	shards := state.shards[req.SourceID]
	acquired := make([]*ingest.Shard, 0, len(req.ShardIDs))
	for _, shardID := range req.ShardIDs {
		shard, ok := shards[shardID]
		if !ok {
			continue
		}
		shard.PublishToken = req.PublishToken
		acquired = append(acquired, cloneShard(shard))
	}
	if len(acquired) == 0 {
		return nil, nil
	}
	if err := s.persist(state); err != nil {
		return nil, err
	}
	sortShards(acquired)
	return acquired, nil
}

// CloseShards flips the given shards to Closed, after which persists are
// rejected while fetches drain the remaining records.
func (s *Store) CloseShards(ctx context.Context, subrequests []ShardRef) error {
	for _, ref := range subrequests {
		state, err := s.indexStateForUid(ref.IndexUid)
		if err != nil {
			return err
		}

		state.mu.Lock()
		if shard, ok := state.shards[ref.SourceID][ref.ShardID]; ok && shard.IsOpen() {
			shard.State = ingest.ShardStateClosed
			if err := s.persist(state); err != nil {
				state.mu.Unlock()
				return err
			}
		}
		state.mu.Unlock()
	}
	return nil
}

// DeleteShards removes shards from a source. Unless forced, a shard is
// only deletable once its publish position reached Eof, i.e. everything
// it carried has been indexed and published.
func (s *Store) DeleteShards(ctx context.Context, req DeleteShardsRequest) error {
	state, err := s.indexStateForUid(req.IndexUid)
	if err != nil {
		return err
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	shards := state.shards[req.SourceID]
	if !req.Force {
		var blocked []types.ShardId
		for _, shardID := range req.ShardIDs {
			if shard, ok := shards[shardID]; ok && !shard.PublishPositionInclusive.IsEof() {
				blocked = append(blocked, shardID)
			}
		}
		if len(blocked) > 0 {
			return &Error{
				Kind:    ErrorKindInternal,
				Message: fmt.Sprintf("shards %v are not fully published", blocked),
			}
		}
	}

	for _, shardID := range req.ShardIDs {
		delete(shards, shardID)
	}
	return s.persist(state)
}

// ListShards returns the shards of a source, ordered by shard id and
// optionally filtered by state.
func (s *Store) ListShards(ctx context.Context, req ListShardsRequest) ([]*ingest.Shard, error) {
	state, err := s.indexStateForUid(req.IndexUid)
	if err != nil {
		return nil, err
	}

	state.mu.RLock()
	var out []*ingest.Shard
	for _, shard := range state.shards[req.SourceID] {
		if req.FilterState && shard.State != req.ShardState {
			continue
		}
		out = append(out, cloneShard(shard))
	}
	state.mu.RUnlock()

	sortShards(out)
	return out, nil
}

// verifyPublishToken checks that the caller still holds the publish
// lease over every shard the delta touches. Requires state.mu.
func (st *indexState) verifyPublishToken(sourceID types.SourceId, token types.PublishToken, deltas []checkpoint.PartitionDeltaEntry) error {
	for _, entry := range deltas {
		shard, ok := st.shards[sourceID][entry.PartitionID.ShardId()]
		if !ok {
			continue
		}
		if shard.PublishToken != token {
			return errIncompatibleCheckpointDelta(fmt.Sprintf(
				"shard %d is held by another publish token", shard.ShardId))
		}
	}
	return nil
}

// advanceShardPositions moves the publish position of every shard the
// delta touches forward, never backward, and returns the new positions.
// Requires state.mu.
func (st *indexState) advanceShardPositions(sourceID types.SourceId, deltas []checkpoint.PartitionDeltaEntry) []events.ShardPosition {
	positions := make([]events.ShardPosition, 0, len(deltas))
	for _, entry := range deltas {
		shardID := entry.PartitionID.ShardId()
		if shard, ok := st.shards[sourceID][shardID]; ok {
			if entry.Delta.ToInclusive.AtOrAfter(shard.PublishPositionInclusive) {
				shard.PublishPositionInclusive = entry.Delta.ToInclusive
			}
		}
		positions = append(positions, events.ShardPosition{
			ShardID:  shardID,
			Position: entry.Delta.ToInclusive,
		})
	}
	return positions
}

func cloneShard(shard *ingest.Shard) *ingest.Shard {
	out := *shard
	return &out
}

func sortShards(shards []*ingest.Shard) {
	sort.Slice(shards, func(i, j int) bool {
		return shards[i].ShardId < shards[j].ShardId
	})
}
