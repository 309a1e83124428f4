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
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/weaviate/quarry/entities/split"
	"github.com/weaviate/quarry/entities/types"
	"github.com/weaviate/quarry/events"
)

// StageSplit registers the metadata of a split about to be uploaded. A
// split may be re-staged as long as it has not been published yet, which
// lets an indexer retry a failed upload under the same id.
func (s *Store) StageSplit(ctx context.Context, indexUid types.IndexUid, meta split.Metadata) error {
	state, err := s.indexStateForUid(indexUid)
	if err != nil {
		return err
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	if existing, ok := state.splits[meta.SplitID]; ok && existing.State != split.StateStaged {
		return errSplitsNotStaged([]string{meta.SplitID})
	}

	state.splits[meta.SplitID] = &split.Split{
		Metadata:        meta,
		State:           split.StateStaged,
		UpdateTimestamp: time.Now().Unix(),
	}
	return s.persist(state)
}

// PublishSplits atomically makes the staged splits visible, retires the
// replaced ones, and advances the source checkpoint by the delta. The
// whole operation either applies or leaves the index untouched.
//
// Republishing an already published split is tolerated, but replaying a
// delta that was applied before is not: the checkpoint rejects it, so
// exactly-once publication falls out of the checkpoint contract rather
// than from request deduplication.
func (s *Store) PublishSplits(ctx context.Context, req PublishSplitsRequest) error {
	state, err := s.indexStateForUid(req.IndexUid)
	if err != nil {
		return err
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	var missing, notStaged, toPublish []string
	for _, splitID := range req.StagedSplitIDs {
		sp, ok := state.splits[splitID]
		if !ok {
			missing = append(missing, splitID)
			continue
		}
		switch sp.State {
		case split.StateStaged:
			toPublish = append(toPublish, splitID)
		case split.StatePublished:
			// Idempotent re-delivery of the publish call itself.
		default:
			notStaged = append(notStaged, splitID)
		}
	}

	var notDeletable, toReplace []string
	for _, splitID := range req.ReplacedSplitIDs {
		sp, ok := state.splits[splitID]
		if !ok {
			missing = append(missing, splitID)
			continue
		}
		if sp.State != split.StatePublished {
			notDeletable = append(notDeletable, splitID)
			continue
		}
		toReplace = append(toReplace, splitID)
	}

	if len(missing) > 0 {
		return errSplitsDoNotExist(missing)
	}
	if len(notStaged) > 0 {
		return errSplitsNotStaged(notStaged)
	}
	if len(notDeletable) > 0 {
		return errSplitsNotDeletable(notDeletable)
	}

	// The mutations below are rolled back when the disk write fails, so
	// a failed publish leaves the checkpoint and every split untouched
	// and the caller can retry with the same delta.
	var positions []events.ShardPosition
	var restoreCheckpoint func()
	if req.CheckpointDelta != nil {
		if req.PublishToken != "" {
			if err := state.verifyPublishToken(req.SourceID, req.PublishToken, req.CheckpointDelta.Iter()); err != nil {
				return err
			}
		}

		prevCheckpoint, hadCheckpoint := state.metadata.Checkpoint[req.SourceID]
		if hadCheckpoint {
			prevCheckpoint = prevCheckpoint.Clone()
		}
		prevPositions := make(map[types.ShardId]types.Position)
		for _, entry := range req.CheckpointDelta.Iter() {
			shardID := entry.PartitionID.ShardId()
			if shard, ok := state.shards[req.SourceID][shardID]; ok {
				prevPositions[shardID] = shard.PublishPositionInclusive
			}
		}
		restoreCheckpoint = func() {
			if hadCheckpoint {
				state.metadata.Checkpoint[req.SourceID] = prevCheckpoint
			} else {
				delete(state.metadata.Checkpoint, req.SourceID)
			}
			for shardID, position := range prevPositions {
				state.shards[req.SourceID][shardID].PublishPositionInclusive = position
			}
		}

		if err := state.metadata.Checkpoint.TryApplyDelta(req.SourceID, *req.CheckpointDelta); err != nil {
			return errIncompatibleCheckpointDelta(err.Error())
		}
		positions = state.advanceShardPositions(req.SourceID, req.CheckpointDelta.Iter())
	}

	prevSplits := make(map[string]split.Split, len(toPublish)+len(toReplace))
	now := time.Now().Unix()
	for _, splitID := range toPublish {
		sp := state.splits[splitID]
		prevSplits[splitID] = *sp
		sp.State = split.StatePublished
		sp.UpdateTimestamp = now
		if sp.PublishTimestamp == nil {
			ts := now
			sp.PublishTimestamp = &ts
		}
	}
	for _, splitID := range toReplace {
		sp := state.splits[splitID]
		prevSplits[splitID] = *sp
		sp.State = split.StateMarkedForDeletion
		sp.UpdateTimestamp = now
	}

	if err := s.persist(state); err != nil {
		for splitID, prev := range prevSplits {
			*state.splits[splitID] = prev
		}
		if restoreCheckpoint != nil {
			restoreCheckpoint()
		}
		return err
	}

	if s.broker != nil && len(positions) > 0 {
		sourceUid := types.SourceUid{IndexUid: req.IndexUid, SourceId: req.SourceID}
		s.broker.Publish(events.NewShardPositionsUpdate(sourceUid, positions))
	}

	s.logger.WithFields(logrus.Fields{
		"index":     req.IndexUid.String(),
		"published": len(toPublish),
		"replaced":  len(toReplace),
	}).Debug("published splits")
	return nil
}

// MarkSplitsForDeletion retires the given splits. It is idempotent:
// already marked or missing splits are fine.
func (s *Store) MarkSplitsForDeletion(ctx context.Context, indexUid types.IndexUid, splitIDs []string) error {
	state, err := s.indexStateForUid(indexUid)
	if err != nil {
		return err
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	now := time.Now().Unix()
	changed := false
	for _, splitID := range splitIDs {
		sp, ok := state.splits[splitID]
		if !ok || sp.State == split.StateMarkedForDeletion {
			continue
		}
		sp.State = split.StateMarkedForDeletion
		sp.UpdateTimestamp = now
		changed = true
	}
	if !changed {
		return nil
	}
	return s.persist(state)
}

// DeleteSplits removes splits for good. Every listed split must be
// marked for deletion or absent; a single split in an earlier lifecycle
// state fails the whole call and deletes nothing.
func (s *Store) DeleteSplits(ctx context.Context, indexUid types.IndexUid, splitIDs []string) error {
	state, err := s.indexStateForUid(indexUid)
	if err != nil {
		return err
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	var notDeletable []string
	for _, splitID := range splitIDs {
		if sp, ok := state.splits[splitID]; ok && sp.State != split.StateMarkedForDeletion {
			notDeletable = append(notDeletable, splitID)
		}
	}
	if len(notDeletable) > 0 {
		return errSplitsNotDeletable(notDeletable)
	}

	for _, splitID := range splitIDs {
		delete(state.splits, splitID)
	}
	return s.persist(state)
}

// ListAllSplits returns every split of the index regardless of state,
// ordered by split id.
func (s *Store) ListAllSplits(ctx context.Context, indexUid types.IndexUid) ([]*split.Split, error) {
	state, err := s.indexStateForUid(indexUid)
	if err != nil {
		return nil, err
	}

	state.mu.RLock()
	defer state.mu.RUnlock()

	out := make([]*split.Split, 0, len(state.splits))
	for _, sp := range state.splits {
		out = append(out, cloneSplit(sp))
	}
	sortSplitsByID(out)
	return out, nil
}

// ListSplits returns the splits matching the query, ordered by split id.
func (s *Store) ListSplits(ctx context.Context, query ListSplitsQuery) ([]*split.Split, error) {
	state, err := s.indexStateForUid(query.IndexUid)
	if err != nil {
		return nil, err
	}

	state.mu.RLock()
	var out []*split.Split
	for _, sp := range state.splits {
		if query.matches(sp) {
			out = append(out, cloneSplit(sp))
		}
	}
	state.mu.RUnlock()

	sortSplitsByID(out)
	if query.Offset > 0 {
		if query.Offset >= len(out) {
			return nil, nil
		}
		out = out[query.Offset:]
	}
	if query.Limit > 0 && query.Limit < len(out) {
		out = out[:query.Limit]
	}
	return out, nil
}

// ListStaleSplits returns up to limit published splits whose delete
// opstamp lags behind the given one, the most lagging first. Garbage
// collection of delete tasks walks the index in this order.
func (s *Store) ListStaleSplits(ctx context.Context, indexUid types.IndexUid, deleteOpstamp uint64, limit int) ([]*split.Split, error) {
	state, err := s.indexStateForUid(indexUid)
	if err != nil {
		return nil, err
	}

	state.mu.RLock()
	var out []*split.Split
	for _, sp := range state.splits {
		if sp.State == split.StatePublished && sp.Metadata.DeleteOpstamp < deleteOpstamp {
			out = append(out, cloneSplit(sp))
		}
	}
	state.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Metadata.DeleteOpstamp != out[j].Metadata.DeleteOpstamp {
			return out[i].Metadata.DeleteOpstamp < out[j].Metadata.DeleteOpstamp
		}
		pi, pj := publishTimestampOf(out[i]), publishTimestampOf(out[j])
		if pi != pj {
			return pi < pj
		}
		return out[i].SplitID() < out[j].SplitID()
	})
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// UpdateSplitsDeleteOpstamp records that the given splits have had every
// delete task up to the opstamp applied to them.
func (s *Store) UpdateSplitsDeleteOpstamp(ctx context.Context, indexUid types.IndexUid, splitIDs []string, deleteOpstamp uint64) error {
	state, err := s.indexStateForUid(indexUid)
	if err != nil {
		return err
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	var missing []string
	for _, splitID := range splitIDs {
		if _, ok := state.splits[splitID]; !ok {
			missing = append(missing, splitID)
		}
	}
	if len(missing) > 0 {
		return errSplitsDoNotExist(missing)
	}

	now := time.Now().Unix()
	for _, splitID := range splitIDs {
		sp := state.splits[splitID]
		sp.Metadata.DeleteOpstamp = deleteOpstamp
		sp.UpdateTimestamp = now
	}
	return s.persist(state)
}

func cloneSplit(sp *split.Split) *split.Split {
	out := *sp
	if sp.PublishTimestamp != nil {
		ts := *sp.PublishTimestamp
		out.PublishTimestamp = &ts
	}
	if sp.Metadata.TimeRange != nil {
		tr := *sp.Metadata.TimeRange
		out.Metadata.TimeRange = &tr
	}
	out.Metadata.Tags = append([]string(nil), sp.Metadata.Tags...)
	return &out
}

func sortSplitsByID(splits []*split.Split) {
	sort.Slice(splits, func(i, j int) bool {
		return splits[i].SplitID() < splits[j].SplitID()
	})
}

func publishTimestampOf(sp *split.Split) int64 {
	if sp.PublishTimestamp == nil {
		return 0
	}
	return *sp.PublishTimestamp
}
