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

	"github.com/weaviate/quarry/entities/ingest"
	"github.com/weaviate/quarry/entities/types"
	"github.com/weaviate/quarry/ingester"
)

// FailureReason is the final, client-facing classification of a failed
// ingest subrequest.
type FailureReason string

const (
	FailureUnspecified       FailureReason = "Unspecified"
	FailureIndexNotFound     FailureReason = "IndexNotFound"
	FailureSourceNotFound    FailureReason = "SourceNotFound"
	FailureInternal          FailureReason = "Internal"
	FailureNoShardsAvailable FailureReason = "NoShardsAvailable"
	FailureRateLimited       FailureReason = "RateLimited"
	FailureTimeout           FailureReason = "Timeout"
	FailureUnavailable       FailureReason = "Unavailable"
)

// IsTransient reports whether a later attempt could still succeed.
// Only a missing index or source is final.
func (r FailureReason) IsTransient() bool {
	return r != FailureIndexNotFound && r != FailureSourceNotFound
}

// persistFailureReason maps an ingester's per-subrequest failure to a
// client-facing reason.
func persistFailureReason(reason ingest.PersistFailureReason) FailureReason {
	switch reason {
	case ingest.PersistFailureShardNotFound, ingest.PersistFailureShardClosed:
		return FailureNoShardsAvailable
	case ingest.PersistFailureWalFull,
		ingest.PersistFailureShardRateLimited,
		ingest.PersistFailureResourceExhausted,
		ingest.PersistFailureCircuitBreaker,
		ingest.PersistFailureRouterLoadShedding:
		return FailureRateLimited
	case ingest.PersistFailureTimeout:
		return FailureTimeout
	default:
		return FailureInternal
	}
}

type subworkbench struct {
	subrequest     IngestSubrequest
	persistSuccess *ingester.PersistSuccess
	lastFailure    FailureReason
	numAttempts    int
}

func (swb *subworkbench) isPending() bool {
	if swb.persistSuccess != nil {
		return false
	}
	return swb.lastFailure == "" || swb.lastFailure.IsTransient()
}

// workbench is the per-request bookkeeping of an ingest call: which
// subrequests persisted, which failed and why, which leaders and shards
// to avoid on the next attempt. Persist responses come back from a
// per-leader fan-out, so mutations go through the recording methods
// which serialize on the workbench mutex.
type workbench struct {
	mu sync.Mutex

	subworkbenches map[types.SubrequestId]*subworkbench
	order          []types.SubrequestId

	numSuccesses   int
	numAttempts    int
	maxNumAttempts int

	unavailableLeaders map[types.NodeId]struct{}
	rateLimitedShards  map[types.ShardId]struct{}

	tracker *PublishTracker
}

func newWorkbench(subrequests []IngestSubrequest, maxNumAttempts int, tracker *PublishTracker) *workbench {
	wb := &workbench{
		subworkbenches:     make(map[types.SubrequestId]*subworkbench, len(subrequests)),
		order:              make([]types.SubrequestId, 0, len(subrequests)),
		maxNumAttempts:     maxNumAttempts,
		unavailableLeaders: map[types.NodeId]struct{}{},
		rateLimitedShards:  map[types.ShardId]struct{}{},
		tracker:            tracker,
	}
	for _, subrequest := range subrequests {
		wb.subworkbenches[subrequest.SubrequestID] = &subworkbench{subrequest: subrequest}
		wb.order = append(wb.order, subrequest.SubrequestID)
	}
	return wb
}

func (wb *workbench) incrementNumAttempts() {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	wb.numAttempts++
}

// pendingSubworkbenches returns, in request order, the subrequests that
// still need an attempt.
func (wb *workbench) pendingSubworkbenches() []*subworkbench {
	wb.mu.Lock()
	defer wb.mu.Unlock()

	var pending []*subworkbench
	for _, id := range wb.order {
		if swb := wb.subworkbenches[id]; swb.isPending() {
			pending = append(pending, swb)
		}
	}
	return pending
}

func (wb *workbench) isComplete() bool {
	wb.mu.Lock()
	defer wb.mu.Unlock()

	if wb.numSuccesses >= len(wb.subworkbenches) {
		return true
	}
	if wb.numAttempts >= wb.maxNumAttempts {
		return true
	}
	for _, swb := range wb.subworkbenches {
		if swb.isPending() {
			return false
		}
	}
	return true
}

func (wb *workbench) isLeaderUnavailable(leaderID types.NodeId) bool {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	_, ok := wb.unavailableLeaders[leaderID]
	return ok
}

func (wb *workbench) isShardRateLimited(shardID types.ShardId) bool {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	_, ok := wb.rateLimitedShards[shardID]
	return ok
}

func (wb *workbench) markLeaderUnavailable(leaderID types.NodeId) {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	wb.unavailableLeaders[leaderID] = struct{}{}
}

func (wb *workbench) recordPersistSuccess(success ingester.PersistSuccess) {
	wb.mu.Lock()
	defer wb.mu.Unlock()

	swb, ok := wb.subworkbenches[success.SubrequestID]
	if !ok || swb.persistSuccess != nil {
		return
	}
	swb.persistSuccess = &success
	swb.lastFailure = ""
	wb.numSuccesses++

	if wb.tracker != nil {
		wb.tracker.TrackPersistedPosition(success.ShardID, success.ReplicationPositionInclusive)
	}
}

func (wb *workbench) recordPersistFailure(failure ingester.PersistFailure) {
	wb.mu.Lock()
	defer wb.mu.Unlock()

	if failure.Reason == ingest.PersistFailureShardRateLimited {
		wb.rateLimitedShards[failure.ShardID] = struct{}{}
	}
	wb.recordFailureLocked(failure.SubrequestID, persistFailureReason(failure.Reason))
}

func (wb *workbench) recordFailure(subrequestID types.SubrequestId, reason FailureReason) {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	wb.recordFailureLocked(subrequestID, reason)
}

func (wb *workbench) recordFailureLocked(subrequestID types.SubrequestId, reason FailureReason) {
	swb, ok := wb.subworkbenches[subrequestID]
	if !ok || swb.persistSuccess != nil {
		return
	}
	swb.lastFailure = reason
	swb.numAttempts++
}

// intoIngestResult assembles the final response, waiting on the publish
// tracker first when the request asked for a commit guarantee. Every
// subrequest appears exactly once, as a success or as a failure.
func (wb *workbench) intoIngestResult(ctx context.Context) (*IngestResponse, error) {
	wb.mu.Lock()
	numSuccesses := wb.numSuccesses
	wb.mu.Unlock()

	if wb.tracker != nil {
		if numSuccesses == 0 {
			wb.tracker.subscription.Close()
		} else if err := wb.tracker.WaitPublishComplete(ctx); err != nil {
			return nil, err
		}
	}

	wb.mu.Lock()
	defer wb.mu.Unlock()

	response := &IngestResponse{}
	for _, id := range wb.order {
		swb := wb.subworkbenches[id]
		if swb.persistSuccess != nil {
			response.Successes = append(response.Successes, IngestSuccess{
				SubrequestID:                 id,
				IndexUid:                     swb.persistSuccess.IndexUid,
				SourceID:                     swb.persistSuccess.SourceID,
				ShardID:                      swb.persistSuccess.ShardID,
				ReplicationPositionInclusive: swb.persistSuccess.ReplicationPositionInclusive,
				NumIngestedDocs:              len(swb.subrequest.Docs),
			})
			continue
		}
		reason := swb.lastFailure
		if reason == "" {
			reason = FailureUnspecified
		}
		response.Failures = append(response.Failures, IngestFailure{
			SubrequestID: id,
			IndexID:      swb.subrequest.IndexID,
			SourceID:     swb.subrequest.SourceID,
			Reason:       reason,
		})
	}
	return response, nil
}
