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

// Package router accepts ingest requests, resolves each subrequest to
// an open shard through the control plane, and persists record batches
// on the shard leaders. A request is retried across attempts until
// every subrequest persisted, failed terminally, or the attempt budget
// is spent.
package router

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/weaviate/quarry/config"
	"github.com/weaviate/quarry/controlplane"
	"github.com/weaviate/quarry/entities/ingest"
	"github.com/weaviate/quarry/entities/types"
	"github.com/weaviate/quarry/events"
	"github.com/weaviate/quarry/ingester"
	"github.com/weaviate/quarry/monitoring"
	"github.com/weaviate/quarry/utils"
)

// CommitType selects the durability guarantee an ingest call waits for.
type CommitType int

const (
	// CommitAuto returns as soon as the records are persisted.
	CommitAuto CommitType = iota
	// CommitWaitFor additionally waits until the records are published.
	CommitWaitFor
	// CommitForce appends a commit marker and waits for publication.
	CommitForce
)

// IngestRequest is a batch of independent subrequests, one per target
// source.
type IngestRequest struct {
	CommitType  CommitType
	Subrequests []IngestSubrequest
}

// IngestSubrequest carries the documents bound for one source.
type IngestSubrequest struct {
	SubrequestID types.SubrequestId
	IndexID      string
	SourceID     types.SourceId
	Docs         [][]byte
}

// IngestSuccess reports where the documents of a subrequest landed.
type IngestSuccess struct {
	SubrequestID                 types.SubrequestId
	IndexUid                     types.IndexUid
	SourceID                     types.SourceId
	ShardID                      types.ShardId
	ReplicationPositionInclusive types.Position
	NumIngestedDocs              int
}

// IngestFailure reports why a subrequest was given up on.
type IngestFailure struct {
	SubrequestID types.SubrequestId
	IndexID      string
	SourceID     types.SourceId
	Reason       FailureReason
}

// IngestResponse partitions the subrequests of a request into successes
// and failures. Every subrequest appears in exactly one of the two.
type IngestResponse struct {
	Successes []IngestSuccess
	Failures  []IngestFailure
}

// routingEntry caches the open shards of one source along with a
// round-robin cursor.
type routingEntry struct {
	indexUid types.IndexUid
	shards   []ingest.Shard
	next     int
}

// Router is the ingest entry point of a node.
type Router struct {
	self         types.NodeId
	controlPlane controlplane.ControlPlane
	pool         *ingester.Pool
	broker       *events.Broker
	cfg          config.Ingest
	metrics      *monitoring.Metrics
	logger       logrus.FieldLogger

	mu    sync.RWMutex
	table map[string]*routingEntry
}

// NewRouter returns a router persisting through the given ingester pool
// and resolving shards through the control plane.
func NewRouter(self types.NodeId, controlPlane controlplane.ControlPlane, pool *ingester.Pool,
	broker *events.Broker, cfg config.Ingest, metrics *monitoring.Metrics, logger logrus.FieldLogger,
) *Router {
	return &Router{
		self:         self,
		controlPlane: controlPlane,
		pool:         pool,
		broker:       broker,
		cfg:          cfg,
		metrics:      metrics,
		logger: logger.WithFields(logrus.Fields{
			"component": "ingest_router",
			"node":      self,
		}),
		table: map[string]*routingEntry{},
	}
}

func routingKey(indexID string, sourceID types.SourceId) string {
	return indexID + ":" + string(sourceID)
}

// Ingest persists the documents of every subrequest, retrying transient
// failures up to the configured attempt budget. With CommitWaitFor or
// CommitForce the call also waits until the persisted records are
// published; the caller bounds the wait via ctx.
func (r *Router) Ingest(ctx context.Context, req IngestRequest) (*IngestResponse, error) {
	var tracker *PublishTracker
	if req.CommitType != CommitAuto {
		tracker = NewPublishTracker(r.broker)
	}
	wb := newWorkbench(req.Subrequests, r.cfg.MaxPersistAttempts, tracker)

	pacing := utils.ExponentialBackoff(r.cfg.RetryBaseDelay, r.cfg.RetryMaxDelay)
	for attempt := 0; !wb.isComplete(); attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(pacing.NextBackOff()):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		wb.incrementNumAttempts()
		r.executeAttempt(ctx, wb, req.CommitType == CommitForce)
	}

	response, err := wb.intoIngestResult(ctx)
	if err != nil {
		return nil, err
	}
	r.metrics.ObserveRoutedSubrequests("success", len(response.Successes))
	r.metrics.ObserveRoutedSubrequests("failure", len(response.Failures))
	return response, nil
}

// executeAttempt makes one pass over the pending subrequests: resolve a
// shard for each, group by leader, and fan the persist calls out.
func (r *Router) executeAttempt(ctx context.Context, wb *workbench, commitForce bool) {
	pending := wb.pendingSubworkbenches()
	if len(pending) == 0 {
		return
	}

	type assignment struct {
		swb   *subworkbench
		shard ingest.Shard
	}
	perLeader := map[types.NodeId][]assignment{}

	var unresolved []*subworkbench
	for _, swb := range pending {
		shard, ok := r.nextOpenShard(swb.subrequest.IndexID, swb.subrequest.SourceID, wb)
		if !ok {
			unresolved = append(unresolved, swb)
			continue
		}
		perLeader[shard.LeaderId] = append(perLeader[shard.LeaderId], assignment{swb: swb, shard: shard})
	}

	if len(unresolved) > 0 {
		for _, swb := range r.refreshRoutingTable(ctx, wb, unresolved) {
			shard, ok := r.nextOpenShard(swb.subrequest.IndexID, swb.subrequest.SourceID, wb)
			if !ok {
				wb.recordFailure(swb.subrequest.SubrequestID, FailureNoShardsAvailable)
				continue
			}
			perLeader[shard.LeaderId] = append(perLeader[shard.LeaderId], assignment{swb: swb, shard: shard})
		}
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for leaderID, assignments := range perLeader {
		leaderID, assignments := leaderID, assignments

		persistReq := ingester.PersistRequest{
			LeaderID:    leaderID,
			CommitForce: commitForce,
		}
		for _, a := range assignments {
			persistReq.Subrequests = append(persistReq.Subrequests, ingester.PersistSubrequest{
				SubrequestID: a.swb.subrequest.SubrequestID,
				IndexUid:     a.shard.IndexUid,
				SourceID:     a.shard.SourceId,
				ShardID:      a.shard.ShardId,
				Records:      docBatch(a.swb.subrequest.Docs),
			})
		}

		group.Go(func() error {
			r.persistOnLeader(groupCtx, wb, leaderID, persistReq)
			return nil
		})
	}
	_ = group.Wait() // goroutines report through the workbench, not errors
}

func (r *Router) persistOnLeader(ctx context.Context, wb *workbench, leaderID types.NodeId, req ingester.PersistRequest) {
	client, ok := r.pool.Get(leaderID)
	if !ok {
		r.failWholeRequest(wb, leaderID, req, ingest.ErrUnavailable("leader is not in the ingester pool"))
		return
	}
	resp, err := client.Persist(ctx, req)
	if err != nil {
		r.failWholeRequest(wb, leaderID, req, err)
		return
	}
	for _, success := range resp.Successes {
		wb.recordPersistSuccess(success)
	}
	for _, failure := range resp.Failures {
		wb.recordPersistFailure(failure)
	}
}

// failWholeRequest fans a whole-request persist error out to every
// subrequest of the request. An unavailable leader is additionally
// quarantined for the remaining attempts.
func (r *Router) failWholeRequest(wb *workbench, leaderID types.NodeId, req ingester.PersistRequest, err error) {
	var reason FailureReason
	switch ingest.KindOf(err) {
	case ingest.ErrorKindTimeout:
		reason = FailureTimeout
	case ingest.ErrorKindUnavailable:
		wb.markLeaderUnavailable(leaderID)
		reason = FailureUnavailable
	case ingest.ErrorKindTooManyRequests:
		reason = FailureRateLimited
	default:
		reason = FailureInternal
	}

	r.logger.WithError(err).WithFields(logrus.Fields{
		"leader":          leaderID,
		"num_subrequests": len(req.Subrequests),
	}).Warn("persist request failed")

	for _, subrequest := range req.Subrequests {
		wb.recordFailure(subrequest.SubrequestID, reason)
	}
}

// nextOpenShard picks the next usable shard of the source round-robin,
// skipping quarantined leaders and rate-limited shards.
func (r *Router) nextOpenShard(indexID string, sourceID types.SourceId, wb *workbench) (ingest.Shard, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.table[routingKey(indexID, sourceID)]
	if !ok || len(entry.shards) == 0 {
		return ingest.Shard{}, false
	}
	for i := 0; i < len(entry.shards); i++ {
		shard := entry.shards[entry.next%len(entry.shards)]
		entry.next++
		if !shard.IsOpen() {
			continue
		}
		if wb.isLeaderUnavailable(shard.LeaderId) || wb.isShardRateLimited(shard.ShardId) {
			continue
		}
		return shard, true
	}
	return ingest.Shard{}, false
}

// refreshRoutingTable asks the control plane for the open shards of the
// sources that could not be resolved locally. Terminal failures are
// recorded on the workbench; the returned subworkbenches got a fresh
// table entry and should be resolved again.
func (r *Router) refreshRoutingTable(ctx context.Context, wb *workbench, unresolved []*subworkbench) []*subworkbench {
	bySubrequest := make(map[types.SubrequestId]*subworkbench, len(unresolved))
	subrequests := make([]controlplane.GetOpenShardsSubrequest, 0, len(unresolved))
	for _, swb := range unresolved {
		bySubrequest[swb.subrequest.SubrequestID] = swb
		subrequests = append(subrequests, controlplane.GetOpenShardsSubrequest{
			SubrequestID: swb.subrequest.SubrequestID,
			IndexID:      swb.subrequest.IndexID,
			SourceID:     swb.subrequest.SourceID,
		})
	}

	resp, err := r.controlPlane.GetOrCreateOpenShards(ctx, subrequests)
	if err != nil {
		r.logger.WithError(err).Warn("failed to resolve open shards")
		for _, swb := range unresolved {
			wb.recordFailure(swb.subrequest.SubrequestID, FailureInternal)
		}
		return nil
	}

	var resolved []*subworkbench
	for _, success := range resp.Successes {
		swb, ok := bySubrequest[success.SubrequestID]
		if !ok {
			continue
		}
		r.mu.Lock()
		r.table[routingKey(swb.subrequest.IndexID, success.SourceID)] = &routingEntry{
			indexUid: success.IndexUid,
			shards:   success.OpenShards,
		}
		r.mu.Unlock()
		resolved = append(resolved, swb)
	}
	for _, failure := range resp.Failures {
		switch failure.Reason {
		case controlplane.FailureReasonIndexNotFound:
			wb.recordFailure(failure.SubrequestID, FailureIndexNotFound)
		case controlplane.FailureReasonSourceNotFound:
			wb.recordFailure(failure.SubrequestID, FailureSourceNotFound)
		case controlplane.FailureReasonNoIngestersAvailable:
			wb.recordFailure(failure.SubrequestID, FailureNoShardsAvailable)
		default:
			wb.recordFailure(failure.SubrequestID, FailureInternal)
		}
	}
	return resolved
}

func docBatch(docs [][]byte) ingest.MRecordBatch {
	records := make([]ingest.MRecord, 0, len(docs))
	for _, doc := range docs {
		records = append(records, ingest.DocRecord(doc))
	}
	return ingest.BuildMRecordBatch(records...)
}
