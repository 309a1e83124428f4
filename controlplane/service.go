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

package controlplane

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/weaviate/quarry/entities/ingest"
	"github.com/weaviate/quarry/entities/types"
	"github.com/weaviate/quarry/ingester"
	"github.com/weaviate/quarry/metastore"
)

// Service is the in-process control plane. Placement is greedy: a new
// shard goes to the ingester leading the fewest shards, with the next
// least-loaded node as follower when the replication factor asks for
// one.
type Service struct {
	metastore         metastore.Metastore
	pool              *ingester.Pool
	replicationFactor int
	logger            logrus.FieldLogger

	mu        sync.Mutex
	shardLoad map[types.NodeId]int
}

// NewService returns a control plane backed by the given metastore and
// ingester pool.
func NewService(ms metastore.Metastore, pool *ingester.Pool, replicationFactor int, logger logrus.FieldLogger) *Service {
	return &Service{
		metastore:         ms,
		pool:              pool,
		replicationFactor: replicationFactor,
		logger:            logger.WithField("component", "control_plane"),
		shardLoad:         map[types.NodeId]int{},
	}
}

// GetOrCreateOpenShards resolves each subrequest to the open shards of
// its source, opening a fresh shard on the least-loaded ingester when
// the source has none.
func (s *Service) GetOrCreateOpenShards(ctx context.Context, subrequests []GetOpenShardsSubrequest) (*GetOpenShardsResponse, error) {
	response := &GetOpenShardsResponse{}

	for _, subrequest := range subrequests {
		success, reason := s.openShardsForSource(ctx, subrequest)
		if success == nil {
			response.Failures = append(response.Failures, GetOpenShardsFailure{
				SubrequestID: subrequest.SubrequestID,
				IndexID:      subrequest.IndexID,
				SourceID:     subrequest.SourceID,
				Reason:       reason,
			})
			continue
		}
		response.Successes = append(response.Successes, *success)
	}
	return response, nil
}

func (s *Service) openShardsForSource(ctx context.Context, subrequest GetOpenShardsSubrequest) (*GetOpenShardsSuccess, FailureReason) {
	indexMeta, err := s.metastore.IndexMetadata(ctx, subrequest.IndexID)
	if err != nil {
		if metastore.KindOf(err) == metastore.ErrorKindIndexDoesNotExist {
			return nil, FailureReasonIndexNotFound
		}
		s.logger.WithError(err).WithField("index", subrequest.IndexID).
			Error("failed to resolve index")
		return nil, FailureReasonUnspecified
	}
	if _, ok := indexMeta.Sources[subrequest.SourceID]; !ok {
		return nil, FailureReasonSourceNotFound
	}

	leaderID, followerID, ok := s.pickReplicas()
	if !ok {
		return nil, FailureReasonNoIngestersAvailable
	}

	subresponses, err := s.metastore.OpenShards(ctx, []metastore.OpenShardsSubrequest{{
		SubrequestID: subrequest.SubrequestID,
		IndexUid:     indexMeta.IndexUid,
		SourceID:     subrequest.SourceID,
		LeaderID:     leaderID,
		FollowerID:   followerID,
	}})
	if err != nil {
		switch metastore.KindOf(err) {
		case metastore.ErrorKindIndexDoesNotExist:
			return nil, FailureReasonIndexNotFound
		case metastore.ErrorKindSourceDoesNotExist:
			return nil, FailureReasonSourceNotFound
		}
		s.logger.WithError(err).WithField("index", subrequest.IndexID).
			Error("failed to open shards")
		return nil, FailureReasonUnspecified
	}
	if len(subresponses) != 1 {
		return nil, FailureReasonUnspecified
	}

	openShards := make([]ingest.Shard, 0, len(subresponses[0].OpenShards))
	for _, shard := range subresponses[0].OpenShards {
		openShards = append(openShards, *shard)
		s.initShardReplicas(ctx, *shard)
	}
	if len(openShards) == 0 {
		return nil, FailureReasonUnspecified
	}

	s.mu.Lock()
	for _, shard := range openShards {
		s.shardLoad[shard.LeaderId]++
	}
	s.mu.Unlock()

	return &GetOpenShardsSuccess{
		SubrequestID: subrequest.SubrequestID,
		IndexUid:     indexMeta.IndexUid,
		SourceID:     subrequest.SourceID,
		OpenShards:   openShards,
	}, ""
}

// pickReplicas returns the least-loaded ingester as leader and, when
// the replication factor is 2 and a second node exists, the next
// least-loaded one as follower.
func (s *Service) pickReplicas() (leader, follower types.NodeId, ok bool) {
	nodes := s.pool.Nodes()
	if len(nodes) == 0 {
		return "", "", false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	best := nodes[0]
	for _, node := range nodes[1:] {
		if s.shardLoad[node] < s.shardLoad[best] {
			best = node
		}
	}
	leader = best

	if s.replicationFactor == 2 {
		for _, node := range nodes {
			if node == leader {
				continue
			}
			if follower == "" || s.shardLoad[node] < s.shardLoad[follower] {
				follower = node
			}
		}
	}
	return leader, follower, true
}

func (s *Service) initShardReplicas(ctx context.Context, shard ingest.Shard) {
	for _, nodeID := range []types.NodeId{shard.LeaderId, shard.FollowerId} {
		if nodeID == "" {
			continue
		}
		client, ok := s.pool.Get(nodeID)
		if !ok {
			s.logger.WithField("node", nodeID).Warn("shard host is not in the ingester pool")
			continue
		}
		if err := client.InitShards(ctx, []ingest.Shard{shard}); err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"node":  nodeID,
				"shard": shard.ShardId,
			}).Error("failed to initialize shard replica")
		}
	}
}
