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
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/weaviate/quarry/config"
	"github.com/weaviate/quarry/entities/ingest"
	"github.com/weaviate/quarry/entities/types"
	"github.com/weaviate/quarry/monitoring"
)

// Service hosts the shard replicas of one node. Appends go to the wal
// first; fetch streams read from the wal and tail the live end via a
// per-replica broadcast channel.
type Service struct {
	self    types.NodeId
	logger  logrus.FieldLogger
	cfg     config.Ingest
	wal     *Wal
	pool    *Pool
	metrics *monitoring.Metrics

	inFlight *inFlightLimiter

	mu       sync.Mutex
	replicas map[string]*replica
	walBytes int64
}

// replica is the in-memory state of one hosted shard.
type replica struct {
	mu    sync.Mutex
	shard ingest.Shard
	queue string

	// hasRecords and tail track the position of the last record ever
	// appended; truncation does not move them back.
	hasRecords bool
	tail       uint64

	throughput *throughputLimiter

	// notify is closed and replaced on every append, waking tailing
	// fetch streams. Guarded by mu.
	notify chan struct{}
}

func (r *replica) notifyAppend() {
	close(r.notify)
	r.notify = make(chan struct{})
}

// NewService opens the wal at walPath and restores the replicas it
// holds. Restored replicas come back closed: the control plane re-opens
// the shards it still wants and the rest drain through fetch streams.
func NewService(self types.NodeId, walPath string, pool *Pool, cfg config.Ingest,
	metrics *monitoring.Metrics, logger logrus.FieldLogger,
) (*Service, error) {
	wal, err := OpenWal(walPath)
	if err != nil {
		return nil, err
	}

	s := &Service{
		self:     self,
		logger:   logger.WithFields(logrus.Fields{"component": "ingester", "node": self}),
		cfg:      cfg,
		wal:      wal,
		pool:     pool,
		metrics:  metrics,
		inFlight: newInFlightLimiter(cfg.MaxInFlightPersists),
		replicas: map[string]*replica{},
	}

	queues, err := wal.Queues()
	if err != nil {
		return nil, err
	}
	for _, queue := range queues {
		r := &replica{
			queue:      queue.Name,
			hasRecords: queue.HasRecords,
			tail:       queue.LastPosition,
			throughput: newThroughputLimiter(cfg.ShardThroughputLimit),
			notify:     make(chan struct{}),
		}
		r.shard.State = ingest.ShardStateClosed
		s.replicas[queue.Name] = r
		s.walBytes += queue.Bytes
	}
	s.metrics.SetWalBytes(s.walBytes)
	s.metrics.AddHostedShards(len(s.replicas))
	return s, nil
}

// Close releases the wal.
func (s *Service) Close() error {
	return s.wal.Close()
}

func (s *Service) replicaOf(indexUid types.IndexUid, sourceID types.SourceId, shardID types.ShardId) *replica {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replicas[queueName(indexUid, sourceID, shardID)]
}

// InitShards creates replicas for newly opened shards. Existing replicas
// keep their records; only the shard descriptor is refreshed.
func (s *Service) InitShards(ctx context.Context, shards []ingest.Shard) error {
	for _, shard := range shards {
		queue := queueName(shard.IndexUid, shard.SourceId, shard.ShardId)

		s.mu.Lock()
		r, ok := s.replicas[queue]
		if !ok {
			s.replicas[queue] = &replica{
				shard:      shard,
				queue:      queue,
				throughput: newThroughputLimiter(s.cfg.ShardThroughputLimit),
				notify:     make(chan struct{}),
			}
			s.metrics.AddHostedShards(1)
			s.mu.Unlock()
			continue
		}
		s.mu.Unlock()

		// The service lock nests inside replica locks, never the other
		// way around, so refresh the descriptor after releasing s.mu.
		r.mu.Lock()
		r.shard = shard
		r.mu.Unlock()
	}
	return nil
}

// Persist appends the record batches to their shards. Failures are per
// subrequest: one shard shedding load does not fail its siblings.
func (s *Service) Persist(ctx context.Context, req PersistRequest) (*PersistResponse, error) {
	if !s.inFlight.TryInc() {
		return nil, ingest.ErrTooManyRequests(ingest.RateLimitingCauseLoadShedding)
	}
	defer s.inFlight.Dec()

	start := time.Now()
	response := &PersistResponse{LeaderID: s.self}
	for _, subrequest := range req.Subrequests {
		if failure := s.persistSubrequest(ctx, subrequest, req.CommitForce, response); failure != nil {
			s.metrics.ObservePersist("failure", subrequest.Records.NumRecords(), 0, 0)
			response.Failures = append(response.Failures, *failure)
		}
	}
	s.metrics.ObservePersist("success", 0, 0, time.Since(start).Seconds())
	return response, nil
}

func (s *Service) persistSubrequest(ctx context.Context, subrequest PersistSubrequest,
	commitForce bool, response *PersistResponse,
) *PersistFailure {
	failWith := func(reason ingest.PersistFailureReason) *PersistFailure {
		return &PersistFailure{
			SubrequestID: subrequest.SubrequestID,
			IndexUid:     subrequest.IndexUid,
			SourceID:     subrequest.SourceID,
			ShardID:      subrequest.ShardID,
			Reason:       reason,
		}
	}

	r := s.replicaOf(subrequest.IndexUid, subrequest.SourceID, subrequest.ShardID)
	if r == nil {
		return failWith(ingest.PersistFailureShardNotFound)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.shard.IsOpen() {
		return failWith(ingest.PersistFailureShardClosed)
	}

	payloads := recordPayloads(subrequest.Records)
	if commitForce {
		payloads = append(payloads, ingest.CommitRecord().Encode())
	}

	// The commit marker counts too: walBytes must mirror the payload
	// bytes truncation later frees.
	numBytes := payloadBytes(payloads)
	s.mu.Lock()
	walFull := s.walBytes+numBytes > s.cfg.WalMaxBytes
	s.mu.Unlock()
	if walFull {
		return failWith(ingest.PersistFailureWalFull)
	}
	if !r.throughput.TryAcquire(numBytes) {
		return failWith(ingest.PersistFailureShardRateLimited)
	}

	fromExclusive := types.Beginning
	if r.hasRecords {
		fromExclusive = types.PositionOffset(r.tail)
	}

	last, err := s.wal.AppendRecords(r.queue, payloads)
	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{"shard": subrequest.ShardID}).
			Error("wal append failed")
		return failWith(ingest.PersistFailureUnspecified)
	}
	r.hasRecords = true
	r.tail = last

	s.mu.Lock()
	s.walBytes += numBytes
	s.metrics.SetWalBytes(s.walBytes)
	s.mu.Unlock()

	if r.shard.HasFollower() {
		if failure := s.replicateToFollower(ctx, r, subrequest, payloads, fromExclusive); failure != nil {
			return failure
		}
	}

	r.notifyAppend()
	s.metrics.ObservePersist("success", len(payloads), int(numBytes), 0)
	response.Successes = append(response.Successes, PersistSuccess{
		SubrequestID:                 subrequest.SubrequestID,
		IndexUid:                     subrequest.IndexUid,
		SourceID:                     subrequest.SourceID,
		ShardID:                      subrequest.ShardID,
		ReplicationPositionInclusive: types.PositionOffset(last),
	})
	return nil
}

func (s *Service) replicateToFollower(ctx context.Context, r *replica,
	subrequest PersistSubrequest, payloads [][]byte, fromExclusive types.Position,
) *PersistFailure {
	failure := &PersistFailure{
		SubrequestID: subrequest.SubrequestID,
		IndexUid:     subrequest.IndexUid,
		SourceID:     subrequest.SourceID,
		ShardID:      subrequest.ShardID,
		Reason:       ingest.PersistFailureUnspecified,
	}

	follower, ok := s.pool.Get(r.shard.FollowerId)
	if !ok {
		s.logger.WithFields(logrus.Fields{"follower": r.shard.FollowerId}).
			Warn("follower not in pool")
		return failure
	}

	batch := batchOfPayloads(payloads)
	resp, err := follower.Replicate(ctx, ReplicateRequest{
		LeaderID:   s.self,
		FollowerID: r.shard.FollowerId,
		Subrequests: []ReplicateSubrequest{{
			SubrequestID:          subrequest.SubrequestID,
			IndexUid:              subrequest.IndexUid,
			SourceID:              subrequest.SourceID,
			ShardID:               subrequest.ShardID,
			FromPositionExclusive: fromExclusive,
			Records:               batch,
		}},
	})
	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{"follower": r.shard.FollowerId}).
			Warn("replication failed")
		return failure
	}
	if len(resp.Failures) > 0 {
		return failure
	}
	return nil
}

// Replicate appends records already accepted by the leader to the local
// follower replica. The replica is created on first contact. A
// subrequest whose FromPositionExclusive does not line up with the
// follower's tail is rejected: the leader acknowledged positions the
// follower never saw, and appending past the gap would let the two logs
// hold the same record at different positions.
func (s *Service) Replicate(ctx context.Context, req ReplicateRequest) (*ReplicateResponse, error) {
	response := &ReplicateResponse{FollowerID: s.self}
	for _, subrequest := range req.Subrequests {
		queue := queueName(subrequest.IndexUid, subrequest.SourceID, subrequest.ShardID)

		s.mu.Lock()
		r, ok := s.replicas[queue]
		if !ok {
			r = &replica{
				shard: ingest.Shard{
					IndexUid:   subrequest.IndexUid,
					SourceId:   subrequest.SourceID,
					ShardId:    subrequest.ShardID,
					LeaderId:   req.LeaderID,
					FollowerId: s.self,
					State:      ingest.ShardStateOpen,
				},
				queue:      queue,
				throughput: newThroughputLimiter(s.cfg.ShardThroughputLimit),
				notify:     make(chan struct{}),
			}
			s.replicas[queue] = r
			s.metrics.AddHostedShards(1)
		}
		s.mu.Unlock()

		r.mu.Lock()
		tail := types.Beginning
		if r.hasRecords {
			tail = types.PositionOffset(r.tail)
		}
		if !subrequest.FromPositionExclusive.Equal(tail) {
			r.mu.Unlock()
			s.logger.WithFields(logrus.Fields{
				"shard":          subrequest.ShardID,
				"leader":         req.LeaderID,
				"from_exclusive": subrequest.FromPositionExclusive,
				"tail":           tail,
			}).Warn("rejecting misaligned replication")
			response.Failures = append(response.Failures, PersistFailure{
				SubrequestID: subrequest.SubrequestID,
				IndexUid:     subrequest.IndexUid,
				SourceID:     subrequest.SourceID,
				ShardID:      subrequest.ShardID,
				Reason:       ingest.PersistFailureUnspecified,
			})
			continue
		}

		payloads := recordPayloads(subrequest.Records)
		last, err := s.wal.AppendRecords(r.queue, payloads)
		if err != nil {
			r.mu.Unlock()
			response.Failures = append(response.Failures, PersistFailure{
				SubrequestID: subrequest.SubrequestID,
				IndexUid:     subrequest.IndexUid,
				SourceID:     subrequest.SourceID,
				ShardID:      subrequest.ShardID,
				Reason:       ingest.PersistFailureUnspecified,
			})
			continue
		}
		r.hasRecords = true
		r.tail = last
		r.notifyAppend()
		r.mu.Unlock()

		s.mu.Lock()
		s.walBytes += payloadBytes(payloads)
		s.metrics.SetWalBytes(s.walBytes)
		s.mu.Unlock()

		response.Successes = append(response.Successes, PersistSuccess{
			SubrequestID:                 subrequest.SubrequestID,
			IndexUid:                     subrequest.IndexUid,
			SourceID:                     subrequest.SourceID,
			ShardID:                      subrequest.ShardID,
			ReplicationPositionInclusive: types.PositionOffset(last),
		})
	}
	return response, nil
}

// CloseShards stops accepting new records on the given shards. An eof
// marker is appended to each log, so draining fetch streams terminate
// once they catch up. Shards that fail to close do not prevent their
// siblings from closing.
func (s *Service) CloseShards(ctx context.Context, refs []ShardRef) error {
	var errs *multierror.Error
	for _, ref := range refs {
		r := s.replicaOf(ref.IndexUid, ref.SourceID, ref.ShardID)
		if r == nil {
			continue
		}
		r.mu.Lock()
		if r.shard.IsOpen() {
			r.shard.State = ingest.ShardStateClosed
			marker := ingest.EofRecord().Encode()
			last, err := s.wal.AppendRecords(r.queue, [][]byte{marker})
			if err != nil {
				r.mu.Unlock()
				errs = multierror.Append(errs, errors.Wrapf(err, "shard %d", ref.ShardID))
				continue
			}
			r.hasRecords = true
			r.tail = last
			r.notifyAppend()
			s.mu.Lock()
			s.walBytes += int64(len(marker))
			s.metrics.SetWalBytes(s.walBytes)
			s.mu.Unlock()
		}
		r.mu.Unlock()
	}
	return errs.ErrorOrNil()
}

// TruncateShards drops records up to the given positions. Best effort
// and idempotent: unknown shards and Beginning positions are no-ops, an
// Eof position retires the replica entirely. A failing shard does not
// stop the remaining subrequests from truncating.
func (s *Service) TruncateShards(ctx context.Context, subrequests []TruncateSubrequest) error {
	var errs *multierror.Error
	for _, subrequest := range subrequests {
		position := subrequest.ToPositionInclusive
		if position.IsBeginning() {
			continue
		}

		r := s.replicaOf(subrequest.IndexUid, subrequest.SourceID, subrequest.ShardID)
		if r == nil {
			continue
		}

		if position.IsEof() {
			// Close the shard and delete its queue under the replica
			// lock: a concurrent persist that already resolved the
			// replica either appends before the delete or fails the
			// closed-shard check after it, never recreating the bucket.
			r.mu.Lock()
			r.shard.State = ingest.ShardStateClosed
			freed, err := s.wal.DeleteQueue(r.queue)
			r.mu.Unlock()
			if err != nil {
				errs = multierror.Append(errs, errors.Wrapf(err, "shard %d", subrequest.ShardID))
				continue
			}
			s.mu.Lock()
			delete(s.replicas, r.queue)
			s.walBytes -= freed
			s.metrics.SetWalBytes(s.walBytes)
			s.mu.Unlock()
			s.metrics.AddHostedShards(-1)
			continue
		}

		offset, ok := position.Offset()
		if !ok {
			continue
		}
		freed, err := s.wal.Truncate(r.queue, offset)
		if err != nil {
			errs = multierror.Append(errs, errors.Wrapf(err, "shard %d", subrequest.ShardID))
			continue
		}
		s.mu.Lock()
		s.walBytes -= freed
		s.metrics.SetWalBytes(s.walBytes)
		s.mu.Unlock()
	}
	return errs.ErrorOrNil()
}

// Ping reports node liveness.
func (s *Service) Ping(ctx context.Context) error {
	return ctx.Err()
}

func recordPayloads(batch ingest.MRecordBatch) [][]byte {
	payloads := make([][]byte, 0, batch.NumRecords())
	offset := 0
	for _, length := range batch.Lengths {
		end := offset + int(length)
		if end > len(batch.Buffer) {
			break
		}
		payloads = append(payloads, batch.Buffer[offset:end])
		offset = end
	}
	return payloads
}

func payloadBytes(payloads [][]byte) int64 {
	var numBytes int64
	for _, payload := range payloads {
		numBytes += int64(len(payload))
	}
	return numBytes
}

func batchOfPayloads(payloads [][]byte) ingest.MRecordBatch {
	var batch ingest.MRecordBatch
	for _, payload := range payloads {
		batch.Buffer = append(batch.Buffer, payload...)
		batch.Lengths = append(batch.Lengths, uint32(len(payload)))
	}
	return batch
}
