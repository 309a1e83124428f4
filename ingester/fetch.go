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

	"github.com/weaviate/quarry/entities/ingest"
	"github.com/weaviate/quarry/entities/types"
)

// FetchStream delivers the records of one shard in strictly increasing
// position order. The stream ends after the response whose
// ToPositionInclusive is Eof.
type FetchStream struct {
	items  chan fetchItem
	cancel context.CancelFunc
}

type fetchItem struct {
	response *FetchResponse
	err      error
}

// Next blocks until the next batch is available. After an Eof response
// or an error, subsequent calls return ErrUnavailable.
func (s *FetchStream) Next(ctx context.Context) (*FetchResponse, error) {
	select {
	case item, ok := <-s.items:
		if !ok {
			return nil, ingest.ErrUnavailable("fetch stream closed")
		}
		return item.response, item.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the stream and releases its task.
func (s *FetchStream) Close() {
	s.cancel()
}

// OpenFetchStream starts streaming the shard's records after the given
// position. The stream tails the live end of the log until an eof marker
// is read.
func (s *Service) OpenFetchStream(ctx context.Context, req OpenFetchStreamRequest) (*FetchStream, error) {
	r := s.replicaOf(req.IndexUid, req.SourceID, req.ShardID)
	if r == nil {
		return nil, ingest.ErrShardNotFound(req.ShardID)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	stream := &FetchStream{
		items:  make(chan fetchItem, 8),
		cancel: cancel,
	}
	go s.runFetchTask(streamCtx, r, req, stream)
	return stream, nil
}

func (s *Service) runFetchTask(ctx context.Context, r *replica, req OpenFetchStreamRequest, stream *FetchStream) {
	defer close(stream.items)

	fromExclusive := int64(-1)
	if offset, ok := req.FromPositionExclusive.Offset(); ok {
		fromExclusive = int64(offset)
	} else if req.FromPositionExclusive.IsEof() {
		return
	}

	for {
		// Capture the notify channel before reading: an append racing
		// the read closes this captured channel, so the wait below
		// cannot miss it.
		r.mu.Lock()
		notify := r.notify
		r.mu.Unlock()

		records, err := s.wal.ReadAfter(r.queue, fromExclusive, s.cfg.BatchNumBytesLimit)
		if err != nil {
			s.sendFetchItem(ctx, stream, fetchItem{err: err})
			return
		}

		if len(records) > 0 {
			response := &FetchResponse{
				IndexUid: req.IndexUid,
				SourceID: req.SourceID,
				ShardID:  req.ShardID,
			}
			if fromExclusive < 0 {
				response.FromPositionExclusive = types.Beginning
			} else {
				response.FromPositionExclusive = types.PositionOffset(uint64(fromExclusive))
			}

			eofReached := false
			for _, record := range records {
				response.MRecordBatch.Buffer = append(response.MRecordBatch.Buffer, record.Payload...)
				response.MRecordBatch.Lengths = append(response.MRecordBatch.Lengths, uint32(len(record.Payload)))
				if ingest.DecodeMRecord(record.Payload).Kind == ingest.MRecordKindEof {
					eofReached = true
				}
			}

			lastPosition := records[len(records)-1].Position
			if eofReached {
				response.ToPositionInclusive = types.Eof(lastPosition)
			} else {
				response.ToPositionInclusive = types.PositionOffset(lastPosition)
			}

			if !s.sendFetchItem(ctx, stream, fetchItem{response: response}) {
				return
			}
			s.metrics.ObserveFetchBatch()
			if eofReached {
				return
			}
			fromExclusive = int64(lastPosition)
			continue
		}

		// Caught up with the log: wait for the next append.
		select {
		case <-notify:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) sendFetchItem(ctx context.Context, stream *FetchStream, item fetchItem) bool {
	select {
	case stream.items <- item:
		return true
	case <-ctx.Done():
		return false
	}
}
