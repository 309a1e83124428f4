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

package indexing

import (
	"github.com/weaviate/quarry/entities/checkpoint"
	"github.com/weaviate/quarry/entities/types"
)

// Message is what an ingest source hands to the downstream doc
// processor: doc batches interleaved with lock and token renewals.
type Message interface {
	message()
}

// NewPublishLockMessage replaces the publish lock downstream. It is
// always emitted before the matching NewPublishTokenMessage, so that
// work under the old token is invalidated before the new token is in
// effect.
type NewPublishLockMessage struct {
	PublishLock *PublishLock
}

func (NewPublishLockMessage) message() {}

// NewPublishTokenMessage replaces the publish token downstream.
type NewPublishTokenMessage struct {
	PublishToken types.PublishToken
}

func (NewPublishTokenMessage) message() {}

// RawDocBatch is one batch of documents along with the checkpoint delta
// covering exactly the positions the documents were read from.
type RawDocBatch struct {
	Docs            [][]byte
	CheckpointDelta checkpoint.SourceCheckpointDelta
	ForceCommit     bool
}

func (RawDocBatch) message() {}

// NumBytes returns the payload size of the batch.
func (b *RawDocBatch) NumBytes() int {
	numBytes := 0
	for _, doc := range b.Docs {
		numBytes += len(doc)
	}
	return numBytes
}
