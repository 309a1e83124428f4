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
)

// batchBuilder accumulates the docs and the checkpoint delta of one
// emit loop iteration.
type batchBuilder struct {
	docs            [][]byte
	numBytes        int
	checkpointDelta checkpoint.SourceCheckpointDelta
	forceCommit     bool
}

func newBatchBuilder() *batchBuilder {
	return &batchBuilder{checkpointDelta: checkpoint.NewSourceCheckpointDelta()}
}

func (b *batchBuilder) addDoc(doc []byte) {
	b.docs = append(b.docs, doc)
	b.numBytes += len(doc)
}

func (b *batchBuilder) build() RawDocBatch {
	return RawDocBatch{
		Docs:            b.docs,
		CheckpointDelta: b.checkpointDelta,
		ForceCommit:     b.forceCommit,
	}
}
