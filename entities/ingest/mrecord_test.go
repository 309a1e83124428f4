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

package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMRecordBatchRoundTrip(t *testing.T) {
	batch := BuildMRecordBatch(
		DocRecord([]byte("test-doc-112")),
		DocRecord([]byte("test-doc-113")),
		CommitRecord(),
		EofRecord(),
	)
	assert.Equal(t, 4, batch.NumRecords())
	assert.Equal(t, []byte("\x00\x00test-doc-112\x00\x00test-doc-113\x00\x01\x00\x02"), batch.Buffer)
	assert.Equal(t, []uint32{14, 14, 2, 2}, batch.Lengths)

	records := batch.Decode()
	require.Len(t, records, 4)
	assert.Equal(t, MRecordKindDoc, records[0].Kind)
	assert.Equal(t, "test-doc-112", string(records[0].Doc))
	assert.Equal(t, MRecordKindDoc, records[1].Kind)
	assert.Equal(t, "test-doc-113", string(records[1].Doc))
	assert.Equal(t, MRecordKindCommit, records[2].Kind)
	assert.Equal(t, MRecordKindEof, records[3].Kind)
}

func TestMRecordDecodeUnknown(t *testing.T) {
	// unrecognized command byte
	batch := MRecordBatch{Buffer: []byte{0x00, 0x7f}, Lengths: []uint32{2}}
	records := batch.Decode()
	require.Len(t, records, 1)
	assert.Equal(t, MRecordKindUnknown, records[0].Kind)

	// non-zero version byte
	batch = MRecordBatch{Buffer: []byte{0x01, 0x00}, Lengths: []uint32{2}}
	records = batch.Decode()
	require.Len(t, records, 1)
	assert.Equal(t, MRecordKindUnknown, records[0].Kind)

	// truncated buffer
	batch = MRecordBatch{Buffer: []byte{0x00}, Lengths: []uint32{2}}
	records = batch.Decode()
	require.Len(t, records, 1)
	assert.Equal(t, MRecordKindUnknown, records[0].Kind)
}

func TestMRecordBatchEmpty(t *testing.T) {
	var batch MRecordBatch
	assert.True(t, batch.IsEmpty())
	assert.Empty(t, batch.Decode())
}
