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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weaviate/quarry/entities/types"
)

func newTestWal(t *testing.T) *Wal {
	t.Helper()
	wal, err := OpenWal(filepath.Join(t.TempDir(), "wal.db"))
	require.Nil(t, err)
	t.Cleanup(func() { wal.Close() })
	return wal
}

func TestWalAppendAndRead(t *testing.T) {
	wal := newTestWal(t)
	queue := queueName(types.NewIndexUid("my-index"), "my-source", 1)

	last, err := wal.AppendRecords(queue, [][]byte{[]byte("rec-0"), []byte("rec-1")})
	require.Nil(t, err)
	assert.Equal(t, uint64(1), last)

	last, err = wal.AppendRecords(queue, [][]byte{[]byte("rec-2")})
	require.Nil(t, err)
	assert.Equal(t, uint64(2), last)

	records, err := wal.ReadAfter(queue, -1, 1<<20)
	require.Nil(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, uint64(0), records[0].Position)
	assert.Equal(t, []byte("rec-0"), records[0].Payload)
	assert.Equal(t, uint64(2), records[2].Position)

	records, err = wal.ReadAfter(queue, 0, 1<<20)
	require.Nil(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, uint64(1), records[0].Position)

	records, err = wal.ReadAfter(queue, 2, 1<<20)
	require.Nil(t, err)
	assert.Empty(t, records)
}

func TestWalReadRespectsByteLimit(t *testing.T) {
	wal := newTestWal(t)
	queue := queueName(types.NewIndexUid("my-index"), "my-source", 1)

	payload := make([]byte, 100)
	_, err := wal.AppendRecords(queue, [][]byte{payload, payload, payload})
	require.Nil(t, err)

	records, err := wal.ReadAfter(queue, -1, 150)
	require.Nil(t, err)
	assert.Len(t, records, 1)

	// The limit never starves the reader: one oversized record is still
	// returned.
	records, err = wal.ReadAfter(queue, -1, 10)
	require.Nil(t, err)
	assert.Len(t, records, 1)
}

func TestWalTruncateKeepsPositions(t *testing.T) {
	wal := newTestWal(t)
	queue := queueName(types.NewIndexUid("my-index"), "my-source", 1)

	_, err := wal.AppendRecords(queue, [][]byte{[]byte("rec-0"), []byte("rec-1"), []byte("rec-2")})
	require.Nil(t, err)

	freed, err := wal.Truncate(queue, 1)
	require.Nil(t, err)
	assert.Equal(t, int64(10), freed)

	records, err := wal.ReadAfter(queue, -1, 1<<20)
	require.Nil(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, uint64(2), records[0].Position)

	// Positions keep increasing after a truncation.
	last, err := wal.AppendRecords(queue, [][]byte{[]byte("rec-3")})
	require.Nil(t, err)
	assert.Equal(t, uint64(3), last)

	// Truncating again is a no-op.
	freed, err = wal.Truncate(queue, 1)
	require.Nil(t, err)
	assert.Equal(t, int64(0), freed)
}

func TestWalQueues(t *testing.T) {
	wal := newTestWal(t)
	queueA := queueName(types.NewIndexUid("index-a"), "my-source", 1)
	queueB := queueName(types.NewIndexUid("index-b"), "my-source", 2)

	_, err := wal.AppendRecords(queueA, [][]byte{[]byte("rec-0"), []byte("rec-1")})
	require.Nil(t, err)
	_, err = wal.AppendRecords(queueB, [][]byte{[]byte("rec-0")})
	require.Nil(t, err)

	queues, err := wal.Queues()
	require.Nil(t, err)
	require.Len(t, queues, 2)

	byName := map[string]QueueInfo{}
	for _, queue := range queues {
		byName[queue.Name] = queue
	}
	assert.Equal(t, uint64(1), byName[queueA].LastPosition)
	assert.True(t, byName[queueA].HasRecords)
	assert.Equal(t, int64(10), byName[queueA].Bytes)

	freed, err := wal.DeleteQueue(queueB)
	require.Nil(t, err)
	assert.Equal(t, int64(5), freed)

	queues, err = wal.Queues()
	require.Nil(t, err)
	assert.Len(t, queues, 1)
}
