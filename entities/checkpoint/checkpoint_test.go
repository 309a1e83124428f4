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

package checkpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weaviate/quarry/entities/types"
)

func TestRecordPartitionDelta(t *testing.T) {
	delta := NewSourceCheckpointDelta()
	require.NoError(t, delta.RecordPartitionDelta(1, types.Beginning, types.PositionOffset(10)))

	// contiguous extension merges the intervals
	require.NoError(t, delta.RecordPartitionDelta(1, types.PositionOffset(10), types.PositionOffset(20)))
	partitionDelta, ok := delta.DeltaFor(1)
	require.True(t, ok)
	assert.Equal(t, types.Beginning, partitionDelta.FromExclusive)
	assert.Equal(t, types.PositionOffset(20), partitionDelta.ToInclusive)

	// non-contiguous extension fails
	err := delta.RecordPartitionDelta(1, types.PositionOffset(30), types.PositionOffset(40))
	var deltaErr *DeltaError
	require.ErrorAs(t, err, &deltaErr)
	assert.Equal(t, DeltaOverlap, deltaErr.Kind)

	// inverted interval fails
	err = delta.RecordPartitionDelta(2, types.PositionOffset(10), types.PositionOffset(5))
	require.ErrorAs(t, err, &deltaErr)
	assert.Equal(t, DeltaOutOfOrder, deltaErr.Kind)
}

func TestTryApply(t *testing.T) {
	chk := NewSourceCheckpoint()

	delta := NewSourceCheckpointDelta()
	require.NoError(t, delta.RecordPartitionDelta(1, types.Beginning, types.PositionOffset(10)))
	require.NoError(t, chk.TryApply(delta))

	position, ok := chk.PositionFor(1)
	require.True(t, ok)
	assert.Equal(t, types.PositionOffset(10), position)

	// contiguous delta advances
	delta = NewSourceCheckpointDelta()
	require.NoError(t, delta.RecordPartitionDelta(1, types.PositionOffset(10), types.PositionOffset(14)))
	require.NoError(t, chk.TryApply(delta))
	position, _ = chk.PositionFor(1)
	assert.Equal(t, types.PositionOffset(14), position)

	// replaying the same delta fails and leaves the checkpoint unchanged
	replay := NewSourceCheckpointDelta()
	require.NoError(t, replay.RecordPartitionDelta(1, types.PositionOffset(10), types.PositionOffset(14)))
	require.Error(t, chk.TryApply(replay))
	position, _ = chk.PositionFor(1)
	assert.Equal(t, types.PositionOffset(14), position)

	// a delta on a new partition must start from the beginning
	delta = NewSourceCheckpointDelta()
	require.NoError(t, delta.RecordPartitionDelta(2, types.PositionOffset(5), types.PositionOffset(7)))
	require.Error(t, chk.TryApply(delta))
	_, ok = chk.PositionFor(2)
	assert.False(t, ok)
}

func TestTryApplyIsAtomic(t *testing.T) {
	chk := NewSourceCheckpoint()
	seed := NewSourceCheckpointDelta()
	require.NoError(t, seed.RecordPartitionDelta(1, types.Beginning, types.PositionOffset(10)))
	require.NoError(t, chk.TryApply(seed))

	// partition 2 is valid, partition 1 mismatches: nothing must advance
	mixed := NewSourceCheckpointDelta()
	require.NoError(t, mixed.RecordPartitionDelta(1, types.PositionOffset(99), types.PositionOffset(100)))
	require.NoError(t, mixed.RecordPartitionDelta(2, types.Beginning, types.PositionOffset(1)))
	require.Error(t, chk.TryApply(mixed))

	position, _ := chk.PositionFor(1)
	assert.Equal(t, types.PositionOffset(10), position)
	_, ok := chk.PositionFor(2)
	assert.False(t, ok)
	assert.Equal(t, 1, chk.NumPartitions())
}

func TestCheckpointIterIsSorted(t *testing.T) {
	chk := SourceCheckpointFromMap(map[PartitionId]types.Position{
		3: types.PositionOffset(33),
		1: types.PositionOffset(11),
		2: types.PositionOffset(22),
	})
	pairs := chk.Iter()
	require.Len(t, pairs, 3)
	assert.Equal(t, PartitionId(1), pairs[0].PartitionID)
	assert.Equal(t, PartitionId(2), pairs[1].PartitionID)
	assert.Equal(t, PartitionId(3), pairs[2].PartitionID)
}

func TestCheckpointEofDelta(t *testing.T) {
	chk := SourceCheckpointFromMap(map[PartitionId]types.Position{
		1: types.PositionOffset(22),
	})
	delta := NewSourceCheckpointDelta()
	require.NoError(t, delta.RecordPartitionDelta(1, types.PositionOffset(22), types.Eof(30)))
	require.NoError(t, chk.TryApply(delta))

	position, _ := chk.PositionFor(1)
	assert.True(t, position.IsEof())
}

func TestCheckpointJSONRoundTrip(t *testing.T) {
	chk := SourceCheckpointFromMap(map[PartitionId]types.Position{
		1: types.PositionOffset(11),
		2: types.Eof(22),
		3: types.Beginning,
	})
	data, err := chk.MarshalJSON()
	require.NoError(t, err)

	var decoded SourceCheckpoint
	require.NoError(t, decoded.UnmarshalJSON(data))
	assert.Equal(t, chk.Iter(), decoded.Iter())
}
