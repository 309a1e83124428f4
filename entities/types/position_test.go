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

package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPositionOrdering(t *testing.T) {
	assert.True(t, Beginning.Before(PositionOffset(0)))
	assert.True(t, PositionOffset(0).Before(PositionOffset(1)))
	assert.True(t, PositionOffset(9).Before(PositionOffset(10)))
	assert.True(t, PositionOffset(10).Before(Eof(10)))
	assert.True(t, Beginning.Before(EofUnknown()))
	assert.True(t, Eof(10).Equal(Eof(42)))
	assert.True(t, Eof(10).Equal(EofUnknown()))
	assert.True(t, PositionOffset(7).Equal(PositionOffset(7)))
	assert.True(t, PositionOffset(7).AtOrAfter(PositionOffset(7)))
	assert.False(t, PositionOffset(6).AtOrAfter(PositionOffset(7)))
}

func TestPositionAccessors(t *testing.T) {
	offset, ok := PositionOffset(42).Offset()
	require.True(t, ok)
	assert.Equal(t, uint64(42), offset)

	offset, ok = Eof(42).Offset()
	require.True(t, ok)
	assert.Equal(t, uint64(42), offset)

	_, ok = Beginning.Offset()
	assert.False(t, ok)
	_, ok = EofUnknown().Offset()
	assert.False(t, ok)

	assert.True(t, Beginning.IsBeginning())
	assert.False(t, Beginning.IsEof())
	assert.True(t, Eof(0).IsEof())
	assert.True(t, EofUnknown().IsEof())
	assert.False(t, PositionOffset(0).IsBeginning())
}

func TestPositionRoundTrip(t *testing.T) {
	for _, position := range []Position{
		Beginning,
		PositionOffset(0),
		PositionOffset(1234),
		Eof(1234),
		EofUnknown(),
	} {
		parsed, err := ParsePosition(position.String())
		require.NoError(t, err)
		assert.Equal(t, position, parsed)
	}
}

func TestIndexUid(t *testing.T) {
	uid := NewIndexUid("test-index")
	assert.Equal(t, "test-index:0", uid.String())
	assert.Equal(t, "test-index:1", uid.NextGeneration().String())

	parsed, err := ParseIndexUid("test-index:7")
	require.NoError(t, err)
	assert.Equal(t, IndexUid{IndexID: "test-index", Generation: 7}, parsed)

	for _, invalid := range []string{"", "test-index", ":42", "test-index:", "test-index:abc"} {
		_, err := ParseIndexUid(invalid)
		assert.Error(t, err, invalid)
	}
}
