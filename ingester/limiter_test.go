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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInFlightLimiter(t *testing.T) {
	limiter := newInFlightLimiter(2)
	assert.True(t, limiter.TryInc())
	assert.True(t, limiter.TryInc())
	assert.False(t, limiter.TryInc())

	limiter.Dec()
	assert.True(t, limiter.TryInc())
}

func TestInFlightLimiterUnbounded(t *testing.T) {
	limiter := newInFlightLimiter(0)
	for i := 0; i < 100; i++ {
		assert.True(t, limiter.TryInc())
	}
}

func TestThroughputLimiter(t *testing.T) {
	limiter := newThroughputLimiter(100)
	assert.True(t, limiter.TryAcquire(60))
	assert.True(t, limiter.TryAcquire(40))
	assert.False(t, limiter.TryAcquire(50))
}

func TestThroughputLimiterUnbounded(t *testing.T) {
	limiter := newThroughputLimiter(0)
	assert.True(t, limiter.TryAcquire(1<<30))
}
