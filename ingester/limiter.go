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
	"sync"
	"sync/atomic"
	"time"
)

// inFlightLimiter is a thread-safe counter bounding concurrent persist
// requests on one ingester.
type inFlightLimiter struct {
	max     int64
	current int64
}

func newInFlightLimiter(max int) *inFlightLimiter {
	return &inFlightLimiter{max: int64(max)}
}

// TryInc increases the counter and returns true if there is still room.
func (l *inFlightLimiter) TryInc() bool {
	if l.max <= 0 {
		return true
	}
	if atomic.AddInt64(&l.current, 1) <= l.max {
		return true
	}
	// undo unsuccessful increment
	atomic.AddInt64(&l.current, -1)
	return false
}

func (l *inFlightLimiter) Dec() {
	if l.max <= 0 {
		return
	}
	if new := atomic.AddInt64(&l.current, -1); new < 0 {
		atomic.CompareAndSwapInt64(&l.current, new, 0)
	}
}

// throughputLimiter is a token bucket over payload bytes: refillPerSec
// bytes accrue per second up to one second's worth of burst. Each shard
// replica carries its own bucket.
type throughputLimiter struct {
	mu           sync.Mutex
	refillPerSec int64
	available    int64
	lastRefill   time.Time
}

func newThroughputLimiter(refillPerSec int64) *throughputLimiter {
	return &throughputLimiter{
		refillPerSec: refillPerSec,
		available:    refillPerSec,
		lastRefill:   time.Now(),
	}
}

// TryAcquire consumes numBytes tokens if available.
func (l *throughputLimiter) TryAcquire(numBytes int64) bool {
	if l.refillPerSec <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(l.lastRefill)
	if elapsed > 0 {
		l.available += int64(float64(l.refillPerSec) * elapsed.Seconds())
		if l.available > l.refillPerSec {
			l.available = l.refillPerSec
		}
		l.lastRefill = now
	}
	if numBytes > l.available {
		return false
	}
	l.available -= numBytes
	return true
}
