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
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/weaviate/quarry/entities/types"
)

// PublishLock is a cancellable sentinel shared between an ingest source
// and the downstream stages holding work built under it. Killing the
// lock invalidates that in-flight work: holders check IsAlive before
// staging or publishing a split.
type PublishLock struct {
	dead chan struct{}
	once sync.Once
}

// NewPublishLock returns a live lock.
func NewPublishLock() *PublishLock {
	return &PublishLock{dead: make(chan struct{})}
}

// Kill invalidates the lock. It is safe to call multiple times.
func (l *PublishLock) Kill() {
	l.once.Do(func() { close(l.dead) })
}

// IsAlive reports whether the lock is still valid.
func (l *PublishLock) IsAlive() bool {
	select {
	case <-l.dead:
		return false
	default:
		return true
	}
}

// IsDead reports whether the lock has been killed.
func (l *PublishLock) IsDead() bool {
	return !l.IsAlive()
}

// newPublishToken mints the exclusive shard lease of one pipeline run.
// The metastore compares it on publish, so a segment built before a
// reset can never apply its checkpoint delta afterwards.
func newPublishToken(clientID string) types.PublishToken {
	return types.PublishToken(clientID + "/" + ulid.Make().String())
}
