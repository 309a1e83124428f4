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

// Package config holds the explicit configuration of the ingest data
// plane. There is no environment parsing here: callers construct the
// struct and validate it.
package config

import (
	"time"

	"github.com/pkg/errors"
)

const (
	// DefaultBatchNumBytesLimit caps the payload size of a doc batch
	// emitted by an ingest source.
	DefaultBatchNumBytesLimit = 5 * 1024 * 1024

	// DefaultEmitBatchesTimeout bounds one iteration of a source's emit
	// loop.
	DefaultEmitBatchesTimeout = time.Second

	// DefaultMaxPersistAttempts is the number of batch persist attempts
	// the router makes before giving up on the remaining subrequests.
	DefaultMaxPersistAttempts = 5

	// DefaultRetryBaseDelay and DefaultRetryMaxDelay parameterize the
	// exponential backoff of the per-shard fetch stream retries.
	DefaultRetryBaseDelay = time.Second
	DefaultRetryMaxDelay  = 10 * time.Minute

	// DefaultEventQueueCapacity is the per-subscriber queue capacity of
	// the event broker.
	DefaultEventQueueCapacity = 1024

	// DefaultWalMaxBytes caps the bytes an ingester holds across all its
	// shard logs before it sheds persists with a wal-full error.
	DefaultWalMaxBytes = 512 * 1024 * 1024

	// DefaultShardThroughputLimit is the per-shard persist throughput in
	// bytes per second above which persists are rate limited.
	DefaultShardThroughputLimit = 5 * 1024 * 1024

	// DefaultMaxInFlightPersists bounds concurrent persist requests on
	// one ingester.
	DefaultMaxInFlightPersists = 256
)

// Ingest is the configuration of the ingest data plane.
type Ingest struct {
	// BatchNumBytesLimit caps the payload size of an emitted doc batch.
	BatchNumBytesLimit int

	// EmitBatchesTimeout bounds one iteration of a source's emit loop.
	EmitBatchesTimeout time.Duration

	// RetryBaseDelay, RetryMaxDelay and RetryMaxAttempts parameterize
	// bounded retries (truncate pushes). The fetch stream retries with
	// the same base/max delays but unbounded attempts.
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	RetryMaxAttempts int

	// MaxPersistAttempts is the number of batch persist attempts per
	// ingest request at the router.
	MaxPersistAttempts int

	// EventQueueCapacity is the per-subscriber queue capacity of the
	// event broker.
	EventQueueCapacity int

	// WalMaxBytes caps the bytes an ingester holds across all its shard
	// logs.
	WalMaxBytes int64

	// ShardThroughputLimit is the per-shard persist throughput in bytes
	// per second.
	ShardThroughputLimit int64

	// MaxInFlightPersists bounds concurrent persist requests on one
	// ingester.
	MaxInFlightPersists int

	// ReplicationFactor is the number of ingesters a shard is hosted on:
	// 1 for a lone leader, 2 for a leader plus follower.
	ReplicationFactor int
}

// DefaultIngest returns the default ingest configuration.
func DefaultIngest() Ingest {
	return Ingest{
		BatchNumBytesLimit: DefaultBatchNumBytesLimit,
		EmitBatchesTimeout: DefaultEmitBatchesTimeout,
		RetryBaseDelay:     DefaultRetryBaseDelay,
		RetryMaxDelay:      DefaultRetryMaxDelay,
		RetryMaxAttempts:   5,
		MaxPersistAttempts: DefaultMaxPersistAttempts,
		EventQueueCapacity: DefaultEventQueueCapacity,

		WalMaxBytes:          DefaultWalMaxBytes,
		ShardThroughputLimit: DefaultShardThroughputLimit,
		MaxInFlightPersists:  DefaultMaxInFlightPersists,
		ReplicationFactor:    1,
	}
}

// Validate checks the configuration for values that cannot work.
func (c Ingest) Validate() error {
	if c.BatchNumBytesLimit <= 0 {
		return errors.New("batch num bytes limit must be positive")
	}
	if c.EmitBatchesTimeout <= 0 {
		return errors.New("emit batches timeout must be positive")
	}
	if c.RetryBaseDelay <= 0 || c.RetryMaxDelay < c.RetryBaseDelay {
		return errors.New("retry delays must be positive and max delay must not be below base delay")
	}
	if c.RetryMaxAttempts <= 0 {
		return errors.New("retry max attempts must be positive")
	}
	if c.MaxPersistAttempts <= 0 {
		return errors.New("max persist attempts must be positive")
	}
	if c.EventQueueCapacity <= 0 {
		return errors.New("event queue capacity must be positive")
	}
	if c.WalMaxBytes <= 0 {
		return errors.New("wal max bytes must be positive")
	}
	if c.ShardThroughputLimit <= 0 {
		return errors.New("shard throughput limit must be positive")
	}
	if c.MaxInFlightPersists <= 0 {
		return errors.New("max in-flight persists must be positive")
	}
	if c.ReplicationFactor != 1 && c.ReplicationFactor != 2 {
		return errors.New("replication factor must be 1 or 2")
	}
	return nil
}
