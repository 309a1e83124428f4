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

// Package split defines the publishable unit of the index: an immutable
// segment of documents together with the metadata the metastore tracks
// through its lifecycle.
package split

import (
	"github.com/weaviate/quarry/entities/checkpoint"
	"github.com/weaviate/quarry/entities/types"
)

// State is the lifecycle state of a split. The only legal transitions are
// Staged → Published → MarkedForDeletion → (deleted).
type State string

const (
	// StateStaged: the split is about to be uploaded; some of its files may
	// already exist in storage.
	StateStaged State = "Staged"
	// StatePublished: the split is uploaded and searchable.
	StatePublished State = "Published"
	// StateMarkedForDeletion: the split is retired and waiting for garbage
	// collection.
	StateMarkedForDeletion State = "MarkedForDeletion"
)

// TimeRange is the inclusive range of document timestamps in a split.
type TimeRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// FooterOffsets locates the footer (hotcache and metadata) within the
// split file, so that readers can fetch it with a single ranged request.
type FooterOffsets struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

// Maturity determines whether a split is a candidate for merges: an
// immature split may still be merged with its siblings, a mature one may
// only shrink through delete tasks.
type Maturity struct {
	Mature bool `json:"mature"`
	// MaturationPeriodMillis is the period after creation at which an
	// immature split becomes mature.
	MaturationPeriodMillis int64 `json:"maturation_period_millis,omitempty"`
}

// Metadata carries the immutable description of a split, set at staging
// time by the indexer that built it.
type Metadata struct {
	SplitID     string                 `json:"split_id"`
	IndexUid    types.IndexUid         `json:"index_uid"`
	SourceId    types.SourceId         `json:"source_id,omitempty"`
	PartitionID checkpoint.PartitionId `json:"partition_id"`

	NumDocs           uint64     `json:"num_docs"`
	UncompressedBytes uint64     `json:"uncompressed_bytes"`
	TimeRange         *TimeRange `json:"time_range,omitempty"`
	Tags              []string   `json:"tags,omitempty"`

	CreateTimestamp int64         `json:"create_timestamp"`
	Maturity        Maturity      `json:"maturity"`
	DeleteOpstamp   uint64        `json:"delete_opstamp"`
	FooterOffsets   FooterOffsets `json:"footer_offsets"`
}

// Split is a split as tracked by the metastore: the staged metadata plus
// the lifecycle fields the metastore owns.
type Split struct {
	Metadata Metadata `json:"metadata"`
	State    State    `json:"state"`

	// UpdateTimestamp is bumped on every state transition.
	UpdateTimestamp int64 `json:"update_timestamp"`
	// PublishTimestamp is set exactly once, at the first publish.
	PublishTimestamp *int64 `json:"publish_timestamp,omitempty"`
}

// SplitID returns the id of the underlying split.
func (s *Split) SplitID() string {
	return s.Metadata.SplitID
}

// HasTag reports whether the split carries the given tag.
func (s *Split) HasTag(tag string) bool {
	for _, t := range s.Metadata.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// DeleteQuery selects the documents a delete task removes, across all the
// splits of an index.
type DeleteQuery struct {
	IndexUid types.IndexUid `json:"index_uid"`
	Query    string         `json:"query"`

	StartTimestamp *int64 `json:"start_timestamp,omitempty"`
	EndTimestamp   *int64 `json:"end_timestamp,omitempty"`
}

// DeleteTask is a delete query stamped with a per-index monotonic
// opstamp. A split whose delete_opstamp is lower than a task's opstamp
// still has to have the task applied to it.
type DeleteTask struct {
	Opstamp         uint64      `json:"opstamp"`
	CreateTimestamp int64       `json:"create_timestamp"`
	DeleteQuery     DeleteQuery `json:"delete_query"`
}
