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

// Package checkpoint implements the per-source checkpoint algebra: a
// checkpoint maps partitions to the last position processed inclusively,
// and a checkpoint delta describes a half-open interval of progress per
// partition. A delta only applies to a checkpoint when the intervals are
// contiguous with the recorded positions, which is what protects the
// pipeline against replaying or skipping records after a failure.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/weaviate/quarry/entities/types"
)

// PartitionId identifies a partition within a source checkpoint. For
// ingest-sourced indexes it is the shard id (1:1).
type PartitionId uint64

// PartitionIdOfShard converts a shard id to its partition id.
func PartitionIdOfShard(shardID types.ShardId) PartitionId {
	return PartitionId(shardID)
}

// ShardId converts the partition id back to a shard id.
func (p PartitionId) ShardId() types.ShardId {
	return types.ShardId(p)
}

func (p PartitionId) String() string {
	return fmt.Sprintf("%020d", uint64(p))
}

// PartitionDelta is the half-open interval (FromExclusive, ToInclusive]
// recorded for one partition.
type PartitionDelta struct {
	FromExclusive types.Position `json:"from"`
	ToInclusive   types.Position `json:"to"`
}

// DeltaError reports a delta that cannot be recorded or applied.
type DeltaError struct {
	Kind        DeltaErrorKind
	PartitionID PartitionId
	Current     types.Position
	Delta       PartitionDelta
}

type DeltaErrorKind int

const (
	// DeltaOutOfOrder: the interval ends before it starts.
	DeltaOutOfOrder DeltaErrorKind = iota
	// DeltaOverlap: the interval is not contiguous with the recorded
	// position for the partition.
	DeltaOverlap
)

func (e *DeltaError) Error() string {
	switch e.Kind {
	case DeltaOutOfOrder:
		return fmt.Sprintf("out-of-order delta for partition %s: from_exclusive %q > to_inclusive %q",
			e.PartitionID, e.Delta.FromExclusive, e.Delta.ToInclusive)
	default:
		return fmt.Sprintf("overlapping delta for partition %s: current position %q, delta from_exclusive %q",
			e.PartitionID, e.Current, e.Delta.FromExclusive)
	}
}

// SourceCheckpoint maps each partition of a source to the last position
// processed, inclusively.
type SourceCheckpoint struct {
	positions map[PartitionId]types.Position
}

// NewSourceCheckpoint returns an empty checkpoint.
func NewSourceCheckpoint() SourceCheckpoint {
	return SourceCheckpoint{positions: make(map[PartitionId]types.Position)}
}

// SourceCheckpointFromMap builds a checkpoint from explicit positions.
func SourceCheckpointFromMap(positions map[PartitionId]types.Position) SourceCheckpoint {
	checkpoint := NewSourceCheckpoint()
	for partitionID, position := range positions {
		checkpoint.positions[partitionID] = position
	}
	return checkpoint
}

// PositionFor returns the recorded position of a partition.
func (c SourceCheckpoint) PositionFor(partitionID PartitionId) (types.Position, bool) {
	position, ok := c.positions[partitionID]
	return position, ok
}

// IsEmpty reports whether the checkpoint tracks no partition.
func (c SourceCheckpoint) IsEmpty() bool {
	return len(c.positions) == 0
}

// NumPartitions returns the number of tracked partitions.
func (c SourceCheckpoint) NumPartitions() int {
	return len(c.positions)
}

// Iter returns the (partition, position) pairs sorted by partition id.
func (c SourceCheckpoint) Iter() []PartitionPosition {
	pairs := make([]PartitionPosition, 0, len(c.positions))
	for partitionID, position := range c.positions {
		pairs = append(pairs, PartitionPosition{PartitionID: partitionID, Position: position})
	}
	sort.Slice(pairs, func(i, j int) bool {
		return pairs[i].PartitionID < pairs[j].PartitionID
	})
	return pairs
}

// PartitionPosition is one entry of a checkpoint traversal.
type PartitionPosition struct {
	PartitionID PartitionId
	Position    types.Position
}

// Clone returns a deep copy of the checkpoint.
func (c SourceCheckpoint) Clone() SourceCheckpoint {
	return SourceCheckpointFromMap(c.positions)
}

// TryApply applies the delta to the checkpoint. For every partition of the
// delta, the delta's from_exclusive must equal the recorded position, or
// the partition must be absent and the delta start from the beginning.
// The application is atomic: on error no partition is advanced.
func (c SourceCheckpoint) TryApply(delta SourceCheckpointDelta) error {
	for partitionID, partitionDelta := range delta.deltas {
		current, tracked := c.positions[partitionID]
		if !tracked {
			if !partitionDelta.FromExclusive.IsBeginning() {
				return &DeltaError{
					Kind:        DeltaOverlap,
					PartitionID: partitionID,
					Current:     types.Beginning,
					Delta:       partitionDelta,
				}
			}
			continue
		}
		if !current.Equal(partitionDelta.FromExclusive) {
			return &DeltaError{
				Kind:        DeltaOverlap,
				PartitionID: partitionID,
				Current:     current,
				Delta:       partitionDelta,
			}
		}
	}
	for partitionID, partitionDelta := range delta.deltas {
		c.positions[partitionID] = partitionDelta.ToInclusive
	}
	return nil
}

// Reset drops all recorded positions.
func (c SourceCheckpoint) Reset() {
	for partitionID := range c.positions {
		delete(c.positions, partitionID)
	}
}

func (c SourceCheckpoint) String() string {
	var sb strings.Builder
	sb.WriteString("Ckpt(")
	for i, pair := range c.Iter() {
		if i > 0 {
			sb.WriteString(" ")
		}
		fmt.Fprintf(&sb, "%d:%s", pair.PartitionID, pair.Position)
	}
	sb.WriteString(")")
	return sb.String()
}

// MarshalJSON encodes the checkpoint as a partition → position map.
func (c SourceCheckpoint) MarshalJSON() ([]byte, error) {
	positions := make(map[string]string, len(c.positions))
	for partitionID, position := range c.positions {
		positions[strconv.FormatUint(uint64(partitionID), 10)] = position.String()
	}
	return json.Marshal(positions)
}

func (c *SourceCheckpoint) UnmarshalJSON(data []byte) error {
	var positions map[string]string
	if err := json.Unmarshal(data, &positions); err != nil {
		return err
	}
	c.positions = make(map[PartitionId]types.Position, len(positions))
	for key, value := range positions {
		partitionID, err := strconv.ParseUint(key, 10, 64)
		if err != nil {
			return errors.Wrapf(err, "invalid partition id %q", key)
		}
		position, err := types.ParsePosition(value)
		if err != nil {
			return err
		}
		c.positions[PartitionId(partitionID)] = position
	}
	return nil
}

// SourceCheckpointDelta maps partitions to half-open progress intervals.
type SourceCheckpointDelta struct {
	deltas map[PartitionId]PartitionDelta
}

// NewSourceCheckpointDelta returns an empty delta.
func NewSourceCheckpointDelta() SourceCheckpointDelta {
	return SourceCheckpointDelta{deltas: make(map[PartitionId]PartitionDelta)}
}

// RecordPartitionDelta records the interval (fromExclusive, toInclusive]
// for a partition. If the partition already has an interval, the new one
// must start exactly where the recorded one ends; on success the intervals
// are merged.
func (d SourceCheckpointDelta) RecordPartitionDelta(partitionID PartitionId, fromExclusive, toInclusive types.Position) error {
	if toInclusive.Before(fromExclusive) {
		return &DeltaError{
			Kind:        DeltaOutOfOrder,
			PartitionID: partitionID,
			Delta:       PartitionDelta{FromExclusive: fromExclusive, ToInclusive: toInclusive},
		}
	}
	recorded, ok := d.deltas[partitionID]
	if !ok {
		d.deltas[partitionID] = PartitionDelta{FromExclusive: fromExclusive, ToInclusive: toInclusive}
		return nil
	}
	if !recorded.ToInclusive.Equal(fromExclusive) {
		return &DeltaError{
			Kind:        DeltaOverlap,
			PartitionID: partitionID,
			Current:     recorded.ToInclusive,
			Delta:       PartitionDelta{FromExclusive: fromExclusive, ToInclusive: toInclusive},
		}
	}
	recorded.ToInclusive = toInclusive
	d.deltas[partitionID] = recorded
	return nil
}

// IsEmpty reports whether the delta covers no partition.
func (d SourceCheckpointDelta) IsEmpty() bool {
	return len(d.deltas) == 0
}

// NumPartitions returns the number of partitions covered by the delta.
func (d SourceCheckpointDelta) NumPartitions() int {
	return len(d.deltas)
}

// DeltaFor returns the interval recorded for a partition.
func (d SourceCheckpointDelta) DeltaFor(partitionID PartitionId) (PartitionDelta, bool) {
	partitionDelta, ok := d.deltas[partitionID]
	return partitionDelta, ok
}

// Iter returns the (partition, interval) pairs sorted by partition id.
func (d SourceCheckpointDelta) Iter() []PartitionDeltaEntry {
	entries := make([]PartitionDeltaEntry, 0, len(d.deltas))
	for partitionID, partitionDelta := range d.deltas {
		entries = append(entries, PartitionDeltaEntry{PartitionID: partitionID, Delta: partitionDelta})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].PartitionID < entries[j].PartitionID
	})
	return entries
}

// PartitionDeltaEntry is one entry of a delta traversal.
type PartitionDeltaEntry struct {
	PartitionID PartitionId
	Delta       PartitionDelta
}

// Clone returns a deep copy of the delta.
func (d SourceCheckpointDelta) Clone() SourceCheckpointDelta {
	clone := NewSourceCheckpointDelta()
	for partitionID, partitionDelta := range d.deltas {
		clone.deltas[partitionID] = partitionDelta
	}
	return clone
}

// MarshalJSON encodes the delta as a partition → interval map.
func (d SourceCheckpointDelta) MarshalJSON() ([]byte, error) {
	deltas := make(map[string]PartitionDelta, len(d.deltas))
	for partitionID, partitionDelta := range d.deltas {
		deltas[strconv.FormatUint(uint64(partitionID), 10)] = partitionDelta
	}
	return json.Marshal(deltas)
}

func (d *SourceCheckpointDelta) UnmarshalJSON(data []byte) error {
	var deltas map[string]PartitionDelta
	if err := json.Unmarshal(data, &deltas); err != nil {
		return err
	}
	d.deltas = make(map[PartitionId]PartitionDelta, len(deltas))
	for key, partitionDelta := range deltas {
		partitionID, err := strconv.ParseUint(key, 10, 64)
		if err != nil {
			return errors.Wrapf(err, "invalid partition id %q", key)
		}
		d.deltas[PartitionId(partitionID)] = partitionDelta
	}
	return nil
}

func (d SourceCheckpointDelta) String() string {
	var sb strings.Builder
	sb.WriteString("∆(")
	for i, entry := range d.Iter() {
		if i > 0 {
			sb.WriteString(" ")
		}
		fmt.Fprintf(&sb, "%d:(%s..%s]", entry.PartitionID, entry.Delta.FromExclusive, entry.Delta.ToInclusive)
	}
	sb.WriteString(")")
	return sb.String()
}
