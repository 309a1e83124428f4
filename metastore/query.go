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

package metastore

import (
	"github.com/weaviate/quarry/entities/split"
	"github.com/weaviate/quarry/entities/types"
)

// ListSplitsQuery selects splits of one index. Zero-valued filters are
// inactive. Results are ordered by split id.
type ListSplitsQuery struct {
	IndexUid types.IndexUid

	// States restricts the result to splits in one of the given states.
	States []split.State

	// TimeRangeStart/TimeRangeEnd select splits whose time range overlaps
	// [start, end). A split without a time range always matches.
	TimeRangeStart *int64
	TimeRangeEnd   *int64

	// DeleteOpstampLt selects splits with a delete opstamp strictly below
	// the bound.
	DeleteOpstampLt *uint64

	// Tags, when non-empty, selects splits carrying every listed tag.
	Tags []string

	// Offset and Limit page through the ordered result. Limit == 0 means
	// no limit.
	Offset int
	Limit  int
}

func (q *ListSplitsQuery) matches(s *split.Split) bool {
	if len(q.States) > 0 {
		found := false
		for _, state := range q.States {
			if s.State == state {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.TimeRangeStart != nil || q.TimeRangeEnd != nil {
		if tr := s.Metadata.TimeRange; tr != nil {
			if q.TimeRangeEnd != nil && tr.Start >= *q.TimeRangeEnd {
				return false
			}
			if q.TimeRangeStart != nil && tr.End < *q.TimeRangeStart {
				return false
			}
		}
	}
	if q.DeleteOpstampLt != nil && s.Metadata.DeleteOpstamp >= *q.DeleteOpstampLt {
		return false
	}
	for _, tag := range q.Tags {
		if !s.HasTag(tag) {
			return false
		}
	}
	return true
}
