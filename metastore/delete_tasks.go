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
	"context"
	"time"

	"github.com/weaviate/quarry/entities/split"
	"github.com/weaviate/quarry/entities/types"
)

// CreateDeleteTask stamps a delete query with the next opstamp of its
// index. Opstamps are contiguous and strictly increasing per index.
func (s *Store) CreateDeleteTask(ctx context.Context, query split.DeleteQuery) (*split.DeleteTask, error) {
	state, err := s.indexStateForUid(query.IndexUid)
	if err != nil {
		return nil, err
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	state.lastOpstamp++
	task := &split.DeleteTask{
		Opstamp:         state.lastOpstamp,
		CreateTimestamp: time.Now().Unix(),
		DeleteQuery:     query,
	}
	state.deleteTasks = append(state.deleteTasks, task)
	if err := s.persist(state); err != nil {
		return nil, err
	}

	out := *task
	return &out, nil
}

// LastDeleteOpstamp returns the greatest opstamp assigned on the index,
// zero if no delete task was ever created.
func (s *Store) LastDeleteOpstamp(ctx context.Context, indexUid types.IndexUid) (uint64, error) {
	state, err := s.indexStateForUid(indexUid)
	if err != nil {
		return 0, err
	}

	state.mu.RLock()
	defer state.mu.RUnlock()
	return state.lastOpstamp, nil
}

// ListDeleteTasks returns the delete tasks with an opstamp strictly
// greater than opstampStart, in opstamp order.
func (s *Store) ListDeleteTasks(ctx context.Context, indexUid types.IndexUid, opstampStart uint64) ([]*split.DeleteTask, error) {
	state, err := s.indexStateForUid(indexUid)
	if err != nil {
		return nil, err
	}

	state.mu.RLock()
	defer state.mu.RUnlock()

	var out []*split.DeleteTask
	for _, task := range state.deleteTasks {
		if task.Opstamp > opstampStart {
			clone := *task
			out = append(out, &clone)
		}
	}
	return out, nil
}
