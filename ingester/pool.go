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
	"sort"
	"sync"

	"github.com/weaviate/quarry/entities/types"
)

// Pool is the set of ingesters a node can reach, keyed by node id. It is
// updated by cluster membership and read on every persist, replicate,
// and fetch.
type Pool struct {
	mu        sync.RWMutex
	ingesters map[types.NodeId]Ingester
}

func NewPool() *Pool {
	return &Pool{ingesters: map[types.NodeId]Ingester{}}
}

func (p *Pool) Get(nodeID types.NodeId) (Ingester, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ingester, ok := p.ingesters[nodeID]
	return ingester, ok
}

func (p *Pool) Set(nodeID types.NodeId, ingester Ingester) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ingesters[nodeID] = ingester
}

func (p *Pool) Remove(nodeID types.NodeId) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.ingesters, nodeID)
}

func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.ingesters)
}

// Nodes returns the member node ids in stable order.
func (p *Pool) Nodes() []types.NodeId {
	p.mu.RLock()
	defer p.mu.RUnlock()
	nodes := make([]types.NodeId, 0, len(p.ingesters))
	for nodeID := range p.ingesters {
		nodes = append(nodes, nodeID)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })
	return nodes
}
