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
	"github.com/sirupsen/logrus"

	"github.com/weaviate/quarry/config"
	"github.com/weaviate/quarry/entities/types"
	"github.com/weaviate/quarry/events"
	"github.com/weaviate/quarry/ingester"
	"github.com/weaviate/quarry/metastore"
	"github.com/weaviate/quarry/monitoring"
)

// SourceFactory mints an ingest source per indexing pipeline run. Each
// source gets its own pipeline uid, client id, publish lock and token.
type SourceFactory struct {
	nodeID    types.NodeId
	metastore metastore.Metastore
	pool      *ingester.Pool
	broker    *events.Broker
	cfg       config.Ingest
	metrics   *monitoring.Metrics
	logger    logrus.FieldLogger
}

func NewSourceFactory(nodeID types.NodeId, ms metastore.Metastore, pool *ingester.Pool,
	broker *events.Broker, cfg config.Ingest, metrics *monitoring.Metrics, logger logrus.FieldLogger,
) *SourceFactory {
	return &SourceFactory{
		nodeID:    nodeID,
		metastore: ms,
		pool:      pool,
		broker:    broker,
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger,
	}
}

// CreateSource returns a fresh source for one run of the pipeline
// indexing the given source.
func (f *SourceFactory) CreateSource(sourceUid types.SourceUid) *IngestSource {
	return NewIngestSource(f.nodeID, sourceUid, f.metastore, f.pool, f.broker, f.cfg, f.metrics, f.logger)
}
