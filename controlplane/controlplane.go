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

// Package controlplane places shards on ingesters. The router asks it
// for the open shards of a source; when a source has none, the control
// plane opens one on the least-loaded ingester through the metastore
// and initializes the replica on the chosen nodes.
package controlplane

import (
	"context"

	"github.com/weaviate/quarry/entities/ingest"
	"github.com/weaviate/quarry/entities/types"
)

// FailureReason explains why no open shard could be returned for a
// subrequest.
type FailureReason string

const (
	FailureReasonUnspecified          FailureReason = "Unspecified"
	FailureReasonIndexNotFound        FailureReason = "IndexNotFound"
	FailureReasonSourceNotFound       FailureReason = "SourceNotFound"
	FailureReasonNoIngestersAvailable FailureReason = "NoIngestersAvailable"
)

// GetOpenShardsSubrequest asks for the open shards of one source.
type GetOpenShardsSubrequest struct {
	SubrequestID types.SubrequestId
	IndexID      string
	SourceID     types.SourceId
}

// GetOpenShardsSuccess returns the open shards of the source, opening
// one first when none was open.
type GetOpenShardsSuccess struct {
	SubrequestID types.SubrequestId
	IndexUid     types.IndexUid
	SourceID     types.SourceId
	OpenShards   []ingest.Shard
}

// GetOpenShardsFailure explains why a subrequest yielded no shard.
type GetOpenShardsFailure struct {
	SubrequestID types.SubrequestId
	IndexID      string
	SourceID     types.SourceId
	Reason       FailureReason
}

// GetOpenShardsResponse partitions the subrequests into successes and
// failures.
type GetOpenShardsResponse struct {
	Successes []GetOpenShardsSuccess
	Failures  []GetOpenShardsFailure
}

// ControlPlane is the shard placement contract used by the ingest
// router.
type ControlPlane interface {
	GetOrCreateOpenShards(ctx context.Context, subrequests []GetOpenShardsSubrequest) (*GetOpenShardsResponse, error)
}
