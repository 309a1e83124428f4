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

package types

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// NodeId identifies a node in the cluster.
type NodeId string

// SourceId identifies a source within an index.
type SourceId string

// ShardId identifies a shard within a source.
type ShardId uint64

// SubrequestId identifies a subrequest within an ingest request.
type SubrequestId uint32

// PipelineUid identifies a single run of an indexing pipeline.
type PipelineUid string

// PublishToken is an exclusive lease over a set of shards. It is minted by
// the ingest source and enforced by the metastore on publish.
type PublishToken string

// IndexUid uniquely identifies an index incarnation. The generation is
// incremented every time an index is re-created after a deletion, so that
// stale references to the previous incarnation can be detected.
type IndexUid struct {
	IndexID    string
	Generation uint64
}

// NewIndexUid returns the uid of the first incarnation of an index.
func NewIndexUid(indexID string) IndexUid {
	return IndexUid{IndexID: indexID}
}

// ParseIndexUid parses an `index_id:generation` string.
func ParseIndexUid(s string) (IndexUid, error) {
	i := strings.LastIndexByte(s, ':')
	if i <= 0 || i == len(s)-1 {
		return IndexUid{}, errors.Errorf("invalid index uid %q: expected `index_id:generation`", s)
	}
	generation, err := strconv.ParseUint(s[i+1:], 10, 64)
	if err != nil {
		return IndexUid{}, errors.Wrapf(err, "invalid index uid %q", s)
	}
	return IndexUid{IndexID: s[:i], Generation: generation}, nil
}

func (u IndexUid) String() string {
	return fmt.Sprintf("%s:%d", u.IndexID, u.Generation)
}

// NextGeneration returns the uid of the next incarnation of the index.
func (u IndexUid) NextGeneration() IndexUid {
	return IndexUid{IndexID: u.IndexID, Generation: u.Generation + 1}
}

// IsZero reports whether the uid is unset.
func (u IndexUid) IsZero() bool {
	return u.IndexID == ""
}

func (u IndexUid) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

func (u *IndexUid) UnmarshalText(text []byte) error {
	parsed, err := ParseIndexUid(string(text))
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}

// SourceUid identifies a source across indexes.
type SourceUid struct {
	IndexUid IndexUid
	SourceId SourceId
}

func (u SourceUid) String() string {
	return fmt.Sprintf("%s/%s", u.IndexUid, u.SourceId)
}
