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
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrorKind classifies metastore failures so that callers can branch on
// the class of failure without parsing messages.
type ErrorKind int

const (
	ErrorKindInternal ErrorKind = iota
	ErrorKindIndexDoesNotExist
	ErrorKindIndexAlreadyExists
	ErrorKindSourceDoesNotExist
	ErrorKindSourceAlreadyExists
	ErrorKindSplitsDoNotExist
	ErrorKindSplitsNotStaged
	ErrorKindSplitsNotDeletable
	ErrorKindIncompatibleCheckpointDelta
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindIndexDoesNotExist:
		return "index does not exist"
	case ErrorKindIndexAlreadyExists:
		return "index already exists"
	case ErrorKindSourceDoesNotExist:
		return "source does not exist"
	case ErrorKindSourceAlreadyExists:
		return "source already exists"
	case ErrorKindSplitsDoNotExist:
		return "splits do not exist"
	case ErrorKindSplitsNotStaged:
		return "splits not staged"
	case ErrorKindSplitsNotDeletable:
		return "splits not deletable"
	case ErrorKindIncompatibleCheckpointDelta:
		return "incompatible checkpoint delta"
	default:
		return "internal error"
	}
}

// Error is the error type returned by every metastore operation. SplitIDs
// is populated for the split-batch kinds and names the offending splits.
type Error struct {
	Kind     ErrorKind
	Message  string
	SplitIDs []string
}

func (e *Error) Error() string {
	if len(e.SplitIDs) > 0 {
		return fmt.Sprintf("%s: [%s]", e.Kind, strings.Join(e.SplitIDs, ", "))
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return e.Kind.String()
}

func errIndexDoesNotExist(indexID string) *Error {
	return &Error{Kind: ErrorKindIndexDoesNotExist, Message: indexID}
}

func errIndexAlreadyExists(indexID string) *Error {
	return &Error{Kind: ErrorKindIndexAlreadyExists, Message: indexID}
}

func errSourceDoesNotExist(sourceID string) *Error {
	return &Error{Kind: ErrorKindSourceDoesNotExist, Message: sourceID}
}

func errSourceAlreadyExists(sourceID string) *Error {
	return &Error{Kind: ErrorKindSourceAlreadyExists, Message: sourceID}
}

func errSplitsDoNotExist(splitIDs []string) *Error {
	return &Error{Kind: ErrorKindSplitsDoNotExist, SplitIDs: splitIDs}
}

func errSplitsNotStaged(splitIDs []string) *Error {
	return &Error{Kind: ErrorKindSplitsNotStaged, SplitIDs: splitIDs}
}

func errSplitsNotDeletable(splitIDs []string) *Error {
	return &Error{Kind: ErrorKindSplitsNotDeletable, SplitIDs: splitIDs}
}

func errIncompatibleCheckpointDelta(detail string) *Error {
	return &Error{Kind: ErrorKindIncompatibleCheckpointDelta, Message: detail}
}

func errInternal(err error, message string) *Error {
	return &Error{Kind: ErrorKindInternal, Message: errors.Wrap(err, message).Error()}
}

// KindOf extracts the error kind from an error returned by a metastore.
// Non-metastore errors map to ErrorKindInternal.
func KindOf(err error) ErrorKind {
	var metastoreErr *Error
	if errors.As(err, &metastoreErr) {
		return metastoreErr.Kind
	}
	return ErrorKindInternal
}
