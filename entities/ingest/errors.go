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

package ingest

import (
	"fmt"

	"github.com/weaviate/quarry/entities/types"
)

// RateLimitingCause identifies which protection rejected a request.
type RateLimitingCause string

const (
	RateLimitingCauseUnknown           RateLimitingCause = "Unknown"
	RateLimitingCauseRouterLoadShed    RateLimitingCause = "RouterLoadShedding"
	RateLimitingCauseLoadShedding      RateLimitingCause = "LoadShedding"
	RateLimitingCauseWalFull           RateLimitingCause = "WalFull"
	RateLimitingCauseCircuitBreaker    RateLimitingCause = "CircuitBreaker"
	RateLimitingCauseShardRateLimiting RateLimitingCause = "ShardRateLimiting"
)

// ErrorKind classifies whole-request ingest errors exchanged between the
// router and the ingesters.
type ErrorKind int

const (
	ErrorKindInternal ErrorKind = iota
	ErrorKindShardNotFound
	ErrorKindTimeout
	ErrorKindUnavailable
	ErrorKindTooManyRequests
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindShardNotFound:
		return "shard not found"
	case ErrorKindTimeout:
		return "timeout"
	case ErrorKindUnavailable:
		return "unavailable"
	case ErrorKindTooManyRequests:
		return "too many requests"
	default:
		return "internal"
	}
}

// Error is a whole-request ingest error. Per-subrequest failures use
// PersistFailureReason instead.
type Error struct {
	Kind    ErrorKind
	Cause   RateLimitingCause
	ShardId types.ShardId
	Message string
}

func (e *Error) Error() string {
	switch e.Kind {
	case ErrorKindShardNotFound:
		return fmt.Sprintf("shard `%d` not found", e.ShardId)
	case ErrorKindTooManyRequests:
		return fmt.Sprintf("too many requests (%s)", e.Cause)
	default:
		if e.Message == "" {
			return e.Kind.String()
		}
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
}

// ErrInternal returns an internal ingest error.
func ErrInternal(message string) *Error {
	return &Error{Kind: ErrorKindInternal, Message: message}
}

// ErrShardNotFound returns a shard-not-found ingest error.
func ErrShardNotFound(shardID types.ShardId) *Error {
	return &Error{Kind: ErrorKindShardNotFound, ShardId: shardID}
}

// ErrTimeout returns a timeout ingest error.
func ErrTimeout(message string) *Error {
	return &Error{Kind: ErrorKindTimeout, Message: message}
}

// ErrUnavailable returns an unavailable ingest error.
func ErrUnavailable(message string) *Error {
	return &Error{Kind: ErrorKindUnavailable, Message: message}
}

// ErrTooManyRequests returns a rate-limiting ingest error.
func ErrTooManyRequests(cause RateLimitingCause) *Error {
	return &Error{Kind: ErrorKindTooManyRequests, Cause: cause}
}

// KindOf returns the error kind of err, defaulting to internal for errors
// that are not ingest errors.
func KindOf(err error) ErrorKind {
	if ingestErr, ok := err.(*Error); ok {
		return ingestErr.Kind
	}
	return ErrorKindInternal
}

// PersistFailureReason is the per-subrequest failure reported by an
// ingester's persist response.
type PersistFailureReason string

const (
	PersistFailureUnspecified        PersistFailureReason = "Unspecified"
	PersistFailureShardNotFound      PersistFailureReason = "ShardNotFound"
	PersistFailureShardClosed        PersistFailureReason = "ShardClosed"
	PersistFailureWalFull            PersistFailureReason = "WalFull"
	PersistFailureShardRateLimited   PersistFailureReason = "ShardRateLimited"
	PersistFailureResourceExhausted  PersistFailureReason = "ResourceExhausted"
	PersistFailureCircuitBreaker     PersistFailureReason = "CircuitBreaker"
	PersistFailureRouterLoadShedding PersistFailureReason = "RouterLoadShedding"
	PersistFailureTimeout            PersistFailureReason = "Timeout"
)
