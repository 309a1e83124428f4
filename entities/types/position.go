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

const eofSuffix = "~eof"

// Position is a position within a shard: the beginning of the shard, a
// concrete offset, or the end-of-shard marker (optionally carrying the last
// offset). Positions are totally ordered:
//
//	Beginning < Offset(x) < Offset(y) < Eof(_)   for x < y
//
// The zero value is Beginning. Numeric offsets are stored zero-padded so
// that the lexicographic order of the encoded form matches the numeric
// order.
type Position struct {
	repr string
}

// Beginning is the position before the first record of a shard.
var Beginning = Position{}

// PositionOffset returns the position of the record at the given offset.
func PositionOffset(offset uint64) Position {
	return Position{repr: encodeOffset(offset)}
}

// PositionOffsetString returns a position from an opaque offset string.
func PositionOffsetString(offset string) Position {
	return Position{repr: offset}
}

// Eof returns the end-of-shard position carrying the last offset.
func Eof(lastOffset uint64) Position {
	return Position{repr: encodeOffset(lastOffset) + eofSuffix}
}

// EofUnknown returns the end-of-shard position without a last offset.
func EofUnknown() Position {
	return Position{repr: eofSuffix}
}

func encodeOffset(offset uint64) string {
	return fmt.Sprintf("%020d", offset)
}

// ParsePosition decodes the string form produced by String.
func ParsePosition(s string) (Position, error) {
	if strings.ContainsRune(strings.TrimSuffix(s, eofSuffix), '~') {
		return Position{}, errors.Errorf("invalid position %q", s)
	}
	return Position{repr: s}, nil
}

// IsBeginning reports whether the position is the beginning of the shard.
func (p Position) IsBeginning() bool {
	return p.repr == ""
}

// IsEof reports whether the position is the end-of-shard marker.
func (p Position) IsEof() bool {
	return strings.HasSuffix(p.repr, eofSuffix)
}

// Offset returns the numeric offset carried by the position, if any. It
// returns false for Beginning, for opaque offsets, and for an Eof marker
// without a last offset.
func (p Position) Offset() (uint64, bool) {
	repr := strings.TrimSuffix(p.repr, eofSuffix)
	if repr == "" {
		return 0, false
	}
	offset, err := strconv.ParseUint(repr, 10, 64)
	if err != nil {
		return 0, false
	}
	return offset, true
}

// Compare returns -1, 0 or +1 depending on how p orders against other.
func (p Position) Compare(other Position) int {
	pEof, otherEof := p.IsEof(), other.IsEof()
	switch {
	case pEof && !otherEof:
		return 1
	case !pEof && otherEof:
		return -1
	case pEof && otherEof:
		return 0
	}
	return strings.Compare(p.repr, other.repr)
}

// Before reports whether p orders strictly before other.
func (p Position) Before(other Position) bool {
	return p.Compare(other) < 0
}

// AtOrAfter reports whether p orders at or after other.
func (p Position) AtOrAfter(other Position) bool {
	return p.Compare(other) >= 0
}

// Equal reports whether the two positions are the same. Two Eof markers are
// equal regardless of their recorded last offset.
func (p Position) Equal(other Position) bool {
	return p.Compare(other) == 0
}

func (p Position) String() string {
	return p.repr
}

func (p Position) MarshalText() ([]byte, error) {
	return []byte(p.repr), nil
}

func (p *Position) UnmarshalText(text []byte) error {
	parsed, err := ParsePosition(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
