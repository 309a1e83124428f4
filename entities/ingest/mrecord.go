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

// An mrecord (meta record) is the unit stored in a shard's record log. Each
// record starts with a two-byte header: `\x00\x00` for a document record
// followed by the raw document bytes, `\x00\x01` for a commit marker and
// `\x00\x02` for the end-of-shard marker. The header version byte is
// currently always zero.

const mrecordHeaderLen = 2

// MRecordKind discriminates the record types of a shard's log.
type MRecordKind byte

const (
	// MRecordKindDoc carries a document payload.
	MRecordKindDoc MRecordKind = iota
	// MRecordKindCommit forces a commit downstream.
	MRecordKindCommit
	// MRecordKindEof closes the stream; it must be the last record observed.
	MRecordKindEof
	// MRecordKindUnknown marks a record with an unrecognized header.
	MRecordKindUnknown
)

// MRecord is a decoded record of a shard's log.
type MRecord struct {
	Kind MRecordKind
	// Doc is the document payload, set only for MRecordKindDoc.
	Doc []byte
}

// DocRecord returns a document record.
func DocRecord(doc []byte) MRecord {
	return MRecord{Kind: MRecordKindDoc, Doc: doc}
}

// CommitRecord returns a commit marker.
func CommitRecord() MRecord {
	return MRecord{Kind: MRecordKindCommit}
}

// EofRecord returns an end-of-shard marker.
func EofRecord() MRecord {
	return MRecord{Kind: MRecordKindEof}
}

// Encode returns the wire form of the record.
func (m MRecord) Encode() []byte {
	switch m.Kind {
	case MRecordKindDoc:
		encoded := make([]byte, 0, mrecordHeaderLen+len(m.Doc))
		encoded = append(encoded, 0x00, 0x00)
		return append(encoded, m.Doc...)
	case MRecordKindCommit:
		return []byte{0x00, 0x01}
	case MRecordKindEof:
		return []byte{0x00, 0x02}
	default:
		return nil
	}
}

// DecodeMRecord decodes one encoded record. Records with an
// unrecognized header decode to MRecordKindUnknown.
func DecodeMRecord(encoded []byte) MRecord {
	if len(encoded) < mrecordHeaderLen || encoded[0] != 0x00 {
		return MRecord{Kind: MRecordKindUnknown}
	}
	switch encoded[1] {
	case 0x00:
		return DocRecord(encoded[mrecordHeaderLen:])
	case 0x01:
		return CommitRecord()
	case 0x02:
		return EofRecord()
	default:
		return MRecord{Kind: MRecordKindUnknown}
	}
}

// MRecordBatch is the length-delimited framing of a run of mrecords, as
// shipped by fetch responses.
type MRecordBatch struct {
	// Buffer is the concatenation of the encoded records.
	Buffer []byte `json:"buffer"`
	// Lengths holds the encoded length of each record, in order.
	Lengths []uint32 `json:"lengths"`
}

// BuildMRecordBatch frames the given records into a batch.
func BuildMRecordBatch(records ...MRecord) MRecordBatch {
	var batch MRecordBatch
	for _, record := range records {
		encoded := record.Encode()
		batch.Buffer = append(batch.Buffer, encoded...)
		batch.Lengths = append(batch.Lengths, uint32(len(encoded)))
	}
	return batch
}

// IsEmpty reports whether the batch frames no record.
func (b *MRecordBatch) IsEmpty() bool {
	return len(b.Lengths) == 0
}

// NumRecords returns the number of framed records.
func (b *MRecordBatch) NumRecords() int {
	return len(b.Lengths)
}

// NumBytes returns the total payload size of the batch.
func (b *MRecordBatch) NumBytes() int {
	return len(b.Buffer)
}

// Decode unframes the batch. Records with an unrecognized header decode to
// MRecordKindUnknown; a batch whose lengths overrun the buffer decodes the
// overrunning record to MRecordKindUnknown and stops.
func (b *MRecordBatch) Decode() []MRecord {
	records := make([]MRecord, 0, len(b.Lengths))
	offset := 0
	for _, length := range b.Lengths {
		end := offset + int(length)
		if end > len(b.Buffer) {
			records = append(records, MRecord{Kind: MRecordKindUnknown})
			break
		}
		records = append(records, DecodeMRecord(b.Buffer[offset:end]))
		offset = end
	}
	return records
}
