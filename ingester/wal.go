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
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/weaviate/quarry/entities/types"
)

// Wal is the write-ahead log of an ingester: one bucket per shard
// replica, keyed by the record position in big-endian so that a cursor
// walks records in position order. Positions are assigned by the bucket
// sequence and never reused, even across truncations.
type Wal struct {
	db *bolt.DB
}

// WalRecord is one encoded mrecord together with its position.
type WalRecord struct {
	Position uint64
	Payload  []byte
}

// QueueInfo summarizes one persisted queue, used to rebuild the
// in-memory replica table on startup.
type QueueInfo struct {
	Name         string
	Bytes        int64
	LastPosition uint64
	HasRecords   bool
}

// OpenWal opens or creates the log file at path.
func OpenWal(path string) (*Wal, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, errors.Wrap(err, "open wal")
	}
	return &Wal{db: db}, nil
}

// Close releases the underlying file.
func (w *Wal) Close() error {
	return w.db.Close()
}

func queueName(indexUid types.IndexUid, sourceID types.SourceId, shardID types.ShardId) string {
	return fmt.Sprintf("%s/%s/%d", indexUid, sourceID, shardID)
}

func positionKey(position uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, position)
	return key
}

// AppendRecords appends the payloads to the queue and returns the
// position of the last one. The queue is created on first use.
func (w *Wal) AppendRecords(queue string, payloads [][]byte) (last uint64, err error) {
	err = w.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(queue))
		if err != nil {
			return err
		}
		for _, payload := range payloads {
			seq, err := bucket.NextSequence()
			if err != nil {
				return err
			}
			last = seq - 1
			if err := bucket.Put(positionKey(last), payload); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "append records")
	}
	return last, nil
}

// ReadAfter returns the records of the queue with a position strictly
// greater than fromExclusive, up to maxBytes of payload. A negative
// fromExclusive reads from the start. At least one record is returned
// when any is available, regardless of maxBytes.
func (w *Wal) ReadAfter(queue string, fromExclusive int64, maxBytes int) ([]WalRecord, error) {
	var out []WalRecord
	err := w.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(queue))
		if bucket == nil {
			return nil
		}
		cursor := bucket.Cursor()
		var key, value []byte
		if fromExclusive < 0 {
			key, value = cursor.First()
		} else {
			key, value = cursor.Seek(positionKey(uint64(fromExclusive)))
			if key != nil && binary.BigEndian.Uint64(key) == uint64(fromExclusive) {
				key, value = cursor.Next()
			}
		}
		total := 0
		for ; key != nil; key, value = cursor.Next() {
			if len(out) > 0 && total+len(value) > maxBytes {
				break
			}
			payload := append([]byte(nil), value...)
			out = append(out, WalRecord{
				Position: binary.BigEndian.Uint64(key),
				Payload:  payload,
			})
			total += len(value)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "read records")
	}
	return out, nil
}

// Truncate removes the records of the queue up to and including the
// position and returns the payload bytes freed. Idempotent.
func (w *Wal) Truncate(queue string, upToInclusive uint64) (freed int64, err error) {
	err = w.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(queue))
		if bucket == nil {
			return nil
		}
		cursor := bucket.Cursor()
		for key, value := cursor.First(); key != nil; key, value = cursor.Next() {
			if binary.BigEndian.Uint64(key) > upToInclusive {
				break
			}
			freed += int64(len(value))
			if err := cursor.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "truncate queue")
	}
	return freed, nil
}

// DeleteQueue drops the queue entirely and returns the bytes freed.
func (w *Wal) DeleteQueue(queue string) (freed int64, err error) {
	err = w.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(queue))
		if bucket == nil {
			return nil
		}
		if err := bucket.ForEach(func(_, value []byte) error {
			freed += int64(len(value))
			return nil
		}); err != nil {
			return err
		}
		return tx.DeleteBucket([]byte(queue))
	})
	if err != nil {
		return 0, errors.Wrap(err, "delete queue")
	}
	return freed, nil
}

// Queues lists every queue in the log with its size and tail position.
func (w *Wal) Queues() ([]QueueInfo, error) {
	var out []QueueInfo
	err := w.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, bucket *bolt.Bucket) error {
			info := QueueInfo{Name: string(name)}
			if err := bucket.ForEach(func(_, value []byte) error {
				info.Bytes += int64(len(value))
				return nil
			}); err != nil {
				return err
			}
			if key, _ := bucket.Cursor().Last(); key != nil {
				info.LastPosition = binary.BigEndian.Uint64(key)
				info.HasRecords = true
			} else if seq := bucket.Sequence(); seq > 0 {
				info.LastPosition = seq - 1
				info.HasRecords = true
			}
			out = append(out, info)
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "list queues")
	}
	return out, nil
}
