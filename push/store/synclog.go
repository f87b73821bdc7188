/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package store

import (
	"context"
	"encoding/binary"
	"time"

	bolt "go.etcd.io/bbolt"
)

// SyncEntry is one row of the propagation audit trail.
type SyncEntry struct {
	When       time.Time
	Source     string
	Target     string
	RecordType string
	RecordKey  string
	Action     string
	Status     string
}

// AppendSyncLog records an audit row, keys come off the bucket sequence so
// order is insertion order.
func (s *Store) AppendSyncLog(ctx context.Context, e SyncEntry) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	if e.When.IsZero() {
		e.When = time.Now()
	}
	val, err := encodeRow(e)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(syncLogBucket)
		if bkt == nil {
			return ErrBucketMissing
		}
		seq, lerr := bkt.NextSequence()
		if lerr != nil {
			return lerr
		}
		return bkt.Put(seqKey(seq), val)
	})
}

// AppendSyncLogBatch writes a set of audit rows in one transaction.
func (s *Store) AppendSyncLogBatch(ctx context.Context, es []SyncEntry) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	if len(es) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(syncLogBucket)
		if bkt == nil {
			return ErrBucketMissing
		}
		for i := range es {
			if es[i].When.IsZero() {
				es[i].When = time.Now()
			}
			val, lerr := encodeRow(es[i])
			if lerr != nil {
				return lerr
			}
			seq, lerr := bkt.NextSequence()
			if lerr != nil {
				return lerr
			}
			if lerr = bkt.Put(seqKey(seq), val); lerr != nil {
				return lerr
			}
		}
		return nil
	})
}

// SyncLog returns up to limit rows, newest first. A limit <= 0 returns
// everything.
func (s *Store) SyncLog(ctx context.Context, limit int) (es []SyncEntry, err error) {
	if err = ctxErr(ctx); err != nil {
		return
	}
	err = s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(syncLogBucket)
		if bkt == nil {
			return ErrBucketMissing
		}
		c := bkt.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var e SyncEntry
			if lerr := decodeRow(v, &e); lerr != nil {
				return lerr
			}
			es = append(es, e)
			if limit > 0 && len(es) >= limit {
				break
			}
		}
		return nil
	})
	return
}

// TrimSyncLog drops the oldest rows until at most keep remain, returning the
// number removed. The background sweeper calls this so the audit trail does
// not grow without bound.
func (s *Store) TrimSyncLog(ctx context.Context, keep int) (removed int, err error) {
	if err = ctxErr(ctx); err != nil {
		return
	}
	if keep < 0 {
		keep = 0
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(syncLogBucket)
		if bkt == nil {
			return ErrBucketMissing
		}
		total := bkt.Stats().KeyN
		excess := total - keep
		if excess <= 0 {
			return nil
		}
		c := bkt.Cursor()
		for k, _ := c.First(); k != nil && removed < excess; k, _ = c.Next() {
			if lerr := c.Delete(); lerr != nil {
				return lerr
			}
			removed++
		}
		return nil
	})
	return
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
