/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package store is the durable gateway over the canonical entities: typed
// upserts and gets by primary key, bulk deletes with cascade, and the
// append-only sync log. Everything lives in a single bolt file, writes are
// serialized by the engine so multi-row cascades are naturally transactional.
package store

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"os"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	dbTimeout  time.Duration = 100 * time.Millisecond
	dbMmapSize int           = 1024 * 1024 * 4
	dbOpenMode os.FileMode   = 0660 //user and group R/W but nothing for other
)

var (
	terminalsBucket    = []byte(`terminals`)
	usersBucket        = []byte(`users`)
	biometricsBucket   = []byte(`biometrics`)
	userPicsBucket     = []byte(`userpics`)
	bioPhotosBucket    = []byte(`biophotos`)
	workCodesBucket    = []byte(`workcodes`)
	messagesBucket     = []byte(`messages`)
	userMessagesBucket = []byte(`usermessages`)
	idCardsBucket      = []byte(`idcards`)
	syncLogBucket      = []byte(`synclog`)

	// CommandsBucket is owned by the queue package, created here so a
	// fresh database is fully formed after Open.
	CommandsBucket = []byte(`commands`)

	ErrNotFound       = errors.New("not found")
	ErrMissingKey     = errors.New("row is missing its primary key")
	ErrBucketMissing  = errors.New("store bucket is missing")
	ErrBoltLockFailed = errors.New("Failed to acquire lock on the store. The file is locked by another process")
)

type Store struct {
	db *bolt.DB
}

// Open opens or creates the bolt file at path and ensures every bucket
// exists.
func Open(path string) (s *Store, err error) {
	dbConfig := bolt.Options{
		InitialMmapSize: dbMmapSize,
		Timeout:         dbTimeout,
	}
	var db *bolt.DB
	if db, err = bolt.Open(path, dbOpenMode, &dbConfig); err != nil {
		if err == bolt.ErrTimeout {
			err = ErrBoltLockFailed
		}
		return
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, nm := range [][]byte{
			terminalsBucket, usersBucket, biometricsBucket,
			userPicsBucket, bioPhotosBucket, workCodesBucket,
			messagesBucket, userMessagesBucket, idCardsBucket,
			syncLogBucket, CommandsBucket,
		} {
			if _, lerr := tx.CreateBucketIfNotExists(nm); lerr != nil {
				return lerr
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return
	}
	s = &Store{db: db}
	return
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Handle exposes the underlying database so the command queue can share the
// file. Only the queue package should reach for this.
func (s *Store) Handle() *bolt.DB {
	return s.db
}

// ctxErr honors request deadlines before we enter a transaction, bolt
// transactions themselves are short and uncancellable.
func ctxErr(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// makeKey joins key segments with NUL, segments never contain NUL.
func makeKey(parts ...string) []byte {
	if len(parts) == 1 {
		return []byte(parts[0])
	}
	n := 0
	for _, p := range parts {
		n += len(p) + 1
	}
	key := make([]byte, 0, n)
	for i, p := range parts {
		if i > 0 {
			key = append(key, 0)
		}
		key = append(key, p...)
	}
	return key
}

func encodeRow(v interface{}) ([]byte, error) {
	bb := bytes.NewBuffer(nil)
	if err := gob.NewEncoder(bb).Encode(v); err != nil {
		return nil, err
	}
	return bb.Bytes(), nil
}

func decodeRow(b []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

// put is the common upsert: encode and drop into a bucket by key.
func (s *Store) put(ctx context.Context, bucket []byte, key []byte, row interface{}) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	val, err := encodeRow(row)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucket)
		if bkt == nil {
			return ErrBucketMissing
		}
		return bkt.Put(key, val)
	})
}

// get fetches and decodes one row, ErrNotFound when the key is absent.
func (s *Store) get(ctx context.Context, bucket []byte, key []byte, row interface{}) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	return s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucket)
		if bkt == nil {
			return ErrBucketMissing
		}
		val := bkt.Get(key)
		if val == nil {
			return ErrNotFound
		}
		return decodeRow(val, row)
	})
}

// del removes one row, deleting an absent key is not an error.
func (s *Store) del(ctx context.Context, bucket []byte, key []byte) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucket)
		if bkt == nil {
			return ErrBucketMissing
		}
		return bkt.Delete(key)
	})
}

// deletePrefix removes every row whose key begins with pfx inside an open
// transaction, returning the count.
func deletePrefix(bkt *bolt.Bucket, pfx []byte) (n int, err error) {
	c := bkt.Cursor()
	for k, _ := c.Seek(pfx); k != nil && bytes.HasPrefix(k, pfx); k, _ = c.Next() {
		if err = c.Delete(); err != nil {
			return
		}
		n++
	}
	return
}
