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
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

// User is the canonical personnel row, keyed by PIN. Verify of -1 is the
// protocol default meaning "use the group's verify mode".
type User struct {
	PIN       string
	Name      string
	Privilege int
	Password  string
	Card      string
	Group     string
	TimeZone  string
	Verify    int
	ViceCard  string
	Source    string
	Updated   time.Time
}

func (u *User) source() string { return u.Source }

func (s *Store) UpsertUser(ctx context.Context, u User) error {
	if u.PIN == `` {
		return ErrMissingKey
	}
	return s.put(ctx, usersBucket, makeKey(u.PIN), u)
}

func (s *Store) GetUser(ctx context.Context, pin string) (u User, err error) {
	err = s.get(ctx, usersBucket, makeKey(pin), &u)
	return
}

// ListUsers returns every user, or only those a given terminal originated
// when source is non-empty.
func (s *Store) ListUsers(ctx context.Context, source string) (us []User, err error) {
	if err = ctxErr(ctx); err != nil {
		return
	}
	err = s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(usersBucket)
		if bkt == nil {
			return ErrBucketMissing
		}
		return bkt.ForEach(func(k, v []byte) error {
			var u User
			if lerr := decodeRow(v, &u); lerr != nil {
				return lerr
			}
			if source == `` || u.Source == source {
				us = append(us, u)
			}
			return nil
		})
	})
	if err == nil {
		sort.Slice(us, func(i, j int) bool { return us[i].PIN < us[j].PIN })
	}
	return
}

// DeleteUserCascade removes the user and every biometric, photo, work code,
// and message link sharing the PIN in a single transaction. Fleet-wide work
// codes (empty PIN) are untouched.
func (s *Store) DeleteUserCascade(ctx context.Context, pin string) (removed int, err error) {
	if err = ctxErr(ctx); err != nil {
		return
	}
	if pin == `` {
		return 0, ErrMissingKey
	}
	pfx := makeKey(pin + "\x00")
	err = s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(usersBucket)
		if bkt == nil {
			return ErrBucketMissing
		}
		if bkt.Get(makeKey(pin)) == nil {
			return ErrNotFound
		}
		if lerr := bkt.Delete(makeKey(pin)); lerr != nil {
			return lerr
		}
		removed++
		// the user pic is keyed by bare PIN, the rest by PIN-prefixed
		// composites
		if pics := tx.Bucket(userPicsBucket); pics != nil && pics.Get(makeKey(pin)) != nil {
			if lerr := pics.Delete(makeKey(pin)); lerr != nil {
				return lerr
			}
			removed++
		}
		for _, nm := range [][]byte{
			biometricsBucket, bioPhotosBucket,
			workCodesBucket, userMessagesBucket,
		} {
			b := tx.Bucket(nm)
			if b == nil {
				return ErrBucketMissing
			}
			n, lerr := deletePrefix(b, pfx)
			if lerr != nil {
				return lerr
			}
			removed += n
		}
		return nil
	})
	return
}
