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
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/daniel-mekuria/zk-server/push/wire"
)

// UserPic is the legacy display photo, one per PIN, content is base64.
type UserPic struct {
	PIN      string
	FileName string
	Size     int
	Content  string
	Source   string
	Updated  time.Time
}

func (p *UserPic) source() string { return p.Source }

// BioPhoto is a comparison photo, keyed by (PIN, type).
type BioPhoto struct {
	PIN      string
	Type     int
	FileName string
	Size     int
	Content  string
	Format   string
	Source   string
	Updated  time.Time
}

func (p *BioPhoto) source() string { return p.Source }

func (s *Store) UpsertUserPic(ctx context.Context, p UserPic) error {
	if p.PIN == `` {
		return ErrMissingKey
	}
	if !wire.ValidTemplate(p.Content) {
		return wire.ErrInvalidTemplate
	}
	return s.put(ctx, userPicsBucket, makeKey(p.PIN), p)
}

func (s *Store) GetUserPic(ctx context.Context, pin string) (p UserPic, err error) {
	err = s.get(ctx, userPicsBucket, makeKey(pin), &p)
	return
}

func (s *Store) DeleteUserPic(ctx context.Context, pin string) error {
	return s.del(ctx, userPicsBucket, makeKey(pin))
}

func (s *Store) ListUserPics(ctx context.Context) (ps []UserPic, err error) {
	if err = ctxErr(ctx); err != nil {
		return
	}
	err = s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(userPicsBucket)
		if bkt == nil {
			return ErrBucketMissing
		}
		return bkt.ForEach(func(k, v []byte) error {
			var p UserPic
			if lerr := decodeRow(v, &p); lerr != nil {
				return lerr
			}
			ps = append(ps, p)
			return nil
		})
	})
	if err == nil {
		sort.Slice(ps, func(i, j int) bool {
			return ps[i].PIN < ps[j].PIN
		})
	}
	return
}

func (s *Store) UpsertBioPhoto(ctx context.Context, p BioPhoto) error {
	if p.PIN == `` {
		return ErrMissingKey
	}
	if !wire.ValidBioType(p.Type) {
		return wire.ErrInvalidBioType
	}
	if !wire.ValidTemplate(p.Content) {
		return wire.ErrInvalidTemplate
	}
	return s.put(ctx, bioPhotosBucket, makeKey(p.PIN, strconv.Itoa(p.Type)), p)
}

func (s *Store) GetBioPhoto(ctx context.Context, pin string, tp int) (p BioPhoto, err error) {
	err = s.get(ctx, bioPhotosBucket, makeKey(pin, strconv.Itoa(tp)), &p)
	return
}

func (s *Store) ListBioPhotos(ctx context.Context, pin string) (ps []BioPhoto, err error) {
	if err = ctxErr(ctx); err != nil {
		return
	}
	err = s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bioPhotosBucket)
		if bkt == nil {
			return ErrBucketMissing
		}
		return bkt.ForEach(func(k, v []byte) error {
			var p BioPhoto
			if lerr := decodeRow(v, &p); lerr != nil {
				return lerr
			}
			if pin == `` || p.PIN == pin {
				ps = append(ps, p)
			}
			return nil
		})
	})
	if err == nil {
		sort.Slice(ps, func(i, j int) bool {
			if ps[i].PIN != ps[j].PIN {
				return ps[i].PIN < ps[j].PIN
			}
			return ps[i].Type < ps[j].Type
		})
	}
	return
}
