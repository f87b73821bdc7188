/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package store

import (
	"bytes"
	"context"
	"sort"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/daniel-mekuria/zk-server/push/wire"
)

// Biometric is one enrolled template in the unified representation, keyed by
// (PIN, type, slot, index). Legacy fingerprint, face, and finger-vein uploads
// are converted before they land here. Format is carried verbatim from the
// uploading device.
type Biometric struct {
	PIN      string
	Type     int
	No       int
	Index    int
	Valid    int
	Duress   int
	MajorVer int
	MinorVer int
	Format   string
	Template string
	Source   string
	Updated  time.Time
}

func (b *Biometric) source() string { return b.Source }

func bioKey(pin string, tp, no, index int) []byte {
	return makeKey(pin, strconv.Itoa(tp), strconv.Itoa(no), strconv.Itoa(index))
}

// UpsertBiometric validates the type and template blob before anything is
// written, a bad blob never reaches the file.
func (s *Store) UpsertBiometric(ctx context.Context, b Biometric) error {
	if b.PIN == `` {
		return ErrMissingKey
	}
	if !wire.ValidBioType(b.Type) {
		return wire.ErrInvalidBioType
	}
	if !wire.ValidTemplate(b.Template) {
		return wire.ErrInvalidTemplate
	}
	return s.put(ctx, biometricsBucket, bioKey(b.PIN, b.Type, b.No, b.Index), b)
}

func (s *Store) GetBiometric(ctx context.Context, pin string, tp, no, index int) (b Biometric, err error) {
	err = s.get(ctx, biometricsBucket, bioKey(pin, tp, no, index), &b)
	return
}

// ListBiometrics returns templates for one PIN, or the whole table when pin
// is empty.
func (s *Store) ListBiometrics(ctx context.Context, pin string) (bs []Biometric, err error) {
	if err = ctxErr(ctx); err != nil {
		return
	}
	err = s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(biometricsBucket)
		if bkt == nil {
			return ErrBucketMissing
		}
		return bkt.ForEach(func(k, v []byte) error {
			var b Biometric
			if lerr := decodeRow(v, &b); lerr != nil {
				return lerr
			}
			if pin == `` || b.PIN == pin {
				bs = append(bs, b)
			}
			return nil
		})
	})
	if err == nil {
		sort.Slice(bs, func(i, j int) bool {
			if bs[i].PIN != bs[j].PIN {
				return bs[i].PIN < bs[j].PIN
			}
			if bs[i].Type != bs[j].Type {
				return bs[i].Type < bs[j].Type
			}
			return bs[i].No < bs[j].No
		})
	}
	return
}

// DeleteBiometrics removes templates for a PIN, optionally narrowed by type
// and then slot. Pass nil to leave a dimension unconstrained.
func (s *Store) DeleteBiometrics(ctx context.Context, pin string, tp, no *int) (removed int, err error) {
	if err = ctxErr(ctx); err != nil {
		return
	}
	if pin == `` {
		return 0, ErrMissingKey
	}
	pfx := makeKey(pin + "\x00")
	err = s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(biometricsBucket)
		if bkt == nil {
			return ErrBucketMissing
		}
		var doomed [][]byte
		c := bkt.Cursor()
		for k, v := c.Seek(pfx); k != nil && bytes.HasPrefix(k, pfx); k, v = c.Next() {
			var b Biometric
			if lerr := decodeRow(v, &b); lerr != nil {
				return lerr
			}
			if tp != nil && b.Type != *tp {
				continue
			}
			if no != nil && b.No != *no {
				continue
			}
			doomed = append(doomed, append([]byte(nil), k...))
		}
		for _, k := range doomed {
			if lerr := bkt.Delete(k); lerr != nil {
				return lerr
			}
			removed++
		}
		return nil
	})
	return
}
