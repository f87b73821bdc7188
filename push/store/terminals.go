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
	"time"

	bolt "go.etcd.io/bbolt"
)

// Terminal is the durable record for one enrolled device, keyed by serial
// number. Reported fields come from the init handshake and periodic INFO
// lines, Options holds the raw key=value set the device last uploaded.
type Terminal struct {
	SN          string
	PushVersion string
	Language    string
	SharedKey   string
	Firmware    string
	IP          string
	FPAlgVer    string
	FaceAlgVer  string
	UserCount   int
	FPCount     int
	FaceCount   int
	AttCount    int
	Funs        string
	Registered  time.Time
	LastSeen    time.Time
	Options     map[string]string
	Stamps      map[string]string
}

func (s *Store) UpsertTerminal(ctx context.Context, t Terminal) error {
	return s.put(ctx, terminalsBucket, makeKey(t.SN), t)
}

func (s *Store) GetTerminal(ctx context.Context, sn string) (t Terminal, err error) {
	err = s.get(ctx, terminalsBucket, makeKey(sn), &t)
	return
}

func (s *Store) ListTerminals(ctx context.Context) (ts []Terminal, err error) {
	if err = ctxErr(ctx); err != nil {
		return
	}
	err = s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(terminalsBucket)
		if bkt == nil {
			return ErrBucketMissing
		}
		return bkt.ForEach(func(k, v []byte) error {
			var t Terminal
			if lerr := decodeRow(v, &t); lerr != nil {
				return lerr
			}
			ts = append(ts, t)
			return nil
		})
	})
	if err == nil {
		sort.Slice(ts, func(i, j int) bool { return ts[i].SN < ts[j].SN })
	}
	return
}

// DeleteTerminalCascade removes the terminal row, every entity row the
// terminal originated, and its command queue, all in one transaction. The
// count is rows removed excluding queued commands.
func (s *Store) DeleteTerminalCascade(ctx context.Context, sn string) (removed int, err error) {
	if err = ctxErr(ctx); err != nil {
		return
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(terminalsBucket)
		if bkt == nil {
			return ErrBucketMissing
		}
		if bkt.Get(makeKey(sn)) == nil {
			return ErrNotFound
		}
		if lerr := bkt.Delete(makeKey(sn)); lerr != nil {
			return lerr
		}
		removed++
		for _, nm := range sourcedBuckets {
			n, lerr := deleteBySource(tx, nm, sn)
			if lerr != nil {
				return lerr
			}
			removed += n
		}
		// drop the per-terminal command tree if the queue created one
		cmds := tx.Bucket(CommandsBucket)
		if cmds != nil && cmds.Bucket([]byte(sn)) != nil {
			if lerr := cmds.DeleteBucket([]byte(sn)); lerr != nil {
				return lerr
			}
		}
		return nil
	})
	return
}

// sourced is implemented by every entity row carrying upload attribution.
type sourced interface {
	source() string
}

// sourcedBuckets holds every entity bucket whose rows carry attribution.
var sourcedBuckets = [][]byte{
	usersBucket, biometricsBucket, userPicsBucket,
	bioPhotosBucket, workCodesBucket, messagesBucket,
	userMessagesBucket, idCardsBucket,
}

// SourceRows aggregates everything one terminal has uploaded, grouped by
// entity type.
type SourceRows struct {
	Users        []User        `json:",omitempty"`
	Biometrics   []Biometric   `json:",omitempty"`
	UserPics     []UserPic     `json:",omitempty"`
	BioPhotos    []BioPhoto    `json:",omitempty"`
	WorkCodes    []WorkCode    `json:",omitempty"`
	Messages     []Message     `json:",omitempty"`
	UserMessages []UserMessage `json:",omitempty"`
	IDCards      []IDCard      `json:",omitempty"`
}

func (sr SourceRows) Total() int {
	return len(sr.Users) + len(sr.Biometrics) + len(sr.UserPics) +
		len(sr.BioPhotos) + len(sr.WorkCodes) + len(sr.Messages) +
		len(sr.UserMessages) + len(sr.IDCards)
}

// FetchBySource walks every entity bucket and collects the rows whose
// attribution names sn. One View transaction, so the result is a consistent
// snapshot of the terminal's uploads.
func (s *Store) FetchBySource(ctx context.Context, sn string) (sr SourceRows, err error) {
	if err = ctxErr(ctx); err != nil {
		return
	}
	err = s.db.View(func(tx *bolt.Tx) error {
		for _, nm := range sourcedBuckets {
			bkt := tx.Bucket(nm)
			if bkt == nil {
				return ErrBucketMissing
			}
			lerr := bkt.ForEach(func(k, v []byte) error {
				row := rowForBucket(nm)
				if row == nil {
					return nil
				}
				if derr := decodeRow(v, row); derr != nil {
					return derr
				}
				if row.source() != sn {
					return nil
				}
				switch r := row.(type) {
				case *User:
					sr.Users = append(sr.Users, *r)
				case *Biometric:
					sr.Biometrics = append(sr.Biometrics, *r)
				case *UserPic:
					sr.UserPics = append(sr.UserPics, *r)
				case *BioPhoto:
					sr.BioPhotos = append(sr.BioPhotos, *r)
				case *WorkCode:
					sr.WorkCodes = append(sr.WorkCodes, *r)
				case *Message:
					sr.Messages = append(sr.Messages, *r)
				case *UserMessage:
					sr.UserMessages = append(sr.UserMessages, *r)
				case *IDCard:
					sr.IDCards = append(sr.IDCards, *r)
				}
				return nil
			})
			if lerr != nil {
				return lerr
			}
		}
		return nil
	})
	return
}

func rowForBucket(nm []byte) sourced {
	switch {
	case bytes.Equal(nm, usersBucket):
		return &User{}
	case bytes.Equal(nm, biometricsBucket):
		return &Biometric{}
	case bytes.Equal(nm, userPicsBucket):
		return &UserPic{}
	case bytes.Equal(nm, bioPhotosBucket):
		return &BioPhoto{}
	case bytes.Equal(nm, workCodesBucket):
		return &WorkCode{}
	case bytes.Equal(nm, messagesBucket):
		return &Message{}
	case bytes.Equal(nm, userMessagesBucket):
		return &UserMessage{}
	case bytes.Equal(nm, idCardsBucket):
		return &IDCard{}
	}
	return nil
}

func deleteBySource(tx *bolt.Tx, nm []byte, sn string) (n int, err error) {
	bkt := tx.Bucket(nm)
	if bkt == nil {
		return 0, ErrBucketMissing
	}
	var doomed [][]byte
	c := bkt.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		row := rowForBucket(nm)
		if row == nil {
			break
		}
		if err = decodeRow(v, row); err != nil {
			return
		}
		if row.source() == sn {
			doomed = append(doomed, append([]byte(nil), k...))
		}
	}
	for _, k := range doomed {
		if err = bkt.Delete(k); err != nil {
			return
		}
		n++
	}
	return
}
