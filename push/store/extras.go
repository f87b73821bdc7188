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

// WorkCode is a job classification code, keyed by (PIN, code). A fleet-wide
// code carries an empty PIN.
type WorkCode struct {
	PIN     string
	Code    string
	Name    string
	Source  string
	Updated time.Time
}

func (w *WorkCode) source() string { return w.Source }

// Message is a short message definition keyed by UID.
type Message struct {
	UID       string
	Msg       string
	Tag       int
	MinExpire int
	StartTime string
	Source    string
	Updated   time.Time
}

func (m *Message) source() string { return m.Source }

// UserMessage links a personal message to a PIN.
type UserMessage struct {
	PIN     string
	UID     string
	Source  string
	Updated time.Time
}

func (m *UserMessage) source() string { return m.Source }

// IDCard is a government identity card read, keyed by id number.
type IDCard struct {
	PIN            string
	SNNum          string
	IDNum          string
	DNNum          string
	Name           string
	Gender         string
	Nation         string
	Birthday       string
	ValidInfo      string
	Address        string
	AdditionalInfo string
	Issuer         string
	Photo          string
	FPTemplate1    string
	FPTemplate2    string
	Reserve        string
	Notice         string
	Source         string
	Updated        time.Time
}

func (c *IDCard) source() string { return c.Source }

func (s *Store) UpsertWorkCode(ctx context.Context, w WorkCode) error {
	if w.Code == `` {
		return ErrMissingKey
	}
	return s.put(ctx, workCodesBucket, makeKey(w.PIN, w.Code), w)
}

func (s *Store) GetWorkCode(ctx context.Context, pin, code string) (w WorkCode, err error) {
	err = s.get(ctx, workCodesBucket, makeKey(pin, code), &w)
	return
}

func (s *Store) DeleteWorkCode(ctx context.Context, pin, code string) error {
	return s.del(ctx, workCodesBucket, makeKey(pin, code))
}

func (s *Store) ListWorkCodes(ctx context.Context) (ws []WorkCode, err error) {
	if err = ctxErr(ctx); err != nil {
		return
	}
	err = s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(workCodesBucket)
		if bkt == nil {
			return ErrBucketMissing
		}
		return bkt.ForEach(func(k, v []byte) error {
			var w WorkCode
			if lerr := decodeRow(v, &w); lerr != nil {
				return lerr
			}
			ws = append(ws, w)
			return nil
		})
	})
	if err == nil {
		sort.Slice(ws, func(i, j int) bool {
			if ws[i].PIN != ws[j].PIN {
				return ws[i].PIN < ws[j].PIN
			}
			return ws[i].Code < ws[j].Code
		})
	}
	return
}

func (s *Store) UpsertMessage(ctx context.Context, m Message) error {
	if m.UID == `` {
		return ErrMissingKey
	}
	return s.put(ctx, messagesBucket, makeKey(m.UID), m)
}

func (s *Store) GetMessage(ctx context.Context, uid string) (m Message, err error) {
	err = s.get(ctx, messagesBucket, makeKey(uid), &m)
	return
}

func (s *Store) DeleteMessage(ctx context.Context, uid string) error {
	return s.del(ctx, messagesBucket, makeKey(uid))
}

func (s *Store) ListMessages(ctx context.Context) (ms []Message, err error) {
	if err = ctxErr(ctx); err != nil {
		return
	}
	err = s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(messagesBucket)
		if bkt == nil {
			return ErrBucketMissing
		}
		return bkt.ForEach(func(k, v []byte) error {
			var m Message
			if lerr := decodeRow(v, &m); lerr != nil {
				return lerr
			}
			ms = append(ms, m)
			return nil
		})
	})
	if err == nil {
		sort.Slice(ms, func(i, j int) bool {
			return ms[i].UID < ms[j].UID
		})
	}
	return
}

func (s *Store) UpsertUserMessage(ctx context.Context, m UserMessage) error {
	if m.PIN == `` || m.UID == `` {
		return ErrMissingKey
	}
	return s.put(ctx, userMessagesBucket, makeKey(m.PIN, m.UID), m)
}

func (s *Store) ListUserMessages(ctx context.Context) (ms []UserMessage, err error) {
	if err = ctxErr(ctx); err != nil {
		return
	}
	err = s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(userMessagesBucket)
		if bkt == nil {
			return ErrBucketMissing
		}
		return bkt.ForEach(func(k, v []byte) error {
			var m UserMessage
			if lerr := decodeRow(v, &m); lerr != nil {
				return lerr
			}
			ms = append(ms, m)
			return nil
		})
	})
	if err == nil {
		sort.Slice(ms, func(i, j int) bool {
			if ms[i].PIN != ms[j].PIN {
				return ms[i].PIN < ms[j].PIN
			}
			return ms[i].UID < ms[j].UID
		})
	}
	return
}

func (s *Store) UpsertIDCard(ctx context.Context, c IDCard) error {
	if c.IDNum == `` {
		return ErrMissingKey
	}
	return s.put(ctx, idCardsBucket, makeKey(c.IDNum), c)
}

func (s *Store) GetIDCard(ctx context.Context, idnum string) (c IDCard, err error) {
	err = s.get(ctx, idCardsBucket, makeKey(idnum), &c)
	return
}

func (s *Store) DeleteIDCard(ctx context.Context, idnum string) error {
	return s.del(ctx, idCardsBucket, makeKey(idnum))
}

func (s *Store) ListIDCards(ctx context.Context) (cs []IDCard, err error) {
	if err = ctxErr(ctx); err != nil {
		return
	}
	err = s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(idCardsBucket)
		if bkt == nil {
			return ErrBucketMissing
		}
		return bkt.ForEach(func(k, v []byte) error {
			var c IDCard
			if lerr := decodeRow(v, &c); lerr != nil {
				return lerr
			}
			cs = append(cs, c)
			return nil
		})
	})
	if err == nil {
		sort.Slice(cs, func(i, j int) bool {
			return cs[i].IDNum < cs[j].IDNum
		})
	}
	return
}
