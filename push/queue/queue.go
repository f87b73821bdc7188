/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package queue is the durable per-terminal command FIFO. Rows move through
// pending, sent, and done sub-buckets under a per-serial tree, keyed by a
// monotonic sequence so enqueue order is consumption order. The store file is
// the single source of truth for queue state, there is no in-memory mirror.
package queue

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/daniel-mekuria/zk-server/push/log"
	"github.com/daniel-mekuria/zk-server/push/store"
	"github.com/daniel-mekuria/zk-server/push/wire"
)

const (
	StatePending   string = `pending`
	StateSent      string = `sent`
	StateCompleted string = `completed`
	StateFailed    string = `failed`

	DefaultRetryLimit int = 3

	// retention used by the sweeper
	DefaultDoneRetention    time.Duration = 24 * time.Hour
	DefaultPendingRetention time.Duration = time.Hour

	maxIDAttempts int = 4
)

var (
	pendingBucket = []byte(`pending`)
	sentBucket    = []byte(`sent`)
	doneBucket    = []byte(`done`)
	byIDBucket    = []byte(`byid`)

	ErrUnknownCommand = errors.New("no such command for terminal")
	ErrNoUniqueID     = errors.New("could not generate a unique command id")
	ErrEmptyPayload   = errors.New("refusing to enqueue an empty payload")
)

// Row is one command and its full lifecycle bookkeeping.
type Row struct {
	ID        string
	SN        string
	Seq       uint64
	Category  string
	Payload   []byte
	State     string
	CreatedAt time.Time
	SentAt    time.Time
	DoneAt    time.Time
	Result    string
	Retries   int
}

// Command frames the row into the poll response dialect.
func (r Row) Command() wire.Command {
	return wire.Command{ID: r.ID, Category: r.Category, Payload: r.Payload}
}

// Item is one enqueue request, payload in the outbound dialect without the
// C:<id>: frame.
type Item struct {
	Category string
	Payload  []byte
}

type Queue struct {
	db         *bolt.DB
	lg         *log.KVLogger
	retryLimit int
	doneRet    time.Duration
	sentRet    time.Duration
	pendingRet time.Duration
	now        func() time.Time
	newID      func() (string, error)
}

// New wires the queue onto the shared store file. A retryLimit <= 0 selects
// the default of 3.
func New(st *store.Store, retryLimit int, lg *log.Logger) *Queue {
	if retryLimit <= 0 {
		retryLimit = DefaultRetryLimit
	}
	return &Queue{
		db:         st.Handle(),
		lg:         log.NewLoggerWithKV(lg, log.KV("component", "queue")),
		retryLimit: retryLimit,
		doneRet:    DefaultDoneRetention,
		sentRet:    DefaultDoneRetention,
		pendingRet: DefaultPendingRetention,
		now:        time.Now,
		newID:      newCommandID,
	}
}

// SetRetention overrides how long the sweeper keeps settled and stranded
// rows. Non-positive values keep the current setting. Settled and stuck-sent
// rows share the done retention.
func (q *Queue) SetRetention(done, pending time.Duration) {
	if done > 0 {
		q.doneRet = done
		q.sentRet = done
	}
	if pending > 0 {
		q.pendingRet = pending
	}
}

// newCommandID derives a 16 character hex identifier from a random UUID.
func newCommandID() (string, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return ``, err
	}
	return strings.ReplaceAll(u.String(), `-`, ``)[:wire.CommandIDLen], nil
}

// Enqueue repairs and stores a single command as pending, returning the
// generated id.
func (q *Queue) Enqueue(ctx context.Context, sn string, it Item) (id string, err error) {
	ids, err := q.EnqueueBatch(ctx, sn, []Item{it})
	if err == nil {
		id = ids[0]
	}
	return
}

// EnqueueBatch stores a set of commands for one terminal in a single
// transaction, preserving order. Each payload runs through the tab repair
// pass before the row is written so what sits in the file is already
// canonical. A payload the repair pass refuses fails the whole batch.
func (q *Queue) EnqueueBatch(ctx context.Context, sn string, items []Item) (ids []string, err error) {
	if err = ctxErr(ctx); err != nil {
		return
	}
	if sn == `` {
		return nil, store.ErrMissingKey
	}
	rows := make([]Row, 0, len(items))
	now := q.now()
	for _, it := range items {
		if len(bytes.TrimSpace(it.Payload)) == 0 {
			return nil, ErrEmptyPayload
		}
		fixed, lerr := wire.RepairPayload(string(it.Payload))
		if lerr != nil {
			return nil, lerr
		}
		rows = append(rows, Row{
			SN:        sn,
			Category:  it.Category,
			Payload:   []byte(fixed),
			State:     StatePending,
			CreatedAt: now,
		})
	}
	err = q.db.Update(func(tx *bolt.Tx) error {
		tb, lerr := terminalTree(tx, sn, true)
		if lerr != nil {
			return lerr
		}
		for i := range rows {
			if rows[i].ID, lerr = q.uniqueID(tb.byID); lerr != nil {
				return lerr
			}
			if rows[i].Seq, lerr = tb.root.NextSequence(); lerr != nil {
				return lerr
			}
			val, lerr := encodeRow(rows[i])
			if lerr != nil {
				return lerr
			}
			if lerr = tb.pending.Put(seqKey(rows[i].Seq), val); lerr != nil {
				return lerr
			}
			if lerr = tb.byID.Put([]byte(rows[i].ID), seqKey(rows[i].Seq)); lerr != nil {
				return lerr
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		ids = append(ids, r.ID)
	}
	return
}

// uniqueID draws ids until one misses the index, collisions on 64 bits of
// hex are vanishingly rare so a handful of attempts is plenty.
func (q *Queue) uniqueID(byID *bolt.Bucket) (id string, err error) {
	for i := 0; i < maxIDAttempts; i++ {
		if id, err = q.newID(); err != nil {
			return
		}
		if byID.Get([]byte(id)) == nil {
			return
		}
	}
	return ``, ErrNoUniqueID
}

// DequeueNext atomically claims the oldest pending command, moving it to
// sent. ok is false when the terminal's queue is empty. Selection and
// transition share one transaction so concurrent polls can never claim the
// same row.
func (q *Queue) DequeueNext(ctx context.Context, sn string) (row Row, ok bool, err error) {
	if err = ctxErr(ctx); err != nil {
		return
	}
	err = q.db.Update(func(tx *bolt.Tx) error {
		tb, lerr := terminalTree(tx, sn, false)
		if lerr != nil {
			if lerr == store.ErrNotFound {
				return nil // nothing ever queued
			}
			return lerr
		}
		k, v := tb.pending.Cursor().First()
		if k == nil {
			return nil
		}
		if lerr = decodeRow(v, &row); lerr != nil {
			return lerr
		}
		if lerr = tb.pending.Delete(k); lerr != nil {
			return lerr
		}
		row.State = StateSent
		row.SentAt = q.now()
		val, lerr := encodeRow(row)
		if lerr != nil {
			return lerr
		}
		if lerr = tb.sent.Put(k, val); lerr != nil {
			return lerr
		}
		ok = true
		return nil
	})
	if err != nil {
		ok = false
	}
	return
}

// Outcome describes what a single reply line did to a row.
type Outcome struct {
	ID      string
	Return  string
	State   string
	Retries int
	Known   bool
}

// Reply reconciles a device reply body against the terminal's sent rows.
// Return code zero completes the row, a failure either requeues an
// idempotent payload under the retry limit or fails the row out. Unknown or
// misplaced ids are reported but never error, the protocol endpoint answers
// OK regardless.
func (q *Queue) Reply(ctx context.Context, sn string, body []byte) (outs []Outcome, err error) {
	if err = ctxErr(ctx); err != nil {
		return
	}
	replies := wire.ParseReplies(body)
	if len(replies) == 0 {
		return
	}
	err = q.db.Update(func(tx *bolt.Tx) error {
		tb, lerr := terminalTree(tx, sn, false)
		if lerr != nil {
			if lerr == store.ErrNotFound {
				for _, rp := range replies {
					outs = append(outs, Outcome{ID: rp.ID, Return: rp.Return})
				}
				return nil
			}
			return lerr
		}
		for _, rp := range replies {
			out, lerr := q.reconcile(tb, rp)
			if lerr != nil {
				return lerr
			}
			outs = append(outs, out)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, out := range outs {
		if !out.Known {
			q.lg.Warn("reply for unknown command",
				log.KV("sn", sn), log.KV("id", out.ID), log.KV("return", out.Return))
		}
	}
	return
}

func (q *Queue) reconcile(tb termTree, rp wire.Reply) (out Outcome, err error) {
	out = Outcome{ID: rp.ID, Return: rp.Return}
	seq := tb.byID.Get([]byte(rp.ID))
	if seq == nil {
		return
	}
	v := tb.sent.Get(seq)
	if v == nil {
		// a late or duplicate reply, the row already left sent
		return
	}
	var row Row
	if err = decodeRow(v, &row); err != nil {
		return
	}
	out.Known = true
	now := q.now()
	row.Result = rp.Raw
	if rp.OK() {
		row.State = StateCompleted
		row.DoneAt = now
		err = moveRow(tb.sent, tb.done, seq, row)
	} else {
		row.Retries++
		if row.Retries < q.retryLimit && row.Command().Idempotent() {
			row.State = StatePending
			row.SentAt = time.Time{}
			err = moveRow(tb.sent, tb.pending, seq, row)
		} else {
			row.State = StateFailed
			row.DoneAt = now
			err = moveRow(tb.sent, tb.done, seq, row)
		}
	}
	out.State = row.State
	out.Retries = row.Retries
	return
}

func moveRow(from, to *bolt.Bucket, key []byte, row Row) error {
	val, err := encodeRow(row)
	if err != nil {
		return err
	}
	if err = from.Delete(key); err != nil {
		return err
	}
	return to.Put(key, val)
}

// PendingCount reports how many commands await delivery to a terminal.
func (q *Queue) PendingCount(ctx context.Context, sn string) (n int, err error) {
	if err = ctxErr(ctx); err != nil {
		return
	}
	err = q.db.View(func(tx *bolt.Tx) error {
		tb, lerr := terminalTree(tx, sn, false)
		if lerr != nil {
			if lerr == store.ErrNotFound {
				return nil
			}
			return lerr
		}
		n = tb.pending.Stats().KeyN
		return nil
	})
	return
}

// Counts reports queue depth per state for diagnostics.
func (q *Queue) Counts(ctx context.Context, sn string) (pending, sent, done int, err error) {
	if err = ctxErr(ctx); err != nil {
		return
	}
	err = q.db.View(func(tx *bolt.Tx) error {
		tb, lerr := terminalTree(tx, sn, false)
		if lerr != nil {
			if lerr == store.ErrNotFound {
				return nil
			}
			return lerr
		}
		pending = tb.pending.Stats().KeyN
		sent = tb.sent.Stats().KeyN
		done = tb.done.Stats().KeyN
		return nil
	})
	return
}

// History returns the most recent rows across every state, newest first. A
// limit <= 0 returns everything.
func (q *Queue) History(ctx context.Context, sn string, limit int) (rows []Row, err error) {
	if err = ctxErr(ctx); err != nil {
		return
	}
	err = q.db.View(func(tx *bolt.Tx) error {
		tb, lerr := terminalTree(tx, sn, false)
		if lerr != nil {
			if lerr == store.ErrNotFound {
				return nil
			}
			return lerr
		}
		for _, bkt := range []*bolt.Bucket{tb.pending, tb.sent, tb.done} {
			if lerr := bkt.ForEach(func(k, v []byte) error {
				var row Row
				if derr := decodeRow(v, &row); derr != nil {
					return derr
				}
				rows = append(rows, row)
				return nil
			}); lerr != nil {
				return lerr
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortRowsBySeqDesc(rows)
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return
}

// Purge drops a terminal's entire command tree.
func (q *Queue) Purge(ctx context.Context, sn string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	return q.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(store.CommandsBucket)
		if root == nil {
			return store.ErrBucketMissing
		}
		if root.Bucket([]byte(sn)) == nil {
			return nil
		}
		return root.DeleteBucket([]byte(sn))
	})
}

// termTree is the per-serial bucket set inside one transaction.
type termTree struct {
	root    *bolt.Bucket
	pending *bolt.Bucket
	sent    *bolt.Bucket
	done    *bolt.Bucket
	byID    *bolt.Bucket
}

func terminalTree(tx *bolt.Tx, sn string, create bool) (tb termTree, err error) {
	root := tx.Bucket(store.CommandsBucket)
	if root == nil {
		return tb, store.ErrBucketMissing
	}
	if create {
		if tb.root, err = root.CreateBucketIfNotExists([]byte(sn)); err != nil {
			return
		}
		if tb.pending, err = tb.root.CreateBucketIfNotExists(pendingBucket); err != nil {
			return
		}
		if tb.sent, err = tb.root.CreateBucketIfNotExists(sentBucket); err != nil {
			return
		}
		if tb.done, err = tb.root.CreateBucketIfNotExists(doneBucket); err != nil {
			return
		}
		tb.byID, err = tb.root.CreateBucketIfNotExists(byIDBucket)
		return
	}
	if tb.root = root.Bucket([]byte(sn)); tb.root == nil {
		return tb, store.ErrNotFound
	}
	tb.pending = tb.root.Bucket(pendingBucket)
	tb.sent = tb.root.Bucket(sentBucket)
	tb.done = tb.root.Bucket(doneBucket)
	tb.byID = tb.root.Bucket(byIDBucket)
	if tb.pending == nil || tb.sent == nil || tb.done == nil || tb.byID == nil {
		return tb, store.ErrBucketMissing
	}
	return
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

func encodeRow(r Row) ([]byte, error) {
	bb := bytes.NewBuffer(nil)
	if err := gob.NewEncoder(bb).Encode(r); err != nil {
		return nil, err
	}
	return bb.Bytes(), nil
}

func decodeRow(b []byte, r *Row) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(r)
}

func ctxErr(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func sortRowsBySeqDesc(rows []Row) {
	sort.Slice(rows, func(i, j int) bool { return rows[i].Seq > rows[j].Seq })
}
