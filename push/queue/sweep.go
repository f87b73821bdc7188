/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package queue

import (
	"context"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/daniel-mekuria/zk-server/push/log"
	"github.com/daniel-mekuria/zk-server/push/store"
)

// DefaultSweepInterval is how often the background sweeper runs.
const DefaultSweepInterval time.Duration = time.Hour

// SweepStats reports what one sweeper pass removed or expired.
type SweepStats struct {
	DoneDeleted    int
	PendingDeleted int
	SentExpired    int
}

func (s SweepStats) empty() bool {
	return s.DoneDeleted == 0 && s.PendingDeleted == 0 && s.SentExpired == 0
}

// Sweep ages the queue: terminal-state rows older than a day are dropped,
// exhausted pending rows older than an hour are dropped, and sent rows that
// never drew a reply within a day are failed out.
func (q *Queue) Sweep(ctx context.Context) (stats SweepStats, err error) {
	if err = ctxErr(ctx); err != nil {
		return
	}
	now := q.now()
	err = q.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(store.CommandsBucket)
		if root == nil {
			return store.ErrBucketMissing
		}
		var serials [][]byte
		if lerr := root.ForEachBucket(func(k []byte) error {
			serials = append(serials, append([]byte(nil), k...))
			return nil
		}); lerr != nil {
			return lerr
		}
		for _, sn := range serials {
			tb, lerr := terminalTree(tx, string(sn), false)
			if lerr != nil {
				return lerr
			}
			if lerr = q.sweepTree(tb, now, &stats); lerr != nil {
				return lerr
			}
		}
		return nil
	})
	if err == nil && !stats.empty() {
		q.lg.Info("queue sweep",
			log.KV("done_deleted", stats.DoneDeleted),
			log.KV("pending_deleted", stats.PendingDeleted),
			log.KV("sent_expired", stats.SentExpired))
	}
	return
}

func (q *Queue) sweepTree(tb termTree, now time.Time, stats *SweepStats) error {
	// completed and failed rows age out entirely
	doomed, err := rowsOlder(tb.done, func(r Row) bool {
		return now.Sub(r.DoneAt) > q.doneRet
	})
	if err != nil {
		return err
	}
	for _, d := range doomed {
		if err = dropRow(tb, tb.done, d); err != nil {
			return err
		}
		stats.DoneDeleted++
	}
	// pending rows that burned their retries linger an hour for diagnostics
	if doomed, err = rowsOlder(tb.pending, func(r Row) bool {
		return r.Retries >= q.retryLimit && now.Sub(r.CreatedAt) > q.pendingRet
	}); err != nil {
		return err
	}
	for _, d := range doomed {
		if err = dropRow(tb, tb.pending, d); err != nil {
			return err
		}
		stats.PendingDeleted++
	}
	// sent rows with no reply fail out rather than vanish
	if doomed, err = rowsOlder(tb.sent, func(r Row) bool {
		return now.Sub(r.SentAt) > q.sentRet
	}); err != nil {
		return err
	}
	for _, d := range doomed {
		d.row.State = StateFailed
		d.row.DoneAt = now
		d.row.Result = `expired: no reply`
		if err = moveRow(tb.sent, tb.done, d.key, d.row); err != nil {
			return err
		}
		stats.SentExpired++
	}
	return nil
}

type agedRow struct {
	key []byte
	row Row
}

func rowsOlder(bkt *bolt.Bucket, match func(Row) bool) (out []agedRow, err error) {
	err = bkt.ForEach(func(k, v []byte) error {
		var r Row
		if lerr := decodeRow(v, &r); lerr != nil {
			return lerr
		}
		if match(r) {
			out = append(out, agedRow{key: append([]byte(nil), k...), row: r})
		}
		return nil
	})
	return
}

func dropRow(tb termTree, bkt *bolt.Bucket, d agedRow) error {
	if err := bkt.Delete(d.key); err != nil {
		return err
	}
	return tb.byID.Delete([]byte(d.row.ID))
}
