/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package fanout turns one inbound event into N outbound commands, one per
// active peer terminal. Legacy biometric families are unified to BIODATA on
// the way through, every (record, peer) pair leaves an audit row in the sync
// log, and delivery is best-effort: one peer failing to enqueue never stops
// the others.
package fanout

import (
	"context"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/daniel-mekuria/zk-server/push/command"
	"github.com/daniel-mekuria/zk-server/push/log"
	"github.com/daniel-mekuria/zk-server/push/queue"
	"github.com/daniel-mekuria/zk-server/push/registry"
	"github.com/daniel-mekuria/zk-server/push/store"
	"github.com/daniel-mekuria/zk-server/push/wire"
)

// Audit row actions and statuses.
const (
	ActionSync   = `sync`
	ActionDelete = `delete`

	StatusQueued  = `queued`
	StatusSkipped = `skipped`
	StatusFailed  = `failed`
)

// fanParallelism bounds concurrent per-peer enqueues within one upload.
const fanParallelism = 8

// Totals aggregates one fan-out call, counts are (record x peer) pairs.
type Totals struct {
	Peers   int
	Queued  int
	Skipped int
	Failed  int
}

// Op is a prepared outbound command together with its audit identity.
type Op struct {
	Item   queue.Item
	Type   string
	Key    string
	Action string
}

// refusal is a record that could not be turned into an Op; it still gets its
// per-peer audit rows.
type refusal struct {
	Type   string
	Key    string
	Reason string
}

type Syncer struct {
	st  *store.Store
	reg *registry.Registry
	q   *queue.Queue
	lg  *log.KVLogger
}

func New(st *store.Store, reg *registry.Registry, q *queue.Queue, lg *log.Logger) *Syncer {
	return &Syncer{
		st:  st,
		reg: reg,
		q:   q,
		lg:  log.NewLoggerWithKV(lg, log.KV("component", "fanout")),
	}
}

// Sync propagates upload records from the source terminal to every other
// active terminal. Records that fail translation or validation are recorded
// as skipped for each peer; the rest are enqueued in record order per peer.
func (s *Syncer) Sync(ctx context.Context, source string, recs []wire.Record) (Totals, error) {
	var ops []Op
	var refs []refusal
	for _, rec := range recs {
		op, err := translate(rec)
		if err != nil {
			refs = append(refs, refusal{Type: rec.Tag, Key: recordKey(rec), Reason: err.Error()})
			continue
		}
		ops = append(ops, op)
	}
	return s.run(ctx, source, ops, refs)
}

// Push propagates prepared commands to every active terminal except source.
// Operator-initiated pushes use an empty source so the whole fleet is
// targeted.
func (s *Syncer) Push(ctx context.Context, source string, ops []Op) (Totals, error) {
	return s.run(ctx, source, ops, nil)
}

func (s *Syncer) run(ctx context.Context, source string, ops []Op, refs []refusal) (tot Totals, err error) {
	peers := s.reg.ActiveExcept(source)
	tot.Peers = len(peers)
	if len(peers) == 0 || (len(ops) == 0 && len(refs) == 0) {
		return
	}
	items := make([]queue.Item, 0, len(ops))
	for _, op := range ops {
		items = append(items, op.Item)
	}
	when := time.Now()

	// each peer fills its own slot so the audit trail stays in snapshot order
	perPeer := make([][]store.SyncEntry, len(peers))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fanParallelism)
	for i := range peers {
		i := i
		g.Go(func() error {
			sn := peers[i].SN
			var qerr error
			if len(items) > 0 {
				if _, qerr = s.q.EnqueueBatch(gctx, sn, items); qerr != nil {
					s.lg.Warn("fan-out enqueue failed", log.KV("terminal", sn), log.KVErr(qerr))
				}
			}
			rows := make([]store.SyncEntry, 0, len(ops)+len(refs))
			for _, op := range ops {
				status := StatusQueued
				if qerr != nil {
					status = StatusFailed + `: ` + qerr.Error()
				}
				rows = append(rows, store.SyncEntry{
					When:       when,
					Source:     source,
					Target:     sn,
					RecordType: op.Type,
					RecordKey:  op.Key,
					Action:     op.Action,
					Status:     status,
				})
			}
			for _, rf := range refs {
				rows = append(rows, store.SyncEntry{
					When:       when,
					Source:     source,
					Target:     sn,
					RecordType: rf.Type,
					RecordKey:  rf.Key,
					Action:     ActionSync,
					Status:     StatusSkipped + `: ` + rf.Reason,
				})
			}
			perPeer[i] = rows
			return nil
		})
	}
	g.Wait()
	if err = ctx.Err(); err != nil {
		return
	}

	var all []store.SyncEntry
	for _, rows := range perPeer {
		for _, r := range rows {
			switch {
			case r.Status == StatusQueued:
				tot.Queued++
			case strings.HasPrefix(r.Status, StatusSkipped):
				tot.Skipped++
			default:
				tot.Failed++
			}
		}
		all = append(all, rows...)
	}
	if err = s.st.AppendSyncLogBatch(ctx, all); err != nil {
		return
	}
	s.lg.Info("fan-out complete",
		log.KV("source", source),
		log.KV("peers", tot.Peers),
		log.KV("queued", tot.Queued),
		log.KV("skipped", tot.Skipped),
		log.KV("failed", tot.Failed))
	return
}

// Unify converts any of the inbound biometric record families to the unified
// row. Legacy FP, FACE, and FVEIN records acquire the defaults the unified
// dialect expects: the vendor format marker, zero duress, and zero version
// fields. Only FVEIN carries its own Index.
func Unify(rec wire.Record) (b store.Biometric, err error) {
	switch rec.Tag {
	case wire.TagFP:
		var fp wire.Fingerprint
		if fp, err = rec.Fingerprint(); err != nil {
			return
		}
		b = store.Biometric{
			PIN:      fp.PIN,
			Type:     wire.BioFingerprint,
			No:       fp.FID,
			Valid:    fp.Valid,
			Format:   `ZK`,
			Template: fp.TMP,
		}
	case wire.TagFace:
		var fc wire.Face
		if fc, err = rec.Face(); err != nil {
			return
		}
		b = store.Biometric{
			PIN:      fc.PIN,
			Type:     wire.BioFace,
			No:       fc.FID,
			Valid:    fc.Valid,
			Format:   `ZK`,
			Template: fc.TMP,
		}
	case wire.TagFVein:
		var fv wire.FingerVein
		if fv, err = rec.FingerVein(); err != nil {
			return
		}
		b = store.Biometric{
			PIN:      fv.Pin,
			Type:     wire.BioFingerVein,
			No:       fv.FID,
			Index:    fv.Index,
			Valid:    fv.Valid,
			Format:   `ZK`,
			Template: fv.Tmp,
		}
	case wire.TagBioData:
		var bd wire.BioData
		if bd, err = rec.BioData(); err != nil {
			return
		}
		b = store.Biometric{
			PIN:      bd.Pin,
			Type:     bd.Type,
			No:       bd.No,
			Index:    bd.Index,
			Valid:    bd.Valid,
			Duress:   bd.Duress,
			MajorVer: bd.MajorVer,
			MinorVer: bd.MinorVer,
			Format:   bd.Format,
			Template: bd.Tmp,
		}
	default:
		err = wire.ErrUnknownTag
	}
	return
}

// translate builds the outbound command for one upload record. The returned
// Op is peer independent, the same payload goes to every peer.
func translate(rec wire.Record) (op Op, err error) {
	op.Type = rec.Tag
	op.Action = ActionSync
	switch rec.Tag {
	case wire.TagUser:
		var u wire.User
		if u, err = rec.User(); err != nil {
			return
		}
		op.Key = u.PIN
		op.Item, err = command.PutUser(store.User{
			PIN:       u.PIN,
			Name:      u.Name,
			Privilege: u.Privilege,
			Password:  u.Password,
			Card:      u.Card,
			Group:     u.Group,
			TimeZone:  u.TimeZone,
			Verify:    u.Verify,
			ViceCard:  u.ViceCard,
		})
	case wire.TagFP, wire.TagFace, wire.TagFVein, wire.TagBioData:
		var b store.Biometric
		if b, err = Unify(rec); err != nil {
			return
		}
		op.Key = bioKey(b)
		op.Item, err = command.PutBiometric(b)
	case wire.TagUserPic:
		var up wire.UserPic
		if up, err = rec.UserPic(); err != nil {
			return
		}
		op.Key = up.PIN
		op.Item, err = command.PutUserPic(store.UserPic{
			PIN:      up.PIN,
			FileName: up.FileName,
			Size:     up.Size,
			Content:  up.Content,
		})
	case wire.TagBioPhoto:
		var bp wire.BioPhoto
		if bp, err = rec.BioPhoto(); err != nil {
			return
		}
		op.Key = bp.PIN + `:` + strconv.Itoa(bp.Type)
		op.Item, err = command.PutBioPhoto(store.BioPhoto{
			PIN:      bp.PIN,
			Type:     bp.Type,
			FileName: bp.FileName,
			Size:     bp.Size,
			Content:  bp.Content,
			Format:   bp.Format,
		})
	case wire.TagWorkCode:
		var wc wire.WorkCode
		if wc, err = rec.WorkCode(); err != nil {
			return
		}
		op.Key = workCodeKey(wc.PIN, wc.Code)
		op.Item, err = command.PutWorkCode(store.WorkCode{
			PIN:  wc.PIN,
			Code: wc.Code,
			Name: wc.Name,
		})
	case wire.TagSMS:
		var sm wire.SMS
		if sm, err = rec.SMS(); err != nil {
			return
		}
		op.Key = sm.UID
		op.Item, err = command.PutSMS(store.Message{
			UID:       sm.UID,
			Msg:       sm.Msg,
			Tag:       sm.Tag,
			MinExpire: sm.MinExpire,
			StartTime: sm.StartTime,
		})
	case wire.TagUserSMS:
		var us wire.UserSMS
		if us, err = rec.UserSMS(); err != nil {
			return
		}
		op.Key = us.PIN + `:` + us.UID
		op.Item, err = command.PutUserSMS(store.UserMessage{
			PIN: us.PIN,
			UID: us.UID,
		})
	case wire.TagIDCard:
		var c wire.IDCard
		if c, err = rec.IDCard(); err != nil {
			return
		}
		op.Key = c.IDNum
		op.Item, err = command.PutIDCard(store.IDCard{
			PIN:            c.PIN,
			SNNum:          c.SNNum,
			IDNum:          c.IDNum,
			DNNum:          c.DNNum,
			Name:           c.Name,
			Gender:         c.Gender,
			Nation:         c.Nation,
			Birthday:       c.Birthday,
			ValidInfo:      c.ValidInfo,
			Address:        c.Address,
			AdditionalInfo: c.AdditionalInfo,
			Issuer:         c.Issuer,
			Photo:          c.Photo,
			FPTemplate1:    c.FPTemplate1,
			FPTemplate2:    c.FPTemplate2,
			Reserve:        c.Reserve,
			Notice:         c.Notice,
		})
	default:
		err = wire.ErrUnknownTag
	}
	return
}

func bioKey(b store.Biometric) string {
	return b.PIN + `:` + strconv.Itoa(b.Type) + `:` + strconv.Itoa(b.No)
}

func workCodeKey(pin, code string) string {
	if pin == `` {
		return code
	}
	return pin + `:` + code
}

// recordKey digs a best-effort identity out of a record that failed
// translation so the audit row still names what was refused.
func recordKey(rec wire.Record) string {
	for _, k := range []string{`PIN`, `Pin`, `UID`, `IDNum`, `CODE`} {
		if v := rec.Fields[k]; v != `` {
			return v
		}
	}
	return ``
}
