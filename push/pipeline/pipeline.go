/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package pipeline is the upload ingest path: it routes a posted body by its
// table tag, dispatches parsed records into the store with source
// attribution, and hands records in the syncable set to the fan-out.
// Attendance batches are acknowledged and discarded, the server does not do
// time and attendance.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/daniel-mekuria/zk-server/push/fanout"
	"github.com/daniel-mekuria/zk-server/push/log"
	"github.com/daniel-mekuria/zk-server/push/registry"
	"github.com/daniel-mekuria/zk-server/push/store"
	"github.com/daniel-mekuria/zk-server/push/wire"
)

var (
	ErrUnknownTable = errors.New("unknown table tag")
)

// Switches are the operator toggles for photo propagation. Photos are always
// stored; fanning them to peers is off by default because template data is
// sufficient to keep a fleet consistent and photos are big.
type Switches struct {
	SyncUserPics  bool
	SyncBioPhotos bool
}

// Result summarizes one upload body. WireErr reports a malformed or
// unrecognized chunk that stopped the parse; records accepted before that
// point were stored and fanned regardless, re-uploads are idempotent.
type Result struct {
	Accepted int
	Dropped  int
	WireErr  error
}

type Processor struct {
	st  *store.Store
	reg *registry.Registry
	fo  *fanout.Syncer
	sw  Switches
	lg  *log.KVLogger
	now func() time.Time
}

func New(st *store.Store, reg *registry.Registry, fo *fanout.Syncer, sw Switches, lg *log.Logger) *Processor {
	return &Processor{
		st:  st,
		reg: reg,
		fo:  fo,
		sw:  sw,
		lg:  log.NewLoggerWithKV(lg, log.KV("component", "pipeline")),
		now: time.Now,
	}
}

// Process ingests one upload body for the given terminal and table. The
// returned error is a store fault; everything record-level lands in Result.
func (p *Processor) Process(ctx context.Context, sn, table string, body []byte) (res Result, err error) {
	switch wire.NormalTable(table) {
	case wire.TableAttLog, wire.TableAttPhoto, wire.TablePostVerify:
		// counted for the ack, never stored
		res.Accepted = countUploadLines(body)
	case wire.TableOptions:
		opts := registry.ParseOptionPairs(string(body))
		if err = p.reg.RecordOptions(ctx, sn, opts); err != nil {
			return
		}
		res.Accepted = len(opts)
	case wire.TableOperLog, wire.TableBioData, wire.TableIDCard, wire.TableErrorLog:
		res, err = p.ingest(ctx, sn, body)
	default:
		res.WireErr = fmt.Errorf("%q: %w", table, ErrUnknownTable)
	}
	return
}

// ingest walks a record stream. Records route by their own tag, not by the
// carrying table: mixed OPERLOG batches are the norm on real firmware.
func (p *Processor) ingest(ctx context.Context, sn string, body []byte) (res Result, err error) {
	var fanRecs []wire.Record
	var drops []store.SyncEntry
	now := p.now()
	for _, rec := range wire.ParseRecords(body) {
		if !wire.KnownTag(rec.Tag) {
			res.WireErr = fmt.Errorf("%q: %w", rec.Tag, wire.ErrUnknownTag)
			break
		}
		if len(rec.Fields) == 0 {
			res.WireErr = fmt.Errorf("%s: %w", rec.Tag, wire.ErrNoFields)
			break
		}
		if rerr := p.ingestRecord(ctx, sn, rec, now); rerr != nil {
			if !refused(rerr) {
				err = rerr
				return
			}
			res.Dropped++
			drops = append(drops, store.SyncEntry{
				When:       now,
				Source:     sn,
				RecordType: rec.Tag,
				RecordKey:  recordKey(rec),
				Action:     `ingest`,
				Status:     `skipped: ` + rerr.Error(),
			})
			p.lg.Warn("record dropped",
				log.KV("terminal", sn),
				log.KV("tag", rec.Tag),
				log.KVErr(rerr))
			continue
		}
		res.Accepted++
		if p.fannable(rec.Tag) {
			fanRecs = append(fanRecs, rec)
		}
	}
	if len(drops) > 0 {
		if err = p.st.AppendSyncLogBatch(ctx, drops); err != nil {
			return
		}
	}
	if len(fanRecs) > 0 {
		if _, err = p.fo.Sync(ctx, sn, fanRecs); err != nil {
			return
		}
	}
	if res.WireErr != nil {
		p.lg.Warn("upload stopped on malformed record",
			log.KV("terminal", sn),
			log.KV("accepted", res.Accepted),
			log.KVErr(res.WireErr))
	}
	return
}

func (p *Processor) ingestRecord(ctx context.Context, sn string, rec wire.Record, now time.Time) error {
	switch rec.Tag {
	case wire.TagUser:
		u, err := rec.User()
		if err != nil {
			return err
		}
		return p.st.UpsertUser(ctx, store.User{
			PIN:       u.PIN,
			Name:      u.Name,
			Privilege: u.Privilege,
			Password:  u.Password,
			Card:      u.Card,
			Group:     u.Group,
			TimeZone:  u.TimeZone,
			Verify:    u.Verify,
			ViceCard:  u.ViceCard,
			Source:    sn,
			Updated:   now,
		})
	case wire.TagFP, wire.TagFace, wire.TagFVein, wire.TagBioData:
		b, err := fanout.Unify(rec)
		if err != nil {
			return err
		}
		b.Source, b.Updated = sn, now
		return p.st.UpsertBiometric(ctx, b)
	case wire.TagUserPic:
		up, err := rec.UserPic()
		if err != nil {
			return err
		}
		return p.st.UpsertUserPic(ctx, store.UserPic{
			PIN:      up.PIN,
			FileName: up.FileName,
			Size:     up.Size,
			Content:  up.Content,
			Source:   sn,
			Updated:  now,
		})
	case wire.TagBioPhoto:
		bp, err := rec.BioPhoto()
		if err != nil {
			return err
		}
		return p.st.UpsertBioPhoto(ctx, store.BioPhoto{
			PIN:      bp.PIN,
			Type:     bp.Type,
			FileName: bp.FileName,
			Size:     bp.Size,
			Content:  bp.Content,
			Format:   bp.Format,
			Source:   sn,
			Updated:  now,
		})
	case wire.TagWorkCode:
		wc, err := rec.WorkCode()
		if err != nil {
			return err
		}
		return p.st.UpsertWorkCode(ctx, store.WorkCode{
			PIN:     wc.PIN,
			Code:    wc.Code,
			Name:    wc.Name,
			Source:  sn,
			Updated: now,
		})
	case wire.TagSMS:
		sm, err := rec.SMS()
		if err != nil {
			return err
		}
		return p.st.UpsertMessage(ctx, store.Message{
			UID:       sm.UID,
			Msg:       sm.Msg,
			Tag:       sm.Tag,
			MinExpire: sm.MinExpire,
			StartTime: sm.StartTime,
			Source:    sn,
			Updated:   now,
		})
	case wire.TagUserSMS:
		us, err := rec.UserSMS()
		if err != nil {
			return err
		}
		return p.st.UpsertUserMessage(ctx, store.UserMessage{
			PIN:     us.PIN,
			UID:     us.UID,
			Source:  sn,
			Updated: now,
		})
	case wire.TagIDCard:
		c, err := rec.IDCard()
		if err != nil {
			return err
		}
		return p.st.UpsertIDCard(ctx, store.IDCard{
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
			Source:         sn,
			Updated:        now,
		})
	case wire.TagErrorLog:
		el, err := rec.ErrorLog()
		if err != nil {
			return err
		}
		return p.st.AppendSyncLog(ctx, store.SyncEntry{
			When:       now,
			Source:     sn,
			RecordType: wire.TagErrorLog,
			RecordKey:  el.CmdId,
			Action:     el.DataOrigin + `:` + el.ErrMsg,
			Status:     `logged`,
		})
	}
	return fmt.Errorf("%q: %w", rec.Tag, wire.ErrUnknownTag)
}

// fannable applies the propagation policy: the syncable set always, photos
// only when the matching switch is on.
func (p *Processor) fannable(tag string) bool {
	if wire.SyncableTag(tag) {
		return true
	}
	switch tag {
	case wire.TagUserPic:
		return p.sw.SyncUserPics
	case wire.TagBioPhoto:
		return p.sw.SyncBioPhotos
	}
	return false
}

// refused reports whether an ingest failure is a record-level refusal as
// opposed to a store fault.
func refused(err error) bool {
	for _, r := range []error{
		wire.ErrMissingPin,
		wire.ErrMissingKey,
		wire.ErrInvalidTemplate,
		wire.ErrInvalidBioType,
		store.ErrMissingKey,
	} {
		if errors.Is(err, r) {
			return true
		}
	}
	return false
}

func recordKey(rec wire.Record) string {
	for _, k := range []string{`PIN`, `Pin`, `UID`, `IDNum`, `CODE`} {
		if v := rec.Fields[k]; v != `` {
			return v
		}
	}
	return ``
}

func countUploadLines(body []byte) (n int) {
	for _, ln := range strings.Split(string(body), "\n") {
		if strings.TrimSpace(ln) != `` {
			n++
		}
	}
	return
}
