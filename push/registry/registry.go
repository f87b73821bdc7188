/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package registry tracks the terminal fleet: registration on init, liveness
// from every request, capability options, and upload stamps. The cache in
// front of the store is the only in-process mutable state the server keeps
// and it is guarded by a single mutex.
package registry

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/daniel-mekuria/zk-server/push/log"
	"github.com/daniel-mekuria/zk-server/push/store"
)

const (
	// DefaultActiveWindow is how recently a terminal must have spoken to
	// be a fan-out target.
	DefaultActiveWindow time.Duration = 10 * time.Minute

	// DefaultMultiBioMask advertises fingerprint, face, finger vein, palm,
	// and visible-light face support when a terminal never reported its
	// own mask.
	DefaultMultiBioMask string = `0:1:1:0:0:0:0:1:1:1`
)

// Stamp tables the server acknowledges back in the options block.
const (
	StampOperLog  string = `OPERLOG`
	StampBioData  string = `BIODATA`
	StampIDCard   string = `IDCARD`
	StampErrorLog string = `ERRORLOG`
)

// InitRequest carries the query parameters a terminal sends on its init
// exchange.
type InitRequest struct {
	SN       string
	PushVer  string
	Language string
	CommKey  string
	Options  string // raw key=value,key=value capability list, or "all"
}

type Registry struct {
	mtx    sync.Mutex
	st     *store.Store
	lg     *log.KVLogger
	window time.Duration
	terms  map[string]*store.Terminal
	dirty  map[string]bool // serials with unpersisted last-seen
	now    func() time.Time
}

// New loads every known terminal into the cache.
func New(st *store.Store, window time.Duration, lg *log.Logger) (r *Registry, err error) {
	if window <= 0 {
		window = DefaultActiveWindow
	}
	r = &Registry{
		st:     st,
		lg:     log.NewLoggerWithKV(lg, log.KV("component", "registry")),
		window: window,
		terms:  map[string]*store.Terminal{},
		dirty:  map[string]bool{},
		now:    time.Now,
	}
	var ts []store.Terminal
	if ts, err = st.ListTerminals(context.Background()); err != nil {
		return nil, err
	}
	for i := range ts {
		t := ts[i]
		r.terms[t.SN] = &t
	}
	return
}

// Init registers a terminal on first contact and refreshes its protocol
// fields on every subsequent init. Returns the current record and whether the
// terminal was newly created.
func (r *Registry) Init(ctx context.Context, req InitRequest) (t store.Terminal, fresh bool, err error) {
	if req.SN == `` {
		return t, false, store.ErrMissingKey
	}
	now := r.now()
	r.mtx.Lock()
	cur, ok := r.terms[req.SN]
	if !ok {
		cur = &store.Terminal{
			SN:         req.SN,
			Registered: now,
			Options:    map[string]string{},
			Stamps:     map[string]string{},
		}
		r.terms[req.SN] = cur
		fresh = true
	}
	if req.PushVer != `` {
		cur.PushVersion = req.PushVer
	}
	if req.Language != `` {
		cur.Language = req.Language
	}
	if req.CommKey != `` {
		cur.SharedKey = req.CommKey
	}
	if req.Options != `` && req.Options != `all` {
		mergeOptions(cur, ParseOptionPairs(req.Options))
	}
	cur.LastSeen = now
	t = cloneTerminal(cur)
	delete(r.dirty, req.SN)
	r.mtx.Unlock()
	if err = r.st.UpsertTerminal(ctx, t); err != nil {
		return
	}
	if fresh {
		r.lg.Info("terminal registered", log.KV("sn", req.SN), log.KV("pushver", req.PushVer))
	}
	return
}

// UpdateInfo applies the comma-separated INFO parameter a terminal attaches
// to its poll. Field order is firmware, user count, fingerprint count,
// attendance count, address, fingerprint algorithm, face algorithm, face
// count, function list. Trailing fields may be absent.
func (r *Registry) UpdateInfo(ctx context.Context, sn, info string) error {
	if sn == `` {
		return store.ErrMissingKey
	}
	r.mtx.Lock()
	cur, ok := r.terms[sn]
	if !ok {
		r.mtx.Unlock()
		return store.ErrNotFound
	}
	flds := strings.Split(info, `,`)
	for i, f := range flds {
		f = strings.TrimSpace(f)
		if f == `` {
			continue
		}
		switch i {
		case 0:
			cur.Firmware = f
		case 1:
			setIntField(&cur.UserCount, f)
		case 2:
			setIntField(&cur.FPCount, f)
		case 3:
			setIntField(&cur.AttCount, f)
		case 4:
			cur.IP = f
		case 5:
			cur.FPAlgVer = f
		case 6:
			cur.FaceAlgVer = f
		case 7:
			setIntField(&cur.FaceCount, f)
		case 8:
			cur.Funs = f
		}
	}
	cur.LastSeen = r.now()
	t := cloneTerminal(cur)
	delete(r.dirty, sn)
	r.mtx.Unlock()
	return r.st.UpsertTerminal(ctx, t)
}

// RecordOptions merges a full option set uploaded through the options table.
func (r *Registry) RecordOptions(ctx context.Context, sn string, opts map[string]string) error {
	if sn == `` {
		return store.ErrMissingKey
	}
	r.mtx.Lock()
	cur, ok := r.terms[sn]
	if !ok {
		r.mtx.Unlock()
		return store.ErrNotFound
	}
	mergeOptions(cur, opts)
	cur.LastSeen = r.now()
	t := cloneTerminal(cur)
	delete(r.dirty, sn)
	r.mtx.Unlock()
	return r.st.UpsertTerminal(ctx, t)
}

// Touch bumps last-seen in the cache only, every protocol request calls this
// and the sweeper flushes the timestamps out later.
func (r *Registry) Touch(sn string) {
	r.mtx.Lock()
	if cur, ok := r.terms[sn]; ok {
		cur.LastSeen = r.now()
		r.dirty[sn] = true
	}
	r.mtx.Unlock()
}

// Flush persists any last-seen updates Touch left in the cache.
func (r *Registry) Flush(ctx context.Context) error {
	r.mtx.Lock()
	var ts []store.Terminal
	for sn := range r.dirty {
		if cur, ok := r.terms[sn]; ok {
			ts = append(ts, cloneTerminal(cur))
		}
		delete(r.dirty, sn)
	}
	r.mtx.Unlock()
	for _, t := range ts {
		if err := r.st.UpsertTerminal(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) Get(sn string) (t store.Terminal, ok bool) {
	r.mtx.Lock()
	cur, hit := r.terms[sn]
	if hit {
		t = cloneTerminal(cur)
		ok = true
	}
	r.mtx.Unlock()
	return
}

// List returns every known terminal with live last-seen values, sorted by
// serial.
func (r *Registry) List() (ts []store.Terminal) {
	r.mtx.Lock()
	for _, cur := range r.terms {
		ts = append(ts, cloneTerminal(cur))
	}
	r.mtx.Unlock()
	sort.Slice(ts, func(i, j int) bool { return ts[i].SN < ts[j].SN })
	return
}

// Active returns the terminals seen within the configured window, a
// consistent snapshot for fan-out target selection.
func (r *Registry) Active() []store.Terminal {
	return r.ActiveExcept(``)
}

// ActiveExcept is Active minus one serial, typically the upload source.
func (r *Registry) ActiveExcept(sn string) (ts []store.Terminal) {
	cutoff := r.now().Add(-r.window)
	r.mtx.Lock()
	for _, cur := range r.terms {
		if cur.SN == sn {
			continue
		}
		if cur.LastSeen.Before(cutoff) {
			continue
		}
		ts = append(ts, cloneTerminal(cur))
	}
	r.mtx.Unlock()
	sort.Slice(ts, func(i, j int) bool { return ts[i].SN < ts[j].SN })
	return
}

// Stamp returns the last acknowledged upload cursor for a table, empty when
// the terminal has never advanced one.
func (r *Registry) Stamp(sn, table string) (v string) {
	r.mtx.Lock()
	if cur, ok := r.terms[sn]; ok && cur.Stamps != nil {
		v = cur.Stamps[table]
	}
	r.mtx.Unlock()
	return
}

// SetStamp records the cursor a terminal attached to a successful upload.
func (r *Registry) SetStamp(ctx context.Context, sn, table, stamp string) error {
	if sn == `` || table == `` {
		return store.ErrMissingKey
	}
	r.mtx.Lock()
	cur, ok := r.terms[sn]
	if !ok {
		r.mtx.Unlock()
		return store.ErrNotFound
	}
	if cur.Stamps == nil {
		cur.Stamps = map[string]string{}
	}
	cur.Stamps[table] = stamp
	t := cloneTerminal(cur)
	r.mtx.Unlock()
	return r.st.UpsertTerminal(ctx, t)
}

// MultiBioDataMask reports the biometric-type support mask the terminal
// advertised, or the fleet default.
func (r *Registry) MultiBioDataMask(sn string) string {
	return r.optionOrDefault(sn, `MultiBioDataSupport`, DefaultMultiBioMask)
}

// MultiBioPhotoMask is the photo flavour of MultiBioDataMask.
func (r *Registry) MultiBioPhotoMask(sn string) string {
	return r.optionOrDefault(sn, `MultiBioPhotoSupport`, DefaultMultiBioMask)
}

func (r *Registry) optionOrDefault(sn, key, def string) string {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if cur, ok := r.terms[sn]; ok && cur.Options != nil {
		if v, ok := cur.Options[key]; ok && v != `` {
			return v
		}
	}
	return def
}

// Remove drops a terminal from the cache after a cascade delete.
func (r *Registry) Remove(sn string) {
	r.mtx.Lock()
	delete(r.terms, sn)
	delete(r.dirty, sn)
	r.mtx.Unlock()
}

// cloneTerminal copies a cache row including its maps so callers can hold or
// encode the snapshot outside the registry mutex.
func cloneTerminal(cur *store.Terminal) (t store.Terminal) {
	t = *cur
	if cur.Options != nil {
		t.Options = make(map[string]string, len(cur.Options))
		for k, v := range cur.Options {
			t.Options[k] = v
		}
	}
	if cur.Stamps != nil {
		t.Stamps = make(map[string]string, len(cur.Stamps))
		for k, v := range cur.Stamps {
			t.Stamps[k] = v
		}
	}
	return
}

// ParseOptionPairs splits a key=value,key=value capability string. Keys may
// carry the device's leading tilde, which is stripped. Malformed chunks are
// skipped.
func ParseOptionPairs(v string) map[string]string {
	opts := map[string]string{}
	for _, chunk := range strings.Split(v, `,`) {
		chunk = strings.TrimSpace(chunk)
		if chunk == `` {
			continue
		}
		idx := strings.IndexByte(chunk, '=')
		if idx <= 0 {
			continue
		}
		key := strings.TrimPrefix(chunk[:idx], `~`)
		if key == `` {
			continue
		}
		opts[key] = chunk[idx+1:]
	}
	return opts
}

func mergeOptions(t *store.Terminal, opts map[string]string) {
	if len(opts) == 0 {
		return
	}
	if t.Options == nil {
		t.Options = map[string]string{}
	}
	for k, v := range opts {
		t.Options[k] = v
	}
}

func setIntField(dst *int, v string) {
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}
