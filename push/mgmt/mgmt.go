/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package mgmt is the operator-facing JSON API: fleet status, terminal
// lifecycle, the user directory, template pushes, raw commands, and the
// sync audit trail. It binds separately from the terminal protocol so the
// two surfaces can live on different networks.
package mgmt

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/daniel-mekuria/zk-server/push/command"
	"github.com/daniel-mekuria/zk-server/push/fanout"
	"github.com/daniel-mekuria/zk-server/push/log"
	"github.com/daniel-mekuria/zk-server/push/queue"
	"github.com/daniel-mekuria/zk-server/push/registry"
	"github.com/daniel-mekuria/zk-server/push/store"
	"github.com/daniel-mekuria/zk-server/push/wire"
	"github.com/daniel-mekuria/zk-server/version"
)

const (
	// LoginPath issues JWTs when Auth-Type=jwt; every other auth flavour
	// 404s it.
	LoginPath = `/api/login`

	maxRequestBody int64 = 1024 * 1024 //1MB of JSON is plenty

	defaultHistoryLimit = 50
	defaultSyncLogLimit = 100
)

var (
	ErrIncompleteConf = errors.New("management configuration is incomplete")
)

// Config wires the Server to the same components the protocol handler
// fronts; both surfaces share one store and one queue.
type Config struct {
	Store    *store.Store
	Registry *registry.Registry
	Queue    *queue.Queue
	Fanout   *fanout.Syncer
	Auth     Auth
	Logger   *log.Logger
}

type Server struct {
	lgr     *log.KVLogger
	st      *store.Store
	reg     *registry.Registry
	q       *queue.Queue
	fo      *fanout.Syncer
	ah      AuthHandler
	started time.Time
}

func NewServer(c Config) (s *Server, err error) {
	if c.Store == nil || c.Registry == nil || c.Queue == nil || c.Fanout == nil {
		return nil, ErrIncompleteConf
	}
	lgr := c.Logger
	if lgr == nil {
		lgr = log.NewDiscardLogger()
	}
	var enabled bool
	if enabled, err = c.Auth.Validate(); err != nil {
		return
	}
	var ah AuthHandler
	if enabled {
		if ah, err = c.Auth.NewHandler(lgr); err != nil {
			return
		}
	}
	s = &Server{
		lgr:     log.NewLoggerWithKV(lgr, log.KV("component", "mgmt")),
		st:      c.Store,
		reg:     c.Registry,
		q:       c.Queue,
		fo:      c.Fanout,
		ah:      ah,
		started: time.Now(),
	}
	return
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	if r.URL.Path == LoginPath {
		if s.ah == nil {
			w.WriteHeader(http.StatusNotFound)
		} else if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
		} else {
			s.ah.Login(w, r)
		}
		return
	}
	if s.ah != nil {
		if err := s.ah.AuthRequest(r); err != nil {
			s.lgr.Info("access denied",
				log.KV("remote", getRemoteAddr(r)),
				log.KV("url", r.URL.Path),
				log.KVErr(err))
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
	}
	segs := splitPath(r.URL.Path)
	if len(segs) < 2 || segs[0] != `api` {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	switch segs[1] {
	case `status`:
		s.routeStatus(w, r, segs[2:])
	case `terminals`:
		s.routeTerminals(w, r, segs[2:])
	case `users`:
		s.routeUsers(w, r, segs[2:])
	case `synclog`:
		s.routeSyncLog(w, r, segs[2:])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// StatusResponse is the GET /api/status body.
type StatusResponse struct {
	Product   string
	Version   string
	Started   time.Time
	Terminals int
	Active    int
	Users     int
}

func (s *Server) routeStatus(w http.ResponseWriter, r *http.Request, rest []string) {
	if len(rest) != 0 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	us, err := s.st.ListUsers(r.Context(), ``)
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, StatusResponse{
		Product:   version.Product,
		Version:   version.GetVersion(),
		Started:   s.started,
		Terminals: len(s.reg.List()),
		Active:    len(s.reg.Active()),
		Users:     len(us),
	})
}

// TerminalStatus decorates the stored row with the liveness the registry
// tracks in memory.
type TerminalStatus struct {
	store.Terminal
	Active bool
}

func (s *Server) routeTerminals(w http.ResponseWriter, r *http.Request, rest []string) {
	switch len(rest) {
	case 0:
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.listTerminals(w, r)
	case 1:
		switch r.Method {
		case http.MethodGet:
			s.getTerminal(w, r, rest[0])
		case http.MethodDelete:
			s.deleteTerminal(w, r, rest[0])
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	case 2:
		switch rest[1] {
		case `queue`:
			switch r.Method {
			case http.MethodGet:
				s.terminalQueue(w, r, rest[0])
			case http.MethodDelete:
				s.purgeQueue(w, r, rest[0])
			default:
				w.WriteHeader(http.StatusMethodNotAllowed)
			}
		case `records`:
			if r.Method != http.MethodGet {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			s.terminalRecords(w, r, rest[0])
		case `commands`:
			if r.Method != http.MethodPost {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			s.enqueueRaw(w, r, rest[0])
		case `control`:
			if r.Method != http.MethodPost {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			s.enqueueControl(w, r, rest[0])
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Server) listTerminals(w http.ResponseWriter, r *http.Request) {
	active := make(map[string]bool)
	for _, t := range s.reg.Active() {
		active[t.SN] = true
	}
	var out []TerminalStatus
	for _, t := range s.reg.List() {
		out = append(out, TerminalStatus{Terminal: t, Active: active[t.SN]})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) getTerminal(w http.ResponseWriter, r *http.Request, sn string) {
	t, ok := s.reg.Get(sn)
	if !ok {
		s.writeError(w, http.StatusNotFound, `no such terminal`)
		return
	}
	var active bool
	for _, a := range s.reg.Active() {
		if a.SN == sn {
			active = true
			break
		}
	}
	s.writeJSON(w, http.StatusOK, TerminalStatus{Terminal: t, Active: active})
}

// RemovedResponse reports how many rows a cascade delete took with it.
type RemovedResponse struct {
	Removed int
	Fanout  *fanout.Totals `json:",omitempty"`
}

func (s *Server) deleteTerminal(w http.ResponseWriter, r *http.Request, sn string) {
	if _, ok := s.reg.Get(sn); !ok {
		s.writeError(w, http.StatusNotFound, `no such terminal`)
		return
	}
	n, err := s.st.DeleteTerminalCascade(r.Context(), sn)
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.reg.Remove(sn)
	s.lgr.Info("terminal deleted", log.KV("sn", sn), log.KV("rows", strconv.Itoa(n)))
	s.writeJSON(w, http.StatusOK, RemovedResponse{Removed: n})
}

// CommandRow is a queue row with the payload as text, for human eyes.
type CommandRow struct {
	ID        string
	Seq       uint64
	Category  string
	Payload   string
	State     string
	Retries   int
	Result    string `json:",omitempty"`
	CreatedAt time.Time
	SentAt    time.Time
	DoneAt    time.Time
}

// QueueStatus is the GET /api/terminals/{sn}/queue body.
type QueueStatus struct {
	SN      string
	Pending int
	Sent    int
	Done    int
	History []CommandRow
}

func (s *Server) terminalQueue(w http.ResponseWriter, r *http.Request, sn string) {
	if _, ok := s.reg.Get(sn); !ok {
		s.writeError(w, http.StatusNotFound, `no such terminal`)
		return
	}
	limit := queryInt(r, `limit`, defaultHistoryLimit)
	pending, sent, done, err := s.q.Counts(r.Context(), sn)
	if err != nil {
		s.storeError(w, err)
		return
	}
	rows, err := s.q.History(r.Context(), sn, limit)
	if err != nil {
		s.storeError(w, err)
		return
	}
	qs := QueueStatus{SN: sn, Pending: pending, Sent: sent, Done: done}
	for _, row := range rows {
		qs.History = append(qs.History, CommandRow{
			ID:        row.ID,
			Seq:       row.Seq,
			Category:  row.Category,
			Payload:   string(row.Payload),
			State:     row.State,
			Retries:   row.Retries,
			Result:    row.Result,
			CreatedAt: row.CreatedAt,
			SentAt:    row.SentAt,
			DoneAt:    row.DoneAt,
		})
	}
	s.writeJSON(w, http.StatusOK, qs)
}

// TerminalRecords is the GET /api/terminals/{sn}/records body: every row
// the terminal originated, fetched as one snapshot.
type TerminalRecords struct {
	SN    string
	Total int
	store.SourceRows
}

func (s *Server) terminalRecords(w http.ResponseWriter, r *http.Request, sn string) {
	if _, ok := s.reg.Get(sn); !ok {
		s.writeError(w, http.StatusNotFound, `no such terminal`)
		return
	}
	rows, err := s.st.FetchBySource(r.Context(), sn)
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, TerminalRecords{
		SN:         sn,
		Total:      rows.Total(),
		SourceRows: rows,
	})
}

// purgeQueue drops every queued command for one terminal, settled history
// included. The terminal row itself stays.
func (s *Server) purgeQueue(w http.ResponseWriter, r *http.Request, sn string) {
	if _, ok := s.reg.Get(sn); !ok {
		s.writeError(w, http.StatusNotFound, `no such terminal`)
		return
	}
	if err := s.q.Purge(r.Context(), sn); err != nil {
		s.storeError(w, err)
		return
	}
	s.lgr.Info("command queue purged", log.KV("sn", sn))
	w.WriteHeader(http.StatusNoContent)
}

// CommandRequest is the raw-command escape hatch. The payload runs through
// the same repair pass the fan-out applies, so a spaced-out BIODATA section
// is stored in canonical tab form.
type CommandRequest struct {
	Category string
	Payload  string
}

// EnqueueResponse reports the id a poll will carry and the payload as it
// was actually stored.
type EnqueueResponse struct {
	ID      string
	Payload string
}

func (s *Server) enqueueRaw(w http.ResponseWriter, r *http.Request, sn string) {
	if _, ok := s.reg.Get(sn); !ok {
		s.writeError(w, http.StatusNotFound, `no such terminal`)
		return
	}
	var req CommandRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, `bad request body`)
		return
	}
	if strings.TrimSpace(req.Payload) == `` {
		s.writeError(w, http.StatusUnprocessableEntity, `empty payload`)
		return
	}
	fixed, err := wire.RepairPayload(req.Payload)
	if err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	cat := strings.TrimSpace(req.Category)
	if cat == `` {
		cat = strings.ToUpper(strings.Fields(fixed)[0])
	}
	id, err := s.q.Enqueue(r.Context(), sn, queue.Item{Category: cat, Payload: []byte(fixed)})
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.lgr.Info("raw command queued",
		log.KV("sn", sn),
		log.KV("id", id),
		log.KV("category", cat))
	s.writeJSON(w, http.StatusOK, EnqueueResponse{ID: id, Payload: fixed})
}

// ControlRequest triggers one of the fixed device verbs.
type ControlRequest struct {
	Action string
	Arg    string
}

func (s *Server) enqueueControl(w http.ResponseWriter, r *http.Request, sn string) {
	if _, ok := s.reg.Get(sn); !ok {
		s.writeError(w, http.StatusNotFound, `no such terminal`)
		return
	}
	var req ControlRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, `bad request body`)
		return
	}
	var it queue.Item
	var err error
	switch strings.ToLower(strings.TrimSpace(req.Action)) {
	case `reboot`:
		it = command.Reboot()
	case `unlock`:
		it = command.Unlock()
	case `unalarm`:
		it = command.Unalarm()
	case `clear`:
		it, err = command.Clear(strings.ToUpper(strings.TrimSpace(req.Arg)))
	case `reload`:
		it = command.ReloadOptions()
	case `check`:
		it = command.Check()
	case `info`:
		it = command.Info()
	case `log`:
		it = command.RequestLog()
	default:
		s.writeError(w, http.StatusUnprocessableEntity, `unknown control action`)
		return
	}
	if err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	id, err := s.q.Enqueue(r.Context(), sn, it)
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.lgr.Info("control command queued",
		log.KV("sn", sn),
		log.KV("id", id),
		log.KV("action", req.Action))
	s.writeJSON(w, http.StatusOK, EnqueueResponse{ID: id, Payload: string(it.Payload)})
}

func (s *Server) routeUsers(w http.ResponseWriter, r *http.Request, rest []string) {
	switch len(rest) {
	case 0:
		switch r.Method {
		case http.MethodGet:
			s.listUsers(w, r)
		case http.MethodPost:
			s.upsertUser(w, r)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	case 1:
		switch r.Method {
		case http.MethodGet:
			s.getUser(w, r, rest[0])
		case http.MethodDelete:
			s.deleteUser(w, r, rest[0])
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	case 2:
		if rest[1] != `biometrics` {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		switch r.Method {
		case http.MethodPost:
			s.pushBiometric(w, r, rest[0])
		case http.MethodDelete:
			s.deleteBiometrics(w, r, rest[0])
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Server) listUsers(w http.ResponseWriter, r *http.Request) {
	us, err := s.st.ListUsers(r.Context(), r.URL.Query().Get(`source`))
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, us)
}

// PushResponse couples the stored row with the fan-out bookkeeping.
type PushResponse struct {
	Fanout fanout.Totals
}

func (s *Server) upsertUser(w http.ResponseWriter, r *http.Request) {
	var u store.User
	if err := decodeBody(r, &u); err != nil {
		s.writeError(w, http.StatusBadRequest, `bad request body`)
		return
	}
	u.Source = `` //operator rows carry no source terminal
	u.Updated = time.Now()
	it, err := command.PutUser(u)
	if err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err = s.st.UpsertUser(r.Context(), u); err != nil {
		s.storeError(w, err)
		return
	}
	tot, err := s.fo.Push(r.Context(), ``, []fanout.Op{{
		Item:   it,
		Type:   wire.TagUser,
		Key:    u.PIN,
		Action: fanout.ActionSync,
	}})
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.lgr.Info("user upserted",
		log.KV("pin", u.PIN),
		log.KV("peers", strconv.Itoa(tot.Peers)))
	s.writeJSON(w, http.StatusOK, PushResponse{Fanout: tot})
}

// UserDetail is the GET /api/users/{pin} body.
type UserDetail struct {
	User       store.User
	Biometrics []store.Biometric
	UserPic    bool
	BioPhotos  int
}

func (s *Server) getUser(w http.ResponseWriter, r *http.Request, pin string) {
	u, err := s.st.GetUser(r.Context(), pin)
	if err != nil {
		s.storeError(w, err)
		return
	}
	bs, err := s.st.ListBiometrics(r.Context(), pin)
	if err != nil {
		s.storeError(w, err)
		return
	}
	detail := UserDetail{User: u, Biometrics: bs}
	if _, err = s.st.GetUserPic(r.Context(), pin); err == nil {
		detail.UserPic = true
	}
	if ps, err := s.st.ListBioPhotos(r.Context(), pin); err == nil {
		detail.BioPhotos = len(ps)
	}
	s.writeJSON(w, http.StatusOK, detail)
}

func (s *Server) deleteUser(w http.ResponseWriter, r *http.Request, pin string) {
	it, err := command.DeleteUser(pin)
	if err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	n, err := s.st.DeleteUserCascade(r.Context(), pin)
	if err != nil {
		s.storeError(w, err)
		return
	}
	tot, err := s.fo.Push(r.Context(), ``, []fanout.Op{{
		Item:   it,
		Type:   wire.TagUser,
		Key:    pin,
		Action: fanout.ActionDelete,
	}})
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.lgr.Info("user deleted",
		log.KV("pin", pin),
		log.KV("rows", strconv.Itoa(n)),
		log.KV("peers", strconv.Itoa(tot.Peers)))
	s.writeJSON(w, http.StatusOK, RemovedResponse{Removed: n, Fanout: &tot})
}

func (s *Server) pushBiometric(w http.ResponseWriter, r *http.Request, pin string) {
	var b store.Biometric
	if err := decodeBody(r, &b); err != nil {
		s.writeError(w, http.StatusBadRequest, `bad request body`)
		return
	}
	b.PIN = pin
	b.Source = ``
	b.Updated = time.Now()
	it, err := command.PutBiometric(b)
	if err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err = s.st.UpsertBiometric(r.Context(), b); err != nil {
		s.storeError(w, err)
		return
	}
	tot, err := s.fo.Push(r.Context(), ``, []fanout.Op{{
		Item:   it,
		Type:   wire.TagBioData,
		Key:    pin,
		Action: fanout.ActionSync,
	}})
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.lgr.Info("template pushed",
		log.KV("pin", pin),
		log.KV("type", strconv.Itoa(b.Type)),
		log.KV("peers", strconv.Itoa(tot.Peers)))
	s.writeJSON(w, http.StatusOK, PushResponse{Fanout: tot})
}

func (s *Server) deleteBiometrics(w http.ResponseWriter, r *http.Request, pin string) {
	var tp, no *int
	qv := r.URL.Query()
	if v := qv.Get(`type`); v != `` {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, `bad type parameter`)
			return
		}
		tp = &n
	}
	if v := qv.Get(`no`); v != `` {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, `bad no parameter`)
			return
		}
		no = &n
	}
	it, err := command.DeleteBiometrics(pin, tp, no)
	if err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	n, err := s.st.DeleteBiometrics(r.Context(), pin, tp, no)
	if err != nil {
		s.storeError(w, err)
		return
	}
	tot, err := s.fo.Push(r.Context(), ``, []fanout.Op{{
		Item:   it,
		Type:   wire.TagBioData,
		Key:    pin,
		Action: fanout.ActionDelete,
	}})
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, RemovedResponse{Removed: n, Fanout: &tot})
}

func (s *Server) routeSyncLog(w http.ResponseWriter, r *http.Request, rest []string) {
	if len(rest) != 0 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	limit := queryInt(r, `limit`, defaultSyncLogLimit)
	es, err := s.st.SyncLog(r.Context(), limit)
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, es)
}

type errResponse struct {
	Error string
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set(`Content-Type`, `application/json`)
	w.WriteHeader(code)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.lgr.Warn("response encode failed", log.KVErr(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, errResponse{Error: msg})
}

// storeError maps store sentinel errors onto status codes without leaking
// internal detail on the 500 path.
func (s *Server) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, `not found`)
	case errors.Is(err, store.ErrMissingKey):
		s.writeError(w, http.StatusUnprocessableEntity, `missing key`)
	default:
		s.lgr.Error("store failure", log.KVErr(err))
		s.writeError(w, http.StatusInternalServerError, `internal error`)
	}
}

func decodeBody(r *http.Request, v interface{}) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(v)
}

func splitPath(p string) []string {
	p = strings.Trim(p, `/`)
	if p == `` {
		return nil
	}
	return strings.Split(p, `/`)
}

func queryInt(r *http.Request, name string, def int) int {
	if v := r.URL.Query().Get(name); v != `` {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func getRemoteAddr(r *http.Request) (host string) {
	xfflist, ok := r.Header[`X-Forwarded-For`]
	if !ok || len(xfflist) == 0 {
		host, _, _ = net.SplitHostPort(r.RemoteAddr)
	} else {
		host = xfflist[0]
	}
	return
}
