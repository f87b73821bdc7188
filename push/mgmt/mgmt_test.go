/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package mgmt

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/daniel-mekuria/zk-server/push/fanout"
	"github.com/daniel-mekuria/zk-server/push/log"
	"github.com/daniel-mekuria/zk-server/push/queue"
	"github.com/daniel-mekuria/zk-server/push/registry"
	"github.com/daniel-mekuria/zk-server/push/store"
)

var (
	tempPath string
)

func TestMain(m *testing.M) {
	var err error
	if tempPath, err = os.MkdirTemp(os.TempDir(), `zkmgmt`); err != nil {
		os.Exit(-1)
	}
	r := m.Run()
	os.RemoveAll(tempPath)
	os.Exit(r)
}

type testStack struct {
	srv *Server
	st  *store.Store
	reg *registry.Registry
	q   *queue.Queue
}

func newStack(t *testing.T, name string, mut func(*Config)) (ts testStack) {
	t.Helper()
	st, err := store.Open(filepath.Join(tempPath, name+`.db`))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	lg := log.NewDiscardLogger()
	reg, err := registry.New(st, 0, lg)
	if err != nil {
		t.Fatal(err)
	}
	q := queue.New(st, 0, lg)
	fo := fanout.New(st, reg, q, lg)
	cfg := Config{
		Store:    st,
		Registry: reg,
		Queue:    q,
		Fanout:   fo,
		Logger:   lg,
	}
	if mut != nil {
		mut(&cfg)
	}
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return testStack{srv: srv, st: st, reg: reg, q: q}
}

func (ts testStack) initTerm(t *testing.T, sn string) {
	t.Helper()
	if _, _, err := ts.reg.Init(context.Background(), registry.InitRequest{SN: sn, PushVer: `2.4.1`}); err != nil {
		t.Fatal(err)
	}
}

func do(t *testing.T, srv *Server, method, target string, body interface{}, mut func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rdr = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatal(err)
		}
		rdr = bytes.NewReader(raw)
	}
	r := httptest.NewRequest(method, target, rdr)
	if mut != nil {
		mut(r)
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, r)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("bad response body %q: %v", w.Body.String(), err)
	}
}

func TestStatus(t *testing.T) {
	ts := newStack(t, `status`, nil)
	ts.initTerm(t, `A01`)
	if err := ts.st.UpsertUser(context.Background(), store.User{PIN: `1`, Name: `A`, Verify: -1}); err != nil {
		t.Fatal(err)
	}
	w := do(t, ts.srv, http.MethodGet, `/api/status`, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status got %d", w.Code)
	}
	var sr StatusResponse
	decode(t, w, &sr)
	if sr.Product != `zkserver` || sr.Terminals != 1 || sr.Active != 1 || sr.Users != 1 {
		t.Fatalf("bad status: %+v", sr)
	}
}

func TestTerminalLifecycle(t *testing.T) {
	ts := newStack(t, `terms`, nil)
	ts.initTerm(t, `A01`)
	ts.initTerm(t, `A02`)

	w := do(t, ts.srv, http.MethodGet, `/api/terminals`, nil, nil)
	var list []TerminalStatus
	decode(t, w, &list)
	if len(list) != 2 {
		t.Fatalf("expected 2 terminals, got %d", len(list))
	}
	for _, v := range list {
		if !v.Active {
			t.Fatalf("terminal %s not active", v.SN)
		}
	}

	w = do(t, ts.srv, http.MethodGet, `/api/terminals/A01`, nil, nil)
	var one TerminalStatus
	decode(t, w, &one)
	if one.SN != `A01` || !one.Active {
		t.Fatalf("bad terminal: %+v", one)
	}

	if w = do(t, ts.srv, http.MethodDelete, `/api/terminals/A01`, nil, nil); w.Code != http.StatusOK {
		t.Fatalf("delete got %d", w.Code)
	}
	if w = do(t, ts.srv, http.MethodGet, `/api/terminals/A01`, nil, nil); w.Code != http.StatusNotFound {
		t.Fatalf("deleted terminal still answers: %d", w.Code)
	}
	if w = do(t, ts.srv, http.MethodGet, `/api/terminals/NOPE`, nil, nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown terminal got %d", w.Code)
	}
}

func TestUserUpsertFansOut(t *testing.T) {
	ts := newStack(t, `userup`, nil)
	ts.initTerm(t, `A01`)
	ts.initTerm(t, `A02`)
	ctx := context.Background()

	w := do(t, ts.srv, http.MethodPost, `/api/users`, store.User{PIN: `1001`, Name: `Alice`, Verify: -1}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("upsert got %d: %s", w.Code, w.Body.String())
	}
	var pr PushResponse
	decode(t, w, &pr)
	if pr.Fanout.Peers != 2 || pr.Fanout.Queued != 2 {
		t.Fatalf("bad fanout totals: %+v", pr.Fanout)
	}
	if u, err := ts.st.GetUser(ctx, `1001`); err != nil {
		t.Fatal(err)
	} else if u.Name != `Alice` || u.Source != `` {
		t.Fatalf("bad stored user: %+v", u)
	}
	for _, sn := range []string{`A01`, `A02`} {
		row, ok, err := ts.q.DequeueNext(ctx, sn)
		if err != nil {
			t.Fatal(err)
		} else if !ok {
			t.Fatalf("no command queued for %s", sn)
		}
		if !strings.HasPrefix(string(row.Payload), "DATA UPDATE USERINFO PIN=1001\tName=Alice\t") {
			t.Fatalf("bad payload for %s: %q", sn, row.Payload)
		}
	}

	// a pin-less body is refused before anything is stored
	if w = do(t, ts.srv, http.MethodPost, `/api/users`, store.User{Name: `NoPin`}, nil); w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("pinless upsert got %d", w.Code)
	}
}

func TestUserDeleteCascadeFansOut(t *testing.T) {
	ts := newStack(t, `userdel`, nil)
	ts.initTerm(t, `A01`)
	ts.initTerm(t, `A02`)
	ctx := context.Background()
	if err := ts.st.UpsertUser(ctx, store.User{PIN: `7`, Name: `Gone`, Verify: -1}); err != nil {
		t.Fatal(err)
	}
	if err := ts.st.UpsertBiometric(ctx, store.Biometric{PIN: `7`, Type: 1, Valid: 1, Template: `AAAA`}); err != nil {
		t.Fatal(err)
	}

	w := do(t, ts.srv, http.MethodDelete, `/api/users/7`, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete got %d: %s", w.Code, w.Body.String())
	}
	var rr RemovedResponse
	decode(t, w, &rr)
	if rr.Removed < 2 {
		t.Fatalf("cascade removed %d rows, want >= 2", rr.Removed)
	}
	if rr.Fanout == nil || rr.Fanout.Queued != 2 {
		t.Fatalf("bad fanout: %+v", rr.Fanout)
	}
	if _, err := ts.st.GetUser(ctx, `7`); err != store.ErrNotFound {
		t.Fatalf("user survived the cascade: %v", err)
	}
	row, ok, err := ts.q.DequeueNext(ctx, `A02`)
	if err != nil || !ok {
		t.Fatalf("no delete command queued: %v", err)
	}
	if got := string(row.Payload); got != `DATA DELETE USERINFO PIN=7` {
		t.Fatalf("bad delete payload: %q", got)
	}
}

func TestRawCommandRepair(t *testing.T) {
	ts := newStack(t, `rawcmd`, nil)
	ts.initTerm(t, `A01`)
	ctx := context.Background()

	// spaces between fields come back as canonical tabs
	req := CommandRequest{Payload: `DATA UPDATE BIODATA Pin=9 No=0 Index=0 Valid=1 Duress=0 Type=1 MajorVer=0 MinorVer=0 Format=ZK Tmp=QUJD`}
	w := do(t, ts.srv, http.MethodPost, `/api/terminals/A01/commands`, req, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("raw command got %d: %s", w.Code, w.Body.String())
	}
	var er EnqueueResponse
	decode(t, w, &er)
	want := "DATA UPDATE BIODATA Pin=9\tNo=0\tIndex=0\tValid=1\tDuress=0\tType=1\tMajorVer=0\tMinorVer=0\tFormat=ZK\tTmp=QUJD"
	if er.Payload != want {
		t.Fatalf("repair mismatch:\n got %q\nwant %q", er.Payload, want)
	}
	if len(er.ID) != 16 {
		t.Fatalf("bad command id %q", er.ID)
	}
	row, ok, err := ts.q.DequeueNext(ctx, `A01`)
	if err != nil || !ok {
		t.Fatalf("row not queued: %v", err)
	}
	if string(row.Payload) != want {
		t.Fatalf("stored payload differs: %q", row.Payload)
	}

	// a BIODATA update without a Pin cannot be repaired
	req = CommandRequest{Payload: `DATA UPDATE BIODATA No=0 Tmp=AAAA`}
	if w = do(t, ts.srv, http.MethodPost, `/api/terminals/A01/commands`, req, nil); w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("unrepairable payload got %d", w.Code)
	}
	// so does an empty one
	req = CommandRequest{Payload: "   "}
	if w = do(t, ts.srv, http.MethodPost, `/api/terminals/A01/commands`, req, nil); w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("empty payload got %d", w.Code)
	}
	// unknown terminals don't get queues made for them
	req = CommandRequest{Payload: `REBOOT`}
	if w = do(t, ts.srv, http.MethodPost, `/api/terminals/NOPE/commands`, req, nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown terminal got %d", w.Code)
	}
}

func TestControlActions(t *testing.T) {
	ts := newStack(t, `control`, nil)
	ts.initTerm(t, `A01`)
	tests := []struct {
		action string
		arg    string
		want   string
	}{
		{`reboot`, ``, `REBOOT`},
		{`unlock`, ``, `AC_UNLOCK`},
		{`unalarm`, ``, `AC_UNALARM`},
		{`clear`, `data`, `CLEAR DATA`},
		{`reload`, ``, `RELOAD OPTIONS`},
		{`check`, ``, `CHECK`},
		{`info`, ``, `INFO`},
		{`log`, ``, `LOG`},
	}
	for _, tc := range tests {
		w := do(t, ts.srv, http.MethodPost, `/api/terminals/A01/control`, ControlRequest{Action: tc.action, Arg: tc.arg}, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("%s got %d: %s", tc.action, w.Code, w.Body.String())
		}
		var er EnqueueResponse
		decode(t, w, &er)
		if er.Payload != tc.want {
			t.Fatalf("%s payload %q, want %q", tc.action, er.Payload, tc.want)
		}
	}
	if w := do(t, ts.srv, http.MethodPost, `/api/terminals/A01/control`, ControlRequest{Action: `explode`}, nil); w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("unknown action got %d", w.Code)
	}
	if w := do(t, ts.srv, http.MethodPost, `/api/terminals/A01/control`, ControlRequest{Action: `clear`, Arg: `everything`}, nil); w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("bad clear scope got %d", w.Code)
	}
	// eight commands queued
	if pending, _, _, err := ts.q.Counts(context.Background(), `A01`); err != nil {
		t.Fatal(err)
	} else if pending != 8 {
		t.Fatalf("expected 8 pending, got %d", pending)
	}
}

func TestQueueView(t *testing.T) {
	ts := newStack(t, `queueview`, nil)
	ts.initTerm(t, `A01`)
	for i := 0; i < 3; i++ {
		w := do(t, ts.srv, http.MethodPost, `/api/terminals/A01/control`, ControlRequest{Action: `check`}, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("enqueue %d got %d", i, w.Code)
		}
	}
	w := do(t, ts.srv, http.MethodGet, `/api/terminals/A01/queue?limit=2`, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("queue view got %d", w.Code)
	}
	var qs QueueStatus
	decode(t, w, &qs)
	if qs.Pending != 3 || qs.Sent != 0 || qs.Done != 0 {
		t.Fatalf("bad counts: %+v", qs)
	}
	if len(qs.History) != 2 {
		t.Fatalf("limit ignored, got %d rows", len(qs.History))
	}
	for _, row := range qs.History {
		if row.Payload != `CHECK` || row.State != queue.StatePending {
			t.Fatalf("bad history row: %+v", row)
		}
	}
}

func TestQueuePurge(t *testing.T) {
	ts := newStack(t, `queuepurge`, nil)
	ts.initTerm(t, `A01`)
	for i := 0; i < 3; i++ {
		w := do(t, ts.srv, http.MethodPost, `/api/terminals/A01/control`, ControlRequest{Action: `check`}, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("enqueue %d got %d", i, w.Code)
		}
	}
	w := do(t, ts.srv, http.MethodDelete, `/api/terminals/A01/queue`, nil, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("purge got %d", w.Code)
	}
	if pending, sent, done, err := ts.q.Counts(context.Background(), `A01`); err != nil {
		t.Fatal(err)
	} else if pending+sent+done != 0 {
		t.Fatalf("queue not empty after purge: %d/%d/%d", pending, sent, done)
	}
	w = do(t, ts.srv, http.MethodDelete, `/api/terminals/NOPE/queue`, nil, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("purge of unknown terminal got %d", w.Code)
	}
}

func TestTerminalRecords(t *testing.T) {
	ts := newStack(t, `termrecords`, nil)
	ts.initTerm(t, `A01`)
	ts.initTerm(t, `A02`)
	ctx := context.Background()
	if err := ts.st.UpsertUser(ctx, store.User{PIN: `1`, Name: `A`, Verify: -1, Source: `A01`}); err != nil {
		t.Fatal(err)
	}
	if err := ts.st.UpsertBiometric(ctx, store.Biometric{PIN: `1`, Type: 1, Valid: 1, Template: `QUJD`, Source: `A01`}); err != nil {
		t.Fatal(err)
	}
	if err := ts.st.UpsertUser(ctx, store.User{PIN: `2`, Name: `B`, Verify: -1, Source: `A02`}); err != nil {
		t.Fatal(err)
	}
	w := do(t, ts.srv, http.MethodGet, `/api/terminals/A01/records`, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("records got %d: %s", w.Code, w.Body.String())
	}
	var tr TerminalRecords
	decode(t, w, &tr)
	if tr.SN != `A01` || tr.Total != 2 {
		t.Fatalf("bad snapshot: %+v", tr)
	}
	if len(tr.Users) != 1 || tr.Users[0].PIN != `1` {
		t.Fatalf("bad user rows: %+v", tr.Users)
	}
	if len(tr.Biometrics) != 1 || tr.Biometrics[0].Template != `QUJD` {
		t.Fatalf("bad biometric rows: %+v", tr.Biometrics)
	}
	if w = do(t, ts.srv, http.MethodGet, `/api/terminals/NOPE/records`, nil, nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown terminal got %d", w.Code)
	}
}

func TestBiometricPushAndDelete(t *testing.T) {
	ts := newStack(t, `biopush`, nil)
	ts.initTerm(t, `A01`)
	ctx := context.Background()
	if err := ts.st.UpsertUser(ctx, store.User{PIN: `5`, Name: `E`, Verify: -1}); err != nil {
		t.Fatal(err)
	}

	w := do(t, ts.srv, http.MethodPost, `/api/users/5/biometrics`,
		store.Biometric{Type: 1, No: 2, Valid: 1, Format: `ZK`, Template: `QUJD`}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("push got %d: %s", w.Code, w.Body.String())
	}
	if b, err := ts.st.GetBiometric(ctx, `5`, 1, 2, 0); err != nil {
		t.Fatal(err)
	} else if b.Template != `QUJD` {
		t.Fatalf("bad stored template: %+v", b)
	}
	row, ok, err := ts.q.DequeueNext(ctx, `A01`)
	if err != nil || !ok {
		t.Fatalf("nothing queued: %v", err)
	}
	if !strings.HasPrefix(string(row.Payload), "DATA UPDATE BIODATA Pin=5\tNo=2\t") {
		t.Fatalf("bad payload: %q", row.Payload)
	}

	// invalid template is refused before storage
	w = do(t, ts.srv, http.MethodPost, `/api/users/5/biometrics`,
		store.Biometric{Type: 1, Template: `not base64!!`}, nil)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("bad template got %d", w.Code)
	}

	// narrow delete by type
	w = do(t, ts.srv, http.MethodDelete, `/api/users/5/biometrics?type=1`, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete got %d", w.Code)
	}
	var rr RemovedResponse
	decode(t, w, &rr)
	if rr.Removed != 1 {
		t.Fatalf("removed %d, want 1", rr.Removed)
	}
	if bs, err := ts.st.ListBiometrics(ctx, `5`); err != nil {
		t.Fatal(err)
	} else if len(bs) != 0 {
		t.Fatalf("templates survived: %+v", bs)
	}
	if w = do(t, ts.srv, http.MethodDelete, `/api/users/5/biometrics?type=bogus`, nil, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad type param got %d", w.Code)
	}
}

func TestSyncLogEndpoint(t *testing.T) {
	ts := newStack(t, `synclog`, nil)
	ts.initTerm(t, `A01`)
	w := do(t, ts.srv, http.MethodPost, `/api/users`, store.User{PIN: `3`, Name: `C`, Verify: -1}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("upsert got %d", w.Code)
	}
	w = do(t, ts.srv, http.MethodGet, `/api/synclog?limit=10`, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("synclog got %d", w.Code)
	}
	var es []store.SyncEntry
	decode(t, w, &es)
	if len(es) != 1 {
		t.Fatalf("expected 1 audit row, got %d", len(es))
	}
	if es[0].Target != `A01` || es[0].RecordKey != `3` || es[0].Status != fanout.StatusQueued {
		t.Fatalf("bad audit row: %+v", es[0])
	}
}

func TestGetUserDetail(t *testing.T) {
	ts := newStack(t, `userdetail`, nil)
	ctx := context.Background()
	if err := ts.st.UpsertUser(ctx, store.User{PIN: `8`, Name: `H`, Verify: -1}); err != nil {
		t.Fatal(err)
	}
	if err := ts.st.UpsertBiometric(ctx, store.Biometric{PIN: `8`, Type: 2, Valid: 1, Template: `RkFDRQ==`}); err != nil {
		t.Fatal(err)
	}
	w := do(t, ts.srv, http.MethodGet, `/api/users/8`, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("detail got %d", w.Code)
	}
	var ud UserDetail
	decode(t, w, &ud)
	if ud.User.Name != `H` || len(ud.Biometrics) != 1 || ud.Biometrics[0].Type != 2 {
		t.Fatalf("bad detail: %+v", ud)
	}
	if w = do(t, ts.srv, http.MethodGet, `/api/users/404`, nil, nil); w.Code != http.StatusNotFound {
		t.Fatalf("unknown user got %d", w.Code)
	}
}

func TestBasicAuth(t *testing.T) {
	ts := newStack(t, `basicauth`, func(c *Config) {
		c.Auth = Auth{Auth_Type: `basic`, Username: `admin`, Password: `hunter2`}
	})
	if w := do(t, ts.srv, http.MethodGet, `/api/status`, nil, nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous got %d", w.Code)
	}
	w := do(t, ts.srv, http.MethodGet, `/api/status`, nil, func(r *http.Request) {
		r.SetBasicAuth(`admin`, `hunter2`)
	})
	if w.Code != http.StatusOK {
		t.Fatalf("authorized got %d", w.Code)
	}
	w = do(t, ts.srv, http.MethodGet, `/api/status`, nil, func(r *http.Request) {
		r.SetBasicAuth(`admin`, `wrong`)
	})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("bad password got %d", w.Code)
	}
}

func TestJWTAuth(t *testing.T) {
	ts := newStack(t, `jwtauth`, func(c *Config) {
		c.Auth = Auth{Auth_Type: `jwt`, Username: `ops`, Password: `pw`}
	})
	// bad credentials
	form := url.Values{`username`: {`ops`}, `password`: {`nope`}}
	w := do(t, ts.srv, http.MethodPost, LoginPath, form.Encode(), func(r *http.Request) {
		r.Header.Set(`Content-Type`, `application/x-www-form-urlencoded`)
	})
	if w.Code != http.StatusForbidden {
		t.Fatalf("bad login got %d", w.Code)
	}
	// good credentials hand back a token
	form = url.Values{`username`: {`ops`}, `password`: {`pw`}}
	w = do(t, ts.srv, http.MethodPost, LoginPath, form.Encode(), func(r *http.Request) {
		r.Header.Set(`Content-Type`, `application/x-www-form-urlencoded`)
	})
	if w.Code != http.StatusOK {
		t.Fatalf("login got %d", w.Code)
	}
	token := w.Body.String()
	if token == `` {
		t.Fatal("empty token")
	}
	w = do(t, ts.srv, http.MethodGet, `/api/status`, nil, func(r *http.Request) {
		r.Header.Set(`Authorization`, `Bearer `+token)
	})
	if w.Code != http.StatusOK {
		t.Fatalf("token refused: %d", w.Code)
	}
	w = do(t, ts.srv, http.MethodGet, `/api/status`, nil, func(r *http.Request) {
		r.Header.Set(`Authorization`, `Bearer garbage`)
	})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token got %d", w.Code)
	}
	// no token at all
	if w = do(t, ts.srv, http.MethodGet, `/api/status`, nil, nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous got %d", w.Code)
	}
}

func TestPresharedAuth(t *testing.T) {
	tests := []struct {
		name string
		aut  Auth
		mut  func(*http.Request)
	}{
		{
			name: `token`,
			aut:  Auth{Auth_Type: `preshared-token`, Token_Name: `Bearer`, Token_Value: `sekrit`},
			mut:  func(r *http.Request) { r.Header.Set(`Authorization`, `Bearer sekrit`) },
		},
		{
			name: `parameter`,
			aut:  Auth{Auth_Type: `preshared-parameter`, Token_Name: `apikey`, Token_Value: `sekrit`},
			mut:  nil, //the key rides in the query string
		},
		{
			name: `header`,
			aut:  Auth{Auth_Type: `preshared-header`, Token_Name: `X-Api-Token`, Token_Value: `sekrit`},
			mut:  func(r *http.Request) { r.Header.Set(`X-Api-Token`, `sekrit`) },
		},
	}
	for _, tc := range tests {
		ts := newStack(t, `pre`+tc.name, func(c *Config) { c.Auth = tc.aut })
		if w := do(t, ts.srv, http.MethodGet, `/api/status`, nil, nil); w.Code != http.StatusUnauthorized {
			t.Fatalf("%s: anonymous got %d", tc.name, w.Code)
		}
		target := `/api/status`
		if tc.name == `parameter` {
			target += `?apikey=sekrit`
		}
		if w := do(t, ts.srv, http.MethodGet, target, nil, tc.mut); w.Code != http.StatusOK {
			t.Fatalf("%s: authorized got %d", tc.name, w.Code)
		}
	}
}

func TestLoginDisabledWithoutJWT(t *testing.T) {
	ts := newStack(t, `nologin`, nil)
	if w := do(t, ts.srv, http.MethodPost, LoginPath, ``, nil); w.Code != http.StatusNotFound {
		t.Fatalf("login without auth got %d", w.Code)
	}
}

func TestRouteValidation(t *testing.T) {
	ts := newStack(t, `routes`, nil)
	tests := []struct {
		method string
		target string
		code   int
	}{
		{http.MethodGet, `/api/nope`, http.StatusNotFound},
		{http.MethodGet, `/nowhere`, http.StatusNotFound},
		{http.MethodPost, `/api/status`, http.StatusMethodNotAllowed},
		{http.MethodPut, `/api/terminals`, http.StatusMethodNotAllowed},
		{http.MethodGet, `/api/terminals/A01/bogus`, http.StatusNotFound},
		{http.MethodPost, `/api/terminals/A01/records`, http.StatusMethodNotAllowed},
		{http.MethodPost, `/api/synclog`, http.StatusMethodNotAllowed},
	}
	for _, tc := range tests {
		if w := do(t, ts.srv, tc.method, tc.target, nil, nil); w.Code != tc.code {
			t.Fatalf("%s %s: got %d, want %d", tc.method, tc.target, w.Code, tc.code)
		}
	}
}
