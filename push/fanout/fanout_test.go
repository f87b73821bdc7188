/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package fanout

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/daniel-mekuria/zk-server/push/command"
	"github.com/daniel-mekuria/zk-server/push/log"
	"github.com/daniel-mekuria/zk-server/push/queue"
	"github.com/daniel-mekuria/zk-server/push/registry"
	"github.com/daniel-mekuria/zk-server/push/store"
	"github.com/daniel-mekuria/zk-server/push/wire"
)

var (
	tempPath string
)

func TestMain(m *testing.M) {
	var err error
	if tempPath, err = os.MkdirTemp(os.TempDir(), `zkfanout`); err != nil {
		os.Exit(-1)
	}
	r := m.Run()
	os.RemoveAll(tempPath)
	os.Exit(r)
}

func newSyncer(t *testing.T, name string) (*Syncer, *store.Store, *registry.Registry, *queue.Queue) {
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
	return New(st, reg, q, lg), st, reg, q
}

func initTerm(t *testing.T, reg *registry.Registry, sn string) {
	t.Helper()
	if _, _, err := reg.Init(context.Background(), registry.InitRequest{SN: sn, PushVer: `2.4.1`}); err != nil {
		t.Fatal(err)
	}
}

func records(t *testing.T, body string) []wire.Record {
	t.Helper()
	recs := wire.ParseRecords([]byte(body))
	if len(recs) == 0 {
		t.Fatal("no records parsed")
	}
	return recs
}

func TestSyncUserToPeers(t *testing.T) {
	s, st, reg, q := newSyncer(t, `user`)
	ctx := context.Background()
	initTerm(t, reg, `A01`)
	initTerm(t, reg, `A02`)
	initTerm(t, reg, `A03`)

	recs := records(t, "USER PIN=1001\tName=Alice\tPri=0\tPasswd=\tCard=\tGrp=1\tTZ=0000000000000000\tVerify=-1\tViceCard=")
	tot, err := s.Sync(ctx, `A01`, recs)
	if err != nil {
		t.Fatal(err)
	}
	if tot.Peers != 2 || tot.Queued != 2 || tot.Skipped != 0 || tot.Failed != 0 {
		t.Fatalf("bad totals: %+v", tot)
	}

	// source queue must stay empty, both peers get exactly one command
	if n, err := q.PendingCount(ctx, `A01`); err != nil || n != 0 {
		t.Fatalf("source got a command: %d %v", n, err)
	}
	for _, sn := range []string{`A02`, `A03`} {
		row, ok, err := q.DequeueNext(ctx, sn)
		if err != nil {
			t.Fatal(err)
		} else if !ok {
			t.Fatalf("%s: no command queued", sn)
		}
		if !bytes.HasPrefix(row.Payload, []byte("DATA UPDATE USERINFO PIN=1001\tName=Alice\t")) {
			t.Fatalf("%s: bad payload %q", sn, row.Payload)
		}
		if _, ok, err = q.DequeueNext(ctx, sn); err != nil || ok {
			t.Fatalf("%s: extra command queued", sn)
		}
	}

	// exactly one audit row per peer
	es, err := st.SyncLog(ctx, 0)
	if err != nil {
		t.Fatal(err)
	} else if len(es) != 2 {
		t.Fatalf("expected 2 audit rows, got %d", len(es))
	}
	seen := map[string]bool{}
	for _, e := range es {
		if e.Source != `A01` || e.RecordType != `USER` || e.RecordKey != `1001` ||
			e.Action != ActionSync || e.Status != StatusQueued {
			t.Fatalf("bad audit row: %+v", e)
		}
		seen[e.Target] = true
	}
	if !seen[`A02`] || !seen[`A03`] {
		t.Fatalf("audit rows missing a peer: %+v", seen)
	}
}

func TestUnificationLaw(t *testing.T) {
	s, _, reg, q := newSyncer(t, `unify`)
	ctx := context.Background()
	initTerm(t, reg, `A01`)
	initTerm(t, reg, `A02`)

	legacy := records(t, "FP PIN=1001\tFID=3\tSize=512\tValid=1\tTMP=AAAA")
	if _, err := s.Sync(ctx, `A01`, legacy); err != nil {
		t.Fatal(err)
	}
	unified := records(t, "BIODATA Pin=1001\tNo=3\tIndex=0\tValid=1\tDuress=0\tType=1\tMajorVer=0\tMinorVer=0\tFormat=ZK\tTmp=AAAA")
	if _, err := s.Sync(ctx, `A01`, unified); err != nil {
		t.Fatal(err)
	}

	want := "DATA UPDATE BIODATA Pin=1001\tNo=3\tIndex=0\tValid=1\tDuress=0\tType=1\tMajorVer=0\tMinorVer=0\tFormat=ZK\tTmp=AAAA"
	var got []string
	for {
		row, ok, err := q.DequeueNext(ctx, `A02`)
		if err != nil {
			t.Fatal(err)
		} else if !ok {
			break
		}
		got = append(got, string(row.Payload))
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 commands, got %d", len(got))
	}
	if got[0] != want {
		t.Fatalf("legacy path emitted %q", got[0])
	}
	if got[0] != got[1] {
		t.Fatalf("legacy and unified paths diverge:\n%q\n%q", got[0], got[1])
	}
	if strings.Count(got[0], "\t") != 9 {
		t.Fatalf("expected 9 tabs, got %d", strings.Count(got[0], "\t"))
	}
}

func TestSyncSkipsInvalid(t *testing.T) {
	s, st, reg, q := newSyncer(t, `skips`)
	ctx := context.Background()
	initTerm(t, reg, `A01`)
	initTerm(t, reg, `A02`)

	// one good record, one bad template, one missing pin
	body := "USER PIN=7\tName=Bob\n" +
		"FP PIN=7\tFID=1\tValid=1\tTMP=not!base64\n" +
		"FP FID=2\tValid=1\tTMP=AAAA"
	tot, err := s.Sync(ctx, `A01`, records(t, body))
	if err != nil {
		t.Fatal(err)
	}
	if tot.Peers != 1 || tot.Queued != 1 || tot.Skipped != 2 || tot.Failed != 0 {
		t.Fatalf("bad totals: %+v", tot)
	}
	if n, err := q.PendingCount(ctx, `A02`); err != nil || n != 1 {
		t.Fatalf("peer queue: %d %v", n, err)
	}
	es, err := st.SyncLog(ctx, 0)
	if err != nil {
		t.Fatal(err)
	} else if len(es) != 3 {
		t.Fatalf("expected 3 audit rows, got %d", len(es))
	}
	var skipped int
	for _, e := range es {
		if strings.HasPrefix(e.Status, StatusSkipped+`: `) {
			skipped++
			if len(e.Status) <= len(StatusSkipped)+2 {
				t.Fatalf("skip row carries no reason: %+v", e)
			}
		}
	}
	if skipped != 2 {
		t.Fatalf("expected 2 skip rows, got %d", skipped)
	}
}

func TestSyncExcludesInactive(t *testing.T) {
	s, st, reg, q := newSyncer(t, `inactive`)
	ctx := context.Background()
	// a terminal last seen an hour ago is outside the active window
	stale := store.Terminal{SN: `OLD`, LastSeen: time.Now().Add(-time.Hour)}
	if err := st.UpsertTerminal(ctx, stale); err != nil {
		t.Fatal(err)
	}
	initTerm(t, reg, `A01`)
	initTerm(t, reg, `A02`)
	// reload so the stale row is in the cache too
	reg2, err := registry.New(st, 0, log.NewDiscardLogger())
	if err != nil {
		t.Fatal(err)
	}
	s = New(st, reg2, q, log.NewDiscardLogger())

	tot, err := s.Sync(ctx, `A01`, records(t, "USER PIN=5\tName=Eve"))
	if err != nil {
		t.Fatal(err)
	}
	if tot.Peers != 1 || tot.Queued != 1 {
		t.Fatalf("bad totals: %+v", tot)
	}
	if n, err := q.PendingCount(ctx, `OLD`); err != nil || n != 0 {
		t.Fatalf("inactive terminal got a command: %d %v", n, err)
	}
}

func TestSyncNoPeers(t *testing.T) {
	s, st, reg, _ := newSyncer(t, `nopeers`)
	ctx := context.Background()
	initTerm(t, reg, `A01`)
	tot, err := s.Sync(ctx, `A01`, records(t, "USER PIN=5\tName=Eve"))
	if err != nil {
		t.Fatal(err)
	}
	if tot.Peers != 0 || tot.Queued != 0 {
		t.Fatalf("bad totals: %+v", tot)
	}
	if es, err := st.SyncLog(ctx, 0); err != nil {
		t.Fatal(err)
	} else if len(es) != 0 {
		t.Fatalf("audit rows with no peers: %+v", es)
	}
}

func TestSyncOrderWithinPeer(t *testing.T) {
	s, _, reg, q := newSyncer(t, `order`)
	ctx := context.Background()
	initTerm(t, reg, `A01`)
	initTerm(t, reg, `A02`)

	body := "USER PIN=9\tName=Nmn\n" +
		"FP PIN=9\tFID=0\tValid=1\tTMP=QQQQ"
	if _, err := s.Sync(ctx, `A01`, records(t, body)); err != nil {
		t.Fatal(err)
	}
	first, ok, err := q.DequeueNext(ctx, `A02`)
	if err != nil || !ok {
		t.Fatalf("first dequeue: %v %v", ok, err)
	}
	second, ok, err := q.DequeueNext(ctx, `A02`)
	if err != nil || !ok {
		t.Fatalf("second dequeue: %v %v", ok, err)
	}
	if !bytes.HasPrefix(first.Payload, []byte(`DATA UPDATE USERINFO `)) {
		t.Fatalf("user record must land first: %q", first.Payload)
	}
	if !bytes.HasPrefix(second.Payload, []byte(`DATA UPDATE BIODATA `)) {
		t.Fatalf("template must land second: %q", second.Payload)
	}
}

func TestPushOperatorDelete(t *testing.T) {
	s, st, reg, q := newSyncer(t, `push`)
	ctx := context.Background()
	initTerm(t, reg, `A01`)
	initTerm(t, reg, `A02`)

	it, err := command.DeleteUser(`1001`)
	if err != nil {
		t.Fatal(err)
	}
	tot, err := s.Push(ctx, ``, []Op{{Item: it, Type: wire.TagUser, Key: `1001`, Action: ActionDelete}})
	if err != nil {
		t.Fatal(err)
	}
	// empty source targets the whole active fleet
	if tot.Peers != 2 || tot.Queued != 2 {
		t.Fatalf("bad totals: %+v", tot)
	}
	for _, sn := range []string{`A01`, `A02`} {
		row, ok, err := q.DequeueNext(ctx, sn)
		if err != nil || !ok {
			t.Fatalf("%s: missing command: %v %v", sn, ok, err)
		}
		if string(row.Payload) != `DATA DELETE USERINFO PIN=1001` {
			t.Fatalf("%s: bad payload %q", sn, row.Payload)
		}
	}
	es, err := st.SyncLog(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range es {
		if e.Action != ActionDelete || e.Status != StatusQueued {
			t.Fatalf("bad audit row: %+v", e)
		}
	}
}

func TestSyncPhotoRecords(t *testing.T) {
	s, _, reg, q := newSyncer(t, `photos`)
	ctx := context.Background()
	initTerm(t, reg, `A01`)
	initTerm(t, reg, `A02`)

	body := "USERPIC PIN=4\tFileName=4.jpg\tSize=4\tContent=AAAA\n" +
		"BIOPHOTO PIN=4\tType=9\tFileName=4v.jpg\tSize=4\tContent=BBBB"
	tot, err := s.Sync(ctx, `A01`, records(t, body))
	if err != nil {
		t.Fatal(err)
	}
	if tot.Queued != 2 {
		t.Fatalf("bad totals: %+v", tot)
	}
	first, _, err := q.DequeueNext(ctx, `A02`)
	if err != nil {
		t.Fatal(err)
	}
	second, _, err := q.DequeueNext(ctx, `A02`)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(first.Payload, []byte(`DATA UPDATE USERPIC PIN=4`)) {
		t.Fatalf("bad userpic payload: %q", first.Payload)
	}
	if !bytes.HasPrefix(second.Payload, []byte(`DATA UPDATE BIOPHOTO PIN=4`)) {
		t.Fatalf("bad biophoto payload: %q", second.Payload)
	}
}

func TestUnify(t *testing.T) {
	cases := []struct {
		line string
		want store.Biometric
	}{
		{
			line: "FP PIN=1\tFID=2\tSize=9\tValid=1\tTMP=AAAA",
			want: store.Biometric{PIN: `1`, Type: wire.BioFingerprint, No: 2, Valid: 1, Format: `ZK`, Template: `AAAA`},
		},
		{
			line: "FACE PIN=1\tFID=0\tSIZE=9\tVALID=1\tTMP=BBBB",
			want: store.Biometric{PIN: `1`, Type: wire.BioFace, Valid: 1, Format: `ZK`, Template: `BBBB`},
		},
		{
			line: "FVEIN Pin=1\tFID=4\tIndex=2\tSize=9\tValid=1\tTmp=CCCC",
			want: store.Biometric{PIN: `1`, Type: wire.BioFingerVein, No: 4, Index: 2, Valid: 1, Format: `ZK`, Template: `CCCC`},
		},
		{
			line: "BIODATA Pin=1\tNo=0\tIndex=0\tValid=1\tDuress=1\tType=2\tMajorVer=5\tMinorVer=8\tFormat=0\tTmp=DDDD",
			want: store.Biometric{PIN: `1`, Type: wire.BioFace, Valid: 1, Duress: 1, MajorVer: 5, MinorVer: 8, Format: `0`, Template: `DDDD`},
		},
	}
	for _, c := range cases {
		recs := wire.ParseRecords([]byte(c.line))
		if len(recs) != 1 {
			t.Fatalf("%q: parse failure", c.line)
		}
		got, err := Unify(recs[0])
		if err != nil {
			t.Fatalf("%q: %v", c.line, err)
		}
		if got != c.want {
			t.Fatalf("%q:\n got %+v\nwant %+v", c.line, got, c.want)
		}
	}
	if _, err := Unify(wire.Record{Tag: wire.TagUser}); err == nil {
		t.Fatal("unify accepted a non-biometric tag")
	}
}

func TestSyncUnknownTagSkipped(t *testing.T) {
	s, _, reg, q := newSyncer(t, `unknown`)
	ctx := context.Background()
	initTerm(t, reg, `A01`)
	initTerm(t, reg, `A02`)

	tot, err := s.Sync(ctx, `A01`, records(t, "ERRORLOG ErrCode=5\tErrMsg=bad\tDataOrigin=BIODATA"))
	if err != nil {
		t.Fatal(err)
	}
	if tot.Skipped != 1 || tot.Queued != 0 {
		t.Fatalf("bad totals: %+v", tot)
	}
	if n, err := q.PendingCount(ctx, `A02`); err != nil || n != 0 {
		t.Fatalf("error log fanned out: %d %v", n, err)
	}
}
