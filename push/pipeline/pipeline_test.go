/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/daniel-mekuria/zk-server/push/fanout"
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
	if tempPath, err = os.MkdirTemp(os.TempDir(), `zkpipeline`); err != nil {
		os.Exit(-1)
	}
	r := m.Run()
	os.RemoveAll(tempPath)
	os.Exit(r)
}

func newProcessor(t *testing.T, name string, sw Switches) (*Processor, *store.Store, *registry.Registry, *queue.Queue) {
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
	return New(st, reg, fo, sw, lg), st, reg, q
}

func initTerm(t *testing.T, reg *registry.Registry, sn string) {
	t.Helper()
	if _, _, err := reg.Init(context.Background(), registry.InitRequest{SN: sn, PushVer: `2.4.1`}); err != nil {
		t.Fatal(err)
	}
}

func drain(t *testing.T, q *queue.Queue, sn string) (payloads []string) {
	t.Helper()
	for {
		row, ok, err := q.DequeueNext(context.Background(), sn)
		if err != nil {
			t.Fatal(err)
		} else if !ok {
			return
		}
		payloads = append(payloads, string(row.Payload))
	}
}

func TestProcessUserUpload(t *testing.T) {
	p, st, reg, q := newProcessor(t, `user`, Switches{})
	ctx := context.Background()
	initTerm(t, reg, `A01`)
	initTerm(t, reg, `A02`)

	body := []byte("USER PIN=1001\tName=Alice\tPri=0\tPasswd=\tCard=\tGrp=1\tTZ=0000000000000000\tVerify=-1\tViceCard=")
	res, err := p.Process(ctx, `A01`, `OPERLOG`, body)
	if err != nil {
		t.Fatal(err)
	}
	if res.Accepted != 1 || res.Dropped != 0 || res.WireErr != nil {
		t.Fatalf("bad result: %+v", res)
	}

	u, err := st.GetUser(ctx, `1001`)
	if err != nil {
		t.Fatal(err)
	}
	if u.Name != `Alice` || u.Source != `A01` || u.Verify != -1 {
		t.Fatalf("bad stored user: %+v", u)
	}

	got := drain(t, q, `A02`)
	if len(got) != 1 || !strings.HasPrefix(got[0], "DATA UPDATE USERINFO PIN=1001\tName=Alice\t") {
		t.Fatalf("bad peer commands: %q", got)
	}

	es, err := st.SyncLog(ctx, 0)
	if err != nil {
		t.Fatal(err)
	} else if len(es) != 1 {
		t.Fatalf("expected 1 audit row, got %d", len(es))
	}
	e := es[0]
	if e.Source != `A01` || e.Target != `A02` || e.RecordType != `USER` ||
		e.RecordKey != `1001` || e.Action != `sync` || e.Status != `queued` {
		t.Fatalf("bad audit row: %+v", e)
	}

	// ingest is an idempotent upsert, running the same body again may not
	// duplicate the user row
	if res, err = p.Process(ctx, `A01`, `OPERLOG`, body); err != nil || res.Accepted != 1 {
		t.Fatalf("re-upload: %+v %v", res, err)
	}
	us, err := st.ListUsers(ctx, ``)
	if err != nil {
		t.Fatal(err)
	} else if len(us) != 1 {
		t.Fatalf("duplicate user rows: %d", len(us))
	}
}

func TestProcessLegacyUnification(t *testing.T) {
	p, st, reg, q := newProcessor(t, `legacy`, Switches{})
	ctx := context.Background()
	initTerm(t, reg, `A01`)
	initTerm(t, reg, `A02`)

	res, err := p.Process(ctx, `A01`, `OPERLOG`, []byte("FP PIN=1001\tFID=3\tSize=512\tValid=1\tTMP=AAAA"))
	if err != nil {
		t.Fatal(err)
	} else if res.Accepted != 1 {
		t.Fatalf("bad result: %+v", res)
	}

	// stored in the unified form
	b, err := st.GetBiometric(ctx, `1001`, wire.BioFingerprint, 3, 0)
	if err != nil {
		t.Fatal(err)
	}
	if b.Format != `ZK` || b.Template != `AAAA` || b.Source != `A01` {
		t.Fatalf("bad stored biometric: %+v", b)
	}

	want := "DATA UPDATE BIODATA Pin=1001\tNo=3\tIndex=0\tValid=1\tDuress=0\tType=1\tMajorVer=0\tMinorVer=0\tFormat=ZK\tTmp=AAAA"
	got := drain(t, q, `A02`)
	if len(got) != 1 || got[0] != want {
		t.Fatalf("bad peer commands: %q", got)
	}
	if strings.Count(got[0], "\t") != 9 {
		t.Fatalf("expected 9 tabs, got %d", strings.Count(got[0], "\t"))
	}
}

func TestProcessMixedBatch(t *testing.T) {
	p, st, reg, q := newProcessor(t, `mixed`, Switches{})
	ctx := context.Background()
	initTerm(t, reg, `A01`)
	initTerm(t, reg, `A02`)

	body := strings.Join([]string{
		"USER PIN=7\tName=Gal\tPri=14",
		"FP PIN=7\tFID=1\tSize=4\tValid=1\tTMP=BBBB",
		"WORKCODE PIN=\tCODE=55\tNAME=night",
		"SMS UID=12\tMSG=hello\tTAG=254\tMIN=60\tStartTime=2024-07-01 08:00:00",
		"USER_SMS PIN=7\tUID=12",
		"IDCARD PIN=7\tIDNum=110105\tName=Gal",
	}, "\n")
	res, err := p.Process(ctx, `A01`, `OPERLOG`, []byte(body))
	if err != nil {
		t.Fatal(err)
	}
	if res.Accepted != 6 || res.Dropped != 0 || res.WireErr != nil {
		t.Fatalf("bad result: %+v", res)
	}

	if _, err = st.GetUser(ctx, `7`); err != nil {
		t.Fatal(err)
	}
	if _, err = st.GetWorkCode(ctx, ``, `55`); err != nil {
		t.Fatal(err)
	}
	if _, err = st.GetMessage(ctx, `12`); err != nil {
		t.Fatal(err)
	}
	if _, err = st.GetIDCard(ctx, `110105`); err != nil {
		t.Fatal(err)
	}

	got := drain(t, q, `A02`)
	if len(got) != 6 {
		t.Fatalf("expected 6 peer commands, got %d: %q", len(got), got)
	}
	// enqueue order mirrors upload order
	prefixes := []string{
		`DATA UPDATE USERINFO `,
		`DATA UPDATE BIODATA `,
		`DATA UPDATE WORKCODE `,
		`DATA UPDATE SMS `,
		`DATA UPDATE USER_SMS `,
		`DATA UPDATE IDCARD `,
	}
	for i, pfx := range prefixes {
		if !strings.HasPrefix(got[i], pfx) {
			t.Fatalf("command %d: want prefix %q, got %q", i, pfx, got[i])
		}
	}
}

func TestProcessValidationDrop(t *testing.T) {
	p, st, reg, q := newProcessor(t, `drop`, Switches{})
	ctx := context.Background()
	initTerm(t, reg, `A01`)
	initTerm(t, reg, `A02`)

	body := "USER PIN=9\tName=Ok\nFP PIN=9\tFID=1\tValid=1\tTMP=bad!blob"
	res, err := p.Process(ctx, `A01`, `OPERLOG`, []byte(body))
	if err != nil {
		t.Fatal(err)
	}
	if res.Accepted != 1 || res.Dropped != 1 || res.WireErr != nil {
		t.Fatalf("bad result: %+v", res)
	}
	if bs, err := st.ListBiometrics(ctx, `9`); err != nil {
		t.Fatal(err)
	} else if len(bs) != 0 {
		t.Fatalf("invalid template stored: %+v", bs)
	}
	if got := drain(t, q, `A02`); len(got) != 1 {
		t.Fatalf("dropped record fanned out: %q", got)
	}

	// the drop leaves an audit row naming the reason
	es, err := st.SyncLog(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, e := range es {
		if e.Action == `ingest` && strings.HasPrefix(e.Status, `skipped: `) && e.RecordType == `FP` {
			found = true
		}
	}
	if !found {
		t.Fatalf("no skip audit row: %+v", es)
	}
}

func TestProcessWireError(t *testing.T) {
	p, st, reg, q := newProcessor(t, `wireerr`, Switches{})
	ctx := context.Background()
	initTerm(t, reg, `A01`)
	initTerm(t, reg, `A02`)

	body := "USER PIN=1\tName=One\nGARBAGE xyz\nUSER PIN=2\tName=Two"
	res, err := p.Process(ctx, `A01`, `OPERLOG`, []byte(body))
	if err != nil {
		t.Fatal(err)
	}
	if res.WireErr == nil {
		t.Fatal("malformed record not reported")
	}
	if !errors.Is(res.WireErr, wire.ErrUnknownTag) {
		t.Fatalf("wrong wire error: %v", res.WireErr)
	}
	// partial ingest: the first record landed, the rest did not
	if res.Accepted != 1 {
		t.Fatalf("bad accepted count: %+v", res)
	}
	if _, err = st.GetUser(ctx, `1`); err != nil {
		t.Fatal(err)
	}
	if _, err = st.GetUser(ctx, `2`); err != store.ErrNotFound {
		t.Fatalf("record after the wire error was ingested: %v", err)
	}
	if got := drain(t, q, `A02`); len(got) != 1 {
		t.Fatalf("bad peer commands: %q", got)
	}
}

func TestProcessErrorLog(t *testing.T) {
	p, st, reg, q := newProcessor(t, `errorlog`, Switches{})
	ctx := context.Background()
	initTerm(t, reg, `A01`)
	initTerm(t, reg, `A02`)

	body := "ERRORLOG ErrCode=-9\tErrMsg=template size\tDataOrigin=BIODATA\tCmdId=abc123\tAdditional="
	res, err := p.Process(ctx, `A01`, `OPERLOG`, []byte(body))
	if err != nil {
		t.Fatal(err)
	}
	if res.Accepted != 1 {
		t.Fatalf("bad result: %+v", res)
	}
	// logged, never propagated
	if got := drain(t, q, `A02`); len(got) != 0 {
		t.Fatalf("error log fanned out: %q", got)
	}
	es, err := st.SyncLog(ctx, 0)
	if err != nil {
		t.Fatal(err)
	} else if len(es) != 1 {
		t.Fatalf("expected 1 audit row, got %d", len(es))
	}
	e := es[0]
	if e.Action != `BIODATA:template size` || e.Status != `logged` || e.RecordKey != `abc123` {
		t.Fatalf("bad audit row: %+v", e)
	}
}

func TestProcessAttendanceAck(t *testing.T) {
	p, st, reg, q := newProcessor(t, `attlog`, Switches{})
	ctx := context.Background()
	initTerm(t, reg, `A01`)
	initTerm(t, reg, `A02`)

	body := "1001\t2024-07-01 08:59:01\t0\t1\n1002\t2024-07-01 09:00:14\t0\t1\n\n1003\t2024-07-01 09:01:55\t0\t1\n"
	res, err := p.Process(ctx, `A01`, `ATTLOG`, []byte(body))
	if err != nil {
		t.Fatal(err)
	}
	if res.Accepted != 3 || res.WireErr != nil {
		t.Fatalf("bad result: %+v", res)
	}
	// acknowledged and discarded
	if us, err := st.ListUsers(ctx, ``); err != nil || len(us) != 0 {
		t.Fatalf("attendance stored something: %v %v", us, err)
	}
	if got := drain(t, q, `A02`); len(got) != 0 {
		t.Fatalf("attendance fanned out: %q", got)
	}
}

func TestProcessOptionsUpload(t *testing.T) {
	p, _, reg, _ := newProcessor(t, `options`, Switches{})
	ctx := context.Background()
	initTerm(t, reg, `A01`)

	body := "~DeviceName=F18,LockCount=1,MultiBioDataSupport=0:1:1:0:0:0:0:1:1:1,FPVersion=10"
	res, err := p.Process(ctx, `A01`, `options`, []byte(body))
	if err != nil {
		t.Fatal(err)
	}
	if res.Accepted != 4 {
		t.Fatalf("bad result: %+v", res)
	}
	term, ok := reg.Get(`A01`)
	if !ok {
		t.Fatal("terminal missing")
	}
	if term.Options[`DeviceName`] != `F18` || term.Options[`FPVersion`] != `10` {
		t.Fatalf("options not recorded: %+v", term.Options)
	}
	if reg.MultiBioDataMask(`A01`) != `0:1:1:0:0:0:0:1:1:1` {
		t.Fatalf("bad mask: %q", reg.MultiBioDataMask(`A01`))
	}
}

func TestProcessUnknownTable(t *testing.T) {
	p, _, reg, _ := newProcessor(t, `badtable`, Switches{})
	ctx := context.Background()
	initTerm(t, reg, `A01`)

	res, err := p.Process(ctx, `A01`, `BOGUS`, []byte(`x`))
	if err != nil {
		t.Fatal(err)
	}
	if res.WireErr == nil || !errors.Is(res.WireErr, ErrUnknownTable) {
		t.Fatalf("unknown table accepted: %+v", res)
	}
}

func TestPhotoSwitches(t *testing.T) {
	ctx := context.Background()
	body := []byte("USERPIC PIN=4\tFileName=4.jpg\tSize=4\tContent=AAAA\nBIOPHOTO PIN=4\tType=9\tSize=4\tContent=BBBB")

	// default policy: stored, never fanned
	p, st, reg, q := newProcessor(t, `photooff`, Switches{})
	initTerm(t, reg, `A01`)
	initTerm(t, reg, `A02`)
	res, err := p.Process(ctx, `A01`, `OPERLOG`, body)
	if err != nil {
		t.Fatal(err)
	}
	if res.Accepted != 2 {
		t.Fatalf("bad result: %+v", res)
	}
	if _, err = st.GetUserPic(ctx, `4`); err != nil {
		t.Fatal(err)
	}
	if _, err = st.GetBioPhoto(ctx, `4`, wire.BioVisibleFace); err != nil {
		t.Fatal(err)
	}
	if got := drain(t, q, `A02`); len(got) != 0 {
		t.Fatalf("photos fanned with switches off: %q", got)
	}

	// switches on: photos propagate too
	p, _, reg, q = newProcessor(t, `photoon`, Switches{SyncUserPics: true, SyncBioPhotos: true})
	initTerm(t, reg, `A01`)
	initTerm(t, reg, `A02`)
	if res, err = p.Process(ctx, `A01`, `OPERLOG`, body); err != nil || res.Accepted != 2 {
		t.Fatalf("bad result: %+v %v", res, err)
	}
	got := drain(t, q, `A02`)
	if len(got) != 2 {
		t.Fatalf("photos not fanned with switches on: %q", got)
	}
	if !strings.HasPrefix(got[0], `DATA UPDATE USERPIC `) || !strings.HasPrefix(got[1], `DATA UPDATE BIOPHOTO `) {
		t.Fatalf("bad photo commands: %q", got)
	}
}

func TestProcessSpacedBioData(t *testing.T) {
	p, st, reg, q := newProcessor(t, `spaced`, Switches{})
	ctx := context.Background()
	initTerm(t, reg, `A01`)
	initTerm(t, reg, `A02`)

	// collapsed tabs, numeric format marker, template with base64 padding
	body := "BIODATA Pin=5 No=1 Index=0 Valid=1 Duress=0 Type=2 MajorVer=39 MinorVer=0 Format=0 Tmp=XYZ+/=="
	res, err := p.Process(ctx, `A01`, `BIODATA`, []byte(body))
	if err != nil {
		t.Fatal(err)
	}
	if res.Accepted != 1 || res.WireErr != nil {
		t.Fatalf("bad result: %+v", res)
	}
	b, err := st.GetBiometric(ctx, `5`, wire.BioFace, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	// format marker passes through verbatim, template survives byte-for-byte
	if b.Format != `0` || b.Template != `XYZ+/==` || b.MajorVer != 39 {
		t.Fatalf("bad stored biometric: %+v", b)
	}
	want := "DATA UPDATE BIODATA Pin=5\tNo=1\tIndex=0\tValid=1\tDuress=0\tType=2\tMajorVer=39\tMinorVer=0\tFormat=0\tTmp=XYZ+/=="
	got := drain(t, q, `A02`)
	if len(got) != 1 || got[0] != want {
		t.Fatalf("bad peer command:\n got %q\nwant %q", got, want)
	}
}

func TestProcessPostVerifyAck(t *testing.T) {
	p, st, reg, _ := newProcessor(t, `postverify`, Switches{})
	ctx := context.Background()
	initTerm(t, reg, `A01`)

	res, err := p.Process(ctx, `A01`, `PostVerifyData`, []byte("PIN=1\tVerified=1\tCardno=\tUnixTime=1719820800"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Accepted != 1 || res.WireErr != nil {
		t.Fatalf("bad result: %+v", res)
	}
	if us, err := st.ListUsers(ctx, ``); err != nil || len(us) != 0 {
		t.Fatalf("verify data stored something: %v %v", us, err)
	}
}
