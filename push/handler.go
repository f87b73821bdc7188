/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package push implements the terminal-facing HTTP surface of the push
// protocol: the init exchange, batch uploads, command polling, command
// replies, and the heartbeat. Terminals are plain HTTP clients; every
// response is text/plain and uncacheable, and the server never holds a
// request open waiting for work.
package push

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/time/rate"

	"github.com/daniel-mekuria/zk-server/push/log"
	"github.com/daniel-mekuria/zk-server/push/pipeline"
	"github.com/daniel-mekuria/zk-server/push/queue"
	"github.com/daniel-mekuria/zk-server/push/registry"
	"github.com/daniel-mekuria/zk-server/push/store"
	"github.com/daniel-mekuria/zk-server/push/wire"
	"github.com/daniel-mekuria/zk-server/version"
)

// The five protocol resources. Firmware hard-codes these paths.
const (
	PathCData      = `/iclock/cdata`
	PathGetRequest = `/iclock/getrequest`
	PathDeviceCmd  = `/iclock/devicecmd`
	PathPing       = `/iclock/ping`
)

const (
	gzipMagic uint16 = 0x8B1F

	defaultMaxBody = 4 * 1024 * 1024 //4MB
)

var (
	ErrBodyTooLarge   = errors.New("request body too large")
	ErrBadCompression = errors.New("bad gzip body")
	ErrIncompleteConf = errors.New("handler configuration is incomplete")
)

// Config wires a Handler to the components it fronts. Registry, Queue,
// Pipeline, and Store are required; everything else has a usable zero value.
type Config struct {
	Registry *registry.Registry
	Queue    *queue.Queue
	Pipeline *pipeline.Processor
	Store    *store.Store

	MaxBody        int      //upload body cap in bytes, 0 means 4MB
	RateLimit      int64    //record admissions per second across uploads, 0 disables
	AcceptSerial   []string //glob patterns, empty accepts every serial
	TimezoneOffset int      //hours east of UTC handed to terminals

	Logger *log.Logger
}

type endpoint struct {
	get  http.HandlerFunc
	post http.HandlerFunc
}

// Handler serves the /iclock resources. One instance handles the whole
// fleet; all state lives in the store and registry it fronts.
type Handler struct {
	lgr     *log.KVLogger
	reg     *registry.Registry
	q       *queue.Queue
	proc    *pipeline.Processor
	st      *store.Store
	mp      map[string]endpoint
	accept  []glob.Glob
	lim     *rate.Limiter
	maxBody int
	tzOff   int
}

func NewHandler(c Config) (h *Handler, err error) {
	if c.Registry == nil || c.Queue == nil || c.Pipeline == nil || c.Store == nil {
		return nil, ErrIncompleteConf
	}
	lgr := c.Logger
	if lgr == nil {
		lgr = log.NewDiscardLogger()
	}
	h = &Handler{
		lgr:     log.NewLoggerWithKV(lgr, log.KV("component", "push")),
		reg:     c.Registry,
		q:       c.Queue,
		proc:    c.Pipeline,
		st:      c.Store,
		maxBody: c.MaxBody,
		tzOff:   c.TimezoneOffset,
	}
	if h.maxBody <= 0 {
		h.maxBody = defaultMaxBody
	}
	for _, p := range c.AcceptSerial {
		var g glob.Glob
		if g, err = glob.Compile(p); err != nil {
			return nil, fmt.Errorf("bad Accept-Serial pattern %q: %w", p, err)
		}
		h.accept = append(h.accept, g)
	}
	if c.RateLimit > 0 {
		h.lim = rate.NewLimiter(rate.Limit(c.RateLimit), int(c.RateLimit))
	}
	h.mp = map[string]endpoint{
		PathCData:      {get: h.handleExchange, post: h.handleUpload},
		PathGetRequest: {get: h.handlePoll},
		PathDeviceCmd:  {post: h.handleReply},
		PathPing:       {get: h.handlePing},
	}
	return
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	setProtocolHeaders(w.Header())
	ep, ok := h.mp[r.URL.Path]
	if !ok {
		h.lgr.Info("bad request URL",
			log.KV("url", r.URL.Path),
			log.KV("remote", getRemoteAddr(r)))
		w.WriteHeader(http.StatusNotFound)
		return
	}
	var fn http.HandlerFunc
	switch r.Method {
	case http.MethodGet:
		fn = ep.get
	case http.MethodPost:
		fn = ep.post
	}
	if fn == nil {
		h.lgr.Info("bad request method",
			log.KV("url", r.URL.Path),
			log.KV("method", r.Method))
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	sn := strings.TrimSpace(r.URL.Query().Get(`SN`))
	if sn == `` {
		h.lgr.Info("request without serial",
			log.KV("url", r.URL.Path),
			log.KV("remote", getRemoteAddr(r)))
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if !h.accepted(sn) {
		h.lgr.Warn("serial refused by allowlist",
			log.KV("sn", sn),
			log.KV("remote", getRemoteAddr(r)))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	h.reg.Touch(sn)
	fn(w, r)
}

func (h *Handler) accepted(sn string) bool {
	if len(h.accept) == 0 {
		return true
	}
	for _, g := range h.accept {
		if g.Match(sn) {
			return true
		}
	}
	return false
}

// handleExchange serves GET /iclock/cdata: the init option exchange, plus
// the RemoteAtt special case where a terminal asks for one user's row and
// templates instead of options.
func (h *Handler) handleExchange(w http.ResponseWriter, r *http.Request) {
	qv := r.URL.Query()
	sn := strings.TrimSpace(qv.Get(`SN`))
	if wire.NormalTable(qv.Get(`table`)) == wire.TableRemoteAtt {
		h.handleRemoteAtt(w, r, sn, strings.TrimSpace(qv.Get(`PIN`)))
		return
	}
	t, fresh, err := h.reg.Init(r.Context(), registry.InitRequest{
		SN:       sn,
		PushVer:  qv.Get(`pushver`),
		Language: qv.Get(`language`),
		CommKey:  qv.Get(`pushcommkey`),
		Options:  qv.Get(`options`),
	})
	if err != nil {
		h.lgr.Error("terminal init failed", log.KV("sn", sn), log.KVErr(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if fresh {
		h.lgr.Info("terminal registered",
			log.KV("sn", sn),
			log.KV("remote", getRemoteAddr(r)),
			log.KV("pushver", t.PushVersion))
	}
	io.WriteString(w, h.optionsBlock(t))
}

// handleUpload serves POST /iclock/cdata: one multi-record batch for one
// table. Partial ingest on a malformed body still returns 400 so the
// terminal re-submits; upserts make the re-submit harmless.
func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	qv := r.URL.Query()
	sn := strings.TrimSpace(qv.Get(`SN`))
	table := wire.NormalTable(qv.Get(`table`))
	if table == `` {
		h.lgr.Info("upload with unknown table",
			log.KV("sn", sn),
			log.KV("table", qv.Get(`table`)))
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "unknown table %q", qv.Get(`table`))
		return
	}
	body, err := h.readBody(r)
	if err != nil {
		h.uploadReadError(w, sn, err)
		return
	}
	if h.lim != nil {
		if n := uploadLines(body); n > 0 {
			if b := h.lim.Burst(); n > b {
				n = b
			}
			if err = h.lim.WaitN(r.Context(), n); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
		}
	}
	res, err := h.proc.Process(r.Context(), sn, table, body)
	if err != nil {
		h.lgr.Error("upload processing failed",
			log.KV("sn", sn),
			log.KV("table", table),
			log.KVErr(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if res.WireErr != nil {
		// stamp stays put, the terminal will retry from its cursor
		h.lgr.Info("malformed upload",
			log.KV("sn", sn),
			log.KV("table", table),
			log.KV("accepted", res.Accepted),
			log.KVErr(res.WireErr))
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if stamp := strings.TrimSpace(qv.Get(`Stamp`)); stamp != `` {
		if err = h.reg.SetStamp(r.Context(), sn, table, stamp); err != nil {
			h.lgr.Warn("stamp update failed",
				log.KV("sn", sn),
				log.KV("table", table),
				log.KVErr(err))
		}
	}
	if table == wire.TablePostVerify {
		io.WriteString(w, `OK`)
		return
	}
	fmt.Fprintf(w, "OK: %d", res.Accepted)
}

func (h *Handler) uploadReadError(w http.ResponseWriter, sn string, err error) {
	switch err {
	case ErrBodyTooLarge:
		h.lgr.Warn("upload body too large", log.KV("sn", sn))
		w.WriteHeader(http.StatusRequestEntityTooLarge)
	case ErrBadCompression:
		h.lgr.Info("upload body failed to decompress", log.KV("sn", sn))
		w.WriteHeader(http.StatusBadRequest)
	default:
		h.lgr.Info("upload body read failed", log.KV("sn", sn), log.KVErr(err))
		w.WriteHeader(http.StatusBadRequest)
	}
}

// handlePoll serves GET /iclock/getrequest: hand the terminal its next
// pending command, or OK when there is nothing to do. An INFO parameter
// piggybacks a device status refresh on the poll.
func (h *Handler) handlePoll(w http.ResponseWriter, r *http.Request) {
	qv := r.URL.Query()
	sn := strings.TrimSpace(qv.Get(`SN`))
	if info := strings.TrimSpace(qv.Get(`INFO`)); info != `` {
		if err := h.reg.UpdateInfo(r.Context(), sn, info); err != nil {
			h.lgr.Warn("device INFO update failed",
				log.KV("sn", sn),
				log.KVErr(err))
		}
	}
	row, ok, err := h.q.DequeueNext(r.Context(), sn)
	if err != nil {
		h.lgr.Error("command dequeue failed", log.KV("sn", sn), log.KVErr(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if !ok {
		io.WriteString(w, `OK`)
		return
	}
	w.Write(row.Command().Encode())
}

// handleReply serves POST /iclock/devicecmd: reconcile one or more command
// results. Per-command failures are state transitions, not request errors,
// so the response is OK regardless of the return codes inside.
func (h *Handler) handleReply(w http.ResponseWriter, r *http.Request) {
	sn := strings.TrimSpace(r.URL.Query().Get(`SN`))
	body, err := h.readBody(r)
	if err != nil {
		h.uploadReadError(w, sn, err)
		return
	}
	outs, err := h.q.Reply(r.Context(), sn, body)
	if err != nil {
		h.lgr.Error("reply reconcile failed", log.KV("sn", sn), log.KVErr(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	for _, out := range outs {
		if !out.Known {
			h.lgr.Warn("reply for unknown command",
				log.KV("sn", sn),
				log.KV("id", out.ID))
			continue
		}
		if out.State == queue.StateFailed || out.Retries > 0 {
			h.lgr.Info("command delivery failure",
				log.KV("sn", sn),
				log.KV("id", out.ID),
				log.KV("return", out.Return),
				log.KV("reason", wire.ReturnText(out.Return)),
				log.KV("state", out.State),
				log.KV("retries", out.Retries))
		}
	}
	io.WriteString(w, `OK`)
}

// handlePing serves GET /iclock/ping. The last-seen bump already happened
// in ServeHTTP; the body is the whole point.
func (h *Handler) handlePing(w http.ResponseWriter, r *http.Request) {
	io.WriteString(w, `OK`)
}

// readBody pulls the request body with the configured cap and transparently
// inflates gzip, which many firmwares apply to batch uploads whether or not
// they remember the Content-Encoding header.
func (h *Handler) readBody(r *http.Request) (b []byte, err error) {
	var n int
	buff := make([]byte, h.maxBody)
	if n, err = readAll(r.Body, buff); err != nil && err != io.EOF {
		return nil, err
	} else if n == h.maxBody {
		return nil, ErrBodyTooLarge
	}
	b = buff[0:n]
	if isGzip(r, b) {
		b, err = h.gunzip(b)
	}
	return
}

func isGzip(r *http.Request, b []byte) bool {
	if strings.EqualFold(r.Header.Get(`Content-Encoding`), `gzip`) {
		return true
	}
	return len(b) > 2 && binary.LittleEndian.Uint16(b) == gzipMagic
}

func (h *Handler) gunzip(b []byte) (out []byte, err error) {
	zr, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, ErrBadCompression
	}
	bb := bytes.NewBuffer(make([]byte, 0, 2*len(b)))
	if _, err = io.Copy(bb, io.LimitReader(zr, int64(h.maxBody))); err != nil {
		zr.Close()
		return nil, ErrBadCompression
	}
	if err = zr.Close(); err != nil {
		return nil, ErrBadCompression
	}
	if bb.Len() >= h.maxBody {
		return nil, ErrBodyTooLarge
	}
	out = bb.Bytes()
	return
}

// uploadLines counts non-empty lines, the unit the admission limiter
// charges for.
func uploadLines(b []byte) (n int) {
	for len(b) > 0 {
		var ln []byte
		if idx := bytes.IndexByte(b, '\n'); idx >= 0 {
			ln, b = b[:idx], b[idx+1:]
		} else {
			ln, b = b, nil
		}
		if len(bytes.TrimSpace(ln)) > 0 {
			n++
		}
	}
	return
}

// setProtocolHeaders stamps the response headers every firmware revision
// expects; some units refuse bodies served without them.
func setProtocolHeaders(hdr http.Header) {
	hdr.Set(`Date`, time.Now().UTC().Format(http.TimeFormat))
	hdr.Set(`Content-Type`, `text/plain`)
	hdr.Set(`Pragma`, `no-cache`)
	hdr.Set(`Cache-Control`, `no-store`)
	hdr.Set(`Server`, version.ServerHeader())
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

func readAll(r io.Reader, buff []byte) (offset int, err error) {
	var n int
	for offset < len(buff) {
		if n, err = r.Read(buff[offset:]); err != nil {
			if err == io.EOF {
				err = nil
				offset += n
			}
			return
		} else if n == 0 {
			return
		}
		offset += n
	}
	return
}
