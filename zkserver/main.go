/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"io"
	dlog "log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	// Embed tzdata so that we don't rely on potentially broken timezone DBs on the host
	_ "time/tzdata"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"golang.org/x/net/netutil"

	"github.com/daniel-mekuria/zk-server/push"
	"github.com/daniel-mekuria/zk-server/push/fanout"
	"github.com/daniel-mekuria/zk-server/push/log"
	"github.com/daniel-mekuria/zk-server/push/mgmt"
	"github.com/daniel-mekuria/zk-server/push/pipeline"
	"github.com/daniel-mekuria/zk-server/push/queue"
	"github.com/daniel-mekuria/zk-server/push/registry"
	"github.com/daniel-mekuria/zk-server/push/store"
	"github.com/daniel-mekuria/zk-server/version"
)

const (
	defaultConfigLoc  = `/opt/zkserver/etc/zkserver.conf`
	defaultConfigDLoc = `/opt/zkserver/etc/zkserver.conf.d`
	appName           = `zkserver`

	shutdownTimeout  = 60 * time.Second
	regFlushInterval = 30 * time.Second

	// syncLogKeep bounds the audit trail; the sweeper trims beyond it
	syncLogKeep = 10000
)

var (
	confLoc  = flag.String("config-file", defaultConfigLoc, "Location for configuration file")
	confDLoc = flag.String("config-overlays", defaultConfigDLoc, "Location for configuration overlay files")
	verbose  = flag.Bool("v", false, "Display verbose status updates to stdout")
	ver      = flag.Bool("version", false, "Print the version information and exit")

	debugOn bool
	lg      *log.Logger
)

func init() {
	flag.Parse()
	if *ver {
		version.PrintVersion(os.Stdout)
		os.Exit(0)
	}
	debugOn = *verbose
}

func main() {
	cfg, err := GetConfig(*confLoc, *confDLoc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get configuration: %v\n", err)
		os.Exit(-1)
	}
	if lg, err = cfg.Global.GetLogger(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to get logger: %v\n", err)
		os.Exit(-1)
	}
	defer lg.Close()
	if debugOn {
		version.PrintVersion(os.Stdout)
		log.PrintOSInfo(os.Stdout)
	}

	// one process per data dir
	fl := flock.New(cfg.Global.LockPath())
	if ok, err := fl.TryLock(); err != nil {
		lg.FatalCode(0, "failed to acquire data dir lock", log.KV("path", cfg.Global.LockPath()), log.KVErr(err))
	} else if !ok {
		lg.FatalCode(0, "data dir is locked by another instance", log.KV("path", cfg.Global.LockPath()))
	}
	defer fl.Unlock()

	id, ok := cfg.Global.ServerUUID()
	if !ok {
		id = uuid.New()
		if err = cfg.Global.SetServerUUID(id, *confLoc); err != nil {
			lg.Warn("failed to persist Server-UUID, using an ephemeral identity",
				log.KV("uuid", id), log.KVErr(err))
		}
	}

	st, err := store.Open(cfg.Global.StorePath())
	if err != nil {
		lg.FatalCode(0, "failed to open store", log.KV("path", cfg.Global.StorePath()), log.KVErr(err))
	}
	defer st.Close()

	activeWindow, _ := cfg.ActiveWindow()
	sweepInterval, _ := cfg.SweepInterval()
	cmdRetention, _ := cfg.CommandRetention()
	pendRetention, _ := cfg.PendingRetention()

	reg, err := registry.New(st, activeWindow, lg)
	if err != nil {
		lg.FatalCode(0, "failed to load terminal registry", log.KVErr(err))
	}
	q := queue.New(st, cfg.Sync.Retry_Limit, lg)
	q.SetRetention(cmdRetention, pendRetention)
	fo := fanout.New(st, reg, q, lg)
	proc := pipeline.New(st, reg, fo, pipeline.Switches{
		SyncUserPics:  cfg.Sync.Sync_User_Pics,
		SyncBioPhotos: cfg.Sync.Sync_Bio_Photos,
	}, lg)

	hnd, err := push.NewHandler(push.Config{
		Registry:       reg,
		Queue:          q,
		Pipeline:       proc,
		Store:          st,
		MaxBody:        cfg.Global.MaxBody(),
		RateLimit:      cfg.Global.Rate_Limit,
		AcceptSerial:   cfg.Global.Accept_Serial,
		TimezoneOffset: cfg.Global.Timezone_Offset,
		Logger:         lg,
	})
	if err != nil {
		lg.FatalCode(0, "failed to build protocol handler", log.KVErr(err))
	}

	lg.Info("server starting",
		log.KV("app", appName),
		log.KV("version", version.GetVersion()),
		log.KV("uuid", id),
		log.KV("bind", cfg.Global.Bind_String),
		log.KV("terminals", len(reg.List())))
	debugout("Serving the push protocol on %s\n", cfg.Global.Bind_String)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	go sweeper(bgCtx, q, st, sweepInterval)
	go regFlusher(bgCtx, reg)

	var httpLogger *dlog.Logger
	if debugOn || cfg.Global.Log_Level == `DEBUG` {
		httpLogger = lg.StandardLogger()
	} else {
		httpLogger = dlog.New(io.Discard, ``, 0)
	}

	done := make(chan error, 2)
	srv := &http.Server{
		Addr:              cfg.Global.Bind_String,
		Handler:           hnd,
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          httpLogger,
	}
	srv.SetKeepAlivesEnabled(true)
	lst, err := newListener(cfg.Global.Bind_String, cfg.Global.Max_Connections)
	if err != nil {
		lg.FatalCode(0, "failed to bind", log.KV("bind", cfg.Global.Bind_String), log.KVErr(err))
	}
	defer lst.Close()
	go serve(srv, lst, cfg, done)

	var msrv *http.Server
	if cfg.ManagementEnabled() {
		ms, err := mgmt.NewServer(mgmt.Config{
			Store:    st,
			Registry: reg,
			Queue:    q,
			Fanout:   fo,
			Auth:     cfg.Management.Auth,
			Logger:   lg,
		})
		if err != nil {
			lg.FatalCode(0, "failed to build management server", log.KVErr(err))
		}
		msrv = &http.Server{
			Addr:              cfg.Management.Bind_String,
			Handler:           ms,
			ReadHeaderTimeout: 5 * time.Second,
			ErrorLog:          httpLogger,
		}
		mlst, err := newListener(cfg.Management.Bind_String, 0)
		if err != nil {
			lg.FatalCode(0, "failed to bind management API", log.KV("bind", cfg.Management.Bind_String), log.KVErr(err))
		}
		defer mlst.Close()
		go serve(msrv, mlst, cfg, done)
		debugout("Serving the management API on %s\n", cfg.Management.Bind_String)
	}

	qc := quitChannel()
	defer close(qc)
	select {
	case err = <-done:
		if err != nil {
			lg.Error("listener died", log.KVErr(err))
		}
	case sig := <-qc:
		lg.Info("shutdown signal received", log.KV("signal", sig.String()))
		ctx, cf := context.WithTimeout(context.Background(), shutdownTimeout)
		if err = srv.Shutdown(ctx); err != nil {
			lg.Error("failed to shut down protocol server", log.KVErr(err))
		}
		if msrv != nil {
			if err = msrv.Shutdown(ctx); err != nil {
				lg.Error("failed to shut down management server", log.KVErr(err))
			}
		}
		cf()
	}
	bgCancel()

	// push the cached last-seen bumps out before the store closes
	ctx, cf := context.WithTimeout(context.Background(), 5*time.Second)
	if err = reg.Flush(ctx); err != nil {
		lg.Error("failed to flush terminal registry", log.KVErr(err))
	}
	cf()
	lg.Info("server exiting", log.KV("app", appName))
	debugout("Server is exiting\n")
}

// serve runs one HTTP server on its listener, TLS when the global pair is
// configured, and reports the terminal error on done.
func serve(srv *http.Server, lst net.Listener, cfg *cfgType, done chan error) {
	var err error
	if cfg.Global.TLSEnabled() {
		srv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		err = srv.ServeTLS(lst, cfg.Global.TLS_Certificate_File, cfg.Global.TLS_Key_File)
	} else {
		err = srv.Serve(lst)
	}
	if err == http.ErrServerClosed {
		err = nil
	}
	done <- err
}

func newListener(bind string, maxConns int) (lst net.Listener, err error) {
	if lst, err = net.Listen(`tcp`, bind); err != nil {
		return
	}
	if maxConns > 0 {
		lst = netutil.LimitListener(lst, maxConns)
	}
	return
}

// sweeper ages the command queue and trims the sync log on a fixed cadence
// until the context dies.
func sweeper(ctx context.Context, q *queue.Queue, st *store.Store, interval time.Duration) {
	if interval <= 0 {
		interval = queue.DefaultSweepInterval
	}
	tkr := time.NewTicker(interval)
	defer tkr.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tkr.C:
			if _, err := q.Sweep(ctx); err != nil && ctx.Err() == nil {
				lg.Error("queue sweep failed", log.KVErr(err))
			}
			if _, err := st.TrimSyncLog(ctx, syncLogKeep); err != nil && ctx.Err() == nil {
				lg.Error("sync log trim failed", log.KVErr(err))
			}
		}
	}
}

// regFlusher persists cached terminal last-seen updates so restarts don't
// forget the fleet.
func regFlusher(ctx context.Context, reg *registry.Registry) {
	tkr := time.NewTicker(regFlushInterval)
	defer tkr.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tkr.C:
			if err := reg.Flush(ctx); err != nil && ctx.Err() == nil {
				lg.Error("registry flush failed", log.KVErr(err))
			}
		}
	}
}

func quitChannel() chan os.Signal {
	qc := make(chan os.Signal, 1)
	signal.Notify(qc, syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	return qc
}

func debugout(format string, args ...interface{}) {
	if debugOn {
		fmt.Printf(format, args...)
	}
}
