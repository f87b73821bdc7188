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
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/dchest/safefile"

	"github.com/daniel-mekuria/zk-server/push/config"
	"github.com/daniel-mekuria/zk-server/push/mgmt"
	"github.com/daniel-mekuria/zk-server/push/store"
	"github.com/daniel-mekuria/zk-server/version"
)

const (
	defaultConfigLoc  = `/opt/zkserver/etc/zkserver.conf`
	defaultConfigDLoc = `/opt/zkserver/etc/zkserver.conf.d`

	dumpPerms os.FileMode = 0640
)

var (
	configLoc = flag.String("config-file", defaultConfigLoc, "Location of the server configuration file")
	confdLoc  = flag.String("config-overlays", defaultConfigDLoc, "Location of the configuration overlay directory")
	dataDir   = flag.String("data-dir", ``, "Data directory override, skips the configuration file")
	outFile   = flag.String("out", ``, "Write a JSON export of the data store to this path")
	inFile    = flag.String("in", ``, "Load a JSON export back into the data store")
	ver       = flag.Bool("version", false, "Print the version information and exit")
)

func handleFlags() {
	flag.Parse()
	if *ver {
		version.PrintVersion(os.Stdout)
		os.Exit(0)
	}
	if (*outFile == ``) == (*inFile == ``) {
		log.Fatal("exactly one of -out or -in must be provided")
	}
}

// cfgType mirrors the server configuration file. Only [Global].Data-Dir is
// consumed here, but every section has to parse.
type cfgType struct {
	Global     config.ServerConfig
	Management struct {
		Bind_String string
		mgmt.Auth
	}
	Sync struct {
		Active_Window     string
		Retry_Limit       int
		Sweep_Interval    string
		Command_Retention string
		Pending_Retention string
		Sync_User_Pics    bool
		Sync_Bio_Photos   bool
	}
}

// dump carries every entity table in the store. Queued commands and the
// attendance record stream are operational state and stay behind.
type dump struct {
	Version      string
	Exported     time.Time
	Terminals    []store.Terminal    `json:",omitempty"`
	Users        []store.User        `json:",omitempty"`
	Biometrics   []store.Biometric   `json:",omitempty"`
	UserPics     []store.UserPic     `json:",omitempty"`
	BioPhotos    []store.BioPhoto    `json:",omitempty"`
	WorkCodes    []store.WorkCode    `json:",omitempty"`
	Messages     []store.Message     `json:",omitempty"`
	UserMessages []store.UserMessage `json:",omitempty"`
	IDCards      []store.IDCard      `json:",omitempty"`
}

func main() {
	handleFlags()
	pth, err := storePath()
	if err != nil {
		log.Fatalf("Failed to locate the data store: %v\n", err)
	}
	if *outFile != `` {
		//don't let a bad path silently manufacture an empty database
		if _, err = os.Stat(pth); err != nil {
			log.Fatalf("Cannot export %s: %v\n", pth, err)
		}
	}
	st, err := store.Open(pth)
	if err != nil {
		log.Fatalf("Failed to open %s: %v\n", pth, err)
	}
	ctx := context.Background()
	if *outFile != `` {
		err = export(ctx, st, *outFile)
	} else {
		err = load(ctx, st, *inFile)
	}
	if cerr := st.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		log.Fatalf("%v\n", err)
	}
}

func storePath() (pth string, err error) {
	if *dataDir != `` {
		pth = filepath.Join(filepath.Clean(*dataDir), `zkserver.db`)
		return
	}
	var c cfgType
	if err = config.LoadConfigFile(&c, *configLoc); err != nil {
		err = fmt.Errorf("failed to load %s: %w", *configLoc, err)
		return
	} else if err = config.LoadConfigOverlays(&c, *confdLoc); err != nil {
		return
	}
	if c.Global.Data_Dir == `` {
		err = config.ErrNoDataDir
		return
	}
	pth = c.Global.StorePath()
	return
}

func export(ctx context.Context, st *store.Store, pth string) (err error) {
	df := dump{
		Version:  version.GetVersion(),
		Exported: time.Now().UTC(),
	}
	if df.Terminals, err = st.ListTerminals(ctx); err != nil {
		return
	}
	if df.Users, err = st.ListUsers(ctx, ``); err != nil {
		return
	}
	if df.Biometrics, err = st.ListBiometrics(ctx, ``); err != nil {
		return
	}
	if df.UserPics, err = st.ListUserPics(ctx); err != nil {
		return
	}
	if df.BioPhotos, err = st.ListBioPhotos(ctx, ``); err != nil {
		return
	}
	if df.WorkCodes, err = st.ListWorkCodes(ctx); err != nil {
		return
	}
	if df.Messages, err = st.ListMessages(ctx); err != nil {
		return
	}
	if df.UserMessages, err = st.ListUserMessages(ctx); err != nil {
		return
	}
	if df.IDCards, err = st.ListIDCards(ctx); err != nil {
		return
	}
	var fout *safefile.File
	if fout, err = safefile.Create(pth, dumpPerms); err != nil {
		return
	}
	n := fout.Name() //incase we have to destroy it
	jenc := json.NewEncoder(fout)
	jenc.SetIndent(``, "\t")
	if err = jenc.Encode(df); err != nil {
		fout.File.Close()
		os.Remove(n)
		return
	} else if err = fout.Commit(); err != nil {
		fout.File.Close()
		os.Remove(n)
		return
	}
	report(`exported`, df)
	return
}

func load(ctx context.Context, st *store.Store, pth string) (err error) {
	var fin *os.File
	if fin, err = os.Open(pth); err != nil {
		return
	}
	var df dump
	if err = json.NewDecoder(fin).Decode(&df); err != nil {
		fin.Close()
		return
	} else if err = fin.Close(); err != nil {
		return
	}
	for _, t := range df.Terminals {
		if err = st.UpsertTerminal(ctx, t); err != nil {
			return fmt.Errorf("terminal %s: %w", t.SN, err)
		}
	}
	for _, u := range df.Users {
		if err = st.UpsertUser(ctx, u); err != nil {
			return fmt.Errorf("user %s: %w", u.PIN, err)
		}
	}
	for _, b := range df.Biometrics {
		if err = st.UpsertBiometric(ctx, b); err != nil {
			return fmt.Errorf("biometric %s: %w", b.PIN, err)
		}
	}
	for _, p := range df.UserPics {
		if err = st.UpsertUserPic(ctx, p); err != nil {
			return fmt.Errorf("user pic %s: %w", p.PIN, err)
		}
	}
	for _, p := range df.BioPhotos {
		if err = st.UpsertBioPhoto(ctx, p); err != nil {
			return fmt.Errorf("bio photo %s: %w", p.PIN, err)
		}
	}
	for _, w := range df.WorkCodes {
		if err = st.UpsertWorkCode(ctx, w); err != nil {
			return fmt.Errorf("work code %s: %w", w.Code, err)
		}
	}
	for _, m := range df.Messages {
		if err = st.UpsertMessage(ctx, m); err != nil {
			return fmt.Errorf("message %s: %w", m.UID, err)
		}
	}
	for _, m := range df.UserMessages {
		if err = st.UpsertUserMessage(ctx, m); err != nil {
			return fmt.Errorf("user message %s/%s: %w", m.PIN, m.UID, err)
		}
	}
	for _, c := range df.IDCards {
		if err = st.UpsertIDCard(ctx, c); err != nil {
			return fmt.Errorf("id card %s: %w", c.IDNum, err)
		}
	}
	report(`loaded`, df)
	return
}

func report(verb string, df dump) {
	fmt.Printf("%s %d terminals, %d users, %d biometrics, %d user pics, %d bio photos\n",
		verb, len(df.Terminals), len(df.Users), len(df.Biometrics), len(df.UserPics), len(df.BioPhotos))
	fmt.Printf("%s %d work codes, %d messages, %d user messages, %d id cards\n",
		verb, len(df.WorkCodes), len(df.Messages), len(df.UserMessages), len(df.IDCards))
}
