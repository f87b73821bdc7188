/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/daniel-mekuria/zk-server/push/log"
	"github.com/google/renameio"
	"github.com/google/uuid"
)

const (
	defaultLogLevel        = `INFO`
	defaultMaxBody         = 4 * mb
	defaultBindPort uint16 = 8081

	commentValue = `#`
	globalHeader = `[global]`
	headerStart  = `[`
	uuidParam    = `Server-UUID`
)

var (
	ErrNoBindString               = errors.New("No Bind-String specified")
	ErrNoDataDir                  = errors.New("No Data-Dir specified")
	ErrInvalidLogLevel            = errors.New("Invalid Log Level")
	ErrGlobalSectionNotFound      = errors.New("Global config section not found")
	ErrInvalidLineLocation        = errors.New("Invalid line location")
	ErrInvalidUpdateLineParameter = errors.New("Update line location does not contain the specified paramter")
)

// ServerConfig is the [Global] block shared by the server binary and its
// tooling. Field names map to Dash-Separated config file keys.
type ServerConfig struct {
	Bind_String          string //IP port pair, e.g. 0.0.0.0:8081
	TLS_Certificate_File string
	TLS_Key_File         string
	Data_Dir             string
	Log_Level            string
	Log_File             string
	Server_UUID          string
	Max_Body             string //maximum upload body, human friendly ("4MB")
	Rate_Limit           int64  //record admissions per second on upload, 0 disables
	Max_Connections      int    //simultaneous protocol connections, 0 disables the cap
	Accept_Serial        []string
	Timezone_Offset      int //hours east of UTC handed to terminals
}

func (sc *ServerConfig) loadDefaults() error {
	if err := LoadEnvVar(&sc.Log_Level, `ZKSERVER_LOG_LEVEL`, defaultLogLevel); err != nil {
		return err
	}
	if err := LoadEnvVar(&sc.Data_Dir, `ZKSERVER_DATA_DIR`, ``); err != nil {
		return err
	}
	return LoadEnvVar(&sc.Bind_String, `ZKSERVER_BIND_STRING`, ``)
}

// Verify checks the global parameters, normalizing values and creating the
// data and log directories as necessary.
func (sc *ServerConfig) Verify() error {
	if err := sc.loadDefaults(); err != nil {
		return err
	}

	if sc.Server_UUID != `` {
		if _, err := uuid.Parse(sc.Server_UUID); err != nil {
			return fmt.Errorf("Malformed server UUID %v: %v", sc.Server_UUID, err)
		}
	}

	if sc.Bind_String == `` {
		return ErrNoBindString
	}
	sc.Bind_String = AppendDefaultPort(sc.Bind_String, defaultBindPort)

	if sc.Data_Dir == `` {
		return ErrNoDataDir
	}
	if fi, err := os.Stat(sc.Data_Dir); err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		if err = os.MkdirAll(sc.Data_Dir, 0700); err != nil {
			return err
		}
	} else if !fi.IsDir() {
		return errors.New("Data-Dir is not a directory")
	}

	sc.Log_Level = strings.ToUpper(strings.TrimSpace(sc.Log_Level))
	if err := sc.checkLogLevel(); err != nil {
		return err
	}
	if sc.Log_File != `` {
		logdir := filepath.Dir(sc.Log_File)
		fi, err := os.Stat(logdir)
		if err != nil {
			if !os.IsNotExist(err) {
				return err
			}
			if err = os.MkdirAll(logdir, 0700); err != nil {
				return err
			}
		} else if !fi.IsDir() {
			return errors.New("Log Location is not a directory")
		}
	}

	if (sc.TLS_Certificate_File != ``) != (sc.TLS_Key_File != ``) {
		return errors.New("TLS-Certificate-File and TLS-Key-File must both be set")
	}
	if sc.Max_Body != `` {
		if _, err := ParseDataSize(sc.Max_Body); err != nil {
			return fmt.Errorf("Invalid Max-Body %q: %v", sc.Max_Body, err)
		}
	}
	if sc.Rate_Limit < 0 {
		return errors.New("Rate-Limit cannot be negative")
	}
	if sc.Max_Connections < 0 {
		return errors.New("Max-Connections cannot be negative")
	}
	if sc.Timezone_Offset < -12 || sc.Timezone_Offset > 14 {
		return errors.New("Timezone-Offset out of range")
	}
	return nil
}

func (sc *ServerConfig) checkLogLevel() error {
	if len(sc.Log_Level) == 0 {
		sc.Log_Level = defaultLogLevel
		return nil
	}
	switch sc.Log_Level {
	case `OFF`:
	case `DEBUG`:
	case `INFO`:
	case `WARN`:
	case `ERROR`:
	case `CRITICAL`:
	default:
		return ErrInvalidLogLevel
	}
	return nil
}

// MaxBody returns the upload body cap in bytes.
func (sc *ServerConfig) MaxBody() int {
	if sc.Max_Body == `` {
		return defaultMaxBody
	}
	if v, err := ParseDataSize(sc.Max_Body); err == nil && v > 0 {
		return v
	}
	return defaultMaxBody
}

// TLSEnabled indicates whether the protocol listener should serve TLS.
func (sc *ServerConfig) TLSEnabled() bool {
	return sc.TLS_Certificate_File != `` && sc.TLS_Key_File != ``
}

// StorePath returns the location of the bolt database inside the data dir.
func (sc *ServerConfig) StorePath() string {
	return filepath.Join(sc.Data_Dir, `zkserver.db`)
}

// LockPath returns the location of the lock file inside the data dir.
func (sc *ServerConfig) LockPath() string {
	return filepath.Join(sc.Data_Dir, `zkserver.lock`)
}

func (sc *ServerConfig) GetLogger() (l *log.Logger, err error) {
	var ll log.Level
	if ll, err = log.LevelFromString(sc.Log_Level); err != nil {
		return
	}

	if sc.Log_File == `` {
		l = log.NewStderrLogger()
	} else {
		l, err = log.NewFile(sc.Log_File)
	}
	if err == nil {
		err = l.SetLevel(ll)
	}
	return
}

// returns whether the supplied uuid is all zeros
func zeroUUID(id uuid.UUID) bool {
	for _, v := range id {
		if v != 0 {
			return false
		}
	}
	return true
}

// ServerUUID returns the UUID of this server, set with the `Server-UUID`
// parameter. If the UUID is not set, the UUID is invalid, or the UUID is all
// zeroes, the function will return ok = false.
func (sc *ServerConfig) ServerUUID() (id uuid.UUID, ok bool) {
	if sc.Server_UUID == `` {
		return
	}
	var err error
	if id, err = uuid.Parse(sc.Server_UUID); err == nil {
		ok = true
	}
	if zeroUUID(id) {
		ok = false
	}
	return
}

func reloadContent(loc string) (content string, err error) {
	if loc == `` {
		err = errors.New("not loaded from file")
		return
	}
	var bts []byte
	bts, err = os.ReadFile(loc)
	content = string(bts)
	return
}

// SetServerUUID modifies the configuration file at loc, setting the
// Server-UUID parameter to the given UUID. This allows the server to assign
// itself a stable identity if one is not given in the configuration file.
func (sc *ServerConfig) SetServerUUID(id uuid.UUID, loc string) (err error) {
	if zeroUUID(id) {
		return errors.New("UUID is empty")
	}
	var content string
	if content, err = reloadContent(loc); err != nil {
		return
	}
	//crack the config file into lines
	lines := strings.Split(content, "\n")
	lo := argInGlobalLines(lines, uuidParam)
	if lo == -1 {
		//UUID value not set, insert immediately after global
		gStart, _, ok := globalLineBoundary(lines)
		if !ok {
			err = ErrGlobalSectionNotFound
			return
		}
		lines, err = insertLine(lines, fmt.Sprintf(`%s="%s"`, uuidParam, id.String()), gStart+1)
	} else {
		//found it, update it
		lines, err = updateLine(lines, uuidParam, fmt.Sprintf(`"%s"`, id), lo)
	}
	if err != nil {
		return
	}
	sc.Server_UUID = id.String()
	content = strings.Join(lines, "\n")
	err = updateConfigFile(loc, content)
	return
}

func updateConfigFile(loc string, content string) error {
	if loc == `` {
		return errors.New("Configuration was loaded with bytes, cannot update")
	}
	fout, err := renameio.TempFile(filepath.Dir(loc), loc)
	if err != nil {
		return err
	}
	if err := writeFull(fout, []byte(content)); err != nil {
		fout.Cleanup()
		return err
	}
	return fout.CloseAtomicallyReplace()
}

func writeFull(w io.Writer, b []byte) error {
	var written int
	for written < len(b) {
		if n, err := w.Write(b[written:]); err != nil {
			return err
		} else if n == 0 {
			return errors.New("empty write")
		} else {
			written += n
		}
	}
	return nil
}

// ParseDuration wraps time.ParseDuration with empty string handling so
// optional interval keys can pass straight through.
func ParseDuration(v string, def time.Duration) (d time.Duration, err error) {
	if v = strings.TrimSpace(v); v == `` {
		d = def
		return
	}
	d, err = time.ParseDuration(v)
	return
}
