/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package log

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const (
	testFile string = `test.log`
)

var (
	tempdir string
)

func TestMain(m *testing.M) {
	var err error
	if tempdir, err = os.MkdirTemp(os.TempDir(), ``); err != nil {
		fmt.Println("Failed to create temp dir", err)
		os.Exit(-1)
	}
	r := m.Run()
	os.RemoveAll(tempdir)
	os.Exit(r)
}

func newLogger() (*Logger, error) {
	p := filepath.Join(tempdir, testFile)
	fout, err := os.Create(p)
	if err != nil {
		return nil, err
	}
	return New(fout), nil
}

func appendLogger() (*Logger, error) {
	p := filepath.Join(tempdir, testFile)
	return NewFile(p)
}

func TestNew(t *testing.T) {
	lgr, err := newLogger()
	if err != nil {
		t.Fatal(err)
	}
	if err = lgr.Criticalf("test: %d", 99); err != nil {
		t.Fatal(err)
	}

	if err = lgr.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestAppend(t *testing.T) {
	lgr, err := appendLogger()
	if err != nil {
		t.Fatal(err)
	}
	if err = lgr.Errorf("test: %d", 99); err != nil {
		t.Fatal(err)
	}

	if err = lgr.Close(); err != nil {
		t.Fatal(err)
	}
}

type bufCloser struct {
	bytes.Buffer
}

func (bc *bufCloser) Close() error {
	return nil
}

func TestLevelFilter(t *testing.T) {
	var buf bufCloser
	lgr := New(&buf)
	if err := lgr.SetLevel(ERROR); err != nil {
		t.Fatal(err)
	}
	if err := lgr.Info("should be dropped"); err != nil {
		t.Fatal(err)
	}
	if buf.Len() != 0 {
		t.Fatalf("INFO leaked through ERROR level: %q", buf.String())
	}
	if err := lgr.Error("kept", KV("code", 7)); err != nil {
		t.Fatal(err)
	}
	if buf.Len() == 0 {
		t.Fatal("ERROR line missing")
	}
	if !strings.Contains(buf.String(), `code="7"`) {
		t.Fatalf("structured param missing: %q", buf.String())
	}
}

func TestKVLogger(t *testing.T) {
	var buf bufCloser
	lgr := New(&buf)
	kvl := NewLoggerWithKV(lgr, KV("sn", "0316144680030"))
	if err := kvl.Info("terminal seen"); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `sn="0316144680030"`) {
		t.Fatalf("preset KV missing: %q", buf.String())
	}
}

func TestLevelFromString(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{`INFO`, INFO, false},
		{`info`, INFO, false},
		{`ERROR`, ERROR, false},
		{`off`, OFF, false},
		{`chatty`, OFF, true},
	}
	for _, tt := range tests {
		got, err := LevelFromString(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("%s: expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("%s: got %v want %v", tt.in, got, tt.want)
		}
	}
}
