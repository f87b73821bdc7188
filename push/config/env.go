/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package config

import (
	"bufio"
	"errors"
	"os"
	"reflect"
	"strings"
)

var (
	errNoEnvArg     = errors.New("no env arg")
	ErrInvalidArg   = errors.New("Invalid arguments")
	ErrEmptyEnvFile = errors.New("Environment secret file is empty")
)

func loadEnvFile(nm string) (r string, err error) {
	var fin *os.File
	if fin, err = os.Open(nm); err != nil {
		// they specified a file but we can't open it
		return
	}
	s := bufio.NewScanner(fin)
	s.Scan()
	if err = s.Err(); err != nil {
		fin.Close()
		return
	}
	r = s.Text()
	if err = fin.Close(); err != nil {
		return
	} else if r == `` {
		// there was nothing in the file?
		err = ErrEmptyEnvFile
	}
	return
}

func loadEnv(nm string) (s string, err error) {
	var ok bool
	if s, ok = os.LookupEnv(nm); ok {
		return
	}

	//try to load the FILE version
	if fp, ok := os.LookupEnv(nm + `_FILE`); ok {
		s, err = loadEnvFile(fp)
	} else {
		err = errNoEnvArg
	}
	return
}

// LoadEnvVar attempts to read a value from the environment variable named
// envName. If there's nothing there, it attempts to append _FILE to the
// variable name and see if it contains a filename; if so, it reads the
// contents of the file into cnd. Values already set in cnd win over the
// environment.
func LoadEnvVar(cnd interface{}, envName string, defVal interface{}) error {
	//check that cnd isn't nil, and is a pointer
	if cnd == nil {
		return ErrInvalidArg
	}
	if reflect.ValueOf(cnd).Kind() != reflect.Ptr {
		return ErrInvalidArg
	}

	switch v := cnd.(type) {
	case *string:
		var def string
		if defVal != nil {
			var ok bool
			if def, ok = defVal.(string); !ok {
				return ErrInvalidArg
			}
		}
		return loadEnvVarString(v, envName, def)
	case *int:
		var def int
		if defVal != nil {
			var ok bool
			if def, ok = defVal.(int); !ok {
				return ErrInvalidArg
			}
		}
		return loadEnvVarInt(v, envName, def)
	case *int64:
		var def int64
		if defVal != nil {
			var ok bool
			if def, ok = defVal.(int64); !ok {
				return ErrInvalidArg
			}
		}
		return loadEnvVarInt64(v, envName, def)
	case *bool:
		var def bool
		if defVal != nil {
			var ok bool
			if def, ok = defVal.(bool); !ok {
				return ErrInvalidArg
			}
		}
		return loadEnvVarBool(v, envName, def)
	case *[]string:
		return loadEnvVarList(v, envName)
	}
	return ErrInvalidArg
}

func loadEnvVarString(cnd *string, envName, defVal string) (err error) {
	if cnd == nil {
		err = ErrInvalidArg
		return
	} else if len(*cnd) > 0 {
		//value is already set, exit
		return
	} else if len(envName) == 0 {
		*cnd = defVal
		return
	}
	if *cnd, err = loadEnv(envName); err == errNoEnvArg {
		*cnd = defVal
		err = nil
	}
	return
}

func loadEnvVarBool(cnd *bool, envName string, defVal bool) (err error) {
	if cnd == nil {
		err = ErrInvalidArg
		return
	} else if *cnd {
		//boolean is already set, exit
		return
	} else if len(envName) == 0 {
		//no environment variable, exit
		return
	}

	var argstr string
	if argstr, err = loadEnv(envName); err == errNoEnvArg {
		*cnd = defVal
		err = nil
		return
	}
	*cnd, err = ParseBool(argstr)
	return
}

func loadEnvVarInt(cnd *int, envName string, defVal int) (err error) {
	if cnd == nil {
		err = ErrInvalidArg
		return
	} else if *cnd != 0 {
		return
	} else if len(envName) == 0 {
		*cnd = defVal
		return
	}
	var argstr string
	if argstr, err = loadEnv(envName); err == errNoEnvArg {
		*cnd = defVal
		err = nil
		return
	} else if err != nil {
		return
	}
	var v int64
	if v, err = ParseInt64(argstr); err == nil {
		*cnd = int(v)
	}
	return
}

func loadEnvVarInt64(cnd *int64, envName string, defVal int64) (err error) {
	if cnd == nil {
		err = ErrInvalidArg
		return
	} else if *cnd != 0 {
		return
	} else if len(envName) == 0 {
		*cnd = defVal
		return
	}
	var argstr string
	if argstr, err = loadEnv(envName); err == errNoEnvArg {
		*cnd = defVal
		err = nil
		return
	} else if err != nil {
		return
	}
	*cnd, err = ParseInt64(argstr)
	return
}

func loadEnvVarList(lst *[]string, envName string) (err error) {
	if lst == nil {
		err = ErrInvalidArg
		return
	} else if len(*lst) > 0 {
		//already set, the environment loses
		return
	} else if len(envName) == 0 {
		return
	}
	var argstr string
	if argstr, err = loadEnv(envName); err == errNoEnvArg {
		err = nil
		return
	} else if err != nil {
		return
	}
	//split the value on commas and trim each
	for _, s := range strings.Split(argstr, ",") {
		if s = strings.TrimSpace(s); len(s) > 0 {
			*lst = append(*lst, s)
		}
	}
	return
}
