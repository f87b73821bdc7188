/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package wire

import (
	"strings"
)

// Reply is one line of a devicecmd body: ID=<cmdid>&Return=<code>&CMD=<verbtag>
// plus whatever extra fields the firmware tacks on.
type Reply struct {
	ID     string
	Return string
	CMD    string
	Fields map[string]string
	Raw    string
}

// ParseReplies decodes one or more reply lines. Lines without an ID are
// dropped, the terminal has nothing we can reconcile them against.
func ParseReplies(body []byte) (rps []Reply) {
	for _, ln := range strings.Split(string(body), "\n") {
		ln = strings.TrimRight(ln, "\r")
		if strings.TrimSpace(ln) == `` {
			continue
		}
		rp := parseReplyLine(ln)
		if rp.ID == `` {
			continue
		}
		rps = append(rps, rp)
	}
	return
}

func parseReplyLine(ln string) (rp Reply) {
	rp.Raw = ln
	rp.Fields = make(map[string]string, 4)
	for _, f := range strings.Split(ln, "&") {
		if idx := strings.IndexByte(f, '='); idx > 0 {
			rp.Fields[f[:idx]] = f[idx+1:]
		}
	}
	rp.ID = rp.Fields[`ID`]
	rp.Return = rp.Fields[`Return`]
	rp.CMD = rp.Fields[`CMD`]
	return
}

// OK indicates a successful execution report.
func (rp Reply) OK() bool {
	return rp.Return == `0`
}

// ReturnText translates a terminal return code for logging. Unknown codes
// come back as-is.
func ReturnText(code string) string {
	switch code {
	case `0`:
		return `success`
	case `-1`:
		return `parameter incorrect`
	case `-2`:
		return `photo size mismatch`
	case `-3`:
		return `read/write error`
	case `-9`:
		return `template size mismatch`
	case `-10`:
		return `pin not present`
	case `-11`:
		return `template format illegal`
	case `-12`:
		return `template illegal`
	case `-1001`:
		return `capacity limit reached`
	case `-1002`:
		return `not supported`
	case `-1003`:
		return `command timed out`
	case `-1004`:
		return `configuration incorrect`
	case `-1005`:
		return `device busy`
	case `-1006`:
		return `data too long`
	case `-1007`:
		return `memory error`
	case `-1008`:
		return `upstream fetch failed`
	}
	return code
}
