/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package wire

import (
	"regexp"
	"strings"
)

var (
	// tabRepairRx locates runs of whitespace that sit immediately before a
	// key= token. RE2 has no lookahead, so the key group is re-emitted in
	// the replacement.
	tabRepairRx = regexp.MustCompile(`(\s+)([A-Za-z_]+=)`)

	// tmpRx cuts a parameter string at its Tmp= field, the value is greedy
	// to end-of-string so template text always survives intact.
	tmpRx = regexp.MustCompile(`(?:^|\s)Tmp=(.*)$`)
)

// bioFieldOrder is the canonical BIODATA parameter order on emit.
var bioFieldOrder = []string{
	`Pin`, `No`, `Index`, `Valid`, `Duress`,
	`Type`, `MajorVer`, `MinorVer`, `Format`, `Tmp`,
}

var bioFieldRx = make(map[string]*regexp.Regexp, len(bioFieldOrder))

func init() {
	for _, name := range bioFieldOrder {
		if name == `Tmp` {
			continue
		}
		bioFieldRx[name] = regexp.MustCompile(`(?:^|\s)` + name + `=([^\s\t]+)`)
	}
}

// RequiresTabs reports whether an object kind's parameters are tab-joined on
// the wire and therefore subject to the repair pass.
func RequiresTabs(object string) bool {
	switch object {
	case ObjUserInfo, ObjBioData, ObjFVein, ObjUserPic, ObjBioPhoto,
		ObjWorkCode, ObjSMS, ObjUserSMS, ObjIDCard, ObjFingerTmp, ObjFace:
		return true
	}
	return false
}

// RepairTabs rewrites every run of whitespace preceding a key= token as a
// single HT. Intermediate processing sometimes collapses tabs into spaces,
// terminals refuse the result unless it is repaired.
func RepairTabs(params string) string {
	return tabRepairRx.ReplaceAllString(params, "\t${2}")
}

// CanonicalBioData re-parses a BIODATA parameter string by named field
// extraction and re-emits the present fields in canonical order with exactly
// one tab between each. With all ten fields present the result carries nine
// tabs.
func CanonicalBioData(params string) (out string, err error) {
	head, tmp, hasTmp := splitTmp(params)
	fields := make(map[string]string, len(bioFieldOrder))
	for name, rx := range bioFieldRx {
		if m := rx.FindStringSubmatch(head); m != nil {
			fields[name] = m[1]
		}
	}
	if hasTmp {
		fields[`Tmp`] = tmp
	}
	if len(fields) == 0 {
		err = ErrNoFields
		return
	}
	if _, ok := fields[`Pin`]; !ok {
		err = ErrMissingPin
		return
	}
	parts := make([]string, 0, len(bioFieldOrder))
	for _, name := range bioFieldOrder {
		if v, ok := fields[name]; ok {
			parts = append(parts, name+`=`+v)
		}
	}
	out = strings.Join(parts, "\t")
	return
}

// RepairPayload applies the outbound repair rules to a full command payload.
// DATA UPDATE BIODATA parameters are canonicalized, any other tab-requiring
// object gets the whitespace-to-tab rewrite, everything else passes through
// untouched. Operator-supplied raw payloads go through here before they are
// stored.
func RepairPayload(payload string) (out string, err error) {
	out = payload
	var verb string
	switch {
	case strings.HasPrefix(payload, VerbDataUpdate+` `):
		verb = VerbDataUpdate
	case strings.HasPrefix(payload, VerbDataDelete+` `):
		verb = VerbDataDelete
	case strings.HasPrefix(payload, VerbDataQuery+` `):
		verb = VerbDataQuery
	default:
		return
	}
	rest := payload[len(verb)+1:]
	var object, params string
	if idx := strings.IndexByte(rest, ' '); idx < 0 {
		return //object with no parameters, nothing to repair
	} else {
		object = rest[:idx]
		params = rest[idx+1:]
	}
	if verb == VerbDataUpdate && object == ObjBioData {
		var canon string
		if canon, err = CanonicalBioData(params); err != nil {
			return
		}
		out = verb + ` ` + object + ` ` + canon
		return
	}
	if RequiresTabs(object) {
		out = verb + ` ` + object + ` ` + RepairTabs(params)
	}
	return
}
