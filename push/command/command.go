/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package command builds outbound command payloads in the strict
// tab-separated emit dialect and stamps each with its category. Builders
// validate before anything reaches a queue, a refusal here is what the
// fan-out records as a skip.
package command

import (
	"errors"
	"strings"

	"github.com/daniel-mekuria/zk-server/push/queue"
)

// Command categories as stored on queue rows.
const (
	CatData    string = `DATA`
	CatControl string = `CONTROL`
	CatClear   string = `CLEAR`
	CatConfig  string = `CONFIG`
	CatInfo    string = `INFO`
	CatEnroll  string = `ENROLL`
	CatSystem  string = `SYSTEM`
	CatCheck   string = `CHECK`
	CatLog     string = `LOG`
	CatVerify  string = `VERIFY`
)

var (
	ErrSlotRange  = errors.New("slot out of range for biometric type")
	ErrIndexRange = errors.New("index must not be negative")
	ErrEmptyValue = errors.New("required value is empty")
)

// field is one key=value pair on the wire.
type field struct {
	k string
	v string
}

// build assembles "<verb> <obj> k=v\tk=v..." and wraps it with a category.
// obj may be empty for bare verbs like REBOOT.
func build(cat, verb, obj string, fields ...field) queue.Item {
	var sb strings.Builder
	sb.WriteString(verb)
	if obj != `` {
		sb.WriteByte(' ')
		sb.WriteString(obj)
	}
	for i, f := range fields {
		if i == 0 {
			sb.WriteByte(' ')
		} else {
			sb.WriteByte('\t')
		}
		sb.WriteString(f.k)
		sb.WriteByte('=')
		sb.WriteString(f.v)
	}
	return queue.Item{Category: cat, Payload: []byte(sb.String())}
}
