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

// CommandIDLen is the identifier width on the wire.
const CommandIDLen = 16

// Command is one outbound unit for a terminal: the generated identifier, the
// coarse category recorded on the queue row, and the payload in the emit
// dialect (verb, object kind, tab-joined parameters).
type Command struct {
	ID       string
	Category string
	Payload  []byte
}

// Encode frames the command for a poll response.
func (c Command) Encode() []byte {
	b := make([]byte, 0, len(c.ID)+len(c.Payload)+3)
	b = append(b, 'C', ':')
	b = append(b, c.ID...)
	b = append(b, ':')
	b = append(b, c.Payload...)
	return b
}

// Verb extracts the leading verb from the payload, used for logging and for
// deciding retry eligibility.
func (c Command) Verb() string {
	return payloadVerb(string(c.Payload))
}

// Idempotent indicates whether redelivering this command is safe. Every
// DATA UPDATE and DATA DELETE payload is an upsert or delete by primary key.
func (c Command) Idempotent() bool {
	switch c.Verb() {
	case VerbDataUpdate, VerbDataDelete, VerbDataQuery, VerbSetOption,
		VerbReloadOptions, VerbInfo, VerbCheck, VerbLog:
		return true
	}
	return false
}

// payloadVerb finds the longest known verb prefixing the payload.
func payloadVerb(p string) (verb string) {
	for _, v := range commandVerbs {
		if p == v || strings.HasPrefix(p, v+` `) {
			if len(v) > len(verb) {
				verb = v
			}
		}
	}
	return
}

var commandVerbs = []string{
	VerbDataUpdate,
	VerbDataDelete,
	VerbDataQuery,
	VerbClear,
	VerbReboot,
	VerbUnlock,
	VerbUnalarm,
	VerbSetOption,
	VerbReloadOptions,
	VerbInfo,
	VerbCheck,
	VerbLog,
	VerbVerifySumAttLog,
	VerbQueryAttLog,
	VerbQueryAttPhoto,
	VerbGetFile,
	VerbPutFile,
	VerbShell,
	VerbUpgrade,
	VerbEnrollFP,
	VerbEnrollBio,
	VerbEnrollMF,
	VerbPostVerifyData,
}
