/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package wire implements the terminal push protocol codec: upload record
// parsing, command framing, reply parsing, and the tab repair passes the
// outbound dialect requires.
package wire

import (
	"errors"
	"regexp"
	"strings"
)

// Upload record tags.
const (
	TagUser     = `USER`
	TagFP       = `FP`
	TagFace     = `FACE`
	TagFVein    = `FVEIN`
	TagUserPic  = `USERPIC`
	TagBioPhoto = `BIOPHOTO`
	TagBioData  = `BIODATA`
	TagIDCard   = `IDCARD`
	TagWorkCode = `WORKCODE`
	TagSMS      = `SMS`
	TagUserSMS  = `USER_SMS`
	TagErrorLog = `ERRORLOG`
)

// Upload table names, carried on the cdata query string. Terminals are
// not case-consistent about these, so comparisons go through NormalTable.
const (
	TableOperLog    = `OPERLOG`
	TableAttLog     = `ATTLOG`
	TableAttPhoto   = `ATTPHOTO`
	TableBioData    = `BIODATA`
	TableIDCard     = `IDCARD`
	TableErrorLog   = `ERRORLOG`
	TableOptions    = `options`
	TableRemoteAtt  = `RemoteAtt`
	TablePostVerify = `PostVerifyData`
)

// Outbound command verbs.
const (
	VerbDataUpdate      = `DATA UPDATE`
	VerbDataDelete      = `DATA DELETE`
	VerbDataQuery       = `DATA QUERY`
	VerbClear           = `CLEAR`
	VerbReboot          = `REBOOT`
	VerbUnlock          = `AC_UNLOCK`
	VerbUnalarm         = `AC_UNALARM`
	VerbSetOption       = `SET OPTION`
	VerbReloadOptions   = `RELOAD OPTIONS`
	VerbInfo            = `INFO`
	VerbCheck           = `CHECK`
	VerbLog             = `LOG`
	VerbVerifySumAttLog = `VERIFY SUM ATTLOG`
	VerbQueryAttLog     = `DATA QUERY ATTLOG`
	VerbQueryAttPhoto   = `DATA QUERY ATTPHOTO`
	VerbGetFile         = `GetFile`
	VerbPutFile         = `PutFile`
	VerbShell           = `SHELL`
	VerbUpgrade         = `UPGRADE`
	VerbEnrollFP        = `ENROLL_FP`
	VerbEnrollBio       = `ENROLL_BIO`
	VerbEnrollMF        = `ENROLL_MF`
	VerbPostVerifyData  = `PostVerifyData`
)

// Outbound object kinds (the first argument group after a DATA verb).
const (
	ObjUserInfo  = `USERINFO`
	ObjBioData   = `BIODATA`
	ObjFVein     = `FVEIN`
	ObjUserPic   = `USERPIC`
	ObjBioPhoto  = `BIOPHOTO`
	ObjWorkCode  = `WORKCODE`
	ObjSMS       = `SMS`
	ObjUserSMS   = `USER_SMS`
	ObjIDCard    = `IDCARD`
	ObjFingerTmp = `FINGERTMP`
	ObjFace      = `FACE`
)

// Command categories recorded on queue rows.
const (
	CatData    = `DATA`
	CatControl = `CONTROL`
	CatClear   = `CLEAR`
	CatConfig  = `CONFIG`
	CatInfo    = `INFO`
	CatEnroll  = `ENROLL`
	CatFile    = `FILE`
	CatSystem  = `SYSTEM`
	CatUpgrade = `UPGRADE`
	CatCheck   = `CHECK`
	CatLog     = `LOG`
	CatVerify  = `VERIFY`
)

// Biometric type enumeration, authoritative across the system.
const (
	BioFingerprint = 1
	BioFace        = 2
	BioVoice       = 3
	BioIris        = 4
	BioRetina      = 5
	BioPalmprint   = 6
	BioFingerVein  = 7
	BioPalm        = 8
	BioVisibleFace = 9
)

var (
	ErrMissingPin      = errors.New("record is missing its user pin")
	ErrMissingKey      = errors.New("record is missing its key field")
	ErrUnknownTag      = errors.New("unknown record tag")
	ErrEmptyRecord     = errors.New("empty record")
	ErrInvalidTemplate = errors.New("template blob is not printable base64")
	ErrInvalidBioType  = errors.New("biometric type is not in the enumeration")
	ErrNoFields        = errors.New("no parameter fields recovered")
)

var (
	templateRx = regexp.MustCompile(`^[A-Za-z0-9+/]*={0,2}$`)
)

// ValidTemplate indicates whether a template blob is non-empty printable
// base64 text.
func ValidTemplate(tmp string) bool {
	if len(tmp) == 0 {
		return false
	}
	return templateRx.MatchString(tmp)
}

// ValidBioType indicates whether t is in the biometric type enumeration.
func ValidBioType(t int) bool {
	return t >= BioFingerprint && t <= BioVisibleFace
}

// BioTypeName returns the human name for a biometric type code.
func BioTypeName(t int) string {
	switch t {
	case BioFingerprint:
		return `fingerprint`
	case BioFace:
		return `face`
	case BioVoice:
		return `voiceprint`
	case BioIris:
		return `iris`
	case BioRetina:
		return `retina`
	case BioPalmprint:
		return `palmprint`
	case BioFingerVein:
		return `finger vein`
	case BioPalm:
		return `palm`
	case BioVisibleFace:
		return `visible-light face`
	}
	return `unknown`
}

// KnownTag indicates whether the upload tag is part of the protocol.
func KnownTag(tag string) bool {
	switch tag {
	case TagUser, TagFP, TagFace, TagFVein, TagUserPic, TagBioPhoto,
		TagBioData, TagIDCard, TagWorkCode, TagSMS, TagUserSMS, TagErrorLog:
		return true
	}
	return false
}

// SyncableTag indicates whether records of this tag propagate to peers.
// Photos are stored but held back unless the operator enables them, error
// logs never propagate.
func SyncableTag(tag string) bool {
	switch tag {
	case TagUser, TagFP, TagFace, TagFVein, TagBioData,
		TagWorkCode, TagSMS, TagUserSMS, TagIDCard:
		return true
	}
	return false
}

// NormalTable maps a table name from the cdata query string to its
// canonical spelling. Firmware is not case-consistent, so the match is
// case-insensitive; unknown names come back empty.
func NormalTable(t string) string {
	switch strings.ToUpper(t) {
	case TableOperLog:
		return TableOperLog
	case TableAttLog:
		return TableAttLog
	case TableAttPhoto:
		return TableAttPhoto
	case TableBioData:
		return TableBioData
	case TableIDCard:
		return TableIDCard
	case TableErrorLog:
		return TableErrorLog
	case `OPTIONS`:
		return TableOptions
	case `REMOTEATT`:
		return TableRemoteAtt
	case `POSTVERIFYDATA`:
		return TablePostVerify
	}
	return ``
}
