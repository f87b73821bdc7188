/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package wire

import (
	"fmt"
	"strconv"
	"strings"
)

// Record is one parsed upload line: a tag, the raw parameter string, and the
// decoded field set. Missing or blank values come back as empty strings.
type Record struct {
	Tag    string
	Params string
	Fields map[string]string
}

// ParseRecords splits an upload body into records. Lines are LF or CRLF
// terminated, empty lines are dropped. Records with unknown tags are
// returned too, the caller decides whether to refuse them.
func ParseRecords(body []byte) (recs []Record) {
	lines := strings.Split(string(body), "\n")
	for _, ln := range lines {
		ln = strings.TrimRight(ln, "\r")
		if strings.TrimSpace(ln) == `` {
			continue
		}
		recs = append(recs, parseRecordLine(ln))
	}
	return
}

func parseRecordLine(ln string) (r Record) {
	if idx := strings.IndexByte(ln, ' '); idx < 0 {
		r.Tag = ln
		r.Fields = map[string]string{}
		return
	} else {
		r.Tag = ln[:idx]
		r.Params = ln[idx+1:]
	}
	if r.Tag == TagBioData {
		r.Fields = parseBioDataParams(r.Params)
	} else {
		r.Fields = parseTabParams(r.Params)
	}
	return
}

// parseTabParams decodes the strict form: key=value fields joined by HT.
func parseTabParams(params string) (mp map[string]string) {
	mp = make(map[string]string, 8)
	for _, f := range strings.Split(params, "\t") {
		if f == `` {
			continue
		}
		if idx := strings.IndexByte(f, '='); idx > 0 {
			mp[f[:idx]] = f[idx+1:]
		}
	}
	return
}

// parseSpaceParams decodes the tolerant form: key=value fields separated by
// one-or-more whitespace characters.
func parseSpaceParams(params string) (mp map[string]string) {
	mp = make(map[string]string, 8)
	for _, f := range strings.Fields(params) {
		if idx := strings.IndexByte(f, '='); idx > 0 {
			mp[f[:idx]] = f[idx+1:]
		}
	}
	return
}

// parseBioDataParams handles the BIODATA upload quirk: some firmwares send
// tab-joined fields, others collapse the tabs to spaces. We try the tab form
// first and fall back to whitespace splitting when it recovers too little.
// The Tmp field is always taken greedily to end-of-string so the template
// blob survives byte-for-byte.
func parseBioDataParams(params string) (mp map[string]string) {
	head, tmp, hasTmp := splitTmp(params)
	mp = parseTabParams(head)
	if hasTmp {
		mp[`Tmp`] = tmp
	}
	if len(mp) < 3 {
		mp = parseSpaceParams(head)
		if hasTmp {
			mp[`Tmp`] = tmp
		}
	}
	return
}

// splitTmp cuts the parameter string at the Tmp= field, returning the head
// and the greedy remainder.
func splitTmp(params string) (head, tmp string, ok bool) {
	if loc := tmpRx.FindStringSubmatchIndex(params); loc != nil {
		head = strings.TrimRight(params[:loc[0]], " \t")
		tmp = params[loc[2]:loc[3]]
		ok = true
		return
	}
	head = params
	return
}

func (r Record) get(key string) string {
	return r.Fields[key]
}

// intField parses an integer field, tolerating blanks and junk by falling
// back to def. Terminal firmwares are not consistent here.
func (r Record) intField(key string, def int) int {
	v := strings.TrimSpace(r.Fields[key])
	if v == `` {
		return def
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return def
}

// User is the USER upload record.
type User struct {
	PIN       string
	Name      string
	Privilege int
	Password  string
	Card      string
	Group     string
	TimeZone  string
	Verify    int
	ViceCard  string
}

// DefaultTimeZone is the all-zero weekly access bitmask.
const DefaultTimeZone = `0000000000000000`

// User decodes a USER record. The weekly timezone bitmask defaults to all
// zeros and the verify mode to -1 (use group).
func (r Record) User() (u User, err error) {
	if r.Tag != TagUser {
		err = fmt.Errorf("%s: %w", r.Tag, ErrUnknownTag)
		return
	}
	if u.PIN = r.get(`PIN`); u.PIN == `` {
		err = ErrMissingPin
		return
	}
	u.Name = r.get(`Name`)
	u.Privilege = r.intField(`Pri`, 0)
	u.Password = r.get(`Passwd`)
	u.Card = r.get(`Card`)
	u.Group = r.get(`Grp`)
	if u.TimeZone = r.get(`TZ`); u.TimeZone == `` {
		u.TimeZone = DefaultTimeZone
	}
	u.Verify = r.intField(`Verify`, -1)
	u.ViceCard = r.get(`ViceCard`)
	return
}

// Fingerprint is the legacy FP upload record.
type Fingerprint struct {
	PIN   string
	FID   int
	Size  int
	Valid int
	TMP   string
}

func (r Record) Fingerprint() (fp Fingerprint, err error) {
	if r.Tag != TagFP {
		err = fmt.Errorf("%s: %w", r.Tag, ErrUnknownTag)
		return
	}
	if fp.PIN = r.get(`PIN`); fp.PIN == `` {
		err = ErrMissingPin
		return
	}
	fp.FID = r.intField(`FID`, 0)
	fp.Size = r.intField(`Size`, 0)
	fp.Valid = r.intField(`Valid`, 1)
	fp.TMP = r.get(`TMP`)
	return
}

// Face is the legacy FACE upload record, note the upper-case SIZE and VALID.
type Face struct {
	PIN   string
	FID   int
	Size  int
	Valid int
	TMP   string
}

func (r Record) Face() (fc Face, err error) {
	if r.Tag != TagFace {
		err = fmt.Errorf("%s: %w", r.Tag, ErrUnknownTag)
		return
	}
	if fc.PIN = r.get(`PIN`); fc.PIN == `` {
		err = ErrMissingPin
		return
	}
	fc.FID = r.intField(`FID`, 0)
	fc.Size = r.intField(`SIZE`, 0)
	fc.Valid = r.intField(`VALID`, 1)
	fc.TMP = r.get(`TMP`)
	return
}

// FingerVein is the legacy FVEIN upload record, keyed with Pin rather than PIN.
type FingerVein struct {
	Pin   string
	FID   int
	Index int
	Size  int
	Valid int
	Tmp   string
}

func (r Record) FingerVein() (fv FingerVein, err error) {
	if r.Tag != TagFVein {
		err = fmt.Errorf("%s: %w", r.Tag, ErrUnknownTag)
		return
	}
	if fv.Pin = r.get(`Pin`); fv.Pin == `` {
		err = ErrMissingPin
		return
	}
	fv.FID = r.intField(`FID`, 0)
	fv.Index = r.intField(`Index`, 0)
	fv.Size = r.intField(`Size`, 0)
	fv.Valid = r.intField(`Valid`, 1)
	fv.Tmp = r.get(`Tmp`)
	return
}

// BioData is the unified biometric record.
type BioData struct {
	Pin      string
	No       int
	Index    int
	Valid    int
	Duress   int
	Type     int
	MajorVer int
	MinorVer int
	Format   string
	Tmp      string
}

// BioData decodes a BIODATA record. The Format field passes through verbatim,
// sites send both numeric codes and the string ZK.
func (r Record) BioData() (bd BioData, err error) {
	if r.Tag != TagBioData {
		err = fmt.Errorf("%s: %w", r.Tag, ErrUnknownTag)
		return
	}
	if bd.Pin = r.get(`Pin`); bd.Pin == `` {
		err = ErrMissingPin
		return
	}
	bd.No = r.intField(`No`, 0)
	bd.Index = r.intField(`Index`, 0)
	bd.Valid = r.intField(`Valid`, 1)
	bd.Duress = r.intField(`Duress`, 0)
	bd.Type = r.intField(`Type`, -1)
	bd.MajorVer = r.intField(`MajorVer`, 0)
	bd.MinorVer = r.intField(`MinorVer`, 0)
	bd.Format = r.get(`Format`)
	bd.Tmp = r.get(`Tmp`)
	if !ValidBioType(bd.Type) {
		err = fmt.Errorf("type %d: %w", bd.Type, ErrInvalidBioType)
	}
	return
}

// UserPic is a user display photo.
type UserPic struct {
	PIN      string
	FileName string
	Size     int
	Content  string
}

func (r Record) UserPic() (up UserPic, err error) {
	if r.Tag != TagUserPic {
		err = fmt.Errorf("%s: %w", r.Tag, ErrUnknownTag)
		return
	}
	if up.PIN = r.get(`PIN`); up.PIN == `` {
		err = ErrMissingPin
		return
	}
	up.FileName = r.get(`FileName`)
	up.Size = r.intField(`Size`, 0)
	up.Content = r.get(`Content`)
	return
}

// BioPhoto is a comparison photo, keyed by pin and biometric type.
type BioPhoto struct {
	PIN      string
	FileName string
	Type     int
	Size     int
	Content  string
	Format   string
}

func (r Record) BioPhoto() (bp BioPhoto, err error) {
	if r.Tag != TagBioPhoto {
		err = fmt.Errorf("%s: %w", r.Tag, ErrUnknownTag)
		return
	}
	if bp.PIN = r.get(`PIN`); bp.PIN == `` {
		err = ErrMissingPin
		return
	}
	bp.FileName = r.get(`FileName`)
	bp.Type = r.intField(`Type`, BioFace)
	bp.Size = r.intField(`Size`, 0)
	bp.Content = r.get(`Content`)
	bp.Format = r.get(`Format`)
	return
}

// WorkCode is a work code definition.
type WorkCode struct {
	PIN  string
	Code string
	Name string
}

// WorkCode decodes a WORKCODE record. Codes are fleet-wide on most
// firmwares, so a blank PIN is allowed.
func (r Record) WorkCode() (wc WorkCode, err error) {
	if r.Tag != TagWorkCode {
		err = fmt.Errorf("%s: %w", r.Tag, ErrUnknownTag)
		return
	}
	wc.PIN = r.get(`PIN`)
	if wc.Code = r.get(`CODE`); wc.Code == `` {
		err = ErrMissingKey
		return
	}
	wc.Name = r.get(`NAME`)
	return
}

// SMS is a short message definition.
type SMS struct {
	UID       string
	Msg       string
	Tag       int
	MinExpire int
	StartTime string
}

func (r Record) SMS() (s SMS, err error) {
	if r.Tag != TagSMS {
		err = fmt.Errorf("%s: %w", r.Tag, ErrUnknownTag)
		return
	}
	if s.UID = r.get(`UID`); s.UID == `` {
		err = ErrMissingKey
		return
	}
	s.Msg = r.get(`MSG`)
	s.Tag = r.intField(`TAG`, 0)
	s.MinExpire = r.intField(`MIN`, 0)
	s.StartTime = r.get(`StartTime`)
	return
}

// UserSMS associates a personal message with a user.
type UserSMS struct {
	PIN string
	UID string
}

func (r Record) UserSMS() (us UserSMS, err error) {
	if r.Tag != TagUserSMS {
		err = fmt.Errorf("%s: %w", r.Tag, ErrUnknownTag)
		return
	}
	if us.PIN = r.get(`PIN`); us.PIN == `` {
		err = ErrMissingPin
		return
	}
	if us.UID = r.get(`UID`); us.UID == `` {
		err = ErrMissingKey
	}
	return
}

// IDCard is a government identity card read, keyed by the id number.
type IDCard struct {
	PIN            string
	SNNum          string
	IDNum          string
	DNNum          string
	Name           string
	Gender         string
	Nation         string
	Birthday       string
	ValidInfo      string
	Address        string
	AdditionalInfo string
	Issuer         string
	Photo          string
	FPTemplate1    string
	FPTemplate2    string
	Reserve        string
	Notice         string
}

func (r Record) IDCard() (c IDCard, err error) {
	if r.Tag != TagIDCard {
		err = fmt.Errorf("%s: %w", r.Tag, ErrUnknownTag)
		return
	}
	if c.IDNum = r.get(`IDNum`); c.IDNum == `` {
		err = ErrMissingKey
		return
	}
	c.PIN = r.get(`PIN`)
	c.SNNum = r.get(`SNNum`)
	c.DNNum = r.get(`DNNum`)
	c.Name = r.get(`Name`)
	c.Gender = r.get(`Gender`)
	c.Nation = r.get(`Nation`)
	c.Birthday = r.get(`Birthday`)
	c.ValidInfo = r.get(`ValidInfo`)
	c.Address = r.get(`Address`)
	c.AdditionalInfo = r.get(`AdditionalInfo`)
	c.Issuer = r.get(`Issuer`)
	c.Photo = r.get(`Photo`)
	c.FPTemplate1 = r.get(`FPTemplate1`)
	c.FPTemplate2 = r.get(`FPTemplate2`)
	c.Reserve = r.get(`Reserve`)
	c.Notice = r.get(`Notice`)
	return
}

// ErrorLog is a terminal-side failure report.
type ErrorLog struct {
	ErrCode    int
	ErrMsg     string
	DataOrigin string
	CmdId      string
	Additional string
}

func (r Record) ErrorLog() (el ErrorLog, err error) {
	if r.Tag != TagErrorLog {
		err = fmt.Errorf("%s: %w", r.Tag, ErrUnknownTag)
		return
	}
	el.ErrCode = r.intField(`ErrCode`, 0)
	el.ErrMsg = r.get(`ErrMsg`)
	el.DataOrigin = r.get(`DataOrigin`)
	el.CmdId = r.get(`CmdId`)
	el.Additional = r.get(`Additional`)
	return
}
