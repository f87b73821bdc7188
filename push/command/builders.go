/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package command

import (
	"strconv"

	"github.com/daniel-mekuria/zk-server/push/queue"
	"github.com/daniel-mekuria/zk-server/push/store"
	"github.com/daniel-mekuria/zk-server/push/wire"
)

// PutUser emits the full user row, blank attributes ride along as empty
// values so the terminal clears stale state.
func PutUser(u store.User) (queue.Item, error) {
	if u.PIN == `` {
		return queue.Item{}, wire.ErrMissingPin
	}
	tz := u.TimeZone
	if tz == `` {
		tz = wire.DefaultTimeZone
	}
	return build(CatData, wire.VerbDataUpdate, wire.ObjUserInfo,
		field{`PIN`, u.PIN},
		field{`Name`, u.Name},
		field{`Pri`, strconv.Itoa(u.Privilege)},
		field{`Passwd`, u.Password},
		field{`Card`, u.Card},
		field{`Grp`, u.Group},
		field{`TZ`, tz},
		field{`Verify`, strconv.Itoa(u.Verify)},
		field{`ViceCard`, u.ViceCard},
	), nil
}

func DeleteUser(pin string) (queue.Item, error) {
	if pin == `` {
		return queue.Item{}, wire.ErrMissingPin
	}
	return build(CatData, wire.VerbDataDelete, wire.ObjUserInfo, field{`PIN`, pin}), nil
}

func QueryUser(pin string) (queue.Item, error) {
	if pin == `` {
		return queue.Item{}, wire.ErrMissingPin
	}
	return build(CatData, wire.VerbDataQuery, wire.ObjUserInfo, field{`PIN`, pin}), nil
}

// PutBiometric emits the unified template form. Every biometric reaching a
// terminal goes out this way no matter which legacy family uploaded it.
func PutBiometric(b store.Biometric) (queue.Item, error) {
	if b.PIN == `` {
		return queue.Item{}, wire.ErrMissingPin
	}
	if !wire.ValidBioType(b.Type) {
		return queue.Item{}, wire.ErrInvalidBioType
	}
	if !wire.ValidTemplate(b.Template) {
		return queue.Item{}, wire.ErrInvalidTemplate
	}
	if err := checkSlot(b.Type, b.No); err != nil {
		return queue.Item{}, err
	}
	if b.Index < 0 {
		return queue.Item{}, ErrIndexRange
	}
	fields := []field{
		{`Pin`, b.PIN},
		{`No`, strconv.Itoa(b.No)},
		{`Index`, strconv.Itoa(b.Index)},
		{`Valid`, strconv.Itoa(b.Valid)},
		{`Duress`, strconv.Itoa(b.Duress)},
		{`Type`, strconv.Itoa(b.Type)},
		{`MajorVer`, strconv.Itoa(b.MajorVer)},
		{`MinorVer`, strconv.Itoa(b.MinorVer)},
	}
	// Format rides through exactly as received, sites disagree on "0"
	// versus "ZK" and the terminals care
	if b.Format != `` {
		fields = append(fields, field{`Format`, b.Format})
	}
	fields = append(fields, field{`Tmp`, b.Template})
	return build(CatData, wire.VerbDataUpdate, wire.ObjBioData, fields...), nil
}

// DeleteBiometrics narrows by type and slot when the pointers are set, No is
// only legal alongside Type.
func DeleteBiometrics(pin string, tp, no *int) (queue.Item, error) {
	if pin == `` {
		return queue.Item{}, wire.ErrMissingPin
	}
	fields := []field{{`Pin`, pin}}
	if tp != nil {
		if !wire.ValidBioType(*tp) {
			return queue.Item{}, wire.ErrInvalidBioType
		}
		fields = append(fields, field{`Type`, strconv.Itoa(*tp)})
		if no != nil {
			fields = append(fields, field{`No`, strconv.Itoa(*no)})
		}
	}
	return build(CatData, wire.VerbDataDelete, wire.ObjBioData, fields...), nil
}

// QueryBiometrics asks a terminal to report templates of one type. The pin
// key is upper-case here, unlike everywhere else in the BIODATA family; this
// matches what the firmware answers to.
func QueryBiometrics(tp int, pin string, no *int) (queue.Item, error) {
	if !wire.ValidBioType(tp) {
		return queue.Item{}, wire.ErrInvalidBioType
	}
	fields := []field{{`Type`, strconv.Itoa(tp)}}
	if pin != `` {
		fields = append(fields, field{`PIN`, pin})
		if no != nil {
			fields = append(fields, field{`No`, strconv.Itoa(*no)})
		}
	}
	return build(CatData, wire.VerbDataQuery, wire.ObjBioData, fields...), nil
}

func PutUserPic(p store.UserPic) (queue.Item, error) {
	if p.PIN == `` {
		return queue.Item{}, wire.ErrMissingPin
	}
	if !wire.ValidTemplate(p.Content) {
		return queue.Item{}, wire.ErrInvalidTemplate
	}
	fields := []field{{`PIN`, p.PIN}}
	if p.FileName != `` {
		fields = append(fields, field{`FileName`, p.FileName})
	}
	fields = append(fields,
		field{`Size`, strconv.Itoa(p.Size)},
		field{`Content`, p.Content},
	)
	return build(CatData, wire.VerbDataUpdate, wire.ObjUserPic, fields...), nil
}

func DeleteUserPic(pin string) (queue.Item, error) {
	if pin == `` {
		return queue.Item{}, wire.ErrMissingPin
	}
	return build(CatData, wire.VerbDataDelete, wire.ObjUserPic, field{`PIN`, pin}), nil
}

func PutBioPhoto(p store.BioPhoto) (queue.Item, error) {
	if p.PIN == `` {
		return queue.Item{}, wire.ErrMissingPin
	}
	if !wire.ValidBioType(p.Type) {
		return queue.Item{}, wire.ErrInvalidBioType
	}
	if !wire.ValidTemplate(p.Content) {
		return queue.Item{}, wire.ErrInvalidTemplate
	}
	fields := []field{
		{`PIN`, p.PIN},
		{`Type`, strconv.Itoa(p.Type)},
	}
	if p.FileName != `` {
		fields = append(fields, field{`FileName`, p.FileName})
	}
	if p.Format != `` {
		fields = append(fields, field{`Format`, p.Format})
	}
	fields = append(fields,
		field{`Size`, strconv.Itoa(p.Size)},
		field{`Content`, p.Content},
	)
	return build(CatData, wire.VerbDataUpdate, wire.ObjBioPhoto, fields...), nil
}

func DeleteBioPhoto(pin string, tp int) (queue.Item, error) {
	if pin == `` {
		return queue.Item{}, wire.ErrMissingPin
	}
	if !wire.ValidBioType(tp) {
		return queue.Item{}, wire.ErrInvalidBioType
	}
	return build(CatData, wire.VerbDataDelete, wire.ObjBioPhoto,
		field{`PIN`, pin}, field{`Type`, strconv.Itoa(tp)}), nil
}

func PutWorkCode(w store.WorkCode) (queue.Item, error) {
	if w.Code == `` {
		return queue.Item{}, ErrEmptyValue
	}
	var fields []field
	if w.PIN != `` {
		fields = append(fields, field{`PIN`, w.PIN})
	}
	fields = append(fields,
		field{`CODE`, w.Code},
		field{`NAME`, w.Name},
	)
	return build(CatData, wire.VerbDataUpdate, wire.ObjWorkCode, fields...), nil
}

func DeleteWorkCode(pin, code string) (queue.Item, error) {
	if code == `` {
		return queue.Item{}, ErrEmptyValue
	}
	var fields []field
	if pin != `` {
		fields = append(fields, field{`PIN`, pin})
	}
	fields = append(fields, field{`CODE`, code})
	return build(CatData, wire.VerbDataDelete, wire.ObjWorkCode, fields...), nil
}

func PutSMS(m store.Message) (queue.Item, error) {
	if m.UID == `` {
		return queue.Item{}, ErrEmptyValue
	}
	return build(CatData, wire.VerbDataUpdate, wire.ObjSMS,
		field{`MSG`, m.Msg},
		field{`TAG`, strconv.Itoa(m.Tag)},
		field{`UID`, m.UID},
		field{`MIN`, strconv.Itoa(m.MinExpire)},
		field{`StartTime`, m.StartTime},
	), nil
}

func DeleteSMS(uid string) (queue.Item, error) {
	if uid == `` {
		return queue.Item{}, ErrEmptyValue
	}
	return build(CatData, wire.VerbDataDelete, wire.ObjSMS, field{`UID`, uid}), nil
}

func PutUserSMS(m store.UserMessage) (queue.Item, error) {
	if m.PIN == `` {
		return queue.Item{}, wire.ErrMissingPin
	}
	if m.UID == `` {
		return queue.Item{}, ErrEmptyValue
	}
	return build(CatData, wire.VerbDataUpdate, wire.ObjUserSMS,
		field{`PIN`, m.PIN}, field{`UID`, m.UID}), nil
}

func PutIDCard(c store.IDCard) (queue.Item, error) {
	if c.IDNum == `` {
		return queue.Item{}, ErrEmptyValue
	}
	fields := []field{{`IDNum`, c.IDNum}}
	opt := []struct {
		k string
		v string
	}{
		{`PIN`, c.PIN},
		{`SNNum`, c.SNNum},
		{`DNNum`, c.DNNum},
		{`Name`, c.Name},
		{`Gender`, c.Gender},
		{`Nation`, c.Nation},
		{`Birthday`, c.Birthday},
		{`ValidInfo`, c.ValidInfo},
		{`Address`, c.Address},
		{`AdditionalInfo`, c.AdditionalInfo},
		{`Issuer`, c.Issuer},
		{`Photo`, c.Photo},
		{`FPTemplate1`, c.FPTemplate1},
		{`FPTemplate2`, c.FPTemplate2},
		{`Reserve`, c.Reserve},
		{`Notice`, c.Notice},
	}
	for _, o := range opt {
		if o.v != `` {
			fields = append(fields, field{o.k, o.v})
		}
	}
	return build(CatData, wire.VerbDataUpdate, wire.ObjIDCard, fields...), nil
}

func DeleteIDCard(idnum string) (queue.Item, error) {
	if idnum == `` {
		return queue.Item{}, ErrEmptyValue
	}
	return build(CatData, wire.VerbDataDelete, wire.ObjIDCard, field{`IDNum`, idnum}), nil
}

// Clear wipes a data scope on the terminal: DATA, LOG, PHOTO, or ALL.
func Clear(scope string) (queue.Item, error) {
	switch scope {
	case `DATA`, `LOG`, `PHOTO`, `ALL`:
	default:
		return queue.Item{}, ErrEmptyValue
	}
	return build(CatClear, wire.VerbClear, scope), nil
}

func Reboot() queue.Item {
	return build(CatControl, wire.VerbReboot, ``)
}

func Unlock() queue.Item {
	return build(CatControl, wire.VerbUnlock, ``)
}

func Unalarm() queue.Item {
	return build(CatControl, wire.VerbUnalarm, ``)
}

func SetOption(key, value string) (queue.Item, error) {
	if key == `` {
		return queue.Item{}, ErrEmptyValue
	}
	return build(CatConfig, wire.VerbSetOption, ``, field{key, value}), nil
}

func ReloadOptions() queue.Item {
	return build(CatConfig, wire.VerbReloadOptions, ``)
}

func Info() queue.Item {
	return build(CatInfo, wire.VerbInfo, ``)
}

func Check() queue.Item {
	return build(CatCheck, wire.VerbCheck, ``)
}

func RequestLog() queue.Item {
	return build(CatLog, wire.VerbLog, ``)
}

// VerifySumAttLog asks the terminal to checksum its attendance range, times
// in device-local "YYYY-MM-DD HH:MM:SS".
func VerifySumAttLog(start, end string) (queue.Item, error) {
	if start == `` || end == `` {
		return queue.Item{}, ErrEmptyValue
	}
	return build(CatVerify, wire.VerbVerifySumAttLog, ``,
		field{`StartTime`, start}, field{`EndTime`, end}), nil
}

func QueryAttLog(start, end string) (queue.Item, error) {
	if start == `` || end == `` {
		return queue.Item{}, ErrEmptyValue
	}
	return build(CatData, wire.VerbQueryAttLog, ``,
		field{`StartTime`, start}, field{`EndTime`, end}), nil
}

func QueryAttPhoto(start, end string) (queue.Item, error) {
	if start == `` || end == `` {
		return queue.Item{}, ErrEmptyValue
	}
	return build(CatData, wire.VerbQueryAttPhoto, ``,
		field{`StartTime`, start}, field{`EndTime`, end}), nil
}

// EnrollFP starts a fingerprint enrollment session on the terminal.
func EnrollFP(pin string, fid, retry int, overwrite bool) (queue.Item, error) {
	if pin == `` {
		return queue.Item{}, wire.ErrMissingPin
	}
	if fid < 0 || fid > 9 {
		return queue.Item{}, ErrSlotRange
	}
	ow := `0`
	if overwrite {
		ow = `1`
	}
	return build(CatEnroll, wire.VerbEnrollFP, ``,
		field{`PIN`, pin},
		field{`FID`, strconv.Itoa(fid)},
		field{`RETRY`, strconv.Itoa(retry)},
		field{`OVERWRITE`, ow},
	), nil
}

// EnrollBio starts an enrollment session for an arbitrary biometric type.
func EnrollBio(tp int, pin string, no, retry int, overwrite bool) (queue.Item, error) {
	if pin == `` {
		return queue.Item{}, wire.ErrMissingPin
	}
	if !wire.ValidBioType(tp) {
		return queue.Item{}, wire.ErrInvalidBioType
	}
	if err := checkSlot(tp, no); err != nil {
		return queue.Item{}, err
	}
	ow := `0`
	if overwrite {
		ow = `1`
	}
	return build(CatEnroll, wire.VerbEnrollBio, ``,
		field{`TYPE`, strconv.Itoa(tp)},
		field{`PIN`, pin},
		field{`No`, strconv.Itoa(no)},
		field{`RETRY`, strconv.Itoa(retry)},
		field{`OVERWRITE`, ow},
	), nil
}

// EnrollMF enrolls across multiple biometric factors in one session.
func EnrollMF(pin string, retry int, overwrite bool) (queue.Item, error) {
	if pin == `` {
		return queue.Item{}, wire.ErrMissingPin
	}
	ow := `0`
	if overwrite {
		ow = `1`
	}
	return build(CatEnroll, wire.VerbEnrollMF, ``,
		field{`PIN`, pin},
		field{`RETRY`, strconv.Itoa(retry)},
		field{`OVERWRITE`, ow},
	), nil
}

func Shell(cmdline string) (queue.Item, error) {
	if cmdline == `` {
		return queue.Item{}, ErrEmptyValue
	}
	return build(CatSystem, wire.VerbShell, cmdline), nil
}

// PostVerifyData toggles realtime verification uploads from the terminal.
func PostVerifyData() queue.Item {
	return build(CatVerify, wire.VerbPostVerifyData, ``)
}

// checkSlot enforces the per-type slot ranges, fingerprints live in 0..9 and
// a face template always sits in slot 0.
func checkSlot(tp, no int) error {
	if no < 0 {
		return ErrSlotRange
	}
	switch tp {
	case wire.BioFingerprint:
		if no > 9 {
			return ErrSlotRange
		}
	case wire.BioFace:
		if no != 0 {
			return ErrSlotRange
		}
	}
	return nil
}
