/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package push

import (
	"fmt"
	"strings"

	"github.com/daniel-mekuria/zk-server/push/store"
	"github.com/daniel-mekuria/zk-server/push/wire"
	"github.com/daniel-mekuria/zk-server/version"
)

// Fixed option values handed to every terminal. Timing values are the
// vendor defaults; TransFlag advertises which event classes the terminal
// should push at all.
const (
	optErrorDelay    = `30`
	optDelay         = `10`
	optTransTimes    = `00:00;12:00`
	optTransInterval = `1`
	optTransFlag     = `TransData EnrollUser ChgUser EnrollFP ChgFP FACE UserPic BioPhoto WORKCODE FVEIN`
	optPushOptions   = `FingerFunOn,FaceFunOn,MultiBioDataSupport,MultiBioPhotoSupport,BioPhotoFun,BioDataFun,VisilightFun`
)

// optionsBlock renders the init response: the stamp cursors the terminal
// should resume from, the transfer schedule, and the capability contract.
// One KEY=VALUE per line, each line LF terminated. Attendance stamps are
// pinned to None, attendance data is acknowledged but never kept.
func (h *Handler) optionsBlock(t store.Terminal) string {
	stamp := func(table string) string {
		if v := h.reg.Stamp(t.SN, table); v != `` {
			return v
		}
		return `None`
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "GET OPTION FROM: %s\n", t.SN)
	sb.WriteString("ATTLOGStamp=None\n")
	fmt.Fprintf(&sb, "OPERLOGStamp=%s\n", stamp(wire.TableOperLog))
	sb.WriteString("ATTPHOTOStamp=None\n")
	fmt.Fprintf(&sb, "BIODATAStamp=%s\n", stamp(wire.TableBioData))
	fmt.Fprintf(&sb, "IDCARDStamp=%s\n", stamp(wire.TableIDCard))
	fmt.Fprintf(&sb, "ERRORLOGStamp=%s\n", stamp(wire.TableErrorLog))
	fmt.Fprintf(&sb, "ErrorDelay=%s\n", optErrorDelay)
	fmt.Fprintf(&sb, "Delay=%s\n", optDelay)
	fmt.Fprintf(&sb, "TransTimes=%s\n", optTransTimes)
	fmt.Fprintf(&sb, "TransInterval=%s\n", optTransInterval)
	fmt.Fprintf(&sb, "TransFlag=%s\n", optTransFlag)
	fmt.Fprintf(&sb, "TimeZone=%d\n", h.tzOff)
	sb.WriteString("Realtime=1\n")
	sb.WriteString("Encrypt=None\n")
	fmt.Fprintf(&sb, "ServerVer=%s\n", version.GetVersion())
	fmt.Fprintf(&sb, "PushProtVer=%s\n", version.GetVersion())
	sb.WriteString("PushOptionsFlag=1\n")
	fmt.Fprintf(&sb, "PushOptions=%s\n", optPushOptions)
	fmt.Fprintf(&sb, "MultiBioDataSupport=%s\n", h.reg.MultiBioDataMask(t.SN))
	fmt.Fprintf(&sb, "MultiBioPhotoSupport=%s\n", h.reg.MultiBioPhotoMask(t.SN))
	sb.WriteString("ATTPHOTOBase64=1\n")
	return sb.String()
}
