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
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/daniel-mekuria/zk-server/push/log"
	"github.com/daniel-mekuria/zk-server/push/store"
	"github.com/daniel-mekuria/zk-server/push/wire"
)

// handleRemoteAtt serves the table=RemoteAtt flavour of the init exchange:
// a terminal doing remote verification asks the server for one user's row
// and templates. Unknown PINs answer OK so the terminal falls back to its
// local decision instead of erroring out.
func (h *Handler) handleRemoteAtt(w http.ResponseWriter, r *http.Request, sn, pin string) {
	if pin == `` {
		h.lgr.Info("RemoteAtt request without PIN", log.KV("sn", sn))
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	u, err := h.st.GetUser(r.Context(), pin)
	if err == store.ErrNotFound {
		io.WriteString(w, `OK`)
		return
	} else if err != nil {
		h.lgr.Error("RemoteAtt user lookup failed",
			log.KV("sn", sn),
			log.KV("pin", pin),
			log.KVErr(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	bs, err := h.st.ListBiometrics(r.Context(), pin)
	if err != nil {
		h.lgr.Error("RemoteAtt biometric lookup failed",
			log.KV("sn", sn),
			log.KV("pin", pin),
			log.KVErr(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	h.lgr.Info("RemoteAtt export",
		log.KV("sn", sn),
		log.KV("pin", pin),
		log.KV("templates", strconv.Itoa(len(bs))))
	io.WriteString(w, ExportUser(u, bs))
}

// ExportUser renders one user and their templates in the upload record
// dialect, one record per LF-terminated line, templates in the canonical
// BIODATA field order. The output parses back through wire.ParseRecords.
func ExportUser(u store.User, bs []store.Biometric) string {
	var sb strings.Builder
	tz := u.TimeZone
	if tz == `` {
		tz = wire.DefaultTimeZone
	}
	fmt.Fprintf(&sb, "USER PIN=%s\tName=%s\tPri=%d\tPasswd=%s\tCard=%s\tGrp=%s\tTZ=%s\tVerify=%d\tViceCard=%s\n",
		u.PIN, u.Name, u.Privilege, u.Password, u.Card, u.Group, tz, u.Verify, u.ViceCard)
	for _, b := range bs {
		sb.WriteString(wire.TagBioData)
		fmt.Fprintf(&sb, " Pin=%s\tNo=%d\tIndex=%d\tValid=%d\tDuress=%d\tType=%d\tMajorVer=%d\tMinorVer=%d\t",
			b.PIN, b.No, b.Index, b.Valid, b.Duress, b.Type, b.MajorVer, b.MinorVer)
		if b.Format != `` {
			fmt.Fprintf(&sb, "Format=%s\t", b.Format)
		}
		fmt.Fprintf(&sb, "Tmp=%s\n", b.Template)
	}
	return sb.String()
}
