/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package version

import (
	"fmt"
	"io"
	"time"
)

const (
	MajorVersion int = 2
	MinorVersion int = 4
	PointVersion int = 1

	// Product is the identity sent to terminals in the Server response
	// header and the ServerVer init option.
	Product string = `zkserver`
)

var (
	BuildDate time.Time = time.Date(2024, 11, 4, 0, 0, 0, 0, time.UTC)
)

func PrintVersion(wtr io.Writer) {
	fmt.Fprintf(wtr, "Version:\t%d.%d.%d\n", MajorVersion, MinorVersion, PointVersion)
	fmt.Fprintf(wtr, "BuildDate:\t%s\n", BuildDate.Format(`2006-01-02 15:04:05`))
}

func GetVersion() string {
	return fmt.Sprintf("%d.%d.%d", MajorVersion, MinorVersion, PointVersion)
}

// ServerHeader returns the product/version token stamped on every
// protocol response.
func ServerHeader() string {
	return fmt.Sprintf("%s/%s", Product, GetVersion())
}
