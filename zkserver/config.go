/*************************************************************************
 * Copyright 2024 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package main

import (
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/daniel-mekuria/zk-server/push/config"
	"github.com/daniel-mekuria/zk-server/push/mgmt"
	"github.com/daniel-mekuria/zk-server/push/queue"
	"github.com/daniel-mekuria/zk-server/push/registry"
)

type syncCfg struct {
	Active_Window     string //how recently a terminal must have polled to count as a peer
	Retry_Limit       int    //delivery attempts before a command fails out
	Sweep_Interval    string //queue maintenance cadence
	Command_Retention string //how long settled commands are kept
	Pending_Retention string //how long exhausted pending commands linger
	Sync_User_Pics    bool
	Sync_Bio_Photos   bool
}

type mgmtCfg struct {
	Bind_String string //empty leaves the operator API offline
	mgmt.Auth
}

type cfgType struct {
	Global     config.ServerConfig
	Management mgmtCfg
	Sync       syncCfg
}

func GetConfig(path, overlayPath string) (*cfgType, error) {
	var c cfgType
	if err := config.LoadConfigFile(&c, path); err != nil {
		return nil, err
	} else if err = config.LoadConfigOverlays(&c, overlayPath); err != nil {
		return nil, err
	}
	if err := c.Verify(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *cfgType) Verify() error {
	if err := c.Global.Verify(); err != nil {
		return err
	}
	if err := c.validateTLS(); err != nil {
		return err
	}
	if c.Management.Bind_String != `` {
		if _, err := c.Management.Auth.Validate(); err != nil {
			return fmt.Errorf("Management auth is invalid: %w", err)
		}
	}
	if c.Sync.Retry_Limit < 0 {
		return errors.New("Retry-Limit cannot be negative")
	}
	// surface bad interval strings at startup rather than at first use
	if _, err := c.ActiveWindow(); err != nil {
		return fmt.Errorf("Invalid Active-Window: %w", err)
	}
	if _, err := c.SweepInterval(); err != nil {
		return fmt.Errorf("Invalid Sweep-Interval: %w", err)
	}
	if _, err := c.CommandRetention(); err != nil {
		return fmt.Errorf("Invalid Command-Retention: %w", err)
	}
	if _, err := c.PendingRetention(); err != nil {
		return fmt.Errorf("Invalid Pending-Retention: %w", err)
	}
	return nil
}

func (c *cfgType) validateTLS() (err error) {
	if !c.Global.TLSEnabled() {
		//not enabled
	} else if c.Global.TLS_Certificate_File == `` {
		err = errors.New("TLS-Certificate-File argument is missing")
	} else if c.Global.TLS_Key_File == `` {
		err = errors.New("TLS-Key-File argument is missing")
	} else {
		_, err = tls.LoadX509KeyPair(c.Global.TLS_Certificate_File, c.Global.TLS_Key_File)
	}
	return
}

func (c *cfgType) ActiveWindow() (time.Duration, error) {
	return config.ParseDuration(c.Sync.Active_Window, registry.DefaultActiveWindow)
}

func (c *cfgType) SweepInterval() (time.Duration, error) {
	return config.ParseDuration(c.Sync.Sweep_Interval, queue.DefaultSweepInterval)
}

func (c *cfgType) CommandRetention() (time.Duration, error) {
	return config.ParseDuration(c.Sync.Command_Retention, queue.DefaultDoneRetention)
}

func (c *cfgType) PendingRetention() (time.Duration, error) {
	return config.ParseDuration(c.Sync.Pending_Retention, queue.DefaultPendingRetention)
}

func (c *cfgType) ManagementEnabled() bool {
	return c.Management.Bind_String != ``
}
