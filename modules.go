// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package masquerade

import (
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/noisysockets/masquerade/alg"
	"github.com/noisysockets/masquerade/alg/autofw"
	"github.com/noisysockets/masquerade/alg/ftp"
	"github.com/noisysockets/masquerade/alg/markfw"
	"github.com/noisysockets/masquerade/alg/portfw"
	"github.com/noisysockets/masquerade/alg/rtsp"
	"github.com/noisysockets/masquerade/alg/user"
	"github.com/noisysockets/masquerade/session"
)

// RegisterModules registers the stock modules with the engine and loads
// the forwarding rules of conf into them.
func (e *Engine) RegisterModules(logger *slog.Logger, conf *Config) error {
	if conf == nil {
		conf = &Config{}
	}

	if conf.FTP == nil || !conf.FTP.Disabled {
		var ports []uint16
		if conf.FTP != nil {
			ports = conf.FTP.Ports
		}
		m := ftp.New(logger, e.table, ports...)
		if err := e.registry.Register(m, m.Bindings()...); err != nil {
			return err
		}
	}

	if conf.RTSP == nil || !conf.RTSP.Disabled {
		var ports []uint16
		if conf.RTSP != nil {
			ports = conf.RTSP.Ports
		}
		m := rtsp.New(logger, e.table, ports...)
		if err := e.registry.Register(m, m.Bindings()...); err != nil {
			return err
		}
	}

	for _, m := range []alg.Module{
		portfw.New(logger, e.table),
		markfw.New(logger, e.table),
		autofw.New(logger, e.table),
		user.New(logger, e.table, e.public),
	} {
		if err := e.registry.Register(m); err != nil {
			return err
		}
	}

	return e.applyRules(conf)
}

func (e *Engine) applyRules(conf *Config) error {
	add := func(module string, entry alg.Entry) error {
		c, err := e.registry.Controller(module)
		if err != nil {
			return err
		}
		if _, err := c.Control(alg.CommandAdd, entry); err != nil {
			return fmt.Errorf("%s: %w", module, err)
		}
		return nil
	}

	for _, fw := range conf.PortForwards {
		proto, err := session.ParseProtocol(fw.Protocol)
		if err != nil {
			return err
		}
		for _, target := range fw.Targets {
			if err := add(portfw.Name, alg.Entry{
				Protocol: proto,
				Public:   netip.AddrPortFrom(fw.Public, fw.Port),
				Private:  target.Address,
				Weight:   target.Weight,
			}); err != nil {
				return err
			}
		}
	}

	for _, fw := range conf.MarkForwards {
		var proto session.Protocol
		if fw.Protocol != "" {
			var err error
			if proto, err = session.ParseProtocol(fw.Protocol); err != nil {
				return err
			}
		}
		for _, target := range fw.Targets {
			if err := add(markfw.Name, alg.Entry{
				Protocol: proto,
				Mark:     fw.Mark,
				Private:  target.Address,
				Weight:   target.Weight,
			}); err != nil {
				return err
			}
		}
	}

	for _, fw := range conf.AutoForwards {
		proto, err := session.ParseProtocol(fw.Protocol)
		if err != nil {
			return err
		}
		entry := alg.Entry{
			Protocol: proto,
			PortLow:  fw.PortLow,
			PortHigh: fw.PortHigh,
			Timeout:  fw.Timeout,
		}
		if fw.Host.IsValid() {
			entry.Private = netip.AddrPortFrom(fw.Host, 0)
		} else {
			if entry.ControlProtocol, err = session.ParseProtocol(fw.ControlProtocol); err != nil {
				return err
			}
			entry.ControlPort = fw.ControlPort
		}
		if err := add(autofw.Name, entry); err != nil {
			return err
		}
	}

	return nil
}
