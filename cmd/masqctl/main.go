// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Command masqctl edits the rules and sessions of a running masqd.
//
//	$ masqctl -proto tcp -public :8080 -private 10.0.0.2:80 portfw add
//	$ masqctl user list
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/noisysockets/masquerade/alg"
	"github.com/noisysockets/masquerade/control"
	"github.com/noisysockets/masquerade/session"
)

func main() {
	fs := flag.NewFlagSet("masqctl", flag.ExitOnError)
	socket := fs.String("socket", "/run/masqd.sock", "Path of the control socket")
	proto := fs.String("proto", "", "Protocol (tcp, udp or icmp)")
	public := fs.String("public", "", "Public endpoint, address:port or :port")
	private := fs.String("private", "", "Private endpoint")
	remote := fs.String("remote", "", "Remote endpoint")
	ctrl := fs.String("control", "", "Control traffic of an auto forwarding rule, protocol/port")
	ports := fs.String("ports", "", "Port range of an auto forwarding rule, low[-high]")
	timeout := fs.Duration("timeout", 0, "Idle timeout")
	mark := fs.Uint("mark", 0, "Packet mark")
	weight := fs.Int("weight", 0, "Scheduling weight")
	listen := fs.Bool("listen", false, "Accept any remote port")
	loose := fs.Bool("loose", false, "Accept any remote address")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: masqctl [flags] <module> <add|insert|delete|get|set|flush|list>\n")
		fs.PrintDefaults()
	}
	_ = fs.Parse(os.Args[1:])

	if fs.NArg() != 2 {
		fs.Usage()
		os.Exit(2)
	}

	req := &control.Request{Module: fs.Arg(0)}

	err := func() error {
		if strings.EqualFold(fs.Arg(1), "list") {
			req.Command = control.CommandList
		} else {
			cmd, err := alg.ParseCommand(fs.Arg(1))
			if err != nil {
				return err
			}
			req.Command = cmd
		}

		e := &req.Entry
		e.Timeout = *timeout
		e.Mark = uint32(*mark)
		e.Weight = *weight
		if *listen {
			e.Flags |= session.FlagListen
		}
		if *loose {
			e.Flags |= session.FlagLoose
		}

		var err error
		if *proto != "" {
			if e.Protocol, err = session.ParseProtocol(*proto); err != nil {
				return err
			}
		}
		if e.Public, err = parseEndpoint(*public); err != nil {
			return fmt.Errorf("public: %w", err)
		}
		if e.Private, err = parseEndpoint(*private); err != nil {
			return fmt.Errorf("private: %w", err)
		}
		if e.Remote, err = parseEndpoint(*remote); err != nil {
			return fmt.Errorf("remote: %w", err)
		}
		if *ctrl != "" {
			name, port, ok := strings.Cut(*ctrl, "/")
			if !ok {
				return fmt.Errorf("control: expected protocol/port, got %q", *ctrl)
			}
			if e.ControlProtocol, err = session.ParseProtocol(name); err != nil {
				return fmt.Errorf("control: %w", err)
			}
			if e.ControlPort, err = parsePort(port); err != nil {
				return fmt.Errorf("control: %w", err)
			}
		}
		if *ports != "" {
			low, high, _ := strings.Cut(*ports, "-")
			if e.PortLow, err = parsePort(low); err != nil {
				return fmt.Errorf("ports: %w", err)
			}
			if high != "" {
				if e.PortHigh, err = parsePort(high); err != nil {
					return fmt.Errorf("ports: %w", err)
				}
			}
		}

		return do(*socket, req)
	}()
	if err != nil {
		fmt.Fprintf(os.Stderr, "masqctl: %v\n", err)
		os.Exit(1)
	}
}

func do(socket string, req *control.Request) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, err := control.Dial(ctx, socket)
	if err != nil {
		return err
	}
	defer c.Close()

	resp, err := c.Do(ctx, req)
	if err != nil {
		return err
	}

	if req.Command == control.CommandList {
		_, err = os.Stdout.Write(resp.Listing)
		return err
	}

	if req.Command != alg.CommandFlush {
		printEntry(resp.Entry)
	}
	return nil
}

func printEntry(e alg.Entry) {
	var fields []string
	add := func(name, value string) {
		fields = append(fields, name+"="+value)
	}

	if e.Protocol != 0 {
		add("proto", e.Protocol.String())
	}
	for _, ep := range []struct {
		name string
		ap   netip.AddrPort
	}{{"public", e.Public}, {"private", e.Private}, {"remote", e.Remote}} {
		switch {
		case ep.ap.Addr().IsValid():
			add(ep.name, ep.ap.String())
		case ep.ap.Port() != 0:
			add(ep.name, fmt.Sprintf(":%d", ep.ap.Port()))
		}
	}
	if e.Flags != 0 {
		add("flags", e.Flags.String())
	}
	if e.Timeout != 0 {
		add("timeout", e.Timeout.String())
	}
	if e.Mark != 0 {
		add("mark", fmt.Sprintf("%#x", e.Mark))
	}
	if e.Weight != 0 {
		add("weight", strconv.Itoa(e.Weight))
	}
	if e.ControlPort != 0 {
		add("control", fmt.Sprintf("%s/%d", e.ControlProtocol, e.ControlPort))
	}
	if e.PortLow != 0 {
		add("ports", fmt.Sprintf("%d-%d", e.PortLow, e.PortHigh))
	}

	fmt.Println(strings.Join(fields, " "))
}

// parseEndpoint accepts address:port, a bare address, or :port.
func parseEndpoint(s string) (netip.AddrPort, error) {
	if s == "" {
		return netip.AddrPort{}, nil
	}
	if port, ok := strings.CutPrefix(s, ":"); ok {
		p, err := parsePort(port)
		if err != nil {
			return netip.AddrPort{}, err
		}
		return netip.AddrPortFrom(netip.Addr{}, p), nil
	}
	if addr, err := netip.ParseAddr(s); err == nil {
		return netip.AddrPortFrom(addr, 0), nil
	}
	return netip.ParseAddrPort(s)
}

func parsePort(s string) (uint16, error) {
	port, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, errors.New("invalid port " + strconv.Quote(s))
	}
	return uint16(port), nil
}
