// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

package session

import (
	"fmt"
	"strings"
)

// Protocol is an IP transport protocol number.
type Protocol uint8

const (
	ProtocolICMP Protocol = 1
	ProtocolTCP  Protocol = 6
	ProtocolUDP  Protocol = 17
)

func (p Protocol) String() string {
	switch p {
	case ProtocolICMP:
		return "icmp"
	case ProtocolTCP:
		return "tcp"
	case ProtocolUDP:
		return "udp"
	default:
		return fmt.Sprintf("proto-%d", uint8(p))
	}
}

// ParseProtocol parses a protocol name as used in configuration files.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(s) {
	case "tcp":
		return ProtocolTCP, nil
	case "udp":
		return ProtocolUDP, nil
	case "icmp":
		return ProtocolICMP, nil
	default:
		return 0, fmt.Errorf("unknown protocol %q", s)
	}
}

// Direction of a packet relative to the masqueraded network.
type Direction int

const (
	// Outbound packets travel from the private network to the outside.
	Outbound Direction = iota
	// Inbound packets travel from the outside to the private network.
	Inbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "in"
	}
	return "out"
}

// Reverse returns the opposite direction.
func (d Direction) Reverse() Direction {
	return 1 - d
}

// Flags are independent binding bits carried by a session.
type Flags uint32

const (
	// FlagNoRemoteAddr marks the remote address as not yet known.
	FlagNoRemoteAddr Flags = 1 << iota
	// FlagNoRemotePort marks the remote port as not yet known.
	FlagNoRemotePort
	// FlagNoPrivateAddr marks the private address as not yet known.
	FlagNoPrivateAddr
	// FlagNoPrivatePort marks the private port as not yet known.
	FlagNoPrivatePort
	// FlagLoose matches remote traffic regardless of the exact remote endpoint.
	FlagLoose
	// FlagAwaitReply is set until the first packet in the reverse direction.
	FlagAwaitReply
	// FlagHashed is set while the session is indexed.
	FlagHashed
	// FlagOutSeq is set once outbound sequence numbers need adjusting.
	FlagOutSeq
	// FlagInSeq is set once inbound sequence numbers need adjusting.
	FlagInSeq
	// FlagFixedPort marks an explicitly chosen masquerade port.
	FlagFixedPort
	// FlagUser marks sessions created through the control plane.
	FlagUser
	// FlagListen indexes the session by its public endpoint only.
	FlagListen
)

// FlagsUnknown is the set of flags describing unbound tuple fields.
const FlagsUnknown = FlagNoRemoteAddr | FlagNoRemotePort | FlagNoPrivateAddr | FlagNoPrivatePort

var flagNames = []struct {
	flag Flags
	name string
}{
	{FlagNoRemoteAddr, "no-raddr"},
	{FlagNoRemotePort, "no-rport"},
	{FlagNoPrivateAddr, "no-paddr"},
	{FlagNoPrivatePort, "no-pport"},
	{FlagLoose, "loose"},
	{FlagAwaitReply, "await-reply"},
	{FlagHashed, "hashed"},
	{FlagOutSeq, "out-seq"},
	{FlagInSeq, "in-seq"},
	{FlagFixedPort, "fixed-port"},
	{FlagUser, "user"},
	{FlagListen, "listen"},
}

// Has reports whether every bit in o is set.
func (f Flags) Has(o Flags) bool {
	return f&o == o
}

// Any reports whether any bit in o is set.
func (f Flags) Any(o Flags) bool {
	return f&o != 0
}

func (f Flags) String() string {
	if f == 0 {
		return "-"
	}

	var names []string
	for _, fn := range flagNames {
		if f.Has(fn.flag) {
			names = append(names, fn.name)
		}
	}
	return strings.Join(names, ",")
}
