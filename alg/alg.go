// SPDX-License-Identifier: MPL-2.0
/*
 * Copyright (C) 2024 The Noisy Sockets Authors.
 *
 * This Source Code Form is subject to the terms of the Mozilla Public
 * License, v. 2.0. If a copy of the MPL was not distributed with this
 * file, You can obtain one at http://mozilla.org/MPL/2.0/.
 */

// Package alg defines the application level gateway contract and the
// registry the forwarding path dispatches through.
package alg

import (
	"errors"
	"fmt"
	"io"
	"net/netip"
	"strings"
	"time"

	"github.com/noisysockets/masquerade/packet"
	"github.com/noisysockets/masquerade/session"
)

var (
	// ErrUnknownModule is returned when no module is registered under a name.
	ErrUnknownModule = errors.New("unknown module")
	// ErrUnsupported is returned for control commands a module does not implement.
	ErrUnsupported = errors.New("unsupported command")
	// ErrInvalidEntry is returned for malformed control entries.
	ErrInvalidEntry = errors.New("invalid entry")
)

// Module is a protocol helper. Rule hooks are cheap pre-checks run before a
// session lookup; a true result lets the module create a session for a
// packet no existing session matched. Update hooks run for every packet of a
// session bound to the module and return the change in payload length.
type Module interface {
	// Name identifies the module in the registry and the control plane.
	Name() string

	InRule(pkt *packet.Packet) bool
	InCreate(pkt *packet.Packet, public netip.Addr) (*session.Session, error)
	InUpdate(pkt *packet.Packet, s *session.Session) (int, error)

	OutRule(pkt *packet.Packet) bool
	OutCreate(pkt *packet.Packet, public netip.Addr) (*session.Session, error)
	OutUpdate(pkt *packet.Packet, s *session.Session) (int, error)

	// SessionStart is called once a session is bound to the module.
	SessionStart(s *session.Session)
	// SessionEnd is called once a session bound to or owned by the module
	// has been deleted.
	SessionEnd(s *session.Session)
}

// Sweeper is implemented by modules with state that ages out.
type Sweeper interface {
	Sweep(now time.Time)
}

// Nop implements every Module hook as a no-op. Modules embed it and override
// the hooks they need.
type Nop struct{}

func (Nop) InRule(*packet.Packet) bool { return false }

func (Nop) InCreate(*packet.Packet, netip.Addr) (*session.Session, error) { return nil, nil }

func (Nop) InUpdate(*packet.Packet, *session.Session) (int, error) { return 0, nil }

func (Nop) OutRule(*packet.Packet) bool { return false }

func (Nop) OutCreate(*packet.Packet, netip.Addr) (*session.Session, error) { return nil, nil }

func (Nop) OutUpdate(*packet.Packet, *session.Session) (int, error) { return 0, nil }

func (Nop) SessionStart(*session.Session) {}

func (Nop) SessionEnd(*session.Session) {}

// Command is a control plane operation.
type Command uint8

const (
	CommandAdd Command = iota + 1
	CommandInsert
	CommandDelete
	CommandGet
	CommandSet
	CommandFlush
)

var commandNames = map[Command]string{
	CommandAdd:    "add",
	CommandInsert: "insert",
	CommandDelete: "delete",
	CommandGet:    "get",
	CommandSet:    "set",
	CommandFlush:  "flush",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("command-%d", uint8(c))
}

// ParseCommand parses a command name.
func ParseCommand(s string) (Command, error) {
	for c, name := range commandNames {
		if strings.EqualFold(s, name) {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown command %q", s)
}

// Entry is the module specific payload of a control request, and the result
// returned for it. Modules use the fields relevant to them.
type Entry struct {
	Protocol session.Protocol
	Public   netip.AddrPort
	Private  netip.AddrPort
	Remote   netip.AddrPort
	Flags    session.Flags
	Timeout  time.Duration
	// Mark is the packet classification tag for mark based forwarding.
	Mark uint32
	// Weight is the scheduling weight of a forwarding target.
	Weight int
	// ControlProtocol and ControlPort select the traffic that activates an
	// auto forwarding rule.
	ControlProtocol session.Protocol
	ControlPort     uint16
	// PortLow and PortHigh bound the ports an auto forwarding rule opens.
	PortLow  uint16
	PortHigh uint16
}

// EntryFromSession describes a session as a control entry.
func EntryFromSession(s *session.Session) Entry {
	t := s.Tuple()
	return Entry{
		Protocol: s.Protocol(),
		Public:   t.Public,
		Private:  t.Private,
		Remote:   t.Remote,
		Flags:    s.Flags(),
		Timeout:  s.Timeout(),
	}
}

// Controller is implemented by modules with entries editable through the
// control plane.
type Controller interface {
	Module
	// Control applies cmd to the module and returns the affected entry.
	Control(cmd Command, e Entry) (Entry, error)
	// List writes a human readable listing of the module's live entries.
	List(w io.Writer) error
}
